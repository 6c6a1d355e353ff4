// Package telemetry exposes Prometheus counters for relay outcomes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeStaffOnly = "staff_only"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	RelaysTotal             *prometheus.CounterVec
	EditsTotal              *prometheus.CounterVec
	InboundTotal            prometheus.Counter
	FooterCorrectionsFailed prometheus.Counter
	SnippetCacheHits        prometheus.Counter
	SnippetCacheMisses      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail",
			Name:      "relays_total",
			Help:      "Staff relay actions by delivery outcome.",
		}, []string{"outcome"}),
		EditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail",
			Name:      "edits_total",
			Help:      "Edit propagations by delivery outcome.",
		}, []string{"outcome"}),
		InboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail",
			Name:      "inbound_total",
			Help:      "End-user messages forwarded to the staff channel.",
		}),
		FooterCorrectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail",
			Name:      "footer_corrections_failed_total",
			Help:      "Staff-surface footer correction edits that failed.",
		}),
		SnippetCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail",
			Name:      "snippet_cache_hits_total",
			Help:      "Snippet lookups served from cache.",
		}),
		SnippetCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail",
			Name:      "snippet_cache_misses_total",
			Help:      "Snippet lookups that fell through to the store.",
		}),
	}
	reg.MustRegister(
		m.RelaysTotal,
		m.EditsTotal,
		m.InboundTotal,
		m.FooterCorrectionsFailed,
		m.SnippetCacheHits,
		m.SnippetCacheMisses,
	)
	return m
}

// NewUnregistered returns metrics bound to a throwaway registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
