// Package relay is the message relay engine: it coordinates reference-number
// allocation, dual-surface delivery, and edit propagation for one support
// conversation at a time.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"modmail/api/internal/render"
	"modmail/api/internal/store"
	"modmail/api/internal/telemetry"
	"modmail/api/internal/util"
)

var (
	// ErrDeliveryBlocked marks a user surface that refuses direct delivery.
	// The staff copy stands; the action completes as a partial success.
	ErrDeliveryBlocked = errors.New("user surface rejected delivery")
	// ErrMessageNotFound is returned on the edit path when no pair matches
	// the quoted reference number.
	ErrMessageNotFound = errors.New("message pair not found")
)

// StaffSurface is the shared channel staff monitor.
type StaffSurface interface {
	Send(ctx context.Context, channelID string, payload render.Payload) (string, error)
	Edit(ctx context.Context, channelID, messageID string, payload render.Payload) error
}

// UserSurface is the end user's private channel. SendDirect may fail with
// ErrDeliveryBlocked when the user cannot be reached.
type UserSurface interface {
	SendDirect(ctx context.Context, userID string, payload render.Payload) (string, error)
	EditDirect(ctx context.Context, userID, messageID string, payload render.Payload) error
}

// Acknowledger delivers transient confirmations to the acting staff member.
// Implementations are best-effort; they swallow their own failures.
type Acknowledger interface {
	Acknowledge(ctx context.Context, actor Actor, text string)
}

// Actor locates the staff member who triggered a relay action, for
// acknowledgment delivery.
type Actor struct {
	UserID    string
	ChannelID string
}

// Store is the subset of the persistent store the engine needs.
// CreateMessagePair must allocate the reference number and insert the record
// in one atomic step.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	CreateMessagePair(ctx context.Context, pair store.MessagePair) (store.MessagePair, error)
	GetMessagePair(ctx context.Context, conversationID string, reference int) (store.MessagePair, error)
	UpdateMessagePairContent(ctx context.Context, pairID, content, attachmentURL string) error
}

type Engine struct {
	store    Store
	staff    StaffSurface
	user     UserSurface
	ack      Acknowledger
	renderer render.Renderer
	metrics  *telemetry.Metrics
	log      zerolog.Logger
}

func NewEngine(st Store, staff StaffSurface, user UserSurface, ack Acknowledger, renderer render.Renderer, metrics *telemetry.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		staff:    staff,
		user:     user,
		ack:      ack,
		renderer: renderer,
		metrics:  metrics,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

type SendRequest struct {
	ConversationID string
	Content        string
	AttachmentURL  string
	Staff          render.Staff
	Anonymous      bool
	Mode           render.Mode
	Actor          Actor
}

// SendResult reports what a relay action produced. UserDelivered is false on
// the recoverable partial-failure path: the staff copy and the pair record
// exist, but the user could not be reached.
type SendResult struct {
	Pair          store.MessagePair
	UserDelivered bool
}

// Send relays a new staff message to both surfaces and records the pair.
//
// Ordering: render, send staff copy, send user copy, then allocate the
// reference number and persist the pair in one short transaction. The
// transaction is never held open across the network sends. Once the number
// is known, the staff-surface message is edited in place so its footer shows
// the recorded reference; this correction runs regardless of user-delivery
// outcome so both surfaces converge on the persisted number.
func (e *Engine) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return SendResult{}, err
	}

	variants, err := e.renderer.Render(render.Request{
		Content:       req.Content,
		AttachmentURL: req.AttachmentURL,
		Staff:         req.Staff,
		Team:          render.Team{Name: conv.TeamName},
		Anonymous:     req.Anonymous,
		Mode:          req.Mode,
	})
	if err != nil {
		return SendResult{}, err
	}

	staffMessageID, err := e.staff.Send(ctx, conv.StaffChannel, variants.Staff)
	if err != nil {
		e.metrics.RelaysTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
		return SendResult{}, fmt.Errorf("send staff copy: %w", err)
	}

	userMessageID, userErr := e.user.SendDirect(ctx, conv.UserID, variants.User)
	userDelivered := userErr == nil
	if userErr != nil {
		// Recoverable: the staff copy is the durable record.
		e.log.Warn().Err(userErr).
			Str("conversation_id", conv.ID).
			Msg("User-surface delivery failed, keeping staff copy")
		userMessageID = ""
	}

	pair, err := e.store.CreateMessagePair(ctx, store.MessagePair{
		ID:             util.NewID("pair"),
		ConversationID: conv.ID,
		StaffMessageID: staffMessageID,
		UserMessageID:  userMessageID,
		StaffID:        req.Staff.ID,
		StaffTag:       req.Staff.Tag,
		Anonymous:      req.Anonymous,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		e.metrics.RelaysTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
		return SendResult{}, fmt.Errorf("persist message pair: %w", err)
	}

	corrected := render.ApplyReference(variants.Staff, req.Staff, pair.Reference)
	if err := e.staff.Edit(ctx, conv.StaffChannel, staffMessageID, corrected); err != nil {
		e.metrics.FooterCorrectionsFailed.Inc()
		e.log.Warn().Err(err).
			Str("conversation_id", conv.ID).
			Int("reference", pair.Reference).
			Msg("Footer correction edit failed")
	}

	if userDelivered {
		e.metrics.RelaysTotal.WithLabelValues(telemetry.OutcomeDelivered).Inc()
		e.ack.Acknowledge(ctx, req.Actor, "Successfully posted your message")
	} else {
		e.metrics.RelaysTotal.WithLabelValues(telemetry.OutcomeStaffOnly).Inc()
	}

	e.log.Info().
		Str("conversation_id", conv.ID).
		Int("reference", pair.Reference).
		Bool("user_delivered", userDelivered).
		Bool("anonymous", req.Anonymous).
		Msg("Relayed staff message")

	return SendResult{Pair: pair, UserDelivered: userDelivered}, nil
}

type EditRequest struct {
	ConversationID string
	Reference      int
	Content        string
	AttachmentURL  string
	Mode           render.Mode
	Actor          Actor
}

type EditResult struct {
	Pair       store.MessagePair
	UserEdited bool
}

// Edit re-renders an existing pair with new content and pushes the result to
// both surfaces in place. The reference number is never reallocated.
// Attribution stays with the staff member who authored the original message.
// The stored raw content is updated only after both surface edits were
// attempted, so a stored-but-undelivered mismatch stays visible to operators.
func (e *Engine) Edit(ctx context.Context, req EditRequest) (EditResult, error) {
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return EditResult{}, err
	}

	pair, err := e.store.GetMessagePair(ctx, conv.ID, req.Reference)
	if err != nil {
		return EditResult{}, fmt.Errorf("%w: reference %d", ErrMessageNotFound, req.Reference)
	}

	variants, err := e.renderer.Render(render.Request{
		Content:       req.Content,
		AttachmentURL: req.AttachmentURL,
		Staff:         render.Staff{ID: pair.StaffID, Tag: pair.StaffTag, DisplayName: pair.StaffTag},
		Team:          render.Team{Name: conv.TeamName},
		Anonymous:     pair.Anonymous,
		Mode:          req.Mode,
		Reference:     pair.Reference,
	})
	if err != nil {
		return EditResult{}, err
	}

	if err := e.staff.Edit(ctx, conv.StaffChannel, pair.StaffMessageID, variants.Staff); err != nil {
		e.metrics.EditsTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
		return EditResult{}, fmt.Errorf("edit staff copy: %w", err)
	}

	userEdited := false
	if pair.UserMessageID != "" {
		if err := e.user.EditDirect(ctx, conv.UserID, pair.UserMessageID, variants.User); err != nil {
			e.log.Warn().Err(err).
				Str("conversation_id", conv.ID).
				Int("reference", pair.Reference).
				Msg("User-surface edit failed, staff copy updated")
		} else {
			userEdited = true
		}
	}

	if err := e.store.UpdateMessagePairContent(ctx, pair.ID, req.Content, req.AttachmentURL); err != nil {
		e.metrics.EditsTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
		return EditResult{}, fmt.Errorf("persist edited content: %w", err)
	}
	pair.Content = req.Content
	pair.AttachmentURL = req.AttachmentURL

	if userEdited {
		e.metrics.EditsTotal.WithLabelValues(telemetry.OutcomeDelivered).Inc()
	} else {
		e.metrics.EditsTotal.WithLabelValues(telemetry.OutcomeStaffOnly).Inc()
	}
	e.ack.Acknowledge(ctx, req.Actor, "Successfully edited your message")

	e.log.Info().
		Str("conversation_id", conv.ID).
		Int("reference", pair.Reference).
		Bool("user_edited", userEdited).
		Msg("Propagated message edit")

	return EditResult{Pair: pair, UserEdited: userEdited}, nil
}

type InboundRequest struct {
	ConversationID string
	Content        string
	AttachmentURL  string
	AuthorName     string
	AuthorIcon     string
}

// ForwardInbound posts an end-user message into the staff channel. Inbound
// messages carry no reference number; numbering belongs to staff replies.
func (e *Engine) ForwardInbound(ctx context.Context, req InboundRequest) (string, error) {
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}

	payload, err := e.renderer.RenderInbound(req.Content, req.AuthorName, req.AuthorIcon, req.AttachmentURL)
	if err != nil {
		return "", err
	}

	messageID, err := e.staff.Send(ctx, conv.StaffChannel, payload)
	if err != nil {
		return "", fmt.Errorf("forward inbound message: %w", err)
	}

	e.metrics.InboundTotal.Inc()
	e.log.Info().
		Str("conversation_id", conv.ID).
		Msg("Forwarded user message to staff channel")
	return messageID, nil
}
