package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modmail/api/internal/relay"
	"modmail/api/internal/render"
	"modmail/api/internal/store"
)

type HTTPServer struct {
	service *Service
	log     zerolog.Logger
}

func NewHTTPServer(service *Service, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, log: log.With().Str("component", "http").Logger()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "v1" {
		switch parts[2] {
		case "conversations":
			s.handleConversations(w, r, parts[3:])
			return
		case "teams":
			s.handleTeams(w, r, parts[3:])
			return
		case "commands":
			if len(parts) == 3 && r.Method == http.MethodPost {
				s.handleCommand(w, r)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"cache":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.CacheReady(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["cache"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleCommand receives the form-encoded payload Mattermost posts when a
// registered snippet command is invoked. Failures are answered as ephemeral
// text with status 200; the platform renders non-200 responses as a raw
// integration error.
func (s *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Malformed command payload", nil)
		return
	}

	text, err := s.service.HandleCommand(r.Context(), CommandInput{
		TeamID:    r.PostFormValue("team_id"),
		ChannelID: r.PostFormValue("channel_id"),
		UserID:    r.PostFormValue("user_id"),
		UserName:  r.PostFormValue("user_name"),
		Trigger:   r.PostFormValue("command"),
		Text:      r.PostFormValue("text"),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Snippet command dispatch failed")
		text = "Something went wrong sending that snippet"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response_type": "ephemeral",
		"text":          text,
	})
}

// handleConversations routes /api/v1/conversations[/{id}[/messages[/{ref}]|/inbound]].
func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body OpenConversationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conv, err := s.service.OpenConversation(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conversationPayload(conv, nil))

	case len(rest) == 1 && r.Method == http.MethodGet:
		conv, pairs, err := s.service.GetConversation(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversationPayload(conv, pairs))

	case len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodPost:
		var body SendReplyInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SendReply(r.Context(), rest[0], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sendResultPayload(result))

	case len(rest) == 3 && rest[1] == "messages" && r.Method == http.MethodPatch:
		reference, err := strconv.Atoi(rest[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REFERENCE", "Reference must be a number", nil)
			return
		}
		var body EditReplyInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.EditReply(r.Context(), rest[0], reference, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, editResultPayload(result))

	case len(rest) == 2 && rest[1] == "inbound" && r.Method == http.MethodPost:
		var body InboundInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		messageID, err := s.service.ForwardInbound(r.Context(), rest[0], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"staffMessageId": messageID})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleTeams routes /api/v1/teams/{teamId}/snippets[/{snippetId}].
func (s *HTTPServer) handleTeams(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) < 2 || rest[1] != "snippets" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	teamID := rest[0]

	switch {
	case len(rest) == 2 && r.Method == http.MethodPut:
		var body SnippetInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snippet, err := s.service.CreateSnippet(r.Context(), teamID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snippetPayload(snippet))

	case len(rest) == 2 && r.Method == http.MethodGet:
		snippets, err := s.service.ListSnippets(r.Context(), teamID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(snippets))
		for _, snippet := range snippets {
			items = append(items, snippetPayload(snippet))
		}
		writeJSON(w, http.StatusOK, map[string]any{"snippets": items})

	case len(rest) == 3 && r.Method == http.MethodGet:
		snippet, updates, err := s.service.GetSnippet(r.Context(), rest[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := snippetPayload(snippet)
		history := make([]map[string]any, 0, len(updates))
		for _, update := range updates {
			history = append(history, map[string]any{
				"oldContent":  update.OldContent,
				"updatedById": update.UpdatedByID,
				"updatedAt":   update.UpdatedAt,
			})
		}
		payload["history"] = history
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 3 && r.Method == http.MethodPatch:
		var body SnippetInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snippet, err := s.service.UpdateSnippet(r.Context(), rest[2], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snippetPayload(snippet))

	case len(rest) == 3 && r.Method == http.MethodDelete:
		if err := s.service.DeleteSnippet(r.Context(), rest[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func conversationPayload(conv store.Conversation, pairs []store.MessagePair) map[string]any {
	payload := map[string]any{
		"id":            conv.ID,
		"teamId":        conv.TeamID,
		"teamName":      conv.TeamName,
		"userId":        conv.UserID,
		"staffChannel":  conv.StaffChannel,
		"lastReference": conv.LastReference,
		"createdAt":     conv.CreatedAt,
	}
	if pairs != nil {
		items := make([]map[string]any, 0, len(pairs))
		for _, pair := range pairs {
			items = append(items, map[string]any{
				"reference":      pair.Reference,
				"staffMessageId": pair.StaffMessageID,
				"userMessageId":  pair.UserMessageID,
				"staffId":        pair.StaffID,
				"staffTag":       pair.StaffTag,
				"anon":           pair.Anonymous,
				"content":        pair.Content,
				"attachmentUrl":  pair.AttachmentURL,
				"createdAt":      pair.CreatedAt,
			})
		}
		payload["messages"] = items
	}
	return payload
}

// sendResultPayload distinguishes full delivery from the recoverable
// staff-only outcome, so callers can tell "delivered" from "the user could
// not be reached".
func sendResultPayload(result relay.SendResult) map[string]any {
	payload := map[string]any{
		"reference":      result.Pair.Reference,
		"staffMessageId": result.Pair.StaffMessageID,
		"userDelivered":  result.UserDelivered,
	}
	if result.UserDelivered {
		payload["userMessageId"] = result.Pair.UserMessageID
	} else {
		payload["warning"] = "Message delivered to staff channel only; the user could not be reached"
	}
	return payload
}

func editResultPayload(result relay.EditResult) map[string]any {
	payload := map[string]any{
		"reference":  result.Pair.Reference,
		"content":    result.Pair.Content,
		"userEdited": result.UserEdited,
	}
	if !result.UserEdited {
		payload["warning"] = "Edit applied to staff copy only; the user-side message was not updated"
	}
	return payload
}

func snippetPayload(snippet store.Snippet) map[string]any {
	return map[string]any{
		"id":          snippet.ID,
		"teamId":      snippet.TeamID,
		"name":        snippet.Name,
		"content":     snippet.Content,
		"commandId":   snippet.CommandID,
		"createdById": snippet.CreatedByID,
		"createdAt":   snippet.CreatedAt,
		"updatedAt":   snippet.UpdatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("Handled request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrConversationNotFound) {
		return http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil
	}
	if errors.Is(err, relay.ErrMessageNotFound) {
		return http.StatusNotFound, "MESSAGE_NOT_FOUND", "No relayed message matches that reference", nil
	}
	if errors.Is(err, render.ErrContentTooLong) || errors.Is(err, render.ErrContentEmpty) {
		return http.StatusUnprocessableEntity, "RENDER_VALIDATION_FAILED", "Content cannot be rendered", map[string]any{"reason": err.Error()}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
