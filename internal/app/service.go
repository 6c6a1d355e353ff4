package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"modmail/api/internal/cache"
	"modmail/api/internal/config"
	"modmail/api/internal/relay"
	"modmail/api/internal/render"
	"modmail/api/internal/store"
	"modmail/api/internal/telemetry"
	"modmail/api/internal/util"
)

const (
	maxSnippetNameLength    = 32
	maxSnippetContentLength = 1900
)

type OpenConversationInput struct {
	TeamID       string `json:"teamId"`
	TeamName     string `json:"teamName"`
	UserID       string `json:"userId"`
	StaffChannel string `json:"staffChannel"`
}

type SendReplyInput struct {
	Content       string `json:"content"`
	SnippetName   string `json:"snippet"`
	AttachmentURL string `json:"attachmentUrl"`
	StaffID       string `json:"staffId"`
	StaffTag      string `json:"staffTag"`
	StaffName     string `json:"staffName"`
	StaffAvatar   string `json:"staffAvatar"`
	Anonymous     bool   `json:"anon"`
	Simple        bool   `json:"simple"`
	ActorChannel  string `json:"actorChannel"`
}

type EditReplyInput struct {
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl"`
	StaffID       string `json:"staffId"`
	Simple        bool   `json:"simple"`
	ActorChannel  string `json:"actorChannel"`
}

type InboundInput struct {
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl"`
	AuthorName    string `json:"authorName"`
	AuthorIcon    string `json:"authorIcon"`
}

type SnippetInput struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	CreatedByID string `json:"createdById"`
	UpdatedByID string `json:"updatedById"`
}

type dataStore interface {
	CreateConversation(ctx context.Context, conv store.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	GetConversationByStaffChannel(ctx context.Context, channelID string) (store.Conversation, error)
	ListMessagePairs(ctx context.Context, conversationID string) ([]store.MessagePair, error)
	CreateSnippet(ctx context.Context, snippet store.Snippet) error
	GetSnippet(ctx context.Context, snippetID string) (store.Snippet, error)
	GetSnippetByName(ctx context.Context, teamID, name string) (store.Snippet, error)
	ListSnippets(ctx context.Context, teamID string) ([]store.Snippet, error)
	UpdateSnippet(ctx context.Context, snippetID, name, content, updatedByID, auditID string) (store.Snippet, error)
	DeleteSnippet(ctx context.Context, snippetID string) error
	ListSnippetUpdates(ctx context.Context, snippetID string) ([]store.SnippetUpdate, error)
	Ping(ctx context.Context) error
}

type relayEngine interface {
	Send(ctx context.Context, req relay.SendRequest) (relay.SendResult, error)
	Edit(ctx context.Context, req relay.EditRequest) (relay.EditResult, error)
	ForwardInbound(ctx context.Context, req relay.InboundRequest) (string, error)
}

type commandRegistry interface {
	Register(ctx context.Context, teamID, trigger, description string) (string, error)
	Update(ctx context.Context, commandID, teamID, trigger, description string) error
	Unregister(ctx context.Context, commandID string) error
}

type snippetCache interface {
	Get(ctx context.Context, teamID, name string) (store.Snippet, error)
	Set(ctx context.Context, snippet store.Snippet) error
	Invalidate(ctx context.Context, teamID, name string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	engine   relayEngine
	commands commandRegistry
	snippets snippetCache
	metrics  *telemetry.Metrics
	log      zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, engine relayEngine, commands commandRegistry, metrics *telemetry.Metrics, log zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		engine:   engine,
		commands: commands,
		metrics:  metrics,
		log:      log.With().Str("component", "service").Logger(),
	}
}

// WithSnippetCache attaches an optional Redis lookaside cache for snippet
// resolution. Without it every lookup goes to the store.
func (s *Service) WithSnippetCache(snippets snippetCache) *Service {
	s.snippets = snippets
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CacheReady(ctx context.Context) error {
	if s.snippets == nil {
		return nil
	}
	return s.snippets.Ping(ctx)
}

func (s *Service) OpenConversation(ctx context.Context, input OpenConversationInput) (store.Conversation, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return store.Conversation{}, validationError("userId is required")
	}
	if strings.TrimSpace(input.StaffChannel) == "" {
		return store.Conversation{}, validationError("staffChannel is required")
	}

	conv := store.Conversation{
		ID:           util.NewID("conv"),
		TeamID:       input.TeamID,
		TeamName:     strings.TrimSpace(input.TeamName),
		UserID:       input.UserID,
		StaffChannel: input.StaffChannel,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return store.Conversation{}, err
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("user_id", conv.UserID).Msg("Opened conversation")
	return conv, nil
}

func (s *Service) GetConversation(ctx context.Context, conversationID string) (store.Conversation, []store.MessagePair, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, nil, err
	}
	pairs, err := s.store.ListMessagePairs(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, nil, err
	}
	return conv, pairs, nil
}

// SendReply relays a staff message. When a snippet name is given instead of
// literal content, the snippet body is resolved (cache first) and relayed.
func (s *Service) SendReply(ctx context.Context, conversationID string, input SendReplyInput) (relay.SendResult, error) {
	content := input.Content
	if content == "" && input.SnippetName != "" {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return relay.SendResult{}, err
		}
		snippet, err := s.resolveSnippet(ctx, conv.TeamID, input.SnippetName)
		if err != nil {
			return relay.SendResult{}, err
		}
		content = snippet.Content
	}
	if content == "" {
		return relay.SendResult{}, validationError("content or snippet is required")
	}
	if strings.TrimSpace(input.StaffID) == "" || strings.TrimSpace(input.StaffTag) == "" {
		return relay.SendResult{}, validationError("staffId and staffTag are required")
	}

	mode := render.ModeRich
	if input.Simple {
		mode = render.ModeSimple
	}
	return s.engine.Send(ctx, relay.SendRequest{
		ConversationID: conversationID,
		Content:        content,
		AttachmentURL:  input.AttachmentURL,
		Staff: render.Staff{
			ID:          input.StaffID,
			Tag:         input.StaffTag,
			DisplayName: staffDisplayName(input),
			AvatarURL:   input.StaffAvatar,
		},
		Anonymous: input.Anonymous,
		Mode:      mode,
		Actor:     relay.Actor{UserID: input.StaffID, ChannelID: input.ActorChannel},
	})
}

func (s *Service) EditReply(ctx context.Context, conversationID string, reference int, input EditReplyInput) (relay.EditResult, error) {
	if reference < 1 {
		return relay.EditResult{}, validationError("reference must be a positive number")
	}
	if input.Content == "" {
		return relay.EditResult{}, validationError("content is required")
	}

	mode := render.ModeRich
	if input.Simple {
		mode = render.ModeSimple
	}
	return s.engine.Edit(ctx, relay.EditRequest{
		ConversationID: conversationID,
		Reference:      reference,
		Content:        input.Content,
		AttachmentURL:  input.AttachmentURL,
		Mode:           mode,
		Actor:          relay.Actor{UserID: input.StaffID, ChannelID: input.ActorChannel},
	})
}

// CommandInput is the payload a registered slash command posts back when a
// staff member invokes a snippet from the staff channel.
type CommandInput struct {
	TeamID    string
	ChannelID string
	UserID    string
	UserName  string
	Trigger   string
	Text      string
}

// HandleCommand dispatches a snippet slash command: the channel it was
// invoked in locates the conversation, the trigger names the snippet, and an
// "anon" argument requests anonymity. The returned text is shown to the
// invoking staff member only.
func (s *Service) HandleCommand(ctx context.Context, input CommandInput) (string, error) {
	trigger := strings.TrimPrefix(strings.TrimSpace(input.Trigger), "/")
	if trigger == "" {
		return "No snippet trigger supplied", nil
	}

	conv, err := s.store.GetConversationByStaffChannel(ctx, input.ChannelID)
	if errors.Is(err, store.ErrConversationNotFound) {
		return "This channel has no open support conversation", nil
	}
	if err != nil {
		return "", err
	}

	snippet, err := s.resolveSnippet(ctx, conv.TeamID, trigger)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Status == http.StatusNotFound {
		return fmt.Sprintf("No snippet named %q exists for this team", trigger), nil
	}
	if err != nil {
		return "", err
	}

	anonymous := strings.EqualFold(strings.TrimSpace(input.Text), "anon")
	result, err := s.engine.Send(ctx, relay.SendRequest{
		ConversationID: conv.ID,
		Content:        snippet.Content,
		Staff: render.Staff{
			ID:          input.UserID,
			Tag:         input.UserName,
			DisplayName: input.UserName,
		},
		Anonymous: anonymous,
		Mode:      render.ModeRich,
		Actor:     relay.Actor{UserID: input.UserID, ChannelID: input.ChannelID},
	})
	if err != nil {
		return "", err
	}

	if !result.UserDelivered {
		return fmt.Sprintf("Sent %q as reply %d, but the user could not be reached", trigger, result.Pair.Reference), nil
	}
	return fmt.Sprintf("Sent %q as reply %d", trigger, result.Pair.Reference), nil
}

func (s *Service) ForwardInbound(ctx context.Context, conversationID string, input InboundInput) (string, error) {
	return s.engine.ForwardInbound(ctx, relay.InboundRequest{
		ConversationID: conversationID,
		Content:        input.Content,
		AttachmentURL:  input.AttachmentURL,
		AuthorName:     input.AuthorName,
		AuthorIcon:     input.AuthorIcon,
	})
}

func (s *Service) CreateSnippet(ctx context.Context, teamID string, input SnippetInput) (store.Snippet, error) {
	if err := validateSnippetName(input.Name); err != nil {
		return store.Snippet{}, err
	}
	if err := s.validateSnippetContent(input.Content); err != nil {
		return store.Snippet{}, err
	}
	if strings.TrimSpace(input.CreatedByID) == "" {
		return store.Snippet{}, validationError("createdById is required")
	}

	if _, err := s.store.GetSnippetByName(ctx, teamID, input.Name); err == nil {
		return store.Snippet{}, badRequest("SNIPPET_EXISTS", "A snippet with this name already exists in the team")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Snippet{}, err
	}

	commandID, err := s.commands.Register(ctx, teamID, input.Name, "Canned staff reply")
	if err != nil {
		return store.Snippet{}, fmt.Errorf("register snippet command: %w", err)
	}

	snippet := store.Snippet{
		ID:          util.NewID("snp"),
		TeamID:      teamID,
		Name:        input.Name,
		Content:     input.Content,
		CommandID:   commandID,
		CreatedByID: input.CreatedByID,
	}
	if err := s.store.CreateSnippet(ctx, snippet); err != nil {
		return store.Snippet{}, err
	}
	s.cacheSnippet(ctx, snippet)

	s.log.Info().Str("team_id", teamID).Str("name", snippet.Name).Msg("Created snippet")
	return snippet, nil
}

func (s *Service) GetSnippet(ctx context.Context, snippetID string) (store.Snippet, []store.SnippetUpdate, error) {
	snippet, err := s.store.GetSnippet(ctx, snippetID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snippet{}, nil, notFound("Snippet not found")
	}
	if err != nil {
		return store.Snippet{}, nil, err
	}
	updates, err := s.store.ListSnippetUpdates(ctx, snippetID)
	if err != nil {
		return store.Snippet{}, nil, err
	}
	return snippet, updates, nil
}

func (s *Service) ListSnippets(ctx context.Context, teamID string) ([]store.Snippet, error) {
	return s.store.ListSnippets(ctx, teamID)
}

// UpdateSnippet rewrites a snippet, patches its mirrored slash command, and
// records the previous content in the audit trail.
func (s *Service) UpdateSnippet(ctx context.Context, snippetID string, input SnippetInput) (store.Snippet, error) {
	if input.Name != "" {
		if err := validateSnippetName(input.Name); err != nil {
			return store.Snippet{}, err
		}
	}
	if input.Content != "" {
		if err := s.validateSnippetContent(input.Content); err != nil {
			return store.Snippet{}, err
		}
	}
	if strings.TrimSpace(input.UpdatedByID) == "" {
		return store.Snippet{}, validationError("updatedById is required")
	}
	// A no-op patch must not touch the slash command or the audit trail.
	if input.Name == "" && input.Content == "" {
		return store.Snippet{}, validationError("name or content must be provided")
	}

	existing, err := s.store.GetSnippet(ctx, snippetID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snippet{}, notFound("Snippet not found")
	}
	if err != nil {
		return store.Snippet{}, err
	}

	trigger := existing.Name
	if input.Name != "" {
		trigger = input.Name
	}
	if err := s.commands.Update(ctx, existing.CommandID, existing.TeamID, trigger, "Canned staff reply"); err != nil {
		return store.Snippet{}, fmt.Errorf("update snippet command: %w", err)
	}

	updated, err := s.store.UpdateSnippet(ctx, snippetID, input.Name, input.Content, input.UpdatedByID, util.NewID("snup"))
	if err != nil {
		return store.Snippet{}, err
	}

	s.invalidateSnippet(ctx, existing.TeamID, existing.Name)
	s.cacheSnippet(ctx, updated)

	s.log.Info().Str("snippet_id", snippetID).Str("name", updated.Name).Msg("Updated snippet")
	return updated, nil
}

func (s *Service) DeleteSnippet(ctx context.Context, snippetID string) error {
	existing, err := s.store.GetSnippet(ctx, snippetID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("Snippet not found")
	}
	if err != nil {
		return err
	}

	if err := s.commands.Unregister(ctx, existing.CommandID); err != nil {
		// The stored snippet is authoritative; a dangling command is only
		// noise and should not block deletion.
		s.log.Warn().Err(err).Str("snippet_id", snippetID).Msg("Failed to unregister snippet command")
	}

	if err := s.store.DeleteSnippet(ctx, snippetID); err != nil {
		return err
	}
	s.invalidateSnippet(ctx, existing.TeamID, existing.Name)

	s.log.Info().Str("snippet_id", snippetID).Str("name", existing.Name).Msg("Deleted snippet")
	return nil
}

func (s *Service) resolveSnippet(ctx context.Context, teamID, name string) (store.Snippet, error) {
	if s.snippets != nil {
		if snippet, err := s.snippets.Get(ctx, teamID, name); err == nil {
			s.metrics.SnippetCacheHits.Inc()
			return snippet, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Debug().Err(err).Msg("Snippet cache read failed")
		}
		s.metrics.SnippetCacheMisses.Inc()
	}

	snippet, err := s.store.GetSnippetByName(ctx, teamID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snippet{}, notFound("Snippet not found")
	}
	if err != nil {
		return store.Snippet{}, err
	}
	s.cacheSnippet(ctx, snippet)
	return snippet, nil
}

func (s *Service) cacheSnippet(ctx context.Context, snippet store.Snippet) {
	if s.snippets == nil {
		return
	}
	if err := s.snippets.Set(ctx, snippet); err != nil {
		s.log.Debug().Err(err).Str("name", snippet.Name).Msg("Snippet cache write failed")
	}
}

func (s *Service) invalidateSnippet(ctx context.Context, teamID, name string) {
	if s.snippets == nil {
		return
	}
	if err := s.snippets.Invalidate(ctx, teamID, name); err != nil {
		s.log.Debug().Err(err).Str("name", name).Msg("Snippet cache invalidation failed")
	}
}

func staffDisplayName(input SendReplyInput) string {
	if input.StaffName != "" {
		return input.StaffName
	}
	return input.StaffTag
}

func validateSnippetName(name string) error {
	if name == "" || len(name) > maxSnippetNameLength {
		return validationError(fmt.Sprintf("name must be 1-%d characters", maxSnippetNameLength))
	}
	return nil
}

// Snippet bodies share the renderer's platform length limit; a snippet that
// cannot be relayed is useless.
func (s *Service) validateSnippetContent(content string) error {
	limit := s.cfg.MaxContentLength
	if limit <= 0 {
		limit = maxSnippetContentLength
	}
	if content == "" || len(content) > limit {
		return validationError(fmt.Sprintf("content must be 1-%d characters", limit))
	}
	return nil
}
