// Package surface implements the two delivery surfaces and the transient
// acknowledgment channel on top of the Mattermost REST API.
package surface

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"modmail/api/internal/relay"
	"modmail/api/internal/render"
)

// Mattermost serves both surfaces with a single bot client: staff-channel
// posts for the staff side, direct-message posts for the user side.
type Mattermost struct {
	client          *model.Client4
	botUserID       string
	ackDismissAfter time.Duration
	log             zerolog.Logger
}

var (
	_ relay.StaffSurface = (*Mattermost)(nil)
	_ relay.UserSurface  = (*Mattermost)(nil)
	_ relay.Acknowledger = (*Mattermost)(nil)
)

func NewMattermost(serverURL, token, botUserID string, ackDismissAfter time.Duration, log zerolog.Logger) *Mattermost {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return &Mattermost{
		client:          client,
		botUserID:       botUserID,
		ackDismissAfter: ackDismissAfter,
		log:             log.With().Str("component", "mm_surface").Logger(),
	}
}

// Client exposes the underlying API client so the command registry can share
// the bot's session.
func (m *Mattermost) Client() *model.Client4 {
	return m.client
}

// NewMattermostWithClient wires an existing client, for tests against a fake
// API server.
func NewMattermostWithClient(client *model.Client4, botUserID string, ackDismissAfter time.Duration, log zerolog.Logger) *Mattermost {
	return &Mattermost{
		client:          client,
		botUserID:       botUserID,
		ackDismissAfter: ackDismissAfter,
		log:             log.With().Str("component", "mm_surface").Logger(),
	}
}

func (m *Mattermost) Send(ctx context.Context, channelID string, payload render.Payload) (string, error) {
	post := buildPost(channelID, payload)
	created, _, err := m.client.CreatePost(ctx, post)
	if err != nil {
		return "", fmt.Errorf("create staff post: %w", err)
	}
	return created.Id, nil
}

func (m *Mattermost) Edit(ctx context.Context, channelID, messageID string, payload render.Payload) error {
	_, _, err := m.client.PatchPost(ctx, messageID, buildPatch(payload))
	if err != nil {
		return fmt.Errorf("patch staff post: %w", err)
	}
	return nil
}

func (m *Mattermost) SendDirect(ctx context.Context, userID string, payload render.Payload) (string, error) {
	channel, _, err := m.client.CreateDirectChannel(ctx, m.botUserID, userID)
	if err != nil {
		if isForbidden(err) {
			return "", fmt.Errorf("open dm channel: %w", relay.ErrDeliveryBlocked)
		}
		return "", fmt.Errorf("open dm channel: %w", err)
	}

	post := buildPost(channel.Id, payload)
	created, _, err := m.client.CreatePost(ctx, post)
	if err != nil {
		if isForbidden(err) {
			return "", fmt.Errorf("create dm post: %w", relay.ErrDeliveryBlocked)
		}
		return "", fmt.Errorf("create dm post: %w", err)
	}
	return created.Id, nil
}

func (m *Mattermost) EditDirect(ctx context.Context, userID, messageID string, payload render.Payload) error {
	_, _, err := m.client.PatchPost(ctx, messageID, buildPatch(payload))
	if err != nil {
		return fmt.Errorf("patch dm post: %w", err)
	}
	return nil
}

// Acknowledge sends an ephemeral confirmation to the acting staff member.
// Ephemeral posts vanish on their own; when the server rejects them the
// fallback is a regular post deleted shortly after by a detached timer.
// All failures are swallowed.
func (m *Mattermost) Acknowledge(ctx context.Context, actor relay.Actor, text string) {
	post := &model.Post{ChannelId: actor.ChannelID, Message: text}

	_, _, err := m.client.CreatePostEphemeral(ctx, &model.PostEphemeral{
		UserID: actor.UserID,
		Post:   post,
	})
	if err == nil {
		return
	}

	created, _, err := m.client.CreatePost(ctx, post)
	if err != nil {
		m.log.Debug().Err(err).Msg("Acknowledgment delivery failed")
		return
	}
	time.AfterFunc(m.ackDismissAfter, func() {
		_, _ = m.client.DeletePost(context.Background(), created.Id)
	})
}

func buildPost(channelID string, p render.Payload) *model.Post {
	post := &model.Post{ChannelId: channelID}
	if p.Mode == render.ModeSimple {
		post.Message = p.Text
		if p.AttachmentURL != "" {
			post.Message += "\n" + p.AttachmentURL
		}
		return post
	}
	post.AddProp("attachments", []*model.SlackAttachment{cardToAttachment(p.Card)})
	return post
}

func buildPatch(p render.Payload) *model.PostPatch {
	patch := &model.PostPatch{}
	if p.Mode == render.ModeSimple {
		message := p.Text
		if p.AttachmentURL != "" {
			message += "\n" + p.AttachmentURL
		}
		patch.Message = &message
		if p.ClearAttachments {
			none := model.StringArray{}
			patch.FileIds = &none
		}
		return patch
	}
	empty := ""
	patch.Message = &empty
	patch.Props = &model.StringInterface{
		"attachments": []*model.SlackAttachment{cardToAttachment(p.Card)},
	}
	return patch
}

func cardToAttachment(c *render.Card) *model.SlackAttachment {
	return &model.SlackAttachment{
		Color:      c.Color,
		Text:       c.Body,
		ImageURL:   c.ImageURL,
		AuthorName: c.AuthorName,
		AuthorIcon: c.AuthorIcon,
		Footer:     c.FooterText,
		FooterIcon: c.FooterIcon,
	}
}

func isForbidden(err error) bool {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode == http.StatusForbidden
	}
	return false
}
