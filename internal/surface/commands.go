package surface

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// CommandRegistry mirrors snippets to Mattermost slash commands so staff can
// invoke canned replies directly from the staff channel.
type CommandRegistry struct {
	client      *model.Client4
	callbackURL string
	log         zerolog.Logger
}

func NewCommandRegistry(client *model.Client4, callbackURL string, log zerolog.Logger) *CommandRegistry {
	return &CommandRegistry{
		client:      client,
		callbackURL: callbackURL,
		log:         log.With().Str("component", "mm_commands").Logger(),
	}
}

func (r *CommandRegistry) Register(ctx context.Context, teamID, trigger, description string) (string, error) {
	created, _, err := r.client.CreateCommand(ctx, r.command("", teamID, trigger, description))
	if err != nil {
		return "", fmt.Errorf("create slash command %q: %w", trigger, err)
	}
	r.log.Info().Str("team_id", teamID).Str("trigger", trigger).Msg("Registered snippet command")
	return created.Id, nil
}

func (r *CommandRegistry) Update(ctx context.Context, commandID, teamID, trigger, description string) error {
	_, _, err := r.client.UpdateCommand(ctx, r.command(commandID, teamID, trigger, description))
	if err != nil {
		return fmt.Errorf("update slash command %q: %w", trigger, err)
	}
	return nil
}

func (r *CommandRegistry) Unregister(ctx context.Context, commandID string) error {
	_, err := r.client.DeleteCommand(ctx, commandID)
	if err != nil {
		return fmt.Errorf("delete slash command: %w", err)
	}
	return nil
}

func (r *CommandRegistry) command(id, teamID, trigger, description string) *model.Command {
	return &model.Command{
		Id:               id,
		TeamId:           teamID,
		Trigger:          trigger,
		Method:           model.CommandMethodPost,
		URL:              r.callbackURL,
		DisplayName:      trigger,
		Description:      description,
		AutoComplete:     true,
		AutoCompleteDesc: "Send this canned reply",
		AutoCompleteHint: "[anon]",
	}
}
