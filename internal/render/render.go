// Package render produces the two divergent payloads of a relay action:
// the staff-facing copy and the user-facing copy. The staff variant is
// rendered first and always carries full attribution; the user variant is
// derived from it by a redaction pass, so the two can never drift apart in
// body content.
package render

import (
	"errors"
	"fmt"
	"strconv"
)

// Mode selects between the plain-text and structured-card renderings.
type Mode string

const (
	ModeSimple Mode = "simple"
	ModeRich   Mode = "rich"
)

// CardColor is the accent color of rich cards.
const CardColor = "#5865F2"

// DefaultMaxContentLength caps message bodies; content beyond the limit is
// rejected before any send is attempted.
const DefaultMaxContentLength = 1900

var (
	ErrContentTooLong = errors.New("content exceeds platform length limit")
	ErrContentEmpty   = errors.New("empty content")
)

// Staff identifies the acting staff member. Tag is the unambiguous handle
// ("Alice#0001"), DisplayName the friendlier form shown on cards.
type Staff struct {
	ID          string
	Tag         string
	DisplayName string
	AvatarURL   string
}

// Team is the community's generic identity, used in place of the staff
// member's on anonymous messages.
type Team struct {
	Name    string
	IconURL string
}

// Card is the structured rendering of a message.
type Card struct {
	Color      string
	Body       string
	ImageURL   string
	AuthorName string
	AuthorIcon string
	FooterText string
	FooterIcon string
}

// Payload is one rendered variant, ready for a delivery surface. Exactly one
// of Text (simple mode) or Card (rich mode) is populated.
type Payload struct {
	Mode             Mode
	Text             string
	AttachmentURL    string
	ClearAttachments bool
	Card             *Card
}

// Variants holds the two copies of one relay action.
type Variants struct {
	Staff Payload
	User  Payload
}

type Request struct {
	Content       string
	AttachmentURL string
	Staff         Staff
	Team          Team
	Anonymous     bool
	Mode          Mode
	// Reference is the already-known reference number on the edit path;
	// zero on the new-message path, where the number does not exist yet.
	Reference int
}

type Renderer struct {
	MaxContentLength int
}

func New(maxContentLength int) Renderer {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return Renderer{MaxContentLength: maxContentLength}
}

// Render builds the staff variant, then derives the user variant from it by
// redacting staff identity where anonymity was requested.
func (r Renderer) Render(req Request) (Variants, error) {
	if req.Content == "" {
		return Variants{}, ErrContentEmpty
	}
	if len(req.Content) > r.MaxContentLength {
		return Variants{}, fmt.Errorf("content is %d chars, limit %d: %w", len(req.Content), r.MaxContentLength, ErrContentTooLong)
	}

	staff := renderStaff(req)
	user := redactForUser(staff, req)
	return Variants{Staff: staff, User: user}, nil
}

func renderStaff(req Request) Payload {
	if req.Mode == ModeSimple {
		prefix := ""
		if req.Reference > 0 {
			prefix = inlineCode(strconv.Itoa(req.Reference)) + " "
		}
		if req.Anonymous {
			prefix += "(Anonymous) "
		}
		payload := Payload{
			Mode:          ModeSimple,
			Text:          fmt.Sprintf("**%s(%s) %s:** %s", prefix, teamLabel(req.Team), req.Staff.Tag, req.Content),
			AttachmentURL: req.AttachmentURL,
		}
		// An edit without an attachment must drop stale files, not keep them.
		if req.AttachmentURL == "" {
			payload.ClearAttachments = true
		}
		return payload
	}

	card := &Card{
		Color:    CardColor,
		Body:     req.Content,
		ImageURL: req.AttachmentURL,
		// The footer always names the true staff identity. Anonymity hides
		// it from the user copy only, never from the staff-side record.
		FooterText: staffFooter(req.Reference, req.Staff),
		FooterIcon: req.Staff.AvatarURL,
	}
	if req.Anonymous {
		card.AuthorName = teamLabel(req.Team)
		card.AuthorIcon = req.Team.IconURL
	} else {
		card.AuthorName = req.Staff.DisplayName
		card.AuthorIcon = req.Staff.AvatarURL
	}
	return Payload{Mode: ModeRich, Card: card}
}

// redactForUser derives the user-facing copy from the already-rendered staff
// payload. Identity-bearing fields are stripped or rewritten only when the
// message is anonymous.
func redactForUser(staff Payload, req Request) Payload {
	user := staff
	if staff.Card != nil {
		card := *staff.Card
		user.Card = &card
	}
	if !req.Anonymous {
		return user
	}

	if user.Mode == ModeSimple {
		user.Text = fmt.Sprintf("**%s:** %s", teamLabel(req.Team), req.Content)
		return user
	}
	user.Card.FooterText = ""
	user.Card.FooterIcon = ""
	return user
}

// ApplyReference injects a freshly allocated reference number into a staff
// payload after the fact. On the new-message path the number is unknown at
// first render, so the staff-surface copy is corrected once allocation has
// committed.
func ApplyReference(staff Payload, actor Staff, reference int) Payload {
	corrected := staff
	if staff.Mode == ModeSimple {
		corrected.Text = inlineCode(strconv.Itoa(reference)) + " " + staff.Text
		return corrected
	}
	card := *staff.Card
	card.FooterText = staffFooter(reference, actor)
	corrected.Card = &card
	return corrected
}

// RenderInbound shapes an end-user message for display in the staff channel.
func (r Renderer) RenderInbound(content, authorName, authorIcon, attachmentURL string) (Payload, error) {
	if content == "" && attachmentURL == "" {
		return Payload{}, ErrContentEmpty
	}
	if len(content) > r.MaxContentLength {
		return Payload{}, fmt.Errorf("inbound content is %d chars, limit %d: %w", len(content), r.MaxContentLength, ErrContentTooLong)
	}
	return Payload{
		Mode: ModeRich,
		Card: &Card{
			Color:      CardColor,
			Body:       content,
			ImageURL:   attachmentURL,
			AuthorName: authorName,
			AuthorIcon: authorIcon,
		},
	}, nil
}

func staffFooter(reference int, staff Staff) string {
	id := fmt.Sprintf("%s (%s)", staff.Tag, staff.ID)
	if reference > 0 {
		return fmt.Sprintf("Reply ID: %d | %s", reference, id)
	}
	return id
}

func teamLabel(team Team) string {
	if team.Name == "" {
		return "Team"
	}
	return team.Name + " Team"
}

func inlineCode(s string) string {
	return "`" + s + "`"
}
