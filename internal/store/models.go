package store

import "time"

// Conversation binds one end user to one staff channel for an ongoing
// support exchange. LastReference is the last-issued reference number and
// only ever moves forward, inside the same transaction that records the
// message pair it was issued for.
type Conversation struct {
	ID            string
	TeamID        string
	TeamName      string
	UserID        string
	StaffChannel  string
	LastReference int
	CreatedAt     time.Time
}

// MessagePair records one relayed exchange: the staff-channel copy and the
// user's direct-message copy, keyed by a per-conversation reference number.
// Reference and ConversationID are immutable once written; content and the
// surface message IDs may change on edit.
type MessagePair struct {
	ID             string
	ConversationID string
	Reference      int
	StaffMessageID string
	UserMessageID  string
	StaffID        string
	StaffTag       string
	Anonymous      bool
	Content        string
	AttachmentURL  string
	CreatedAt      time.Time
}

// Snippet is a canned staff reply mirrored to a chat-platform slash command.
type Snippet struct {
	ID          string
	TeamID      string
	Name        string
	Content     string
	CommandID   string
	CreatedByID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SnippetUpdate is one audit row recording a snippet's content before an edit.
type SnippetUpdate struct {
	ID          string
	SnippetID   string
	OldContent  string
	UpdatedByID string
	UpdatedAt   time.Time
}
