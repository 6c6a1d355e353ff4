package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrConversationNotFound is returned when a reference-number allocation or
// lookup targets a conversation that does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, team_id, team_name, user_id, staff_channel, last_reference)
		VALUES ($1, $2, $3, $4, $5, 0)
	`, conv.ID, conv.TeamID, conv.TeamName, conv.UserID, conv.StaffChannel)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, team_name, user_id, staff_channel, last_reference, created_at
		FROM conversations
		WHERE id=$1
	`, conversationID).Scan(&conv.ID, &conv.TeamID, &conv.TeamName, &conv.UserID, &conv.StaffChannel, &conv.LastReference, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByStaffChannel resolves the conversation a staff channel
// belongs to. With reused channels the most recently opened one wins.
func (s *PostgresStore) GetConversationByStaffChannel(ctx context.Context, channelID string) (Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, team_name, user_id, staff_channel, last_reference, created_at
		FROM conversations
		WHERE staff_channel=$1
		ORDER BY created_at DESC
		LIMIT 1
	`, channelID).Scan(&conv.ID, &conv.TeamID, &conv.TeamName, &conv.UserID, &conv.StaffChannel, &conv.LastReference, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation by channel: %w", err)
	}
	return conv, nil
}

// CreateMessagePair allocates the conversation's next reference number and
// inserts the pair record in one transaction. The row lock taken by the
// counter UPDATE serializes concurrent allocations for the same conversation,
// so issued numbers are dense and follow commit order. The returned pair
// carries the allocated reference.
func (s *PostgresStore) CreateMessagePair(ctx context.Context, pair MessagePair) (MessagePair, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessagePair{}, fmt.Errorf("begin allocation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var reference int
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_reference = last_reference + 1
		WHERE id=$1
		RETURNING last_reference
	`, pair.ConversationID).Scan(&reference)
	if errors.Is(err, sql.ErrNoRows) {
		return MessagePair{}, ErrConversationNotFound
	}
	if err != nil {
		return MessagePair{}, fmt.Errorf("allocate reference: %w", err)
	}

	pair.Reference = reference
	err = tx.QueryRowContext(ctx, `
		INSERT INTO message_pairs
			(id, conversation_id, reference, staff_message_id, user_message_id,
			 staff_id, staff_tag, anonymous, content, attachment_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, pair.ID, pair.ConversationID, pair.Reference, pair.StaffMessageID, pair.UserMessageID,
		pair.StaffID, pair.StaffTag, pair.Anonymous, pair.Content, pair.AttachmentURL,
	).Scan(&pair.CreatedAt)
	if err != nil {
		return MessagePair{}, fmt.Errorf("insert message pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MessagePair{}, fmt.Errorf("commit allocation tx: %w", err)
	}
	return pair, nil
}

func (s *PostgresStore) GetMessagePair(ctx context.Context, conversationID string, reference int) (MessagePair, error) {
	var pair MessagePair
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, reference, staff_message_id, user_message_id,
		       staff_id, staff_tag, anonymous, content, attachment_url, created_at
		FROM message_pairs
		WHERE conversation_id=$1 AND reference=$2
	`, conversationID, reference).Scan(
		&pair.ID, &pair.ConversationID, &pair.Reference, &pair.StaffMessageID, &pair.UserMessageID,
		&pair.StaffID, &pair.StaffTag, &pair.Anonymous, &pair.Content, &pair.AttachmentURL, &pair.CreatedAt,
	)
	if err != nil {
		return MessagePair{}, err
	}
	return pair, nil
}

func (s *PostgresStore) ListMessagePairs(ctx context.Context, conversationID string) ([]MessagePair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, reference, staff_message_id, user_message_id,
		       staff_id, staff_tag, anonymous, content, attachment_url, created_at
		FROM message_pairs
		WHERE conversation_id=$1
		ORDER BY reference ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list message pairs: %w", err)
	}
	defer rows.Close()

	items := make([]MessagePair, 0)
	for rows.Next() {
		var pair MessagePair
		if err := rows.Scan(
			&pair.ID, &pair.ConversationID, &pair.Reference, &pair.StaffMessageID, &pair.UserMessageID,
			&pair.StaffID, &pair.StaffTag, &pair.Anonymous, &pair.Content, &pair.AttachmentURL, &pair.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message pair: %w", err)
		}
		items = append(items, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message pairs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMessagePairContent(ctx context.Context, pairID, content, attachmentURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_pairs
		SET content=$2, attachment_url=$3
		WHERE id=$1
	`, pairID, content, attachmentURL)
	if err != nil {
		return fmt.Errorf("update message pair content: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSnippet(ctx context.Context, snippet Snippet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snippets (id, team_id, name, content, command_id, created_by_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snippet.ID, snippet.TeamID, snippet.Name, snippet.Content, snippet.CommandID, snippet.CreatedByID)
	if err != nil {
		return fmt.Errorf("insert snippet: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnippet(ctx context.Context, snippetID string) (Snippet, error) {
	return s.scanSnippet(s.db.QueryRowContext(ctx, `
		SELECT id, team_id, name, content, command_id, created_by_id, created_at, updated_at
		FROM snippets
		WHERE id=$1
	`, snippetID))
}

func (s *PostgresStore) GetSnippetByName(ctx context.Context, teamID, name string) (Snippet, error) {
	return s.scanSnippet(s.db.QueryRowContext(ctx, `
		SELECT id, team_id, name, content, command_id, created_by_id, created_at, updated_at
		FROM snippets
		WHERE team_id=$1 AND name=$2
	`, teamID, name))
}

func (s *PostgresStore) scanSnippet(row *sql.Row) (Snippet, error) {
	var snippet Snippet
	err := row.Scan(&snippet.ID, &snippet.TeamID, &snippet.Name, &snippet.Content,
		&snippet.CommandID, &snippet.CreatedByID, &snippet.CreatedAt, &snippet.UpdatedAt)
	if err != nil {
		return Snippet{}, err
	}
	return snippet, nil
}

func (s *PostgresStore) ListSnippets(ctx context.Context, teamID string) ([]Snippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, name, content, command_id, created_by_id, created_at, updated_at
		FROM snippets
		WHERE team_id=$1
		ORDER BY name ASC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list snippets: %w", err)
	}
	defer rows.Close()

	items := make([]Snippet, 0)
	for rows.Next() {
		var snippet Snippet
		if err := rows.Scan(&snippet.ID, &snippet.TeamID, &snippet.Name, &snippet.Content,
			&snippet.CommandID, &snippet.CreatedByID, &snippet.CreatedAt, &snippet.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		items = append(items, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return items, nil
}

// UpdateSnippet rewrites a snippet's name/content and appends an audit row
// holding the previous content, in one transaction.
func (s *PostgresStore) UpdateSnippet(ctx context.Context, snippetID, name, content, updatedByID, auditID string) (Snippet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snippet{}, fmt.Errorf("begin snippet tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldContent string
	err = tx.QueryRowContext(ctx, `SELECT content FROM snippets WHERE id=$1 FOR UPDATE`, snippetID).Scan(&oldContent)
	if err != nil {
		return Snippet{}, err
	}

	var snippet Snippet
	err = tx.QueryRowContext(ctx, `
		UPDATE snippets
		SET name=COALESCE(NULLIF($2, ''), name),
		    content=COALESCE(NULLIF($3, ''), content),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING id, team_id, name, content, command_id, created_by_id, created_at, updated_at
	`, snippetID, name, content).Scan(&snippet.ID, &snippet.TeamID, &snippet.Name, &snippet.Content,
		&snippet.CommandID, &snippet.CreatedByID, &snippet.CreatedAt, &snippet.UpdatedAt)
	if err != nil {
		return Snippet{}, fmt.Errorf("update snippet: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snippet_updates (id, snippet_id, old_content, updated_by_id)
		VALUES ($1, $2, $3, $4)
	`, auditID, snippetID, oldContent, updatedByID); err != nil {
		return Snippet{}, fmt.Errorf("insert snippet audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snippet{}, fmt.Errorf("commit snippet tx: %w", err)
	}
	return snippet, nil
}

func (s *PostgresStore) DeleteSnippet(ctx context.Context, snippetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snippets WHERE id=$1`, snippetID)
	if err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnippetUpdates(ctx context.Context, snippetID string) ([]SnippetUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snippet_id, old_content, updated_by_id, updated_at
		FROM snippet_updates
		WHERE snippet_id=$1
		ORDER BY updated_at DESC
	`, snippetID)
	if err != nil {
		return nil, fmt.Errorf("list snippet updates: %w", err)
	}
	defer rows.Close()

	items := make([]SnippetUpdate, 0)
	for rows.Next() {
		var update SnippetUpdate
		if err := rows.Scan(&update.ID, &update.SnippetID, &update.OldContent, &update.UpdatedByID, &update.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snippet update: %w", err)
		}
		items = append(items, update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippet updates: %w", err)
	}
	return items, nil
}
