// internal/chat/postgres.go

package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// CreateConversation inserts a new conversation
func (r *postgresRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (
			id, participant1_id, participant1_name, participant2_id,
			participant2_name, project_id, project_title, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(
		ctx, query,
		conv.ID, conv.Participant1ID, conv.Participant1Name,
		conv.Participant2ID, conv.Participant2Name,
		conv.ProjectID, conv.ProjectTitle, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

// GetConversation retrieves a conversation by id
func (r *postgresRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindConversationByParticipants finds a conversation between two users
// regardless of which side each occupies
func (r *postgresRepository) FindConversationByParticipants(ctx context.Context, user1ID, user2ID string) (*Conversation, error) {
	query := `
		SELECT * FROM conversations
		WHERE (participant1_id = $1 AND participant2_id = $2)
		   OR (participant1_id = $2 AND participant2_id = $1)
		LIMIT 1`

	var conv Conversation
	err := r.db.GetContext(ctx, &conv, query, user1ID, user2ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetUserConversations lists conversations for a user, most recent first
func (r *postgresRepository) GetUserConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT * FROM conversations
		WHERE participant1_id = $1 OR participant2_id = $1
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC`

	conversations := []*Conversation{}
	if err := r.db.SelectContext(ctx, &conversations, query, userID); err != nil {
		return nil, err
	}
	return conversations, nil
}

// UpdateConversationOnSend updates the preview, bumps last_message_at and
// increments the recipient-side unread counter. incrementSide is 1 or 2.
func (r *postgresRepository) UpdateConversationOnSend(ctx context.Context, convID, preview string, incrementSide int) error {
	query := `
		UPDATE conversations SET
			last_message = $2,
			last_message_at = $3,
			updated_at = $3,
			unread1 = unread1 + CASE WHEN $4 = 1 THEN 1 ELSE 0 END,
			unread2 = unread2 + CASE WHEN $4 = 2 THEN 1 ELSE 0 END
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, convID, preview, time.Now(), incrementSide)
	return err
}

// ResetUnread zeroes the unread counter for one side. side is 1 or 2.
func (r *postgresRepository) ResetUnread(ctx context.Context, convID string, side int) error {
	query := `
		UPDATE conversations SET
			unread1 = CASE WHEN $2 = 1 THEN 0 ELSE unread1 END,
			unread2 = CASE WHEN $2 = 2 THEN 0 ELSE unread2 END
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, convID, side)
	return err
}

// CreateMessage inserts a new message
func (r *postgresRepository) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, conversation_id, sender_id, sender_name, content,
			file_url, file_name, file_type, client_token, is_read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(
		ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Content,
		msg.FileURL, msg.FileName, msg.FileType, msg.ClientToken, msg.IsRead, msg.CreatedAt,
	)
	return err
}

// GetMessageByClientToken finds a message previously stored for the same
// sender and correlation token, used for idempotent sends
func (r *postgresRepository) GetMessageByClientToken(ctx context.Context, senderID, clientToken string) (*Message, error) {
	query := `SELECT * FROM messages WHERE sender_id = $1 AND client_token = $2 LIMIT 1`

	var msg Message
	err := r.db.GetContext(ctx, &msg, query, senderID, clientToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetConversationMessages retrieves history in chronological order
func (r *postgresRepository) GetConversationMessages(ctx context.Context, convID string, limit int) ([]*Message, error) {
	query := `
		SELECT * FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2`

	messages := []*Message{}
	if err := r.db.SelectContext(ctx, &messages, query, convID, limit); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkMessagesRead marks all messages not authored by the reader as read
func (r *postgresRepository) MarkMessagesRead(ctx context.Context, convID, readerID string) error {
	query := `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = FALSE`

	_, err := r.db.ExecContext(ctx, query, convID, readerID, time.Now())
	return err
}
