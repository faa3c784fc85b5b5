// internal/chat/repository.go

package chat

import (
	"context"
)

// Repository persists conversations and messages
type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversationByParticipants(ctx context.Context, user1ID, user2ID string) (*Conversation, error)
	GetUserConversations(ctx context.Context, userID string) ([]*Conversation, error)
	UpdateConversationOnSend(ctx context.Context, convID, preview string, incrementSide int) error
	ResetUnread(ctx context.Context, convID string, side int) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessageByClientToken(ctx context.Context, senderID, clientToken string) (*Message, error)
	GetConversationMessages(ctx context.Context, convID string, limit int) ([]*Message, error)
	MarkMessagesRead(ctx context.Context, convID, readerID string) error
}
