// pkg/chatclient/models.go

package chatclient

import (
	"context"
	"io"
	"time"
)

// DeliveryState tracks where a message is in its lifecycle. Self-authored
// messages move Pending -> Sent (or Failed); peer messages arrive as
// Delivered and become Read when the server reports it.
type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateSent      DeliveryState = "SENT"
	StateFailed    DeliveryState = "FAILED"
	StateDelivered DeliveryState = "DELIVERED"
	StateRead      DeliveryState = "READ"
)

// Attachment references uploaded bytes
type Attachment struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// Message is one entry in the rendered conversation. ID is empty until
// the server acknowledges the message; ClientToken is the local
// correlation id used to match the provisional entry with its
// authoritative counterpart.
type Message struct {
	ID             string
	ClientToken    string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Attachment     *Attachment
	CreatedAt      time.Time
	DeliveryState  DeliveryState
}

// IsSelf reports whether the message was authored by the given user
func (m *Message) IsSelf(userID string) bool {
	return m.SenderID == userID
}

// Conversation is a directory entry
type Conversation struct {
	ID                   string     `json:"id"`
	OtherParticipantID   string     `json:"otherParticipantId"`
	OtherParticipantName string     `json:"otherParticipantName"`
	ProjectID            *string    `json:"projectId,omitempty"`
	ProjectTitle         *string    `json:"projectTitle,omitempty"`
	LastMessage          *string    `json:"lastMessage,omitempty"`
	LastMessageAt        *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount          int        `json:"unreadCount"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// Session is the injected caller identity; the client never reads
// ambient global state.
type Session struct {
	UserID string
	Name   string
	Token  string // opaque bearer credential
}

// SendRequest is what the engine hands the store for an authoritative write
type SendRequest struct {
	ConversationID string
	Content        string
	Attachment     *Attachment
	ClientToken    string
}

// Store is the REST message store the client consumes
type Store interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	UploadAttachment(ctx context.Context, filename string, r io.Reader) (*Attachment, error)
}

// Channel is the realtime fan-out capability. Subscribe registers a
// handler for a topic and returns the matching unsubscribe.
type Channel interface {
	Subscribe(topic string, onMessage func(Message)) (func(), error)
}

// ReconnectAware is implemented by channels that can drop and
// re-establish their transport; the handler fires after each successful
// reconnect so the engine can gap-fill.
type ReconnectAware interface {
	OnReconnect(handler func())
}

// MessagesTopic returns the realtime topic for a conversation
func MessagesTopic(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}

// wireMessage is the JSON shape messages have on the REST and realtime
// surfaces
type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	FileURL        *string   `json:"fileUrl,omitempty"`
	FileName       *string   `json:"fileName,omitempty"`
	FileType       *string   `json:"fileType,omitempty"`
	ClientToken    *string   `json:"clientToken,omitempty"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// toMessage converts the wire shape, deriving the delivery state for the
// given viewer
func (w *wireMessage) toMessage(viewerID string) Message {
	msg := Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
	}
	if w.ClientToken != nil {
		msg.ClientToken = *w.ClientToken
	}
	if w.FileURL != nil {
		att := &Attachment{URL: *w.FileURL}
		if w.FileName != nil {
			att.Name = *w.FileName
		}
		if w.FileType != nil {
			att.MediaType = *w.FileType
		}
		msg.Attachment = att
	}

	switch {
	case w.SenderID == viewerID && w.IsRead:
		msg.DeliveryState = StateRead
	case w.SenderID == viewerID:
		msg.DeliveryState = StateSent
	case w.IsRead:
		msg.DeliveryState = StateRead
	default:
		msg.DeliveryState = StateDelivered
	}
	return msg
}
