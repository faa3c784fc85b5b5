// internal/chat/models.go

package chat

import (
	"time"
)

// Conversation is a two-party thread between marketplace users.
// Unread counters are kept per side so either participant can be the
// reader without a join table.
type Conversation struct {
	ID               string     `json:"id" db:"id"`
	Participant1ID   string     `json:"participant1Id" db:"participant1_id"`
	Participant1Name string     `json:"participant1Name" db:"participant1_name"`
	Participant2ID   string     `json:"participant2Id" db:"participant2_id"`
	Participant2Name string     `json:"participant2Name" db:"participant2_name"`
	ProjectID        *string    `json:"projectId,omitempty" db:"project_id"`
	ProjectTitle     *string    `json:"projectTitle,omitempty" db:"project_title"`
	LastMessage      *string    `json:"lastMessage,omitempty" db:"last_message"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty" db:"last_message_at"`
	Unread1          int        `json:"-" db:"unread1"`
	Unread2          int        `json:"-" db:"unread2"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
}

// HasParticipant reports whether the user is one of the two parties
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// PeerOf returns the id and name of the other participant
func (c *Conversation) PeerOf(userID string) (string, string) {
	if c.Participant1ID == userID {
		return c.Participant2ID, c.Participant2Name
	}
	return c.Participant1ID, c.Participant1Name
}

// UnreadFor returns the unread counter belonging to the given side
func (c *Conversation) UnreadFor(userID string) int {
	if c.Participant1ID == userID {
		return c.Unread1
	}
	return c.Unread2
}

// ConversationView is a conversation shaped for one caller: the peer is
// resolved and the caller-side unread counter is exposed.
type ConversationView struct {
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

// ViewFor shapes a conversation for the given caller
func (c *Conversation) ViewFor(userID string) *ConversationView {
	peerID, peerName := c.PeerOf(userID)
	return &ConversationView{
		ID:                   c.ID,
		OtherParticipantID:   peerID,
		OtherParticipantName: peerName,
		ProjectID:            c.ProjectID,
		ProjectTitle:         c.ProjectTitle,
		LastMessage:          c.LastMessage,
		LastMessageAt:        c.LastMessageAt,
		UnreadCount:          c.UnreadFor(userID),
		CreatedAt:            c.CreatedAt,
	}
}

// Message is a chat message. Content and the attachment fields are
// individually optional but at least one of content/fileUrl is present.
// ClientToken is the sender-generated correlation id echoed back so the
// sender can reconcile its optimistic copy; it is never the canonical id.
type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversationId" db:"conversation_id"`
	SenderID       string     `json:"senderId" db:"sender_id"`
	SenderName     string     `json:"senderName" db:"sender_name"`
	Content        string     `json:"content" db:"content"`
	FileURL        *string    `json:"fileUrl,omitempty" db:"file_url"`
	FileName       *string    `json:"fileName,omitempty" db:"file_name"`
	FileType       *string    `json:"fileType,omitempty" db:"file_type"`
	ClientToken    *string    `json:"clientToken,omitempty" db:"client_token"`
	IsRead         bool       `json:"isRead" db:"is_read"`
	ReadAt         *time.Time `json:"readAt,omitempty" db:"read_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// Request DTOs

type StartConversationRequest struct {
	RecipientID    string  `json:"recipientId" validate:"required"`
	RecipientName  string  `json:"recipientName"`
	ProjectID      *string `json:"projectId,omitempty"`
	ProjectTitle   *string `json:"projectTitle,omitempty"`
	InitialMessage string  `json:"initialMessage"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required_without=FileURL"`
	FileURL        string `json:"fileUrl" validate:"omitempty,url"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	ClientToken    string `json:"clientToken" validate:"required"`
}

// Realtime frames

// Event is the payload fanned out to subscribers of a conversation topic
type Event struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const EventTypeMessage = "message"

// SubscribeRequest is the frame a websocket client sends to manage topics
type SubscribeRequest struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

// MessagesTopic returns the realtime topic for a conversation
func MessagesTopic(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}
