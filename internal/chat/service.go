// internal/chat/service.go
// Business logic for the message store: idempotent sends, previews,
// unread counters and realtime publication

package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/smartbuild/chat-backend/internal/metrics"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("not a participant in this conversation")
	ErrEmptyMessage         = errors.New("message needs content or an attachment")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
)

// Identity is the authenticated caller, passed explicitly instead of
// being read from ambient state
type Identity struct {
	UserID string
	Name   string
	Role   string
}

// Publisher delivers an event to every subscriber of a topic
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Presence reports whether a user has a live realtime session
type Presence interface {
	IsUserOnline(userID string) bool
}

// Notifier reaches participants who have no live session
type Notifier interface {
	NotifyNewMessage(ctx context.Context, recipientID string, msg *Message)
}

// Service is the chat message store API
type Service interface {
	StartConversation(ctx context.Context, sender Identity, req *StartConversationRequest) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*ConversationView, error)
	GetConversationMessages(ctx context.Context, convID, userID string) ([]*Message, error)
	// SendMessage stores a message. The second result reports whether
	// the call was a replay of an already-stored client token.
	SendMessage(ctx context.Context, sender Identity, req *SendMessageRequest) (*Message, bool, error)
	MarkConversationRead(ctx context.Context, convID, userID string) error
}

type service struct {
	repo       Repository
	fanout     Publisher
	presence   Presence
	notifier   Notifier
	previewLen int
	historyMax int
}

func NewService(repo Repository, fanout Publisher, presence Presence, notifier Notifier, previewLen, historyMax int) Service {
	if previewLen <= 0 {
		previewLen = 100
	}
	if historyMax <= 0 {
		historyMax = 200
	}
	return &service{
		repo:       repo,
		fanout:     fanout,
		presence:   presence,
		notifier:   notifier,
		previewLen: previewLen,
		historyMax: historyMax,
	}
}

// StartConversation returns the conversation between the sender and the
// recipient, creating it if this is their first contact
func (s *service) StartConversation(ctx context.Context, sender Identity, req *StartConversationRequest) (*Conversation, error) {
	if req.RecipientID == sender.UserID {
		return nil, ErrSelfConversation
	}

	conv, err := s.repo.FindConversationByParticipants(ctx, sender.UserID, req.RecipientID)
	if err != nil && !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	if conv == nil {
		recipientName := req.RecipientName
		if recipientName == "" {
			recipientName = "User"
		}

		now := time.Now()
		conv = &Conversation{
			ID:               uuid.New().String(),
			Participant1ID:   sender.UserID,
			Participant1Name: sender.Name,
			Participant2ID:   req.RecipientID,
			Participant2Name: recipientName,
			ProjectID:        req.ProjectID,
			ProjectTitle:     req.ProjectTitle,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.repo.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
	}

	if req.InitialMessage != "" {
		_, _, err := s.SendMessage(ctx, sender, &SendMessageRequest{
			ConversationID: conv.ID,
			Content:        req.InitialMessage,
			ClientToken:    uuid.New().String(),
		})
		if err != nil {
			return nil, err
		}
	}

	return conv, nil
}

// ListConversations returns the caller's conversations, most recent first
func (s *service) ListConversations(ctx context.Context, userID string) ([]*ConversationView, error) {
	conversations, err := s.repo.GetUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]*ConversationView, 0, len(conversations))
	for _, conv := range conversations {
		views = append(views, conv.ViewFor(userID))
	}
	return views, nil
}

// GetConversationMessages returns history in chronological order
func (s *service) GetConversationMessages(ctx context.Context, convID, userID string) ([]*Message, error) {
	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	return s.repo.GetConversationMessages(ctx, convID, s.historyMax)
}

// SendMessage stores a message and publishes it to the conversation topic.
// Sends are idempotent per (sender, clientToken): a replay returns the
// message stored the first time, flagged as such.
func (s *service) SendMessage(ctx context.Context, sender Identity, req *SendMessageRequest) (*Message, bool, error) {
	if req.Content == "" && req.FileURL == "" {
		return nil, false, ErrEmptyMessage
	}

	conv, err := s.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, false, err
	}
	if !conv.HasParticipant(sender.UserID) {
		return nil, false, ErrNotParticipant
	}

	// Replay of a token we already stored is treated as success
	if req.ClientToken != "" {
		if existing, err := s.repo.GetMessageByClientToken(ctx, sender.UserID, req.ClientToken); err == nil {
			metrics.DuplicateSends.Inc()
			return existing, true, nil
		}
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       sender.UserID,
		SenderName:     sender.Name,
		Content:        req.Content,
		CreatedAt:      time.Now(),
	}
	if req.FileURL != "" {
		msg.FileURL = &req.FileURL
	}
	if req.FileName != "" {
		msg.FileName = &req.FileName
	}
	if req.FileType != "" {
		msg.FileType = &req.FileType
	}
	if req.ClientToken != "" {
		token := req.ClientToken
		msg.ClientToken = &token
	}

	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		// A concurrent replay may have hit the unique (sender, token) index
		if req.ClientToken != "" {
			if existing, lookupErr := s.repo.GetMessageByClientToken(ctx, sender.UserID, req.ClientToken); lookupErr == nil {
				metrics.DuplicateSends.Inc()
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	metrics.MessagesStored.Inc()

	// Update preview and the recipient's unread counter
	preview := s.previewOf(msg)
	incrementSide := 2
	if conv.Participant2ID == sender.UserID {
		incrementSide = 1
	}
	if err := s.repo.UpdateConversationOnSend(ctx, conv.ID, preview, incrementSide); err != nil {
		log.Printf("Failed to update conversation %s after send: %v", conv.ID, err)
	}

	// Publish to the realtime topic. The row is already durable, so a
	// fan-out failure only costs instant delivery, never the message.
	if s.fanout != nil {
		event := &Event{
			Type:      EventTypeMessage,
			Topic:     MessagesTopic(conv.ID),
			Message:   msg,
			Timestamp: msg.CreatedAt,
		}
		if err := s.fanout.Publish(ctx, event); err != nil {
			log.Printf("Fan-out publish failed for conversation %s: %v", conv.ID, err)
		}
	}

	// Reach the peer through push/email when they have no live session
	peerID, _ := conv.PeerOf(sender.UserID)
	if s.notifier != nil && (s.presence == nil || !s.presence.IsUserOnline(peerID)) {
		go s.notifier.NotifyNewMessage(context.Background(), peerID, msg)
	}

	return msg, false, nil
}

// MarkConversationRead marks everything the caller can currently see as
// read and zeroes their unread counter. Idempotent.
func (s *service) MarkConversationRead(ctx context.Context, convID, userID string) error {
	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}

	if err := s.repo.MarkMessagesRead(ctx, convID, userID); err != nil {
		return err
	}

	side := 2
	if conv.Participant1ID == userID {
		side = 1
	}
	return s.repo.ResetUnread(ctx, convID, side)
}

// previewOf derives the conversation-list preview from a message
func (s *service) previewOf(msg *Message) string {
	if msg.Content != "" {
		runes := []rune(msg.Content)
		if len(runes) > s.previewLen {
			return string(runes[:s.previewLen])
		}
		return msg.Content
	}
	if msg.FileName != nil && *msg.FileName != "" {
		return "Sent an attachment: " + *msg.FileName
	}
	return "Sent an attachment"
}
