// internal/notification/service.go
// Reaches conversation participants who have no live realtime session

package notification

import (
	"context"
	"fmt"
	"log"

	"github.com/smartbuild/chat-backend/internal/chat"
)

// Service fans a new-message notification out to a recipient's devices
// and, optionally, their inbox. Failures are logged, never surfaced to
// the sending request.
type Service struct {
	repo       Repository
	push       PushSender
	email      EmailSender
	emailOn    bool
	pushOn     bool
	appBaseURL string
}

func NewService(repo Repository, push PushSender, email EmailSender, pushOn, emailOn bool, appBaseURL string) *Service {
	return &Service{
		repo:       repo,
		push:       push,
		email:      email,
		emailOn:    emailOn,
		pushOn:     pushOn,
		appBaseURL: appBaseURL,
	}
}

// NotifyNewMessage implements chat.Notifier
func (s *Service) NotifyNewMessage(ctx context.Context, recipientID string, msg *chat.Message) {
	title := fmt.Sprintf("New message from %s", msg.SenderName)
	body := msg.Content
	if body == "" {
		if msg.FileName != nil && *msg.FileName != "" {
			body = "Sent an attachment: " + *msg.FileName
		} else {
			body = "Sent an attachment"
		}
	}

	if s.pushOn && s.push != nil {
		tokens, err := s.repo.GetDeviceTokens(ctx, recipientID)
		if err != nil {
			log.Printf("Failed to load device tokens for %s: %v", recipientID, err)
		}
		data := map[string]string{
			"type":           "message",
			"conversationId": msg.ConversationID,
			"messageId":      msg.ID,
			"senderId":       msg.SenderID,
		}
		for _, token := range tokens {
			if err := s.push.Send(ctx, token, title, body, data); err != nil {
				log.Printf("Push to token %s failed: %v", token, err)
				// Expired registrations are pruned so we stop retrying them
				s.repo.RemoveDeviceToken(ctx, token)
			}
		}
	}

	if s.emailOn && s.email != nil {
		address, err := s.repo.GetUserEmail(ctx, recipientID)
		if err != nil {
			log.Printf("Failed to resolve email for %s: %v", recipientID, err)
			return
		}
		emailBody := fmt.Sprintf("%s\n\nOpen the conversation: %s/messages?id=%s",
			body, s.appBaseURL, msg.ConversationID)
		if err := s.email.Send(ctx, address, title, emailBody); err != nil {
			log.Printf("Email to %s failed: %v", address, err)
		}
	}
}

// RegisterDeviceToken stores a device token for push delivery
func (s *Service) RegisterDeviceToken(ctx context.Context, userID, token, platform string) error {
	return s.repo.RegisterDeviceToken(ctx, userID, token, platform)
}

// RemoveDeviceToken removes a device token
func (s *Service) RemoveDeviceToken(ctx context.Context, token string) error {
	return s.repo.RemoveDeviceToken(ctx, token)
}
