// internal/notification/push.go
// Push delivery via Firebase Cloud Messaging

package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// PushSender delivers a notification to a device token
type PushSender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// FCMPushSender implements push notifications using Firebase Cloud Messaging
type FCMPushSender struct {
	client *messaging.Client
}

// NewFCMPushSender creates an FCM sender from either a credentials file
// path or inline JSON credentials
func NewFCMPushSender(ctx context.Context, credentialsPath string) (PushSender, error) {
	var opt option.ClientOption

	if credentialsPath != "" {
		opt = option.WithCredentialsFile(credentialsPath)
	} else if credentialsJSON := os.Getenv("FIREBASE_CREDENTIALS_JSON"); credentialsJSON != "" {
		opt = option.WithCredentialsJSON([]byte(credentialsJSON))
	} else {
		return nil, errors.New("FIREBASE_CREDENTIALS_PATH or FIREBASE_CREDENTIALS_JSON must be set")
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	return &FCMPushSender{client: client}, nil
}

func (s *FCMPushSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	_, err := s.client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	})
	return err
}

// MockPushSender logs instead of delivering, for development
type MockPushSender struct{}

func NewMockPushSender() PushSender {
	return &MockPushSender{}
}

func (s *MockPushSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	log.Printf("[MOCK PUSH] token=%s title=%q body=%q", token, title, body)
	return nil
}
