// internal/notification/email.go
// Email delivery via SendGrid, with a mock for development

package notification

import (
	"context"
	"fmt"
	"log"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailSender delivers a notification email
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SendGridEmailSender implements email delivery using SendGrid
type SendGridEmailSender struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

func NewSendGridEmailSender(apiKey, from string) EmailSender {
	return &SendGridEmailSender{
		client:   sendgrid.NewSendClient(apiKey),
		from:     from,
		fromName: "SmartBuild Chat",
	}
}

func (s *SendGridEmailSender) Send(ctx context.Context, to, subject, body string) error {
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.from),
		subject,
		mail.NewEmail("", to),
		body,
		body,
	)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}

// MockEmailSender logs instead of delivering, for development
type MockEmailSender struct{}

func NewMockEmailSender() EmailSender {
	return &MockEmailSender{}
}

func (s *MockEmailSender) Send(ctx context.Context, to, subject, body string) error {
	log.Printf("[MOCK EMAIL] to=%s subject=%q", to, subject)
	return nil
}
