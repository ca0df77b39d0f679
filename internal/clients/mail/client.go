package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voice-bridge/internal/observability"

	"github.com/resendlabs/resend-go"
)

var ErrNoRecipients = errors.New("email has no recipients")

type Email struct {
	From    string
	To      []string
	Subject string
	HTML    string
	Text    string
}

type ResendClient struct {
	client        *resend.Client
	defaultSender string
	logger        *observability.Logger
}

func NewResendClient(apiKey, defaultSender string, logger *observability.Logger) (*ResendClient, error) {
	client := resend.NewClient(apiKey)
	if client == nil {
		return nil, fmt.Errorf("failed to create Resend client")
	}

	return &ResendClient{
		client:        client,
		defaultSender: defaultSender,
		logger:        logger,
	}, nil
}

// SendEmail delivers one message and returns the provider's message ID.
func (c *ResendClient) SendEmail(ctx context.Context, email Email) (string, error) {
	if len(email.To) == 0 {
		return "", ErrNoRecipients
	}
	if email.From == "" {
		email.From = c.defaultSender
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_to", Value: strings.Join(email.To, ",")},
		observability.Field{Key: "email_subject", Value: email.Subject},
	)

	params := &resend.SendEmailRequest{
		From:    email.From,
		To:      email.To,
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
	}

	res, err := c.client.Emails.Send(params)
	if err != nil {
		c.logger.Error(ctx, "failed to send email", err)
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Info(ctx, "email sent successfully")
	return res.Id, nil
}
