package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/mrz1836/postmark"

	"offline-notifier/pkg/notifier"
)

// ErrInvalidConfig is returned when a provider is missing required settings.
var ErrInvalidConfig = errors.New("invalid email provider configuration")

// PostmarkProvider sends emails via the Postmark transactional API.
type PostmarkProvider struct {
	client *postmark.Client
	logger *slog.Logger
	tag    string
}

// NewPostmarkProvider creates a Postmark provider. Both tokens are required.
func NewPostmarkProvider(serverToken, accountToken string, logger *slog.Logger) (*PostmarkProvider, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if accountToken == "" {
		return nil, fmt.Errorf("%w: postmark account token is required", ErrInvalidConfig)
	}
	return &PostmarkProvider{
		client: postmark.NewClient(serverToken, accountToken),
		logger: logger,
		tag:    "offline-notification",
	}, nil
}

// Send sends an email via Postmark.
func (p *PostmarkProvider) Send(ctx context.Context, email notifier.Email) error {
	email = sanitize(email)

	return retry.Do(
		func() error {
			startTime := time.Now()
			resp, err := p.client.SendEmail(ctx, postmark.Email{
				From:       email.From,
				To:         email.To,
				Subject:    email.Subject,
				Tag:        p.tag,
				HTMLBody:   email.HTML,
				TrackOpens: false,
			})
			duration := time.Since(startTime)
			if err != nil {
				p.logger.Warn("Postmark send failed, will retry",
					"to", email.To,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			if resp.ErrorCode > 0 {
				// API-level rejections do not improve on retry.
				return retry.Unrecoverable(fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
			}

			p.logger.Info("Postmark request completed",
				"to", email.To,
				"message_id", resp.MessageID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying Postmark email send after error", "attempt", n, "error", err)
		}),
	)
}
