// Package email delivers notification emails through a pluggable provider.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"offline-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send delivers one email.
	Send(ctx context.Context, email notifier.Email) error
}

// Dispatcher sends emails through a provider under a shared rate limit.
type Dispatcher struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher allowing perSecond sends per second.
// A non-positive perSecond disables the limit.
func NewDispatcher(provider Provider, perSecond int, logger *slog.Logger) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return &Dispatcher{
		provider: provider,
		limiter:  limiter,
		logger:   logger,
		timeout:  2 * time.Minute,
	}
}

// Dispatch sends email in the background. Failures are logged, not returned.
func (d *Dispatcher) Dispatch(email notifier.Email) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Send(ctx, email); err != nil {
			d.logger.Error("Failed to send notification email", "to", email.To, "subject", email.Subject, "error", err)
		}
	}()
}

// Send waits for a rate limit slot and delivers email.
func (d *Dispatcher) Send(ctx context.Context, email notifier.Email) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	d.logger.Info("Sending notification email", "to", email.To, "subject", email.Subject)
	if err := d.provider.Send(ctx, email); err != nil {
		return fmt.Errorf("send to %s: %w", email.To, err)
	}
	return nil
}

// Wait blocks until every dispatched email has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// RFC 5322 headers are newline-delimited, so a newline in a header value lets an
// attacker inject arbitrary headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// sanitize returns email with every header value cleaned.
func sanitize(email notifier.Email) notifier.Email {
	email.To = sanitizeEmailHeader(email.To)
	email.From = sanitizeEmailHeader(email.From)
	email.Subject = sanitizeEmailHeader(email.Subject)
	return email
}
