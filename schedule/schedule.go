// Package schedule holds notifications that must wait: digest entries until their
// dispatch time and deferred messages until their edit window closes.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"offline-notifier/compose"
	"offline-notifier/pkg/notifier"
	"offline-notifier/storage"
)

const (
	digestPrefix = "digest-"
	deferPrefix  = "defer-"
)

// MoreMessagesKey is the localization key for merged digest subjects.
const MoreMessagesKey = "Digest_More_Messages"

// Store persists scheduled records.
type Store interface {
	Save(ctx context.Context, key string, v any) error
	Load(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Mailer sends an email and reports the outcome.
type Mailer interface {
	Send(ctx context.Context, email notifier.Email) error
}

// Resumer runs the full resolution pass for a deferred message.
type Resumer interface {
	Resume(ctx context.Context, d notifier.Deferred) error
}

// Translator localizes a key.
type Translator interface {
	T(key string, params map[string]string) string
}

// Scheduler persists digest entries and deferred messages and fires them once due.
type Scheduler struct {
	store      Store
	mailer     Mailer
	translator Translator
	resumer    Resumer
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a scheduler. now defaults to time.Now.
func New(store Store, mailer Mailer, translator Translator, logger *slog.Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      store,
		mailer:     mailer,
		translator: translator,
		logger:     logger,
		now:        now,
	}
}

// SetResumer sets the handler for deferred messages. It must be called before RunDue.
func (s *Scheduler) SetResumer(r Resumer) {
	s.resumer = r
}

// DigestTiming returns the first frequency boundary strictly after now. Boundaries
// are multiples of the frequency since the Unix epoch, so every message inside one
// window lands in the same digest.
func (s *Scheduler) DigestTiming(frequency int, now time.Time) time.Time {
	if frequency <= 0 {
		return now
	}
	period := int64(frequency) * 60
	next := (now.Unix()/period + 1) * period
	return time.Unix(next, 0).UTC()
}

// ScheduleDigest stores an entry for the recipient's next digest.
func (s *Scheduler) ScheduleDigest(ctx context.Context, e notifier.ScheduledEmail) error {
	if e.ID == "" {
		id, err := uuid.NewV7() // sorts by creation time
		if err != nil {
			return fmt.Errorf("generate digest id: %w", err)
		}
		e.ID = id.String()
	}
	key := fmt.Sprintf("%s%010d-%s.json", digestPrefix, e.Due.Unix(), e.ID)
	if err := s.store.Save(ctx, key, e); err != nil {
		return fmt.Errorf("save digest entry: %w", err)
	}
	s.logger.Debug("Digest entry stored", "key", key, "due", e.Due.Format(time.RFC3339))
	return nil
}

// Defer stores a deferred message. Enqueueing the same message twice keeps one record.
func (s *Scheduler) Defer(ctx context.Context, d notifier.Deferred) error {
	key := deferKey(d)
	if err := s.store.Save(ctx, key, d); err != nil {
		return fmt.Errorf("save deferred message: %w", err)
	}
	s.logger.Debug("Deferred message stored", "key", key, "due", d.Due.Format(time.RFC3339))
	return nil
}

func deferKey(d notifier.Deferred) string {
	id := strings.TrimSuffix(strings.TrimPrefix(storage.Key("m", d.RoomID, d.MessageID), "m-"), ".json")
	return fmt.Sprintf("%s%010d-%s.json", deferPrefix, d.Due.Unix(), id)
}

// dueUnix extracts the due time encoded after prefix in a key.
func dueUnix(key, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(key, prefix)
	i := strings.IndexByte(rest, '-')
	if i <= 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(rest[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// dueKeys lists keys under prefix whose due time is not after now.
func (s *Scheduler) dueKeys(ctx context.Context, prefix string, now time.Time) ([]string, error) {
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", strings.TrimSuffix(prefix, "-"), err)
	}
	var due []string
	for _, k := range keys {
		ts, ok := dueUnix(k, prefix)
		if !ok {
			s.logger.Warn("Ignoring malformed schedule key", "key", k)
			continue
		}
		if ts > now.Unix() {
			break // keys sort by due time
		}
		due = append(due, k)
	}
	return due, nil
}

// RunDue fires every deferred message and flushes every digest whose time has come.
// Records are removed only after they were handled, so a failed record is retried
// on the next run.
func (s *Scheduler) RunDue(ctx context.Context) error {
	now := s.now()
	deferredErr := s.runDeferred(ctx, now)
	digestErr := s.flushDigests(ctx, now)
	return errors.Join(deferredErr, digestErr)
}

func (s *Scheduler) runDeferred(ctx context.Context, now time.Time) error {
	keys, err := s.dueKeys(ctx, deferPrefix, now)
	if err != nil {
		return err
	}
	if len(keys) > 0 && s.resumer == nil {
		return errors.New("no resumer configured for deferred messages")
	}

	var errs []error
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var d notifier.Deferred
		if err := s.store.Load(ctx, key, &d); err != nil {
			if storage.IsNotFound(err) {
				continue // handled by a concurrent run
			}
			errs = append(errs, fmt.Errorf("load %s: %w", key, err))
			continue
		}
		if err := s.resumer.Resume(ctx, d); err != nil {
			s.logger.Warn("Deferred message failed, will retry", "message_id", d.MessageID, "room_id", d.RoomID, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		s.logger.Info("Deferred message processed", "message_id", d.MessageID, "room_id", d.RoomID)
	}
	return errors.Join(errs...)
}

type digestBatch struct {
	keys    []string
	entries []notifier.ScheduledEmail
}

func (s *Scheduler) flushDigests(ctx context.Context, now time.Time) error {
	keys, err := s.dueKeys(ctx, digestPrefix, now)
	if err != nil {
		return err
	}

	var (
		errs  []error
		order []string
	)
	batches := make(map[string]*digestBatch)
	for _, key := range keys {
		var e notifier.ScheduledEmail
		if err := s.store.Load(ctx, key, &e); err != nil {
			if !storage.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("load %s: %w", key, err))
			}
			continue
		}
		b, ok := batches[e.Email.To]
		if !ok {
			b = &digestBatch{}
			batches[e.Email.To] = b
			order = append(order, e.Email.To)
		}
		b.keys = append(b.keys, key)
		b.entries = append(b.entries, e)
	}

	for _, to := range order {
		b := batches[to]
		if err := s.mailer.Send(ctx, s.merge(b.entries)); err != nil {
			s.logger.Warn("Digest send failed, will retry", "to", to, "entries", len(b.entries), "error", err)
			errs = append(errs, fmt.Errorf("send digest: %w", err))
			continue
		}
		for _, key := range b.keys {
			if err := s.store.Delete(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			}
		}
		s.logger.Info("Digest sent", "to", to, "entries", len(b.entries))
	}
	return errors.Join(errs...)
}

// merge combines a recipient's entries into one email, oldest first.
func (s *Scheduler) merge(entries []notifier.ScheduledEmail) notifier.Email {
	first := entries[0].Email
	if len(entries) == 1 {
		return first
	}

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Email.HTML
	}
	return notifier.Email{
		To:   first.To,
		From: first.From,
		Subject: s.translator.T(MoreMessagesKey, map[string]string{
			"subject": first.Subject,
			"count":   strconv.Itoa(len(entries) - 1),
		}),
		HTML: strings.Join(parts, compose.Divider),
	}
}
