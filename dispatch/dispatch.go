// Package dispatch decides whether a saved message triggers offline email and routes
// each notification to immediate delivery or a digest.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"offline-notifier/compose"
	"offline-notifier/link"
	"offline-notifier/pkg/notifier"
	"offline-notifier/resolve"
)

// Messages older than this when the save event is handled are never notified.
const staleAfter = 60 * time.Second

// Subscriptions looks up subscription state for a room.
type Subscriptions interface {
	// SubscriptionsWithEmail returns the room's subscriptions that carry an email preference.
	SubscriptionsWithEmail(ctx context.Context, roomID string) ([]notifier.Subscription, error)
	link.SubscriptionFinder
	resolve.UnreadCounter
}

// Users looks up users that can receive offline email.
type Users interface {
	OfflineEmailUsers(ctx context.Context, userIDs []string) ([]notifier.User, error)
}

// Messages loads a message and its room for deferred resolution.
// A nil message with a nil error means the message no longer exists.
type Messages interface {
	Message(ctx context.Context, roomID, messageID string) (*notifier.Message, *notifier.Room, error)
}

// Mailer hands emails to the transport without waiting for delivery.
type Mailer interface {
	Dispatch(email notifier.Email)
}

// Digests accumulates emails into per-user digests.
type Digests interface {
	DigestTiming(frequency int, now time.Time) time.Time
	ScheduleDigest(ctx context.Context, email notifier.ScheduledEmail) error
}

// Deferrer re-runs resolution for a message once its deadline passes.
type Deferrer interface {
	Defer(ctx context.Context, d notifier.Deferred) error
}

// Settings are the deployment values the engine reads.
type Settings struct {
	FromEmail              string
	BlockEditMinutes       int
	AllowEditing           bool
	NotifyAfterEditExpires bool
}

// editLocked reports whether notifications wait for the edit window to close.
func (s Settings) editLocked() bool {
	return s.NotifyAfterEditExpires && s.AllowEditing && s.BlockEditMinutes > 0
}

// Config holds engine dependencies.
type Config struct {
	Subscriptions Subscriptions
	Users         Users
	Messages      Messages
	Composer      *compose.Composer
	Links         *link.Builder
	Mailer        Mailer
	Digests       Digests
	Deferrer      Deferrer
	Logger        *slog.Logger
	Now           func() time.Time // Defaults to time.Now
	Settings      Settings
}

// Engine runs the notification pipeline for saved messages.
type Engine struct {
	subs     Subscriptions
	users    Users
	messages Messages
	composer *compose.Composer
	links    *link.Builder
	filter   *resolve.Filter
	mailer   Mailer
	digests  Digests
	deferrer Deferrer
	logger   *slog.Logger
	now      func() time.Time
	settings Settings
}

// New creates an engine.
func New(cfg *Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		subs:     cfg.Subscriptions,
		users:    cfg.Users,
		messages: cfg.Messages,
		composer: cfg.Composer,
		links:    cfg.Links,
		filter:   resolve.NewFilter(cfg.Subscriptions, cfg.Logger),
		mailer:   cfg.Mailer,
		digests:  cfg.Digests,
		deferrer: cfg.Deferrer,
		logger:   cfg.Logger,
		now:      now,
		settings: cfg.Settings,
	}
}

// OnMessageSaved handles a message-saved event. Edits and stale messages are
// ignored; while an edit-lock window is configured the pass is deferred until it closes.
func (e *Engine) OnMessageSaved(ctx context.Context, msg *notifier.Message, room *notifier.Room) error {
	if msg.Edited() {
		e.logger.Debug("Ignoring edited message", "message_id", msg.ID, "room_id", msg.RoomID)
		return nil
	}

	now := e.now()
	if !msg.Timestamp.IsZero() {
		age := now.Sub(msg.Timestamp)
		if age < 0 {
			age = -age
		}
		if age > staleAfter {
			e.logger.Info("Ignoring stale message", "message_id", msg.ID, "room_id", msg.RoomID, "age", age.String())
			return nil
		}
	}

	if e.settings.editLocked() {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		d := notifier.Deferred{
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
			Due:       ts.Add(time.Duration(e.settings.BlockEditMinutes) * time.Minute),
		}
		if err := e.deferrer.Defer(ctx, d); err != nil {
			return fmt.Errorf("defer message %s: %w", msg.ID, err)
		}
		e.logger.Info("Deferred notification until edit window closes", "message_id", msg.ID, "room_id", msg.RoomID, "due", d.Due.Format(time.RFC3339))
		return nil
	}

	return e.Notify(ctx, msg, room)
}

// Resume runs the deferred pass for a message using current room state.
func (e *Engine) Resume(ctx context.Context, d notifier.Deferred) error {
	msg, room, err := e.messages.Message(ctx, d.RoomID, d.MessageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", d.MessageID, err)
	}
	if msg == nil || room == nil {
		e.logger.Info("Deferred message no longer exists", "message_id", d.MessageID, "room_id", d.RoomID)
		return nil
	}
	return e.Notify(ctx, msg, room)
}

// Notify resolves recipients for a message and routes an email to each of them.
func (e *Engine) Notify(ctx context.Context, msg *notifier.Message, room *notifier.Room) error {
	subs, err := e.subs.SubscriptionsWithEmail(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("find subscriptions: %w", err)
	}

	decisions := resolve.Preferences(msg, room, subs)
	ids := decisions.Users()
	if len(ids) == 0 {
		e.logger.Debug("No email candidates", "message_id", msg.ID, "room_id", room.ID)
		return nil
	}

	users, err := e.users.OfflineEmailUsers(ctx, ids)
	if err != nil {
		return fmt.Errorf("find users: %w", err)
	}
	eligible, err := e.filter.Eligible(ctx, decisions, users, room, msg)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		e.logger.Debug("No eligible recipients", "message_id", msg.ID, "room_id", room.ID, "candidates", len(ids))
		return nil
	}

	recipients := make([]string, len(eligible))
	for i := range eligible {
		recipients[i] = eligible[i].ID
	}

	var (
		links   link.Resolver
		content *compose.Content
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		links, err = e.links.Resolve(gctx, room, recipients)
		return err
	})
	g.Go(func() error {
		var err error
		content, err = e.composer.Compose(gctx, msg, room)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	now := e.now()
	for i := range eligible {
		if err := e.route(ctx, &eligible[i], content, links, now); err != nil {
			return err
		}
	}

	e.logger.Info("Notifications routed", "message_id", msg.ID, "room_id", room.ID, "recipients", len(eligible))
	return nil
}

func (e *Engine) route(ctx context.Context, u *notifier.User, content *compose.Content, links link.Resolver, now time.Time) error {
	addr, ok := u.VerifiedAddress()
	if !ok {
		e.logger.Debug("Skipping user without verified address", "user_id", u.ID)
		return nil
	}

	email := notifier.Email{
		To:      addr,
		From:    e.settings.FromEmail,
		Subject: content.Subject,
		HTML:    content.HTML(links.Link(u.ID)),
	}

	if freq := u.DigestFrequency(); freq > 0 {
		due := e.digests.DigestTiming(freq, now)
		if err := e.digests.ScheduleDigest(ctx, notifier.ScheduledEmail{Due: due, Email: email}); err != nil {
			return fmt.Errorf("schedule digest for %s: %w", u.ID, err)
		}
		e.logger.Info("Scheduled digest email", "user_id", u.ID, "due", due.Format(time.RFC3339))
		return nil
	}

	e.mailer.Dispatch(email)
	e.logger.Info("Dispatched email", "user_id", u.ID)
	return nil
}
