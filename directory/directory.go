// Package directory stores the rooms, subscriptions, users and messages the
// notification engine reads.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"offline-notifier/pkg/notifier"
	"offline-notifier/storage"
)

// ErrUnknownRoom is returned when an update targets a room that was never stored.
var ErrUnknownRoom = errors.New("unknown room")

// Store persists directory documents.
type Store interface {
	Save(ctx context.Context, key string, v any) error
	Load(ctx context.Context, key string, v any) error
}

// roomDoc is a room together with its subscriptions.
type roomDoc struct {
	Room          notifier.Room           `json:"room"`
	Subscriptions []notifier.Subscription `json:"subscriptions"`
}

// Directory answers engine lookups from stored documents.
type Directory struct {
	store  Store
	logger *slog.Logger
	mu     sync.Mutex // serializes read-modify-write of room documents
}

// New creates a directory on store.
func New(store Store, logger *slog.Logger) *Directory {
	return &Directory{store: store, logger: logger}
}

func roomKey(roomID string) string {
	return storage.Key("room", roomID)
}

func userKey(userID string) string {
	return storage.Key("user", userID)
}

func messageKey(roomID, messageID string) string {
	return storage.Key("msg", roomID, messageID)
}

// loadRoom returns the room document, or nil when it does not exist.
func (d *Directory) loadRoom(ctx context.Context, roomID string) (*roomDoc, error) {
	var doc roomDoc
	if err := d.store.Load(ctx, roomKey(roomID), &doc); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return &doc, nil
}

// PutRoom replaces a room and its subscriptions.
func (d *Directory) PutRoom(ctx context.Context, room notifier.Room, subs []notifier.Subscription) error {
	if room.ID == "" {
		return errors.New("room id is required")
	}
	for i := range subs {
		subs[i].RoomID = room.ID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Save(ctx, roomKey(room.ID), roomDoc{Room: room, Subscriptions: subs}); err != nil {
		return fmt.Errorf("save room %s: %w", room.ID, err)
	}
	d.logger.Info("Room synced", "room_id", room.ID, "subscriptions", len(subs))
	return nil
}

// Room returns the stored room, or nil when it does not exist.
func (d *Directory) Room(ctx context.Context, roomID string) (*notifier.Room, error) {
	doc, err := d.loadRoom(ctx, roomID)
	if err != nil || doc == nil {
		return nil, err
	}
	return &doc.Room, nil
}

// SubscriptionsWithEmail returns the room's subscriptions that carry an email
// preference, ordered by user id.
func (d *Directory) SubscriptionsWithEmail(ctx context.Context, roomID string) ([]notifier.Subscription, error) {
	doc, err := d.loadRoom(ctx, roomID)
	if err != nil || doc == nil {
		return nil, err
	}

	var subs []notifier.Subscription
	for _, s := range doc.Subscriptions {
		if s.EmailNotifications != "" {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].User.ID < subs[j].User.ID })
	return subs, nil
}

// SubscriptionsByUsers returns the room's subscriptions belonging to userIDs.
func (d *Directory) SubscriptionsByUsers(ctx context.Context, roomID string, userIDs []string) ([]notifier.Subscription, error) {
	doc, err := d.loadRoom(ctx, roomID)
	if err != nil || doc == nil {
		return nil, err
	}

	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	var subs []notifier.Subscription
	for _, s := range doc.Subscriptions {
		if want[s.User.ID] {
			subs = append(subs, s)
		}
	}
	return subs, nil
}

// UnreadCount returns the user's unread count in the room. A user without a
// subscription has nothing unread.
func (d *Directory) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	doc, err := d.loadRoom(ctx, roomID)
	if err != nil || doc == nil {
		return 0, err
	}
	for _, s := range doc.Subscriptions {
		if s.User.ID == userID {
			return s.Unread, nil
		}
	}
	return 0, nil
}

// IncrementUnread bumps the unread count of every subscriber except the author.
// Posting marks the room read for the author.
func (d *Directory) IncrementUnread(ctx context.Context, roomID, authorID string) error {
	return d.updateSubscriptions(ctx, roomID, func(s *notifier.Subscription) {
		if s.User.ID == authorID {
			s.Unread = 0
			return
		}
		s.Unread++
	})
}

// MarkRead clears the user's unread count in the room.
func (d *Directory) MarkRead(ctx context.Context, roomID, userID string) error {
	return d.updateSubscriptions(ctx, roomID, func(s *notifier.Subscription) {
		if s.User.ID == userID {
			s.Unread = 0
		}
	})
}

func (d *Directory) updateSubscriptions(ctx context.Context, roomID string, fn func(*notifier.Subscription)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	for i := range doc.Subscriptions {
		fn(&doc.Subscriptions[i])
	}
	if err := d.store.Save(ctx, roomKey(roomID), doc); err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	return nil
}

// PutUser stores a user record.
func (d *Directory) PutUser(ctx context.Context, u notifier.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if err := d.store.Save(ctx, userKey(u.ID), u); err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// OfflineEmailUsers returns the users among userIDs that have at least one email
// address, in the order requested. Unknown ids are skipped.
func (d *Directory) OfflineEmailUsers(ctx context.Context, userIDs []string) ([]notifier.User, error) {
	var users []notifier.User
	for _, id := range userIDs {
		var u notifier.User
		if err := d.store.Load(ctx, userKey(id), &u); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		if len(u.Emails) == 0 {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// PutMessage stores a message so a deferred pass can reload it.
func (d *Directory) PutMessage(ctx context.Context, msg *notifier.Message) error {
	if msg.ID == "" || msg.RoomID == "" {
		return errors.New("message id and room id are required")
	}
	if err := d.store.Save(ctx, messageKey(msg.RoomID, msg.ID), msg); err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// Message returns a stored message and its room. Both are nil when either no
// longer exists.
func (d *Directory) Message(ctx context.Context, roomID, messageID string) (*notifier.Message, *notifier.Room, error) {
	var msg notifier.Message
	if err := d.store.Load(ctx, messageKey(roomID, messageID), &msg); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	room, err := d.Room(ctx, roomID)
	if err != nil || room == nil {
		return nil, nil, err
	}
	return &msg, room, nil
}
