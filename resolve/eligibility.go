package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"offline-notifier/pkg/notifier"
)

// UnreadCounter reports how many messages a user has not yet read in a room.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, roomID, userID string) (int, error)
}

// Filter narrows resolved users down to those that should actually be emailed.
type Filter struct {
	unread UnreadCounter
	logger *slog.Logger
}

// NewFilter creates an eligibility filter.
func NewFilter(unread UnreadCounter, logger *slog.Logger) *Filter {
	return &Filter{unread: unread, logger: logger}
}

// Eligible returns the users, in the order given, that pass the global preference,
// room membership and read-state checks. Users absent from decisions are dropped.
func (f *Filter) Eligible(ctx context.Context, decisions *Decisions, users []notifier.User, room *notifier.Room, msg *notifier.Message) ([]notifier.User, error) {
	var out []notifier.User

	for i := range users {
		u := &users[i]
		state, ok := decisions.Get(u.ID)
		if !ok || state == Skip {
			continue
		}

		if u.EmailDisabled() && state != Forced {
			f.logger.Debug("Skipping user with email disabled", "user_id", u.ID, "room_id", room.ID)
			continue
		}

		// Public channels are readable by anyone who was mentioned.
		if room.Type != notifier.RoomChannel && !room.HasMember(u.Username) {
			f.logger.Debug("Skipping user outside room", "user_id", u.ID, "room_id", room.ID, "room_type", room.Type)
			continue
		}

		unread, err := f.unread.UnreadCount(ctx, msg.RoomID, u.ID)
		if err != nil {
			return nil, fmt.Errorf("unread count for %s: %w", u.ID, err)
		}
		if unread == 0 {
			f.logger.Debug("Skipping user who already read the message", "user_id", u.ID, "room_id", room.ID)
			continue
		}

		out = append(out, *u)
	}

	return out, nil
}
