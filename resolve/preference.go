// Package resolve decides which users should be emailed about a new message.
package resolve

import (
	"strings"

	"offline-notifier/pkg/notifier"
)

// Decision is the resolver's verdict for a single user.
type Decision int

const (
	// Skip excludes the user for the rest of the pass.
	Skip Decision = iota
	// Candidate is tentatively eligible, subject to the global email preference.
	Candidate
	// Forced is eligible even when the user disabled email globally.
	Forced
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Candidate:
		return "candidate"
	case Forced:
		return "forced"
	default:
		return "unknown"
	}
}

// Decisions maps user IDs to decisions. A user that was never seeded is absent;
// a user that was excluded is present with Skip.
type Decisions struct {
	byUser map[string]Decision
	order  []string
}

// NewDecisions returns an empty decision map.
func NewDecisions() *Decisions {
	return &Decisions{byUser: make(map[string]Decision)}
}

// Get returns the decision for a user and whether the user was ever recorded.
func (d *Decisions) Get(userID string) (Decision, bool) {
	v, ok := d.byUser[userID]
	return v, ok
}

// Eligible reports whether the user is a candidate or forced.
func (d *Decisions) Eligible(userID string) bool {
	v, ok := d.byUser[userID]
	return ok && v != Skip
}

// Users returns the IDs of candidate and forced users in first-recorded order.
func (d *Decisions) Users() []string {
	ids := make([]string, 0, len(d.order))
	for _, id := range d.order {
		if d.byUser[id] != Skip {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of candidate and forced users.
func (d *Decisions) Len() int {
	n := 0
	for _, v := range d.byUser {
		if v != Skip {
			n++
		}
	}
	return n
}

func (d *Decisions) set(userID string, v Decision) {
	if userID == "" {
		return
	}
	cur, ok := d.byUser[userID]
	if !ok {
		d.order = append(d.order, userID)
	} else if cur == Skip {
		return // skip is final within a pass
	}
	d.byUser[userID] = v
}

// Preferences builds the decision map for a message.
//
// Direct messages seed the other party; other rooms seed the mentioned users.
// Each subscription is then applied on top in the given order.
func Preferences(msg *notifier.Message, room *notifier.Room, subs []notifier.Subscription) *Decisions {
	d := NewDecisions()

	if room.Type == notifier.RoomDirect {
		d.set(directTarget(msg), Candidate)
	} else {
		for _, m := range msg.Mentions {
			if _, seen := d.byUser[m.ID]; !seen {
				d.set(m.ID, Candidate)
			}
		}
	}

	for i := range subs {
		d.apply(&subs[i])
	}

	return d
}

func (d *Decisions) apply(sub *notifier.Subscription) {
	id := sub.User.ID
	if sub.DisableNotifications {
		d.set(id, Skip)
		return
	}

	switch sub.EmailNotifications {
	case notifier.EmailAll:
		d.set(id, Forced)
	case notifier.EmailMentions:
		if d.byUser[id] == Candidate {
			d.set(id, Forced)
		}
	case notifier.EmailNothing:
		d.set(id, Skip)
	case notifier.EmailDefault:
	}
}

// directTarget returns the recipient of a two-party room. Direct room IDs are
// the concatenation of both user IDs, so removing the sender leaves the other party.
func directTarget(msg *notifier.Message) string {
	return strings.Replace(msg.RoomID, msg.Author.ID, "", 1)
}
