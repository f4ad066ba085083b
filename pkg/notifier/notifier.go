// Package notifier contains the core domain types for the offline email notification service.
package notifier

import "time"

// RoomType identifies how a room is routed and who may read it.
type RoomType string

// Built-in room types. Other values are custom types registered with the link route table.
const (
	RoomDirect  RoomType = "d"
	RoomChannel RoomType = "c"
	RoomPrivate RoomType = "p"
)

// UserRef is the minimal reference to a user carried on messages.
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
}

// Token is a rendered-markup placeholder and the HTML that replaces it.
type Token struct {
	Token string `json:"token"`
	Text  string `json:"text"`
}

// Message is a posted chat message.
type Message struct {
	Timestamp time.Time  `json:"ts"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	ID        string     `json:"_id"`
	RoomID    string     `json:"rid"`
	Text      string     `json:"msg"`
	Author    UserRef    `json:"u"`
	Mentions  []UserRef  `json:"mentions,omitempty"`
	Tokens    []Token    `json:"tokens,omitempty"`
}

// Edited reports whether the message carries an edit timestamp.
func (m *Message) Edited() bool {
	return m.EditedAt != nil && !m.EditedAt.IsZero()
}

// Room is a chat room.
type Room struct {
	ID        string   `json:"_id"`
	Type      RoomType `json:"t"`
	Name      string   `json:"name"`
	Usernames []string `json:"usernames,omitempty"` // Members; only consulted for non-public types
}

// HasMember reports whether username is listed as a member of the room.
func (r *Room) HasMember(username string) bool {
	for _, u := range r.Usernames {
		if u == username {
			return true
		}
	}
	return false
}

// EmailLevel is a per-subscription email notification preference.
type EmailLevel string

// Subscription email levels.
const (
	EmailAll      EmailLevel = "all"
	EmailMentions EmailLevel = "mentions"
	EmailNothing  EmailLevel = "nothing"
	EmailDefault  EmailLevel = "default"
)

// Subscription links a user to a room.
type Subscription struct {
	User                 UserRef    `json:"u"`
	RoomID               string     `json:"rid"`
	Name                 string     `json:"name"` // Display name of the room for this user (the other party in a DM)
	EmailNotifications   EmailLevel `json:"emailNotifications,omitempty"`
	Unread               int        `json:"unread"`
	DisableNotifications bool       `json:"disableNotifications"`
}

// Address is one of a user's email addresses.
type Address struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// Global email notification modes.
const (
	ModeDefault  = "default"
	ModeDisabled = "disabled"
)

// Preferences holds a user's global notification preferences.
type Preferences struct {
	EmailNotificationMode        string `json:"emailNotificationMode,omitempty"`
	OfflineNotificationFrequency int    `json:"offlineNotificationFrequency,omitempty"` // Minutes between digests; 0 sends immediately
}

// User is a user record eligible for offline email.
type User struct {
	Preferences *Preferences `json:"preferences,omitempty"`
	ID          string       `json:"_id"`
	Username    string       `json:"username"`
	Emails      []Address    `json:"emails"`
}

// EmailDisabled reports whether the user turned email notifications off globally.
func (u *User) EmailDisabled() bool {
	return u.Preferences != nil && u.Preferences.EmailNotificationMode == ModeDisabled
}

// DigestFrequency returns the user's digest frequency in minutes (0 for immediate delivery).
func (u *User) DigestFrequency() int {
	if u.Preferences == nil || u.Preferences.OfflineNotificationFrequency < 0 {
		return 0
	}
	return u.Preferences.OfflineNotificationFrequency
}

// VerifiedAddress returns the first verified address in list order.
func (u *User) VerifiedAddress() (string, bool) {
	for _, e := range u.Emails {
		if e.Verified {
			return e.Address, true
		}
	}
	return "", false
}

// Email is a fully composed notification email.
type Email struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// ScheduledEmail is an email waiting to be merged into a recipient's digest.
type ScheduledEmail struct {
	Due   time.Time `json:"due"`
	Email Email     `json:"email"`
	ID    string    `json:"id,omitempty"`
}

// Deferred asks for the full resolution pass to run for a message at Due.
type Deferred struct {
	Due       time.Time `json:"due"`
	RoomID    string    `json:"rid"`
	MessageID string    `json:"_id"`
}
