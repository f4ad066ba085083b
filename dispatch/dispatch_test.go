package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"offline-notifier/compose"
	"offline-notifier/link"
	"offline-notifier/pkg/notifier"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	subs     []notifier.Subscription
	users    map[string]notifier.User
	unread   map[string]int
	messages map[string]*notifier.Message
	rooms    map[string]*notifier.Room
	subsErr  error
	userErr  error
}

func (f *fakeDirectory) SubscriptionsWithEmail(_ context.Context, _ string) ([]notifier.Subscription, error) {
	return f.subs, f.subsErr
}

func (f *fakeDirectory) SubscriptionsByUsers(_ context.Context, _ string, ids []string) ([]notifier.Subscription, error) {
	var out []notifier.Subscription
	for _, s := range f.subs {
		for _, id := range ids {
			if s.User.ID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) UnreadCount(_ context.Context, _, userID string) (int, error) {
	if n, ok := f.unread[userID]; ok {
		return n, nil
	}
	return 1, nil
}

func (f *fakeDirectory) OfflineEmailUsers(_ context.Context, ids []string) ([]notifier.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	var out []notifier.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeDirectory) Message(_ context.Context, _, id string) (*notifier.Message, *notifier.Room, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, nil, nil
	}
	return m, f.rooms[m.RoomID], nil
}

type recorder struct {
	mu       sync.Mutex
	sent     []notifier.Email
	digests  []notifier.ScheduledEmail
	deferred []notifier.Deferred
	freqs    []int
}

func (r *recorder) Dispatch(e notifier.Email) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, e)
}

func (r *recorder) DigestTiming(freq int, at time.Time) time.Time {
	r.freqs = append(r.freqs, freq)
	return at.Add(time.Duration(freq) * time.Minute)
}

func (r *recorder) ScheduleDigest(_ context.Context, e notifier.ScheduledEmail) error {
	r.digests = append(r.digests, e)
	return nil
}

func (r *recorder) Defer(_ context.Context, d notifier.Deferred) error {
	r.deferred = append(r.deferred, d)
	return nil
}

func (r *recorder) calls() int {
	return len(r.sent) + len(r.digests) + len(r.deferred)
}

type testTranslator struct{}

func (testTranslator) T(key string, params map[string]string) string {
	switch key {
	case compose.DirectSubjectKey:
		return "DM from " + params["user"]
	case compose.MentionSubjectKey:
		return "Mention by " + params["user"] + " in " + params["room"]
	}
	return key
}

func newEngine(dir *fakeDirectory, rec *recorder, settings Settings) *Engine {
	if settings.FromEmail == "" {
		settings.FromEmail = "noreply@chat.example.com"
	}
	return New(&Config{
		Subscriptions: dir,
		Users:         dir,
		Messages:      dir,
		Composer:      compose.New(compose.Passthrough{}, testTranslator{}, compose.Settings{SiteName: "Chat"}),
		Links:         link.NewBuilder(link.DefaultRoutes(), dir, testTranslator{}, "https://chat.example.com"),
		Mailer:        rec,
		Digests:       rec,
		Deferrer:      rec,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return now },
		Settings:      settings,
	})
}

func userA(freq int) notifier.User {
	return notifier.User{
		ID:          "userA",
		Username:    "alice",
		Emails:      []notifier.Address{{Address: "old@example.com"}, {Address: "alice@example.com", Verified: true}, {Address: "alt@example.com", Verified: true}},
		Preferences: &notifier.Preferences{OfflineNotificationFrequency: freq},
	}
}

func channelScenario(freq int) (*fakeDirectory, *notifier.Message, *notifier.Room) {
	room := &notifier.Room{ID: "general", Type: notifier.RoomChannel, Name: "general"}
	msg := &notifier.Message{
		ID:        "m1",
		RoomID:    room.ID,
		Text:      "hey @alice",
		Timestamp: now.Add(-5 * time.Second),
		Author:    notifier.UserRef{ID: "userB", Username: "bob"},
		Mentions:  []notifier.UserRef{{ID: "userA", Username: "alice"}},
	}
	dir := &fakeDirectory{
		subs:   []notifier.Subscription{{User: notifier.UserRef{ID: "userA"}, RoomID: room.ID, Name: "general", EmailNotifications: notifier.EmailDefault}},
		users:  map[string]notifier.User{"userA": userA(freq)},
		unread: map[string]int{"userA": 1},
	}
	return dir, msg, room
}

func TestMentionSendsImmediately(t *testing.T) {
	dir, msg, room := channelScenario(0)
	rec := &recorder{}

	if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}

	if len(rec.sent) != 1 || len(rec.digests) != 0 || len(rec.deferred) != 0 {
		t.Fatalf("sent=%d digests=%d deferred=%d, want 1/0/0", len(rec.sent), len(rec.digests), len(rec.deferred))
	}
	got := rec.sent[0]
	if got.To != "alice@example.com" {
		t.Errorf("To = %q, want first verified address", got.To)
	}
	if got.From != "noreply@chat.example.com" {
		t.Errorf("From = %q, want configured sender", got.From)
	}
	if got.Subject != "[Chat] Mention by bob in general" {
		t.Errorf("Subject = %q, want mention template", got.Subject)
	}
	if !strings.Contains(got.HTML, "hey @alice"+compose.Divider) || !strings.Contains(got.HTML, `href="https://chat.example.com/channel/general"`) {
		t.Errorf("HTML missing body or link: %s", got.HTML)
	}
}

func TestDigestFrequencySchedules(t *testing.T) {
	dir, msg, room := channelScenario(30)
	rec := &recorder{}

	if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}

	if len(rec.sent) != 0 || len(rec.digests) != 1 {
		t.Fatalf("sent=%d digests=%d, want 0/1", len(rec.sent), len(rec.digests))
	}
	if len(rec.freqs) != 1 || rec.freqs[0] != 30 {
		t.Errorf("DigestTiming frequencies = %v, want [30]", rec.freqs)
	}
	if want := now.Add(30 * time.Minute); !rec.digests[0].Due.Equal(want) {
		t.Errorf("Due = %v, want %v", rec.digests[0].Due, want)
	}
	if rec.digests[0].Email.To != "alice@example.com" {
		t.Errorf("digest To = %q, want alice@example.com", rec.digests[0].Email.To)
	}
}

func TestEditedMessageIgnored(t *testing.T) {
	dir, msg, room := channelScenario(0)
	edited := now
	msg.EditedAt = &edited
	rec := &recorder{}

	if err := newEngine(dir, rec, Settings{NotifyAfterEditExpires: true, AllowEditing: true, BlockEditMinutes: 10}).OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}
	if rec.calls() != 0 {
		t.Errorf("collaborator calls = %d, want 0", rec.calls())
	}
}

func TestStaleMessageIgnored(t *testing.T) {
	for _, offset := range []time.Duration{-61 * time.Second, 61 * time.Second} {
		dir, msg, room := channelScenario(0)
		msg.Timestamp = now.Add(offset)
		rec := &recorder{}

		if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
			t.Fatalf("OnMessageSaved() error = %v", err)
		}
		if rec.calls() != 0 {
			t.Errorf("offset %v: collaborator calls = %d, want 0", offset, rec.calls())
		}
	}
}

func TestEditLockDefers(t *testing.T) {
	dir, msg, room := channelScenario(0)
	rec := &recorder{}
	e := newEngine(dir, rec, Settings{NotifyAfterEditExpires: true, AllowEditing: true, BlockEditMinutes: 10})

	if err := e.OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}
	if len(rec.deferred) != 1 || len(rec.sent) != 0 || len(rec.digests) != 0 {
		t.Fatalf("deferred=%d sent=%d digests=%d, want 1/0/0", len(rec.deferred), len(rec.sent), len(rec.digests))
	}
	d := rec.deferred[0]
	if d.RoomID != "general" || d.MessageID != "m1" || !d.Due.Equal(msg.Timestamp.Add(10*time.Minute)) {
		t.Errorf("Deferred = %+v, want general/m1 at ts+10m", d)
	}

	// The deadline fires; resolution runs against current state.
	dir.messages = map[string]*notifier.Message{"m1": msg}
	dir.rooms = map[string]*notifier.Room{"general": room}
	if err := e.Resume(context.Background(), d); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("sent after resume = %d, want 1", len(rec.sent))
	}

	// Read during the window: nothing more is sent.
	dir.unread["userA"] = 0
	if err := e.Resume(context.Background(), d); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(rec.sent) != 1 {
		t.Errorf("sent after read = %d, want 1", len(rec.sent))
	}
}

func TestEditLockRequiresAllSettings(t *testing.T) {
	for _, s := range []Settings{
		{NotifyAfterEditExpires: false, AllowEditing: true, BlockEditMinutes: 10},
		{NotifyAfterEditExpires: true, AllowEditing: false, BlockEditMinutes: 10},
		{NotifyAfterEditExpires: true, AllowEditing: true, BlockEditMinutes: 0},
	} {
		dir, msg, room := channelScenario(0)
		rec := &recorder{}
		if err := newEngine(dir, rec, s).OnMessageSaved(context.Background(), msg, room); err != nil {
			t.Fatalf("OnMessageSaved() error = %v", err)
		}
		if len(rec.deferred) != 0 || len(rec.sent) != 1 {
			t.Errorf("settings %+v: deferred=%d sent=%d, want 0/1", s, len(rec.deferred), len(rec.sent))
		}
	}
}

func TestResumeMissingMessage(t *testing.T) {
	rec := &recorder{}
	e := newEngine(&fakeDirectory{}, rec, Settings{})
	if err := e.Resume(context.Background(), notifier.Deferred{RoomID: "r", MessageID: "gone"}); err != nil {
		t.Fatalf("Resume() error = %v, want nil", err)
	}
	if rec.calls() != 0 {
		t.Errorf("collaborator calls = %d, want 0", rec.calls())
	}
}

type countingRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRenderer) Render(_ context.Context, msg *notifier.Message) (*notifier.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return msg, nil
}

func TestComposeOncePerMessage(t *testing.T) {
	dir, msg, room := channelScenario(0)
	dir.subs = append(dir.subs, notifier.Subscription{User: notifier.UserRef{ID: "userC"}, RoomID: room.ID, Name: "general", EmailNotifications: notifier.EmailAll})
	dir.users["userC"] = notifier.User{ID: "userC", Username: "carol", Emails: []notifier.Address{{Address: "carol@example.com", Verified: true}}}
	rec := &recorder{}
	renderer := &countingRenderer{}
	e := newEngine(dir, rec, Settings{})
	e.composer = compose.New(renderer, testTranslator{}, compose.Settings{SiteName: "Chat"})

	if err := e.OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}
	if len(rec.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(rec.sent))
	}
	if renderer.calls != 1 {
		t.Errorf("Render() calls = %d, want 1", renderer.calls)
	}
	if rec.sent[0].HTML != rec.sent[1].HTML || rec.sent[0].Subject != rec.sent[1].Subject {
		t.Errorf("recipients got different content: %+v", rec.sent)
	}
}

func TestDirectMessage(t *testing.T) {
	room := &notifier.Room{ID: "userAuserB", Type: notifier.RoomDirect, Usernames: []string{"alice", "bob"}}
	msg := &notifier.Message{ID: "m2", RoomID: room.ID, Text: "psst", Timestamp: now, Author: notifier.UserRef{ID: "userB", Username: "bob"}}
	dir := &fakeDirectory{
		subs: []notifier.Subscription{
			{User: notifier.UserRef{ID: "userA"}, RoomID: room.ID, Name: "bob", EmailNotifications: notifier.EmailDefault},
			{User: notifier.UserRef{ID: "userB"}, RoomID: room.ID, Name: "alice", EmailNotifications: notifier.EmailDefault},
		},
		users: map[string]notifier.User{"userA": userA(0)},
	}
	rec := &recorder{}

	if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(rec.sent))
	}
	if rec.sent[0].Subject != "[Chat] DM from bob" {
		t.Errorf("Subject = %q, want DM template", rec.sent[0].Subject)
	}
	if !strings.Contains(rec.sent[0].HTML, `href="https://chat.example.com/direct/bob"`) {
		t.Errorf("HTML missing per-subscription link: %s", rec.sent[0].HTML)
	}
}

func TestGlobalDisableAndForce(t *testing.T) {
	tests := []struct {
		name  string
		level notifier.EmailLevel
		want  int
	}{
		{"candidate with email disabled", notifier.EmailDefault, 0},
		{"forced with email disabled", notifier.EmailAll, 1},
		{"mention-forced with email disabled", notifier.EmailMentions, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, msg, room := channelScenario(0)
			u := dir.users["userA"]
			u.Preferences = &notifier.Preferences{EmailNotificationMode: notifier.ModeDisabled}
			dir.users["userA"] = u
			dir.subs[0].EmailNotifications = tt.level
			rec := &recorder{}

			if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
				t.Fatalf("OnMessageSaved() error = %v", err)
			}
			if len(rec.sent) != tt.want {
				t.Errorf("sent = %d, want %d", len(rec.sent), tt.want)
			}
		})
	}
}

func TestNoVerifiedAddress(t *testing.T) {
	dir, msg, room := channelScenario(0)
	u := dir.users["userA"]
	u.Emails = []notifier.Address{{Address: "unverified@example.com"}}
	dir.users["userA"] = u
	rec := &recorder{}

	if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}
	if rec.calls() != 0 {
		t.Errorf("collaborator calls = %d, want 0", rec.calls())
	}
}

func TestMentionWithoutSubscriptions(t *testing.T) {
	dir, msg, room := channelScenario(0)
	dir.subs = nil
	dir.users = nil
	rec := &recorder{}

	if err := newEngine(dir, rec, Settings{}).OnMessageSaved(context.Background(), msg, room); err != nil {
		t.Fatalf("OnMessageSaved() error = %v", err)
	}
	if rec.calls() != 0 {
		t.Errorf("collaborator calls = %d, want 0", rec.calls())
	}
}

func TestCollaboratorErrorsPropagate(t *testing.T) {
	boom := errors.New("storage unavailable")

	dir, msg, room := channelScenario(0)
	dir.subsErr = boom
	if err := newEngine(dir, &recorder{}, Settings{}).OnMessageSaved(context.Background(), msg, room); !errors.Is(err, boom) {
		t.Errorf("subscription failure: error = %v, want %v", err, boom)
	}

	dir, msg, room = channelScenario(0)
	dir.userErr = boom
	if err := newEngine(dir, &recorder{}, Settings{}).OnMessageSaved(context.Background(), msg, room); !errors.Is(err, boom) {
		t.Errorf("user failure: error = %v, want %v", err, boom)
	}
}

func TestNotifyIsRepeatable(t *testing.T) {
	dir, msg, room := channelScenario(0)
	rec := &recorder{}
	e := newEngine(dir, rec, Settings{})

	for i := 0; i < 2; i++ {
		if err := e.Notify(context.Background(), msg, room); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
	}
	if len(rec.sent) != 2 || rec.sent[0] != rec.sent[1] {
		t.Errorf("repeated Notify() produced different emails: %+v", rec.sent)
	}
}
