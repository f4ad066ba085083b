package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offline-notifier/pkg/notifier"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	mu   sync.Mutex
	sent []notifier.Email
	err  error
}

func (f *fakeProvider) Send(_ context.Context, e notifier.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user@example.com", "user@example.com"},
		{"user@example.com\r\nBcc: evil@example.com", "user@example.comBcc: evil@example.com"},
		{"Subject\x00with\x7fcontrol", "Subjectwithcontrol"},
		{"Olá [Chat]", "Olá [Chat]"},
	}
	for _, tt := range tests {
		if got := sanitizeEmailHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRawMessageHeaders(t *testing.T) {
	raw := rawMessage(notifier.Email{
		To:      "a@example.com\nBcc: x@example.com",
		From:    "noreply@example.com",
		Subject: "[Chat] hello",
		HTML:    "<p>hi</p>",
	})
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode raw message: %v", err)
	}
	msg := string(data)

	headers, body, ok := strings.Cut(msg, "\r\n\r\n")
	if !ok {
		t.Fatalf("message has no header/body separator: %q", msg)
	}
	if body != "<p>hi</p>" {
		t.Errorf("body = %q", body)
	}
	for _, want := range []string{"From: noreply@example.com", "To: a@example.comBcc: x@example.com", "Subject: [Chat] hello"} {
		if !strings.Contains(headers, want) {
			t.Errorf("headers missing %q:\n%s", want, headers)
		}
	}
	if strings.Count(headers, "\r\n") != 4 {
		t.Errorf("unexpected header lines:\n%s", headers)
	}
}

func TestDispatcherSend(t *testing.T) {
	p := &fakeProvider{}
	d := NewDispatcher(p, 0, discard())

	if err := d.Send(context.Background(), notifier.Email{To: "a@example.com"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(p.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(p.sent))
	}

	p.err = errors.New("boom")
	if err := d.Send(context.Background(), notifier.Email{To: "a@example.com"}); err == nil {
		t.Error("Send() error = nil, want provider failure")
	}
}

func TestDispatcherDispatchIsFireAndForget(t *testing.T) {
	p := &fakeProvider{}
	d := NewDispatcher(p, 100, discard())

	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		d.Dispatch(notifier.Email{To: to})
	}
	d.Wait()

	if len(p.sent) != 3 {
		t.Errorf("sent = %d, want 3", len(p.sent))
	}

	// Failures are swallowed.
	p.err = errors.New("boom")
	d.Dispatch(notifier.Email{To: "d@example.com"})
	d.Wait()
}

func TestDispatcherRateLimit(t *testing.T) {
	d := NewDispatcher(&fakeProvider{}, 1, discard())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := d.Send(ctx, notifier.Email{To: "a@example.com"}); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := d.Send(ctx, notifier.Email{To: "a@example.com"}); err == nil {
		t.Error("second Send() error = nil, want rate limit wait to exceed deadline")
	}
}

func TestMockProviderRecords(t *testing.T) {
	m := NewMockProvider(discard())
	if err := m.Send(context.Background(), notifier.Email{To: "a@example.com\r\n", Subject: "s"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 || sent[0].To != "a@example.com" {
		t.Errorf("Sent() = %+v", sent)
	}
}

func TestBrevoProviderSend(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key", "Chat", discard())
	b.endpoint = srv.URL

	err := b.Send(context.Background(), notifier.Email{
		To:      "a@example.com",
		From:    "noreply@example.com",
		Subject: "[Chat] hi",
		HTML:    "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "noreply@example.com" || got.Sender.Name != "Chat" {
		t.Errorf("sender = %+v", got.Sender)
	}
	if len(got.To) != 1 || got.To[0].Email != "a@example.com" {
		t.Errorf("to = %+v", got.To)
	}
	if got.Subject != "[Chat] hi" || got.HTML != "<p>hi</p>" {
		t.Errorf("content = %q / %q", got.Subject, got.HTML)
	}
}

func TestBrevoProviderClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key", "", discard())
	b.endpoint = srv.URL

	if err := b.Send(context.Background(), notifier.Email{To: "a@example.com"}); err == nil {
		t.Fatal("Send() error = nil, want HTTP 400")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestNewPostmarkProviderValidates(t *testing.T) {
	if _, err := NewPostmarkProvider("", "acct", discard()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing server token error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewPostmarkProvider("srv", "", discard()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing account token error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewPostmarkProvider("srv", "acct", discard()); err != nil {
		t.Errorf("NewPostmarkProvider() error = %v", err)
	}
}
