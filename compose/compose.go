// Package compose builds the subject and HTML body shared by every recipient of a message.
package compose

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"offline-notifier/pkg/notifier"
)

// Localization keys for subjects.
const (
	DirectSubjectKey  = "Offline_DM_Email"
	MentionSubjectKey = "Offline_Mention_Email"
)

// Divider separates the message from the link.
const Divider = `<hr style="margin: 20px auto; border: none; border-bottom: 1px solid #dddddd;">`

// Renderer renders message markup, annotating the message with tokens.
type Renderer interface {
	Render(ctx context.Context, msg *notifier.Message) (*notifier.Message, error)
}

// Translator localizes a key.
type Translator interface {
	T(key string, params map[string]string) string
}

// Settings are the deployment values used while composing.
type Settings struct {
	SiteName string
	SiteURL  string
	Header   string // May contain [Site_Name] and [Site_URL]
	Footer   string
}

// Content is the recipient-independent part of a notification.
type Content struct {
	Subject string
	Body    string
	Header  string
	Footer  string
}

// HTML splices a recipient link into the content.
func (c *Content) HTML(link string) string {
	var b strings.Builder
	b.Grow(len(c.Header) + len(c.Body) + len(Divider) + len(link) + len(c.Footer))
	b.WriteString(c.Header)
	b.WriteString(c.Body)
	b.WriteString(Divider)
	b.WriteString(link)
	b.WriteString(c.Footer)
	return b.String()
}

// Composer builds Content for messages.
type Composer struct {
	renderer   Renderer
	translator Translator
	settings   Settings
}

// New creates a composer.
func New(renderer Renderer, translator Translator, settings Settings) *Composer {
	return &Composer{renderer: renderer, translator: translator, settings: settings}
}

// Compose builds the subject and body for a message.
func (c *Composer) Compose(ctx context.Context, msg *notifier.Message, room *notifier.Room) (*Content, error) {
	var subject string
	if room.Type == notifier.RoomDirect {
		subject = c.translator.T(DirectSubjectKey, map[string]string{"user": msg.Author.Username})
	} else {
		subject = c.translator.T(MentionSubjectKey, map[string]string{"user": msg.Author.Username, "room": room.Name})
	}

	body := html.EscapeString(strings.ReplaceAll(msg.Text, "\r", ""))

	rendered, err := c.renderer.Render(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("render message %s: %w", msg.ID, err)
	}
	if rendered != nil {
		for _, tok := range rendered.Tokens {
			body = substitute(body, tok.Token, escapeDollars(tok.Text))
		}
	}
	body = strings.ReplaceAll(body, "\n", "<br/>")

	return &Content{
		Subject: fmt.Sprintf("[%s] %s", c.settings.SiteName, subject),
		Body:    body,
		Header:  c.placeholders(c.settings.Header),
		Footer:  c.placeholders(c.settings.Footer),
	}, nil
}

func (c *Composer) placeholders(s string) string {
	if s == "" {
		return ""
	}
	return strings.NewReplacer(
		"[Site_Name]", c.settings.SiteName,
		"[Site_URL]", c.settings.SiteURL,
	).Replace(s)
}

var dollarRun = regexp.MustCompile(`\$\$|\$`)

// escapeDollars doubles every "$" that is not already part of a "$$" pair.
func escapeDollars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return dollarRun.ReplaceAllLiteralString(s, "$$")
}

// substitute replaces the first occurrence of token in s. In repl, "$$" stands
// for a literal "$".
func substitute(s, token, repl string) string {
	if token == "" {
		return s
	}
	i := strings.Index(s, token)
	if i < 0 {
		return s
	}
	return s[:i] + strings.ReplaceAll(repl, "$$", "$") + s[i+len(token):]
}

// Passthrough is a Renderer that keeps whatever tokens the message already carries.
type Passthrough struct{}

// Render returns msg unchanged.
func (Passthrough) Render(_ context.Context, msg *notifier.Message) (*notifier.Message, error) {
	return msg, nil
}
