// Package link builds the "go to message" link included in notification emails.
package link

import (
	"context"
	"fmt"
	"strings"

	"offline-notifier/pkg/notifier"
)

const buttonStyle = "color: #fff; padding: 9px 12px; border-radius: 4px; background-color: #04436a; text-decoration: none;"

// CaptionKey is the localization key for the link caption.
const CaptionKey = "Offline_Link_Message"

// Router resolves relative routes for rooms.
type Router interface {
	// RouteLink returns the relative route for a room of the given type, using the
	// subscription for per-user context. ok is false when the type has no route.
	RouteLink(roomType notifier.RoomType, sub *notifier.Subscription) (route string, ok bool)
	// HasCustomLink reports whether each subscriber of the room type gets their own route.
	HasCustomLink(roomType notifier.RoomType) bool
}

// Translator localizes a key.
type Translator interface {
	T(key string, params map[string]string) string
}

// SubscriptionFinder looks up the subscriptions of specific users in a room.
type SubscriptionFinder interface {
	SubscriptionsByUsers(ctx context.Context, roomID string, userIDs []string) ([]notifier.Subscription, error)
}

// Resolver returns the link markup for a recipient.
type Resolver interface {
	Link(userID string) string
}

// Uniform gives every recipient the same link.
type Uniform struct {
	html string
}

// Link returns the shared link.
func (u *Uniform) Link(string) string {
	return u.html
}

// PerSubscription gives each recipient a link built from their own subscription.
type PerSubscription struct {
	byUser   map[string]string
	fallback string
}

// Link returns the recipient's link, or the room-level link when the user had no subscription.
func (p *PerSubscription) Link(userID string) string {
	if l, ok := p.byUser[userID]; ok {
		return l
	}
	return p.fallback
}

// Builder selects and builds a Resolver for a room.
type Builder struct {
	router     Router
	subs       SubscriptionFinder
	translator Translator
	baseURL    string
}

// NewBuilder creates a link builder rooted at baseURL.
func NewBuilder(router Router, subs SubscriptionFinder, translator Translator, baseURL string) *Builder {
	return &Builder{
		router:     router,
		subs:       subs,
		translator: translator,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Resolve builds the resolver for a room: one lookup for per-subscription rooms,
// otherwise a single link reused for every recipient.
func (b *Builder) Resolve(ctx context.Context, room *notifier.Room, userIDs []string) (Resolver, error) {
	roomLink := b.Fragment(room.Type, &notifier.Subscription{RoomID: room.ID, Name: room.Name})
	if !b.router.HasCustomLink(room.Type) {
		return &Uniform{html: roomLink}, nil
	}

	// Direct rooms are usually unnamed; their route also accepts the room id.
	fallback := roomLink
	if room.Name == "" {
		fallback = b.Fragment(room.Type, &notifier.Subscription{RoomID: room.ID, Name: room.ID})
	}
	p := &PerSubscription{byUser: make(map[string]string, len(userIDs)), fallback: fallback}
	if len(userIDs) == 0 {
		return p, nil
	}

	subs, err := b.subs.SubscriptionsByUsers(ctx, room.ID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions for links: %w", err)
	}
	for i := range subs {
		p.byUser[subs[i].User.ID] = b.Fragment(room.Type, &subs[i])
	}
	return p, nil
}

// URL returns the absolute URL for a room route.
func (b *Builder) URL(roomType notifier.RoomType, sub *notifier.Subscription) string {
	route, _ := b.router.RouteLink(roomType, sub)
	return b.baseURL + "/" + strings.TrimPrefix(route, "/")
}

// Fragment returns the clickable HTML button for a room route.
func (b *Builder) Fragment(roomType notifier.RoomType, sub *notifier.Subscription) string {
	return fmt.Sprintf(`<p style="text-align:center;margin-bottom:8px;"><a style="%s" href="%s">%s</a>`,
		buttonStyle, b.URL(roomType, sub), b.translator.T(CaptionKey, nil))
}
