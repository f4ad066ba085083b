package link

import (
	"net/url"
	"strings"

	"offline-notifier/pkg/notifier"
)

// Route describes how rooms of one type are addressed.
type Route struct {
	Template        string // Path template; ":name" is replaced with the escaped room or subscription name
	PerSubscription bool   // Each subscriber sees the room under their own name
}

// Routes is a route table keyed by room type.
type Routes map[notifier.RoomType]Route

// DefaultRoutes returns the built-in room routes.
func DefaultRoutes() Routes {
	return Routes{
		notifier.RoomDirect:  {Template: "/direct/:name", PerSubscription: true},
		notifier.RoomChannel: {Template: "/channel/:name"},
		notifier.RoomPrivate: {Template: "/group/:name"},
	}
}

// RouteLink implements Router.
func (r Routes) RouteLink(roomType notifier.RoomType, sub *notifier.Subscription) (string, bool) {
	route, ok := r[roomType]
	if !ok || route.Template == "" {
		return "", false
	}
	name := ""
	if sub != nil {
		name = sub.Name
	}
	return strings.ReplaceAll(route.Template, ":name", url.PathEscape(name)), true
}

// HasCustomLink implements Router.
func (r Routes) HasCustomLink(roomType notifier.RoomType) bool {
	return r[roomType].PerSubscription
}
