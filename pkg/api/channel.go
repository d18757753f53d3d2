package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// channelUpgrader is shared by /channel and /<pid>/channel: both
// accept cross-origin connections since gafferd expects callers
// ranging from browser dashboards to CLI tooling, and authorization
// is enforced by the Hub's Authorizer rather than by origin checking.
var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}
