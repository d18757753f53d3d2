/*
Package api implements gafferd's external HTTP and WebSocket surface
(spec section 6): a JSON REST API over the Manager's job operations,
the /channel topic-and-command WebSocket backed by the Topic Hub, and
a per-process byte-channel endpoint for direct stream I/O.

Routing uses the standard library's http.ServeMux rather than a
third-party router: the pack's example repos reach for gin or chi only
in unused go.mod entries, never with actual call sites, so there is no
grounded ecosystem pattern to follow here and ServeMux (as used
directly in several of the pack's other example files) is the better
default over adding an unexercised dependency.

Health and readiness are served by pkg/metrics' HealthChecker rather
than a second bespoke implementation in this package.
*/
package api
