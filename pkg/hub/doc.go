/*
Package hub implements Gaffer's Topic Hub (spec section 4.5): the
WebSocket-facing fan-out layer that lets remote clients subscribe to
EVENTS/JOB/PROCESS/STATS/STREAM topics and issue the same control
commands the Manager exposes in-process.

Subscriptions are reference-counted per topic key, not per client: the
first subscriber to a topic activates the underlying Manager/Process
monitor, and the last unsubscribe deactivates it, so ten clients
watching the same job's stats cost one stat sampler, not ten.

The read/write pump per connection and the register/unregister/
broadcast shape are adapted from the teacher corpus's gorilla/websocket
hub pattern (per-client buffered send channel, ping/pong keepalive,
oldest frame dropped on a full send buffer) generalized from a single flat
broadcast channel to per-topic delivery keyed off the Manager's event
emitter.
*/
package hub
