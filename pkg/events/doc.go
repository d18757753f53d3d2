/*
Package events implements Gaffer's Event Emitter (spec section 4.1):
an asynchronous, single-threaded pub/sub dispatcher with dotted-topic
hierarchy matching, used to fan out Manager lifecycle events to the
Topic Hub, the Lookup Client, and anything else inside gafferd that
wants to react to supervisor state changes without being on the
Manager's own call stack.

# Delivery model

	Publish("job.default.web.spawn", pid)
	                │
	                ▼
	        bounded FIFO queue (cap 200, oldest dropped on overflow)
	                │
	                ▼
	          dispatch loop goroutine
	                │
	    ┌───────────┼────────────┬──────────────┐
	    ▼           ▼            ▼              ▼
	"job" subs  "job.default" "job.default.web" Wildcard (".")
	            subs          subs              subs

Publish never blocks on delivery: it appends to the queue and returns.
A single loop goroutine drains the queue and invokes listeners, so
every listener observes events published to the same topic in
publication order, and a slow or panicking listener never stalls or
crashes the publisher. A panicking listener is dropped from its
subscription set; later publications simply skip it.

Adapted from the teacher's events.Broker (a flat channel-fanout
broadcaster with no topic structure) generalized to named,
dotted-hierarchy topics and listener functions instead of Go channels,
because the Manager (pkg/manager), Topic Hub (pkg/hub), and Lookup
Client (pkg/lookup) all need to subscribe to a specific event or a
whole job's event stream, not every event in the system.
*/
package events
