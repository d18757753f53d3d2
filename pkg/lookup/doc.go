/*
Package lookup implements both halves of Gaffer's Lookup Protocol
(spec section 4.6): the lookupd-side Registry that tracks which
gafferd nodes host which jobs and processes, and the gafferd-side
Client that keeps one node's registration current with every
configured lookupd.

The wire protocol is a small set of JSON messages over one persistent
WebSocket per node: IDENTIFY once at connect time, PING on a 15 second
heartbeat to keep the registration alive, and REGISTER_JOB/
UNREGISTER_JOB/REGISTER_PROCESS/UNREGISTER_PROCESS as the node's local
Manager state changes. Every message carries a msgid the server echoes
back in its reply so the client can correlate acks; the client does
not block sends waiting for them.

On disconnect the Client reconnects with exponential backoff and
replays its full current registration from scratch, since lookupd
holds no state across a lost connection — the Registry only ever
learns about a node's jobs from messages that node sends.
*/
package lookup
