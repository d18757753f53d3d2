/*
Package manager implements Gaffer's Manager (spec section 4.4): the
single-threaded owner of every Job State in a gafferd process.

# Architecture

Every mutating operation — load, scale, kill, an OS exit notification —
is a closure submitted to one command channel and run on one loop
goroutine, the same command-channel discipline the teacher's streaming
hub uses for its register/unregister/broadcast traffic:

	┌──────────────────────────── MANAGER ────────────────────────────┐
	│                                                                   │
	│   HTTP/WS handlers ──┐                                           │
	│   process.Process    ├──► commands chan ──► Run() loop goroutine │
	│     exit callbacks ──┘            │                              │
	│                                   ▼                               │
	│                    jobs map[fqname]*job.State                    │
	│                    running map[pid]*process.Process (global)     │
	│                    grace tracker (min-heap on graceful_deadline) │
	│                                   │                               │
	│                                   ▼                               │
	│                         events.Emitter.Publish                   │
	└───────────────────────────────────────────────────────────────────┘

Because every read and mutation of jobs/running/grace happens on the
loop goroutine, none of that state needs its own mutex — the "single
writer" is the loop itself, not a lock. A process.Process's exit fires
on that process's own wait() goroutine; it crosses back into the
Manager only by enqueuing a command, never by touching Manager state
directly, preserving the same discipline.

# Pluggable apps

Optional behavior (the HTTP/WS surface, the lookup client) is modeled
as the small App interface below and started/stopped in registration
order, generalizing the teacher's component lifecycle pattern.
*/
package manager
