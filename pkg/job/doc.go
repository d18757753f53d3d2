/*
Package job implements Gaffer's Job State (spec section 4.3): the
runtime twin of a JobConfig, owning the live pool of process.Process
wrappers, flapping detection, and the scaling contract the Manager
drives.

A State never spawns or kills a process itself — that remains the
Manager's job, since only the Manager has the process id allocator and
the grace tracker. State is the bookkeeping the Manager consults and
mutates while reconciling: how many processes should be running, which
ones are, and whether the job has flapped into cool-down.
*/
package job
