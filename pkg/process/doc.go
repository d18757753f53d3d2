/*
Package process implements Gaffer's Process Wrapper (spec section 4.2):
one supervised OS child, its stdio plumbing, its custom named streams,
and its resource-usage sampler.

A Process owns exactly one *exec.Cmd. Standard output streams
(conventionally "stdout"/"stderr", per JobConfig.RedirectOutput) and
any JobConfig.CustomStreams are each framed into {event, name, pid,
data} messages and published on the Process's own *events.Emitter —
separate from the Manager's emitter, so a listener that only cares
about one process's bytes never sees another process's topic space.

Construction mirrors the teacher's jobworker.Job: pipes are built
before the child exists, handed to exec.Cmd as Stdin/Stdout/Stderr/
ExtraFiles, and a single owned context.CancelFunc tears the whole
graph down on Stop/Kill or natural exit.
*/
package process
