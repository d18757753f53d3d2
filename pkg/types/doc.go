/*
Package types defines Gaffer's core data shapes: the JobConfig a job is
declared with, the FlappingPolicy that governs its backoff behavior,
and the ProcessStatus/ProcessSummary/JobSummary DTOs the HTTP and
WebSocket surfaces serialize.

These are plain structs, not the runtime twins (pkg/job.State,
pkg/process.Process) that own mutexes, channels, and OS handles — types
in this package are safe to copy, marshal, and hand across goroutine
boundaries.
*/
package types
