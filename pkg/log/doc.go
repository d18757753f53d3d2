/*
Package log provides structured logging for Gaffer using zerolog.

The package wraps zerolog to give every component (manager, process,
hub, lookup client/server, api) a JSON- or console-formatted logger
carrying consistent context fields.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	mgrLog := log.WithComponent("manager")
	mgrLog.Info().Msg("manager started")

	jobLog := log.WithJob("default.web")
	jobLog.Warn().Msg("job flapping")

	procLog := log.WithProcess("default.web", 7)
	procLog.Info().Int("os_pid", 1234).Msg("process spawned")

# Levels

Debug is for development only. Info is the default production level.
Warn marks conditions an operator should notice (flapping, grace-kill
fallback). Error marks failed operations. Fatal logs and exits; it is
reserved for startup failures before the supervisor loop exists.
*/
package log
