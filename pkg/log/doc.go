/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Log Levels

  - Debug: detailed debugging information
  - Info: general informational messages (default)
  - Warn: potential issues
  - Error: operation failures
  - Silent: disables all output (used by embedded agents whose stdout is
    reserved for the one-time token print)

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	hubLog := log.WithComponent("hub")
	hubLog.Info().Str("client", id).Msg("client connected")

Request-scoped loggers carry the trace id:

	reqLog := log.WithTraceID(traceID)
	reqLog.Info().Str("path", r.URL.Path).Msg("request")

# Integration Points

This package integrates with:

  - pkg/agent: request logging middleware and server lifecycle
  - pkg/process: per-process reader and monitor goroutines
  - pkg/session: shell lifecycle and command dispatch
  - pkg/hub: client connect/disconnect and subscription events
  - pkg/client: pool health checks and retry decisions
*/
package log
