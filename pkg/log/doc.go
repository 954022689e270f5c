/*
Package log provides structured logging for the manager using zerolog.

It wraps a single package-level zerolog.Logger, initialized once via
Init, with helpers for attaching request-scoped context (component name,
task ID) to child loggers without repeating field names at every call
site.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Logger.Info().Msg("manager listening")

	schedLog := log.WithComponent("scheduler")
	schedLog.Debug().Msg("placed task")

	taskLog := log.WithTaskID(42)
	taskLog.Info().Msg("task retrieved")

Console output (JSONOutput: false) is meant for local development; the
manager and workers run with JSON output in production so log lines are
parseable by the same tooling that reads the transaction log.
*/
package log
