/*
Package log provides structured logging for harborctl using zerolog.

It wraps zerolog with a single global Logger, initialized once via Init, and
a handful of component/entity-scoped child-logger helpers so call sites don't
repeat the same fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	jobLog := log.WithJobID(job.ID.String())
	jobLog.Info().Int("runs_requested", job.RunsRequested).Msg("job admitted")

JSONOutput selects machine-parseable JSON (production); otherwise a
human-readable console writer is used (local development).
*/
package log
