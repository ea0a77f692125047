/*
Package log provides structured logging for Aurora using zerolog.

Every long-lived component gets a child logger tagged with its name, so
one grep isolates the scheduler from the reconciler from the API. Jobs,
servers and ports get their own field helpers for the same reason.

# Architecture

Aurora's logging is a thin veneer over zerolog:

  - One global Logger, usable before Init so tests and library
    consumers never hit a nil writer
  - Init applies the level and output format exactly once at startup,
    from LOG_LEVEL and LOG_JSON
  - Child loggers carry structured context (component, server_id,
    job_id, port); code never formats identifiers into messages

Console output (the default) is for humans watching a dev process; JSON
output is for production pipelines.

# Core Components

  - Config: level, JSON switch, optional writer override
  - Init(cfg): installs the global logger
  - WithComponent(name): child logger with component=name
  - WithServerID / WithJobID / WithPortNum: per-entity child loggers
  - Info/Debug/Warn/Error/Fatal: shorthands for one-off messages

# Log Levels

  - debug: per-step detail (SSH commands, queue polls). Off in prod.
  - info: lifecycle events (job started, plan applied, listener up)
  - warn: recovered oddities (stale job dropped, artifact sweep miss)
  - error: failed operations that surface to retries or operators
  - fatal: startup failures; exits the process

Level selection happens once via zerolog.SetGlobalLevel, so disabled
levels cost a single atomic load.

# Usage

Startup (cmd/aurora):

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

A component:

	logger := log.WithComponent("reconciler")
	logger.Info().
		Str("server_id", server.ID).
		Int("port", plan.PortNum).
		Msg("Plan applied")

Error with cause:

	logger.Error().Err(err).Str("job_id", job.ID).Msg("Job failed")

One-off message without context:

	log.Info("Manager started")

# Log Output Examples

Console format (dev):

	2026-08-25T14:03:11Z INF Plan applied component=reconciler port=10000 server_id=f2a…
	2026-08-25T14:03:40Z WRN Server gone, dropping stale clean job component=manager

JSON format (prod):

	{"level":"info","component":"reconciler","server_id":"f2a…","port":10000,"time":"2026-08-25T14:03:11Z","message":"Plan applied"}

# Integration Points

  - cmd/aurora calls Init before anything else reads configuration
  - every pkg/* component builds its logger via WithComponent
  - pkg/connector logs SSH session lifecycle under component=connector
  - pkg/queue tags worker logs with the job id it is executing

# Design Patterns

Field names are stable API: component, server_id, port_id, port,
job_id, rule_id. Dashboards and alerts key on them; adding fields is
fine, renaming them is a breaking change.

Messages are short sentences in the imperative or past tense ("Plan
applied", "Failed to promote delayed jobs"). Identifiers go in fields,
never in the message text.

# Security

Logs never include SSH passwords, sudo passwords, uploaded key
material, or bearer tokens. The connector logs command names but not
command stdin. When a host command fails, the captured journal tail is
stored on the rule row for the operator, not logged.

# See Also

  - pkg/metrics for the numeric side of observability
  - pkg/stream for per-job live output (operator-facing, not logs)
*/
package log
