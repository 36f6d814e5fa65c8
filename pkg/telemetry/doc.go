// Package telemetry provides the logging, tracing and metrics stack used by
// the stagehand command.
//
// # Logging
//
// NewLogger builds a zerolog.Logger from LoggingConfig. Console output is
// human readable by default; a log file, when configured, receives the same
// events as JSON lines so unattended runs after a restart can be inspected:
//
//	logger, closer, err := telemetry.NewLogger(cfg.Logging, os.Stderr)
//	defer closer.Close()
//	engineLogger := logger.With().Str("component", "engine").Logger()
//
// # Tracing
//
// NewTracer installs a global OpenTelemetry provider with a stdout or OTLP
// gRPC exporter. The engine creates spans per run, step and checkpoint from
// that provider. Call Shutdown before the process exits so batched spans are
// exported, including when the process exits for a restart.
//
// # Metrics
//
// Metrics implements engine.EventPublisher. Counters for runs, steps,
// checkpoints and requested restarts, and a step duration histogram, are kept
// on a private registry and written with WriteTextfile for the node exporter
// textfile collector:
//
//	stagehand_steps_total{outcome="succeeded"} 4
//	stagehand_checkpoints_total{outcome="Rebooting"} 1
//	stagehand_reboots_requested_total 1
package telemetry
