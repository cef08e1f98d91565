/*
Package log provides structured logging for cuckoonode using zerolog.

The package wraps zerolog to provide JSON-structured logging with
component-specific loggers, a configurable level, and a small set of
context-logger helpers for the identifiers that recur across a worker
node's subsystems: machine name, action name, and task ID.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	mgrLog := log.WithComponent("machinery")
	mgrLog.Info().Msg("worker pool started")

	machineLog := log.WithMachine("vm1")
	machineLog.Warn().Msg("timeout reached while waiting for machine to reach expected state")

# Integration points

This package is used by every long-running subsystem in cuckoonode:
pkg/machinery (the Manager and its backends), pkg/taskflow (the Runner
and each Flow), pkg/resultserver, pkg/node (the Controller and its
state-control socket), and cmd/cuckoonode's own startup/shutdown
sequence.
*/
package log
