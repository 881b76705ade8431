/*
Package log provides structured logging for strata-core using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("wal")                     │          │
	│  │  - WithBranchID("b-...")                    │          │
	│  │  - WithTxnID(42)                            │          │
	│  │  - WithCollection("embeddings")              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Log Levels

Debug: verbose internals (segment rotation, snapshot pinning). Info: default
production level (transaction commit/abort, collection sealed). Warn:
recoverable anomalies (background fsync retry). Error: operation failures.
Fatal: unrecoverable startup errors only; nothing in this module currently
logs at Fatal, and library code deep in a transaction never does.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	log.Info("database opened")

	walLog := log.WithComponent("wal")
	walLog.Debug().Int("segment", 3).Msg("segment rotated")

	txnLog := log.WithBranchID(branchID.String()).With().Uint64("txn_id", 7).Logger()
	txnLog.Info().Msg("transaction committed")

	vecLog := log.WithCollection("embeddings")
	vecLog.Info().Int("live_count", 256).Msg("segment sealed")

# Integration points

  - pkg/wal: segment rotation, background fsync failures (through the
    logger passed in wal.Options)
  - pkg/engine: the "database opened" line with replay stats, and vector
    freeze/reload failures
  - cmd/stratadb: calls Init only

pkg/txn, pkg/vector and pkg/recovery do not log.

# Design pattern

A single package-level Logger is initialized once via Init and read from
everywhere; component/branch/txn/collection loggers are derived child
loggers, never separate instances, so a single zerolog.SetGlobalLevel change
applies everywhere at once.
*/
package log
