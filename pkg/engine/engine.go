/*
Package engine wires the Unified Store, the write-ahead log, recovery, the
transaction coordinator, and every primitive facade (KV, Event, StateCell,
JSON, Vector, Branch) into one Database handle — the single entry point an
embedding process opens once at startup.

Grounded on the teacher's embedded-node bring-up shape (pkg/embedded's
EnsureContainerd: open the backing store, replay durable state, then hand
back a ready-to-use handle) generalized from "start a containerd process" to
"replay a WAL and construct in-process facades," since this engine has no
external process to launch.
*/
package engine

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/stratadb/strata-core/pkg/branch"
	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/eventlog"
	"github.com/stratadb/strata-core/pkg/jsondoc"
	"github.com/stratadb/strata-core/pkg/kv"
	"github.com/stratadb/strata-core/pkg/log"
	"github.com/stratadb/strata-core/pkg/metrics"
	"github.com/stratadb/strata-core/pkg/recovery"
	"github.com/stratadb/strata-core/pkg/statecell"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/vector"
	"github.com/stratadb/strata-core/pkg/wal"
)

// Options configures Open.
type Options struct {
	// DataDir holds the WAL segments and checkpoint database. Created if it
	// does not already exist.
	DataDir string

	// Durability is the WAL's fsync policy. The zero value means
	// wal.Strict() (fsync every append).
	Durability wal.Durability

	// MaxSegmentSize overrides the WAL's default rotation threshold. Zero
	// means wal.DefaultMaxSegmentBytes.
	MaxSegmentSize int64
}

// Database is a single embedded strata-core instance: one Unified Store,
// one WAL, one transaction Coordinator serializing every commit, and the
// primitive facades built on top of them.
type Database struct {
	dataDir   string
	heapDir   string
	graphsDir string

	store       *store.Store
	wal         *wal.WAL
	coordinator *txn.Coordinator
	vectors     *vector.Router
	branches    *branch.Manager

	metricsCollector *metrics.Collector

	log zerolog.Logger
}

// Open replays dataDir's WAL into a fresh Unified Store, then builds a
// Database with the transaction coordinator's commit version counter
// continuing past the replayed log (spec.md §4.3 step 4). Safe to call
// against a brand-new, empty dataDir.
func Open(opts Options) (*Database, error) {
	durability := opts.Durability
	if durability == (wal.Durability{}) {
		durability = wal.Strict()
	}

	w, err := wal.Open(wal.Options{
		Dir:            filepath.Join(opts.DataDir, "wal"),
		Durability:     durability,
		MaxSegmentSize: opts.MaxSegmentSize,
		Logger:         log.WithComponent("wal"),
	})
	if err != nil {
		metrics.RegisterComponent("wal", false, err.Error())
		return nil, errors.Wrap(errors.KindIO, "engine.open", "opening wal", err)
	}
	metrics.RegisterComponent("wal", true, "")

	st := store.New()
	vectors := vector.NewRouter(st, nil) // coordinator wired in below, once it exists

	stats, err := recovery.Replay(w, st, recovery.Options{Vector: vectors})
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return nil, errors.Wrap(errors.KindIO, "engine.open", "replaying wal", err)
	}
	metrics.RegisterComponent("store", true, "")

	coordinator := txn.FromRecovery(st, w, stats)
	vectors.SetCoordinator(coordinator)

	db := &Database{
		dataDir:     opts.DataDir,
		heapDir:     filepath.Join(opts.DataDir, "heap"),
		graphsDir:   filepath.Join(opts.DataDir, "graphs"),
		store:       st,
		wal:         w,
		coordinator: coordinator,
		vectors:     vectors,
		log:         log.WithComponent("engine"),
	}
	db.branches = branch.NewManager(st, coordinator, vectors.DropBranch)

	if err := vectors.ReloadFrozen(db.heapDir, db.graphsDir); err != nil {
		db.log.Warn().Err(err).Msg("reloading frozen vector segments, continuing with replayed state")
	}

	db.metricsCollector = metrics.NewCollector(db)
	db.metricsCollector.Start()

	db.log.Info().
		Int("txns_replayed", stats.TxnsReplayed).
		Int("incomplete_txns", stats.IncompleteTxns).
		Uint64("final_version", stats.FinalVersion).
		Msg("database opened")

	return db, nil
}

// Close freezes every branch's vector collections to disk, stops background
// collection, and closes the WAL, fsyncing any unsynced tail records first.
// A failed freeze is logged rather than returned: the WAL is the durable
// source of truth, and the next Open simply rebuilds from it instead of
// reloading a frozen snapshot.
func (db *Database) Close() error {
	if err := db.vectors.FreezeAll(db.heapDir, db.graphsDir); err != nil {
		db.log.Warn().Err(err).Msg("freezing vector collections, next open will rebuild from the wal")
	}
	db.metricsCollector.Stop()
	if err := db.wal.Close(); err != nil {
		return errors.Wrap(errors.KindIO, "engine.close", "closing wal", err)
	}
	return nil
}

// StoreKeyCount satisfies metrics.Source: the total number of live
// (non-tombstoned) keys across every branch and every primitive.
func (db *Database) StoreKeyCount() int {
	return len(db.store.ScanPrefix(nil))
}

// Branches returns the cross-branch lifecycle manager (spec.md §4.9).
func (db *Database) Branches() *branch.Manager { return db.branches }

// KV returns the KV primitive facade scoped to branch.
func (db *Database) KV(branch storekey.BranchID) *kv.Facade {
	return kv.New(db.store, db.coordinator, branch)
}

// EventLog returns the Event primitive facade scoped to branch.
func (db *Database) EventLog(branch storekey.BranchID) *eventlog.Facade {
	return eventlog.New(db.store, db.coordinator, branch)
}

// StateCell returns the StateCell primitive facade scoped to branch.
func (db *Database) StateCell(branch storekey.BranchID) *statecell.Facade {
	return statecell.New(db.store, db.coordinator, branch)
}

// JSON returns the JSON document primitive facade scoped to branch.
func (db *Database) JSON(branch storekey.BranchID) *jsondoc.Facade {
	return jsondoc.New(db.store, db.coordinator, branch)
}

// Vector returns the Vector Subsystem facade scoped to branch.
func (db *Database) Vector(branch storekey.BranchID) *vector.Facade {
	return db.vectors.Facade(branch)
}

// WAL exposes the underlying write-ahead log directly, for maintenance
// tooling (e.g. the compact CLI command) that needs to enumerate segments
// rather than go through a primitive facade.
func (db *Database) WAL() *wal.WAL { return db.wal }

// Coordinator exposes the transaction coordinator directly, for callers
// that need a cross-primitive transaction (e.g. a caller composing a KV
// write and a StateCell transition atomically).
func (db *Database) Coordinator() *txn.Coordinator { return db.coordinator }

// CoordinatorMetrics returns a snapshot of the transaction coordinator's
// lifecycle counters (spec.md §4.4's txn_id/commit_version bookkeeping).
func (db *Database) CoordinatorMetrics() txn.Metrics { return db.coordinator.Metrics() }
