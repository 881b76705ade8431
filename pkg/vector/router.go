package vector

import (
	"sync"

	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/wal"
)

// Router owns one Facade per branch and satisfies recovery.VectorHandler by
// decoding each record's branch id and dispatching to that branch's Facade —
// the engine hands a single Router to recovery.Options rather than one
// handler per branch, since branches aren't known until their own WAL
// records are replayed.
type Router struct {
	store       *store.Store
	coordinator *txn.Coordinator

	mu      sync.Mutex
	facades map[storekey.BranchID]*Facade
}

// NewRouter builds an empty Router. Facades are created lazily, on first
// reference (live or replayed), since no fixed branch set exists up front.
func NewRouter(st *store.Store, coordinator *txn.Coordinator) *Router {
	return &Router{store: st, coordinator: coordinator, facades: make(map[storekey.BranchID]*Facade)}
}

// SetCoordinator rebinds the Router (and every Facade it has already
// created) to coordinator. The engine builds a Router before the
// transaction coordinator exists, so WAL replay can populate branch
// collections through it; once replay finishes and the real coordinator
// (with its commit version counter advanced past the replayed log) is
// built, the engine calls this once before any live traffic reaches the
// Router.
func (r *Router) SetCoordinator(coordinator *txn.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coordinator = coordinator
	for _, f := range r.facades {
		f.coordinator = coordinator
	}
}

// Facade returns the vector Facade for branch, creating it on first use.
func (r *Router) Facade(branch storekey.BranchID) *Facade {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.facades[branch]
	if !ok {
		f = New(r.store, r.coordinator, branch)
		r.facades[branch] = f
	}
	return f
}

// FreezeAll snapshots every branch's collections to disk under heapDir and
// graphsDir (spec.md §4.8.5). Intended to run on a clean shutdown, after any
// live traffic has stopped.
func (r *Router) FreezeAll(heapDir, graphsDir string) error {
	r.mu.Lock()
	facades := make([]*Facade, 0, len(r.facades))
	for _, f := range r.facades {
		facades = append(facades, f)
	}
	r.mu.Unlock()

	for _, f := range facades {
		if err := f.FreezeAll(heapDir, graphsDir); err != nil {
			return err
		}
	}
	return nil
}

// ReloadFrozen attempts to swap every known branch's freshly-replayed
// collections for their frozen-and-still-valid counterparts on disk. Called
// once after recovery.Replay has finished populating the Router.
func (r *Router) ReloadFrozen(heapDir, graphsDir string) error {
	r.mu.Lock()
	facades := make([]*Facade, 0, len(r.facades))
	for _, f := range r.facades {
		facades = append(facades, f)
	}
	r.mu.Unlock()

	for _, f := range facades {
		if err := f.ReloadFrozen(heapDir, graphsDir); err != nil {
			return err
		}
	}
	return nil
}

// DropBranch discards a branch's Facade entirely, used by cascading branch
// delete (spec.md §4.9) so a deleted branch's collections don't linger
// in-memory under a name that could be reused by a future branch.
func (r *Router) DropBranch(branch storekey.BranchID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.facades, branch)
}

func (r *Router) ReplayCollectionCreate(payload []byte) error {
	rec, err := wal.DecodeVectorCollectionCreate(payload)
	if err != nil {
		return err
	}
	r.Facade(rec.Branch).replayCollectionCreate(rec)
	return nil
}

func (r *Router) ReplayCollectionDelete(payload []byte) error {
	rec, err := wal.DecodeVectorCollectionDelete(payload)
	if err != nil {
		return err
	}
	r.Facade(rec.Branch).replayCollectionDelete(rec.Name)
	return nil
}

func (r *Router) ReplayUpsert(payload []byte) error {
	rec, err := wal.DecodeVectorUpsert(payload)
	if err != nil {
		return err
	}
	return r.Facade(rec.Branch).replayUpsert(rec)
}

func (r *Router) ReplayDelete(payload []byte) error {
	rec, err := wal.DecodeVectorDelete(payload)
	if err != nil {
		return err
	}
	return r.Facade(rec.Branch).replayDelete(rec)
}
