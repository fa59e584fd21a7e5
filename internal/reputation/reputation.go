// Package reputation tracks per-node marketplace trust as a Bayesian
// success counter, per §4.4. It holds no knowledge of escrow or order
// matching — it only answers "how reliable has this node been" and
// records outcomes fed to it by the escrow state machine.
package reputation

import (
	"sync"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
)

// Record is one node's accumulated outcome history.
type Record struct {
	NodeID     ids.NodeID
	Successes  uint64
	Failures   uint64
}

// Score returns the Bayesian-smoothed success rate in [0, 1]:
// (successes+1) / (successes+failures+2). A node with no history scores
// 0.5, neither trusted nor distrusted.
func (r Record) Score() float64 {
	return float64(r.Successes+1) / float64(r.Successes+r.Failures+2)
}

// Checkpointer persists reputation snapshots.
type Checkpointer interface {
	Checkpoint(store string, snapshot []Record)
}

// Tracker is the concurrency-safe reputation ledger.
type Tracker struct {
	mu         sync.RWMutex
	records    map[ids.NodeID]*Record
	defaultPts int
	checkpoint Checkpointer
}

// New creates an empty tracker. defaultReputation is stored but not
// read: Score() is always derived from the counts, never stored directly.
func New(defaultReputation int, checkpoint Checkpointer) *Tracker {
	return &Tracker{
		records:    make(map[ids.NodeID]*Record),
		defaultPts: defaultReputation,
		checkpoint: checkpoint,
	}
}

// Get returns a node's current record, or a zero-history record for an
// untracked node without storing it.
func (t *Tracker) Get(id ids.NodeID) Record {
	t.mu.RLock()
	r, ok := t.records[id]
	t.mu.RUnlock()
	if ok {
		return *r
	}
	return Record{NodeID: id}
}

// RecordSuccess credits a node for a successfully released escrow.
func (t *Tracker) RecordSuccess(id ids.NodeID) {
	t.mu.Lock()
	r := t.getOrCreateLocked(id)
	r.Successes++
	t.mu.Unlock()
	t.checkpointAsync()
}

// RecordFailure debits a node for an escrow refunded after funding.
func (t *Tracker) RecordFailure(id ids.NodeID) {
	t.mu.Lock()
	r := t.getOrCreateLocked(id)
	r.Failures++
	t.mu.Unlock()
	t.checkpointAsync()
}

func (t *Tracker) getOrCreateLocked(id ids.NodeID) *Record {
	r, ok := t.records[id]
	if !ok {
		r = &Record{NodeID: id}
		t.records[id] = r
	}
	return r
}

// All returns every tracked record, used for checkpointing and the
// dashboard reputation listing.
func (t *Tracker) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

func (t *Tracker) checkpointAsync() {
	if t.checkpoint == nil {
		return
	}
	go t.checkpoint.Checkpoint("reputation", t.All())
}
