// Package registry is the authoritative directory of cluster nodes: their
// advertised capabilities, derived health, and draining flag. It is the
// structure the scheduler consults on every assignment pass.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
)

// ConditionStatus mirrors a Kubernetes-style tri-state condition.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// Condition is a named node condition, e.g. {"cuda-ready", True}.
type Condition struct {
	Type   string          `json:"type"`
	Status ConditionStatus `json:"status"`
}

// GpuCapability describes a single GPU advertised by a node. Index is
// node-local, 0..N, matching the order the node agent reports.
type GpuCapability struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	MemoryMiB uint64 `json:"memory_mib"`
	UUID      string `json:"uuid"`
}

// NodeCapabilities is the full resource and label surface a node
// advertises at registration time, refreshable via re-registration.
type NodeCapabilities struct {
	CPUCores   uint32            `json:"cpu_cores"`
	MemoryMiB  uint64            `json:"memory_mib"`
	GPUs       []GpuCapability   `json:"gpus"`
	Runtimes   []string          `json:"runtimes"`
	Labels     map[string]string `json:"labels"`
	Conditions []Condition       `json:"conditions"`
}

// GPUCount returns the number of advertised GPUs.
func (c NodeCapabilities) GPUCount() int { return len(c.GPUs) }

// TotalVRAMMiB returns the sum of all GPU memory — an invariant the
// source keeps in sync with the GPU list rather than storing separately.
func (c NodeCapabilities) TotalVRAMMiB() uint64 {
	var total uint64
	for _, g := range c.GPUs {
		total += g.MemoryMiB
	}
	return total
}

// ConditionStatus returns the status of a named condition, defaulting to
// Unknown when the node never reported it.
func (c NodeCapabilities) ConditionStatus(name string) ConditionStatus {
	for _, cond := range c.Conditions {
		if cond.Type == name {
			return cond.Status
		}
	}
	return ConditionUnknown
}

// HasLabels reports whether selector is a subset of c.Labels — every
// selector entry must match exactly.
func (c NodeCapabilities) HasLabels(selector map[string]string) bool {
	for k, v := range selector {
		if c.Labels[k] != v {
			return false
		}
	}
	return true
}

// Health is the derived liveness state of a node.
type Health string

const (
	HealthHealthy   Health = "Healthy"
	HealthUnhealthy Health = "Unhealthy"
	HealthOffline   Health = "Offline"
)

// SessionHandle is a weak reference to a node's live outbound writer. The
// registry never owns the session; it only checks whether the handle is
// still live to decide whether a node is Offline.
type SessionHandle interface {
	// Send enqueues an outbound gateway->node message, or returns an
	// error if the session has already closed.
	Send(v interface{}) error
	// Closed reports whether the underlying connection has terminated.
	Closed() bool
}

// RegisteredNode is the gateway's in-memory record of one cluster node.
type RegisteredNode struct {
	ID             ids.NodeID
	Name           string
	Capabilities   NodeCapabilities
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
	Draining       bool
	sessionHandle  SessionHandle
}

// Health derives the node's current health per §4.2: Offline if the
// session is gone, Unhealthy if stale, Healthy otherwise.
func (n *RegisteredNode) Health(now time.Time, heartbeatInterval time.Duration) Health {
	if n.sessionHandle == nil || n.sessionHandle.Closed() {
		return HealthOffline
	}
	if now.Sub(n.LastHeartbeat) > 2*heartbeatInterval {
		return HealthUnhealthy
	}
	return HealthHealthy
}

// HasSession reports whether the node currently owns a live session.
func (n *RegisteredNode) HasSession() bool {
	return n.sessionHandle != nil && !n.sessionHandle.Closed()
}

// Snapshot is an immutable, read-safe copy of a RegisteredNode for
// callers outside the registry's lock (scheduler, CLI handlers).
type Snapshot struct {
	ID            ids.NodeID
	Name          string
	Capabilities  NodeCapabilities
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Health        Health
	Draining      bool
	HasSession    bool
}

// ErrConflict is returned by Register when a node ID is already taken by
// a node with a different live session than the caller expects.
type ErrConflict struct{ NodeID ids.NodeID }

func (e ErrConflict) Error() string { return fmt.Sprintf("node %s already registered", e.NodeID) }

// ErrNotFound is returned by operations addressing an unknown node.
type ErrNotFound struct{ NodeID ids.NodeID }

func (e ErrNotFound) Error() string { return fmt.Sprintf("node %s not found", e.NodeID) }

// HealthSummary aggregates counts across the fleet.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Draining  int `json:"draining"`
	Offline   int `json:"offline"`
}

// Checkpointer persists a full registry snapshot; implemented by
// internal/persistence. Failures are logged by the registry and never
// propagated — durability is best-effort.
type Checkpointer interface {
	Checkpoint(store string, snapshot []Snapshot)
}

// EventPublisher fans out a cluster-state change to the dashboard's SSE
// stream. *handlers.EventBus satisfies this without needing an adapter.
type EventPublisher interface {
	Publish(kind string, data interface{})
}

// NodeHealthEvent is published to the "node_health" event stream on
// every registration, disconnect, and drain-state change.
type NodeHealthEvent struct {
	NodeID   ids.NodeID `json:"node_id"`
	Health   Health     `json:"health"`
	Draining bool       `json:"draining"`
}

// Registry is the authoritative, concurrency-safe node directory. All
// reads take the read lock; all mutations take the write lock briefly,
// per §4.2 — the scheduler must never hold this lock across an await.
type Registry struct {
	mu                sync.RWMutex
	nodes             map[ids.NodeID]*RegisteredNode
	heartbeatInterval time.Duration
	checkpoint        Checkpointer
	events            EventPublisher
}

// New creates an empty registry. heartbeatInterval feeds the health
// derivation formula (Unhealthy past 2x the interval).
func New(heartbeatInterval time.Duration, checkpoint Checkpointer) *Registry {
	return &Registry{
		nodes:             make(map[ids.NodeID]*RegisteredNode),
		heartbeatInterval: heartbeatInterval,
		checkpoint:        checkpoint,
	}
}

// SetEventPublisher wires the dashboard SSE fan-out in after
// construction, mirroring session.Server.SetManager's late-binding
// pattern. A nil publisher (the default) makes event publishing a no-op.
func (r *Registry) SetEventPublisher(p EventPublisher) { r.events = p }

// publishHealthLocked builds a NodeHealthEvent from n and publishes it
// asynchronously. Caller must already hold r.mu (read or write) — this
// never re-acquires it, so it is safe to call from within a locked
// section.
func (r *Registry) publishHealthLocked(n *RegisteredNode) {
	if r.events == nil {
		return
	}
	ev := NodeHealthEvent{NodeID: n.ID, Health: n.Health(time.Now(), r.heartbeatInterval), Draining: n.Draining}
	go r.events.Publish("node_health", ev)
}

// Register inserts a new node, or — if node exists but has no live
// session — refreshes it for the new session/capabilities (idempotent
// re-register after a transient disconnect, per §4.2 and invariant 8).
// A node with a *live* session is rejected with ErrConflict; per §4.1 a
// duplicate registration must close the new connection rather than
// silently replace the existing one.
func (r *Registry) Register(id ids.NodeID, name string, caps NodeCapabilities, session SessionHandle) (*RegisteredNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.nodes[id]; ok {
		if existing.HasSession() {
			return nil, ErrConflict{id}
		}
		existing.Name = name
		existing.Capabilities = caps
		existing.LastHeartbeat = now
		existing.sessionHandle = session
		r.checkpointLocked()
		r.publishHealthLocked(existing)
		return existing, nil
	}

	n := &RegisteredNode{
		ID:            id,
		Name:          name,
		Capabilities:  caps,
		RegisteredAt:  now,
		LastHeartbeat: now,
		sessionHandle: session,
	}
	r.nodes[id] = n
	r.checkpointLocked()
	r.publishHealthLocked(n)
	return n, nil
}

// OnHeartbeat refreshes last-seen time for a known node. Unknown nodes
// are a no-op — the caller is expected to log this.
func (r *Registry) OnHeartbeat(id ids.NodeID, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	n.LastHeartbeat = ts
	return true
}

// RefreshCapabilities updates a node's advertised capabilities (a
// capability-refresh message, distinct from full re-registration).
func (r *Registry) RefreshCapabilities(id ids.NodeID, caps NodeCapabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return ErrNotFound{id}
	}
	n.Capabilities = caps
	r.checkpointLocked()
	return nil
}

// OnSessionClosed drops the weak session reference so the node evaluates
// to Offline on the next health check, regardless of heartbeat age.
func (r *Registry) OnSessionClosed(id ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[id]; ok {
		n.sessionHandle = nil
		r.publishHealthLocked(n)
	}
}

// SetDraining cordons or uncordons a node.
func (r *Registry) SetDraining(id ids.NodeID, draining bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return ErrNotFound{id}
	}
	n.Draining = draining
	r.checkpointLocked()
	r.publishHealthLocked(n)
	return nil
}

func (r *Registry) snapshotLocked(n *RegisteredNode) Snapshot {
	return Snapshot{
		ID:            n.ID,
		Name:          n.Name,
		Capabilities:  n.Capabilities,
		RegisteredAt:  n.RegisteredAt,
		LastHeartbeat: n.LastHeartbeat,
		Health:        n.Health(time.Now(), r.heartbeatInterval),
		Draining:      n.Draining,
		HasSession:    n.HasSession(),
	}
}

// Get returns a point-in-time snapshot of one node.
func (r *Registry) Get(id ids.NodeID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(n), true
}

// List returns every node, sorted by ID for stable output.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, r.snapshotLocked(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// HealthyNodes returns nodes whose derived health is Healthy, regardless
// of draining — draining is an orthogonal flag per §4.2.
func (r *Registry) HealthyNodes() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		s := r.snapshotLocked(n)
		if s.Health == HealthHealthy {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// FindByLabels returns nodes of any health whose labels satisfy selector.
func (r *Registry) FindByLabels(selector map[string]string) []Snapshot {
	all := r.List()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		if s.Capabilities.HasLabels(selector) {
			out = append(out, s)
		}
	}
	return out
}

// HealthSummary aggregates fleet-wide counts.
func (r *Registry) HealthSummary() HealthSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sum HealthSummary
	now := time.Now()
	for _, n := range r.nodes {
		sum.Total++
		switch n.Health(now, r.heartbeatInterval) {
		case HealthHealthy:
			sum.Healthy++
		case HealthUnhealthy:
			sum.Unhealthy++
		case HealthOffline:
			sum.Offline++
		}
		if n.Draining {
			sum.Draining++
		}
	}
	return sum
}

// Sender returns the live session handle for a node, or false if none.
// Used by the session layer to dispatch StartWorkload/StopWorkload.
func (r *Registry) Sender(id ids.NodeID) (SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok || !n.HasSession() {
		return nil, false
	}
	return n.sessionHandle, true
}

func (r *Registry) checkpointLocked() {
	if r.checkpoint == nil {
		return
	}
	snaps := make([]Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		snaps = append(snaps, r.snapshotLocked(n))
	}
	go r.checkpoint.Checkpoint("nodes", snaps)
}
