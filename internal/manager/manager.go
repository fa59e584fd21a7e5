// Package manager owns the set of TrackedWorkloads and drives their
// lifecycle: submission, scheduling ticks, node-reported transitions,
// operator cancellation, and log accumulation. It is the only writer of
// workload.Tracked state — the scheduler package only computes plans,
// it never mutates anything.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/scheduler"
	"github.com/clawbernetes/clawbernetes-sub007/internal/workload"
)

// Dispatcher delivers gateway->node commands through the session layer's
// per-session writer channel. Send failures are transient-I/O errors
// per §7: logged, never fatal to the scheduling pass.
type Dispatcher interface {
	StartWorkload(ctx context.Context, node ids.NodeID, w ids.WorkloadID, spec workload.Spec) error
	StopWorkload(ctx context.Context, node ids.NodeID, w ids.WorkloadID, gracePeriodSec int) error
}

// Checkpointer persists workload snapshots; implemented by
// internal/persistence.
type Checkpointer interface {
	Checkpoint(store string, snapshot []workload.View)
}

// EventPublisher fans out a cluster-state change to the dashboard's SSE
// stream. *handlers.EventBus satisfies this without needing an adapter.
type EventPublisher interface {
	Publish(kind string, data interface{})
}

// WorkloadStateEvent is published to the "workload_state" event stream
// whenever a tracked workload's state changes.
type WorkloadStateEvent struct {
	WorkloadID ids.WorkloadID `json:"workload_id"`
	State      workload.State `json:"state"`
	Reason     string         `json:"reason,omitempty"`
}

// Config tunes manager/scheduler behavior.
type Config struct {
	PreemptionEnabled    bool
	DefaultLogCapacity   int
	OfflineGracePeriod   time.Duration
	StopGracePeriodSec   int
	WorkloadRetention    time.Duration
}

// Manager is the workload lifecycle state machine plus scheduling loop.
type Manager struct {
	mu         sync.RWMutex
	workloads  map[ids.WorkloadID]*workload.Tracked
	registry   *registry.Registry
	dispatcher Dispatcher
	checkpoint Checkpointer
	events     EventPublisher
	cfg        Config

	schedMu sync.Mutex // serializes scheduling passes per §5
	pending bool        // a pass was requested while one was running
}

// New creates a Manager bound to a node registry and dispatcher.
func New(reg *registry.Registry, dispatcher Dispatcher, checkpoint Checkpointer, cfg Config) *Manager {
	if cfg.DefaultLogCapacity <= 0 {
		cfg.DefaultLogCapacity = 10000
	}
	if cfg.OfflineGracePeriod <= 0 {
		cfg.OfflineGracePeriod = 5 * time.Minute
	}
	if cfg.StopGracePeriodSec <= 0 {
		cfg.StopGracePeriodSec = 30
	}
	return &Manager{
		workloads:  make(map[ids.WorkloadID]*workload.Tracked),
		registry:   reg,
		dispatcher: dispatcher,
		checkpoint: checkpoint,
		cfg:        cfg,
	}
}

// SetEventPublisher wires the dashboard SSE fan-out in after
// construction, mirroring session.Server.SetManager's late-binding
// pattern. A nil publisher (the default) makes event publishing a no-op.
func (m *Manager) SetEventPublisher(p EventPublisher) { m.events = p }

func (m *Manager) publishState(id ids.WorkloadID, state workload.State, reason string) {
	if m.events == nil {
		return
	}
	go m.events.Publish("workload_state", WorkloadStateEvent{WorkloadID: id, State: state, Reason: reason})
}

// Submit accepts a new workload spec, stores it Pending, and triggers an
// async scheduling pass.
func (m *Manager) Submit(spec workload.Spec) (workload.View, error) {
	if err := spec.Validate(); err != nil {
		return workload.View{}, err
	}
	if spec.LogCapacity <= 0 {
		spec.LogCapacity = m.cfg.DefaultLogCapacity
	}

	t := workload.NewTracked(spec)

	m.mu.Lock()
	m.workloads[t.ID] = t
	m.mu.Unlock()

	m.checkpointAsync()
	m.publishState(t.ID, t.State, "")
	go m.RunSchedulerTick(context.Background())
	return t.Snapshot(), nil
}

// Get returns a point-in-time view of one workload.
func (m *Manager) Get(id ids.WorkloadID) (workload.View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.workloads[id]
	if !ok {
		return workload.View{}, false
	}
	return t.Snapshot(), true
}

// List returns every tracked workload, sorted by submit time.
func (m *Manager) List() []workload.View {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]workload.View, 0, len(m.workloads))
	for _, t := range m.workloads {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// ErrNotFound is returned by operations addressing an unknown workload.
type ErrNotFound struct{ ID ids.WorkloadID }

func (e ErrNotFound) Error() string { return fmt.Sprintf("workload %s not found", e.ID) }

// ErrInvalidState is returned when an operation is illegal for the
// workload's current state (e.g. cancelling a terminal workload).
type ErrInvalidState struct {
	ID    ids.WorkloadID
	State workload.State
	Op    string
}

func (e ErrInvalidState) Error() string {
	return fmt.Sprintf("workload %s: cannot %s from state %s", e.ID, e.Op, e.State)
}

// Cancel implements the operator-initiated stop per §4.3: Pending goes
// straight to Stopped with no node involvement; Running/Starting moves
// to Stopping and a StopWorkload is dispatched; terminal states reject.
func (m *Manager) Cancel(ctx context.Context, id ids.WorkloadID) error {
	m.mu.Lock()
	t, ok := m.workloads[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound{id}
	}

	switch t.State {
	case workload.Pending:
		t.State = workload.Stopped
		now := time.Now()
		t.FinishedAt = &now
		m.mu.Unlock()
		m.checkpointAsync()
		m.publishState(id, workload.Stopped, "cancelled")
		return nil
	case workload.Starting, workload.Running:
		t.State = workload.Stopping
		node := t.AssignedNode
		m.mu.Unlock()
		m.checkpointAsync()
		m.publishState(id, workload.Stopping, "cancelled")
		if node != nil {
			if err := m.dispatcher.StopWorkload(ctx, *node, id, m.cfg.StopGracePeriodSec); err != nil {
				slog.Warn("stop_workload dispatch failed", "workload", id, "node", *node, "error", err)
			}
		}
		return nil
	default:
		from := t.State
		m.mu.Unlock()
		return ErrInvalidState{ID: id, State: from, Op: "cancel"}
	}
}

// OnNodeUpdate applies a node-reported WorkloadUpdate per the §4.3
// transition graph. Illegal transitions are rejected rather than
// silently applied — see invariant 3.
func (m *Manager) OnNodeUpdate(id ids.WorkloadID, newState workload.State, message string, ts time.Time) error {
	m.mu.Lock()
	t, ok := m.workloads[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound{id}
	}

	if t.State.Terminal() {
		// Late report for a workload already in a terminal state: logged
		// and otherwise ignored, it never reopens a terminal workload.
		m.mu.Unlock()
		slog.Warn("late workload update after terminal state", "workload", id, "state", t.State, "reported", newState)
		return nil
	}

	if !workload.CanTransition(t.State, newState) {
		from := t.State
		m.mu.Unlock()
		return workload.ErrInvalidTransition{ID: id, From: from, To: newState}
	}

	t.State = newState
	switch newState {
	case workload.Running:
		if t.StartedAt == nil {
			t.StartedAt = &ts
		}
	case workload.Completed, workload.Failed, workload.Stopped:
		t.FinishedAt = &ts
	}
	m.mu.Unlock()

	m.checkpointAsync()
	m.publishState(id, newState, message)
	if newState.Terminal() {
		go m.RunSchedulerTick(context.Background())
	}
	return nil
}

// AppendLogs routes node-reported log lines into the workload's ring
// buffer.
func (m *Manager) AppendLogs(id ids.WorkloadID, lines []string, isStderr bool) error {
	m.mu.RLock()
	t, ok := m.workloads[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound{id}
	}
	t.AppendLogs(lines, isStderr)
	return nil
}

// Logs retrieves the most recent n lines of each stream (n<=0 means all
// retained): stderr only, or stdout's lines followed by stderr's.
func (m *Manager) Logs(id ids.WorkloadID, tail int, stderrOnly bool) ([]string, error) {
	m.mu.RLock()
	t, ok := m.workloads[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound{id}
	}
	if stderrOnly {
		return t.Stderr.Tail(tail), nil
	}
	out := append(t.Stdout.Tail(tail), t.Stderr.Tail(tail)...)
	return out, nil
}

// MarkOfflineNode handles a node going Offline while it has
// Starting/Running workloads: per §4.3 policy, the gateway does not
// aggressively reassign. Once the node has been offline (since
// offlineSince) for at least the configured grace period, its Starting
// and Running workloads are force-marked Failed with reason "node offline".
func (m *Manager) MarkOfflineNode(id ids.NodeID, offlineSince time.Time) {
	now := time.Now()
	if now.Sub(offlineSince) < m.cfg.OfflineGracePeriod {
		return
	}

	m.mu.Lock()
	var affected []ids.WorkloadID
	for _, t := range m.workloads {
		if t.AssignedNode == nil || *t.AssignedNode != id {
			continue
		}
		if t.State == workload.Running || t.State == workload.Starting {
			t.State = workload.Failed
			t.ScheduleFailure = "node offline"
			t.FinishedAt = &now
			affected = append(affected, t.ID)
		}
	}
	m.mu.Unlock()

	if len(affected) > 0 {
		slog.Info("workloads failed due to offline node past grace period", "node", id, "count", len(affected))
		m.checkpointAsync()
		for _, wid := range affected {
			m.publishState(wid, workload.Failed, "node offline")
		}
	}
}

// RunSchedulerTick performs one serialized scheduling pass (§5: "only
// one scheduling pass is in flight at a time; events arriving mid-pass
// trigger a subsequent pass").
func (m *Manager) RunSchedulerTick(ctx context.Context) {
	m.schedMu.Lock()
	defer func() {
		again := m.pending
		m.pending = false
		m.schedMu.Unlock()
		if again {
			m.RunSchedulerTick(ctx)
		}
	}()

	candidates := m.buildCandidates()
	pending := m.buildPending()

	assignments, failures := scheduler.Plan(candidates, pending)

	for _, a := range assignments {
		m.applyAssignment(ctx, a)
	}
	for _, f := range failures {
		m.applyFailure(f)
	}

	if m.cfg.PreemptionEnabled {
		m.runPreemptionPass(ctx, candidates, failures)
	}

	m.checkpointAsync()
}

// RequestSchedulerTick coalesces a tick request arriving while a pass is
// already running instead of queuing an unbounded number of goroutines.
func (m *Manager) RequestSchedulerTick(ctx context.Context) {
	if m.schedMu.TryLock() {
		m.schedMu.Unlock()
		go m.RunSchedulerTick(ctx)
		return
	}
	m.schedMu.Lock()
	m.pending = true
	m.schedMu.Unlock()
}

func (m *Manager) buildCandidates() []scheduler.CandidateNode {
	nodes := m.registry.HealthyNodes()
	m.mu.RLock()
	defer m.mu.RUnlock()

	used := make(map[ids.NodeID]struct {
		gpus   map[int]bool
		cpu    uint32
		memory uint64
	})
	for _, t := range m.workloads {
		if t.State != workload.Starting && t.State != workload.Running {
			continue
		}
		if t.AssignedNode == nil {
			continue
		}
		u := used[*t.AssignedNode]
		if u.gpus == nil {
			u.gpus = make(map[int]bool)
		}
		for _, g := range t.AssignedGPUs {
			u.gpus[g] = true
		}
		u.cpu += t.Spec.CPUCores
		u.memory += t.Spec.MemoryMiB
		used[*t.AssignedNode] = u
	}

	out := make([]scheduler.CandidateNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Draining {
			continue
		}
		u := used[n.ID]
		free := make([]int, 0, len(n.Capabilities.GPUs))
		for _, g := range n.Capabilities.GPUs {
			if !u.gpus[g.Index] {
				free = append(free, g.Index)
			}
		}
		sort.Ints(free)
		// A re-register with fewer GPUs than are assigned clamps free
		// capacity to max(0, count - assigned).
		keep := n.Capabilities.GPUCount() - len(u.gpus)
		if keep < 0 {
			keep = 0
		}
		if len(free) > keep {
			free = free[:keep]
		}

		conds := make(map[string]registry.ConditionStatus, len(n.Capabilities.Conditions))
		for _, c := range n.Capabilities.Conditions {
			conds[c.Type] = c.Status
		}

		freeCPU := int64(n.Capabilities.CPUCores) - int64(u.cpu)
		if freeCPU < 0 {
			freeCPU = 0
		}
		freeMem := int64(n.Capabilities.MemoryMiB) - int64(u.memory)
		if freeMem < 0 {
			freeMem = 0
		}

		out = append(out, scheduler.CandidateNode{
			ID:         n.ID,
			GPUTotal:   n.Capabilities.GPUCount(),
			FreeGPUs:   free,
			FreeCPU:    uint32(freeCPU),
			FreeMemory: uint64(freeMem),
			Labels:     n.Capabilities.Labels,
			Conditions: conds,
		})
	}
	return out
}

func (m *Manager) buildPending() []scheduler.Pending {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]scheduler.Pending, 0)
	for _, t := range m.workloads {
		if t.State == workload.Pending {
			out = append(out, scheduler.Pending{ID: t.ID, Spec: t.Spec, SubmittedAt: t.SubmittedAt})
		}
	}
	return out
}

func (m *Manager) buildRunning() []scheduler.RunningWorkload {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]scheduler.RunningWorkload, 0)
	for _, t := range m.workloads {
		if (t.State == workload.Running || t.State == workload.Starting) && t.AssignedNode != nil {
			out = append(out, scheduler.RunningWorkload{
				WorkloadID: t.ID,
				NodeID:     *t.AssignedNode,
				Priority:   t.Spec.Priority,
				GPUCount:   len(t.AssignedGPUs),
			})
		}
	}
	return out
}

func (m *Manager) applyAssignment(ctx context.Context, a scheduler.Assignment) {
	m.mu.Lock()
	t, ok := m.workloads[a.WorkloadID]
	if !ok || t.State != workload.Pending {
		m.mu.Unlock()
		return
	}
	t.State = workload.Starting
	node := a.NodeID
	t.AssignedNode = &node
	t.AssignedGPUs = a.GPUIndices
	t.ScheduleFailure = ""
	spec := t.Spec
	m.mu.Unlock()
	m.publishState(a.WorkloadID, workload.Starting, "")

	if err := m.dispatcher.StartWorkload(ctx, a.NodeID, a.WorkloadID, spec); err != nil {
		slog.Warn("start_workload dispatch failed, reverting to pending", "workload", a.WorkloadID, "node", a.NodeID, "error", err)
		m.mu.Lock()
		if t2, ok := m.workloads[a.WorkloadID]; ok && t2.State == workload.Starting {
			t2.State = workload.Pending
			t2.AssignedNode = nil
			t2.AssignedGPUs = nil
			t2.ScheduleFailure = "start_workload send failed: " + err.Error()
		}
		m.mu.Unlock()
	}
}

func (m *Manager) applyFailure(f scheduler.Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.workloads[f.WorkloadID]; ok && t.State == workload.Pending {
		t.ScheduleFailure = f.Reason
	}
}

func (m *Manager) runPreemptionPass(ctx context.Context, candidates []scheduler.CandidateNode, failures []scheduler.Failure) {
	if len(failures) == 0 {
		return
	}
	running := m.buildRunning()
	pending := m.buildPending()
	byID := make(map[ids.WorkloadID]scheduler.Pending, len(pending))
	for _, p := range pending {
		byID[p.ID] = p
	}

	for _, f := range failures {
		p, ok := byID[f.WorkloadID]
		if !ok {
			continue
		}
		preempt, ok := scheduler.PlanPreemption(candidates, running, p)
		if !ok {
			continue
		}
		m.mu.RLock()
		victim, vok := m.workloads[preempt.Victim]
		m.mu.RUnlock()
		if !vok {
			continue
		}
		slog.Info("preempting lower-priority workload", "victim", preempt.Victim, "for", preempt.ForPending, "node", preempt.OnNode)
		if err := m.Cancel(ctx, preempt.Victim); err != nil {
			slog.Warn("preemption cancel failed", "victim", preempt.Victim, "error", err)
			continue
		}
		_ = victim
	}
}

// GC removes terminal workloads older than the configured retention.
func (m *Manager) GC() int {
	cutoff := time.Now().Add(-m.cfg.WorkloadRetention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.workloads {
		if t.State.Terminal() && t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
			delete(m.workloads, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) checkpointAsync() {
	if m.checkpoint == nil {
		return
	}
	views := m.List()
	go m.checkpoint.Checkpoint("workloads", views)
}
