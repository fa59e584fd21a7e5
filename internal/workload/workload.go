// Package workload holds the workload data model: the immutable spec a
// submission carries, the state machine a tracked workload moves
// through, and its bounded log buffers.
package workload

import (
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
)

// Spec is the immutable description of a unit of work, fixed at submit
// time per §3.
type Spec struct {
	Image         string            `json:"image"`
	Name          string            `json:"name,omitempty"`
	Command       []string          `json:"command,omitempty"`
	GPUCount      uint32            `json:"gpu_count"`
	CPUCores      uint32            `json:"cpu_cores"`
	MemoryMiB     uint64            `json:"memory_mib"`
	Env           map[string]string `json:"env,omitempty"`
	NodeSelector  map[string]string `json:"node_selector,omitempty"`
	Priority      int               `json:"priority"`
	LogCapacity   int               `json:"log_capacity,omitempty"`
	RequireConditions map[string]string `json:"require_conditions,omitempty"`
}

// Validate enforces the one required invariant on a spec: non-empty
// image. Everything else (zero GPU count, empty selector) is legal.
func (s Spec) Validate() error {
	if s.Image == "" {
		return ErrInvalidSpec{Reason: "image must not be empty"}
	}
	return nil
}

// ErrInvalidSpec is returned by submission when a spec fails validation.
type ErrInvalidSpec struct{ Reason string }

func (e ErrInvalidSpec) Error() string { return "invalid workload spec: " + e.Reason }

// State is a workload's position in the §4.3 lifecycle state machine.
type State string

const (
	Pending   State = "Pending"
	Starting  State = "Starting"
	Running   State = "Running"
	Stopping  State = "Stopping"
	Stopped   State = "Stopped"
	Completed State = "Completed"
	Failed    State = "Failed"
)

// Terminal reports whether a state has no further legal transitions.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Stopped:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates every edge of the §4.3 state graph. Any
// transition not listed here is a bug in the caller, not a workload
// that "skipped" a state.
var legalTransitions = map[State]map[State]bool{
	Pending:   {Pending: true, Starting: true, Stopped: true},
	Starting:  {Running: true, Failed: true, Stopping: true, Pending: true},
	Running:   {Completed: true, Failed: true, Stopping: true},
	Stopping:  {Stopped: true},
	Stopped:   {},
	Completed: {},
	Failed:    {},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// ErrInvalidTransition is returned whenever code attempts an illegal
// state change; surfaced to the operator with both named states.
type ErrInvalidTransition struct {
	ID       ids.WorkloadID
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return "workload " + e.ID.String() + ": illegal transition " + string(e.From) + " -> " + string(e.To)
}

// LogBuffer is a bounded FIFO ring of log lines; overflow drops the
// oldest line first, per §4.3.
type LogBuffer struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	start    int // index of oldest line in lines
	size     int // number of valid lines
	dropped  uint64
}

// NewLogBuffer allocates a ring buffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LogBuffer{lines: make([]string, capacity), capacity: capacity}
}

// Append adds lines to the buffer, dropping the oldest on overflow.
func (b *LogBuffer) Append(lines []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, line := range lines {
		idx := (b.start + b.size) % b.capacity
		if b.size < b.capacity {
			b.lines[idx] = line
			b.size++
		} else {
			b.lines[b.start] = line
			b.start = (b.start + 1) % b.capacity
			b.dropped++
		}
	}
}

// Tail returns up to n most recent lines (0 or negative means all
// retained lines).
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.size
	if n > 0 && n < count {
		count = n
	}
	out := make([]string, count)
	first := b.size - count
	for i := 0; i < count; i++ {
		idx := (b.start + first + i) % b.capacity
		out[i] = b.lines[idx]
	}
	return out
}

// Dropped reports how many lines have been evicted by overflow.
func (b *LogBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Tracked is the full mutable record of a submitted workload.
type Tracked struct {
	ID             ids.WorkloadID
	Spec           Spec
	State          State
	SubmittedAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	AssignedNode   *ids.NodeID
	AssignedGPUs   []int
	ScheduleFailure string

	Stdout *LogBuffer
	Stderr *LogBuffer
}

// NewTracked creates a freshly submitted workload in the Pending state.
func NewTracked(spec Spec) *Tracked {
	cap := spec.LogCapacity
	if cap <= 0 {
		cap = 10000
	}
	return &Tracked{
		ID:          ids.NewWorkloadID(),
		Spec:        spec,
		State:       Pending,
		SubmittedAt: time.Now(),
		Stdout:      NewLogBuffer(cap),
		Stderr:      NewLogBuffer(cap),
	}
}

// AppendLogs routes incoming log lines to the correct stream.
func (t *Tracked) AppendLogs(lines []string, isStderr bool) {
	if isStderr {
		t.Stderr.Append(lines)
	} else {
		t.Stdout.Append(lines)
	}
}

// View is a read-only copy of a Tracked workload safe to hand to callers
// outside the manager's lock.
type View struct {
	ID              ids.WorkloadID
	Spec            Spec
	State           State
	SubmittedAt     time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	AssignedNode    *ids.NodeID
	AssignedGPUs    []int
	ScheduleFailure string
}

// Snapshot returns an immutable View of the workload.
func (t *Tracked) Snapshot() View {
	gpus := make([]int, len(t.AssignedGPUs))
	copy(gpus, t.AssignedGPUs)
	return View{
		ID:              t.ID,
		Spec:            t.Spec,
		State:           t.State,
		SubmittedAt:     t.SubmittedAt,
		StartedAt:       t.StartedAt,
		FinishedAt:      t.FinishedAt,
		AssignedNode:    t.AssignedNode,
		AssignedGPUs:    gpus,
		ScheduleFailure: t.ScheduleFailure,
	}
}
