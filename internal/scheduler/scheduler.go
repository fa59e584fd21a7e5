// Package scheduler implements the pure fit-and-capacity assignment
// algorithm described in §4.3. It never touches the registry or the
// workload manager's locks directly — callers snapshot candidate nodes
// and pending workloads, call Plan, and apply the resulting decisions
// themselves. This keeps the algorithm deterministic and unit-testable
// without a live gateway.
package scheduler

import (
	"sort"
	"strconv"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/workload"
)

// CandidateNode is a scheduler-facing view of one node's free capacity,
// already net of everything Starting/Running on it.
type CandidateNode struct {
	ID           ids.NodeID
	GPUTotal     int
	FreeGPUs     []int // sorted, ascending, node-local indices still free
	FreeCPU      uint32
	FreeMemory   uint64
	Labels       map[string]string
	Conditions   map[string]registry.ConditionStatus
}

// Pending is a scheduler-facing view of one workload awaiting placement.
type Pending struct {
	ID          ids.WorkloadID
	Spec        workload.Spec
	SubmittedAt time.Time
}

// Assignment is a successful placement decision.
type Assignment struct {
	WorkloadID ids.WorkloadID
	NodeID     ids.NodeID
	GPUIndices []int
}

// Failure records why a workload could not be placed this pass.
type Failure struct {
	WorkloadID ids.WorkloadID
	Reason     string
}

// RunningWorkload is a scheduler-facing view of a Starting/Running
// workload already consuming resources, used by the preemption pass.
type RunningWorkload struct {
	WorkloadID ids.WorkloadID
	NodeID     ids.NodeID
	Priority   int
	GPUCount   int
}

// Preemption is a decision to stop a lower-priority running workload so
// a higher-priority pending one can later be scheduled.
type Preemption struct {
	Victim  ids.WorkloadID
	OnNode  ids.NodeID
	ForPending ids.WorkloadID
}

// Plan runs one scheduling pass: every pending workload is considered in
// priority-then-FIFO order (§4.3 step 3), against the first candidate
// node satisfying all of its requirements. Candidates are mutated in
// place as GPUs/CPU/memory are consumed by earlier assignments in the
// same pass, since a later workload must not double-book a node that an
// earlier one in this same pass just filled.
func Plan(candidates []CandidateNode, pending []Pending) ([]Assignment, []Failure) {
	ordered := make([]Pending, len(pending))
	copy(ordered, pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := ordered[i].Spec.Priority, ordered[j].Spec.Priority
		if pi != pj {
			return pi > pj // higher priority first
		}
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})

	// work on a mutable copy so consumption within this pass is visible
	// to subsequent workloads but never leaks back to the caller's view.
	nodes := make([]CandidateNode, len(candidates))
	for i, c := range candidates {
		nodes[i] = c
		nodes[i].FreeGPUs = append([]int(nil), c.FreeGPUs...)
	}

	var assignments []Assignment
	var failures []Failure

	for _, p := range ordered {
		idx := firstFit(nodes, p.Spec)
		if idx < 0 {
			failures = append(failures, Failure{WorkloadID: p.ID, Reason: reasonForNoFit(nodes, p.Spec)})
			continue
		}
		node := &nodes[idx]
		gpus := append([]int(nil), node.FreeGPUs[:p.Spec.GPUCount]...)
		node.FreeGPUs = node.FreeGPUs[p.Spec.GPUCount:]
		node.FreeCPU -= p.Spec.CPUCores
		node.FreeMemory -= p.Spec.MemoryMiB

		assignments = append(assignments, Assignment{
			WorkloadID: p.ID,
			NodeID:     node.ID,
			GPUIndices: gpus,
		})
	}

	return assignments, failures
}

func firstFit(nodes []CandidateNode, spec workload.Spec) int {
	for i := range nodes {
		n := &nodes[i]
		if uint32(len(n.FreeGPUs)) < spec.GPUCount {
			continue
		}
		if n.FreeCPU < spec.CPUCores {
			continue
		}
		if n.FreeMemory < spec.MemoryMiB {
			continue
		}
		if !labelsSatisfy(spec.NodeSelector, n.Labels) {
			continue
		}
		if !conditionsSatisfy(spec.RequireConditions, n.Conditions) {
			continue
		}
		return i
	}
	return -1
}

func labelsSatisfy(selector, labels map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func conditionsSatisfy(required map[string]string, have map[string]registry.ConditionStatus) bool {
	for k, v := range required {
		if string(have[k]) != v {
			return false
		}
	}
	return true
}

func reasonForNoFit(nodes []CandidateNode, spec workload.Spec) string {
	if len(nodes) == 0 {
		return "no healthy, non-draining nodes available"
	}
	maxGPUs := 0
	for _, n := range nodes {
		if len(n.FreeGPUs) > maxGPUs {
			maxGPUs = len(n.FreeGPUs)
		}
	}
	if uint32(maxGPUs) < spec.GPUCount {
		return fmtReason(spec.GPUCount, maxGPUs)
	}
	if len(spec.NodeSelector) > 0 {
		return "no node satisfies node_selector"
	}
	return "no node has sufficient free CPU/memory"
}

func fmtReason(want uint32, have int) string {
	return "no node has >= " + strconv.Itoa(int(want)) + " free GPUs (best available: " + strconv.Itoa(have) + ")"
}

// PlanPreemption looks, node by node, for lower-priority running
// workloads whose GPUs, added lowest priority first to the node's free
// GPUs, cover the pending workload's GPU count. It returns one victim:
// the workload at which that running total first suffices, so when more
// than one victim is needed the others are left for later passes. Only
// GPUs are counted. It never preempts equal or higher priority work (§4.3,
// "Preemption is never automatic for equal or higher priorities").
// Returns the empty value and false when no victim qualifies.
func PlanPreemption(candidates []CandidateNode, running []RunningWorkload, p Pending) (Preemption, bool) {
	byNode := make(map[ids.NodeID][]RunningWorkload)
	for _, r := range running {
		if r.Priority < p.Spec.Priority {
			byNode[r.NodeID] = append(byNode[r.NodeID], r)
		}
	}

	for _, c := range candidates {
		victims := byNode[c.ID]
		if len(victims) == 0 {
			continue
		}
		sort.Slice(victims, func(i, j int) bool { return victims[i].Priority < victims[j].Priority })
		freeGPUs := len(c.FreeGPUs)
		for _, v := range victims {
			if freeGPUs+v.GPUCount >= int(p.Spec.GPUCount) {
				return Preemption{Victim: v.WorkloadID, OnNode: c.ID, ForPending: p.ID}, true
			}
			freeGPUs += v.GPUCount
		}
	}
	return Preemption{}, false
}
