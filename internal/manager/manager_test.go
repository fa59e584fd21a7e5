package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/workload"
)

type fakeSession struct{}

func (fakeSession) Send(v interface{}) error { return nil }
func (fakeSession) Closed() bool             { return false }

type recordingDispatcher struct {
	mu      sync.Mutex
	started []ids.WorkloadID
	stopped []ids.WorkloadID
	failStart bool
}

func (d *recordingDispatcher) StartWorkload(ctx context.Context, node ids.NodeID, w ids.WorkloadID, spec workload.Spec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failStart {
		return assert.AnError
	}
	d.started = append(d.started, w)
	return nil
}

func (d *recordingDispatcher) StopWorkload(ctx context.Context, node ids.NodeID, w ids.WorkloadID, gracePeriodSec int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, w)
	return nil
}

func (d *recordingDispatcher) sawStart(w ids.WorkloadID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.started {
		if s == w {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *recordingDispatcher) {
	t.Helper()
	reg := registry.New(10*time.Second, nil)
	disp := &recordingDispatcher{}
	mgr := New(reg, disp, nil, Config{})
	return mgr, reg, disp
}

func registerNode(t *testing.T, reg *registry.Registry, gpus int, cpu uint32, memMiB uint64) ids.NodeID {
	t.Helper()
	id := ids.NewNodeID()
	gpuList := make([]registry.GpuCapability, gpus)
	for i := range gpuList {
		gpuList[i] = registry.GpuCapability{Index: i, Name: "gpu", MemoryMiB: 16 << 10}
	}
	_, err := reg.Register(id, "n", registry.NodeCapabilities{
		CPUCores: cpu, MemoryMiB: memMiB, GPUs: gpuList,
	}, fakeSession{})
	require.NoError(t, err)
	return id
}

// Scenario 1 — single workload happy path (spec §8).
func TestScenario1HappyPath(t *testing.T) {
	mgr, reg, disp := newTestManager(t)
	node := registerNode(t, reg, 4, 32, 64<<10)

	v, err := mgr.Submit(workload.Spec{Image: "cuda-app", GPUCount: 1, CPUCores: 4, MemoryMiB: 8192})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return disp.sawStart(v.ID) }, time.Second, time.Millisecond)

	got, ok := mgr.Get(v.ID)
	require.True(t, ok)
	assert.Equal(t, workload.Starting, got.State)
	assert.Equal(t, node, *got.AssignedNode)
	assert.Equal(t, []int{0}, got.AssignedGPUs)

	require.NoError(t, mgr.OnNodeUpdate(v.ID, workload.Running, "", time.Now()))
	got, _ = mgr.Get(v.ID)
	assert.Equal(t, workload.Running, got.State)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, mgr.OnNodeUpdate(v.ID, workload.Completed, "", time.Now()))
	got, _ = mgr.Get(v.ID)
	assert.Equal(t, workload.Completed, got.State)
	assert.NotNil(t, got.FinishedAt)
}

// Scenario 2 — insufficient resources (spec §8).
func TestScenario2InsufficientResources(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	registerNode(t, reg, 2, 32, 64<<10)

	big, err := mgr.Submit(workload.Spec{Image: "x", GPUCount: 4})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := mgr.Get(big.ID)
		return v.ScheduleFailure != ""
	}, time.Second, time.Millisecond)

	v, _ := mgr.Get(big.ID)
	assert.Equal(t, workload.Pending, v.State)
	assert.Contains(t, v.ScheduleFailure, "4")

	small, err := mgr.Submit(workload.Spec{Image: "y", GPUCount: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := mgr.Get(small.ID)
		return v.State == workload.Starting
	}, time.Second, time.Millisecond)

	v, _ = mgr.Get(big.ID)
	assert.Equal(t, workload.Pending, v.State, "first workload remains pending")
}

func TestCancelPendingGoesDirectlyToStopped(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	// no nodes registered, so submission stays Pending
	v, err := mgr.Submit(workload.Spec{Image: "x", GPUCount: 1})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(context.Background(), v.ID))

	got, _ := mgr.Get(v.ID)
	assert.Equal(t, workload.Stopped, got.State)
}

func TestCancelTerminalWorkloadIsInvalidState(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	v, err := mgr.Submit(workload.Spec{Image: "x", GPUCount: 1})
	require.NoError(t, err)
	require.NoError(t, mgr.Cancel(context.Background(), v.ID)) // -> Stopped

	err = mgr.Cancel(context.Background(), v.ID)
	assert.IsType(t, ErrInvalidState{}, err)
}

func TestCancelRunningDispatchesStopWorkload(t *testing.T) {
	mgr, reg, disp := newTestManager(t)
	registerNode(t, reg, 1, 4, 1024)

	v, err := mgr.Submit(workload.Spec{Image: "x", GPUCount: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.sawStart(v.ID) }, time.Second, time.Millisecond)
	require.NoError(t, mgr.OnNodeUpdate(v.ID, workload.Running, "", time.Now()))

	require.NoError(t, mgr.Cancel(context.Background(), v.ID))

	got, _ := mgr.Get(v.ID)
	assert.Equal(t, workload.Stopping, got.State)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Contains(t, disp.stopped, v.ID)
}

func TestOnNodeUpdateRejectsIllegalTransition(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	v, err := mgr.Submit(workload.Spec{Image: "x"})
	require.NoError(t, err)

	err = mgr.OnNodeUpdate(v.ID, workload.Completed, "", time.Now())
	assert.IsType(t, workload.ErrInvalidTransition{}, err)
}

func TestOnNodeUpdateAfterTerminalIsLoggedNotReopened(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	v, err := mgr.Submit(workload.Spec{Image: "x"})
	require.NoError(t, err)
	require.NoError(t, mgr.Cancel(context.Background(), v.ID)) // Pending -> Stopped

	err = mgr.OnNodeUpdate(v.ID, workload.Running, "late", time.Now())
	assert.NoError(t, err)

	got, _ := mgr.Get(v.ID)
	assert.Equal(t, workload.Stopped, got.State)
}

func TestMarkOfflineNodeFailsRunningWorkloadsAfterGrace(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	disp := &recordingDispatcher{}
	mgr := New(reg, disp, nil, Config{OfflineGracePeriod: 10 * time.Millisecond})
	node := registerNode(t, reg, 1, 4, 1024)

	v, err := mgr.Submit(workload.Spec{Image: "x", GPUCount: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.sawStart(v.ID) }, time.Second, time.Millisecond)
	require.NoError(t, mgr.OnNodeUpdate(v.ID, workload.Running, "", time.Now()))

	mgr.MarkOfflineNode(node, time.Now().Add(-time.Second))

	got, _ := mgr.Get(v.ID)
	assert.Equal(t, workload.Failed, got.State)
	assert.Equal(t, "node offline", got.ScheduleFailure)
}

func TestStartWorkloadSendFailureRevertsToPending(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	disp := &recordingDispatcher{failStart: true}
	mgr := New(reg, disp, nil, Config{})
	registerNode(t, reg, 1, 4, 1024)

	v, err := mgr.Submit(workload.Spec{Image: "x", GPUCount: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := mgr.Get(v.ID)
		return got.State == workload.Pending && got.ScheduleFailure != ""
	}, time.Second, time.Millisecond)
}

func TestLogBufferCapacityBoundary(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	v, err := mgr.Submit(workload.Spec{Image: "x", LogCapacity: 3})
	require.NoError(t, err)

	require.NoError(t, mgr.AppendLogs(v.ID, []string{"1", "2", "3", "4", "5"}, false))

	lines, err := mgr.Logs(v.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, lines)
}

func TestGCRemovesOldTerminalWorkloads(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.cfg.WorkloadRetention = time.Millisecond

	v, err := mgr.Submit(workload.Spec{Image: "x"})
	require.NoError(t, err)
	require.NoError(t, mgr.Cancel(context.Background(), v.ID))

	time.Sleep(5 * time.Millisecond)
	removed := mgr.GC()
	assert.Equal(t, 1, removed)

	_, ok := mgr.Get(v.ID)
	assert.False(t, ok)
}
