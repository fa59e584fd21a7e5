package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, Spec{Image: "nginx"}.Validate())

	err := Spec{}.Validate()
	assert.Error(t, err)
	assert.IsType(t, ErrInvalidSpec{}, err)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, Stopped.Terminal())
	assert.False(t, Pending.Terminal())
	assert.False(t, Running.Terminal())
}

func TestCanTransitionHappyPath(t *testing.T) {
	assert.True(t, CanTransition(Pending, Starting))
	assert.True(t, CanTransition(Starting, Running))
	assert.True(t, CanTransition(Running, Completed))
	assert.True(t, CanTransition(Running, Failed))
}

func TestCanTransitionCancellation(t *testing.T) {
	assert.True(t, CanTransition(Pending, Stopped))
	assert.True(t, CanTransition(Running, Stopping))
	assert.True(t, CanTransition(Starting, Stopping))
	assert.True(t, CanTransition(Stopping, Stopped))
}

func TestCanTransitionRejectsIllegalEdges(t *testing.T) {
	assert.False(t, CanTransition(Completed, Running))
	assert.False(t, CanTransition(Stopped, Pending))
	assert.False(t, CanTransition(Pending, Completed))
	assert.False(t, CanTransition(Running, Pending))
}

func TestLogBufferOverflowDropsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	b.Append([]string{"a", "b", "c", "d", "e"})

	assert.Equal(t, []string{"c", "d", "e"}, b.Tail(0))
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestLogBufferTailCapsAtRequestedN(t *testing.T) {
	b := NewLogBuffer(10)
	b.Append([]string{"a", "b", "c"})

	assert.Equal(t, []string{"b", "c"}, b.Tail(2))
	assert.Equal(t, []string{"a", "b", "c"}, b.Tail(100))
}

func TestNewTrackedStartsPending(t *testing.T) {
	tr := NewTracked(Spec{Image: "cuda-app", GPUCount: 1})
	assert.Equal(t, Pending, tr.State)
	assert.False(t, tr.ID.IsZero())
	assert.NotNil(t, tr.Stdout)
	assert.NotNil(t, tr.Stderr)
}

func TestTrackedSnapshotIsIndependentCopy(t *testing.T) {
	tr := NewTracked(Spec{Image: "cuda-app"})
	tr.AssignedGPUs = []int{0, 1}

	v := tr.Snapshot()
	v.AssignedGPUs[0] = 99

	assert.Equal(t, 0, tr.AssignedGPUs[0], "mutating the view must not mutate the tracked workload")
}

func TestAppendLogsRoutesByStream(t *testing.T) {
	tr := NewTracked(Spec{Image: "x"})
	tr.AppendLogs([]string{"out1"}, false)
	tr.AppendLogs([]string{"err1"}, true)

	assert.Equal(t, []string{"out1"}, tr.Stdout.Tail(0))
	assert.Equal(t, []string{"err1"}, tr.Stderr.Tail(0))
}
