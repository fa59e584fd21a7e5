package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordStampsTimestampWhenZero(t *testing.T) {
	l := New(10, nil)
	l.Record(Entry{Action: "test", Subject: "x", Allowed: true})

	got := l.Tail(1)
	assert.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestTailReturnsMostRecentN(t *testing.T) {
	l := New(10, nil)
	for _, a := range []string{"a", "b", "c"} {
		l.Record(Entry{Action: a})
	}

	got := l.Tail(2)
	assert.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Action)
	assert.Equal(t, "c", got[1].Action)
}

func TestCapacityBoundaryDropsOldest(t *testing.T) {
	l := New(3, nil)
	for _, a := range []string{"1", "2", "3", "4", "5"} {
		l.Record(Entry{Action: a})
	}

	got := l.Tail(0)
	require := assert.New(t)
	require.Len(got, 3)
	require.Equal([]string{"3", "4", "5"}, []string{got[0].Action, got[1].Action, got[2].Action})
}
