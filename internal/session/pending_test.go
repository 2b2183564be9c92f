package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRegisterAndResolve(t *testing.T) {
	r := NewPendingRegistry(4)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var got CallOutcome
	err := r.Register("m1", "Heartbeat", now, now.Add(30*time.Second), func(o CallOutcome) { got = o })
	require.Nil(t, err)
	assert.Equal(t, 1, r.Len())

	action, ok := r.Resolve("m1", CallOutcome{Payload: []byte(`{}`)}, now.Add(100*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, "Heartbeat", action)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 100*time.Millisecond, got.RTT)
}

func TestPendingRejectsDuplicateID(t *testing.T) {
	r := NewPendingRegistry(4)
	now := time.Now()

	require.Nil(t, r.Register("m1", "Heartbeat", now, now.Add(time.Minute), func(CallOutcome) {}))
	err := r.Register("m1", "Heartbeat", now, now.Add(time.Minute), func(CallOutcome) {})
	require.NotNil(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestPendingLimit(t *testing.T) {
	r := NewPendingRegistry(2)
	now := time.Now()

	require.Nil(t, r.Register("m1", "A", now, now.Add(time.Minute), func(CallOutcome) {}))
	require.Nil(t, r.Register("m2", "B", now, now.Add(time.Minute), func(CallOutcome) {}))

	err := r.Register("m3", "C", now, now.Add(time.Minute), func(CallOutcome) {})
	require.NotNil(t, err)
	assert.Equal(t, KindTooManyPending, err.Kind)
}

func TestPendingSweepTimesOut(t *testing.T) {
	r := NewPendingRegistry(4)
	now := time.Now()

	var outcome CallOutcome
	require.Nil(t, r.Register("m1", "Heartbeat", now, now.Add(time.Second), func(o CallOutcome) { outcome = o }))
	require.Nil(t, r.Register("m2", "MeterValues", now, now.Add(time.Minute), func(CallOutcome) {}))

	timedOut := r.Sweep(now.Add(2 * time.Second))
	assert.Equal(t, []string{"Heartbeat"}, timedOut)
	assert.Equal(t, 1, r.Len())
	require.NotNil(t, outcome.Err)
	assert.Equal(t, KindCallTimeout, outcome.Err.Kind)
}

func TestPendingResolveUnknownID(t *testing.T) {
	r := NewPendingRegistry(4)
	_, ok := r.Resolve("nope", CallOutcome{}, time.Now())
	assert.False(t, ok)
}

func TestPendingFailAll(t *testing.T) {
	r := NewPendingRegistry(4)
	now := time.Now()

	outcomes := make([]CallOutcome, 0, 2)
	deliver := func(o CallOutcome) { outcomes = append(outcomes, o) }
	require.Nil(t, r.Register("m1", "A", now, now.Add(time.Minute), deliver))
	require.Nil(t, r.Register("m2", "B", now, now.Add(time.Minute), deliver))

	r.FailAll(KindCancelled, "session closed")
	assert.Equal(t, 0, r.Len())
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.NotNil(t, o.Err)
		assert.Equal(t, KindCancelled, o.Err.Kind)
	}
}
