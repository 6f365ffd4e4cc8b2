package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampCompare(t *testing.T) {
	a := Timestamp{Millis: 100, Counter: 0, NodeID: "a"}
	b := Timestamp{Millis: 100, Counter: 1, NodeID: "a"}
	c := Timestamp{Millis: 200, Counter: 0, NodeID: "a"}
	d := Timestamp{Millis: 100, Counter: 0, NodeID: "b"}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, -1, a.Compare(c))
	assert.Equal(t, -1, a.Compare(d))
	assert.Equal(t, 1, c.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, c.After(a))
	assert.True(t, a.Before(d))
}

func TestTimestampWireForm(t *testing.T) {
	ts := Timestamp{Millis: 1234, Counter: 7, NodeID: "node-1"}
	assert.Equal(t, "1234:7:node-1", ts.String())

	parsed, err := Parse("1234:7:node-1")
	require.NoError(t, err)
	assert.Equal(t, ts, parsed)

	_, err = Parse("garbage")
	assert.Error(t, err)
	_, err = Parse("x:0:n")
	assert.Error(t, err)
}

func TestNowMonotonicWithFrozenClock(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{})

	prev := h.Now()
	for i := 0; i < 50; i++ {
		next := h.Now()
		assert.True(t, next.After(prev), "Now must be strictly increasing")
		prev = next
	}
	// Frozen wall clock forces the counter to carry monotonicity.
	assert.Equal(t, uint64(1000), prev.Millis)
	assert.Equal(t, uint32(50), prev.Counter)
}

func TestNowAdvancesWithWallClock(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{})

	first := h.Now()
	clock.Set(2000)
	second := h.Now()

	assert.Equal(t, uint64(1000), first.Millis)
	assert.Equal(t, uint64(2000), second.Millis)
	assert.Equal(t, uint32(0), second.Counter)
}

func TestUpdateAdvancesPastRemote(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{})

	remote := Timestamp{Millis: 5000, Counter: 3, NodeID: "b"}
	require.NoError(t, h.Update(remote))

	next := h.Now()
	assert.True(t, next.After(remote), "Now after Update must exceed the remote")
	assert.Equal(t, uint64(5000), next.Millis)
}

func TestUpdateSameMillisMergesCounters(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{})
	h.Now() // state (1000, 0)

	require.NoError(t, h.Update(Timestamp{Millis: 1000, Counter: 9, NodeID: "b"}))
	next := h.Now()
	assert.Equal(t, uint64(1000), next.Millis)
	assert.Greater(t, next.Counter, uint32(9))
}

func TestUpdateWallAheadResetsCounter(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{})
	h.Now()

	clock.Set(9000)
	require.NoError(t, h.Update(Timestamp{Millis: 2000, Counter: 5, NodeID: "b"}))
	next := h.Now()
	assert.Equal(t, uint64(9000), next.Millis)
	assert.Equal(t, uint32(1), next.Counter)
}

func TestUpdateDriftStrict(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{MaxDriftMillis: 60_000, Strict: true})

	err := h.Update(Timestamp{Millis: 1000 + 60_001, Counter: 0, NodeID: "b"})
	assert.Error(t, err)

	// At exactly the bound the remote is still acceptable.
	err = h.Update(Timestamp{Millis: 1000 + 60_000, Counter: 0, NodeID: "b"})
	assert.NoError(t, err)
}

func TestUpdateDriftLenientApplies(t *testing.T) {
	clock := NewManualClock(1000)
	h := New("a", clock, Options{MaxDriftMillis: 60_000})

	remote := Timestamp{Millis: 500_000, Counter: 0, NodeID: "b"}
	require.NoError(t, h.Update(remote))
	assert.True(t, h.Now().After(remote))
}

func TestUpdateRemoteBehindIsHarmless(t *testing.T) {
	clock := NewManualClock(5000)
	h := New("a", clock, Options{})
	before := h.Now()

	require.NoError(t, h.Update(Timestamp{Millis: 100, Counter: 0, NodeID: "b"}))
	assert.True(t, h.Now().After(before))
}
