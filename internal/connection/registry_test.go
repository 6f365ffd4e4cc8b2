package connection

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry(4, nil)
	conn := r.Register()
	require.NotEmpty(t, conn.ID)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Same(t, conn, got)

	r.Unregister(conn.ID)
	assert.Equal(t, 0, r.Len())
	_, ok = <-conn.Outbound()
	assert.False(t, ok, "outbound closes on unregister")

	r.Unregister(conn.ID) // double unregister is a no-op
}

func TestRegistryConnectionsGauge(t *testing.T) {
	m := metrics.New("node-a", prometheus.NewRegistry())
	r := NewRegistry(4, nil)
	r.Instrument(m)

	a := r.Register()
	r.Register()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Connections))

	r.Unregister(a.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	r.Unregister(a.ID) // double unregister must not decrement twice
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestTrySendBackpressure(t *testing.T) {
	r := NewRegistry(2, nil)
	conn := r.Register()

	assert.True(t, conn.TrySend(&protocol.Ping{}))
	assert.True(t, conn.TrySend(&protocol.Ping{}))
	assert.False(t, conn.TrySend(&protocol.Ping{}), "full queue refuses without blocking")

	<-conn.Outbound()
	assert.True(t, conn.TrySend(&protocol.Ping{}))
}

func TestSendTimeout(t *testing.T) {
	r := NewRegistry(1, nil)
	conn := r.Register()
	require.True(t, conn.SendTimeout(&protocol.Ping{}, 10*time.Millisecond))
	assert.False(t, conn.SendTimeout(&protocol.Ping{}, 10*time.Millisecond))
}

func TestBroadcastSkipsFullQueues(t *testing.T) {
	r := NewRegistry(1, nil)
	fast := r.Register()
	slow := r.Register()
	require.True(t, slow.TrySend(&protocol.Ping{})) // saturate

	sent := r.Broadcast(&protocol.Pong{TimestampMs: 1}, nil)
	assert.Equal(t, 1, sent)
	assert.Len(t, fast.Outbound(), 1)
}

func TestBroadcastTopicFiltering(t *testing.T) {
	r := NewRegistry(4, nil)
	sub := r.Register()
	sub.Meta.Subscribe("events")
	other := r.Register()

	sent := r.BroadcastTopic("events", &protocol.TopicMessage{Topic: "events", Payload: "x"})
	assert.Equal(t, 1, sent)
	assert.Len(t, sub.Outbound(), 1)
	assert.Empty(t, other.Outbound())

	sub.Meta.Unsubscribe("events")
	assert.Zero(t, r.BroadcastTopic("events", &protocol.TopicMessage{Topic: "events"}))
}

func TestMetadataAuthAndSubscriptions(t *testing.T) {
	m := newMetadata()
	_, ok := m.Authenticated()
	assert.False(t, ok)

	m.Authenticate("client-1")
	id, ok := m.Authenticated()
	assert.True(t, ok)
	assert.Equal(t, "client-1", id)

	m.AddQuery("q1")
	m.AddSearch("s1")
	assert.Equal(t, []string{"q1"}, m.QueryIDs())
	assert.Equal(t, []string{"s1"}, m.SearchIDs())
	m.RemoveQuery("q1")
	m.RemoveSearch("s1")
	assert.Empty(t, m.QueryIDs())
	assert.Empty(t, m.SearchIDs())
}
