package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histogramSamples(t *testing.T, h prometheus.Histogram) (uint64, float64) {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}

func TestMetricsRecordingMethods(t *testing.T) {
	m := New("node-a", prometheus.NewRegistry())

	m.RecordOperation("crdt", "ok", 10*time.Millisecond)
	m.RecordOperation("crdt", "ok", 20*time.Millisecond)
	m.RecordOperation("crdt", "timeout", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("crdt", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("crdt", "timeout")))

	m.RecordShed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShedTotal))

	m.RecordMerge("lww", "applied")
	m.RecordMerge("lww", "stale")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("lww", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("lww", "stale")))

	m.RecordSyncSession(3)
	count, sum := histogramSamples(t, m.SyncRounds)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 3.0, sum)

	m.RecordTombstonesWiped(5)
	m.RecordTombstonesWiped(0) // non-positive counts are ignored
	assert.Equal(t, 5.0, testutil.ToFloat64(m.TombstonesWiped))

	m.RecordRecordsFlushed(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.StorageFlushed))

	m.SetMigrationsActive(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MigrationsActive))

	m.ObserveMemberPhi("node-b", 2.5)
	assert.Equal(t, 2.5, testutil.ToFloat64(m.MemberPhi.WithLabelValues("node-b")))
	m.ForgetMember("node-b")
	assert.Equal(t, 0, testutil.CollectAndCount(m.MemberPhi))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestMetricsNilReceiverIsSilent(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("crdt", "ok", time.Millisecond)
		m.RecordShed()
		m.RecordMerge("or", "applied")
		m.RecordSyncSession(1)
		m.RecordTombstonesWiped(3)
		m.RecordRecordsFlushed(2)
		m.SetMigrationsActive(1)
		m.ObserveMemberPhi("node-b", 1.0)
		m.ForgetMember("node-b")
		m.ConnectionOpened()
		m.ConnectionClosed()
	})
}
