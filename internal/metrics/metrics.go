// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxgrid/fluxgrid/internal/storage"
)

const namespace = "fluxgrid"

// Metrics bundles every collector the node exports. All collectors carry
// a node_id const label so multi-node scrapes stay distinguishable.
type Metrics struct {
	OperationsTotal  *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	ShedTotal        prometheus.Counter

	MergesTotal     *prometheus.CounterVec
	SyncRounds      prometheus.Histogram
	TombstonesWiped prometheus.Counter

	StorageRecords  *prometheus.GaugeVec
	StorageEvicted  prometheus.Counter
	StorageFlushed  prometheus.Counter
	BackupWrites    prometheus.Counter

	MigrationsActive prometheus.Gauge
	MemberPhi        *prometheus.GaugeVec
	Connections      prometheus.Gauge
}

// New registers the node's collectors on reg (the default registerer when
// nil).
func New(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "operations",
			Name:        "total",
			Help:        "Operations dispatched, by service and status.",
			ConstLabels: labels,
		}, []string{"service", "status"}),
		OperationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "operations",
			Name:        "duration_seconds",
			Help:        "Operation latency by service.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"service"}),
		ShedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "operations",
			Name:        "shed_total",
			Help:        "Operations rejected by load shedding.",
			ConstLabels: labels,
		}),
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "crdt",
			Name:        "merges_total",
			Help:        "CRDT merges applied, by map kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		SyncRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "round_trips",
			Help:        "Request/response rounds per anti-entropy session.",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		TombstonesWiped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "crdt",
			Name:        "tombstones_wiped_total",
			Help:        "Tombstones removed by the janitor.",
			ConstLabels: labels,
		}),
		StorageRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "records",
			Help:        "Live records by mutation class.",
			ConstLabels: labels,
		}, []string{"class"}),
		StorageEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "evicted_total",
			Help:        "Records evicted by expiry.",
			ConstLabels: labels,
		}),
		StorageFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "flushed_total",
			Help:        "Dirty records flushed to the backend.",
			ConstLabels: labels,
		}),
		BackupWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "backup_writes_total",
			Help:        "Backup replica writes received.",
			ConstLabels: labels,
		}),
		MigrationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "migrations_active",
			Help:        "Partition migrations in flight.",
			ConstLabels: labels,
		}),
		MemberPhi: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "member_phi",
			Help:        "Phi-accrual suspicion level per remote member.",
			ConstLabels: labels,
		}, []string{"member"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "connections",
			Help:        "Registered client connections.",
			ConstLabels: labels,
		}),
	}
}

// Every recording method tolerates a nil receiver so components run
// uninstrumented when no Metrics is attached.

// RecordOperation counts one dispatched operation.
func (m *Metrics) RecordOperation(service, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(service, status).Inc()
	m.OperationSeconds.WithLabelValues(service).Observe(elapsed.Seconds())
}

// RecordShed counts one operation rejected by load shedding.
func (m *Metrics) RecordShed() {
	if m == nil {
		return
	}
	m.ShedTotal.Inc()
}

// RecordMerge counts one CRDT merge attempt.
func (m *Metrics) RecordMerge(kind, outcome string) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSyncSession observes a completed anti-entropy session's round count.
func (m *Metrics) RecordSyncSession(rounds int) {
	if m == nil {
		return
	}
	m.SyncRounds.Observe(float64(rounds))
}

// RecordTombstonesWiped counts tombstones pruned by the janitor.
func (m *Metrics) RecordTombstonesWiped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.TombstonesWiped.Add(float64(count))
}

// RecordRecordsFlushed counts dirty records committed to the backend.
func (m *Metrics) RecordRecordsFlushed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.StorageFlushed.Add(float64(count))
}

// SetMigrationsActive reports the number of in-flight partition migrations.
func (m *Metrics) SetMigrationsActive(count int) {
	if m == nil {
		return
	}
	m.MigrationsActive.Set(float64(count))
}

// ObserveMemberPhi reports a remote member's current suspicion level.
func (m *Metrics) ObserveMemberPhi(member string, phi float64) {
	if m == nil {
		return
	}
	m.MemberPhi.WithLabelValues(member).Set(phi)
}

// ForgetMember drops a removed member's suspicion series.
func (m *Metrics) ForgetMember(member string) {
	if m == nil {
		return
	}
	m.MemberPhi.DeleteLabelValues(member)
}

// ConnectionOpened counts a registered client connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed counts an unregistered client connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// StorageObserver bridges record-store mutations into the storage
// collectors. It embeds NoopObserver so only the counted events are
// implemented.
type StorageObserver struct {
	storage.NoopObserver
	m *Metrics
}

// NewStorageObserver builds the observer feeding m.
func NewStorageObserver(m *Metrics) *StorageObserver { return &StorageObserver{m: m} }

func (o *StorageObserver) OnPut(_ string, _ storage.Record, isBackup bool) {
	o.m.StorageRecords.WithLabelValues("put").Inc()
	if isBackup {
		o.m.BackupWrites.Inc()
	}
}

func (o *StorageObserver) OnUpdate(_ string, _, _ storage.Record, isBackup bool) {
	o.m.StorageRecords.WithLabelValues("update").Inc()
	if isBackup {
		o.m.BackupWrites.Inc()
	}
}

func (o *StorageObserver) OnRemove(string, storage.Record, bool) {
	o.m.StorageRecords.WithLabelValues("remove").Inc()
}

func (o *StorageObserver) OnEvict(string, storage.Record) {
	o.m.StorageEvicted.Inc()
}

func (o *StorageObserver) OnReplicationPut(string, storage.Record) {
	o.m.StorageRecords.WithLabelValues("replication").Inc()
}
