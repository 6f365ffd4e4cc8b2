package cluster

import (
	"math"
	"sync"
)

// FailureDetector judges member liveness from heartbeat arrival times.
type FailureDetector interface {
	Heartbeat(nodeID string, nowMillis uint64)
	SuspicionLevel(nodeID string, nowMillis uint64) float64
	IsAlive(nodeID string, nowMillis uint64) bool
	Forget(nodeID string)
}

// heartbeatWindow is a bounded ring of inter-arrival intervals.
type heartbeatWindow struct {
	last      uint64
	hasLast   bool
	intervals []float64
	next      int
	full      bool
}

func (w *heartbeatWindow) record(interval float64, maxSamples int) {
	if len(w.intervals) < maxSamples {
		w.intervals = append(w.intervals, interval)
		return
	}
	w.intervals[w.next] = interval
	w.next = (w.next + 1) % maxSamples
	w.full = true
}

func (w *heartbeatWindow) stats() (mean, stddev float64, n int) {
	n = len(w.intervals)
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range w.intervals {
		sum += v
	}
	mean = sum / float64(n)
	var sq float64
	for _, v := range w.intervals {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(n))
	return mean, stddev, n
}

// PhiAccrualDetector scores suspicion as phi = -log10(P(no heartbeat
// yet)), assuming normally distributed inter-arrival intervals. With
// fewer than three samples it falls back to linear scaling against the
// heartbeat deadline.
type PhiAccrualDetector struct {
	mu      sync.Mutex
	windows map[string]*heartbeatWindow

	maxSamples       int
	maxNoHeartbeatMs uint64
	threshold        float64
	minStdDevMs      float64
}

// NewPhiAccrualDetector builds a detector from the cluster tunables.
func NewPhiAccrualDetector(cfg Config) *PhiAccrualDetector {
	maxSamples := cfg.MaxSampleSize
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSampleSize
	}
	threshold := cfg.PhiThreshold
	if threshold <= 0 {
		threshold = DefaultPhiThreshold
	}
	minStdDev := cfg.MinStdDevMs
	if minStdDev <= 0 {
		minStdDev = DefaultMinStdDevMs
	}
	maxNoHeartbeat := cfg.MaxNoHeartbeatMs
	if maxNoHeartbeat == 0 {
		maxNoHeartbeat = DefaultMaxNoHeartbeatMs
	}
	return &PhiAccrualDetector{
		windows:          make(map[string]*heartbeatWindow),
		maxSamples:       maxSamples,
		maxNoHeartbeatMs: maxNoHeartbeat,
		threshold:        threshold,
		minStdDevMs:      minStdDev,
	}
}

// Heartbeat records an arrival for nodeID.
func (d *PhiAccrualDetector) Heartbeat(nodeID string, nowMillis uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[nodeID]
	if !ok {
		w = &heartbeatWindow{}
		d.windows[nodeID] = w
	}
	if w.hasLast && nowMillis >= w.last {
		w.record(float64(nowMillis-w.last), d.maxSamples)
	}
	w.last = nowMillis
	w.hasLast = true
}

// minPositive keeps -log10 finite when the tail probability underflows.
const minPositive = 2.2250738585072014e-308

// SuspicionLevel returns phi for nodeID at nowMillis. A node never heard
// from scores zero.
func (d *PhiAccrualDetector) SuspicionLevel(nodeID string, nowMillis uint64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[nodeID]
	if !ok || !w.hasLast || nowMillis < w.last {
		return 0
	}
	elapsed := float64(nowMillis - w.last)

	mean, stddev, n := w.stats()
	if n < 3 {
		return elapsed / float64(d.maxNoHeartbeatMs) * d.threshold
	}
	if stddev < d.minStdDevMs {
		stddev = d.minStdDevMs
	}
	// P(interval > elapsed) for a normal(mean, stddev) interval.
	z := (elapsed - mean) / stddev
	p := 0.5 * math.Erfc(z/math.Sqrt2)
	if p < minPositive {
		p = minPositive
	}
	phi := -math.Log10(p)
	if phi < 0 {
		phi = 0
	}
	return phi
}

// IsAlive reports whether phi is below the configured threshold.
func (d *PhiAccrualDetector) IsAlive(nodeID string, nowMillis uint64) bool {
	return d.SuspicionLevel(nodeID, nowMillis) < d.threshold
}

// Forget drops nodeID's heartbeat history.
func (d *PhiAccrualDetector) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, nodeID)
}

// DeadlineDetector declares a node dead once no heartbeat has arrived
// within the fixed deadline. Suited to tests and strictly periodic
// heartbeats.
type DeadlineDetector struct {
	mu   sync.Mutex
	last map[string]uint64

	maxNoHeartbeatMs uint64
	threshold        float64
}

// NewDeadlineDetector builds a deadline detector from the cluster tunables.
func NewDeadlineDetector(cfg Config) *DeadlineDetector {
	maxNoHeartbeat := cfg.MaxNoHeartbeatMs
	if maxNoHeartbeat == 0 {
		maxNoHeartbeat = DefaultMaxNoHeartbeatMs
	}
	threshold := cfg.PhiThreshold
	if threshold <= 0 {
		threshold = DefaultPhiThreshold
	}
	return &DeadlineDetector{
		last:             make(map[string]uint64),
		maxNoHeartbeatMs: maxNoHeartbeat,
		threshold:        threshold,
	}
}

// Heartbeat records an arrival for nodeID.
func (d *DeadlineDetector) Heartbeat(nodeID string, nowMillis uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[nodeID] = nowMillis
}

// SuspicionLevel is binary: zero while alive, the threshold once dead.
func (d *DeadlineDetector) SuspicionLevel(nodeID string, nowMillis uint64) float64 {
	if d.IsAlive(nodeID, nowMillis) {
		return 0
	}
	return d.threshold
}

// IsAlive reports whether the deadline has not yet passed.
func (d *DeadlineDetector) IsAlive(nodeID string, nowMillis uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.last[nodeID]
	if !ok {
		return true
	}
	return nowMillis-last <= d.maxNoHeartbeatMs
}

// Forget drops nodeID's last heartbeat.
func (d *DeadlineDetector) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, nodeID)
}
