// Package hlc implements Hybrid Logical Clocks: timestamps that combine a
// wall-clock millisecond component with a logical counter and the node ID,
// giving a total order across nodes without synchronized clocks.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// DefaultMaxDriftMillis bounds how far a remote timestamp may run ahead of
// the local wall clock before Update reports drift.
const DefaultMaxDriftMillis uint64 = 60_000

// Timestamp is an HLC instant. Ordering compares millis, then counter, then
// node ID bytes. NodeID must not contain ':' so the wire form stays parseable.
type Timestamp struct {
	Millis  uint64 `msgpack:"millis" json:"millis"`
	Counter uint32 `msgpack:"counter" json:"counter"`
	NodeID  string `msgpack:"nodeId" json:"nodeId"`
}

// Compare returns -1, 0 or 1 ordering t against other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Millis != other.Millis {
		if t.Millis < other.Millis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

// After reports whether t is strictly greater than other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

// Before reports whether t is strictly less than other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Millis == 0 && t.Counter == 0 && t.NodeID == ""
}

// String renders the wire form "millis:counter:nodeId".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d:%s", t.Millis, t.Counter, t.NodeID)
}

// Parse decodes the wire form produced by String. The node ID is everything
// after the second ':' and may itself be empty.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Timestamp{}, griderr.New(griderr.CodeInvalidArgument, "malformed timestamp %q", s)
	}
	millis, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, griderr.Wrap(griderr.CodeInvalidArgument, err, "bad millis in %q", s)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Timestamp{}, griderr.Wrap(griderr.CodeInvalidArgument, err, "bad counter in %q", s)
	}
	return Timestamp{Millis: millis, Counter: uint32(counter), NodeID: parts[2]}, nil
}

// Clock abstracts the wall clock so tests can inject deterministic time.
type Clock interface {
	NowMillis() uint64
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// ManualClock is a settable clock for tests.
type ManualClock struct {
	mu     sync.Mutex
	millis uint64
}

// NewManualClock returns a ManualClock frozen at millis.
func NewManualClock(millis uint64) *ManualClock {
	return &ManualClock{millis: millis}
}

func (c *ManualClock) NowMillis() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

// Set moves the clock to millis.
func (c *ManualClock) Set(millis uint64) {
	c.mu.Lock()
	c.millis = millis
	c.mu.Unlock()
}

// Advance moves the clock forward by delta milliseconds.
func (c *ManualClock) Advance(delta uint64) {
	c.mu.Lock()
	c.millis += delta
	c.mu.Unlock()
}

// Options tunes an HLC instance.
type Options struct {
	// MaxDriftMillis bounds remote-ahead-of-wall drift; 0 uses the default.
	MaxDriftMillis uint64
	// Strict makes Update return ClockDrift instead of logging it.
	Strict bool
	Logger *zap.Logger
}

// HLC is a hybrid logical clock generator. Safe for concurrent use.
type HLC struct {
	mu          sync.Mutex
	nodeID      string
	clock       Clock
	lastMillis  uint64
	lastCounter uint32
	maxDrift    uint64
	strict      bool
	logger      *zap.Logger
}

// New builds an HLC for nodeID reading wall time from clock.
func New(nodeID string, clock Clock, opts Options) *HLC {
	if opts.MaxDriftMillis == 0 {
		opts.MaxDriftMillis = DefaultMaxDriftMillis
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HLC{
		nodeID:   nodeID,
		clock:    clock,
		maxDrift: opts.MaxDriftMillis,
		strict:   opts.Strict,
		logger:   opts.Logger,
	}
}

// NodeID returns the node this clock stamps timestamps with.
func (h *HLC) NodeID() string { return h.nodeID }

// WallMillis reads the underlying wall clock without touching HLC state.
func (h *HLC) WallMillis() uint64 { return h.clock.NowMillis() }

// Now returns a fresh timestamp strictly greater than every previous output.
func (h *HLC) Now() Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()
	wall := h.clock.NowMillis()
	if wall > h.lastMillis {
		h.lastMillis = wall
		h.lastCounter = 0
	} else {
		h.lastCounter++
	}
	return Timestamp{Millis: h.lastMillis, Counter: h.lastCounter, NodeID: h.nodeID}
}

// Update advances the clock past a remote timestamp so the next Now is
// greater than both the local state and the remote. A remote running ahead
// of the wall clock by more than the drift bound returns ClockDrift in
// strict mode; otherwise the drift is logged and the remote still applied.
func (h *HLC) Update(remote Timestamp) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	wall := h.clock.NowMillis()

	var driftErr error
	if remote.Millis > wall && remote.Millis-wall > h.maxDrift {
		driftErr = griderr.ClockDrift(remote.Millis, wall, h.maxDrift)
		if !h.strict {
			h.logger.Warn("remote clock drift beyond bound",
				zap.Uint64("remote_millis", remote.Millis),
				zap.Uint64("wall_millis", wall),
				zap.Uint64("max_drift_ms", h.maxDrift),
				zap.String("remote_node", remote.NodeID))
			driftErr = nil
		}
	}
	if driftErr != nil {
		return driftErr
	}

	maxMillis := h.lastMillis
	if remote.Millis > maxMillis {
		maxMillis = remote.Millis
	}
	if wall > maxMillis {
		maxMillis = wall
	}

	switch {
	case maxMillis == h.lastMillis && maxMillis == remote.Millis:
		if remote.Counter > h.lastCounter {
			h.lastCounter = remote.Counter
		}
		h.lastCounter++
	case maxMillis == h.lastMillis:
		h.lastCounter++
	case maxMillis == remote.Millis:
		h.lastCounter = remote.Counter + 1
	default:
		h.lastCounter = 0
	}
	h.lastMillis = maxMillis
	return nil
}
