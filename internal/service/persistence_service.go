package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
	"github.com/fluxgrid/fluxgrid/internal/storage"
)

// counterMapName is the record-store namespace counters persist under.
const counterMapName = "_counters"

// loadBatchSize bounds each fetch while rebuilding counters at startup.
const loadBatchSize = 512

// PersistenceService owns the PN-counters: per-counter, per-node float
// states whose sum is the counter value. Remote states merge entrywise by
// maximum, so replayed or reordered updates are harmless.
type PersistenceService struct {
	container *Container
	stores    *storage.RecordStoreFactory
	localID   string
	logger    *zap.Logger

	mu       sync.Mutex
	counters map[string]map[string]float64

	ready atomic.Bool
}

// NewPersistenceService wires the counter state machine.
func NewPersistenceService(container *Container, stores *storage.RecordStoreFactory,
	localID string, logger *zap.Logger) *PersistenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistenceService{
		container: container,
		stores:    stores,
		localID:   localID,
		logger:    logger,
		counters:  make(map[string]map[string]float64),
	}
}

// Name implements ManagedService.
func (s *PersistenceService) Name() string { return operation.ServicePersistence }

// ServiceName implements operation.Handler.
func (s *PersistenceService) ServiceName() string { return operation.ServicePersistence }

// Ready implements operation.Handler.
func (s *PersistenceService) Ready() bool { return s.ready.Load() }

// Init rebuilds counter states from the already-materialized counter
// stores, then opens for traffic.
func (s *PersistenceService) Init(context.Context) error {
	s.mu.Lock()
	for _, store := range s.counterStores() {
		cursor := storage.NewCursor()
		for !cursor.Finished {
			var entries []storage.Entry
			entries, cursor = store.FetchEntries(cursor, loadBatchSize)
			for _, entry := range entries {
				if states, ok := decodeCounterStates(entry.Record.Value.Lww); ok {
					s.counters[entry.Key] = states
				}
			}
		}
	}
	s.mu.Unlock()
	s.ready.Store(true)
	return nil
}

// Reset drops all counters from memory and their backing stores.
func (s *PersistenceService) Reset(context.Context) error {
	s.mu.Lock()
	s.counters = make(map[string]map[string]float64)
	s.mu.Unlock()
	for _, store := range s.counterStores() {
		store.Reset()
	}
	return nil
}

// Shutdown flushes counter state unless terminating.
func (s *PersistenceService) Shutdown(ctx context.Context, terminate bool) error {
	s.ready.Store(false)
	if terminate {
		return nil
	}
	for _, store := range s.counterStores() {
		if err := store.HardFlush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *PersistenceService) counterStores() []*storage.RecordStore {
	var out []*storage.RecordStore
	for _, store := range s.stores.All() {
		if store.MapName() == counterMapName {
			out = append(out, store)
		}
	}
	return out
}

// Handle implements operation.Handler for COUNTER_REQUEST and
// COUNTER_STATE. Both reply with the merged state so the caller converges
// in one round trip.
func (s *PersistenceService) Handle(ctx context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.CounterRequest:
		return s.applyDelta(ctx, m.CounterID, m.Delta), nil
	case *protocol.CounterState:
		return s.mergeState(ctx, m.CounterID, m.States), nil
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"persistence service cannot handle %s", op.Message.MessageType())
	}
}

// applyDelta adds delta to this node's slot. A zero delta is a plain read.
func (s *PersistenceService) applyDelta(ctx context.Context, counterID string, delta float64) *protocol.CounterState {
	s.mu.Lock()
	states := s.statesLocked(counterID)
	if delta != 0 {
		states[s.localID] += delta
	}
	snapshot := copyStates(states)
	s.mu.Unlock()

	if delta != 0 {
		s.persist(ctx, counterID, snapshot)
	}
	return s.stateMessage(counterID, snapshot)
}

// mergeState folds remote per-node states in by max. Clients push these
// when reconnecting with offline increments.
func (s *PersistenceService) mergeState(ctx context.Context, counterID string,
	remote map[string]float64) *protocol.CounterState {
	s.mu.Lock()
	states := s.statesLocked(counterID)
	changed := false
	for node, val := range remote {
		if val > states[node] {
			states[node] = val
			changed = true
		}
	}
	snapshot := copyStates(states)
	s.mu.Unlock()

	if changed {
		s.persist(ctx, counterID, snapshot)
	}
	return s.stateMessage(counterID, snapshot)
}

// Value sums a counter's per-node states.
func (s *PersistenceService) Value(counterID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, val := range s.counters[counterID] {
		total += val
	}
	return total
}

// CounterIDs lists the known counters, sorted.
func (s *PersistenceService) CounterIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.counters))
	for id := range s.counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *PersistenceService) statesLocked(counterID string) map[string]float64 {
	states, ok := s.counters[counterID]
	if !ok {
		states = make(map[string]float64)
		s.counters[counterID] = states
	}
	return states
}

func (s *PersistenceService) stateMessage(counterID string, states map[string]float64) *protocol.CounterState {
	return &protocol.CounterState{
		Type:      protocol.TypeCounterState,
		CounterID: counterID,
		States:    states,
	}
}

func (s *PersistenceService) persist(ctx context.Context, counterID string, states map[string]float64) {
	pid := partition.HashToPartition(counterID)
	store := s.stores.Get(counterMapName, pid)
	value := make(map[string]any, len(states))
	for node, val := range states {
		value[node] = val
	}
	ts := s.container.Clock().Now()
	if _, err := store.Put(ctx, counterID, storage.LwwValue(value, ts, nil), nil,
		storage.ProvenanceClient); err != nil {
		s.logger.Error("counter write-through failed",
			zap.String("counter_id", counterID), zap.Error(err))
	}
}

func copyStates(states map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(states))
	for node, val := range states {
		out[node] = val
	}
	return out
}

// decodeCounterStates recovers per-node states from a persisted LWW value.
func decodeCounterStates(lww *storage.LwwPayload) (map[string]float64, bool) {
	if lww == nil {
		return nil, false
	}
	fields, ok := lww.Value.(map[string]any)
	if !ok {
		return nil, false
	}
	states := make(map[string]float64, len(fields))
	for node, raw := range fields {
		val, ok := toFloat(raw)
		if !ok {
			return nil, false
		}
		states[node] = val
	}
	return states, true
}
