package service

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/crdt"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
	"github.com/fluxgrid/fluxgrid/internal/storage"
)

// MutationEvent is pushed to listeners after a CRDT write lands.
type MutationEvent struct {
	MapName   string
	Key       string
	Value     any
	Timestamp hlc.Timestamp
	EventType string // protocol.EventPut or protocol.EventRemove
}

// MutationListener observes applied CRDT mutations. Listeners run inline
// on the write path and must not block.
type MutationListener interface {
	OnMutation(ev MutationEvent)
}

// CrdtService applies client CRDT operations: it writes the in-memory map,
// writes through the record store for the key's partition and notifies the
// subscription services. Writes for partitions this node does not own are
// answered with a FORWARD result so the transport can relay them.
type CrdtService struct {
	container *Container
	stores    *storage.RecordStoreFactory
	table     *partition.Table
	localID   string
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu        sync.RWMutex
	listeners []MutationListener

	ready atomic.Bool
}

// NewCrdtService wires the CRDT write path.
func NewCrdtService(container *Container, stores *storage.RecordStoreFactory,
	table *partition.Table, localID string, logger *zap.Logger) *CrdtService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrdtService{
		container: container,
		stores:    stores,
		table:     table,
		localID:   localID,
		logger:    logger,
	}
}

// Instrument attaches the node's collectors; wire before Init.
func (s *CrdtService) Instrument(m *metrics.Metrics) { s.metrics = m }

// AddListener registers a mutation listener. Not safe to call concurrently
// with writes; wire listeners before Init.
func (s *CrdtService) AddListener(l MutationListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *CrdtService) notify(ev MutationEvent) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OnMutation(ev)
	}
}

// Name implements ManagedService.
func (s *CrdtService) Name() string { return operation.ServiceCrdt }

// ServiceName implements operation.Handler.
func (s *CrdtService) ServiceName() string { return operation.ServiceCrdt }

// Ready implements operation.Handler.
func (s *CrdtService) Ready() bool { return s.ready.Load() }

// Init implements ManagedService.
func (s *CrdtService) Init(context.Context) error {
	s.ready.Store(true)
	return nil
}

// Reset clears every CRDT map and record store.
func (s *CrdtService) Reset(context.Context) error {
	for _, name := range s.container.LWWNames() {
		s.container.LWW(name).Clear()
	}
	for _, name := range s.container.ORNames() {
		s.container.OR(name).Clear()
	}
	for _, store := range s.stores.All() {
		store.Reset()
	}
	return nil
}

// Shutdown implements ManagedService. With terminate false the pending
// persistence queues are drained first.
func (s *CrdtService) Shutdown(ctx context.Context, terminate bool) error {
	s.ready.Store(false)
	if terminate {
		return nil
	}
	for _, store := range s.stores.All() {
		if err := store.HardFlush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Handle implements operation.Handler for CLIENT_OP and OP_BATCH.
func (s *CrdtService) Handle(ctx context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.ClientOp:
		result := s.applyOp(ctx, m, op.Origin)
		return s.ack([]protocol.OpResult{result}), nil
	case *protocol.OpBatch:
		results := make([]protocol.OpResult, 0, len(m.Ops))
		for i := range m.Ops {
			results = append(results, s.applyOp(ctx, &m.Ops[i], op.Origin))
		}
		return s.ack(results), nil
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"crdt service cannot handle %s", op.Message.MessageType())
	}
}

func (s *CrdtService) ack(results []protocol.OpResult) *protocol.OpAck {
	return &protocol.OpAck{
		Type:      protocol.TypeOpAck,
		Results:   results,
		ServerHlc: s.container.Clock().Now().String(),
	}
}

func (s *CrdtService) applyOp(ctx context.Context, op *protocol.ClientOp,
	origin operation.CallerOrigin) protocol.OpResult {
	result := protocol.OpResult{OpID: op.OpID, Key: op.Key}
	if op.MapName == "" || op.Key == "" {
		result.Status = protocol.OpStatusRejected
		result.Error = "mapName and key are required"
		return result
	}

	pid := partition.HashToPartition(op.Key)
	if owner, ok := s.table.Owner(pid); ok && owner != s.localID && origin == operation.OriginClient {
		result.Status = protocol.OpStatusForward
		result.Error = owner
		return result
	}

	provenance := storage.ProvenanceClient
	if origin == operation.OriginForwarded || origin == operation.OriginWan {
		provenance = storage.ProvenanceCrdtMerge
	}

	switch op.OpType {
	case protocol.OpPut:
		rec := s.container.LWW(op.MapName).Set(op.Key, op.Value, op.TTLMillis)
		if err := s.persistLww(ctx, op.MapName, pid, op.Key, rec, provenance); err != nil {
			return s.persistFailure(result, err)
		}
		result.Timestamp = rec.Timestamp.String()
		s.notify(MutationEvent{
			MapName: op.MapName, Key: op.Key, Value: op.Value,
			Timestamp: rec.Timestamp, EventType: protocol.EventPut,
		})
	case protocol.OpRemove:
		rec := s.container.LWW(op.MapName).Remove(op.Key)
		if err := s.persistLww(ctx, op.MapName, pid, op.Key, rec, provenance); err != nil {
			return s.persistFailure(result, err)
		}
		result.Timestamp = rec.Timestamp.String()
		s.notify(MutationEvent{
			MapName: op.MapName, Key: op.Key,
			Timestamp: rec.Timestamp, EventType: protocol.EventRemove,
		})
	case protocol.OpOrAdd:
		or := s.container.OR(op.MapName)
		rec := or.Add(op.Key, op.Value, op.TTLMillis)
		if err := s.persistOr(ctx, op.MapName, pid, op.Key, provenance); err != nil {
			return s.persistFailure(result, err)
		}
		result.Timestamp = rec.Timestamp.String()
		s.notify(MutationEvent{
			MapName: op.MapName, Key: op.Key, Value: op.Value,
			Timestamp: rec.Timestamp, EventType: protocol.EventPut,
		})
	case protocol.OpOrRemove:
		or := s.container.OR(op.MapName)
		removed := or.Remove(op.Key, op.Value)
		if len(removed) == 0 {
			result.Status = protocol.OpStatusRejected
			result.Error = "no matching value"
			return result
		}
		if err := s.persistOr(ctx, op.MapName, pid, op.Key, provenance); err != nil {
			return s.persistFailure(result, err)
		}
		s.notify(MutationEvent{
			MapName: op.MapName, Key: op.Key, Value: op.Value,
			Timestamp: s.container.Clock().Now(), EventType: protocol.EventRemove,
		})
	default:
		result.Status = protocol.OpStatusRejected
		result.Error = "unknown op type " + op.OpType
		return result
	}

	result.Status = protocol.OpStatusOK
	return result
}

// persistFailure reports a backend error without undoing the in-memory
// write: the memory state stands and converges through sync.
func (s *CrdtService) persistFailure(result protocol.OpResult, err error) protocol.OpResult {
	s.logger.Error("write-through failed",
		zap.String("key", result.Key), zap.Error(err))
	result.Status = protocol.OpStatusOK
	result.Error = "persistence pending: " + err.Error()
	return result
}

func (s *CrdtService) persistLww(ctx context.Context, mapName string, pid uint32,
	key string, rec crdt.LWWRecord[any], provenance storage.CallerProvenance) error {
	var value any
	if rec.Value != nil {
		value = *rec.Value
	}
	store := s.stores.Get(mapName, pid)
	_, err := store.Put(ctx, key, storage.LwwValue(value, rec.Timestamp, rec.TTLMillis), nil, provenance)
	return err
}

func (s *CrdtService) persistOr(ctx context.Context, mapName string, pid uint32,
	key string, provenance storage.CallerProvenance) error {
	or := s.container.OR(mapName)
	records := or.GetRecords(key)
	store := s.stores.Get(mapName, pid)
	if len(records) == 0 {
		_, err := store.Remove(ctx, key, provenance)
		return err
	}
	entries := make([]storage.OrMapEntry, len(records))
	for i, r := range records {
		entries[i] = storage.OrMapEntry{
			Value: r.Value, Timestamp: r.Timestamp, Tag: r.Tag, TTLMillis: r.TTLMillis,
		}
	}
	_, err := store.Put(ctx, key, storage.OrMapValue(entries), nil, provenance)
	return err
}

// MergeRemoteLww applies a replica's LWW record, mirroring the client
// write path for records arriving through sync.
func (s *CrdtService) MergeRemoteLww(ctx context.Context, mapName, key string,
	rec crdt.LWWRecord[any]) bool {
	if !s.container.LWW(mapName).Merge(key, rec) {
		s.metrics.RecordMerge("lww", "stale")
		return false
	}
	s.metrics.RecordMerge("lww", "applied")
	pid := partition.HashToPartition(key)
	if err := s.persistLww(ctx, mapName, pid, key, rec, storage.ProvenanceCrdtMerge); err != nil {
		s.logger.Error("merge write-through failed",
			zap.String("map", mapName), zap.String("key", key), zap.Error(err))
	}
	event := protocol.EventPut
	var value any
	if rec.Value == nil {
		event = protocol.EventRemove
	} else {
		value = *rec.Value
	}
	s.notify(MutationEvent{
		MapName: mapName, Key: key, Value: value,
		Timestamp: rec.Timestamp, EventType: event,
	})
	return true
}

// MergeRemoteOrKey applies one key's remote OR-Map records and tombstones,
// as shipped by the Merkle sync protocol.
func (s *CrdtService) MergeRemoteOrKey(ctx context.Context, mapName, key string,
	records []crdt.ORMapRecord[any], tombstones []string) (added, updated int) {
	or := s.container.OR(mapName)
	added, updated = or.MergeKey(key, records, tombstones)
	if added+updated > 0 {
		s.metrics.RecordMerge("or", "applied")
	} else {
		s.metrics.RecordMerge("or", "noop")
	}
	if added+updated > 0 || len(tombstones) > 0 {
		pid := partition.HashToPartition(key)
		if err := s.persistOr(ctx, mapName, pid, key, storage.ProvenanceCrdtMerge); err != nil {
			s.logger.Error("merge write-through failed",
				zap.String("map", mapName), zap.String("key", key), zap.Error(err))
		}
	}
	return added, updated
}
