package service

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/crdt"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// orSyncSession tracks one in-flight OR-Map sync walk: the bucket paths
// known to differ but not yet compared at leaf level, and the number of
// request/response exchanges spent so far.
type orSyncSession struct {
	pending []string
	rounds  int
}

func (s *orSyncSession) push(paths ...string) { s.pending = append(s.pending, paths...) }

func (s *orSyncSession) pop() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, true
}

// SyncService serves the Merkle delta-sync protocol. For LWW maps the
// node only responds: the initiating side walks the trie and merges the
// records shipped at leaf level. For OR maps the node plays both roles,
// advancing a walk one round per received response.
type SyncService struct {
	container *Container
	crdt      *CrdtService
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*orSyncSession

	ready atomic.Bool
}

// NewSyncService wires the sync responder/initiator.
func NewSyncService(container *Container, crdtSvc *CrdtService, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		container: container,
		crdt:      crdtSvc,
		logger:    logger,
		sessions:  make(map[string]*orSyncSession),
	}
}

// Instrument attaches the node's collectors; wire before Init.
func (s *SyncService) Instrument(m *metrics.Metrics) { s.metrics = m }

// Name implements ManagedService.
func (s *SyncService) Name() string { return operation.ServiceSync }

// ServiceName implements operation.Handler.
func (s *SyncService) ServiceName() string { return operation.ServiceSync }

// Ready implements operation.Handler.
func (s *SyncService) Ready() bool { return s.ready.Load() }

// Init implements ManagedService.
func (s *SyncService) Init(context.Context) error {
	s.ready.Store(true)
	return nil
}

// Reset drops every in-flight sync walk.
func (s *SyncService) Reset(context.Context) error {
	s.mu.Lock()
	s.sessions = make(map[string]*orSyncSession)
	s.mu.Unlock()
	return nil
}

// Shutdown implements ManagedService.
func (s *SyncService) Shutdown(ctx context.Context, _ bool) error {
	s.ready.Store(false)
	return s.Reset(ctx)
}

// StartOrmapSync builds the opening message of an OR-Map sync round
// against a peer, carrying the local root hash.
func (s *SyncService) StartOrmapSync(mapName string) *protocol.OrmapSyncInit {
	return &protocol.OrmapSyncInit{
		Type:     protocol.TypeOrmapSyncInit,
		MapName:  mapName,
		RootHash: s.container.OR(mapName).RootHash(),
	}
}

// Handle implements operation.Handler for the sync message family.
func (s *SyncService) Handle(ctx context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.SyncInit:
		local := s.container.LWW(m.MapName).RootHash()
		return &protocol.SyncRespRoot{
			Type: protocol.TypeSyncRespRoot, MapName: m.MapName,
			RootHash: local, InSync: local == m.RootHash,
		}, nil

	case *protocol.MerkleReqBucket:
		return s.lwwBucket(m), nil

	case *protocol.OrmapSyncInit:
		local := s.container.OR(m.MapName).RootHash()
		return &protocol.OrmapSyncRespRoot{
			Type: protocol.TypeOrmapSyncRespRoot, MapName: m.MapName,
			RootHash: local, InSync: local == m.RootHash,
		}, nil

	case *protocol.OrmapMerkleReqBucket:
		return s.orBucket(m), nil

	case *protocol.OrmapSyncRespRoot:
		if m.InSync && m.RootHash == s.container.OR(m.MapName).RootHash() {
			s.endSession(m.MapName)
			return nil, nil
		}
		s.resetSession(m.MapName)
		s.countRound(m.MapName)
		return s.reqBucket(m.MapName, ""), nil

	case *protocol.OrmapSyncRespBuckets:
		return s.walkBuckets(m), nil

	case *protocol.OrmapSyncRespLeaf:
		return s.walkLeaf(m), nil

	case *protocol.OrmapDiffRequest:
		return s.diffResponse(m), nil

	case *protocol.OrmapDiffResponse:
		return s.applyDiff(ctx, m), nil

	case *protocol.OrmapPushDiff:
		s.applyPush(ctx, m)
		return nil, nil

	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"sync service cannot handle %s", op.Message.MessageType())
	}
}

func (s *SyncService) lwwBucket(m *protocol.MerkleReqBucket) protocol.Message {
	lww := s.container.LWW(m.MapName)
	if len(m.Path) < lww.MerkleDepth() {
		buckets, _ := lww.Buckets(m.Path)
		if buckets == nil {
			buckets = map[string]uint32{}
		}
		return &protocol.SyncRespBuckets{
			Type: protocol.TypeSyncRespBuckets, MapName: m.MapName,
			Path: m.Path, Buckets: buckets,
		}
	}
	entries := lww.EntryHashes(m.Path)
	records := make(map[string]protocol.WireLwwRecord, len(entries))
	for key := range entries {
		if rec, ok := lww.GetRecord(key); ok {
			records[key] = toWireLww(rec)
		}
	}
	return &protocol.SyncRespLeaf{
		Type: protocol.TypeSyncRespLeaf, MapName: m.MapName,
		Path: m.Path, Entries: entries, Records: records,
	}
}

func (s *SyncService) orBucket(m *protocol.OrmapMerkleReqBucket) protocol.Message {
	or := s.container.OR(m.MapName)
	if len(m.Path) < or.MerkleDepth() {
		buckets, _ := or.Buckets(m.Path)
		if buckets == nil {
			buckets = map[string]uint32{}
		}
		return &protocol.OrmapSyncRespBuckets{
			Type: protocol.TypeOrmapSyncRespBuckets, MapName: m.MapName,
			Path: m.Path, Buckets: buckets,
		}
	}
	return &protocol.OrmapSyncRespLeaf{
		Type: protocol.TypeOrmapSyncRespLeaf, MapName: m.MapName,
		Path: m.Path, Entries: or.EntryHashes(m.Path),
	}
}

// walkBuckets compares a peer's child hashes against the local trie and
// queues every differing child, then requests the next pending path.
func (s *SyncService) walkBuckets(m *protocol.OrmapSyncRespBuckets) protocol.Message {
	or := s.container.OR(m.MapName)
	local, _ := or.Buckets(m.Path)
	if local == nil {
		local = map[string]uint32{}
	}

	var diff []string
	for digit, remoteHash := range m.Buckets {
		if local[digit] != remoteHash {
			diff = append(diff, m.Path+digit)
		}
	}
	for digit := range local {
		if _, ok := m.Buckets[digit]; !ok {
			diff = append(diff, m.Path+digit)
		}
	}

	s.mu.Lock()
	sess := s.session(m.MapName)
	sess.rounds++
	sess.push(diff...)
	next, ok := sess.pop()
	if !ok {
		delete(s.sessions, m.MapName)
	}
	s.mu.Unlock()
	if !ok {
		s.metrics.RecordSyncSession(sess.rounds)
		return nil
	}
	return s.reqBucket(m.MapName, next)
}

// walkLeaf compares entry hashes at leaf depth and asks for the full
// per-key entries of the symmetric difference.
func (s *SyncService) walkLeaf(m *protocol.OrmapSyncRespLeaf) protocol.Message {
	s.countRound(m.MapName)
	or := s.container.OR(m.MapName)
	keys := or.FindDiffKeys(m.Path, m.Entries)
	if len(keys) > 0 {
		return &protocol.OrmapDiffRequest{
			Type: protocol.TypeOrmapDiffRequest, MapName: m.MapName, Keys: keys,
		}
	}
	return s.nextRequest(m.MapName)
}

func (s *SyncService) diffResponse(m *protocol.OrmapDiffRequest) protocol.Message {
	or := s.container.OR(m.MapName)
	entries := make(map[string][]protocol.WireOrRecord, len(m.Keys))
	for _, key := range m.Keys {
		entries[key] = toWireOrRecords(or.GetRecords(key))
	}
	return &protocol.OrmapDiffResponse{
		Type: protocol.TypeOrmapDiffResponse, MapName: m.MapName,
		Entries: entries, Tombstones: or.Tombstones(),
	}
}

// applyDiff merges the peer's entries, then pushes the local side of the
// same keys back so both replicas converge, bundling the next walk
// request into the same transport envelope when the walk continues.
func (s *SyncService) applyDiff(ctx context.Context, m *protocol.OrmapDiffResponse) protocol.Message {
	s.countRound(m.MapName)
	or := s.container.OR(m.MapName)
	push := &protocol.OrmapPushDiff{
		Type: protocol.TypeOrmapPushDiff, MapName: m.MapName,
		Entries:    make(map[string][]protocol.WireOrRecord, len(m.Entries)),
		Tombstones: or.Tombstones(),
	}
	for key, wire := range m.Entries {
		s.crdt.MergeRemoteOrKey(ctx, m.MapName, key, fromWireOrRecords(wire), m.Tombstones)
		push.Entries[key] = toWireOrRecords(or.GetRecords(key))
	}

	next := s.nextRequest(m.MapName)
	if next == nil {
		return push
	}
	batch, err := protocol.EncodeBatch([]protocol.Message{push, next})
	if err != nil {
		s.logger.Error("packing sync round failed",
			zap.String("map", m.MapName), zap.Error(err))
		return push
	}
	return batch
}

func (s *SyncService) applyPush(ctx context.Context, m *protocol.OrmapPushDiff) {
	for key, wire := range m.Entries {
		s.crdt.MergeRemoteOrKey(ctx, m.MapName, key, fromWireOrRecords(wire), m.Tombstones)
	}
}

func (s *SyncService) reqBucket(mapName, path string) *protocol.OrmapMerkleReqBucket {
	return &protocol.OrmapMerkleReqBucket{
		Type: protocol.TypeOrmapMerkleReqBucket, MapName: mapName, Path: path,
	}
}

// nextRequest pops the walk's next pending path, ending the session when
// none remain.
func (s *SyncService) nextRequest(mapName string) protocol.Message {
	s.mu.Lock()
	sess := s.session(mapName)
	next, ok := sess.pop()
	if !ok {
		delete(s.sessions, mapName)
	}
	s.mu.Unlock()
	if !ok {
		s.metrics.RecordSyncSession(sess.rounds)
		return nil
	}
	return s.reqBucket(mapName, next)
}

// session returns the map's walk state. Callers hold s.mu.
func (s *SyncService) session(mapName string) *orSyncSession {
	sess, ok := s.sessions[mapName]
	if !ok {
		sess = &orSyncSession{}
		s.sessions[mapName] = sess
	}
	return sess
}

func (s *SyncService) resetSession(mapName string) {
	s.mu.Lock()
	s.sessions[mapName] = &orSyncSession{}
	s.mu.Unlock()
}

// countRound notes one request/response exchange of the map's walk.
func (s *SyncService) countRound(mapName string) {
	s.mu.Lock()
	s.session(mapName).rounds++
	s.mu.Unlock()
}

// endSession closes an in-sync walk. A root exchange that found nothing
// to do still counts as one round.
func (s *SyncService) endSession(mapName string) {
	s.mu.Lock()
	sess, ok := s.sessions[mapName]
	delete(s.sessions, mapName)
	s.mu.Unlock()
	rounds := 1
	if ok && sess.rounds > 0 {
		rounds = sess.rounds
	}
	s.metrics.RecordSyncSession(rounds)
}

func toWireLww(rec crdt.LWWRecord[any]) protocol.WireLwwRecord {
	var value any
	if rec.Value != nil {
		value = *rec.Value
	}
	return protocol.WireLwwRecord{Value: value, Timestamp: rec.Timestamp, TTLMillis: rec.TTLMillis}
}

// FromWireLww converts a wire LWW record back to the CRDT shape. A nil
// wire value decodes as a tombstone.
func FromWireLww(w protocol.WireLwwRecord) crdt.LWWRecord[any] {
	rec := crdt.LWWRecord[any]{Timestamp: w.Timestamp, TTLMillis: w.TTLMillis}
	if w.Value != nil {
		v := w.Value
		rec.Value = &v
	}
	return rec
}

func toWireOrRecords(records []crdt.ORMapRecord[any]) []protocol.WireOrRecord {
	out := make([]protocol.WireOrRecord, len(records))
	for i, r := range records {
		out[i] = protocol.WireOrRecord{
			Value: r.Value, Timestamp: r.Timestamp, Tag: r.Tag, TTLMillis: r.TTLMillis,
		}
	}
	return out
}

func fromWireOrRecords(wire []protocol.WireOrRecord) []crdt.ORMapRecord[any] {
	out := make([]crdt.ORMapRecord[any], len(wire))
	for i, w := range wire {
		out[i] = crdt.ORMapRecord[any]{
			Value: w.Value, Timestamp: w.Timestamp, Tag: w.Tag, TTLMillis: w.TTLMillis,
		}
	}
	return out
}
