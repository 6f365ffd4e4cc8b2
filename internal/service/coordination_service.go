package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/cluster"
	"github.com/fluxgrid/fluxgrid/internal/connection"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// lockWaiter is one queued lock request.
type lockWaiter struct {
	connID     string
	deadlineMs uint64 // 0 means wait forever
}

// lockState is one lock: its current holder and the FIFO wait queue. The
// fencing token increments on every grant, so a stale holder's writes can
// be rejected downstream.
type lockState struct {
	holder  string
	token   uint64
	waiters []lockWaiter
}

// CoordinationService serves distributed locks, the client partition map
// and liveness pings.
type CoordinationService struct {
	state    *cluster.State
	table    *partition.Table
	registry *connection.Registry
	clock    hlc.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*lockState

	ready atomic.Bool
}

// NewCoordinationService wires locks and cluster metadata serving.
func NewCoordinationService(state *cluster.State, table *partition.Table,
	registry *connection.Registry, clock hlc.Clock, logger *zap.Logger) *CoordinationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = hlc.SystemClock{}
	}
	return &CoordinationService{
		state:    state,
		table:    table,
		registry: registry,
		clock:    clock,
		logger:   logger,
		locks:    make(map[string]*lockState),
	}
}

// Name implements ManagedService.
func (s *CoordinationService) Name() string { return operation.ServiceCoordination }

// ServiceName implements operation.Handler.
func (s *CoordinationService) ServiceName() string { return operation.ServiceCoordination }

// Ready implements operation.Handler.
func (s *CoordinationService) Ready() bool { return s.ready.Load() }

// Init implements ManagedService.
func (s *CoordinationService) Init(context.Context) error {
	s.ready.Store(true)
	return nil
}

// Reset drops all lock state. Fencing tokens restart, so a reset fences
// out every pre-reset holder.
func (s *CoordinationService) Reset(context.Context) error {
	s.mu.Lock()
	s.locks = make(map[string]*lockState)
	s.mu.Unlock()
	return nil
}

// Shutdown implements ManagedService.
func (s *CoordinationService) Shutdown(ctx context.Context, _ bool) error {
	s.ready.Store(false)
	return s.Reset(ctx)
}

// Handle implements operation.Handler for LOCK_REQUEST, LOCK_RELEASE,
// PARTITION_MAP_REQUEST and PING.
func (s *CoordinationService) Handle(_ context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.LockRequest:
		return s.acquire(op.ConnectionID, m), nil
	case *protocol.LockRelease:
		return s.release(op.ConnectionID, m.LockID)
	case *protocol.PartitionMapRequest:
		return s.PartitionMap(), nil
	case *protocol.Ping:
		return &protocol.Pong{Type: protocol.TypePong, TimestampMs: s.clock.NowMillis()}, nil
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"coordination service cannot handle %s", op.Message.MessageType())
	}
}

// acquire grants the lock immediately when free, otherwise queues the
// requester. A queued requester hears nothing until the grant arrives or
// its timeout lapses.
func (s *CoordinationService) acquire(connID string, m *protocol.LockRequest) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.locks[m.LockID]
	if !ok {
		ls = &lockState{}
		s.locks[m.LockID] = ls
	}
	if ls.holder == "" || ls.holder == connID {
		ls.holder = connID
		ls.token++
		return &protocol.LockGranted{
			Type:         protocol.TypeLockGranted,
			LockID:       m.LockID,
			FencingToken: ls.token,
		}
	}

	var deadline uint64
	if m.TimeoutMs != nil && *m.TimeoutMs > 0 {
		deadline = s.clock.NowMillis() + *m.TimeoutMs
	}
	ls.waiters = append(ls.waiters, lockWaiter{connID: connID, deadlineMs: deadline})
	s.logger.Debug("lock contended",
		zap.String("lock_id", m.LockID), zap.Int("waiters", len(ls.waiters)))
	return nil
}

// release confirms to the releaser and hands the lock to the next live
// waiter. Only the holder may release.
func (s *CoordinationService) release(connID, lockID string) (protocol.Message, error) {
	s.mu.Lock()
	ls, ok := s.locks[lockID]
	if !ok || ls.holder != connID {
		s.mu.Unlock()
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"lock %q is not held by this connection", lockID)
	}
	grant := s.grantNext(lockID, ls)
	s.mu.Unlock()

	if grant != nil {
		s.push(grant.conn, grant.msg)
	}
	return &protocol.LockReleased{Type: protocol.TypeLockReleased, LockID: lockID}, nil
}

type pendingGrant struct {
	conn string
	msg  *protocol.LockGranted
}

// grantNext pops expired and vanished waiters, grants to the first live
// one, and deletes the lock when nobody is left. Caller holds s.mu.
func (s *CoordinationService) grantNext(lockID string, ls *lockState) *pendingGrant {
	ls.holder = ""
	now := s.clock.NowMillis()
	for len(ls.waiters) > 0 {
		next := ls.waiters[0]
		ls.waiters = ls.waiters[1:]
		if next.deadlineMs > 0 && next.deadlineMs <= now {
			continue
		}
		if _, alive := s.registry.Get(next.connID); !alive {
			continue
		}
		ls.holder = next.connID
		ls.token++
		return &pendingGrant{
			conn: next.connID,
			msg: &protocol.LockGranted{
				Type:         protocol.TypeLockGranted,
				LockID:       lockID,
				FencingToken: ls.token,
			},
		}
	}
	if len(ls.waiters) == 0 {
		delete(s.locks, lockID)
	}
	return nil
}

func (s *CoordinationService) push(connID string, msg protocol.Message) {
	conn, ok := s.registry.Get(connID)
	if !ok {
		return
	}
	if !conn.TrySend(msg) {
		s.logger.Warn("dropping lock grant for slow connection",
			zap.String("conn_id", connID))
	}
}

// DropConnection releases every lock held by a closed connection and
// removes it from all wait queues.
func (s *CoordinationService) DropConnection(connID string) {
	s.mu.Lock()
	var grants []*pendingGrant
	for lockID, ls := range s.locks {
		kept := ls.waiters[:0]
		for _, w := range ls.waiters {
			if w.connID != connID {
				kept = append(kept, w)
			}
		}
		ls.waiters = kept
		if ls.holder == connID {
			if grant := s.grantNext(lockID, ls); grant != nil {
				grants = append(grants, grant)
			}
		} else if ls.holder == "" && len(ls.waiters) == 0 {
			delete(s.locks, lockID)
		}
	}
	s.mu.Unlock()

	for _, grant := range grants {
		s.push(grant.conn, grant.msg)
	}
}

// PartitionMap builds the client routing table from the current membership
// view and partition table.
func (s *CoordinationService) PartitionMap() *protocol.PartitionMap {
	view := s.state.View()

	nodes := make([]protocol.NodeInfo, 0, len(view.Members))
	for _, m := range view.Members {
		nodes = append(nodes, protocol.NodeInfo{
			NodeID: m.NodeID,
			Endpoints: protocol.NodeEndpoints{
				Websocket: fmt.Sprintf("ws://%s:%d/sync", m.Host, m.ClientPort),
				HTTP:      fmt.Sprintf("http://%s:%d", m.Host, m.ClientPort),
			},
			Status: nodeStatus(m.State),
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	snapshot := s.table.Snapshot()
	partitions := make([]protocol.PartitionInfo, 0, len(snapshot))
	for pid, meta := range snapshot {
		partitions = append(partitions, protocol.PartitionInfo{
			PartitionID:   pid,
			OwnerNodeID:   meta.Owner,
			BackupNodeIDs: meta.Backups,
		})
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].PartitionID < partitions[j].PartitionID
	})

	return &protocol.PartitionMap{
		Type: protocol.TypePartitionMap,
		Payload: protocol.PartitionMapPayload{
			Version:        s.table.Version(),
			PartitionCount: partition.Count,
			Nodes:          nodes,
			Partitions:     partitions,
			GeneratedAt:    s.clock.NowMillis(),
		},
	}
}

// nodeStatus maps internal member states to the client-facing vocabulary.
func nodeStatus(state cluster.NodeState) string {
	switch state {
	case cluster.StateActive:
		return protocol.NodeStatusActive
	case cluster.StateJoining:
		return protocol.NodeStatusJoining
	case cluster.StateLeaving:
		return protocol.NodeStatusLeaving
	case cluster.StateSuspect:
		return protocol.NodeStatusSuspected
	default:
		return protocol.NodeStatusFailed
	}
}
