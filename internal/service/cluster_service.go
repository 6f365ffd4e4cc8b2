package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/cluster"
	"github.com/fluxgrid/fluxgrid/internal/crdt"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
	"github.com/fluxgrid/fluxgrid/internal/storage"
	"github.com/fluxgrid/fluxgrid/internal/workerpool"
)

// ServiceCluster names the cluster service in the registry. It is not an
// operation handler; client messages never route here.
const ServiceCluster = "cluster"

// migrateBatchSize bounds the records per MIGRATE_DATA frame.
const migrateBatchSize = 256

// migrationWorkers bounds concurrent partition shipments.
const migrationWorkers = 4

// Transport delivers inter-node messages. Targets are node IDs for
// cluster members and raw addresses for join seeds. Implementations own
// connections and framing; Broadcast is best effort.
type Transport interface {
	Send(ctx context.Context, target string, msg cluster.Message) error
	Request(ctx context.Context, target string, msg cluster.Message) (cluster.Message, error)
	Broadcast(ctx context.Context, msg cluster.Message)
}

// LoopbackTransport is the single-node transport: sends vanish, requests
// fail. Bootstrap mode never needs the network.
type LoopbackTransport struct{}

func (LoopbackTransport) Send(context.Context, string, cluster.Message) error { return nil }
func (LoopbackTransport) Broadcast(context.Context, cluster.Message)          {}
func (LoopbackTransport) Request(_ context.Context, target string, _ cluster.Message) (cluster.Message, error) {
	return nil, griderr.New(griderr.CodeInternal, "loopback transport cannot reach %q", target)
}

// ClusterService runs membership: it joins or bootstraps at startup,
// heartbeats and sweeps failures on a background worker, plans rebalances
// as master and drives partition migrations.
type ClusterService struct {
	membership *cluster.Membership
	state      *cluster.State
	migrations *cluster.MigrationManager
	table      *partition.Table
	stores     *storage.RecordStoreFactory
	container  *Container
	transport  Transport
	router     *operation.Router
	cfg        cluster.Config
	seeds      []string
	clock      hlc.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger

	pool   *workerpool.Pool
	worker *BackgroundWorker

	ready atomic.Bool
}

// NewClusterService wires the membership machinery. A nil transport runs
// the node standalone on the loopback transport.
func NewClusterService(membership *cluster.Membership, state *cluster.State,
	migrations *cluster.MigrationManager, stores *storage.RecordStoreFactory,
	container *Container, transport Transport, router *operation.Router,
	cfg cluster.Config, seeds []string, clock hlc.Clock, logger *zap.Logger) *ClusterService {
	if transport == nil {
		transport = LoopbackTransport{}
	}
	if clock == nil {
		clock = hlc.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ClusterService{
		membership: membership,
		state:      state,
		migrations: migrations,
		table:      state.Table(),
		stores:     stores,
		container:  container,
		transport:  transport,
		router:     router,
		cfg:        cfg,
		seeds:      seeds,
		clock:      clock,
		logger:     logger,
		pool:       workerpool.New(migrationWorkers, migrationWorkers*8, logger),
	}
	interval := time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	s.worker = NewBackgroundWorker("cluster", TickFunc(s.tick), interval, logger)
	return s
}

// Instrument attaches the node's collectors; wire before Init.
func (s *ClusterService) Instrument(m *metrics.Metrics) { s.metrics = m }

// Name implements ManagedService.
func (s *ClusterService) Name() string { return ServiceCluster }

// Init joins the cluster through a seed, or bootstraps when no seeds are
// configured, then starts the heartbeat worker.
func (s *ClusterService) Init(ctx context.Context) error {
	if len(s.seeds) == 0 {
		s.membership.Bootstrap()
	} else if err := s.join(ctx); err != nil {
		return err
	}
	s.worker.Start(ctx)
	s.ready.Store(true)
	return nil
}

// Reset implements ManagedService. Membership survives resets; only
// in-flight migrations are dropped.
func (s *ClusterService) Reset(context.Context) error {
	for pid := range s.migrations.Active() {
		s.migrations.Cancel(pid, "service reset")
	}
	return nil
}

// Shutdown announces departure unless terminating, then stops the worker
// and the migration pool.
func (s *ClusterService) Shutdown(ctx context.Context, terminate bool) error {
	s.ready.Store(false)
	if !terminate {
		s.transport.Broadcast(ctx, &cluster.LeaveRequest{
			NodeID: s.membership.Local().NodeID,
		})
	}
	s.worker.Stop()
	s.pool.Stop(5 * time.Second)
	return nil
}

// Ready reports whether the node is a functioning member.
func (s *ClusterService) Ready() bool { return s.ready.Load() }

// join asks each seed for admission, retrying with exponential backoff
// until a seed accepts or ctx ends.
func (s *ClusterService) join(ctx context.Context) error {
	local := s.membership.Local()
	req := &cluster.JoinRequest{
		NodeID:          local.NodeID,
		Host:            local.Host,
		ClientPort:      local.ClientPort,
		ClusterPort:     local.ClusterPort,
		ClusterID:       s.cfg.ClusterID,
		ProtocolVersion: s.cfg.ProtocolVersion,
		AuthToken:       s.cfg.AuthToken,
	}

	attempt := func() error {
		for _, seed := range s.seeds {
			reply, err := s.transport.Request(ctx, seed, req)
			if err != nil {
				s.logger.Warn("seed unreachable", zap.String("seed", seed), zap.Error(err))
				continue
			}
			resp, ok := reply.(*cluster.JoinResponse)
			if !ok {
				s.logger.Warn("seed sent unexpected reply",
					zap.String("seed", seed),
					zap.String("type", reply.ClusterMessageType()))
				continue
			}
			if !resp.Accepted {
				return backoff.Permanent(griderr.JoinRejected(resp.RejectReason))
			}
			s.state.ApplyMembersUpdate(resp.MembersView)
			s.table.ApplyAssignments(cluster.TableAssignments(resp.Assignments))
			s.table.SetVersion(resp.MembersView.Version)
			s.logger.Info("joined cluster",
				zap.String("seed", seed),
				zap.Uint64("view_version", resp.MembersView.Version))
			return nil
		}
		return griderr.New(griderr.CodeInternal, "no seed accepted the join")
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(attempt, policy)
}

// tick runs every heartbeat interval: announce liveness, sweep silent
// members, and as master escalate suspects and plan rebalancing.
func (s *ClusterService) tick(ctx context.Context) error {
	now := s.clock.NowMillis()
	s.transport.Broadcast(ctx, &cluster.Heartbeat{
		NodeID:      s.membership.Local().NodeID,
		TimestampMs: now,
	})

	if suspected := s.membership.SweepFailures(now); len(suspected) > 0 {
		s.broadcastView(ctx)
	}
	for member, phi := range s.membership.SuspicionLevels(now) {
		s.metrics.ObserveMemberPhi(member, phi)
	}
	s.metrics.SetMigrationsActive(len(s.migrations.Active()))

	if s.membership.IsMaster() {
		s.escalateSuspects(ctx, now)
		s.rebalance(ctx)
	}
	return nil
}

// escalateSuspects moves still-silent suspects to Dead and drops them from
// the view.
func (s *ClusterService) escalateSuspects(ctx context.Context, now uint64) {
	view := s.state.View()
	changed := false
	for _, member := range view.Members {
		if member.State != cluster.StateSuspect {
			continue
		}
		if _, ok := s.membership.MarkDead(member.NodeID); !ok {
			continue
		}
		s.transport.Broadcast(ctx, &cluster.ExplicitSuspicion{
			SuspectID: member.NodeID,
			Reason:    "no heartbeat",
		})
		if _, ok := s.membership.Remove(member.NodeID); ok {
			s.metrics.ForgetMember(member.NodeID)
			changed = true
		}
	}
	if changed {
		s.broadcastView(ctx)
	}
}

// rebalance diffs the partition table against the ideal placement for the
// current membership: empty slots are claimed directly, owner changes go
// through migration.
func (s *ClusterService) rebalance(ctx context.Context) {
	view := s.state.View()
	target := cluster.ComputeAssignment(view, partition.Count, s.cfg.BackupCount)
	if target == nil {
		return
	}

	// Claim unowned slots without migration; there is nothing to move.
	claimed := false
	for pid := uint32(0); pid < partition.Count; pid++ {
		meta, ok := s.table.Get(pid)
		if ok && meta.Owner != "" {
			continue
		}
		a := target[pid]
		s.table.Set(pid, partition.Meta{Owner: a.Owner, Backups: a.Backups})
		claimed = true
	}
	if claimed {
		s.table.SetVersion(s.table.Version() + 1)
		s.broadcastTable(ctx)
	}

	tasks := cluster.PlanRebalance(s.table, target)
	if len(tasks) == 0 {
		return
	}
	for _, task := range cluster.OrderMigrations(tasks, s.table) {
		if _, inFlight := s.migrations.Get(task.PartitionID); inFlight {
			continue
		}
		s.startMigration(ctx, task)
	}
}

// startMigration opens the FSM and kicks the source. A local source ships
// directly; a remote one is told to.
func (s *ClusterService) startMigration(ctx context.Context, task cluster.MigrationTask) {
	if err := s.migrations.Begin(task); err != nil {
		s.logger.Warn("migration not started",
			zap.Uint32("partition", task.PartitionID), zap.Error(err))
		return
	}
	if task.Source == s.membership.Local().NodeID {
		s.shipAsync(ctx, task)
		return
	}
	if err := s.transport.Send(ctx, task.Source, &cluster.MigrateStart{Task: task}); err != nil {
		s.migrations.Cancel(task.PartitionID, "source unreachable: "+err.Error())
	}
}

func (s *ClusterService) shipAsync(ctx context.Context, task cluster.MigrationTask) {
	if err := s.pool.TrySubmit(func() { s.shipPartition(ctx, task) }); err != nil {
		s.migrations.Cancel(task.PartitionID, "migration pool saturated")
	}
}

// shipPartition streams every store of the partition to the destination
// in bounded batches, then a final empty frame.
func (s *ClusterService) shipPartition(ctx context.Context, task cluster.MigrationTask) {
	pid := task.PartitionID
	if err := s.migrations.Advance(pid, cluster.PhaseData); err != nil {
		return
	}
	for _, store := range s.stores.ForPartition(pid) {
		cursor := storage.NewCursor()
		for !cursor.Finished {
			var entries []storage.Entry
			entries, cursor = store.FetchEntries(cursor, migrateBatchSize)
			if len(entries) == 0 {
				continue
			}
			records := make(map[string]storage.Record, len(entries))
			for _, entry := range entries {
				records[entry.Key] = entry.Record
			}
			frame := &cluster.MigrateData{
				PartitionID: pid,
				MapName:     store.MapName(),
				Records:     records,
			}
			if err := s.transport.Send(ctx, task.Destination, frame); err != nil {
				s.migrations.Cancel(pid, "destination unreachable: "+err.Error())
				return
			}
		}
	}
	final := &cluster.MigrateData{PartitionID: pid, Final: true}
	if err := s.transport.Send(ctx, task.Destination, final); err != nil {
		s.migrations.Cancel(pid, "destination unreachable: "+err.Error())
	}
}

// HandleClusterMessage is the inter-node dispatch. A nil reply means the
// message wants no response.
func (s *ClusterService) HandleClusterMessage(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
	switch m := msg.(type) {
	case *cluster.JoinRequest:
		resp, next := s.membership.HandleJoinRequest(m)
		if next != nil {
			s.broadcastView(ctx)
		}
		return resp, nil
	case *cluster.MembersUpdate:
		view := m.View
		s.state.ApplyMembersUpdate(&view)
		return nil, nil
	case *cluster.LeaveRequest:
		if _, ok := s.membership.HandleLeaveRequest(m); ok {
			s.broadcastView(ctx)
		}
		return nil, nil
	case *cluster.Heartbeat:
		s.membership.RecordHeartbeat(m, s.clock.NowMillis())
		s.promoteJoiner(ctx, m.NodeID)
		return nil, nil
	case *cluster.HeartbeatComplaint:
		s.handleComplaint(ctx, m)
		return nil, nil
	case *cluster.ExplicitSuspicion:
		s.membership.MarkSuspect(m.SuspectID)
		return nil, nil
	case *cluster.PartitionTableUpdate:
		s.applyTableUpdate(m)
		return nil, nil
	case *cluster.FetchPartitionTable:
		return s.tableUpdate(), nil
	case *cluster.MigrateStart:
		if err := s.migrations.Begin(m.Task); err != nil {
			return nil, err
		}
		s.shipAsync(ctx, m.Task)
		return nil, nil
	case *cluster.MigrateData:
		return nil, s.applyMigrateData(ctx, m)
	case *cluster.MigrateReady:
		s.finalizeMigration(ctx, m)
		return nil, nil
	case *cluster.MigrateFinalize:
		s.applyFinalize(m)
		return nil, nil
	case *cluster.MigrateCancel:
		s.migrations.Cancel(m.PartitionID, m.Reason)
		return nil, nil
	case *cluster.SplitBrainProbe:
		return s.membership.HandleProbe(m), nil
	case *cluster.SplitBrainProbeResponse:
		s.handleProbeResponse(ctx, m)
		return nil, nil
	case *cluster.MergeRequest:
		view := m.View
		s.state.ApplyMembersUpdate(&view)
		return nil, nil
	case *cluster.OpForward:
		return nil, s.applyForward(ctx, m)
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"unknown cluster message %s", msg.ClusterMessageType())
	}
}

// promoteJoiner completes the admission ceremony: the first heartbeat
// from an admitted joiner proves it is reachable, so the master activates
// it and the next rebalance pass starts moving partitions onto it.
func (s *ClusterService) promoteJoiner(ctx context.Context, nodeID string) {
	if !s.membership.IsMaster() {
		return
	}
	member, ok := s.state.View().Members[nodeID]
	if !ok || member.State != cluster.StateJoining {
		return
	}
	if _, ok := s.membership.PromoteToActive(nodeID); ok {
		s.logger.Info("member promoted to active", zap.String("node_id", nodeID))
		s.broadcastView(ctx)
	}
}

// handleComplaint is the master-side verdict on a reported suspect: only
// when the local detector agrees is the suspicion made explicit.
func (s *ClusterService) handleComplaint(ctx context.Context, m *cluster.HeartbeatComplaint) {
	if !s.membership.IsMaster() {
		return
	}
	if _, ok := s.membership.MarkSuspect(m.SuspectID); !ok {
		return
	}
	s.transport.Broadcast(ctx, &cluster.ExplicitSuspicion{
		SuspectID: m.SuspectID,
		Reason:    "complaint from " + m.ComplainerID,
	})
	s.broadcastView(ctx)
}

func (s *ClusterService) applyTableUpdate(m *cluster.PartitionTableUpdate) {
	if m.Version <= s.table.Version() {
		return
	}
	s.table.ApplyAssignments(cluster.TableAssignments(m.Assignments))
	s.table.SetVersion(m.Version)
}

// applyMigrateData lands a batch on the backup path and folds its CRDT
// payloads into the in-memory maps, so the destination is queryable the
// instant ownership flips. The final frame answers with MIGRATE_READY.
func (s *ClusterService) applyMigrateData(ctx context.Context, m *cluster.MigrateData) error {
	if _, ok := s.migrations.Get(m.PartitionID); !ok {
		// First frame of a migration this node only learns about now.
		task := cluster.MigrationTask{
			PartitionID: m.PartitionID,
			Destination: s.membership.Local().NodeID,
		}
		if owner, ok := s.table.Owner(m.PartitionID); ok {
			task.Source = owner
		}
		if err := s.migrations.Begin(task); err != nil {
			return err
		}
	}
	if err := s.migrations.Advance(m.PartitionID, cluster.PhaseData); err != nil {
		return err
	}

	if m.MapName != "" {
		store := s.stores.Get(m.MapName, m.PartitionID)
		for key, rec := range m.Records {
			if _, err := store.PutBackup(ctx, key, rec.Value, rec.Expiry); err != nil {
				return err
			}
			s.foldIntoMaps(m.MapName, key, rec.Value)
		}
	}

	if !m.Final {
		return nil
	}
	if err := s.migrations.Advance(m.PartitionID, cluster.PhaseReady); err != nil {
		return err
	}
	mig, _ := s.migrations.Get(m.PartitionID)
	ready := &cluster.MigrateReady{
		PartitionID: m.PartitionID,
		Destination: s.membership.Local().NodeID,
	}
	return s.transport.Send(ctx, mig.Task.Source, ready)
}

// foldIntoMaps merges a migrated record into the CRDT container. Internal
// namespaces stay out of the client-visible maps.
func (s *ClusterService) foldIntoMaps(mapName, key string, value storage.RecordValue) {
	if len(mapName) > 0 && mapName[0] == '_' {
		return
	}
	switch value.Kind {
	case storage.KindLww:
		if value.Lww == nil {
			return
		}
		rec := crdt.LWWRecord[any]{
			Timestamp: value.Lww.Timestamp,
			TTLMillis: value.Lww.TTLMillis,
		}
		if value.Lww.Value != nil {
			v := value.Lww.Value
			rec.Value = &v
		}
		s.container.LWW(mapName).Merge(key, rec)
	case storage.KindOrMap:
		records := make([]crdt.ORMapRecord[any], len(value.OrEntries))
		for i, e := range value.OrEntries {
			records[i] = crdt.ORMapRecord[any]{
				Value: e.Value, Timestamp: e.Timestamp, Tag: e.Tag, TTLMillis: e.TTLMillis,
			}
		}
		s.container.OR(mapName).MergeKey(key, records, nil)
	case storage.KindOrTombstones:
		s.container.OR(mapName).MergeKey(key, nil, value.OrTombstones)
	}
}

// finalizeMigration is the source side of MIGRATE_READY: commit the
// ownership flip, tell the cluster and drop the shipped data.
func (s *ClusterService) finalizeMigration(ctx context.Context, m *cluster.MigrateReady) {
	pid := m.PartitionID
	if err := s.migrations.Advance(pid, cluster.PhaseReady); err != nil {
		s.logger.Warn("unexpected migrate ready",
			zap.Uint32("partition", pid), zap.Error(err))
		return
	}
	task, err := s.migrations.Finalize(pid)
	if err != nil {
		s.logger.Warn("migration finalize failed",
			zap.Uint32("partition", pid), zap.Error(err))
		return
	}

	s.table.Set(pid, partition.Meta{Owner: task.Destination, Backups: task.NewBackups})
	s.table.SetVersion(s.table.Version() + 1)
	s.transport.Broadcast(ctx, &cluster.MigrateFinalize{
		PartitionID: pid,
		NewOwner:    task.Destination,
	})
	s.broadcastTable(ctx)

	for _, store := range s.stores.ForPartition(pid) {
		store.Destroy()
		s.stores.Drop(store.MapName(), pid)
	}
}

// applyFinalize lands an ownership flip announced by the source. The
// destination's own FSM entry completes here too.
func (s *ClusterService) applyFinalize(m *cluster.MigrateFinalize) {
	meta, _ := s.table.Get(m.PartitionID)
	meta.Owner = m.NewOwner
	s.table.Set(m.PartitionID, meta)
	if mig, ok := s.migrations.Get(m.PartitionID); ok && mig.Phase == cluster.PhaseReady {
		if _, err := s.migrations.Finalize(m.PartitionID); err != nil {
			s.logger.Warn("finalize after flip failed",
				zap.Uint32("partition", m.PartitionID), zap.Error(err))
		}
	}
}

// handleProbeResponse heals a split brain: when the remote side wins, this
// side adopts its claim and rejoins through it.
func (s *ClusterService) handleProbeResponse(ctx context.Context, m *cluster.SplitBrainProbeResponse) {
	if !m.ShouldMerge {
		return
	}
	s.logger.Warn("yielding to larger cluster side",
		zap.String("winner_master", m.MasterID),
		zap.Int("winner_members", m.MemberCount))
	view := s.state.View().Clone()
	if err := s.transport.Send(ctx, m.NodeID, &cluster.MergeRequest{
		NodeID: s.membership.Local().NodeID,
		View:   *view,
	}); err != nil {
		s.logger.Error("merge request failed", zap.Error(err))
	}
}

// applyForward runs a relayed client operation on the owner. The reply is
// dropped: the forwarding node already answered its client with a
// FORWARD status and the write converges through sync.
func (s *ClusterService) applyForward(ctx context.Context, m *cluster.OpForward) error {
	payload, err := m.DecodePayload()
	if err != nil {
		return err
	}
	if _, err := s.router.Dispatch(ctx, "", operation.OriginForwarded, payload); err != nil {
		s.logger.Error("forwarded operation failed",
			zap.String("source", m.SourceNodeID),
			zap.Uint32("partition", m.PartitionID),
			zap.Error(err))
		return err
	}
	return nil
}

// ForwardOp relays a client operation to the owner of pid.
func (s *ClusterService) ForwardOp(ctx context.Context, pid uint32, msg protocol.Message) error {
	owner, ok := s.table.Owner(pid)
	if !ok || owner == "" {
		return griderr.NotOwner(pid, "")
	}
	fwd, err := cluster.NewOpForward(s.membership.Local().NodeID, pid, msg)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, owner, fwd)
}

func (s *ClusterService) broadcastView(ctx context.Context) {
	view := s.state.View().Clone()
	s.transport.Broadcast(ctx, &cluster.MembersUpdate{View: *view})
}

func (s *ClusterService) broadcastTable(ctx context.Context) {
	s.transport.Broadcast(ctx, s.tableUpdate())
}

func (s *ClusterService) tableUpdate() *cluster.PartitionTableUpdate {
	assignments := make([]cluster.Assignment, partition.Count)
	for pid := uint32(0); pid < partition.Count; pid++ {
		if meta, ok := s.table.Get(pid); ok {
			assignments[pid] = cluster.Assignment{Owner: meta.Owner, Backups: meta.Backups}
		}
	}
	return &cluster.PartitionTableUpdate{
		Version:     s.table.Version(),
		Assignments: assignments,
	}
}
