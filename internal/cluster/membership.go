package cluster

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/partition"
)

// Membership runs the join, leave, heartbeat and failure ceremonies on
// top of the shared cluster state. Ceremony outcomes that must reach the
// rest of the cluster are returned as messages for the caller to
// broadcast; Membership itself never touches the network.
type Membership struct {
	state    *State
	detector FailureDetector
	cfg      Config
	local    MemberInfo
	logger   *zap.Logger
}

// NewMembership builds the membership manager for the local node.
func NewMembership(state *State, detector FailureDetector, cfg Config,
	local MemberInfo, logger *zap.Logger) *Membership {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{
		state:    state,
		detector: detector,
		cfg:      cfg,
		local:    local,
		logger:   logger,
	}
}

// Local returns the local member descriptor.
func (m *Membership) Local() MemberInfo { return m.local }

// IsMaster reports whether the local node is the current master.
func (m *Membership) IsMaster() bool {
	master, ok := m.state.Master()
	return ok && master.NodeID == m.local.NodeID
}

// Bootstrap seeds a single-node cluster with the local node Active at
// join version 1.
func (m *Membership) Bootstrap() *MembersView {
	view := NewMembersView()
	view.Version = 1
	m.local.State = StateActive
	m.local.JoinVersion = 1
	view.Members[m.local.NodeID] = m.local
	m.state.ApplyMembersUpdate(view)

	assignments := ComputeAssignment(view, partition.Count, m.cfg.BackupCount)
	m.state.Table().ApplyAssignments(TableAssignments(assignments))
	m.logger.Info("bootstrapped cluster",
		zap.String("node_id", m.local.NodeID),
		zap.String("cluster_id", m.cfg.ClusterID))
	return view
}

// HandleJoinRequest is the master-side admission ceremony: validate the
// request, assign a fresh join version, admit the joiner as Joining and
// build the view to broadcast. Non-masters refuse.
func (m *Membership) HandleJoinRequest(req *JoinRequest) (*JoinResponse, *MembersView) {
	reject := func(reason string) (*JoinResponse, *MembersView) {
		m.logger.Warn("join rejected",
			zap.String("node_id", req.NodeID),
			zap.String("reason", reason))
		return &JoinResponse{Accepted: false, RejectReason: reason}, nil
	}

	if !m.IsMaster() {
		return reject("not the master")
	}
	if req.ClusterID != m.cfg.ClusterID {
		return reject(fmt.Sprintf("cluster id mismatch: %q", req.ClusterID))
	}
	if req.ProtocolVersion != m.cfg.ProtocolVersion {
		return reject(fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion))
	}
	if m.cfg.AuthToken != "" && req.AuthToken != m.cfg.AuthToken {
		return reject("invalid auth token")
	}

	current := m.state.View()
	next := current.Clone()
	next.Version = current.Version + 1
	next.Members[req.NodeID] = MemberInfo{
		NodeID:      req.NodeID,
		Host:        req.Host,
		ClientPort:  req.ClientPort,
		ClusterPort: req.ClusterPort,
		State:       StateJoining,
		JoinVersion: current.MaxJoinVersion() + 1,
	}
	m.state.ApplyMembersUpdate(next)
	m.logger.Info("member joining",
		zap.String("node_id", req.NodeID),
		zap.Uint64("join_version", next.Members[req.NodeID].JoinVersion))

	assignments := assignmentsFromTable(m.state.Table())
	return &JoinResponse{
		Accepted:    true,
		MembersView: next,
		Assignments: assignments,
	}, next
}

// PromoteToActive moves a Joining member to Active after its data has
// migrated, returning the view to broadcast.
func (m *Membership) PromoteToActive(nodeID string) (*MembersView, bool) {
	return m.transition(nodeID, StateJoining, StateActive)
}

// MarkSuspect moves an Active member to Suspect.
func (m *Membership) MarkSuspect(nodeID string) (*MembersView, bool) {
	return m.transition(nodeID, StateActive, StateSuspect)
}

// MarkDead moves a Suspect member to Dead.
func (m *Membership) MarkDead(nodeID string) (*MembersView, bool) {
	return m.transition(nodeID, StateSuspect, StateDead)
}

// HandleLeaveRequest moves the leaver to Leaving; the master drains its
// partitions before removal.
func (m *Membership) HandleLeaveRequest(req *LeaveRequest) (*MembersView, bool) {
	current := m.state.View()
	member, ok := current.Members[req.NodeID]
	if !ok || member.State == StateRemoved {
		return nil, false
	}
	next := current.Clone()
	next.Version = current.Version + 1
	member.State = StateLeaving
	next.Members[req.NodeID] = member
	if !m.state.ApplyMembersUpdate(next) {
		return nil, false
	}
	m.logger.Info("member leaving", zap.String("node_id", req.NodeID))
	return next, true
}

// Remove drops a member from the view entirely and forgets its
// heartbeat history.
func (m *Membership) Remove(nodeID string) (*MembersView, bool) {
	current := m.state.View()
	if _, ok := current.Members[nodeID]; !ok {
		return nil, false
	}
	next := current.Clone()
	next.Version = current.Version + 1
	delete(next.Members, nodeID)
	if !m.state.ApplyMembersUpdate(next) {
		return nil, false
	}
	m.detector.Forget(nodeID)
	m.logger.Info("member removed", zap.String("node_id", nodeID))
	return next, true
}

func (m *Membership) transition(nodeID string, from, to NodeState) (*MembersView, bool) {
	current := m.state.View()
	member, ok := current.Members[nodeID]
	if !ok || member.State != from {
		return nil, false
	}
	next := current.Clone()
	next.Version = current.Version + 1
	member.State = to
	next.Members[nodeID] = member
	if !m.state.ApplyMembersUpdate(next) {
		return nil, false
	}
	m.logger.Info("member state changed",
		zap.String("node_id", nodeID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return next, true
}

// RecordHeartbeat feeds a heartbeat into the failure detector.
func (m *Membership) RecordHeartbeat(hb *Heartbeat, nowMillis uint64) {
	m.detector.Heartbeat(hb.NodeID, nowMillis)
}

// SweepFailures scans remote Active members against the failure detector
// and suspects the unreachable ones. Returns the IDs newly suspected.
func (m *Membership) SweepFailures(nowMillis uint64) []string {
	var suspected []string
	for _, member := range m.state.View().ActiveMembers() {
		if member.NodeID == m.local.NodeID {
			continue
		}
		if m.detector.IsAlive(member.NodeID, nowMillis) {
			continue
		}
		if _, ok := m.MarkSuspect(member.NodeID); ok {
			m.logger.Warn("member suspected",
				zap.String("node_id", member.NodeID),
				zap.Float64("phi", m.detector.SuspicionLevel(member.NodeID, nowMillis)))
			suspected = append(suspected, member.NodeID)
		}
	}
	return suspected
}

// SuspicionLevels reports the detector's current phi for every remote
// Active member.
func (m *Membership) SuspicionLevels(nowMillis uint64) map[string]float64 {
	levels := make(map[string]float64)
	for _, member := range m.state.View().ActiveMembers() {
		if member.NodeID == m.local.NodeID {
			continue
		}
		levels[member.NodeID] = m.detector.SuspicionLevel(member.NodeID, nowMillis)
	}
	return levels
}

// Probe builds this side's split-brain claim.
func (m *Membership) Probe() *SplitBrainProbe {
	view := m.state.View()
	masterID := ""
	if master, ok := view.Master(); ok {
		masterID = master.NodeID
	}
	return &SplitBrainProbe{
		NodeID:      m.local.NodeID,
		ClusterID:   m.cfg.ClusterID,
		ViewVersion: view.Version,
		MemberCount: len(view.Members),
		MasterID:    masterID,
	}
}

// ShouldYield decides split-brain healing: the smaller side merges into
// the larger; equal sizes break the tie on master node ID, lowest wins.
func (m *Membership) ShouldYield(remote *SplitBrainProbe) bool {
	if remote.ClusterID != m.cfg.ClusterID {
		return false
	}
	local := m.Probe()
	if local.MemberCount != remote.MemberCount {
		return local.MemberCount < remote.MemberCount
	}
	return local.MasterID > remote.MasterID
}

// HandleProbe answers a split-brain probe with the local claim and the
// verdict on whether the prober should merge into this side.
func (m *Membership) HandleProbe(remote *SplitBrainProbe) *SplitBrainProbeResponse {
	local := m.Probe()
	return &SplitBrainProbeResponse{
		NodeID:      local.NodeID,
		ViewVersion: local.ViewVersion,
		MemberCount: local.MemberCount,
		MasterID:    local.MasterID,
		ShouldMerge: !m.ShouldYield(remote),
	}
}

func assignmentsFromTable(table *partition.Table) []Assignment {
	assignments := make([]Assignment, partition.Count)
	for pid := uint32(0); pid < partition.Count; pid++ {
		if meta, ok := table.Get(pid); ok {
			assignments[pid] = Assignment{Owner: meta.Owner, Backups: meta.Backups}
		}
	}
	return assignments
}
