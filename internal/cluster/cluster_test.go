package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

func activeView(nodeIDs ...string) *MembersView {
	view := NewMembersView()
	view.Version = 1
	for i, id := range nodeIDs {
		view.Members[id] = MemberInfo{
			NodeID:      id,
			State:       StateActive,
			JoinVersion: uint64(i + 1),
		}
	}
	return view
}

func TestMasterLowestJoinVersion(t *testing.T) {
	view := NewMembersView()
	view.Members["n-c"] = MemberInfo{NodeID: "n-c", State: StateActive, JoinVersion: 3}
	view.Members["n-a"] = MemberInfo{NodeID: "n-a", State: StateActive, JoinVersion: 2}
	view.Members["n-b"] = MemberInfo{NodeID: "n-b", State: StateJoining, JoinVersion: 1}

	master, ok := view.Master()
	require.True(t, ok)
	assert.Equal(t, "n-a", master.NodeID, "joining members cannot be master")
}

func TestMasterTieBreaksOnNodeID(t *testing.T) {
	view := NewMembersView()
	view.Members["n-b"] = MemberInfo{NodeID: "n-b", State: StateActive, JoinVersion: 1}
	view.Members["n-a"] = MemberInfo{NodeID: "n-a", State: StateActive, JoinVersion: 1}

	master, ok := view.Master()
	require.True(t, ok)
	assert.Equal(t, "n-a", master.NodeID)
}

func TestComputeAssignmentFairness(t *testing.T) {
	view := activeView("n-a", "n-b", "n-c")
	assignments := ComputeAssignment(view, partition.Count, 1)
	require.Len(t, assignments, int(partition.Count))

	counts := map[string]int{}
	for _, a := range assignments {
		require.NotEmpty(t, a.Owner)
		counts[a.Owner]++
		for _, b := range a.Backups {
			assert.NotEqual(t, a.Owner, b, "backup must differ from owner")
		}
	}
	var sizes []int
	for _, c := range counts {
		sizes = append(sizes, c)
	}
	assert.ElementsMatch(t, []int{90, 90, 91}, sizes)
}

func TestComputeAssignmentBackupsClamped(t *testing.T) {
	single := ComputeAssignment(activeView("n-a"), partition.Count, 2)
	require.Len(t, single, int(partition.Count))
	for _, a := range single {
		assert.Equal(t, "n-a", a.Owner)
		assert.Empty(t, a.Backups)
	}

	assert.Nil(t, ComputeAssignment(NewMembersView(), partition.Count, 1))
}

func TestPlanRebalanceOnlyOwnedChangingPartitions(t *testing.T) {
	table := partition.NewTable()
	table.ApplyAssignments(map[uint32]partition.Meta{
		0: {Owner: "n-a"},
		1: {Owner: "n-a", Backups: []string{"n-b"}},
		2: {Owner: "n-b"},
	})

	target := make([]Assignment, 4)
	target[0] = Assignment{Owner: "n-a"}               // unchanged
	target[1] = Assignment{Owner: "n-b"}               // owner change
	target[2] = Assignment{Owner: "n-c"}               // owner change
	target[3] = Assignment{Owner: "n-c"}               // unassigned slot, no migration

	tasks := PlanRebalance(table, target)
	require.Len(t, tasks, 2)
	assert.Equal(t, uint32(1), tasks[0].PartitionID)
	assert.Equal(t, "n-a", tasks[0].Source)
	assert.Equal(t, "n-b", tasks[0].Destination)
	assert.Equal(t, uint32(2), tasks[1].PartitionID)
}

func TestOrderMigrationsPromotionsFirst(t *testing.T) {
	table := partition.NewTable()
	table.ApplyAssignments(map[uint32]partition.Meta{
		5:  {Owner: "n-a", Backups: []string{"n-b"}},
		7:  {Owner: "n-a"},
		9:  {Owner: "n-a", Backups: []string{"n-c"}},
		11: {Owner: "n-a"},
	})
	tasks := []MigrationTask{
		{PartitionID: 11, Source: "n-a", Destination: "n-d"},
		{PartitionID: 9, Source: "n-a", Destination: "n-c"},
		{PartitionID: 7, Source: "n-a", Destination: "n-d"},
		{PartitionID: 5, Source: "n-a", Destination: "n-b"},
	}

	ordered := OrderMigrations(tasks, table)
	var pids []uint32
	for _, task := range ordered {
		pids = append(pids, task.PartitionID)
	}
	// Promotions (5, 9) ahead of plain moves; the plain moves have one
	// replica each so they fall back to partition order (7, 11).
	assert.Equal(t, []uint32{5, 9, 7, 11}, pids)
}

func TestPhiMonotonicWithoutHeartbeats(t *testing.T) {
	d := NewPhiAccrualDetector(DefaultConfig("test"))
	now := uint64(10_000)
	for i := 0; i < 10; i++ {
		d.Heartbeat("n-b", now)
		now += 1000
	}

	prev := -1.0
	for offset := uint64(0); offset < 30_000; offset += 500 {
		phi := d.SuspicionLevel("n-b", now+offset)
		assert.GreaterOrEqual(t, phi, prev, "phi must not decrease at offset %d", offset)
		prev = phi
	}
}

func TestPhiAliveWithRegularHeartbeats(t *testing.T) {
	d := NewPhiAccrualDetector(DefaultConfig("test"))
	now := uint64(10_000)
	for i := 0; i < 20; i++ {
		d.Heartbeat("n-b", now)
		now += 1000
	}

	assert.True(t, d.IsAlive("n-b", now+1000))
	assert.False(t, d.IsAlive("n-b", now+60_000), "a minute of silence crosses the threshold")
}

func TestPhiLinearFallbackWithFewSamples(t *testing.T) {
	d := NewPhiAccrualDetector(DefaultConfig("test"))
	d.Heartbeat("n-b", 1000)
	d.Heartbeat("n-b", 2000)

	// One interval recorded: elapsed / maxNoHeartbeat * threshold.
	assert.InDelta(t, 8.0, d.SuspicionLevel("n-b", 7000), 1e-9)
	assert.InDelta(t, 4.0, d.SuspicionLevel("n-b", 4500), 1e-9)
	assert.Zero(t, d.SuspicionLevel("n-unknown", 7000))
}

func TestDeadlineDetector(t *testing.T) {
	d := NewDeadlineDetector(DefaultConfig("test"))
	d.Heartbeat("n-b", 1000)

	assert.True(t, d.IsAlive("n-b", 6000))
	assert.False(t, d.IsAlive("n-b", 6001))
	assert.Zero(t, d.SuspicionLevel("n-b", 6000))
	assert.Equal(t, 8.0, d.SuspicionLevel("n-b", 6001))

	d.Forget("n-b")
	assert.True(t, d.IsAlive("n-b", 100_000), "unknown nodes are presumed alive")
}

func TestStateRefusesStaleViews(t *testing.T) {
	s := NewState(partition.NewTable(), nil)
	var notified []uint64
	s.Subscribe(func(v *MembersView) { notified = append(notified, v.Version) })

	v2 := activeView("n-a")
	v2.Version = 2
	assert.True(t, s.ApplyMembersUpdate(v2))

	stale := activeView("n-b")
	stale.Version = 2
	assert.False(t, s.ApplyMembersUpdate(stale))
	assert.Equal(t, uint64(2), s.View().Version)

	v3 := activeView("n-a", "n-b")
	v3.Version = 3
	assert.True(t, s.ApplyMembersUpdate(v3))
	assert.Equal(t, []uint64{2, 3}, notified)
}

func newTestMembership(t *testing.T, nodeID string) *Membership {
	t.Helper()
	state := NewState(partition.NewTable(), nil)
	cfg := DefaultConfig("grid-1")
	local := MemberInfo{NodeID: nodeID, Host: "127.0.0.1", ClientPort: 7000, ClusterPort: 7001}
	return NewMembership(state, NewDeadlineDetector(cfg), cfg, local, nil)
}

func TestJoinCeremony(t *testing.T) {
	m := newTestMembership(t, "n-a")
	m.Bootstrap()
	require.True(t, m.IsMaster())

	resp, view := m.HandleJoinRequest(&JoinRequest{
		NodeID:          "n-b",
		Host:            "127.0.0.2",
		ClusterID:       "grid-1",
		ProtocolVersion: DefaultProtocolVersion,
	})
	require.True(t, resp.Accepted)
	require.NotNil(t, view)
	assert.Equal(t, StateJoining, view.Members["n-b"].State)
	assert.Equal(t, uint64(2), view.Members["n-b"].JoinVersion)
	assert.Len(t, resp.Assignments, int(partition.Count))

	// Joining members are not assignment candidates yet.
	master, ok := view.Master()
	require.True(t, ok)
	assert.Equal(t, "n-a", master.NodeID)

	promoted, ok := m.PromoteToActive("n-b")
	require.True(t, ok)
	assert.Equal(t, StateActive, promoted.Members["n-b"].State)
}

func TestJoinRejections(t *testing.T) {
	m := newTestMembership(t, "n-a")
	m.Bootstrap()

	resp, _ := m.HandleJoinRequest(&JoinRequest{NodeID: "n-b", ClusterID: "other",
		ProtocolVersion: DefaultProtocolVersion})
	assert.False(t, resp.Accepted)
	assert.Contains(t, resp.RejectReason, "cluster id")

	resp, _ = m.HandleJoinRequest(&JoinRequest{NodeID: "n-b", ClusterID: "grid-1",
		ProtocolVersion: 99})
	assert.False(t, resp.Accepted)
	assert.Contains(t, resp.RejectReason, "protocol version")

	follower := newTestMembership(t, "n-z")
	resp, _ = follower.HandleJoinRequest(&JoinRequest{NodeID: "n-b", ClusterID: "grid-1",
		ProtocolVersion: DefaultProtocolVersion})
	assert.False(t, resp.Accepted)
	assert.Contains(t, resp.RejectReason, "master")
}

func TestFailureLifecycle(t *testing.T) {
	m := newTestMembership(t, "n-a")
	m.Bootstrap()
	resp, _ := m.HandleJoinRequest(&JoinRequest{NodeID: "n-b", ClusterID: "grid-1",
		ProtocolVersion: DefaultProtocolVersion})
	require.True(t, resp.Accepted)
	_, ok := m.PromoteToActive("n-b")
	require.True(t, ok)

	m.RecordHeartbeat(&Heartbeat{NodeID: "n-b"}, 1000)
	assert.Empty(t, m.SweepFailures(2000))

	suspected := m.SweepFailures(60_000)
	assert.Equal(t, []string{"n-b"}, suspected)

	_, ok = m.MarkDead("n-b")
	require.True(t, ok)
	_, ok = m.Remove("n-b")
	require.True(t, ok)
	_, exists := m.state.View().Members["n-b"]
	assert.False(t, exists)
}

func TestSplitBrainResolution(t *testing.T) {
	big := newTestMembership(t, "n-a")
	big.Bootstrap()
	resp, _ := big.HandleJoinRequest(&JoinRequest{NodeID: "n-b", ClusterID: "grid-1",
		ProtocolVersion: DefaultProtocolVersion})
	require.True(t, resp.Accepted)
	big.PromoteToActive("n-b")

	small := newTestMembership(t, "n-z")
	small.Bootstrap()

	assert.True(t, small.ShouldYield(big.Probe()), "smaller side merges")
	assert.False(t, big.ShouldYield(small.Probe()))

	resp2 := big.HandleProbe(small.Probe())
	assert.True(t, resp2.ShouldMerge)

	// Equal sizes: lowest master node ID wins.
	other := newTestMembership(t, "n-0")
	other.Bootstrap()
	assert.True(t, small.ShouldYield(other.Probe()))
	assert.False(t, other.ShouldYield(small.Probe()))
}

func TestMigrationPhaseOrder(t *testing.T) {
	m := NewMigrationManager(nil)
	task := MigrationTask{PartitionID: 42, Source: "n-a", Destination: "n-b"}
	require.NoError(t, m.Begin(task))
	assert.Error(t, m.Begin(task), "one migration per partition")

	assert.Error(t, m.Advance(42, PhaseReady), "cannot skip the data phase")
	require.NoError(t, m.Advance(42, PhaseData))
	require.NoError(t, m.Advance(42, PhaseData), "data batches repeat")
	require.NoError(t, m.Advance(42, PhaseReady))

	done, err := m.Finalize(42)
	require.NoError(t, err)
	assert.Equal(t, task, done)
	_, ok := m.Get(42)
	assert.False(t, ok)
}

func TestMigrationCancelIdempotent(t *testing.T) {
	m := NewMigrationManager(nil)
	require.NoError(t, m.Begin(MigrationTask{PartitionID: 7, Source: "n-a", Destination: "n-b"}))

	m.Cancel(7, "destination left")
	m.Cancel(7, "destination left")
	m.Cancel(999, "unknown partition")

	mig, ok := m.Get(7)
	require.True(t, ok)
	assert.Equal(t, PhaseCancelled, mig.Phase)
	assert.Error(t, m.Advance(7, PhaseData))

	// A cancelled slot can host a fresh attempt.
	require.NoError(t, m.Begin(MigrationTask{PartitionID: 7, Source: "n-a", Destination: "n-c"}))
}

func TestClusterCodecRoundtrip(t *testing.T) {
	msgs := []Message{
		&JoinRequest{NodeID: "n-b", Host: "127.0.0.2", ClusterID: "grid-1",
			ProtocolVersion: 1},
		&MembersUpdate{View: *activeView("n-a", "n-b")},
		&Heartbeat{NodeID: "n-b", TimestampMs: 12345},
		&MigrateStart{Task: MigrationTask{PartitionID: 9, Source: "n-a", Destination: "n-b"}},
		&SplitBrainProbe{NodeID: "n-a", ClusterID: "grid-1", MemberCount: 3, MasterID: "n-a"},
	}
	for _, msg := range msgs {
		data, err := Encode(msg)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err, msg.ClusterMessageType())
		assert.Equal(t, msg.ClusterMessageType(), decoded.ClusterMessageType())
	}

	_, err := Encode(&JoinRequest{})
	require.NoError(t, err)
	_, err = Decode([]byte{0x81}) // truncated map
	assert.Error(t, err)
}

func TestOpForwardRoundtrip(t *testing.T) {
	fwd, err := NewOpForward("n-a", 91, &protocol.ClientOp{
		MapName: "users", OpType: protocol.OpPut, Key: "user:alice", Value: "online",
	})
	require.NoError(t, err)

	data, err := Encode(fwd)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	relayed, ok := decoded.(*OpForward)
	require.True(t, ok)
	assert.Equal(t, uint32(91), relayed.PartitionID)

	inner, err := relayed.DecodePayload()
	require.NoError(t, err)
	op, ok := inner.(*protocol.ClientOp)
	require.True(t, ok)
	assert.Equal(t, "user:alice", op.Key)
	assert.Equal(t, "online", op.Value)
}
