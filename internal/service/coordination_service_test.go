package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/cluster"
	"github.com/fluxgrid/fluxgrid/internal/connection"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

func newCoordFixture(t *testing.T) (*CoordinationService, *connection.Registry, *partition.Table, *cluster.State, *hlc.ManualClock) {
	t.Helper()
	table := partition.NewTable()
	state := cluster.NewState(table, nil)
	registry := connection.NewRegistry(8, nil)
	clock := hlc.NewManualClock(10_000)
	svc := NewCoordinationService(state, table, registry, clock, nil)
	require.NoError(t, svc.Init(context.Background()))
	return svc, registry, table, state, clock
}

func lockReq(lockID string) *protocol.LockRequest {
	return &protocol.LockRequest{LockID: lockID}
}

func TestCoordinationServiceLockGrantAndQueue(t *testing.T) {
	svc, registry, _, _, _ := newCoordFixture(t)
	first := registry.Register()
	second := registry.Register()

	reply, err := svc.Handle(context.Background(), connOp(first.ID, lockReq("jobs")))
	require.NoError(t, err)
	granted := reply.(*protocol.LockGranted)
	assert.Equal(t, "jobs", granted.LockID)
	assert.Equal(t, uint64(1), granted.FencingToken)

	// Contended requests queue silently.
	reply, err = svc.Handle(context.Background(), connOp(second.ID, lockReq("jobs")))
	require.NoError(t, err)
	assert.Nil(t, reply)

	// Releasing hands the lock to the waiter with a fresh fencing token.
	reply, err = svc.Handle(context.Background(), connOp(first.ID, &protocol.LockRelease{LockID: "jobs"}))
	require.NoError(t, err)
	assert.Equal(t, "jobs", reply.(*protocol.LockReleased).LockID)

	granted = receiveOne(t, second).(*protocol.LockGranted)
	assert.Equal(t, "jobs", granted.LockID)
	assert.Equal(t, uint64(2), granted.FencingToken)
}

func TestCoordinationServiceReentrantGrantBumpsToken(t *testing.T) {
	svc, registry, _, _, _ := newCoordFixture(t)
	conn := registry.Register()

	first, err := svc.Handle(context.Background(), connOp(conn.ID, lockReq("jobs")))
	require.NoError(t, err)
	again, err := svc.Handle(context.Background(), connOp(conn.ID, lockReq("jobs")))
	require.NoError(t, err)
	assert.Greater(t, again.(*protocol.LockGranted).FencingToken,
		first.(*protocol.LockGranted).FencingToken)
}

func TestCoordinationServiceReleaseByNonHolderFails(t *testing.T) {
	svc, registry, _, _, _ := newCoordFixture(t)
	holder := registry.Register()
	intruder := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(holder.ID, lockReq("jobs")))
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), connOp(intruder.ID, &protocol.LockRelease{LockID: "jobs"}))
	require.Error(t, err)
	_, err = svc.Handle(context.Background(), connOp(intruder.ID, &protocol.LockRelease{LockID: "unknown"}))
	require.Error(t, err)
}

func TestCoordinationServiceExpiredWaiterSkipped(t *testing.T) {
	svc, registry, _, _, clock := newCoordFixture(t)
	holder := registry.Register()
	impatient := registry.Register()
	patient := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(holder.ID, lockReq("jobs")))
	require.NoError(t, err)

	timeout := uint64(100)
	_, err = svc.Handle(context.Background(), connOp(impatient.ID, &protocol.LockRequest{
		LockID: "jobs", TimeoutMs: &timeout,
	}))
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), connOp(patient.ID, lockReq("jobs")))
	require.NoError(t, err)

	// The first waiter's deadline lapses before the release.
	clock.Advance(200)
	_, err = svc.Handle(context.Background(), connOp(holder.ID, &protocol.LockRelease{LockID: "jobs"}))
	require.NoError(t, err)

	assertNoMessage(t, impatient)
	granted := receiveOne(t, patient).(*protocol.LockGranted)
	assert.Equal(t, "jobs", granted.LockID)
}

func TestCoordinationServiceDropConnectionReleasesLocks(t *testing.T) {
	svc, registry, _, _, _ := newCoordFixture(t)
	holder := registry.Register()
	waiter := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(holder.ID, lockReq("jobs")))
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), connOp(waiter.ID, lockReq("jobs")))
	require.NoError(t, err)

	svc.DropConnection(holder.ID)
	granted := receiveOne(t, waiter).(*protocol.LockGranted)
	assert.Equal(t, "jobs", granted.LockID)
}

func TestCoordinationServicePing(t *testing.T) {
	svc, _, _, _, _ := newCoordFixture(t)
	reply, err := svc.Handle(context.Background(), connOp("", &protocol.Ping{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), reply.(*protocol.Pong).TimestampMs)
}

func TestCoordinationServicePartitionMap(t *testing.T) {
	svc, _, table, state, _ := newCoordFixture(t)

	view := cluster.NewMembersView()
	view.Version = 3
	view.Members["node-b"] = cluster.MemberInfo{
		NodeID: "node-b", Host: "10.0.0.2", ClientPort: 7400,
		State: cluster.StateActive, JoinVersion: 2,
	}
	view.Members["node-a"] = cluster.MemberInfo{
		NodeID: "node-a", Host: "10.0.0.1", ClientPort: 7400,
		State: cluster.StateJoining, JoinVersion: 1,
	}
	require.True(t, state.ApplyMembersUpdate(view))

	table.Set(7, partition.Meta{Owner: "node-b", Backups: []string{"node-a"}})
	table.Set(3, partition.Meta{Owner: "node-b"})
	table.SetVersion(9)

	reply, err := svc.Handle(context.Background(), connOp("", &protocol.PartitionMapRequest{}))
	require.NoError(t, err)
	payload := reply.(*protocol.PartitionMap).Payload

	assert.Equal(t, uint64(9), payload.Version)
	assert.Equal(t, partition.Count, payload.PartitionCount)
	require.Len(t, payload.Nodes, 2)
	assert.Equal(t, "node-a", payload.Nodes[0].NodeID)
	assert.Equal(t, protocol.NodeStatusJoining, payload.Nodes[0].Status)
	assert.Equal(t, "ws://10.0.0.2:7400/sync", payload.Nodes[1].Endpoints.Websocket)
	assert.Equal(t, "http://10.0.0.2:7400", payload.Nodes[1].Endpoints.HTTP)

	require.Len(t, payload.Partitions, 2)
	assert.Equal(t, uint32(3), payload.Partitions[0].PartitionID)
	assert.Equal(t, uint32(7), payload.Partitions[1].PartitionID)
	assert.Equal(t, []string{"node-a"}, payload.Partitions[1].BackupNodeIDs)
}
