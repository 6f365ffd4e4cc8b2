package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
)

func TestEncodeStampsDiscriminator(t *testing.T) {
	data, err := Encode(&Ping{})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &m))
	assert.Equal(t, "PING", m["type"])
}

func TestDecodeClientOp(t *testing.T) {
	ttl := uint64(5000)
	data, err := Encode(&ClientOp{
		OpID:      "op-1",
		MapName:   "users",
		MapType:   MapTypeLww,
		OpType:    OpPut,
		Key:       "user:alice",
		Value:     "online",
		TTLMillis: &ttl,
	})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	op, ok := msg.(*ClientOp)
	require.True(t, ok)
	assert.Equal(t, "users", op.MapName)
	assert.Equal(t, OpPut, op.OpType)
	assert.Equal(t, "user:alice", op.Key)
	require.NotNil(t, op.TTLMillis)
	assert.Equal(t, uint64(5000), *op.TTLMillis)
}

func TestDecodeSyncRespLeaf(t *testing.T) {
	data, err := Encode(&SyncRespLeaf{
		MapName: "users",
		Path:    "4f9",
		Entries: map[string]uint32{"user:alice": 42},
		Records: map[string]WireLwwRecord{
			"user:alice": {
				Value:     "online",
				Timestamp: hlc.Timestamp{Millis: 1000, Counter: 2, NodeID: "n1"},
			},
		},
	})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	leaf, ok := msg.(*SyncRespLeaf)
	require.True(t, ok)
	assert.Equal(t, "4f9", leaf.Path)
	assert.Equal(t, uint32(42), leaf.Entries["user:alice"])
	rec := leaf.Records["user:alice"]
	assert.Equal(t, uint64(1000), rec.Timestamp.Millis)
	assert.Equal(t, "n1", rec.Timestamp.NodeID)
}

func TestDecodeUnknownType(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"type": "BOGUS"})
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)
	assert.Equal(t, griderr.CodeInvalidArgument, griderr.CodeOf(err))
}

func TestBatchRoundtrip(t *testing.T) {
	batch, err := EncodeBatch([]Message{
		&ClientOp{MapName: "users", OpType: OpPut, Key: "a", Value: "1"},
		&TopicPub{Topic: "events", Payload: "hello"},
		&Ping{},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Count)

	// The envelope itself travels as a regular message.
	data, err := Encode(batch)
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	env, ok := msg.(*Batch)
	require.True(t, ok)

	msgs, err := DecodeBatch(env)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.IsType(t, &ClientOp{}, msgs[0])
	assert.IsType(t, &TopicPub{}, msgs[1])
	assert.IsType(t, &Ping{}, msgs[2])
}

func TestDecodePartitionMap(t *testing.T) {
	data, err := Encode(&PartitionMap{Payload: PartitionMapPayload{
		Version:        7,
		PartitionCount: 271,
		Nodes: []NodeInfo{{
			NodeID:    "n1",
			Endpoints: NodeEndpoints{Websocket: "ws://n1:7000"},
			Status:    NodeStatusActive,
		}},
		Partitions: []PartitionInfo{{PartitionID: 95, OwnerNodeID: "n1"}},
	}})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	pm, ok := msg.(*PartitionMap)
	require.True(t, ok)
	assert.Equal(t, uint64(7), pm.Payload.Version)
	assert.Equal(t, uint32(271), pm.Payload.PartitionCount)
	require.Len(t, pm.Payload.Partitions, 1)
	assert.Equal(t, "n1", pm.Payload.Partitions[0].OwnerNodeID)
}
