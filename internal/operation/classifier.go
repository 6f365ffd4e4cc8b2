package operation

import (
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// Domain service names.
const (
	ServiceCrdt         = "crdt"
	ServiceSync         = "sync"
	ServiceQuery        = "query"
	ServiceMessaging    = "messaging"
	ServiceCoordination = "coordination"
	ServiceSearch       = "search"
	ServicePersistence  = "persistence"
)

// Classify maps a decoded message to the domain service that handles it
// and, when the message targets a single key, its partition. Messages a
// server must never receive are rejected: server-to-client responses,
// transport envelopes (unpacked before classification) and auth frames
// (consumed by the connection handshake).
func Classify(msg protocol.Message) (service string, partitionID int64, err error) {
	t := msg.MessageType()
	switch m := msg.(type) {
	case *protocol.ClientOp:
		return ServiceCrdt, int64(partition.HashToPartition(m.Key)), nil
	case *protocol.OpBatch:
		return ServiceCrdt, PartitionNone, nil

	case *protocol.SyncInit, *protocol.MerkleReqBucket,
		*protocol.OrmapSyncInit, *protocol.OrmapMerkleReqBucket,
		*protocol.OrmapSyncRespRoot, *protocol.OrmapSyncRespBuckets,
		*protocol.OrmapSyncRespLeaf, *protocol.OrmapDiffRequest,
		*protocol.OrmapDiffResponse, *protocol.OrmapPushDiff:
		return ServiceSync, PartitionNone, nil

	case *protocol.QuerySub, *protocol.QueryUnsub:
		return ServiceQuery, PartitionNone, nil

	case *protocol.TopicSub, *protocol.TopicUnsub, *protocol.TopicPub:
		return ServiceMessaging, PartitionNone, nil

	case *protocol.LockRequest, *protocol.LockRelease,
		*protocol.PartitionMapRequest, *protocol.Ping:
		return ServiceCoordination, PartitionNone, nil

	case *protocol.Search, *protocol.SearchSub, *protocol.SearchUnsub:
		return ServiceSearch, PartitionNone, nil

	case *protocol.CounterRequest, *protocol.CounterState:
		return ServicePersistence, PartitionNone, nil

	case *protocol.Batch:
		return "", PartitionNone, griderr.TransportEnvelope(t)

	case *protocol.Auth, *protocol.AuthRequired, *protocol.AuthAck, *protocol.AuthFail:
		return "", PartitionNone, griderr.AuthMessage(t)

	default:
		return "", PartitionNone, griderr.ServerToClient(t)
	}
}
