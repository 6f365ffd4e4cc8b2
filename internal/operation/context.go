// Package operation classifies incoming messages, routes them to domain
// services and sheds load when the node is saturated.
package operation

import (
	"sync/atomic"

	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// CallerOrigin says where an operation entered the system.
type CallerOrigin uint8

const (
	// OriginClient is a message from a connected client.
	OriginClient CallerOrigin = iota
	// OriginForwarded is an op forwarded from a non-owner node.
	OriginForwarded
	// OriginBackup is a backup replication write from the owner.
	OriginBackup
	// OriginWan is a write arriving over a WAN replication link.
	OriginWan
	// OriginSystem is internally generated work.
	OriginSystem
)

func (o CallerOrigin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginForwarded:
		return "forwarded"
	case OriginBackup:
		return "backup"
	case OriginWan:
		return "wan"
	case OriginSystem:
		return "system"
	default:
		return "unknown"
	}
}

// PartitionNone marks operations with no single target partition.
const PartitionNone int64 = -1

// Context carries one classified operation through the router.
type Context struct {
	CallID       uint64
	ConnectionID string
	Origin       CallerOrigin
	Service      string
	PartitionID  int64
	Message      protocol.Message
}

// CallIDFactory hands out node-unique call IDs.
type CallIDFactory struct {
	next atomic.Uint64
}

// Next returns the next call ID, starting at 1.
func (f *CallIDFactory) Next() uint64 { return f.next.Add(1) }
