package cluster

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
	"github.com/fluxgrid/fluxgrid/internal/storage"
)

// Inter-node message discriminators.
const (
	TypeJoinRequest   = "JOIN_REQUEST"
	TypeJoinResponse  = "JOIN_RESPONSE"
	TypeMembersUpdate = "MEMBERS_UPDATE"
	TypeLeaveRequest  = "LEAVE_REQUEST"

	TypeHeartbeat          = "HEARTBEAT"
	TypeHeartbeatComplaint = "HEARTBEAT_COMPLAINT"
	TypeExplicitSuspicion  = "EXPLICIT_SUSPICION"

	TypePartitionTableUpdate = "PARTITION_TABLE_UPDATE"
	TypeFetchPartitionTable  = "FETCH_PARTITION_TABLE"

	TypeMigrateStart    = "MIGRATE_START"
	TypeMigrateData     = "MIGRATE_DATA"
	TypeMigrateReady    = "MIGRATE_READY"
	TypeMigrateFinalize = "MIGRATE_FINALIZE"
	TypeMigrateCancel   = "MIGRATE_CANCEL"

	TypeSplitBrainProbe         = "SPLIT_BRAIN_PROBE"
	TypeSplitBrainProbeResponse = "SPLIT_BRAIN_PROBE_RESPONSE"
	TypeMergeRequest            = "MERGE_REQUEST"

	TypeOpForward = "OP_FORWARD"
)

// Message is any inter-node protocol message.
type Message interface {
	ClusterMessageType() string
}

// JoinRequest asks a seed node for cluster admission.
type JoinRequest struct {
	Type            string `msgpack:"type" json:"type"`
	NodeID          string `msgpack:"nodeId" json:"nodeId"`
	Host            string `msgpack:"host" json:"host"`
	ClientPort      uint16 `msgpack:"clientPort" json:"clientPort"`
	ClusterPort     uint16 `msgpack:"clusterPort" json:"clusterPort"`
	ClusterID       string `msgpack:"clusterId" json:"clusterId"`
	ProtocolVersion int    `msgpack:"protocolVersion" json:"protocolVersion"`
	AuthToken       string `msgpack:"authToken,omitempty" json:"authToken,omitempty"`
}

func (*JoinRequest) ClusterMessageType() string { return TypeJoinRequest }

// JoinResponse answers a JoinRequest.
type JoinResponse struct {
	Type         string       `msgpack:"type" json:"type"`
	Accepted     bool         `msgpack:"accepted" json:"accepted"`
	RejectReason string       `msgpack:"rejectReason,omitempty" json:"rejectReason,omitempty"`
	MembersView  *MembersView `msgpack:"membersView,omitempty" json:"membersView,omitempty"`
	Assignments  []Assignment `msgpack:"assignments,omitempty" json:"assignments,omitempty"`
}

func (*JoinResponse) ClusterMessageType() string { return TypeJoinResponse }

// MembersUpdate broadcasts a new members view.
type MembersUpdate struct {
	Type string      `msgpack:"type" json:"type"`
	View MembersView `msgpack:"view" json:"view"`
}

func (*MembersUpdate) ClusterMessageType() string { return TypeMembersUpdate }

// LeaveRequest announces a graceful departure.
type LeaveRequest struct {
	Type   string `msgpack:"type" json:"type"`
	NodeID string `msgpack:"nodeId" json:"nodeId"`
}

func (*LeaveRequest) ClusterMessageType() string { return TypeLeaveRequest }

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	Type        string `msgpack:"type" json:"type"`
	NodeID      string `msgpack:"nodeId" json:"nodeId"`
	TimestampMs uint64 `msgpack:"timestampMs" json:"timestampMs"`
}

func (*Heartbeat) ClusterMessageType() string { return TypeHeartbeat }

// HeartbeatComplaint tells the master another node looks unreachable.
type HeartbeatComplaint struct {
	Type         string `msgpack:"type" json:"type"`
	ComplainerID string `msgpack:"complainerId" json:"complainerId"`
	SuspectID    string `msgpack:"suspectId" json:"suspectId"`
	LastSeenMs   uint64 `msgpack:"lastSeenMs" json:"lastSeenMs"`
}

func (*HeartbeatComplaint) ClusterMessageType() string { return TypeHeartbeatComplaint }

// ExplicitSuspicion is the master's verdict preceding removal.
type ExplicitSuspicion struct {
	Type      string `msgpack:"type" json:"type"`
	SuspectID string `msgpack:"suspectId" json:"suspectId"`
	Reason    string `msgpack:"reason" json:"reason"`
}

func (*ExplicitSuspicion) ClusterMessageType() string { return TypeExplicitSuspicion }

// PartitionTableUpdate broadcasts the master's partition table.
type PartitionTableUpdate struct {
	Type        string       `msgpack:"type" json:"type"`
	Version     uint64       `msgpack:"version" json:"version"`
	Assignments []Assignment `msgpack:"assignments" json:"assignments"`
}

func (*PartitionTableUpdate) ClusterMessageType() string { return TypePartitionTableUpdate }

// FetchPartitionTable asks the master for its current table.
type FetchPartitionTable struct {
	Type   string `msgpack:"type" json:"type"`
	NodeID string `msgpack:"nodeId" json:"nodeId"`
}

func (*FetchPartitionTable) ClusterMessageType() string { return TypeFetchPartitionTable }

// MigrateStart opens a partition migration.
type MigrateStart struct {
	Type string        `msgpack:"type" json:"type"`
	Task MigrationTask `msgpack:"task" json:"task"`
}

func (*MigrateStart) ClusterMessageType() string { return TypeMigrateStart }

// MigrateData carries one batch of a partition's records.
type MigrateData struct {
	Type        string                    `msgpack:"type" json:"type"`
	PartitionID uint32                    `msgpack:"partitionId" json:"partitionId"`
	MapName     string                    `msgpack:"mapName" json:"mapName"`
	Records     map[string]storage.Record `msgpack:"records" json:"records"`
	Final       bool                      `msgpack:"final" json:"final"`
}

func (*MigrateData) ClusterMessageType() string { return TypeMigrateData }

// MigrateReady signals the destination holds all transferred data.
type MigrateReady struct {
	Type        string `msgpack:"type" json:"type"`
	PartitionID uint32 `msgpack:"partitionId" json:"partitionId"`
	Destination string `msgpack:"destination" json:"destination"`
}

func (*MigrateReady) ClusterMessageType() string { return TypeMigrateReady }

// MigrateFinalize commits the ownership change.
type MigrateFinalize struct {
	Type        string `msgpack:"type" json:"type"`
	PartitionID uint32 `msgpack:"partitionId" json:"partitionId"`
	NewOwner    string `msgpack:"newOwner" json:"newOwner"`
}

func (*MigrateFinalize) ClusterMessageType() string { return TypeMigrateFinalize }

// MigrateCancel aborts a migration with a reason.
type MigrateCancel struct {
	Type        string `msgpack:"type" json:"type"`
	PartitionID uint32 `msgpack:"partitionId" json:"partitionId"`
	Reason      string `msgpack:"reason" json:"reason"`
}

func (*MigrateCancel) ClusterMessageType() string { return TypeMigrateCancel }

// SplitBrainProbe carries one side's claim during partition healing.
type SplitBrainProbe struct {
	Type        string `msgpack:"type" json:"type"`
	NodeID      string `msgpack:"nodeId" json:"nodeId"`
	ClusterID   string `msgpack:"clusterId" json:"clusterId"`
	ViewVersion uint64 `msgpack:"viewVersion" json:"viewVersion"`
	MemberCount int    `msgpack:"memberCount" json:"memberCount"`
	MasterID    string `msgpack:"masterId" json:"masterId"`
}

func (*SplitBrainProbe) ClusterMessageType() string { return TypeSplitBrainProbe }

// SplitBrainProbeResponse answers a probe with the responder's claim.
type SplitBrainProbeResponse struct {
	Type        string `msgpack:"type" json:"type"`
	NodeID      string `msgpack:"nodeId" json:"nodeId"`
	ViewVersion uint64 `msgpack:"viewVersion" json:"viewVersion"`
	MemberCount int    `msgpack:"memberCount" json:"memberCount"`
	MasterID    string `msgpack:"masterId" json:"masterId"`
	ShouldMerge bool   `msgpack:"shouldMerge" json:"shouldMerge"`
}

func (*SplitBrainProbeResponse) ClusterMessageType() string { return TypeSplitBrainProbeResponse }

// MergeRequest asks the losing side to rejoin the winner's cluster.
type MergeRequest struct {
	Type   string      `msgpack:"type" json:"type"`
	NodeID string      `msgpack:"nodeId" json:"nodeId"`
	View   MembersView `msgpack:"view" json:"view"`
}

func (*MergeRequest) ClusterMessageType() string { return TypeMergeRequest }

// OpForward relays a client operation to the partition's owner.
type OpForward struct {
	Type         string `msgpack:"type" json:"type"`
	SourceNodeID string `msgpack:"sourceNodeId" json:"sourceNodeId"`
	PartitionID  uint32 `msgpack:"partitionId" json:"partitionId"`
	Payload      []byte `msgpack:"payload" json:"payload"`
}

func (*OpForward) ClusterMessageType() string { return TypeOpForward }

// NewOpForward wraps a client message for relay to the owner of pid.
func NewOpForward(sourceNodeID string, pid uint32, msg protocol.Message) (*OpForward, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return &OpForward{SourceNodeID: sourceNodeID, PartitionID: pid, Payload: payload}, nil
}

// DecodePayload recovers the forwarded client message.
func (f *OpForward) DecodePayload() (protocol.Message, error) {
	return protocol.Decode(f.Payload)
}

type typeProbe struct {
	Type string `msgpack:"type"`
}

// Encode marshals an inter-node message, stamping its discriminator.
func Encode(m Message) ([]byte, error) {
	v := reflect.ValueOf(m)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		if f := v.Elem().FieldByName("Type"); f.IsValid() && f.CanSet() && f.Kind() == reflect.String {
			f.SetString(m.ClusterMessageType())
		}
	}
	return msgpack.Marshal(m)
}

// Decode parses an inter-node frame into its concrete type.
func Decode(data []byte) (Message, error) {
	var probe typeProbe
	if err := msgpack.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode cluster message header: %w", err)
	}
	var msg Message
	switch probe.Type {
	case TypeJoinRequest:
		msg = &JoinRequest{}
	case TypeJoinResponse:
		msg = &JoinResponse{}
	case TypeMembersUpdate:
		msg = &MembersUpdate{}
	case TypeLeaveRequest:
		msg = &LeaveRequest{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeHeartbeatComplaint:
		msg = &HeartbeatComplaint{}
	case TypeExplicitSuspicion:
		msg = &ExplicitSuspicion{}
	case TypePartitionTableUpdate:
		msg = &PartitionTableUpdate{}
	case TypeFetchPartitionTable:
		msg = &FetchPartitionTable{}
	case TypeMigrateStart:
		msg = &MigrateStart{}
	case TypeMigrateData:
		msg = &MigrateData{}
	case TypeMigrateReady:
		msg = &MigrateReady{}
	case TypeMigrateFinalize:
		msg = &MigrateFinalize{}
	case TypeMigrateCancel:
		msg = &MigrateCancel{}
	case TypeSplitBrainProbe:
		msg = &SplitBrainProbe{}
	case TypeSplitBrainProbeResponse:
		msg = &SplitBrainProbeResponse{}
	case TypeMergeRequest:
		msg = &MergeRequest{}
	case TypeOpForward:
		msg = &OpForward{}
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"unknown cluster message type %q", probe.Type)
	}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
	}
	return msg, nil
}
