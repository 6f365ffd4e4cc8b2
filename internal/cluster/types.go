// Package cluster implements membership, failure detection, partition
// assignment and the inter-node protocol.
package cluster

import (
	"sort"
)

// NodeState is a member's lifecycle state.
type NodeState string

const (
	StateJoining NodeState = "JOINING"
	StateActive  NodeState = "ACTIVE"
	StateSuspect NodeState = "SUSPECT"
	StateLeaving NodeState = "LEAVING"
	StateDead    NodeState = "DEAD"
	StateRemoved NodeState = "REMOVED"
)

// MemberInfo describes one cluster member.
type MemberInfo struct {
	NodeID      string    `msgpack:"nodeId" json:"nodeId"`
	Host        string    `msgpack:"host" json:"host"`
	ClientPort  uint16    `msgpack:"clientPort" json:"clientPort"`
	ClusterPort uint16    `msgpack:"clusterPort" json:"clusterPort"`
	State       NodeState `msgpack:"state" json:"state"`
	JoinVersion uint64    `msgpack:"joinVersion" json:"joinVersion"`
}

// MembersView is an immutable snapshot of the cluster membership.
// Mutations build a new view with a higher version.
type MembersView struct {
	Version uint64                `msgpack:"version" json:"version"`
	Members map[string]MemberInfo `msgpack:"members" json:"members"`
}

// NewMembersView builds an empty view at version 0.
func NewMembersView() *MembersView {
	return &MembersView{Members: make(map[string]MemberInfo)}
}

// Clone deep-copies the view.
func (v *MembersView) Clone() *MembersView {
	members := make(map[string]MemberInfo, len(v.Members))
	for id, m := range v.Members {
		members[id] = m
	}
	return &MembersView{Version: v.Version, Members: members}
}

// ActiveMembers returns Active members sorted by node ID.
func (v *MembersView) ActiveMembers() []MemberInfo {
	var active []MemberInfo
	for _, m := range v.Members {
		if m.State == StateActive {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].NodeID < active[j].NodeID })
	return active
}

// Master returns the Active member with the lowest join version, ties
// broken by node ID. Every node derives the same master from the same
// view.
func (v *MembersView) Master() (MemberInfo, bool) {
	var master MemberInfo
	found := false
	for _, m := range v.Members {
		if m.State != StateActive {
			continue
		}
		if !found ||
			m.JoinVersion < master.JoinVersion ||
			(m.JoinVersion == master.JoinVersion && m.NodeID < master.NodeID) {
			master = m
			found = true
		}
	}
	return master, found
}

// MaxJoinVersion returns the highest join version across all members.
func (v *MembersView) MaxJoinVersion() uint64 {
	var max uint64
	for _, m := range v.Members {
		if m.JoinVersion > max {
			max = m.JoinVersion
		}
	}
	return max
}

// Assignment is one partition's placement.
type Assignment struct {
	Owner   string   `msgpack:"owner" json:"owner"`
	Backups []string `msgpack:"backups,omitempty" json:"backups,omitempty"`
}

// MigrationTask moves one partition between nodes.
type MigrationTask struct {
	PartitionID uint32   `msgpack:"partitionId" json:"partitionId"`
	Source      string   `msgpack:"source" json:"source"`
	Destination string   `msgpack:"destination" json:"destination"`
	NewBackups  []string `msgpack:"newBackups,omitempty" json:"newBackups,omitempty"`
}

// Config holds the cluster-level tunables.
type Config struct {
	ClusterID       string
	ProtocolVersion int
	AuthToken       string

	HeartbeatIntervalMs uint64
	MaxNoHeartbeatMs    uint64
	PhiThreshold        float64
	MaxSampleSize       int
	MinStdDevMs         float64

	BackupCount int
}

// Config defaults.
const (
	DefaultProtocolVersion     = 1
	DefaultHeartbeatIntervalMs = 1000
	DefaultMaxNoHeartbeatMs    = 5000
	DefaultPhiThreshold        = 8.0
	DefaultMaxSampleSize       = 200
	DefaultMinStdDevMs         = 100.0
	DefaultBackupCount         = 1
)

// DefaultConfig fills the standard tunables for clusterID.
func DefaultConfig(clusterID string) Config {
	return Config{
		ClusterID:           clusterID,
		ProtocolVersion:     DefaultProtocolVersion,
		HeartbeatIntervalMs: DefaultHeartbeatIntervalMs,
		MaxNoHeartbeatMs:    DefaultMaxNoHeartbeatMs,
		PhiThreshold:        DefaultPhiThreshold,
		MaxSampleSize:       DefaultMaxSampleSize,
		MinStdDevMs:         DefaultMinStdDevMs,
		BackupCount:         DefaultBackupCount,
	}
}
