// Package protocol defines the client wire message catalog and its codec.
// Every message is a msgpack map with a "type" discriminator in
// screaming-snake-case and camelCase payload keys.
package protocol

import (
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/partition"
)

// Message discriminator tags.
const (
	TypeClientOp   = "CLIENT_OP"
	TypeOpBatch    = "OP_BATCH"
	TypeOpAck      = "OP_ACK"
	TypeOpRejected = "OP_REJECTED"

	TypeSyncInit        = "SYNC_INIT"
	TypeSyncRespRoot    = "SYNC_RESP_ROOT"
	TypeSyncRespBuckets = "SYNC_RESP_BUCKETS"
	TypeSyncRespLeaf    = "SYNC_RESP_LEAF"
	TypeMerkleReqBucket = "MERKLE_REQ_BUCKET"

	TypeOrmapSyncInit        = "ORMAP_SYNC_INIT"
	TypeOrmapSyncRespRoot    = "ORMAP_SYNC_RESP_ROOT"
	TypeOrmapSyncRespBuckets = "ORMAP_SYNC_RESP_BUCKETS"
	TypeOrmapSyncRespLeaf    = "ORMAP_SYNC_RESP_LEAF"
	TypeOrmapMerkleReqBucket = "ORMAP_MERKLE_REQ_BUCKET"
	TypeOrmapDiffRequest     = "ORMAP_DIFF_REQUEST"
	TypeOrmapDiffResponse    = "ORMAP_DIFF_RESPONSE"
	TypeOrmapPushDiff        = "ORMAP_PUSH_DIFF"

	TypeQuerySub    = "QUERY_SUB"
	TypeQueryUnsub  = "QUERY_UNSUB"
	TypeQueryResp   = "QUERY_RESP"
	TypeQueryUpdate = "QUERY_UPDATE"

	TypeTopicSub     = "TOPIC_SUB"
	TypeTopicUnsub   = "TOPIC_UNSUB"
	TypeTopicPub     = "TOPIC_PUB"
	TypeTopicMessage = "TOPIC_MESSAGE"

	TypeLockRequest  = "LOCK_REQUEST"
	TypeLockRelease  = "LOCK_RELEASE"
	TypeLockGranted  = "LOCK_GRANTED"
	TypeLockReleased = "LOCK_RELEASED"

	TypeSearch       = "SEARCH"
	TypeSearchSub    = "SEARCH_SUB"
	TypeSearchUnsub  = "SEARCH_UNSUB"
	TypeSearchResp   = "SEARCH_RESP"
	TypeSearchUpdate = "SEARCH_UPDATE"

	TypeCounterRequest = "COUNTER_REQUEST"
	TypeCounterState   = "COUNTER_STATE"

	TypePartitionMapRequest = "PARTITION_MAP_REQUEST"
	TypePartitionMap        = "PARTITION_MAP"

	TypePing = "PING"
	TypePong = "PONG"

	TypeAuth         = "AUTH"
	TypeAuthRequired = "AUTH_REQUIRED"
	TypeAuthAck      = "AUTH_ACK"
	TypeAuthFail     = "AUTH_FAIL"

	TypeError = "ERROR"
	TypeBatch = "BATCH"
)

// Message is any protocol message; MessageType returns the discriminator.
type Message interface {
	MessageType() string
}

// ClientOp op kinds.
const (
	OpPut      = "PUT"
	OpRemove   = "REMOVE"
	OpOrAdd    = "OR_ADD"
	OpOrRemove = "OR_REMOVE"
)

// Map kinds carried by ops and sync messages.
const (
	MapTypeLww = "lww"
	MapTypeOr  = "or"
)

// Op result statuses.
const (
	OpStatusOK       = "OK"
	OpStatusForward  = "FORWARD"
	OpStatusRejected = "REJECTED"
)

// WireLwwRecord is the LWW record shape on the wire. A nil Value marks a
// tombstone.
type WireLwwRecord struct {
	Value     any           `msgpack:"value" json:"value"`
	Timestamp hlc.Timestamp `msgpack:"timestamp" json:"timestamp"`
	TTLMillis *uint64       `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

// WireOrRecord is the OR-Map record shape on the wire.
type WireOrRecord struct {
	Value     any           `msgpack:"value" json:"value"`
	Timestamp hlc.Timestamp `msgpack:"timestamp" json:"timestamp"`
	Tag       string        `msgpack:"tag" json:"tag"`
	TTLMillis *uint64       `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

// ClientOp is a single CRDT mutation.
type ClientOp struct {
	Type      string  `msgpack:"type" json:"type"`
	OpID      string  `msgpack:"opId,omitempty" json:"opId,omitempty"`
	MapName   string  `msgpack:"mapName" json:"mapName"`
	MapType   string  `msgpack:"mapType,omitempty" json:"mapType,omitempty"`
	OpType    string  `msgpack:"opType" json:"opType"`
	Key       string  `msgpack:"key" json:"key"`
	Value     any     `msgpack:"value,omitempty" json:"value,omitempty"`
	TTLMillis *uint64 `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

func (*ClientOp) MessageType() string { return TypeClientOp }

// OpBatch carries multiple ClientOps applied in order.
type OpBatch struct {
	Type string     `msgpack:"type" json:"type"`
	Ops  []ClientOp `msgpack:"ops" json:"ops"`
}

func (*OpBatch) MessageType() string { return TypeOpBatch }

// OpResult is the per-op outcome inside an OpAck.
type OpResult struct {
	OpID      string `msgpack:"opId,omitempty" json:"opId,omitempty"`
	Key       string `msgpack:"key" json:"key"`
	Status    string `msgpack:"status" json:"status"`
	Error     string `msgpack:"error,omitempty" json:"error,omitempty"`
	Timestamp string `msgpack:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// OpAck acknowledges a ClientOp or OpBatch.
type OpAck struct {
	Type      string     `msgpack:"type" json:"type"`
	Results   []OpResult `msgpack:"results" json:"results"`
	ServerHlc string     `msgpack:"serverHlc" json:"serverHlc"`
}

func (*OpAck) MessageType() string { return TypeOpAck }

// OpRejected reports an op the server refused outright.
type OpRejected struct {
	Type   string `msgpack:"type" json:"type"`
	OpID   string `msgpack:"opId,omitempty" json:"opId,omitempty"`
	Reason string `msgpack:"reason" json:"reason"`
}

func (*OpRejected) MessageType() string { return TypeOpRejected }

// SyncInit opens an LWW Merkle sync round.
type SyncInit struct {
	Type     string `msgpack:"type" json:"type"`
	MapName  string `msgpack:"mapName" json:"mapName"`
	RootHash uint32 `msgpack:"rootHash" json:"rootHash"`
}

func (*SyncInit) MessageType() string { return TypeSyncInit }

// SyncRespRoot answers SyncInit with the responder's root.
type SyncRespRoot struct {
	Type     string `msgpack:"type" json:"type"`
	MapName  string `msgpack:"mapName" json:"mapName"`
	RootHash uint32 `msgpack:"rootHash" json:"rootHash"`
	InSync   bool   `msgpack:"inSync" json:"inSync"`
}

func (*SyncRespRoot) MessageType() string { return TypeSyncRespRoot }

// MerkleReqBucket asks for the bucket hashes or leaf under path.
type MerkleReqBucket struct {
	Type    string `msgpack:"type" json:"type"`
	MapName string `msgpack:"mapName" json:"mapName"`
	Path    string `msgpack:"path" json:"path"`
}

func (*MerkleReqBucket) MessageType() string { return TypeMerkleReqBucket }

// SyncRespBuckets carries the child hashes under an interior path.
type SyncRespBuckets struct {
	Type    string            `msgpack:"type" json:"type"`
	MapName string            `msgpack:"mapName" json:"mapName"`
	Path    string            `msgpack:"path" json:"path"`
	Buckets map[string]uint32 `msgpack:"buckets" json:"buckets"`
}

func (*SyncRespBuckets) MessageType() string { return TypeSyncRespBuckets }

// SyncRespLeaf carries a leaf bucket's entry hashes and full records.
type SyncRespLeaf struct {
	Type    string                   `msgpack:"type" json:"type"`
	MapName string                   `msgpack:"mapName" json:"mapName"`
	Path    string                   `msgpack:"path" json:"path"`
	Entries map[string]uint32        `msgpack:"entries" json:"entries"`
	Records map[string]WireLwwRecord `msgpack:"records" json:"records"`
}

func (*SyncRespLeaf) MessageType() string { return TypeSyncRespLeaf }

// OrmapSyncInit opens an OR-Map Merkle sync round.
type OrmapSyncInit struct {
	Type     string `msgpack:"type" json:"type"`
	MapName  string `msgpack:"mapName" json:"mapName"`
	RootHash uint32 `msgpack:"rootHash" json:"rootHash"`
}

func (*OrmapSyncInit) MessageType() string { return TypeOrmapSyncInit }

// OrmapSyncRespRoot answers OrmapSyncInit.
type OrmapSyncRespRoot struct {
	Type     string `msgpack:"type" json:"type"`
	MapName  string `msgpack:"mapName" json:"mapName"`
	RootHash uint32 `msgpack:"rootHash" json:"rootHash"`
	InSync   bool   `msgpack:"inSync" json:"inSync"`
}

func (*OrmapSyncRespRoot) MessageType() string { return TypeOrmapSyncRespRoot }

// OrmapMerkleReqBucket asks for OR-Map bucket hashes or a leaf under path.
type OrmapMerkleReqBucket struct {
	Type    string `msgpack:"type" json:"type"`
	MapName string `msgpack:"mapName" json:"mapName"`
	Path    string `msgpack:"path" json:"path"`
}

func (*OrmapMerkleReqBucket) MessageType() string { return TypeOrmapMerkleReqBucket }

// OrmapSyncRespBuckets carries OR-Map child hashes under an interior path.
type OrmapSyncRespBuckets struct {
	Type    string            `msgpack:"type" json:"type"`
	MapName string            `msgpack:"mapName" json:"mapName"`
	Path    string            `msgpack:"path" json:"path"`
	Buckets map[string]uint32 `msgpack:"buckets" json:"buckets"`
}

func (*OrmapSyncRespBuckets) MessageType() string { return TypeOrmapSyncRespBuckets }

// OrmapSyncRespLeaf carries an OR-Map leaf bucket's entry hashes.
type OrmapSyncRespLeaf struct {
	Type    string            `msgpack:"type" json:"type"`
	MapName string            `msgpack:"mapName" json:"mapName"`
	Path    string            `msgpack:"path" json:"path"`
	Entries map[string]uint32 `msgpack:"entries" json:"entries"`
}

func (*OrmapSyncRespLeaf) MessageType() string { return TypeOrmapSyncRespLeaf }

// OrmapDiffRequest asks for the full per-key entries of the listed keys.
type OrmapDiffRequest struct {
	Type    string   `msgpack:"type" json:"type"`
	MapName string   `msgpack:"mapName" json:"mapName"`
	Keys    []string `msgpack:"keys" json:"keys"`
}

func (*OrmapDiffRequest) MessageType() string { return TypeOrmapDiffRequest }

// OrmapDiffResponse carries per-key OR-Map records plus the tombstone set.
type OrmapDiffResponse struct {
	Type       string                    `msgpack:"type" json:"type"`
	MapName    string                    `msgpack:"mapName" json:"mapName"`
	Entries    map[string][]WireOrRecord `msgpack:"entries" json:"entries"`
	Tombstones []string                  `msgpack:"tombstones" json:"tombstones"`
}

func (*OrmapDiffResponse) MessageType() string { return TypeOrmapDiffResponse }

// OrmapPushDiff pushes OR-Map records and tombstones without a request.
type OrmapPushDiff struct {
	Type       string                    `msgpack:"type" json:"type"`
	MapName    string                    `msgpack:"mapName" json:"mapName"`
	Entries    map[string][]WireOrRecord `msgpack:"entries" json:"entries"`
	Tombstones []string                  `msgpack:"tombstones" json:"tombstones"`
}

func (*OrmapPushDiff) MessageType() string { return TypeOrmapPushDiff }

// QuerySub subscribes to a live query.
type QuerySub struct {
	Type    string          `msgpack:"type" json:"type"`
	QueryID string          `msgpack:"queryId" json:"queryId"`
	MapName string          `msgpack:"mapName" json:"mapName"`
	Query   partition.Query `msgpack:"query" json:"query"`
}

func (*QuerySub) MessageType() string { return TypeQuerySub }

// QueryUnsub cancels a live query.
type QueryUnsub struct {
	Type    string `msgpack:"type" json:"type"`
	QueryID string `msgpack:"queryId" json:"queryId"`
}

func (*QueryUnsub) MessageType() string { return TypeQueryUnsub }

// QueryResult is one matching record in a QueryResp.
type QueryResult struct {
	Key       string `msgpack:"key" json:"key"`
	Value     any    `msgpack:"value" json:"value"`
	Timestamp string `msgpack:"timestamp" json:"timestamp"`
}

// QueryResp is the initial result set of a subscription.
type QueryResp struct {
	Type    string        `msgpack:"type" json:"type"`
	QueryID string        `msgpack:"queryId" json:"queryId"`
	Results []QueryResult `msgpack:"results" json:"results"`
}

func (*QueryResp) MessageType() string { return TypeQueryResp }

// Query update event kinds.
const (
	EventPut    = "PUT"
	EventRemove = "REMOVE"
)

// QueryUpdate streams a mutation matching a subscription.
type QueryUpdate struct {
	Type      string `msgpack:"type" json:"type"`
	QueryID   string `msgpack:"queryId" json:"queryId"`
	EventType string `msgpack:"eventType" json:"eventType"`
	Key       string `msgpack:"key" json:"key"`
	Value     any    `msgpack:"value,omitempty" json:"value,omitempty"`
	Timestamp string `msgpack:"timestamp,omitempty" json:"timestamp,omitempty"`
}

func (*QueryUpdate) MessageType() string { return TypeQueryUpdate }

// TopicSub subscribes the connection to a topic.
type TopicSub struct {
	Type  string `msgpack:"type" json:"type"`
	Topic string `msgpack:"topic" json:"topic"`
}

func (*TopicSub) MessageType() string { return TypeTopicSub }

// TopicUnsub unsubscribes the connection from a topic.
type TopicUnsub struct {
	Type  string `msgpack:"type" json:"type"`
	Topic string `msgpack:"topic" json:"topic"`
}

func (*TopicUnsub) MessageType() string { return TypeTopicUnsub }

// TopicPub publishes a payload to a topic.
type TopicPub struct {
	Type    string `msgpack:"type" json:"type"`
	Topic   string `msgpack:"topic" json:"topic"`
	Payload any    `msgpack:"payload" json:"payload"`
}

func (*TopicPub) MessageType() string { return TypeTopicPub }

// TopicMessage fans a published payload out to subscribers.
type TopicMessage struct {
	Type        string `msgpack:"type" json:"type"`
	Topic       string `msgpack:"topic" json:"topic"`
	Payload     any    `msgpack:"payload" json:"payload"`
	SenderID    string `msgpack:"senderId,omitempty" json:"senderId,omitempty"`
	TimestampMs uint64 `msgpack:"timestampMs" json:"timestampMs"`
}

func (*TopicMessage) MessageType() string { return TypeTopicMessage }

// LockRequest asks for a distributed lock.
type LockRequest struct {
	Type      string  `msgpack:"type" json:"type"`
	LockID    string  `msgpack:"lockId" json:"lockId"`
	TimeoutMs *uint64 `msgpack:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

func (*LockRequest) MessageType() string { return TypeLockRequest }

// LockRelease gives a held lock back.
type LockRelease struct {
	Type   string `msgpack:"type" json:"type"`
	LockID string `msgpack:"lockId" json:"lockId"`
}

func (*LockRelease) MessageType() string { return TypeLockRelease }

// LockGranted notifies the requester it now holds the lock.
type LockGranted struct {
	Type         string `msgpack:"type" json:"type"`
	LockID       string `msgpack:"lockId" json:"lockId"`
	FencingToken uint64 `msgpack:"fencingToken" json:"fencingToken"`
}

func (*LockGranted) MessageType() string { return TypeLockGranted }

// LockReleased confirms a release.
type LockReleased struct {
	Type   string `msgpack:"type" json:"type"`
	LockID string `msgpack:"lockId" json:"lockId"`
}

func (*LockReleased) MessageType() string { return TypeLockReleased }

// Search runs a one-shot full-text search.
type Search struct {
	Type    string `msgpack:"type" json:"type"`
	MapName string `msgpack:"mapName" json:"mapName"`
	Query   string `msgpack:"query" json:"query"`
	Limit   int    `msgpack:"limit,omitempty" json:"limit,omitempty"`
}

func (*Search) MessageType() string { return TypeSearch }

// SearchSub subscribes to live search results.
type SearchSub struct {
	Type     string `msgpack:"type" json:"type"`
	SearchID string `msgpack:"searchId" json:"searchId"`
	MapName  string `msgpack:"mapName" json:"mapName"`
	Query    string `msgpack:"query" json:"query"`
	Limit    int    `msgpack:"limit,omitempty" json:"limit,omitempty"`
}

func (*SearchSub) MessageType() string { return TypeSearchSub }

// SearchUnsub cancels a live search.
type SearchUnsub struct {
	Type     string `msgpack:"type" json:"type"`
	SearchID string `msgpack:"searchId" json:"searchId"`
}

func (*SearchUnsub) MessageType() string { return TypeSearchUnsub }

// SearchHit is one scored search result. Score is a true fractional value
// and stays a float on the wire.
type SearchHit struct {
	Key   string  `msgpack:"key" json:"key"`
	Score float64 `msgpack:"score" json:"score"`
	Value any     `msgpack:"value" json:"value"`
}

// SearchResp returns scored hits for a Search or SearchSub.
type SearchResp struct {
	Type     string      `msgpack:"type" json:"type"`
	SearchID string      `msgpack:"searchId,omitempty" json:"searchId,omitempty"`
	Hits     []SearchHit `msgpack:"hits" json:"hits"`
}

func (*SearchResp) MessageType() string { return TypeSearchResp }

// SearchUpdate streams changed hits to a subscription.
type SearchUpdate struct {
	Type     string      `msgpack:"type" json:"type"`
	SearchID string      `msgpack:"searchId" json:"searchId"`
	Hits     []SearchHit `msgpack:"hits" json:"hits"`
}

func (*SearchUpdate) MessageType() string { return TypeSearchUpdate }

// CounterRequest applies a delta to a PN-counter and asks for its state.
type CounterRequest struct {
	Type      string  `msgpack:"type" json:"type"`
	CounterID string  `msgpack:"counterId" json:"counterId"`
	Delta     float64 `msgpack:"delta" json:"delta"`
}

func (*CounterRequest) MessageType() string { return TypeCounterRequest }

// CounterState carries a PN-counter's per-node states; also pushed by
// clients merging offline increments.
type CounterState struct {
	Type      string             `msgpack:"type" json:"type"`
	CounterID string             `msgpack:"counterId" json:"counterId"`
	States    map[string]float64 `msgpack:"states" json:"states"`
}

func (*CounterState) MessageType() string { return TypeCounterState }

// Node statuses in the client partition map.
const (
	NodeStatusActive    = "ACTIVE"
	NodeStatusJoining   = "JOINING"
	NodeStatusLeaving   = "LEAVING"
	NodeStatusSuspected = "SUSPECTED"
	NodeStatusFailed    = "FAILED"
)

// NodeEndpoints lists a node's client-reachable addresses.
type NodeEndpoints struct {
	Websocket string `msgpack:"websocket" json:"websocket"`
	HTTP      string `msgpack:"http,omitempty" json:"http,omitempty"`
}

// NodeInfo describes one cluster node to clients.
type NodeInfo struct {
	NodeID    string        `msgpack:"nodeId" json:"nodeId"`
	Endpoints NodeEndpoints `msgpack:"endpoints" json:"endpoints"`
	Status    string        `msgpack:"status" json:"status"`
}

// PartitionInfo describes one partition's placement to clients.
type PartitionInfo struct {
	PartitionID   uint32   `msgpack:"partitionId" json:"partitionId"`
	OwnerNodeID   string   `msgpack:"ownerNodeId" json:"ownerNodeId"`
	BackupNodeIDs []string `msgpack:"backupNodeIds" json:"backupNodeIds"`
}

// PartitionMapPayload is the client-facing routing table.
type PartitionMapPayload struct {
	Version        uint64          `msgpack:"version" json:"version"`
	PartitionCount uint32          `msgpack:"partitionCount" json:"partitionCount"`
	Nodes          []NodeInfo      `msgpack:"nodes" json:"nodes"`
	Partitions     []PartitionInfo `msgpack:"partitions" json:"partitions"`
	GeneratedAt    uint64          `msgpack:"generatedAt" json:"generatedAt"`
}

// PartitionMapRequest asks for the current partition map.
type PartitionMapRequest struct {
	Type string `msgpack:"type" json:"type"`
}

func (*PartitionMapRequest) MessageType() string { return TypePartitionMapRequest }

// PartitionMap serves the client routing table.
type PartitionMap struct {
	Type    string              `msgpack:"type" json:"type"`
	Payload PartitionMapPayload `msgpack:"payload" json:"payload"`
}

func (*PartitionMap) MessageType() string { return TypePartitionMap }

// Ping is a liveness probe.
type Ping struct {
	Type string `msgpack:"type" json:"type"`
}

func (*Ping) MessageType() string { return TypePing }

// Pong answers a Ping.
type Pong struct {
	Type        string `msgpack:"type" json:"type"`
	TimestampMs uint64 `msgpack:"timestampMs" json:"timestampMs"`
}

func (*Pong) MessageType() string { return TypePong }

// Auth presents a client token.
type Auth struct {
	Type  string `msgpack:"type" json:"type"`
	Token string `msgpack:"token" json:"token"`
}

func (*Auth) MessageType() string { return TypeAuth }

// AuthRequired tells the client to authenticate before anything else.
type AuthRequired struct {
	Type string `msgpack:"type" json:"type"`
}

func (*AuthRequired) MessageType() string { return TypeAuthRequired }

// AuthAck accepts the handshake and assigns the client its ID.
type AuthAck struct {
	Type     string `msgpack:"type" json:"type"`
	ClientID string `msgpack:"clientId" json:"clientId"`
}

func (*AuthAck) MessageType() string { return TypeAuthAck }

// AuthFail rejects the handshake.
type AuthFail struct {
	Type   string `msgpack:"type" json:"type"`
	Reason string `msgpack:"reason" json:"reason"`
}

func (*AuthFail) MessageType() string { return TypeAuthFail }

// ErrorMessage reports a failure to the client.
type ErrorMessage struct {
	Type    string `msgpack:"type" json:"type"`
	Code    int    `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

func (*ErrorMessage) MessageType() string { return TypeError }

// Batch is the transport envelope: count length-prefixed submessages in
// data. The transport unpacks it before classification.
type Batch struct {
	Type  string `msgpack:"type" json:"type"`
	Count int    `msgpack:"count" json:"count"`
	Data  []byte `msgpack:"data" json:"data"`
}

func (*Batch) MessageType() string { return TypeBatch }
