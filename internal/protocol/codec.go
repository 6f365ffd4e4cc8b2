package protocol

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// typeProbe extracts only the discriminator from an incoming frame.
type typeProbe struct {
	Type string `msgpack:"type"`
}

// Encode marshals a message to msgpack, stamping the discriminator so
// callers never have to set the Type field by hand.
func Encode(m Message) ([]byte, error) {
	v := reflect.ValueOf(m)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		if f := v.Elem().FieldByName("Type"); f.IsValid() && f.CanSet() && f.Kind() == reflect.String {
			f.SetString(m.MessageType())
		}
	}
	return msgpack.Marshal(m)
}

// Decode parses a frame into its concrete message type.
func Decode(data []byte) (Message, error) {
	var probe typeProbe
	if err := msgpack.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode message header: %w", err)
	}
	msg := newMessage(probe.Type)
	if msg == nil {
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"unknown message type %q", probe.Type)
	}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
	}
	return msg, nil
}

func newMessage(t string) Message {
	switch t {
	case TypeClientOp:
		return &ClientOp{}
	case TypeOpBatch:
		return &OpBatch{}
	case TypeOpAck:
		return &OpAck{}
	case TypeOpRejected:
		return &OpRejected{}
	case TypeSyncInit:
		return &SyncInit{}
	case TypeSyncRespRoot:
		return &SyncRespRoot{}
	case TypeSyncRespBuckets:
		return &SyncRespBuckets{}
	case TypeSyncRespLeaf:
		return &SyncRespLeaf{}
	case TypeMerkleReqBucket:
		return &MerkleReqBucket{}
	case TypeOrmapSyncInit:
		return &OrmapSyncInit{}
	case TypeOrmapSyncRespRoot:
		return &OrmapSyncRespRoot{}
	case TypeOrmapSyncRespBuckets:
		return &OrmapSyncRespBuckets{}
	case TypeOrmapSyncRespLeaf:
		return &OrmapSyncRespLeaf{}
	case TypeOrmapMerkleReqBucket:
		return &OrmapMerkleReqBucket{}
	case TypeOrmapDiffRequest:
		return &OrmapDiffRequest{}
	case TypeOrmapDiffResponse:
		return &OrmapDiffResponse{}
	case TypeOrmapPushDiff:
		return &OrmapPushDiff{}
	case TypeQuerySub:
		return &QuerySub{}
	case TypeQueryUnsub:
		return &QueryUnsub{}
	case TypeQueryResp:
		return &QueryResp{}
	case TypeQueryUpdate:
		return &QueryUpdate{}
	case TypeTopicSub:
		return &TopicSub{}
	case TypeTopicUnsub:
		return &TopicUnsub{}
	case TypeTopicPub:
		return &TopicPub{}
	case TypeTopicMessage:
		return &TopicMessage{}
	case TypeLockRequest:
		return &LockRequest{}
	case TypeLockRelease:
		return &LockRelease{}
	case TypeLockGranted:
		return &LockGranted{}
	case TypeLockReleased:
		return &LockReleased{}
	case TypeSearch:
		return &Search{}
	case TypeSearchSub:
		return &SearchSub{}
	case TypeSearchUnsub:
		return &SearchUnsub{}
	case TypeSearchResp:
		return &SearchResp{}
	case TypeSearchUpdate:
		return &SearchUpdate{}
	case TypeCounterRequest:
		return &CounterRequest{}
	case TypeCounterState:
		return &CounterState{}
	case TypePartitionMapRequest:
		return &PartitionMapRequest{}
	case TypePartitionMap:
		return &PartitionMap{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeAuth:
		return &Auth{}
	case TypeAuthRequired:
		return &AuthRequired{}
	case TypeAuthAck:
		return &AuthAck{}
	case TypeAuthFail:
		return &AuthFail{}
	case TypeError:
		return &ErrorMessage{}
	case TypeBatch:
		return &Batch{}
	default:
		return nil
	}
}

// EncodeBatch packs messages into a transport envelope. Each submessage is
// written as a raw msgpack value; the stream decoder recovers the framing.
func EncodeBatch(msgs []Message) (*Batch, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, m := range msgs {
		raw, err := Encode(m)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(msgpack.RawMessage(raw)); err != nil {
			return nil, err
		}
	}
	return &Batch{Type: TypeBatch, Count: len(msgs), Data: buf.Bytes()}, nil
}

// DecodeBatch unpacks a transport envelope into its submessages.
func DecodeBatch(b *Batch) ([]Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b.Data))
	msgs := make([]Message, 0, b.Count)
	for i := 0; i < b.Count; i++ {
		var raw msgpack.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode batch item %d of %d: %w", i, b.Count, err)
		}
		m, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
