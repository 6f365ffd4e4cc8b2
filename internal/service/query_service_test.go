package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/connection"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

func newQueryFixture(t *testing.T) (*testNode, *QueryService, *connection.Registry) {
	t.Helper()
	n := newTestNode(t, "node-a")
	registry := connection.NewRegistry(8, nil)
	svc := NewQueryService(n.container, registry, nil)
	require.NoError(t, svc.Init(context.Background()))
	n.crdt.AddListener(svc)
	return n, svc, registry
}

func connOp(connID string, msg protocol.Message) *operation.Context {
	return &operation.Context{
		ConnectionID: connID,
		Origin:       operation.OriginClient,
		Message:      msg,
	}
}

func receiveOne(t *testing.T, conn *connection.Conn) protocol.Message {
	t.Helper()
	select {
	case msg := <-conn.Outbound():
		return msg
	default:
		t.Fatal("expected a queued message")
		return nil
	}
}

func assertNoMessage(t *testing.T, conn *connection.Conn) {
	t.Helper()
	select {
	case msg := <-conn.Outbound():
		t.Fatalf("unexpected message %T", msg)
	default:
	}
}

func putUser(t *testing.T, n *testNode, key string, value any) {
	t.Helper()
	_, err := n.crdt.Handle(context.Background(), clientOp(&protocol.ClientOp{
		MapName: "users", OpType: protocol.OpPut, Key: key, Value: value,
	}))
	require.NoError(t, err)
}

func TestQueryServiceEvaluate(t *testing.T) {
	n, svc, _ := newQueryFixture(t)
	putUser(t, n, "alice", map[string]any{"city": "oslo", "age": 30})
	putUser(t, n, "bob", map[string]any{"city": "bergen", "age": 41})
	putUser(t, n, "carol", map[string]any{"city": "oslo", "age": 25})

	tests := []struct {
		name  string
		query partition.Query
		keys  []string
	}{
		{
			name:  "field equality",
			query: partition.Query{Where: map[string]any{"city": "oslo"}},
			keys:  []string{"alice", "carol"},
		},
		{
			name:  "key attribute",
			query: partition.Query{Where: map[string]any{"_key": "bob"}},
			keys:  []string{"bob"},
		},
		{
			name:  "eq operator form",
			query: partition.Query{Where: map[string]any{"city": map[string]any{"$eq": "bergen"}}},
			keys:  []string{"bob"},
		},
		{
			name:  "in operator form",
			query: partition.Query{Where: map[string]any{"_key": map[string]any{"$in": []any{"alice", "bob"}}}},
			keys:  []string{"alice", "bob"},
		},
		{
			name: "numeric widening",
			// Codecs deliver numbers as float64; matching stays loose.
			query: partition.Query{Where: map[string]any{"age": float64(30)}},
			keys:  []string{"alice"},
		},
		{
			name:  "no match",
			query: partition.Query{Where: map[string]any{"city": "tromso"}},
			keys:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := svc.Evaluate("users", tt.query)
			keys := make([]string, 0, len(results))
			for _, r := range results {
				keys = append(keys, r.Key)
				assert.NotEmpty(t, r.Timestamp)
			}
			assert.ElementsMatch(t, tt.keys, keys)
		})
	}
}

func TestQueryServiceEvaluateHonorsLimit(t *testing.T) {
	n, svc, _ := newQueryFixture(t)
	for _, key := range []string{"a", "b", "c", "d"} {
		putUser(t, n, key, map[string]any{"kind": "x"})
	}
	limit := 2
	results := svc.Evaluate("users", partition.Query{
		Where: map[string]any{"kind": "x"}, Limit: &limit,
	})
	assert.Len(t, results, 2)
}

func TestQueryServiceEvaluatePredicateTree(t *testing.T) {
	n, svc, _ := newQueryFixture(t)
	putUser(t, n, "alice", map[string]any{"city": "oslo", "tier": "gold"})
	putUser(t, n, "bob", map[string]any{"city": "oslo", "tier": "bronze"})
	putUser(t, n, "carol", map[string]any{"city": "bergen", "tier": "gold"})

	q := partition.Query{Predicate: &partition.Predicate{
		Op: partition.OpAnd,
		Children: []*partition.Predicate{
			{Op: partition.OpEq, Attribute: "city", Value: "oslo"},
			{Op: partition.OpNot, Children: []*partition.Predicate{
				{Op: partition.OpEq, Attribute: "tier", Value: "bronze"},
			}},
		},
	}}
	results := svc.Evaluate("users", q)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].Key)
}

func TestQueryServiceSubscribeAndPush(t *testing.T) {
	n, svc, registry := newQueryFixture(t)
	conn := registry.Register()
	putUser(t, n, "alice", map[string]any{"city": "oslo"})

	reply, err := svc.Handle(context.Background(), connOp(conn.ID, &protocol.QuerySub{
		QueryID: "q-1", MapName: "users",
		Query: partition.Query{Where: map[string]any{"city": "oslo"}},
	}))
	require.NoError(t, err)
	resp := reply.(*protocol.QueryResp)
	assert.Equal(t, "q-1", resp.QueryID)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, conn.Meta.QueryIDs(), "q-1")

	// A matching write streams to the subscriber.
	putUser(t, n, "bob", map[string]any{"city": "oslo"})
	update := receiveOne(t, conn).(*protocol.QueryUpdate)
	assert.Equal(t, "q-1", update.QueryID)
	assert.Equal(t, protocol.EventPut, update.EventType)
	assert.Equal(t, "bob", update.Key)
	assert.NotEmpty(t, update.Timestamp)

	// A non-matching write does not.
	putUser(t, n, "carol", map[string]any{"city": "bergen"})
	assertNoMessage(t, conn)

	// Removals reach any subscriber whose query might have matched.
	_, err = n.crdt.Handle(context.Background(), clientOp(&protocol.ClientOp{
		MapName: "users", OpType: protocol.OpRemove, Key: "bob",
	}))
	require.NoError(t, err)
	update = receiveOne(t, conn).(*protocol.QueryUpdate)
	assert.Equal(t, protocol.EventRemove, update.EventType)
	assert.Equal(t, "bob", update.Key)
}

func TestQueryServiceKeyQuerySkipsForeignRemovals(t *testing.T) {
	n, svc, registry := newQueryFixture(t)
	conn := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(conn.ID, &protocol.QuerySub{
		QueryID: "q-1", MapName: "users",
		Query: partition.Query{Where: map[string]any{"_key": "alice"}},
	}))
	require.NoError(t, err)

	putUser(t, n, "bob", map[string]any{"city": "oslo"})
	_, err = n.crdt.Handle(context.Background(), clientOp(&protocol.ClientOp{
		MapName: "users", OpType: protocol.OpRemove, Key: "bob",
	}))
	require.NoError(t, err)
	assertNoMessage(t, conn)
}

func TestQueryServiceUnsubscribeStopsUpdates(t *testing.T) {
	n, svc, registry := newQueryFixture(t)
	conn := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(conn.ID, &protocol.QuerySub{
		QueryID: "q-1", MapName: "users",
		Query: partition.Query{Where: map[string]any{"city": "oslo"}},
	}))
	require.NoError(t, err)

	reply, err := svc.Handle(context.Background(), connOp(conn.ID, &protocol.QueryUnsub{QueryID: "q-1"}))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Empty(t, conn.Meta.QueryIDs())

	putUser(t, n, "alice", map[string]any{"city": "oslo"})
	assertNoMessage(t, conn)
}

func TestQueryServiceDropConnection(t *testing.T) {
	n, svc, registry := newQueryFixture(t)
	conn := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(conn.ID, &protocol.QuerySub{
		QueryID: "q-1", MapName: "users",
		Query: partition.Query{Where: map[string]any{"city": "oslo"}},
	}))
	require.NoError(t, err)

	svc.DropConnection(conn.ID)
	registry.Unregister(conn.ID)

	// Writes after the drop must not panic or enqueue anywhere.
	putUser(t, n, "alice", map[string]any{"city": "oslo"})
}
