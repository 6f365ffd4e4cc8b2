package service

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/connection"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// querySub is one live query subscription.
type querySub struct {
	queryID string
	connID  string
	mapName string
	query   partition.Query
}

// QueryService serves live queries: the initial result set on subscribe
// and QUERY_UPDATE pushes on every matching mutation. Queries addressing
// exact keys are pruned to their partitions before scanning.
type QueryService struct {
	container *Container
	registry  *connection.Registry
	logger    *zap.Logger

	mu   sync.RWMutex
	subs map[string]*querySub

	ready atomic.Bool
}

// NewQueryService wires the live-query engine.
func NewQueryService(container *Container, registry *connection.Registry,
	logger *zap.Logger) *QueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryService{
		container: container,
		registry:  registry,
		logger:    logger,
		subs:      make(map[string]*querySub),
	}
}

// Name implements ManagedService.
func (s *QueryService) Name() string { return operation.ServiceQuery }

// ServiceName implements operation.Handler.
func (s *QueryService) ServiceName() string { return operation.ServiceQuery }

// Ready implements operation.Handler.
func (s *QueryService) Ready() bool { return s.ready.Load() }

// Init implements ManagedService.
func (s *QueryService) Init(context.Context) error {
	s.ready.Store(true)
	return nil
}

// Reset drops every subscription.
func (s *QueryService) Reset(context.Context) error {
	s.mu.Lock()
	s.subs = make(map[string]*querySub)
	s.mu.Unlock()
	return nil
}

// Shutdown implements ManagedService.
func (s *QueryService) Shutdown(ctx context.Context, _ bool) error {
	s.ready.Store(false)
	return s.Reset(ctx)
}

// Handle implements operation.Handler for QUERY_SUB and QUERY_UNSUB.
func (s *QueryService) Handle(_ context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.QuerySub:
		return s.subscribe(op.ConnectionID, m), nil
	case *protocol.QueryUnsub:
		s.unsubscribe(op.ConnectionID, m.QueryID)
		return nil, nil
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"query service cannot handle %s", op.Message.MessageType())
	}
}

func (s *QueryService) subscribe(connID string, m *protocol.QuerySub) *protocol.QueryResp {
	sub := &querySub{queryID: m.QueryID, connID: connID, mapName: m.MapName, query: m.Query}
	s.mu.Lock()
	s.subs[m.QueryID] = sub
	s.mu.Unlock()
	if conn, ok := s.registry.Get(connID); ok {
		conn.Meta.AddQuery(m.QueryID)
	}

	if pids, prunable := partition.RelevantPartitions(m.Query); prunable {
		s.logger.Debug("query pruned",
			zap.String("query_id", m.QueryID),
			zap.Int("partitions", len(pids)))
	}

	return &protocol.QueryResp{
		Type:    protocol.TypeQueryResp,
		QueryID: m.QueryID,
		Results: s.Evaluate(m.MapName, m.Query),
	}
}

func (s *QueryService) unsubscribe(connID, queryID string) {
	s.mu.Lock()
	delete(s.subs, queryID)
	s.mu.Unlock()
	if conn, ok := s.registry.Get(connID); ok {
		conn.Meta.RemoveQuery(queryID)
	}
}

// DropConnection removes every subscription held by a closed connection.
func (s *QueryService) DropConnection(connID string) {
	s.mu.Lock()
	for id, sub := range s.subs {
		if sub.connID == connID {
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()
}

// Evaluate runs a one-shot query against the named LWW map, honoring the
// limit. Order is unspecified.
func (s *QueryService) Evaluate(mapName string, q partition.Query) []protocol.QueryResult {
	lww, ok := s.container.LookupLWW(mapName)
	if !ok {
		return []protocol.QueryResult{}
	}
	limit := 0
	if q.Limit != nil {
		limit = *q.Limit
	}
	results := []protocol.QueryResult{}
	lww.Range(func(key string, value any) bool {
		if !matchQuery(q, key, value) {
			return true
		}
		ts := ""
		if rec, ok := lww.GetRecord(key); ok {
			ts = rec.Timestamp.String()
		}
		results = append(results, protocol.QueryResult{Key: key, Value: value, Timestamp: ts})
		return limit <= 0 || len(results) < limit
	})
	return results
}

// OnMutation implements MutationListener: matching writes stream to their
// subscribers, skipping full connections.
func (s *QueryService) OnMutation(ev MutationEvent) {
	s.mu.RLock()
	subs := make([]*querySub, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.mapName == ev.MapName {
			subs = append(subs, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if ev.EventType == protocol.EventPut && !matchQuery(sub.query, ev.Key, ev.Value) {
			continue
		}
		if ev.EventType == protocol.EventRemove && !mayMatchKey(sub.query, ev.Key) {
			continue
		}
		conn, ok := s.registry.Get(sub.connID)
		if !ok {
			continue
		}
		update := &protocol.QueryUpdate{
			Type:      protocol.TypeQueryUpdate,
			QueryID:   sub.queryID,
			EventType: ev.EventType,
			Key:       ev.Key,
			Value:     ev.Value,
			Timestamp: ev.Timestamp.String(),
		}
		if !conn.TrySend(update) {
			s.logger.Warn("dropping query update for slow connection",
				zap.String("conn_id", sub.connID),
				zap.String("query_id", sub.queryID))
		}
	}
}

// matchQuery reports whether a record satisfies a query's where clause
// and predicate tree.
func matchQuery(q partition.Query, key string, value any) bool {
	for attr, want := range q.Where {
		if !matchAttr(attr, want, key, value) {
			return false
		}
	}
	if q.Predicate != nil {
		return matchPredicate(q.Predicate, key, value)
	}
	return true
}

// mayMatchKey decides whether a removal event could concern a query: a
// key-addressed query must name the key, anything else might have matched
// the removed record.
func mayMatchKey(q partition.Query, key string) bool {
	for _, attr := range partition.KeyAttributes {
		if want, ok := q.Where[attr]; ok {
			return matchValue(want, key)
		}
	}
	return true
}

func matchAttr(attr string, want any, key string, value any) bool {
	for _, keyAttr := range partition.KeyAttributes {
		if attr == keyAttr {
			return matchValue(want, key)
		}
	}
	fields, ok := value.(map[string]any)
	if !ok {
		return false
	}
	got, ok := fields[attr]
	if !ok {
		return false
	}
	return matchValue(want, got)
}

// matchValue compares a constraint against a field value, honoring the
// {$eq: v} and {$in: [...]} operator forms.
func matchValue(want, got any) bool {
	switch w := want.(type) {
	case map[string]any:
		if eq, ok := w["$eq"]; ok {
			return looseEqual(eq, got)
		}
		if in, ok := w["$in"]; ok {
			if items, ok := in.([]any); ok {
				for _, item := range items {
					if looseEqual(item, got) {
						return true
					}
				}
			}
			return false
		}
		return looseEqual(want, got)
	case []any:
		for _, item := range w {
			if looseEqual(item, got) {
				return true
			}
		}
		return false
	default:
		return looseEqual(want, got)
	}
}

func matchPredicate(p *partition.Predicate, key string, value any) bool {
	switch p.Op {
	case partition.OpEq:
		return matchAttr(p.Attribute, p.Value, key, value)
	case partition.OpAnd:
		for _, child := range p.Children {
			if !matchPredicate(child, key, value) {
				return false
			}
		}
		return true
	case partition.OpOr:
		for _, child := range p.Children {
			if matchPredicate(child, key, value) {
				return true
			}
		}
		return false
	case partition.OpNot:
		if len(p.Children) != 1 {
			return false
		}
		return !matchPredicate(p.Children[0], key, value)
	default:
		return false
	}
}

// looseEqual compares values across the numeric widenings a codec round
// trip introduces.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
