package service

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/connection"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// searchIndex is an in-memory inverted index over one map's string content.
type searchIndex struct {
	terms   map[string]map[string]int // term -> key -> occurrences
	docLens map[string]int            // key -> token count
}

func newSearchIndex() *searchIndex {
	return &searchIndex{
		terms:   make(map[string]map[string]int),
		docLens: make(map[string]int),
	}
}

func (idx *searchIndex) removeKey(key string) {
	for term, postings := range idx.terms {
		if _, ok := postings[key]; ok {
			delete(postings, key)
			if len(postings) == 0 {
				delete(idx.terms, term)
			}
		}
	}
	delete(idx.docLens, key)
}

func (idx *searchIndex) indexKey(key string, tokens []string) {
	idx.removeKey(key)
	if len(tokens) == 0 {
		return
	}
	for _, tok := range tokens {
		postings, ok := idx.terms[tok]
		if !ok {
			postings = make(map[string]int)
			idx.terms[tok] = postings
		}
		postings[key]++
	}
	idx.docLens[key] = len(tokens)
}

// score computes tf-idf for one document against the query tokens.
func (idx *searchIndex) score(key string, tokens []string) float64 {
	docLen := idx.docLens[key]
	if docLen == 0 {
		return 0
	}
	total := float64(len(idx.docLens))
	score := 0.0
	for _, tok := range tokens {
		postings := idx.terms[tok]
		count := postings[key]
		if count == 0 {
			continue
		}
		tf := float64(count) / float64(docLen)
		idf := math.Log(1 + total/float64(1+len(postings)))
		score += tf * idf
	}
	return score
}

// matches returns every key containing at least one query token.
func (idx *searchIndex) matches(tokens []string) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, tok := range tokens {
		for key := range idx.terms[tok] {
			keys[key] = struct{}{}
		}
	}
	return keys
}

// searchSub is one live search subscription.
type searchSub struct {
	searchID string
	connID   string
	mapName  string
	tokens   []string
	limit    int
}

// SearchService maintains per-map inverted indexes fed by the mutation
// stream and answers one-shot and live full-text searches with tf-idf
// scored hits.
type SearchService struct {
	container *Container
	registry  *connection.Registry
	logger    *zap.Logger

	mu      sync.RWMutex
	indexes map[string]*searchIndex
	subs    map[string]*searchSub

	ready atomic.Bool
}

// NewSearchService wires the full-text search engine.
func NewSearchService(container *Container, registry *connection.Registry,
	logger *zap.Logger) *SearchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchService{
		container: container,
		registry:  registry,
		logger:    logger,
		indexes:   make(map[string]*searchIndex),
		subs:      make(map[string]*searchSub),
	}
}

// Name implements ManagedService.
func (s *SearchService) Name() string { return operation.ServiceSearch }

// ServiceName implements operation.Handler.
func (s *SearchService) ServiceName() string { return operation.ServiceSearch }

// Ready implements operation.Handler.
func (s *SearchService) Ready() bool { return s.ready.Load() }

// Init implements ManagedService.
func (s *SearchService) Init(context.Context) error {
	s.ready.Store(true)
	return nil
}

// Reset drops every index and subscription.
func (s *SearchService) Reset(context.Context) error {
	s.mu.Lock()
	s.indexes = make(map[string]*searchIndex)
	s.subs = make(map[string]*searchSub)
	s.mu.Unlock()
	return nil
}

// Shutdown implements ManagedService.
func (s *SearchService) Shutdown(ctx context.Context, _ bool) error {
	s.ready.Store(false)
	return s.Reset(ctx)
}

// Handle implements operation.Handler for SEARCH, SEARCH_SUB and SEARCH_UNSUB.
func (s *SearchService) Handle(_ context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.Search:
		return &protocol.SearchResp{
			Type: protocol.TypeSearchResp,
			Hits: s.Query(m.MapName, m.Query, m.Limit),
		}, nil
	case *protocol.SearchSub:
		return s.subscribe(op.ConnectionID, m), nil
	case *protocol.SearchUnsub:
		s.unsubscribe(op.ConnectionID, m.SearchID)
		return nil, nil
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"search service cannot handle %s", op.Message.MessageType())
	}
}

func (s *SearchService) subscribe(connID string, m *protocol.SearchSub) *protocol.SearchResp {
	sub := &searchSub{
		searchID: m.SearchID,
		connID:   connID,
		mapName:  m.MapName,
		tokens:   tokenize(m.Query),
		limit:    m.Limit,
	}
	s.mu.Lock()
	s.subs[m.SearchID] = sub
	s.mu.Unlock()
	if conn, ok := s.registry.Get(connID); ok {
		conn.Meta.AddSearch(m.SearchID)
	}
	return &protocol.SearchResp{
		Type:     protocol.TypeSearchResp,
		SearchID: m.SearchID,
		Hits:     s.Query(m.MapName, m.Query, m.Limit),
	}
}

func (s *SearchService) unsubscribe(connID, searchID string) {
	s.mu.Lock()
	delete(s.subs, searchID)
	s.mu.Unlock()
	if conn, ok := s.registry.Get(connID); ok {
		conn.Meta.RemoveSearch(searchID)
	}
}

// DropConnection removes every subscription held by a closed connection.
func (s *SearchService) DropConnection(connID string) {
	s.mu.Lock()
	for id, sub := range s.subs {
		if sub.connID == connID {
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()
}

// Query runs a one-shot search, returning hits sorted by score descending.
// Equal scores order by key for stable results.
func (s *SearchService) Query(mapName, query string, limit int) []protocol.SearchHit {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []protocol.SearchHit{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[mapName]
	if !ok {
		return []protocol.SearchHit{}
	}
	hits := s.scoreLocked(idx, mapName, tokens)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (s *SearchService) scoreLocked(idx *searchIndex, mapName string, tokens []string) []protocol.SearchHit {
	lww, hasMap := s.container.LookupLWW(mapName)
	hits := []protocol.SearchHit{}
	for key := range idx.matches(tokens) {
		score := idx.score(key, tokens)
		if score <= 0 {
			continue
		}
		var value any
		if hasMap {
			value, _ = lww.Get(key)
		}
		hits = append(hits, protocol.SearchHit{Key: key, Score: score, Value: value})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	return hits
}

// OnMutation implements MutationListener: the mutated key is reindexed and
// subscriptions it now scores against receive an update. A removal pushes
// the key with a zero score so clients can drop it.
func (s *SearchService) OnMutation(ev MutationEvent) {
	s.mu.Lock()
	idx, ok := s.indexes[ev.MapName]
	if !ok {
		idx = newSearchIndex()
		s.indexes[ev.MapName] = idx
	}
	if ev.EventType == protocol.EventRemove {
		idx.removeKey(ev.Key)
	} else {
		idx.indexKey(ev.Key, extractTokens(ev.Value))
	}

	type push struct {
		conn *searchSub
		hit  protocol.SearchHit
	}
	var pushes []push
	for _, sub := range s.subs {
		if sub.mapName != ev.MapName {
			continue
		}
		score := idx.score(ev.Key, sub.tokens)
		if ev.EventType == protocol.EventRemove {
			pushes = append(pushes, push{sub, protocol.SearchHit{Key: ev.Key, Score: 0}})
			continue
		}
		if score > 0 {
			pushes = append(pushes, push{sub, protocol.SearchHit{Key: ev.Key, Score: score, Value: ev.Value}})
		}
	}
	s.mu.Unlock()

	for _, p := range pushes {
		conn, ok := s.registry.Get(p.conn.connID)
		if !ok {
			continue
		}
		update := &protocol.SearchUpdate{
			Type:     protocol.TypeSearchUpdate,
			SearchID: p.conn.searchID,
			Hits:     []protocol.SearchHit{p.hit},
		}
		if !conn.TrySend(update) {
			s.logger.Warn("dropping search update for slow connection",
				zap.String("conn_id", p.conn.connID),
				zap.String("search_id", p.conn.searchID))
		}
	}
}

// tokenize lowercases and splits on any non-letter, non-digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// extractTokens pulls indexable text out of a record value: plain strings
// and the string fields of object values.
func extractTokens(value any) []string {
	switch v := value.(type) {
	case string:
		return tokenize(v)
	case map[string]any:
		var tokens []string
		fields := make([]string, 0, len(v))
		for name := range v {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		for _, name := range fields {
			if s, ok := v[name].(string); ok {
				tokens = append(tokens, tokenize(s)...)
			}
		}
		return tokens
	default:
		return nil
	}
}
