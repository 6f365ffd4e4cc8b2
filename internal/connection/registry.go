// Package connection tracks live client connections and their outbound
// queues.
package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// DefaultOutboundCapacity bounds each connection's send queue.
const DefaultOutboundCapacity = 256

// Metadata is per-connection state mutated by the auth handshake and the
// subscription services. Reads happen on every broadcast, so it sits
// behind its own read-write lock rather than the registry map.
type Metadata struct {
	mu sync.RWMutex

	authenticated bool
	clientID      string
	topics        map[string]struct{}
	queries       map[string]struct{}
	searches      map[string]struct{}
}

func newMetadata() *Metadata {
	return &Metadata{
		topics:   make(map[string]struct{}),
		queries:  make(map[string]struct{}),
		searches: make(map[string]struct{}),
	}
}

// Authenticate marks the connection authenticated as clientID.
func (m *Metadata) Authenticate(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticated = true
	m.clientID = clientID
}

// Authenticated reports the auth state and client ID.
func (m *Metadata) Authenticated() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID, m.authenticated
}

// Subscribe adds a topic subscription.
func (m *Metadata) Subscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = struct{}{}
}

// Unsubscribe drops a topic subscription.
func (m *Metadata) Unsubscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, topic)
}

// SubscribedTo reports whether the connection subscribes to topic.
func (m *Metadata) SubscribedTo(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.topics[topic]
	return ok
}

// AddQuery tracks a live query subscription.
func (m *Metadata) AddQuery(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[queryID] = struct{}{}
}

// RemoveQuery drops a live query subscription.
func (m *Metadata) RemoveQuery(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queries, queryID)
}

// QueryIDs snapshots the connection's live query IDs.
func (m *Metadata) QueryIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.queries))
	for id := range m.queries {
		ids = append(ids, id)
	}
	return ids
}

// AddSearch tracks a live search subscription.
func (m *Metadata) AddSearch(searchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches[searchID] = struct{}{}
}

// RemoveSearch drops a live search subscription.
func (m *Metadata) RemoveSearch(searchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.searches, searchID)
}

// SearchIDs snapshots the connection's live search IDs.
func (m *Metadata) SearchIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.searches))
	for id := range m.searches {
		ids = append(ids, id)
	}
	return ids
}

// Conn is one registered connection: an ID, its metadata and a bounded
// outbound queue drained by the transport writer.
type Conn struct {
	ID       string
	Meta     *Metadata
	outbound chan protocol.Message
}

// TrySend queues msg without blocking, reporting false when the queue is
// full.
func (c *Conn) TrySend(msg protocol.Message) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

// SendTimeout queues msg, giving up after timeout. Used where delivery
// matters more than latency.
func (c *Conn) SendTimeout(msg protocol.Message, timeout time.Duration) bool {
	select {
	case c.outbound <- msg:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Outbound exposes the queue to the transport writer.
func (c *Conn) Outbound() <-chan protocol.Message { return c.outbound }

// Registry is the lock-free connection table.
type Registry struct {
	conns    *xsync.MapOf[string, *Conn]
	capacity int
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRegistry builds a registry; capacity bounds each outbound queue.
func NewRegistry(capacity int, logger *zap.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultOutboundCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:    xsync.NewMapOf[string, *Conn](),
		capacity: capacity,
		logger:   logger,
	}
}

// Instrument attaches the node's collectors; wire before traffic starts.
func (r *Registry) Instrument(m *metrics.Metrics) { r.metrics = m }

// Register creates a connection with a fresh UUID.
func (r *Registry) Register() *Conn {
	conn := &Conn{
		ID:       uuid.NewString(),
		Meta:     newMetadata(),
		outbound: make(chan protocol.Message, r.capacity),
	}
	r.conns.Store(conn.ID, conn)
	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered", zap.String("conn_id", conn.ID))
	return conn
}

// Get looks up a connection by ID.
func (r *Registry) Get(id string) (*Conn, bool) { return r.conns.Load(id) }

// Unregister removes a connection and closes its outbound queue.
func (r *Registry) Unregister(id string) {
	if conn, ok := r.conns.LoadAndDelete(id); ok {
		close(conn.outbound)
		r.metrics.ConnectionClosed()
		r.logger.Debug("connection unregistered", zap.String("conn_id", id))
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int { return r.conns.Size() }

// Range calls fn for every connection until fn returns false.
func (r *Registry) Range(fn func(*Conn) bool) {
	r.conns.Range(func(_ string, conn *Conn) bool { return fn(conn) })
}

// Broadcast queues msg on every connection matching filter, skipping full
// queues so one slow client cannot stall the fan-out. Returns how many
// connections accepted the message.
func (r *Registry) Broadcast(msg protocol.Message, filter func(*Conn) bool) int {
	sent := 0
	r.conns.Range(func(_ string, conn *Conn) bool {
		if filter != nil && !filter(conn) {
			return true
		}
		if conn.TrySend(msg) {
			sent++
		} else {
			r.logger.Warn("dropping broadcast for slow connection",
				zap.String("conn_id", conn.ID))
		}
		return true
	})
	return sent
}

// BroadcastTopic fans a topic message to its subscribers.
func (r *Registry) BroadcastTopic(topic string, msg protocol.Message) int {
	return r.Broadcast(msg, func(c *Conn) bool { return c.Meta.SubscribedTo(topic) })
}
