package operation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// Handler is a domain service entry point. Handle may return a nil reply
// for fire-and-forget messages.
type Handler interface {
	ServiceName() string
	Ready() bool
	Handle(ctx context.Context, op *Context) (protocol.Message, error)
}

// Router dispatches classified operations to their service with a
// per-operation timeout and an in-flight cap.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	shedder *LoadShedder
	timeout time.Duration
	callIDs *CallIDFactory
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRouter builds a router. maxConcurrent caps in-flight operations and
// timeout bounds each dispatch.
func NewRouter(maxConcurrent int64, timeout time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[string]Handler),
		shedder:  NewLoadShedder(maxConcurrent),
		timeout:  timeout,
		callIDs:  &CallIDFactory{},
		logger:   logger,
	}
}

// Instrument attaches the node's collectors. Uninstrumented routers
// dispatch without counting.
func (r *Router) Instrument(m *metrics.Metrics) { r.metrics = m }

// Register adds a handler under its service name, replacing any previous
// registration.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.ServiceName()] = h
}

// Ready reports whether every registered handler is ready to take traffic.
func (r *Router) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if !h.Ready() {
			return false
		}
	}
	return true
}

// Services lists registered service names, sorted.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch classifies msg and runs it through its service. It returns the
// service's reply, or an error the caller converts into an ERROR frame.
func (r *Router) Dispatch(ctx context.Context, connectionID string, origin CallerOrigin,
	msg protocol.Message) (protocol.Message, error) {
	service, pid, err := Classify(msg)
	if err != nil {
		return nil, err
	}
	op := &Context{
		CallID:       r.callIDs.Next(),
		ConnectionID: connectionID,
		Origin:       origin,
		Service:      service,
		PartitionID:  pid,
		Message:      msg,
	}
	return r.Route(ctx, op)
}

// Route runs an already-classified operation.
func (r *Router) Route(ctx context.Context, op *Context) (protocol.Message, error) {
	r.mu.RLock()
	h, ok := r.handlers[op.Service]
	r.mu.RUnlock()
	if !ok {
		return nil, griderr.UnknownService(op.Service)
	}

	if !r.shedder.TryAcquire() {
		r.logger.Warn("shedding operation",
			zap.String("service", op.Service),
			zap.Uint64("call_id", op.CallID))
		r.metrics.RecordShed()
		r.metrics.RecordOperation(op.Service, "shed", 0)
		return nil, griderr.Overloaded()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		reply protocol.Message
		err   error
	}
	started := time.Now()
	done := make(chan result, 1)
	// The permit is released by the handler goroutine, not the dispatch
	// path: a timed-out handler still occupies its concurrency slot until
	// it actually returns, so the in-flight cap holds.
	go func() {
		reply, err := h.Handle(runCtx, op)
		r.shedder.Release()
		done <- result{reply, err}
	}()

	select {
	case res := <-done:
		status := "ok"
		if res.err != nil {
			status = "error"
		}
		r.metrics.RecordOperation(op.Service, status, time.Since(started))
		return res.reply, res.err
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			r.logger.Warn("operation timed out",
				zap.String("service", op.Service),
				zap.Uint64("call_id", op.CallID),
				zap.Duration("timeout", r.timeout))
			r.metrics.RecordOperation(op.Service, "timeout", time.Since(started))
			return nil, griderr.OperationTimeout(uint64(r.timeout.Milliseconds()))
		}
		return nil, runCtx.Err()
	}
}
