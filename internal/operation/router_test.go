package operation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

type stubHandler struct {
	name   string
	ready  bool
	handle func(ctx context.Context, op *Context) (protocol.Message, error)
}

func (h *stubHandler) ServiceName() string { return h.name }
func (h *stubHandler) Ready() bool         { return h.ready }

func (h *stubHandler) Handle(ctx context.Context, op *Context) (protocol.Message, error) {
	if h.handle != nil {
		return h.handle(ctx, op)
	}
	return nil, nil
}

func TestClassifyServiceMapping(t *testing.T) {
	cases := []struct {
		msg     protocol.Message
		service string
	}{
		{&protocol.ClientOp{Key: "k"}, ServiceCrdt},
		{&protocol.OpBatch{}, ServiceCrdt},
		{&protocol.SyncInit{}, ServiceSync},
		{&protocol.MerkleReqBucket{}, ServiceSync},
		{&protocol.OrmapSyncInit{}, ServiceSync},
		{&protocol.OrmapDiffRequest{}, ServiceSync},
		{&protocol.OrmapPushDiff{}, ServiceSync},
		{&protocol.QuerySub{}, ServiceQuery},
		{&protocol.QueryUnsub{}, ServiceQuery},
		{&protocol.TopicSub{}, ServiceMessaging},
		{&protocol.TopicPub{}, ServiceMessaging},
		{&protocol.LockRequest{}, ServiceCoordination},
		{&protocol.PartitionMapRequest{}, ServiceCoordination},
		{&protocol.Ping{}, ServiceCoordination},
		{&protocol.Search{}, ServiceSearch},
		{&protocol.SearchSub{}, ServiceSearch},
		{&protocol.CounterRequest{}, ServicePersistence},
		{&protocol.CounterState{}, ServicePersistence},
	}
	for _, tc := range cases {
		service, _, err := Classify(tc.msg)
		require.NoError(t, err, tc.msg.MessageType())
		assert.Equal(t, tc.service, service, tc.msg.MessageType())
	}
}

func TestClassifyPartitionFromKey(t *testing.T) {
	_, pid, err := Classify(&protocol.ClientOp{Key: "user:alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(91), pid)

	_, pid, err = Classify(&protocol.OpBatch{})
	require.NoError(t, err)
	assert.Equal(t, PartitionNone, pid)
}

func TestClassifyRejectsNonOperations(t *testing.T) {
	_, _, err := Classify(&protocol.OpAck{})
	assert.Equal(t, griderr.CodeServerToClient, griderr.CodeOf(err))

	_, _, err = Classify(&protocol.SyncRespLeaf{})
	assert.Equal(t, griderr.CodeServerToClient, griderr.CodeOf(err))

	_, _, err = Classify(&protocol.Batch{})
	assert.Equal(t, griderr.CodeTransportEnvelope, griderr.CodeOf(err))

	_, _, err = Classify(&protocol.Auth{})
	assert.Equal(t, griderr.CodeAuthMessage, griderr.CodeOf(err))
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter(10, time.Second, nil)
	var got *Context
	r.Register(&stubHandler{name: ServiceCoordination, ready: true,
		handle: func(_ context.Context, op *Context) (protocol.Message, error) {
			got = op
			return &protocol.Pong{TimestampMs: 1}, nil
		}})

	reply, err := r.Dispatch(context.Background(), "conn-1", OriginClient, &protocol.Ping{})
	require.NoError(t, err)
	assert.IsType(t, &protocol.Pong{}, reply)
	require.NotNil(t, got)
	assert.Equal(t, "conn-1", got.ConnectionID)
	assert.Equal(t, OriginClient, got.Origin)
	assert.NotZero(t, got.CallID)
}

func TestRouterUnknownService(t *testing.T) {
	r := NewRouter(10, time.Second, nil)

	_, err := r.Dispatch(context.Background(), "conn-1", OriginClient, &protocol.Ping{})
	assert.Equal(t, griderr.CodeUnknownService, griderr.CodeOf(err))
}

func TestRouterTimeout(t *testing.T) {
	r := NewRouter(10, 20*time.Millisecond, nil)
	r.Register(&stubHandler{name: ServiceCoordination, ready: true,
		handle: func(ctx context.Context, _ *Context) (protocol.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}})

	_, err := r.Dispatch(context.Background(), "conn-1", OriginClient, &protocol.Ping{})
	assert.Equal(t, griderr.CodeTimeout, griderr.CodeOf(err))
}

func TestRouterShedsWhenSaturated(t *testing.T) {
	r := NewRouter(1, time.Second, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	r.Register(&stubHandler{name: ServiceCoordination, ready: true,
		handle: func(_ context.Context, _ *Context) (protocol.Message, error) {
			startOnce.Do(func() { close(started) })
			<-release
			return nil, nil
		}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Dispatch(context.Background(), "conn-1", OriginClient, &protocol.Ping{})
		assert.NoError(t, err)
	}()
	<-started

	_, err := r.Dispatch(context.Background(), "conn-2", OriginClient, &protocol.Ping{})
	assert.Equal(t, griderr.CodeOverloaded, griderr.CodeOf(err))

	close(release)
	wg.Wait()

	_, err = r.Dispatch(context.Background(), "conn-3", OriginClient, &protocol.Ping{})
	assert.NoError(t, err)
}

func TestRouterHoldsPermitUntilHandlerReturns(t *testing.T) {
	r := NewRouter(1, 20*time.Millisecond, nil)
	release := make(chan struct{})
	r.Register(&stubHandler{name: ServiceCoordination, ready: true,
		handle: func(_ context.Context, _ *Context) (protocol.Message, error) {
			<-release
			return nil, nil
		}})

	// The handler outlives its deadline: the dispatch times out but the
	// goroutine still occupies the only concurrency slot.
	_, err := r.Dispatch(context.Background(), "conn-1", OriginClient, &protocol.Ping{})
	assert.Equal(t, griderr.CodeTimeout, griderr.CodeOf(err))

	_, err = r.Dispatch(context.Background(), "conn-2", OriginClient, &protocol.Ping{})
	assert.Equal(t, griderr.CodeOverloaded, griderr.CodeOf(err),
		"slot stays taken until the handler actually returns")

	close(release)
	require.Eventually(t, func() bool {
		_, err := r.Dispatch(context.Background(), "conn-3", OriginClient, &protocol.Ping{})
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRouterCountsDispatches(t *testing.T) {
	m := metrics.New("node-a", prometheus.NewRegistry())
	r := NewRouter(1, time.Second, nil)
	r.Instrument(m)
	r.Register(&stubHandler{name: ServiceCoordination, ready: true})

	_, err := r.Dispatch(context.Background(), "conn-1", OriginClient, &protocol.Ping{})
	require.NoError(t, err)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(m.OperationsTotal.WithLabelValues(ServiceCoordination, "ok")))

	release := make(chan struct{})
	started := make(chan struct{})
	r.Register(&stubHandler{name: ServiceCoordination, ready: true,
		handle: func(_ context.Context, _ *Context) (protocol.Message, error) {
			close(started)
			<-release
			return nil, nil
		}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Dispatch(context.Background(), "conn-2", OriginClient, &protocol.Ping{})
	}()
	<-started

	_, err = r.Dispatch(context.Background(), "conn-3", OriginClient, &protocol.Ping{})
	assert.Equal(t, griderr.CodeOverloaded, griderr.CodeOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShedTotal))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(m.OperationsTotal.WithLabelValues(ServiceCoordination, "shed")))

	close(release)
	wg.Wait()
}

func TestRouterReady(t *testing.T) {
	r := NewRouter(10, time.Second, nil)
	assert.True(t, r.Ready())

	r.Register(&stubHandler{name: ServiceCrdt, ready: true})
	r.Register(&stubHandler{name: ServiceSync, ready: false})
	assert.False(t, r.Ready())

	r.Register(&stubHandler{name: ServiceSync, ready: true})
	assert.True(t, r.Ready())
	assert.Equal(t, []string{ServiceCrdt, ServiceSync}, r.Services())
}

func TestCallIDsMonotonic(t *testing.T) {
	var f CallIDFactory
	a, b := f.Next(), f.Next()
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
}
