package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/storage"
)

// ServiceJanitor names the janitor in the service registry.
const ServiceJanitor = "janitor"

// Janitor housekeeping defaults.
const (
	DefaultJanitorInterval  = 30 * time.Second
	DefaultTombstoneHorizon = 10 * time.Minute
	// evictSamplePct is the per-sweep expired-record scan percentage.
	evictSamplePct = 20
)

// JanitorService is the background housekeeper: it prunes CRDT tombstones
// past the convergence horizon, evicts expired records and soft-flushes
// dirty records to the persistence backend.
type JanitorService struct {
	container *Container
	stores    *storage.RecordStoreFactory
	clock     hlc.Clock
	horizon   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger

	worker *BackgroundWorker
	ready  atomic.Bool
}

// NewJanitorService wires the housekeeper. Non-positive interval and
// horizon fall back to the defaults.
func NewJanitorService(container *Container, stores *storage.RecordStoreFactory,
	clock hlc.Clock, interval, horizon time.Duration, logger *zap.Logger) *JanitorService {
	if clock == nil {
		clock = hlc.SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if horizon <= 0 {
		horizon = DefaultTombstoneHorizon
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &JanitorService{
		container: container,
		stores:    stores,
		clock:     clock,
		horizon:   horizon,
		logger:    logger,
	}
	s.worker = NewBackgroundWorker(ServiceJanitor, TickFunc(s.sweep), interval, logger)
	return s
}

// Instrument attaches the node's collectors; wire before Init.
func (s *JanitorService) Instrument(m *metrics.Metrics) { s.metrics = m }

// Name implements ManagedService.
func (s *JanitorService) Name() string { return ServiceJanitor }

// Init implements ManagedService.
func (s *JanitorService) Init(ctx context.Context) error {
	s.worker.Start(ctx)
	s.ready.Store(true)
	return nil
}

// Reset implements ManagedService. The janitor holds no state of its own.
func (s *JanitorService) Reset(context.Context) error { return nil }

// Shutdown stops the sweep loop; a graceful stop flushes once more.
func (s *JanitorService) Shutdown(ctx context.Context, terminate bool) error {
	s.ready.Store(false)
	s.worker.Stop()
	if terminate {
		return nil
	}
	return s.flush(ctx)
}

// Ready reports whether the sweep loop is running.
func (s *JanitorService) Ready() bool { return s.ready.Load() }

// sweep is one housekeeping pass.
func (s *JanitorService) sweep(ctx context.Context) error {
	now := s.clock.NowMillis()
	horizonMs := uint64(s.horizon.Milliseconds())
	if now > horizonMs {
		threshold := hlc.Timestamp{Millis: now - horizonMs}
		if pruned := s.container.PruneTombstones(threshold); pruned > 0 {
			s.metrics.RecordTombstonesWiped(pruned)
			s.logger.Debug("pruned tombstones", zap.Int("count", pruned))
		}
	}

	evicted := 0
	for _, store := range s.stores.All() {
		evicted += store.EvictExpired(evictSamplePct)
	}
	if evicted > 0 {
		s.logger.Debug("evicted expired records", zap.Int("count", evicted))
	}

	return s.flush(ctx)
}

// flush soft-flushes every store, retrying transient backend failures a
// few times before surfacing them to the worker log.
func (s *JanitorService) flush(ctx context.Context) error {
	for _, store := range s.stores.All() {
		st := store
		attempt := func() error {
			flushed, err := st.SoftFlush(ctx)
			s.metrics.RecordRecordsFlushed(flushed)
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(attempt, policy); err != nil {
			s.logger.Error("soft flush failed",
				zap.String("map", st.MapName()),
				zap.Uint32("partition", st.PartitionID()),
				zap.Error(err))
			return err
		}
	}
	return nil
}
