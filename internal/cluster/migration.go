package cluster

import (
	"sync"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// MigrationPhase is a step in the per-partition migration state machine.
type MigrationPhase uint8

const (
	PhaseStart MigrationPhase = iota
	PhaseData
	PhaseReady
	PhaseFinalized
	PhaseCancelled
)

func (p MigrationPhase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseData:
		return "data"
	case PhaseReady:
		return "ready"
	case PhaseFinalized:
		return "finalized"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ActiveMigration is one in-flight partition move.
type ActiveMigration struct {
	Task         MigrationTask
	Phase        MigrationPhase
	CancelReason string
}

// MigrationManager tracks in-flight migrations and enforces the phase
// order start -> data -> ready -> finalized. The source keeps its data
// until finalize; cancellation is valid at any phase and idempotent.
type MigrationManager struct {
	mu     sync.Mutex
	active map[uint32]*ActiveMigration
	logger *zap.Logger
}

// NewMigrationManager builds an empty manager.
func NewMigrationManager(logger *zap.Logger) *MigrationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationManager{active: make(map[uint32]*ActiveMigration), logger: logger}
}

// Begin opens a migration for the task's partition. A partition can have
// at most one migration in flight.
func (m *MigrationManager) Begin(task MigrationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[task.PartitionID]; ok && existing.Phase != PhaseCancelled {
		return griderr.New(griderr.CodeInvalidArgument,
			"partition %d already migrating (phase %s)", task.PartitionID, existing.Phase)
	}
	m.active[task.PartitionID] = &ActiveMigration{Task: task, Phase: PhaseStart}
	m.logger.Info("migration started",
		zap.Uint32("partition", task.PartitionID),
		zap.String("source", task.Source),
		zap.String("destination", task.Destination))
	return nil
}

// Advance moves the partition's migration to next. Only the forward step
// order is legal; a cancelled migration cannot advance.
func (m *MigrationManager) Advance(pid uint32, next MigrationPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mig, ok := m.active[pid]
	if !ok {
		return griderr.New(griderr.CodeInvalidArgument, "no migration for partition %d", pid)
	}
	if mig.Phase == PhaseCancelled {
		return griderr.New(griderr.CodeInvalidArgument,
			"migration for partition %d was cancelled: %s", pid, mig.CancelReason)
	}
	// Data batches repeat; every other phase advances by exactly one.
	if next == PhaseData && mig.Phase == PhaseData {
		return nil
	}
	if next != mig.Phase+1 {
		return griderr.New(griderr.CodeInvalidArgument,
			"illegal migration step %s -> %s for partition %d", mig.Phase, next, pid)
	}
	mig.Phase = next
	return nil
}

// Cancel aborts the partition's migration. Cancelling an unknown or
// already cancelled migration is a no-op.
func (m *MigrationManager) Cancel(pid uint32, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mig, ok := m.active[pid]
	if !ok || mig.Phase == PhaseCancelled {
		return
	}
	mig.Phase = PhaseCancelled
	mig.CancelReason = reason
	m.logger.Warn("migration cancelled",
		zap.Uint32("partition", pid),
		zap.String("reason", reason))
}

// Finalize completes the partition's migration and returns its task.
// The migration must have reached Ready.
func (m *MigrationManager) Finalize(pid uint32) (MigrationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mig, ok := m.active[pid]
	if !ok {
		return MigrationTask{}, griderr.New(griderr.CodeInvalidArgument,
			"no migration for partition %d", pid)
	}
	if mig.Phase != PhaseReady {
		return MigrationTask{}, griderr.New(griderr.CodeInvalidArgument,
			"partition %d not ready to finalize (phase %s)", pid, mig.Phase)
	}
	delete(m.active, pid)
	m.logger.Info("migration finalized",
		zap.Uint32("partition", pid),
		zap.String("new_owner", mig.Task.Destination))
	return mig.Task, nil
}

// Get returns the partition's in-flight migration, if any.
func (m *MigrationManager) Get(pid uint32) (ActiveMigration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mig, ok := m.active[pid]
	if !ok {
		return ActiveMigration{}, false
	}
	return *mig, true
}

// Active snapshots every in-flight migration keyed by partition.
func (m *MigrationManager) Active() map[uint32]ActiveMigration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]ActiveMigration, len(m.active))
	for pid, mig := range m.active {
		out[pid] = *mig
	}
	return out
}
