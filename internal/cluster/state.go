package cluster

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/partition"
)

// State holds the node's view of the cluster: the members view behind an
// atomic pointer and the partition table. Readers never block writers.
type State struct {
	view  atomic.Pointer[MembersView]
	table *partition.Table

	mu   sync.Mutex
	subs []func(*MembersView)

	logger *zap.Logger
}

// NewState builds a State around an empty view and the given table.
func NewState(table *partition.Table, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &State{table: table, logger: logger}
	s.view.Store(NewMembersView())
	return s
}

// View returns the current members view snapshot. Callers must not
// mutate it.
func (s *State) View() *MembersView { return s.view.Load() }

// Table returns the partition table.
func (s *State) Table() *partition.Table { return s.table }

// Master returns the current master, derived from the view.
func (s *State) Master() (MemberInfo, bool) { return s.View().Master() }

// ApplyMembersUpdate installs a newer view. Views at or below the current
// version are refused so replayed or reordered updates cannot roll the
// membership back.
func (s *State) ApplyMembersUpdate(next *MembersView) bool {
	for {
		current := s.view.Load()
		if next.Version <= current.Version {
			s.logger.Debug("ignoring stale members view",
				zap.Uint64("current", current.Version),
				zap.Uint64("received", next.Version))
			return false
		}
		if s.view.CompareAndSwap(current, next) {
			s.logger.Info("members view updated",
				zap.Uint64("version", next.Version),
				zap.Int("members", len(next.Members)))
			s.notify(next)
			return true
		}
	}
}

// Subscribe registers fn to run after every applied view change.
func (s *State) Subscribe(fn func(*MembersView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *State) notify(v *MembersView) {
	s.mu.Lock()
	subs := make([]func(*MembersView), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}
