// Package service holds the domain services behind the operation router
// and the registry that drives their lifecycle.
package service

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// ManagedService is a component with a managed lifecycle. Init is called
// once in registration order, Shutdown once in reverse order. Reset
// returns the service to its post-Init state without tearing it down.
type ManagedService interface {
	Name() string
	Init(ctx context.Context) error
	Reset(ctx context.Context) error
	Shutdown(ctx context.Context, terminate bool) error
}

// Registry holds services by name and by concrete type, remembering
// registration order so initialization and shutdown are deterministic.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]ManagedService
	byType  map[reflect.Type]ManagedService
	ordered []ManagedService
	logger  *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byName: make(map[string]ManagedService),
		byType: make(map[reflect.Type]ManagedService),
		logger: logger,
	}
}

// Register adds a service. Registering two services under the same name
// or the same concrete type is a wiring bug and fails.
func (r *Registry) Register(s ManagedService) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if _, ok := r.byName[name]; ok {
		return griderr.New(griderr.CodeInvalidArgument, "service %q already registered", name)
	}
	t := reflect.TypeOf(s)
	if _, ok := r.byType[t]; ok {
		return griderr.New(griderr.CodeInvalidArgument, "service type %s already registered", t)
	}
	r.byName[name] = s
	r.byType[t] = s
	r.ordered = append(r.ordered, s)
	return nil
}

// Get looks a service up by name.
func (r *Registry) Get(name string) (ManagedService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// GetTyped looks a service up by concrete type.
//
//	crdt, ok := service.GetTyped[*service.CrdtService](reg)
func GetTyped[S ManagedService](r *Registry) (S, bool) {
	var zero S
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	return s.(S), true
}

// Names lists registered service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordered))
	for i, s := range r.ordered {
		names[i] = s.Name()
	}
	return names
}

// InitAll initializes every service in registration order. The first
// failure aborts the sequence and propagates.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.RLock()
	ordered := append([]ManagedService(nil), r.ordered...)
	r.mu.RUnlock()
	for _, s := range ordered {
		if err := s.Init(ctx); err != nil {
			r.logger.Error("service init failed",
				zap.String("service", s.Name()), zap.Error(err))
			return griderr.Wrap(griderr.CodeInternal, err, "init %s", s.Name())
		}
		r.logger.Info("service initialized", zap.String("service", s.Name()))
	}
	return nil
}

// ShutdownAll stops every service in reverse registration order. With
// terminate false, services drain in-flight work; with terminate true
// they stop immediately. The first failure aborts and propagates.
func (r *Registry) ShutdownAll(ctx context.Context, terminate bool) error {
	r.mu.RLock()
	ordered := append([]ManagedService(nil), r.ordered...)
	r.mu.RUnlock()
	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		if err := s.Shutdown(ctx, terminate); err != nil {
			r.logger.Error("service shutdown failed",
				zap.String("service", s.Name()), zap.Error(err))
			return griderr.Wrap(griderr.CodeInternal, err, "shutdown %s", s.Name())
		}
		r.logger.Info("service stopped", zap.String("service", s.Name()))
	}
	return nil
}
