package service

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/crdt"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/merkle"
)

// Container holds every named CRDT map on this node. Maps are created on
// first use; LWW and OR maps share a namespace only on the wire, so the
// same name may back both kinds.
type Container struct {
	clock  *hlc.HLC
	depth  int
	logger *zap.Logger

	lww *xsync.MapOf[string, *crdt.LWWMap[any]]
	or  *xsync.MapOf[string, *crdt.ORMap[any]]
}

// NewContainer builds an empty container stamping writes with clock.
func NewContainer(clock *hlc.HLC, merkleDepth int, logger *zap.Logger) *Container {
	if merkleDepth <= 0 {
		merkleDepth = merkle.DefaultDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		clock:  clock,
		depth:  merkleDepth,
		logger: logger,
		lww:    xsync.NewMapOf[string, *crdt.LWWMap[any]](),
		or:     xsync.NewMapOf[string, *crdt.ORMap[any]](),
	}
}

// Clock returns the node's HLC.
func (c *Container) Clock() *hlc.HLC { return c.clock }

// LWW returns the LWW map called name, creating it on first use.
func (c *Container) LWW(name string) *crdt.LWWMap[any] {
	m, _ := c.lww.LoadOrCompute(name, func() *crdt.LWWMap[any] {
		return crdt.NewLWWMap[any](c.clock, c.depth, c.logger)
	})
	return m
}

// OR returns the OR map called name, creating it on first use.
func (c *Container) OR(name string) *crdt.ORMap[any] {
	m, _ := c.or.LoadOrCompute(name, func() *crdt.ORMap[any] {
		return crdt.NewORMap[any](c.clock, c.depth, c.logger)
	})
	return m
}

// LookupLWW returns the LWW map called name without creating it.
func (c *Container) LookupLWW(name string) (*crdt.LWWMap[any], bool) {
	return c.lww.Load(name)
}

// LookupOR returns the OR map called name without creating it.
func (c *Container) LookupOR(name string) (*crdt.ORMap[any], bool) {
	return c.or.Load(name)
}

// LWWNames lists the LWW maps created so far, sorted.
func (c *Container) LWWNames() []string {
	var names []string
	c.lww.Range(func(name string, _ *crdt.LWWMap[any]) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// ORNames lists the OR maps created so far, sorted.
func (c *Container) ORNames() []string {
	var names []string
	c.or.Range(func(name string, _ *crdt.ORMap[any]) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// PruneTombstones drops tombstones older than threshold from every map
// and returns how many entries were pruned across the container.
func (c *Container) PruneTombstones(threshold hlc.Timestamp) int {
	total := 0
	c.lww.Range(func(_ string, m *crdt.LWWMap[any]) bool {
		total += len(m.Prune(threshold))
		return true
	})
	c.or.Range(func(_ string, m *crdt.ORMap[any]) bool {
		total += m.Prune(threshold)
		return true
	})
	return total
}
