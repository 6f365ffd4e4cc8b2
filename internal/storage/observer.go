package storage

// MutationObserver receives storage mutations after they are applied.
// Implementations must not call back into the record store; notifications
// carry copies so observers cannot hold references into the engine.
type MutationObserver interface {
	OnPut(key string, record Record, isBackup bool)
	OnUpdate(key string, old Record, record Record, isBackup bool)
	OnRemove(key string, record Record, isBackup bool)
	OnEvict(key string, record Record)
	OnLoad(key string, record Record)
	OnReplicationPut(key string, record Record)
	OnClear(entryCount int)
	OnReset()
	OnDestroy()
}

// NoopObserver implements MutationObserver with empty methods, letting
// observers embed it and override only what they need.
type NoopObserver struct{}

func (NoopObserver) OnPut(string, Record, bool)            {}
func (NoopObserver) OnUpdate(string, Record, Record, bool) {}
func (NoopObserver) OnRemove(string, Record, bool)         {}
func (NoopObserver) OnEvict(string, Record)                {}
func (NoopObserver) OnLoad(string, Record)                 {}
func (NoopObserver) OnReplicationPut(string, Record)       {}
func (NoopObserver) OnClear(int)                           {}
func (NoopObserver) OnReset()                              {}
func (NoopObserver) OnDestroy()                            {}

// CompositeObserver fans every notification to a list of observers. An
// empty composite is valid and silent.
type CompositeObserver struct {
	observers []MutationObserver
}

// NewCompositeObserver builds a fan-out over observers.
func NewCompositeObserver(observers ...MutationObserver) *CompositeObserver {
	return &CompositeObserver{observers: observers}
}

// Add appends an observer. Not safe to call concurrently with dispatch.
func (c *CompositeObserver) Add(o MutationObserver) {
	c.observers = append(c.observers, o)
}

func (c *CompositeObserver) OnPut(key string, record Record, isBackup bool) {
	for _, o := range c.observers {
		o.OnPut(key, record, isBackup)
	}
}

func (c *CompositeObserver) OnUpdate(key string, old, record Record, isBackup bool) {
	for _, o := range c.observers {
		o.OnUpdate(key, old, record, isBackup)
	}
}

func (c *CompositeObserver) OnRemove(key string, record Record, isBackup bool) {
	for _, o := range c.observers {
		o.OnRemove(key, record, isBackup)
	}
}

func (c *CompositeObserver) OnEvict(key string, record Record) {
	for _, o := range c.observers {
		o.OnEvict(key, record)
	}
}

func (c *CompositeObserver) OnLoad(key string, record Record) {
	for _, o := range c.observers {
		o.OnLoad(key, record)
	}
}

func (c *CompositeObserver) OnReplicationPut(key string, record Record) {
	for _, o := range c.observers {
		o.OnReplicationPut(key, record)
	}
}

func (c *CompositeObserver) OnClear(entryCount int) {
	for _, o := range c.observers {
		o.OnClear(entryCount)
	}
}

func (c *CompositeObserver) OnReset() {
	for _, o := range c.observers {
		o.OnReset()
	}
}

func (c *CompositeObserver) OnDestroy() {
	for _, o := range c.observers {
		o.OnDestroy()
	}
}
