package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Runs   RunStore
	Events EventStore
}

// NewInMemory returns a Persistence that keeps everything in process memory.
func NewInMemory() Persistence {
	return Persistence{
		Runs:   NewInMemoryStore(),
		Events: NewInMemoryEventStore(),
	}
}
