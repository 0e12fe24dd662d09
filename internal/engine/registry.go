package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/graphflow/internal/topology"
	"github.com/petrijr/graphflow/pkg/api"
)

// graphRegistry holds validated graphs by name. Definitions carry worker
// implementations, so they are never persisted.
type graphRegistry struct {
	mu     sync.RWMutex
	byName map[string]*topology.Topology
}

func newGraphRegistry() *graphRegistry {
	return &graphRegistry{
		byName: make(map[string]*topology.Topology),
	}
}

func (r *graphRegistry) Register(def api.GraphDefinition) (*topology.Topology, error) {
	topo, err := topology.Build(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return nil, fmt.Errorf("%w: %q", api.ErrGraphExists, def.Name)
	}
	r.byName[def.Name] = topo
	return topo, nil
}

func (r *graphRegistry) Get(name string) (*topology.Topology, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topo, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrGraphNotFound, name)
	}
	return topo, nil
}

func (r *graphRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
