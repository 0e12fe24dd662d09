package persistence

import (
	"context"

	"github.com/petrijr/graphflow/pkg/api"
)

// ErrRunNotFound is returned when a run snapshot is not found.
var ErrRunNotFound = api.ErrRunNotFound

// RunFilter is used to select runs from the store.
// Empty string / zero status mean "no filter" for that field.
type RunFilter struct {
	Graph  string
	Status api.RunStatus
}

// Matches reports whether snap passes the filter.
func (f RunFilter) Matches(snap *api.RunSnapshot) bool {
	if f.Graph != "" && snap.Graph != f.Graph {
		return false
	}
	if f.Status != "" && snap.Status != f.Status {
		return false
	}
	return true
}

// RunStore handles storage of run snapshots. Graph definitions are never
// persisted: they hold worker implementations and live in the engine's
// registry only.
type RunStore interface {
	SaveRun(ctx context.Context, snap *api.RunSnapshot) error
	// UpdateRun replaces an existing snapshot. It returns ErrRunNotFound
	// when the run was never saved.
	UpdateRun(ctx context.Context, snap *api.RunSnapshot) error
	GetRun(ctx context.Context, id string) (*api.RunSnapshot, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunSnapshot, error)
}
