package store

import (
	"context"
	"fmt"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// StateFile is the dispatch cursor in state.json.
type StateFile struct {
	path string
}

// Load returns zero-value defaults when the file is missing or unreadable
// as JSON.
func (s *StateFile) Load(ctx context.Context) (disparo.DispatchState, error) {
	var st disparo.DispatchState
	err := readJSON(s.path, &st)
	switch {
	case err == nil:
	case isNotExist(err):
		return disparo.DispatchState{}, nil
	default:
		logger.Warn("dispatch state unreadable, starting from defaults", "path", s.path, "error", err)
		return disparo.DispatchState{}, nil
	}
	if st.Milestones == nil {
		st.Milestones = map[string][]int{}
	}
	return st, nil
}

// Save replaces the file.
func (s *StateFile) Save(ctx context.Context, st disparo.DispatchState) error {
	if err := writeJSON(s.path, st); err != nil {
		return fmt.Errorf("writing dispatch state: %w", err)
	}
	return nil
}
