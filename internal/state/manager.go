package state

import (
	"sync"

	"go.uber.org/zap"

	"RegimeSentinel/internal/model"
)

// Manager holds the latest successful sub-assessments with concurrency safety.
// An empty filePath keeps state in memory only.
type Manager struct {
	mu       sync.Mutex
	state    *model.Assessments
	filePath string
	log      *zap.Logger
}

// NewManager creates a Manager, loading state from disk when a path is given.
func NewManager(filePath string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	st := &model.Assessments{}
	if filePath != "" {
		loaded, err := LoadState(filePath)
		if err != nil {
			return nil, err
		}
		st = loaded
	}
	return &Manager{state: st, filePath: filePath, log: log}, nil
}

// Get returns a deep copy of the current assessments.
func (m *Manager) Get() model.Assessments {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Commit replaces the assessments after a cycle's writes succeeded.
func (m *Manager) Commit(a model.Assessments) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := a.Clone()
	if m.filePath != "" {
		if err := SaveState(m.filePath, &next); err != nil {
			m.log.Error("failed to save assessment state", zap.String("path", m.filePath), zap.Error(err))
			return err
		}
	}
	m.state = &next
	return nil
}

// SeedRegime sets the previous regime when none is known, e.g. from stored history.
func (m *Manager) SeedRegime(r model.Regime) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Regime != nil {
		return false
	}
	m.state.Regime = &r
	return true
}
