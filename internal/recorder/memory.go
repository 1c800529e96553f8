package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"RegimeSentinel/internal/model"
)

type historyKey struct {
	ts     int64
	source string
}

// MemoryStore keeps everything in process. Used by tests and dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	history  []model.RegimeHistoryRecord
	seen     map[historyKey]bool
	params   []model.StrategyParams
	pending  map[string]*model.StrategyParams
	resolved map[string]bool
	alerts   []model.ProtocolAlert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:     make(map[historyKey]bool),
		pending:  make(map[string]*model.StrategyParams),
		resolved: make(map[string]bool),
	}
}

func (s *MemoryStore) WriteHistory(_ context.Context, rec *model.RegimeHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup, err := s.checkHistoryLocked(rec)
	if err != nil || dup {
		return err
	}
	s.appendHistoryLocked(rec)
	return nil
}

// checkHistoryLocked reports whether rec is already stored, or why it cannot be.
func (s *MemoryStore) checkHistoryLocked(rec *model.RegimeHistoryRecord) (bool, error) {
	if s.seen[historyKey{rec.Timestamp.UnixNano(), rec.Source}] {
		return true, nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Source == rec.Source {
			if rec.Timestamp.Before(s.history[i].Timestamp) {
				return false, fmt.Errorf("%w: %s at %s", model.ErrNonMonotonicHistory, rec.Source, rec.Timestamp.Format(time.RFC3339))
			}
			break
		}
	}
	return false, nil
}

func (s *MemoryStore) appendHistoryLocked(rec *model.RegimeHistoryRecord) {
	s.seen[historyKey{rec.Timestamp.UnixNano(), rec.Source}] = true
	s.history = append(s.history, *rec)
}

func (s *MemoryStore) LatestHistory(_ context.Context, source string) (*model.RegimeHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.RegimeHistoryRecord
	for i := range s.history {
		h := &s.history[i]
		if source != "" && h.Source != source {
			continue
		}
		if latest == nil || !h.Timestamp.Before(latest.Timestamp) {
			latest = h
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// History returns all rows in insertion order.
func (s *MemoryStore) History() []model.RegimeHistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RegimeHistoryRecord(nil), s.history...)
}

func (s *MemoryStore) ReadCurrentParams(_ context.Context) (*model.StrategyParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(), nil
}

func (s *MemoryStore) currentLocked() *model.StrategyParams {
	if len(s.params) == 0 {
		return nil
	}
	cur := s.params[0]
	for _, p := range s.params[1:] {
		if !p.UpdatedAt.Before(cur.UpdatedAt) {
			cur = p
		}
	}
	return &cur
}

func (s *MemoryStore) WriteCurrentParams(_ context.Context, p *model.StrategyParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCurrentLocked(p)
	return nil
}

func (s *MemoryStore) writeCurrentLocked(p *model.StrategyParams) {
	for _, existing := range s.params {
		if existing.ID == p.ID {
			return
		}
	}
	s.params = append(s.params, *p)
}

// PublishedCount is the number of records ever written as current.
func (s *MemoryStore) PublishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

func (s *MemoryStore) WritePendingParams(_ context.Context, p *model.StrategyParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writePendingLocked(p)
	return nil
}

func (s *MemoryStore) writePendingLocked(p *model.StrategyParams) {
	if _, ok := s.pending[p.ID]; ok {
		return
	}
	cp := *p
	s.pending[p.ID] = &cp
}

func (s *MemoryStore) ListPendingParams(_ context.Context) ([]*model.StrategyParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.StrategyParams, 0, len(s.pending))
	for id, p := range s.pending {
		if s.resolved[id] {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ApprovePending(_ context.Context, id, operator string, at time.Time) (*model.StrategyParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok || s.resolved[id] {
		return nil, fmt.Errorf("%w: pending params %s", model.ErrNotFound, id)
	}
	approved := promote(p, operator, at)
	s.params = append(s.params, *approved)
	s.resolved[id] = true
	return approved, nil
}

func (s *MemoryStore) WriteProtocolAlert(_ context.Context, alert *model.ProtocolAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *alert)
	return nil
}

func (s *MemoryStore) WriteCycle(_ context.Context, w *CycleWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeHistory := false
	if w.History != nil {
		dup, err := s.checkHistoryLocked(w.History)
		if err != nil {
			return err
		}
		writeHistory = !dup
	}
	if w.Current != nil {
		s.writeCurrentLocked(w.Current)
	}
	if w.Pending != nil {
		s.writePendingLocked(w.Pending)
	}
	s.alerts = append(s.alerts, w.Alerts...)
	if writeHistory {
		s.appendHistoryLocked(w.History)
	}
	return nil
}

// Alerts returns the protocol alert log.
func (s *MemoryStore) Alerts() []model.ProtocolAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ProtocolAlert(nil), s.alerts...)
}

func (s *MemoryStore) Close() error { return nil }
