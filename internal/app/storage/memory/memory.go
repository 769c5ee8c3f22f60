package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
)

// Store is an in-memory implementation of the analysis registry. It is
// safe for concurrent use and is primarily intended for tests and
// local development.
type Store struct {
	mu       sync.RWMutex
	analyses map[string]study.Analysis
	order    []string
}

var _ storage.AnalysisStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		analyses: make(map[string]study.Analysis),
	}
}

func (s *Store) CreateAnalysis(_ context.Context, a study.Analysis) (study.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	} else if _, exists := s.analyses[a.ID]; exists {
		return study.Analysis{}, fmt.Errorf("analysis %s already exists", a.ID)
	}

	if a.Status == "" {
		a.Status = study.StatusQueued
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}

	s.analyses[a.ID] = a
	s.order = append(s.order, a.ID)
	return a, nil
}

func (s *Store) UpdateAnalysis(_ context.Context, a study.Analysis) (study.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.analyses[a.ID]
	if !ok {
		return study.Analysis{}, storage.NotFoundf("analysis %s not found", a.ID)
	}

	a.RequestedAt = original.RequestedAt
	s.analyses[a.ID] = a
	return a, nil
}

func (s *Store) GetAnalysis(_ context.Context, id string) (study.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[id]
	if !ok {
		return study.Analysis{}, storage.NotFoundf("analysis %s not found", id)
	}
	return a, nil
}

// ListAnalyses returns analyses most recent first, optionally filtered
// by study code. A non-positive limit returns everything.
func (s *Store) ListAnalyses(_ context.Context, studyCode string, limit int) ([]study.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]study.Analysis, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.analyses[s.order[i]]
		if studyCode != "" && a.StudyCode != studyCode {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListPendingAnalyses returns queued analyses oldest first so the
// runner drains them in arrival order.
func (s *Store) ListPendingAnalyses(_ context.Context) ([]study.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []study.Analysis
	for _, id := range s.order {
		if a := s.analyses[id]; a.Status == study.StatusQueued {
			out = append(out, a)
		}
	}
	return out, nil
}
