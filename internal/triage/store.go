package triage

import (
	"sync"

	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Store holds the most recent triage and analysis results. The task queue
// reads LatestAnalysis from it.
type Store struct {
	mu          sync.RWMutex
	analysis    types.DeepAnalysisResult
	hasAnalysis bool
	triage      types.TriageResult
	hasTriage   bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// LatestAnalysis returns the newest recommendation.
func (s *Store) LatestAnalysis() (types.DeepAnalysisResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAnalysis(s.analysis), s.hasAnalysis
}

// SetAnalysis replaces the newest recommendation.
func (s *Store) SetAnalysis(res types.DeepAnalysisResult) {
	s.mu.Lock()
	s.analysis = cloneAnalysis(res)
	s.hasAnalysis = true
	s.mu.Unlock()
}

// LatestTriage returns the newest triage result.
func (s *Store) LatestTriage() (types.TriageResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.triage
	t.Reasons = append([]string(nil), s.triage.Reasons...)
	return t, s.hasTriage
}

// SetTriage replaces the newest triage result.
func (s *Store) SetTriage(res types.TriageResult) {
	s.mu.Lock()
	s.triage = res
	s.triage.Reasons = append([]string(nil), res.Reasons...)
	s.hasTriage = true
	s.mu.Unlock()
}

func cloneAnalysis(res types.DeepAnalysisResult) types.DeepAnalysisResult {
	c := res
	c.Actions = append([]string(nil), res.Actions...)
	c.Findings = append([]string(nil), res.Findings...)
	return c
}
