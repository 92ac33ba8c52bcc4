package model

// ExitReason describes why a batch run ended.
type ExitReason string

// Exit reasons.
const (
	ExitCompleted    ExitReason = "completed"
	ExitInterrupted  ExitReason = "interrupted"
	ExitCostExceeded ExitReason = "cost_exceeded"
)

// SourceStats tallies attempts and hits for one source over a run.
type SourceStats struct {
	Attempts  int     `json:"attempts"`
	Hits      int     `json:"hits"`
	CacheHits int     `json:"cache_hits"`
	Blocked   int     `json:"blocked"`
	CostUSD   float64 `json:"cost_usd"`
}

// HitRate returns hits over attempts, counting cache hits as both.
func (s SourceStats) HitRate() float64 {
	total := s.Attempts + s.CacheHits
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// RunError is a subject-level failure recorded in the run summary.
type RunError struct {
	SubjectID string `json:"subject_id"`
	Message   string `json:"message"`
}

// RunStats summarizes a batch run.
type RunStats struct {
	BatchID           string                 `json:"batch_id"`
	SubjectsProcessed int                    `json:"subjects_processed"`
	SubjectsEnriched  int                    `json:"subjects_enriched"`
	FillRate          float64                `json:"fill_rate"`
	TotalCostUSD      float64                `json:"total_cost_usd"`
	CostBySource      map[string]float64     `json:"cost_by_source"`
	SourceHitRates    map[string]float64     `json:"source_hit_rates"`
	Sources           map[string]SourceStats `json:"sources"`
	ReviewIDs         []string               `json:"review_ids,omitempty"`
	Errors            []RunError             `json:"errors"`
	ExitReason        ExitReason             `json:"exit_reason"`
	DryRun            bool                   `json:"dry_run,omitempty"`
}

// NewRunStats returns zeroed stats with initialized maps.
func NewRunStats(batchID string) *RunStats {
	return &RunStats{
		BatchID:        batchID,
		CostBySource:   make(map[string]float64),
		SourceHitRates: make(map[string]float64),
		Sources:        make(map[string]SourceStats),
		Errors:         []RunError{},
	}
}

// Record folds one subject's results into the per-source tallies.
func (s *RunStats) Record(results []SourceQueryResult) {
	for _, r := range results {
		if r.ErrorKind == ErrorBudget {
			continue
		}
		st := s.Sources[r.Source]
		if r.Cached {
			st.CacheHits++
		} else {
			st.Attempts++
		}
		if r.Success {
			st.Hits++
		}
		if r.ErrorKind == ErrorBlocked || r.ArchiveTried {
			st.Blocked++
		}
		st.CostUSD += r.CostUSD
		s.Sources[r.Source] = st
		s.CostBySource[r.Source] = st.CostUSD
		s.SourceHitRates[r.Source] = st.HitRate()
	}
}

// Finalize computes derived ratios.
func (s *RunStats) Finalize() {
	if s.SubjectsProcessed > 0 {
		s.FillRate = float64(s.SubjectsEnriched) / float64(s.SubjectsProcessed)
	}
}
