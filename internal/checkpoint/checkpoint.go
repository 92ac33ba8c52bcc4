// Package checkpoint persists batch progress so interrupted runs resume
// without reprocessing subjects or re-charging their cost.
package checkpoint

import (
	"slices"
	"time"
)

// Version is the current on-disk schema version. Older files load fine;
// unknown fields are ignored.
const Version = 1

// Counters are cumulative run totals carried across resumes.
type Counters struct {
	Processed int     `json:"processed"`
	Enriched  int     `json:"enriched"`
	CostUSD   float64 `json:"cost_usd"`
	Errors    int     `json:"errors"`
}

// Checkpoint is the durable record of one batch run.
type Checkpoint struct {
	Version      int                 `json:"version"`
	BatchID      string              `json:"batch_id"`
	StartedAt    time.Time           `json:"started_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	ProcessedIDs []string            `json:"processed_ids"`
	SubUnits     map[string][]string `json:"sub_units,omitempty"`
	Cursor       string              `json:"cursor,omitempty"`
	Counters     Counters            `json:"counters"`
	CostBySource map[string]float64  `json:"cost_by_source,omitempty"`
	FailedIDs    []string            `json:"failed_ids,omitempty"`

	processed map[string]struct{}
}

// New returns an empty checkpoint for a fresh run.
func New(batchID string, now time.Time) *Checkpoint {
	return &Checkpoint{
		Version:      Version,
		BatchID:      batchID,
		StartedAt:    now,
		UpdatedAt:    now,
		SubUnits:     make(map[string][]string),
		CostBySource: make(map[string]float64),
		processed:    make(map[string]struct{}),
	}
}

// index rebuilds lookup state after decoding.
func (c *Checkpoint) index() {
	if c.SubUnits == nil {
		c.SubUnits = make(map[string][]string)
	}
	if c.CostBySource == nil {
		c.CostBySource = make(map[string]float64)
	}
	c.processed = make(map[string]struct{}, len(c.ProcessedIDs))
	for _, id := range c.ProcessedIDs {
		c.processed[id] = struct{}{}
	}
}

// IsProcessed reports whether a unit completed in this run.
func (c *Checkpoint) IsProcessed(id string) bool {
	_, ok := c.processed[id]
	return ok
}

// Seen returns the processed set.
func (c *Checkpoint) Seen() map[string]bool {
	out := make(map[string]bool, len(c.processed))
	for id := range c.processed {
		out[id] = true
	}
	return out
}

// MarkProcessed records a completed unit, advances the cursor and drops any
// member progress and failure entry kept for it.
func (c *Checkpoint) MarkProcessed(id string) {
	if !c.IsProcessed(id) {
		c.processed[id] = struct{}{}
		c.ProcessedIDs = append(c.ProcessedIDs, id)
	}
	c.Cursor = id
	delete(c.SubUnits, id)
	c.FailedIDs = slices.DeleteFunc(c.FailedIDs, func(f string) bool { return f == id })
}

// MarkFailed records a unit that must be retried on the next invocation.
func (c *Checkpoint) MarkFailed(id string) {
	if !slices.Contains(c.FailedIDs, id) {
		c.FailedIDs = append(c.FailedIDs, id)
	}
}

// MemberDone reports whether member of a hierarchical unit is complete.
func (c *Checkpoint) MemberDone(unit, member string) bool {
	return slices.Contains(c.SubUnits[unit], member)
}

// MarkMember records progress inside a hierarchical unit.
func (c *Checkpoint) MarkMember(unit, member string) {
	if !c.MemberDone(unit, member) {
		c.SubUnits[unit] = append(c.SubUnits[unit], member)
	}
}

// AddCost accumulates spend for a source.
func (c *Checkpoint) AddCost(source string, usd float64) {
	if usd == 0 {
		return
	}
	c.CostBySource[source] += usd
	c.Counters.CostUSD += usd
}
