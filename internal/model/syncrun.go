package model

import "time"

// Sync phase names used as PhaseCounters keys.
const (
	PhaseCatalog = "catalog"
	PhaseSales   = "sales"
)

// PhaseCounters tallies the outcome of one sync phase. A single item failing
// increments Failed and records a message; it never aborts the phase.
type PhaseCounters struct {
	Created  int      `json:"created"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Failures []string `json:"failures,omitempty"`
}

// Add merges other into c.
func (c *PhaseCounters) Add(other PhaseCounters) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Failed += other.Failed
	c.Failures = append(c.Failures, other.Failures...)
}

// Fail records one item failure, capping the stored messages so a pathological
// batch doesn't bloat the run record.
func (c *PhaseCounters) Fail(msg string) {
	c.Failed++
	if len(c.Failures) < 50 {
		c.Failures = append(c.Failures, msg)
	}
}

// SyncRun is the append-only audit record for one Sync Workflow invocation.
type SyncRun struct {
	ID         string                   `json:"id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at,omitempty"`
	Status     string                   `json:"status"` // running | complete | failed
	Phases     map[string]PhaseCounters `json:"phases"`
}

// TotalFailed returns the failure count across all phases.
func (r *SyncRun) TotalFailed() int {
	n := 0
	for _, p := range r.Phases {
		n += p.Failed
	}
	return n
}
