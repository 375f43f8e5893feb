package types

import (
	"fmt"
	"time"
)

// InvestigationRequest describes one investigation. It is never mutated by the orchestrator.
type InvestigationRequest struct {
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	ActorFilter     []string   `json:"actorFilter,omitempty"`
	OperationFilter []string   `json:"operationFilter,omitempty"`
	Sources         []SourceID `json:"sources"`
	Anonymize       bool       `json:"anonymize,omitempty"`
}

// Window resolves the request window, defaulting End to now
func (r InvestigationRequest) Window(now time.Time) (Window, error) {
	end := now
	if r.End != nil {
		end = *r.End
	}
	return NewWindow(r.Start, end)
}

// SourceState is the outcome of one adapter call
type SourceState string

const (
	StateComplete  SourceState = "complete"
	StatePartial   SourceState = "partial"
	StateFailed    SourceState = "failed"
	StateCancelled SourceState = "cancelled"
)

// SourceStatus records per-source provenance in a report
type SourceStatus struct {
	Source       SourceID    `json:"source"`
	Status       SourceState `json:"status"`
	Records      int         `json:"records"`
	FailedSlices []Window    `json:"failedSlices,omitempty"`
	FailedItems  []string    `json:"failedItems,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Succeeded is true for complete and partial outcomes, and for a cancelled source that
// still returned records
func (s SourceStatus) Succeeded() bool {
	switch s.Status {
	case StateComplete, StatePartial:
		return true
	case StateCancelled:
		return s.Records > 0
	}
	return false
}

// ReportKind tags how a report was produced
type ReportKind string

const (
	ReportInvestigation ReportKind = "investigation"
	ReportQuickAudit    ReportKind = "quick-audit"
)

// AuditReport is the immutable result of one run
type AuditReport struct {
	ID              string         `json:"id"`
	Kind            ReportKind     `json:"kind"`
	Profile         string         `json:"profile,omitempty"`
	InvestigationID string         `json:"investigationId,omitempty"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	Window          Window         `json:"window"`
	Records         []Record       `json:"records"`
	Sources         []SourceStatus `json:"sources"`
	Warnings        []string       `json:"warnings,omitempty"`
	Anonymized      bool           `json:"anonymized"`
}

// Name is the file stem of the report: "Investigation" or "QuickAudit_<Profile>"
func (r *AuditReport) Name() string {
	if r.Kind == ReportQuickAudit {
		return fmt.Sprintf("QuickAudit_%s", r.Profile)
	}
	return "Investigation"
}

// FlagCount returns the total number of risk flags over all records
func (r *AuditReport) FlagCount() int {
	n := 0
	for _, rec := range r.Records {
		n += len(rec.Flags())
	}
	return n
}
