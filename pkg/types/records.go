package types

import (
	"fmt"
	"strings"
	"time"
)

// SourceID identifies a source adapter
type SourceID string

const (
	SourceAuditLog          SourceID = "AuditLog"
	SourceSignIn            SourceID = "SignIn"
	SourceDirectoryAudit    SourceID = "DirectoryAudit"
	SourceMailboxAudit      SourceID = "MailboxAudit"
	SourceRoleAssignment    SourceID = "RoleAssignment"
	SourceConditionalAccess SourceID = "ConditionalAccess"
	SourceAppConsent        SourceID = "AppConsent"
	SourceMailboxRule       SourceID = "MailboxRule"
	SourceMailAuth          SourceID = "MailAuth"
	SourceSharing           SourceID = "Sharing"
	SourceSecureScore       SourceID = "SecureScore"
)

// AllSources lists every adapter id
var AllSources = []SourceID{
	SourceAuditLog,
	SourceSignIn,
	SourceDirectoryAudit,
	SourceMailboxAudit,
	SourceRoleAssignment,
	SourceConditionalAccess,
	SourceAppConsent,
	SourceMailboxRule,
	SourceMailAuth,
	SourceSharing,
	SourceSecureScore,
}

// ParseSourceID matches an adapter id case-insensitively
func ParseSourceID(name string) (SourceID, error) {
	for _, s := range AllSources {
		if strings.EqualFold(strings.TrimSpace(name), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", name)
}

// EventSources are the adapters that produce NormalizedEvent records.
var EventSources = []SourceID{SourceAuditLog, SourceSignIn, SourceDirectoryAudit, SourceMailboxAudit}

// IsEventSource reports whether the adapter produces timestamped events
func IsEventSource(id SourceID) bool {
	for _, s := range EventSources {
		if s == id {
			return true
		}
	}
	return false
}

// FindingType discriminates the kind of configuration fact a Finding describes
type FindingType string

const (
	FindingRole             FindingType = "Role"
	FindingCAPolicy         FindingType = "CAPolicy"
	FindingAppConsent       FindingType = "AppConsent"
	FindingForwardingRule   FindingType = "ForwardingRule"
	FindingInboxRule        FindingType = "InboxRule"
	FindingMailAuthDomain   FindingType = "MailAuthDomain"
	FindingProtectionPolicy FindingType = "ProtectionPolicy"
	FindingSharingPolicy    FindingType = "SharingPolicy"
)

// FindingTypes lists every known finding type
var FindingTypes = []FindingType{
	FindingRole,
	FindingCAPolicy,
	FindingAppConsent,
	FindingForwardingRule,
	FindingInboxRule,
	FindingMailAuthDomain,
	FindingProtectionPolicy,
	FindingSharingPolicy,
}

// RiskFlag is a named annotation attached to a record by the rule engine
type RiskFlag struct {
	Name     string   `json:"name"`
	Reason   string   `json:"reason"`
	Severity string   `json:"severity"`
	Controls []string `json:"controls"`
	RuleID   string   `json:"ruleId"`
}

// NormalizedEvent is a timestamped audit or activity record from a log-style source
type NormalizedEvent struct {
	Source     SourceID       `json:"source"`
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Operation  string         `json:"operation"`
	Target     string         `json:"target,omitempty"`
	RawPayload map[string]any `json:"rawPayload"`
	RiskFlags  []RiskFlag     `json:"riskFlags"`
}

// Finding is a point-in-time configuration fact subject to risk evaluation
type Finding struct {
	Type       FindingType    `json:"type"`
	Source     SourceID       `json:"source"`
	SubjectID  string         `json:"subjectId"`
	Attributes map[string]any `json:"attributes"`
	RawPayload map[string]any `json:"rawPayload,omitempty"`
	RiskFlags  []RiskFlag     `json:"riskFlags"`
}

// RecordKind tags the variant held by a Record
type RecordKind string

const (
	KindEvent   RecordKind = "event"
	KindFinding RecordKind = "finding"
)

// Record is the heterogeneous unit of an AuditReport: exactly one of Event or Finding is set.
type Record struct {
	Kind    RecordKind       `json:"kind"`
	Event   *NormalizedEvent `json:"event,omitempty"`
	Finding *Finding         `json:"finding,omitempty"`
}

func EventRecord(e NormalizedEvent) Record {
	return Record{Kind: KindEvent, Event: &e}
}

func FindingRecord(f Finding) Record {
	return Record{Kind: KindFinding, Finding: &f}
}

// Source returns the adapter that produced the record
func (r Record) Source() SourceID {
	switch r.Kind {
	case KindEvent:
		return r.Event.Source
	case KindFinding:
		return r.Finding.Source
	}
	return ""
}

// Timestamp returns the event time, or the zero time for findings
func (r Record) Timestamp() time.Time {
	if r.Kind == KindEvent && r.Event != nil {
		return r.Event.Timestamp
	}
	return time.Time{}
}

// Identity returns the actor of an event or the subject of a finding
func (r Record) Identity() string {
	switch r.Kind {
	case KindEvent:
		return r.Event.Actor
	case KindFinding:
		return r.Finding.SubjectID
	}
	return ""
}

// Flags returns the risk flags attached to the record
func (r Record) Flags() []RiskFlag {
	switch r.Kind {
	case KindEvent:
		return r.Event.RiskFlags
	case KindFinding:
		return r.Finding.RiskFlags
	}
	return nil
}

// Block names the record-type block the record is rendered in, e.g. "SignIn events" or "Role findings".
func (r Record) Block() string {
	switch r.Kind {
	case KindEvent:
		return fmt.Sprintf("%s events", r.Event.Source)
	case KindFinding:
		return fmt.Sprintf("%s findings", r.Finding.Type)
	}
	return "records"
}

// Clone returns a deep copy so that transforms never alias the source record.
func (r Record) Clone() Record {
	out := Record{Kind: r.Kind}
	if r.Event != nil {
		e := *r.Event
		e.RawPayload = cloneMap(r.Event.RawPayload)
		e.RiskFlags = append([]RiskFlag(nil), r.Event.RiskFlags...)
		out.Event = &e
	}
	if r.Finding != nil {
		f := *r.Finding
		f.Attributes = cloneMap(r.Finding.Attributes)
		f.RawPayload = cloneMap(r.Finding.RawPayload)
		f.RiskFlags = append([]RiskFlag(nil), r.Finding.RiskFlags...)
		out.Finding = &f
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
