package types

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// AuthenticationFailedError is returned by a credential provider that cannot produce a handle
type AuthenticationFailedError struct {
	Kind string
	Err  error
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed for %s connection: %v", e.Kind, e.Err)
}

func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

// SourceUnavailableError means an adapter produced nothing usable
type SourceUnavailableError struct {
	Source SourceID
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// PartialResultError accompanies a result that is missing some slices or items
type PartialResultError struct {
	Source       SourceID
	FailedSlices []Window
	FailedItems  []string
	Cancelled    bool
	Err          error
}

func (e *PartialResultError) Error() string {
	var parts []string
	if len(e.FailedSlices) > 0 {
		parts = append(parts, fmt.Sprintf("%d failed slices", len(e.FailedSlices)))
	}
	if len(e.FailedItems) > 0 {
		parts = append(parts, fmt.Sprintf("%d failed items", len(e.FailedItems)))
	}
	if e.Cancelled {
		parts = append(parts, "cancelled")
	}
	msg := fmt.Sprintf("source %s returned partial results (%s)", e.Source, strings.Join(parts, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartialResultError) Unwrap() error { return e.Err }

// NoSourcesSucceededError is returned when every requested source failed
type NoSourcesSucceededError struct {
	Statuses []SourceStatus
	Errs     *multierror.Error
}

func (e *NoSourcesSucceededError) Error() string {
	if e.Errs == nil {
		return "no sources succeeded"
	}
	return fmt.Sprintf("no sources succeeded: %v", e.Errs.ErrorOrNil())
}

func (e *NoSourcesSucceededError) Unwrap() error {
	if e.Errs == nil {
		return nil
	}
	return e.Errs.ErrorOrNil()
}

// WriteError is a failure to write one export format
type WriteError struct {
	Format string
	Path   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s report to %s: %v", e.Format, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// RuleConfigError rejects a malformed rule at load time
type RuleConfigError struct {
	RuleID string
	File   string
	Err    error
}

func (e *RuleConfigError) Error() string {
	id := e.RuleID
	if id == "" {
		id = "<unnamed>"
	}
	if e.File != "" {
		return fmt.Sprintf("invalid rule %s in %s: %v", id, e.File, e.Err)
	}
	return fmt.Sprintf("invalid rule %s: %v", id, e.Err)
}

func (e *RuleConfigError) Unwrap() error { return e.Err }
