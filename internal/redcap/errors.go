package redcap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// SourceError reports a failed call to the REDCap API for one project year.
type SourceError struct {
	Year   int
	Status int
	Err    error
}

func (e *SourceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("redcap %d: status %d: %v", e.Year, e.Status, e.Err)
	}
	return fmt.Sprintf("redcap %d: %v", e.Year, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether running the whole sync again may succeed.
func (e *SourceError) Retryable() bool {
	if e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError {
		return true
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// FieldError describes one field that failed validation.
type FieldError struct {
	Field string
	Rule  string
	Value string
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s (got %q)", f.Field, f.Rule, f.Value)
}

// DecodeError reports a REDCap payload that could not be turned into valid
// records. A single bad record fails the whole fetch.
type DecodeError struct {
	Content string
	Year    int
	Index   int
	Key     string
	Fields  []FieldError
	Err     error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "redcap %s %d", e.Content, e.Year)
	if e.Index >= 0 {
		fmt.Fprintf(&b, " record %d", e.Index)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " (%s)", e.Key)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		fmt.Fprintf(&b, ": %s", strings.Join(parts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
