package labresult

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/labdesk/labdesk/internal/platform/store"
)

var (
	// ErrCatalogUnavailable is wrapped by every failed catalog query.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	// ErrResultNotFound means the result header addressed by an edit session
	// does not exist.
	ErrResultNotFound = errors.New("result not found")
	// ErrSessionClosed is returned by operations on a closed form session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound is returned by the Manager for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSubmitInProgress is returned while the form is being submitted.
	ErrSubmitInProgress = errors.New("submit in progress")
)

// ValidationError blocks a submission before any store call is made.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Step is one stage of the submit sequence.
type Step string

const (
	StepHeader Step = "header"
	StepDelete Step = "delete"
	StepUpsert Step = "upsert"
)

// PersistenceError reports a store failure during submit. Completed lists the
// steps that were committed before Step failed; they are not rolled back.
type PersistenceError struct {
	ResultID  string
	Step      Step
	Completed []Step
	Code      store.Code
	Err       error
	// Header is the header as committed, set once the header step succeeded.
	Header *ResultHeader
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist result %s: %s step failed (%s) after %v: %v", e.ResultID, e.Step, e.Code, e.Completed, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
