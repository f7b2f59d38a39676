package weblounge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is matched by every resolution failure.
	ErrNotFound = errors.New("not found")
	// ErrPoolExhausted is matched when an action pool cannot hand out an instance.
	ErrPoolExhausted = errors.New("action pool exhausted")
	// ErrInvalidated is returned when flushing a response that was invalidated.
	ErrInvalidated = errors.New("response invalidated")
)

// ConfigurationError reports a malformed or missing configuration value. It
// is fatal at load time.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ResolutionError reports that no action, flavor or target page could be
// found for a request.
type ResolutionError struct {
	Kind   string
	Target string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no %s found for %s", e.Kind, e.Target)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrNotFound }

// RenderingError wraps a failure raised while an action stage or an include
// was running.
type RenderingError struct {
	Action string
	Stage  string
	Err    error
}

func (e *RenderingError) Error() string {
	return fmt.Sprintf("action %s: %s: %v", e.Action, e.Stage, e.Err)
}

func (e *RenderingError) Unwrap() error { return e.Err }

// PoolExhaustedError is returned by ActionPool.Borrow.
type PoolExhaustedError struct {
	Action string
	Err    error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("action %s: %v: %v", e.Action, ErrPoolExhausted, e.Err)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

func (e *PoolExhaustedError) Unwrap() error { return e.Err }

// ActionError lets a handler choose the status code reported to the client.
type ActionError struct {
	Status int
	Err    error
}

// NewActionError returns an ActionError with a formatted cause.
func NewActionError(status int, format string, args ...any) *ActionError {
	return &ActionError{Status: status, Err: fmt.Errorf(format, args...)}
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// wrapStage attaches action and stage context to err unless it already
// carries it.
func wrapStage(a *Action, stage string, err error) error {
	if err == nil {
		return nil
	}
	var re *RenderingError
	if errors.As(err, &re) {
		return err
	}
	return &RenderingError{Action: a.cfg.String(), Stage: stage, Err: err}
}

// StatusFor maps an error of the dispatch taxonomy to an HTTP status.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ae *ActionError
	if errors.As(err, &ae) && ae.Status >= 300 && ae.Status < 600 {
		return ae.Status
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPoolExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
