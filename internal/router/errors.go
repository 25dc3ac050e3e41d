package router

import (
	"errors"
	"fmt"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// ErrNoProviders is returned by New for an empty pool.
var ErrNoProviders = &providers.Error{
	Kind:     providers.KindConfig,
	Provider: "router",
	Op:       "new",
	Message:  "provider pool must contain at least one provider",
}

// ErrInterrupted marks a call abandoned because its context ended between
// or during attempts.
var ErrInterrupted = errors.New("router: interrupted")

// RetryError is returned when a single provider could not serve a call.
// It wraps the last provider error.
type RetryError struct {
	Provider    string
	Op          string
	Attempts    int
	Kind        providers.ErrorKind
	Interrupted bool
	Err         error
	ctxErr      error
}

func (e *RetryError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("router: %s %s interrupted after %d attempt(s): %v", e.Provider, e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("router: %s %s failed after %d attempt(s): %v", e.Provider, e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Interrupted {
		errs = append(errs, ErrInterrupted)
		if e.ctxErr != nil {
			errs = append(errs, e.ctxErr)
		}
	}
	return errs
}

// RoutingError is returned when a strategy ran out of providers to try.
type RoutingError struct {
	Strategy Strategy
	Op       string
	Err      error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: %s %s: all providers failed: %v", e.Strategy, e.Op, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
