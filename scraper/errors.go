// CLAUDE:SUMMARY Classifies scrape attempt failures (navigation, timeout, missing element, cancelled, store, unsafe URL).
package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/nfce/horosafe"
	"github.com/hazyhaar/nfce/layout"
)

// ErrorClass categorizes why an attempt failed.
type ErrorClass string

const (
	ClassNavigation     ErrorClass = "navigation"      // page load, DNS, TLS, portal error page
	ClassTimeout        ErrorClass = "timeout"         // frame or element did not appear in time
	ClassMissingElement ErrorClass = "missing_element" // frame rendered but a locator matched nothing
	ClassCancelled      ErrorClass = "cancelled"       // caller cancelled the batch
	ClassStore          ErrorClass = "store"           // persistence failed after a good scrape
	ClassUnsafeURL      ErrorClass = "unsafe_url"      // source URL rejected before navigation; not retried
	ClassParse          ErrorClass = "parse"           // saved, but some fields did not normalize
)

// AttemptError is returned by extractors to say which state failed and how.
type AttemptError struct {
	State State
	Class ErrorClass
	Err   error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("scraper: %s: %s: %v", e.State, e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Fail builds an AttemptError.
func Fail(state State, class ErrorClass, err error) error {
	return &AttemptError{State: state, Class: class, Err: err}
}

// Classify returns the ErrorClass for err.
func Classify(err error) ErrorClass {
	var ae *AttemptError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae) && ae.Class != "":
		return ae.Class
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, layout.ErrMissingElement):
		return ClassMissingElement
	case errors.Is(err, horosafe.ErrSSRF), errors.Is(err, horosafe.ErrUnsafeScheme):
		return ClassUnsafeURL
	}
	return ClassNavigation
}

// stateOf returns the state an error happened in, NAVIGATE when unknown.
func stateOf(err error) State {
	var ae *AttemptError
	if errors.As(err, &ae) && ae.State != "" {
		return ae.State
	}
	return StateNavigate
}
