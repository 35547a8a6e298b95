// Package security decides whether a site may start given the components it
// built.
package security

import (
	"errors"
	"fmt"
	"sort"
)

// UnsafeComponentError marks a component that must never be run.
type UnsafeComponentError struct {
	Component string
	Reason    string
}

func (e *UnsafeComponentError) Error() string {
	return fmt.Sprintf("component %s is unsafe: %s", e.Component, e.Reason)
}

// StartupError aborts site startup.
type StartupError struct {
	Identity  string
	Component string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("site %s cannot start: unsafe component %s detected: %v", e.Identity, e.Component, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// StartupContext is what component building left behind: the site identity
// and every per-component failure keyed by component id.
type StartupContext struct {
	IdentityName string
	Exceptions   map[string]error
}

// Check returns a *StartupError for the first unsafe component, in component
// id order. Other kinds of component failures do not block startup.
func Check(sc *StartupContext) error {
	if sc == nil || len(sc.Exceptions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sc.Exceptions))
	for id := range sc.Exceptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var unsafe *UnsafeComponentError
		if errors.As(sc.Exceptions[id], &unsafe) {
			return &StartupError{Identity: sc.IdentityName, Component: id, Err: unsafe}
		}
	}
	return nil
}
