// Package workflow loads and validates declarative workflow definitions.
package workflow

import "errors"

var (
	// Configuration errors: the backing document is missing or malformed.
	ErrDefinitionsNotFound  = errors.New("workflow definitions file not found")
	ErrDefinitionsMalformed = errors.New("workflow definitions file is malformed")

	// Lookup and nesting validation errors.
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNestingTooDeep   = errors.New("nested workflow exceeds maximum nesting depth")
	ErrNestingCycle     = errors.New("cyclic workflow reference")
)

// IsConfigError reports whether the error means the definitions document
// itself could not be used.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrDefinitionsNotFound) || errors.Is(err, ErrDefinitionsMalformed)
}

// IsNestingError reports whether the error was raised by nesting validation.
func IsNestingError(err error) bool {
	return errors.Is(err, ErrNestingTooDeep) ||
		errors.Is(err, ErrNestingCycle) ||
		errors.Is(err, ErrWorkflowNotFound)
}
