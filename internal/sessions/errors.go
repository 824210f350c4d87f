package sessions

import (
	"errors"
	"fmt"
)

// Error classes surfaced by the session engine. Callers match them with errors.Is.
var (
	ErrValidation              = errors.New("validation failed")
	ErrSessionNotFound         = errors.New("session not found")
	ErrActionNotFound          = errors.New("action not found")
	ErrExhaustedRetries        = errors.New("no unique session code found")
	ErrStore                   = errors.New("session store failure")
	ErrPersistenceVerification = errors.New("persisted actions do not match the write")
	ErrVersionConflict         = errors.New("session was modified concurrently")
	ErrCodeTaken               = errors.New("session code already in use")
	ErrSessionEnded            = errors.New("session has ended")
)

// ValidationError describes bad caller input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// storeErr tags err as a store failure unless it already carries a domain class.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrCodeTaken) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
