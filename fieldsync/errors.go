package fieldsync

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the session loop has stopped.
	ErrClosed = errors.New("fieldsync: session closed")
	// ErrNoSource is returned by Resync when no snapshot source is set.
	ErrNoSource = errors.New("fieldsync: no snapshot source")
)

// ErrUnknownField is returned when an operation targets a field the session
// has not been seeded with.
type ErrUnknownField struct {
	Key Key
}

func (e *ErrUnknownField) Error() string {
	return fmt.Sprintf("fieldsync: unknown field %s", e.Key)
}

// ErrApplyFailed wraps a panic recovered while running a transition. The
// field is left as it was before the message.
type ErrApplyFailed struct {
	Op    string
	Cause any
}

func (e *ErrApplyFailed) Error() string {
	return fmt.Sprintf("fieldsync: %s failed: %v", e.Op, e.Cause)
}
