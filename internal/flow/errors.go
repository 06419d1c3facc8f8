package flow

import (
	"errors"
	"fmt"
)

var (
	ErrContentUnavailable  = errors.New("flow: content unavailable")
	ErrInvalidRecordState  = errors.New("flow: invalid record state")
	ErrUnknownRelationship = errors.New("flow: unknown relationship")
	ErrUnroutableRecord    = errors.New("flow: unroutable record")
	ErrSessionFailed       = errors.New("flow: session failed")
	ErrSessionClosed       = errors.New("flow: session closed")

	// ErrYield asks the scheduler to back off before the next trigger.
	ErrYield = errors.New("flow: yield")
)

// PropertyError reports a property that cannot be resolved for a processor.
// The scheduler treats it as a configuration failure, not a transient one.
type PropertyError struct {
	Processor string
	Property  string
	Reason    string
}

func (e *PropertyError) Error() string {
	if e.Processor == "" {
		return fmt.Sprintf("flow: property %q: %s", e.Property, e.Reason)
	}
	return fmt.Sprintf("flow: processor %q property %q: %s", e.Processor, e.Property, e.Reason)
}
