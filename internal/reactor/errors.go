package reactor

import (
	"errors"
	"fmt"
)

// ErrMissingDependency is returned by New when a required Config field is
// nil.
var ErrMissingDependency = errors.New("reactor: missing dependency")

// TickError reports a failure on the media path: building the encoder or
// encoding a frame. It stops the reactor, since there is no useful degraded
// mode for a broken encoder.
type TickError struct {
	Frame uint64
	Op    string
	Err   error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("reactor: frame %d: %s: %v", e.Frame, e.Op, e.Err)
}

func (e *TickError) Unwrap() error {
	return e.Err
}
