package assembly

import (
	"errors"
	"fmt"
)

// ErrEmptyCohort is returned when no subject passed discovery
var ErrEmptyCohort = errors.New("no complete subject found")

// ShapeMismatchError is returned when a loaded, possibly padded, image does
// not fit its tensor slot. It points at a misconfigured channel list or a
// foreign file and aborts the run.
type ShapeMismatchError struct {
	Subject string
	Path    string
	Want    []int
	Got     []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("image does not have correct dimensions: %s (subject %s) has shape %v, expected %v",
		e.Path, e.Subject, e.Got, e.Want)
}
