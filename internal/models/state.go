package models

import "fmt"

// State tracks a subject through the assembly pipeline
type State int

const (
	StateDiscovered State = iota
	StateValidated
	StateLoaded
	StateSanitized
	StateWritten
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateLoaded:
		return "loaded"
	case StateSanitized:
		return "sanitized"
	case StateWritten:
		return "written"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateWritten || s == StateSkipped
}

// Advance moves to next. A subject only moves forward along
// Discovered -> Validated -> Loaded -> Sanitized -> Written, and may only be
// skipped straight from Discovered.
func (s *State) Advance(next State) error {
	cur := *s
	ok := false
	switch next {
	case StateSkipped:
		ok = cur == StateDiscovered
	default:
		ok = !cur.Terminal() && next == cur+1
	}
	if !ok {
		return fmt.Errorf("invalid subject state transition %s -> %s", cur, next)
	}
	*s = next
	return nil
}
