package discovery

import (
	"fmt"
	"strings"
)

// AmbiguousMatchError is returned when more than one file in a directory
// matches a channel that must be unique. It aborts the run.
type AmbiguousMatchError struct {
	Subject    string
	Dir        string
	Prefix     string
	Candidates []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("multiple images found for %q in %s (subject %s): %s",
		e.Prefix, e.Dir, e.Subject, strings.Join(e.Candidates, ", "))
}
