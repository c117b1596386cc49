// Package channels matches study filenames against ordered channel
// specifications. Each entry carries a resolution policy so the matching
// heuristic can be tested without touching the filesystem.
package channels

import (
	"fmt"
	"sort"
	"strings"

	"cohortprep/internal/models"
)

// PolicyKind selects how multiple matches for one entry are resolved
type PolicyKind int

const (
	// ExactlyOne requires a unique match per directory. A second match is
	// ambiguous and must be fixed by the operator.
	ExactlyOne PolicyKind = iota

	// Optional records every match and never reports ambiguity. Completeness
	// is decided later by comparing counts.
	Optional

	// FirstNSorted sorts the matches case-insensitively and keeps the first N
	FirstNSorted
)

func (k PolicyKind) String() string {
	switch k {
	case ExactlyOne:
		return "exactly-one"
	case Optional:
		return "optional"
	case FirstNSorted:
		return "first-n-sorted"
	default:
		return fmt.Sprintf("policy(%d)", int(k))
	}
}

// Policy is the resolution strategy attached to an Entry
type Policy struct {
	Kind PolicyKind
	// N is the number of files kept by FirstNSorted
	N int
}

// Expected returns how many files one entry contributes to a complete subject
func (p Policy) Expected() int {
	if p.Kind == FirstNSorted {
		return p.N
	}
	return 1
}

func (p Policy) String() string {
	if p.Kind == FirstNSorted {
		return fmt.Sprintf("%s(%d)", p.Kind, p.N)
	}
	return p.Kind.String()
}

// Entry is one channel of a specification
type Entry struct {
	// Prefix is matched against the start of each filename
	Prefix string

	// Exact requires the filename to equal Prefix
	Exact bool

	Policy Policy
}

// ResultKind tags the outcome of matching one entry
type ResultKind int

const (
	Absent ResultKind = iota
	Resolved
	Ambiguous
)

func (k ResultKind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Result is Resolved(Paths), Ambiguous(Candidates) or Absent
type Result struct {
	Kind       ResultKind
	Paths      []string
	Candidates []string
}

// Matches reports whether a filename satisfies the entry
func (e Entry) Matches(name string) bool {
	if e.Exact {
		return name == e.Prefix
	}
	return strings.HasPrefix(name, e.Prefix)
}

// Match resolves the entry against the filenames of a single directory.
// Returned paths are filenames; callers join them with the directory.
func (e Entry) Match(files []string) Result {
	var matched []string
	for _, f := range files {
		if e.Matches(f) {
			matched = append(matched, f)
		}
	}

	if len(matched) == 0 {
		return Result{Kind: Absent}
	}
	if len(matched) == 1 {
		return Result{Kind: Resolved, Paths: matched}
	}

	switch e.Policy.Kind {
	case Optional:
		return Result{Kind: Resolved, Paths: matched}
	case FirstNSorted:
		sorted := SortFold(matched)
		n := e.Policy.N
		if n > len(sorted) {
			n = len(sorted)
		}
		return Result{Kind: Resolved, Paths: sorted[:n]}
	default:
		return Result{Kind: Ambiguous, Candidates: matched}
	}
}

// SortFold returns a copy of names sorted case-insensitively. Names that
// only differ in case keep their relative order.
func SortFold(names []string) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

// Spec is an ordered channel specification
type Spec []Entry

// FromPrefixes builds a Spec using policy for every prefix, except prefixes
// containing traceMarker which keep the first two sorted matches.
func FromPrefixes(prefixes []string, traceMarker string, policy Policy) Spec {
	spec := make(Spec, len(prefixes))
	for i, p := range prefixes {
		spec[i] = Entry{Prefix: p, Policy: policy}
		if traceMarker != "" && strings.Contains(p, traceMarker) {
			spec[i].Policy = Policy{Kind: FirstNSorted, N: 2}
		}
	}
	return spec
}

// Expected is the number of files a complete subject has for this Spec
func (s Spec) Expected() int {
	n := 0
	for _, e := range s {
		n += e.Policy.Expected()
	}
	return n
}

// Offset is the position of entry i's first file in a resolved file list
func (s Spec) Offset(i int) int {
	n := 0
	for _, e := range s[:i] {
		n += e.Policy.Expected()
	}
	return n
}

// Index returns the position of the entry with the given prefix, or -1
func (s Spec) Index(prefix string) int {
	for i, e := range s {
		if e.Prefix == prefix {
			return i
		}
	}
	return -1
}

// Prefixes lists the entry prefixes in order
func (s Spec) Prefixes() []string {
	out := make([]string, len(s))
	for i, e := range s {
		out[i] = e.Prefix
	}
	return out
}

// Set bundles the four specifications and the brain mask entry a subject
// is resolved against.
type Set struct {
	CT       Spec
	CTLabel  Spec
	MRI      Spec
	MRILabel Spec

	BrainMask Entry
}

// NewSet derives a Set from resolved channel names. Image channels are
// ExactlyOne, label maps and the brain mask are Optional.
func NewSet(p models.ChannelParams, traceMarker string) Set {
	return Set{
		CT:        FromPrefixes(p.CTSequences, traceMarker, Policy{Kind: ExactlyOne}),
		CTLabel:   FromPrefixes(p.CTLabelSequences, "", Policy{Kind: Optional}),
		MRI:       FromPrefixes(p.MRISequences, traceMarker, Policy{Kind: ExactlyOne}),
		MRILabel:  FromPrefixes(p.MRILabelSequences, "", Policy{Kind: Optional}),
		BrainMask: Entry{Prefix: p.BrainMaskName, Exact: true, Policy: Policy{Kind: Optional}},
	}
}

// Spec returns the specification for an image or label category
func (s Set) Spec(c models.Category) Spec {
	switch c {
	case models.CategoryCTChannels:
		return s.CT
	case models.CategoryCTLabels:
		return s.CTLabel
	case models.CategoryMRIChannels:
		return s.MRI
	case models.CategoryMRILabels:
		return s.MRILabel
	case models.CategoryBrainMask:
		return Spec{s.BrainMask}
	default:
		return nil
	}
}
