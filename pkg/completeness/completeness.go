// Package completeness reports which imaging studies each subject folder
// holds, before any channel specification is applied.
package completeness

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultMarkers are looked for in the modality folders of each subject
var DefaultMarkers = []string{
	"t2_tse_tra", "MTT", "Tmax", "CBF", "CBV", "SPC_301mm_Std", "TRACE", "ADC", "Angio", "VPCT",
}

// DefaultLesionMarker is looked for in the files of the subject folder itself
const DefaultLesionMarker = "VOI"

// Row is the presence of each marker for one subject
type Row struct {
	Subject string
	Present map[string]bool
}

// Missing lists the absent markers in report order
func (r Row) Missing(markers []string) []string {
	var out []string
	for _, m := range markers {
		if !r.Present[m] {
			out = append(out, m)
		}
	}
	return out
}

// Report is the outcome of a completeness check
type Report struct {
	// Markers in column order, the lesion marker included
	Markers []string

	Subjects int

	// Incomplete holds the subjects missing at least one marker
	Incomplete []Row
}

// AllComplete reports whether no subject misses a marker
func (r *Report) AllComplete() bool {
	return len(r.Incomplete) == 0
}

// Checker scans a data root for imaging completeness
type Checker struct {
	Markers      []string
	LesionMarker string
	logger       *zap.Logger
}

// NewChecker creates a Checker with the default markers
func NewChecker(logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		Markers:      append([]string(nil), DefaultMarkers...),
		LesionMarker: DefaultLesionMarker,
		logger:       logger,
	}
}

func isImage(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// Check scans every subject folder at the root of fsys
func (c *Checker) Check(fsys fs.FS) (*Report, error) {
	subjects, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list data root: %w", err)
	}

	rep := &Report{Markers: append(append([]string(nil), c.Markers...), c.LesionMarker)}
	for _, s := range subjects {
		if !s.IsDir() {
			continue
		}
		rep.Subjects++
		row := Row{Subject: s.Name(), Present: make(map[string]bool)}

		entries, err := fs.ReadDir(fsys, s.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to list subject %s: %w", s.Name(), err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				if isImage(e.Name()) && strings.Contains(e.Name(), c.LesionMarker) {
					row.Present[c.LesionMarker] = true
				}
				continue
			}
			studies, err := fs.ReadDir(fsys, path.Join(s.Name(), e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to list %s/%s: %w", s.Name(), e.Name(), err)
			}
			for _, study := range studies {
				if study.IsDir() || !isImage(study.Name()) {
					continue
				}
				for _, m := range c.Markers {
					if strings.Contains(study.Name(), m) {
						row.Present[m] = true
					}
				}
			}
		}

		if missing := row.Missing(rep.Markers); len(missing) > 0 {
			c.logger.Info("Subject is incomplete", zap.String("subject", row.Subject), zap.Strings("missing", missing))
			rep.Incomplete = append(rep.Incomplete, row)
		} else {
			c.logger.Debug("Subject is complete", zap.String("subject", row.Subject))
		}
	}
	c.logger.Info("Completeness check finished",
		zap.Int("subjects", rep.Subjects),
		zap.Int("incomplete", len(rep.Incomplete)))
	return rep, nil
}

// WriteCSV writes one row per incomplete subject with a 0/1 column per marker
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"subject"}
	for _, m := range r.Markers {
		header = append(header, "has"+m)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range r.Incomplete {
		rec := []string{row.Subject}
		for _, m := range r.Markers {
			v := 0
			if row.Present[m] {
				v = 1
			}
			rec = append(rec, strconv.Itoa(v))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
