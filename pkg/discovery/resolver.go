// Package discovery resolves the files of each subject folder against the
// channel specifications and decides which subjects enter the cohort.
//
// The expected layout is root/subject/modality/study. Label maps and brain
// masks may also sit directly in root/subject. Only directory listings are
// read; no image is opened.
package discovery

import (
	"fmt"
	"io/fs"
	"path"

	"go.uber.org/zap"

	"cohortprep/internal/models"
	"cohortprep/pkg/channels"
)

// Resolver matches subject folders against a channel Set
type Resolver struct {
	set channels.Set

	// scanSubjectRoot also matches labels and masks in the subject folder
	scanSubjectRoot bool

	logger *zap.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLogger sets the logger used for per-subject diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSubjectRootScan enables matching labels and brain masks stored
// directly in the subject folder
func WithSubjectRootScan(enabled bool) Option {
	return func(r *Resolver) { r.scanSubjectRoot = enabled }
}

// NewResolver creates a Resolver for the given channel Set
func NewResolver(set channels.Set, opts ...Option) *Resolver {
	r := &Resolver{set: set, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discovery is the outcome of scanning a data root
type Discovery struct {
	// Cohort holds accepted subjects in folder name order
	Cohort []models.Subject

	// Skipped holds one decision per rejected subject
	Skipped []models.SkipDecision

	// Discovered counts every subject folder seen
	Discovered int
}

// IDs returns the cohort subject identifiers in order
func (d *Discovery) IDs() []string {
	ids := make([]string, len(d.Cohort))
	for i, s := range d.Cohort {
		ids[i] = s.ID
	}
	return ids
}

// Discover resolves every subject folder directly below the root of fsys.
// Incomplete subjects are skipped and recorded; an ambiguous match aborts.
func (r *Resolver) Discover(fsys fs.FS) (*Discovery, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list data root: %w", err)
	}

	d := &Discovery{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d.Discovered++

		subject, skip, err := r.ResolveSubject(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		if skip != nil {
			r.logger.Info("Not all images found for this folder, skipping",
				zap.String("subject", skip.Subject),
				zap.Strings("missing", skip.Reasons()))
			d.Skipped = append(d.Skipped, *skip)
			continue
		}
		r.logger.Debug("Adding subject", zap.String("subject", subject.ID))
		d.Cohort = append(d.Cohort, subject)
	}

	r.logger.Info("Subject discovery finished",
		zap.Int("discovered", d.Discovered),
		zap.Int("included", len(d.Cohort)),
		zap.Int("skipped", len(d.Skipped)))
	return d, nil
}

var categories = []models.Category{
	models.CategoryCTChannels,
	models.CategoryCTLabels,
	models.CategoryMRIChannels,
	models.CategoryMRILabels,
	models.CategoryBrainMask,
}

// matches accumulates resolved paths per entry across directories
type matches [][]string

func (m matches) flatten() []string {
	var out []string
	for _, paths := range m {
		out = append(out, paths...)
	}
	return out
}

// ResolveSubject matches the files of one subject folder. It returns either
// a fully resolved Subject or a SkipDecision naming every failing category.
func (r *Resolver) ResolveSubject(fsys fs.FS, dir string) (models.Subject, *models.SkipDecision, error) {
	id := path.Base(dir)

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return models.Subject{}, nil, fmt.Errorf("failed to list subject %s: %w", id, err)
	}

	found := map[models.Category]matches{
		models.CategoryCTChannels:  make(matches, len(r.set.CT)),
		models.CategoryCTLabels:    make(matches, len(r.set.CTLabel)),
		models.CategoryMRIChannels: make(matches, len(r.set.MRI)),
		models.CategoryMRILabels:   make(matches, len(r.set.MRILabel)),
		models.CategoryBrainMask:   make(matches, 1),
	}

	var rootFiles []string
	for _, e := range entries {
		if !e.IsDir() {
			rootFiles = append(rootFiles, e.Name())
			continue
		}
		modalityDir := path.Join(dir, e.Name())
		files, err := listFiles(fsys, modalityDir)
		if err != nil {
			return models.Subject{}, nil, fmt.Errorf("failed to list %s: %w", modalityDir, err)
		}
		for _, c := range categories {
			if err := r.collect(id, modalityDir, files, c, found[c]); err != nil {
				return models.Subject{}, nil, err
			}
		}
	}

	if r.scanSubjectRoot && len(rootFiles) > 0 {
		for _, c := range []models.Category{models.CategoryCTLabels, models.CategoryMRILabels, models.CategoryBrainMask} {
			if err := r.collect(id, dir, rootFiles, c, found[c]); err != nil {
				return models.Subject{}, nil, err
			}
		}
	}

	skip := &models.SkipDecision{Subject: id}
	for _, c := range categories {
		n := len(found[c].flatten())
		want := r.set.Spec(c).Expected()
		if n != want {
			skip.Missing = append(skip.Missing, models.CategoryCount{Category: c, Found: n, Expected: want})
		}
	}
	if len(skip.Missing) > 0 {
		return models.Subject{}, skip, nil
	}

	subject := models.Subject{
		ID:          id,
		Dir:         dir,
		CTChannels:  found[models.CategoryCTChannels].flatten(),
		MRIChannels: found[models.CategoryMRIChannels].flatten(),
		BrainMask:   found[models.CategoryBrainMask].flatten()[0],
	}
	// the first label match wins
	if labels := found[models.CategoryCTLabels].flatten(); len(labels) > 0 {
		subject.CTLabel = labels[0]
	}
	if labels := found[models.CategoryMRILabels].flatten(); len(labels) > 0 {
		subject.MRILabel = labels[0]
	}
	return subject, nil, nil
}

// collect matches every entry of a category against one directory listing
func (r *Resolver) collect(subject, dir string, files []string, c models.Category, m matches) error {
	for i, entry := range r.set.Spec(c) {
		res := entry.Match(files)
		switch res.Kind {
		case channels.Ambiguous:
			return &AmbiguousMatchError{
				Subject:    subject,
				Dir:        dir,
				Prefix:     entry.Prefix,
				Candidates: res.Candidates,
			}
		case channels.Resolved:
			for _, p := range res.Paths {
				m[i] = append(m[i], path.Join(dir, p))
			}
		}
	}
	return nil
}

func listFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}
