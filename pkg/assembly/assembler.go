// Package assembly builds the cohort archive: it discovers subjects, sizes
// and allocates the cohort tensors once, loads every subject into its slot
// and applies clinical inclusion.
//
// The pipeline consists of several steps:
// 1. Resolving subject folders against the channel specifications
// 2. Sizing the tensors, reconciling slice counts in native space
// 3. Allocating the cohort tensors
// 4. Loading and sanitizing subjects in parallel
// 5. Applying clinical inclusion to every per-subject array
//
// Peak memory is dominated by the tensors: 8 bytes per voxel for
// N*X*Y*Z*(C_ct*T + C_mri + labels) voxels plus one byte per brain mask
// voxel, where N is the cohort size. Per-subject working memory is one
// subject's decoded files per worker.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cohortprep/internal/models"
	"cohortprep/pkg/archive"
	"cohortprep/pkg/channels"
	"cohortprep/pkg/clinical"
	"cohortprep/pkg/discovery"
	"cohortprep/pkg/nifti"
	"cohortprep/pkg/reconcile"
	"cohortprep/pkg/tensor"
	"cohortprep/pkg/volume"
)

// Params holds the assembly parameters
type Params struct {
	// Channels are the resolved channel names, persisted as provenance
	Channels models.ChannelParams

	// TraceMarker marks sequences that yield two volumes
	TraceMarker string

	// Reference is the channel sizing the slice axis in native space
	Reference string

	// NumWorkers is the number of subjects assembled concurrently.
	// Zero uses every CPU.
	NumWorkers int

	// ScanSubjectRoot also matches labels and masks in the subject folder
	ScanSubjectRoot bool

	// ClinicalDir and ClinicalName locate the clinical table; inclusion is
	// skipped when ClinicalDir is empty
	ClinicalDir  string
	ClinicalName string

	// OutputPath is where Process writes the archive
	OutputPath string
}

// Report describes one run
type Report struct {
	RunID string

	// Discovered counts subject folders, Cohort those that were complete
	Discovered int
	Cohort     int

	// Skipped holds the reason of every incomplete subject
	Skipped []models.SkipDecision

	// Excluded counts subjects dropped by clinical inclusion
	Excluded int

	// Saved is the number of subjects in the archive
	Saved int

	// ZMax is the reconciled slice count in native space, 0 otherwise
	ZMax int

	CTShape  []int
	MRIShape []int

	// TensorBytes is the memory held by the cohort tensors
	TensorBytes int64

	// NaNVoxels counts zero-filled voxels over the whole cohort
	NaNVoxels int

	// States holds the final state of each cohort subject
	States []models.State

	Duration time.Duration
}

// Assembler drives the whole pipeline
type Assembler struct {
	params   *Params
	fsys     fs.FS
	source   ImageSource
	clinical clinical.Resolver
	logger   *zap.Logger
}

// Option configures an Assembler
type Option func(*Assembler)

// WithSource replaces the NIfTI image source
func WithSource(s ImageSource) Option {
	return func(a *Assembler) { a.source = s }
}

// WithClinicalResolver replaces the CSV clinical resolver
func WithClinicalResolver(r clinical.Resolver) Option {
	return func(a *Assembler) { a.clinical = r }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAssembler creates an Assembler reading subject folders from fsys
func NewAssembler(params *Params, fsys fs.FS, opts ...Option) *Assembler {
	a := &Assembler{
		params: params,
		fsys:   fsys,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.source == nil {
		a.source = nifti.NewReader(fsys)
	}
	if a.clinical == nil {
		a.clinical = clinical.NewCSVResolver(a.logger)
	}
	return a
}

// Process builds the dataset and writes it to OutputPath
func (a *Assembler) Process(ctx context.Context) (*Report, error) {
	if a.params.OutputPath == "" {
		return nil, errors.New("no output path configured")
	}
	ds, rep, err := a.Build(ctx)
	if err != nil {
		return rep, err
	}

	a.logger.Info("Step 6: saving archive",
		zap.String("path", a.params.OutputPath),
		zap.Int("subjects", rep.Saved))
	if err := archive.Write(a.params.OutputPath, ds); err != nil {
		return rep, fmt.Errorf("failed to save archive: %w", err)
	}
	return rep, nil
}

// Build runs the pipeline and returns the dataset without persisting it
func (a *Assembler) Build(ctx context.Context) (*archive.Dataset, *Report, error) {
	start := time.Now()
	rep := &Report{RunID: uuid.NewString()}

	provenance := a.params.Channels
	provenance.RunID = rep.RunID
	set := channels.NewSet(provenance, a.params.TraceMarker)
	if len(set.CT) == 0 {
		return nil, rep, errors.New("no CT sequences configured")
	}
	a.logger.Info("Sequences used",
		zap.Strings("ct", provenance.CTSequences),
		zap.Strings("ct_labels", provenance.CTLabelSequences),
		zap.Strings("mri", provenance.MRISequences),
		zap.Strings("mri_labels", provenance.MRILabelSequences),
		zap.String("brain_mask", provenance.BrainMaskName))

	// Step 1: Resolve subject folders
	a.logger.Info("Step 1: discovering subjects")
	resolver := discovery.NewResolver(set,
		discovery.WithLogger(a.logger),
		discovery.WithSubjectRootScan(a.params.ScanSubjectRoot))
	found, err := resolver.Discover(a.fsys)
	if err != nil {
		return nil, rep, err
	}
	rep.Discovered = found.Discovered
	rep.Skipped = found.Skipped
	rep.Cohort = len(found.Cohort)
	if len(found.Cohort) == 0 {
		return nil, rep, fmt.Errorf("%w among %d subject folders", ErrEmptyCohort, found.Discovered)
	}

	// Step 2: Size the tensors from the first subject
	a.logger.Info("Step 2: determining tensor shapes")
	padding := reconcile.Policy{}
	if provenance.HighResolution {
		reference := a.params.Reference
		if reference == "" {
			reference = set.CT[0].Prefix
		}
		zmax, err := reconcile.MaxSliceCount(found.Cohort, set, reference, a.source)
		if err != nil {
			return nil, rep, fmt.Errorf("failed to reconcile slice counts: %w", err)
		}
		padding = reconcile.Policy{Enabled: true, ZMax: zmax}
		rep.ZMax = zmax
		a.logger.Info("Native space, padding slice axis",
			zap.String("reference", reference),
			zap.Int("z_max", zmax))
	}

	first := found.Cohort[0]
	ctShape, err := a.channelShape(first.CTChannels[0], padding)
	if err != nil {
		return nil, rep, err
	}
	rep.CTShape = ctShape
	var mriShape []int
	if len(set.MRI) > 0 {
		if mriShape, err = a.channelShape(first.MRIChannels[0], padding); err != nil {
			return nil, rep, err
		}
		rep.MRIShape = mriShape
	}

	// Step 3: Allocate every tensor once
	n := len(found.Cohort)
	a.logger.Info("Step 3: allocating tensors",
		zap.Int("subjects", n),
		zap.Ints("ct_shape", ctShape),
		zap.Int("ct_channels", set.CT.Expected()),
		zap.Int64("estimated_bytes", EstimateBytes(n, set, ctShape, mriShape)))
	tensors, err := allocate(n, set, ctShape, mriShape)
	if err != nil {
		return nil, rep, fmt.Errorf("failed to allocate tensors: %w", err)
	}
	rep.TensorBytes = tensors.Bytes()

	// Step 4: Load subjects in parallel
	a.logger.Info("Step 4: loading subjects", zap.Int("workers", a.workers()))
	results, err := a.assemble(ctx, found.Cohort, tensors, NewImageAssembler(a.source, padding, a.logger))
	rep.States = make([]models.State, len(results))
	for i, r := range results {
		rep.States[i] = r.State
		rep.NaNVoxels += r.NaNVoxels
	}
	if err != nil {
		return nil, rep, err
	}
	a.logChannelStats(tensors)

	ds := &archive.Dataset{
		Params:     provenance,
		IDs:        found.IDs(),
		CohortIDs:  found.IDs(),
		CTInputs:   tensors.CT,
		CTLesion:   tensors.CTLesion,
		MRIInputs:  tensors.MRI,
		MRILesion:  tensors.MRILesion,
		BrainMasks: tensors.BrainMasks,
	}

	// Step 5: Clinical inclusion
	if a.params.ClinicalDir != "" {
		a.logger.Info("Step 5: applying clinical inclusion",
			zap.String("dir", a.params.ClinicalDir),
			zap.String("name", a.params.ClinicalName))
		included, features, err := a.clinical.Resolve(ds.IDs, a.params.ClinicalDir, a.params.ClinicalName)
		if err != nil {
			return nil, rep, fmt.Errorf("failed to resolve clinical data: %w", err)
		}
		if err := ApplyInclusion(ds, included, features); err != nil {
			return nil, rep, err
		}
		rep.Excluded = len(ds.CohortIDs) - len(ds.IDs)
		a.logger.Info("Excluded subjects by clinical criteria", zap.Int("excluded", rep.Excluded))
	}

	rep.Saved = ds.Subjects()
	rep.Duration = time.Since(start)
	a.logger.Info("Cohort assembled",
		zap.Int("included", rep.Saved),
		zap.Int("discovered", rep.Discovered),
		zap.Int("nan_voxels", rep.NaNVoxels),
		zap.Duration("duration", rep.Duration))
	return ds, rep, nil
}

func (a *Assembler) workers() int {
	if a.params.NumWorkers > 0 {
		return a.params.NumWorkers
	}
	return runtime.NumCPU()
}

// channelShape probes the shape a channel will have after padding
func (a *Assembler) channelShape(path string, padding reconcile.Policy) ([]int, error) {
	shape, err := a.source.Shape(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference shape: %w", err)
	}
	if len(shape) < 3 || len(shape) > 4 {
		return nil, fmt.Errorf("reference image %s has unsupported shape %v", path, shape)
	}
	return padding.Shape(shape), nil
}

// assemble runs the ImageAssembler over the cohort with a bounded worker
// pool. The first error cancels the remaining subjects and is returned.
func (a *Assembler) assemble(ctx context.Context, cohort []models.Subject, t *Tensors, ia *ImageAssembler) ([]SubjectResult, error) {
	results := make([]SubjectResult, len(cohort))
	for i := range results {
		results[i].State = models.StateValidated
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())
	for i, s := range cohort {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := ia.AssembleSubject(i, s, t)
			results[i] = res
			if err != nil {
				return err
			}
			a.logger.Debug("Subject written", zap.String("subject", s.ID), zap.Int("index", i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	// cancellation of the parent context is not reported by Wait when no
	// worker observed it
	return results, ctx.Err()
}

// EstimateBytes is the memory the cohort tensors will need
func EstimateBytes(n int, set channels.Set, ctShape, mriShape []int) int64 {
	spatial := int64(models.NumVoxels(volume.SpatialShape(ctShape)))
	total := int64(n) * int64(models.NumVoxels(ctShape)) * int64(set.CT.Expected()) * 8
	if len(set.CTLabel) > 0 {
		total += int64(n) * spatial * 8
	}
	total += int64(n) * spatial
	if len(mriShape) > 0 {
		total += int64(n) * int64(models.NumVoxels(mriShape)) * int64(set.MRI.Expected()) * 8
		if len(set.MRILabel) > 0 {
			total += int64(n) * int64(models.NumVoxels(volume.SpatialShape(mriShape))) * 8
		}
	}
	return total
}

// channelTensorShape inserts the subject and channel axes into an image shape
func channelTensorShape(n, channels int, shape []int) []int {
	out := []int{n}
	out = append(out, volume.SpatialShape(shape)...)
	out = append(out, channels)
	if len(shape) == 4 {
		out = append(out, shape[3])
	}
	return out
}

func allocate(n int, set channels.Set, ctShape, mriShape []int) (*Tensors, error) {
	t := &Tensors{}
	var err error
	spatial := append([]int{n}, volume.SpatialShape(ctShape)...)

	if t.CT, err = tensor.New[float64](channelTensorShape(n, set.CT.Expected(), ctShape)...); err != nil {
		return nil, err
	}
	if len(set.CTLabel) > 0 {
		if t.CTLesion, err = tensor.New[float64](spatial...); err != nil {
			return nil, err
		}
	}
	if t.BrainMasks, err = tensor.New[bool](spatial...); err != nil {
		return nil, err
	}
	if len(mriShape) > 0 {
		if t.MRI, err = tensor.New[float64](channelTensorShape(n, set.MRI.Expected(), mriShape)...); err != nil {
			return nil, err
		}
		if len(set.MRILabel) > 0 {
			mriSpatial := append([]int{n}, volume.SpatialShape(mriShape)...)
			if t.MRILesion, err = tensor.New[float64](mriSpatial...); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// logChannelStats logs mean and standard deviation of every input channel
func (a *Assembler) logChannelStats(t *Tensors) {
	if !a.logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	for _, m := range []struct {
		name string
		t    *tensor.Tensor[float64]
	}{{"ct", t.CT}, {"mri", t.MRI}} {
		if m.t == nil {
			continue
		}
		for c := 0; c < m.t.Shape()[ChannelAxis]; c++ {
			var values []float64
			for i := 0; i < m.t.Len(); i++ {
				values = append(values, m.t.Channel(i, ChannelAxis, c)...)
			}
			mean, std := stat.MeanStdDev(values, nil)
			a.logger.Debug("Channel statistics",
				zap.String("modality", m.name),
				zap.Int("channel", c),
				zap.Float64("mean", mean),
				zap.Float64("std", std))
		}
	}
}

// ApplyInclusion keeps only included subjects in every per-subject array of
// ds, features included. CohortIDs and the mask itself are kept for
// bookkeeping.
func ApplyInclusion(ds *archive.Dataset, included []bool, features *mat.Dense) error {
	if len(included) != len(ds.IDs) {
		return fmt.Errorf("inclusion mask has %d entries for %d subjects", len(included), len(ds.IDs))
	}
	var rows []int
	for i, ok := range included {
		if ok {
			rows = append(rows, i)
		}
	}

	ds.CohortIDs = append([]string(nil), ds.IDs...)
	ds.IncludedSubjects = append([]bool(nil), included...)

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = ds.IDs[r]
	}
	ds.IDs = ids

	var err error
	for _, p := range []**tensor.Tensor[float64]{&ds.CTInputs, &ds.CTLesion, &ds.MRIInputs, &ds.MRILesion} {
		if *p == nil {
			continue
		}
		if *p, err = (*p).Select(rows); err != nil {
			return err
		}
	}
	if ds.BrainMasks != nil {
		if ds.BrainMasks, err = ds.BrainMasks.Select(rows); err != nil {
			return err
		}
	}

	ds.ClinicalInputs = nil
	if features != nil && len(rows) > 0 {
		r, c := features.Dims()
		if r != len(included) {
			return fmt.Errorf("clinical features have %d rows for %d subjects", r, len(included))
		}
		kept := mat.NewDense(len(rows), c, nil)
		for i, row := range rows {
			kept.SetRow(i, features.RawRowView(row))
		}
		ds.ClinicalInputs = kept
	}
	return nil
}
