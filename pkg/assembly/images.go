package assembly

import (
	"fmt"

	"go.uber.org/zap"

	"cohortprep/internal/models"
	"cohortprep/pkg/reconcile"
	"cohortprep/pkg/tensor"
	"cohortprep/pkg/volume"
)

// ChannelAxis is the channel axis of the CT and MRI input tensors, which
// are shaped (N, X, Y, Z, C) or (N, X, Y, Z, C, T).
const ChannelAxis = 4

// ImageSource decodes volumetric images. Load must distinguish a missing
// file from an unreadable one.
type ImageSource interface {
	Load(name string) (models.Volume, error)
	Shape(name string) ([]int, error)
}

// Tensors are the cohort arrays filled by the ImageAssembler. Label and
// MRI tensors are nil when the run does not use them.
type Tensors struct {
	CT        *tensor.Tensor[float64]
	CTLesion  *tensor.Tensor[float64]
	MRI       *tensor.Tensor[float64]
	MRILesion *tensor.Tensor[float64]

	BrainMasks *tensor.Tensor[bool]
}

// Bytes is the memory held by all tensors
func (t *Tensors) Bytes() int64 {
	var n int64
	for _, f := range []*tensor.Tensor[float64]{t.CT, t.CTLesion, t.MRI, t.MRILesion} {
		if f != nil {
			n += f.Bytes()
		}
	}
	if t.BrainMasks != nil {
		n += t.BrainMasks.Bytes()
	}
	return n
}

// SubjectResult summarises the assembly of one subject
type SubjectResult struct {
	State models.State

	// NaNVoxels counts the voxels zero-filled across all of the subject's files
	NaNVoxels int
}

// ImageAssembler loads the files of one subject into its tensor slots
type ImageAssembler struct {
	source  ImageSource
	padding reconcile.Policy
	logger  *zap.Logger
}

// NewImageAssembler creates an ImageAssembler
func NewImageAssembler(source ImageSource, padding reconcile.Policy, logger *zap.Logger) *ImageAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageAssembler{source: source, padding: padding, logger: logger}
}

// labelImage is a label map together with its destination tensor
type labelImage struct {
	path string
	dst  *tensor.Tensor[float64]
	vol  models.Volume
}

// AssembleSubject writes subject s into slot n of t. Only slot n is touched,
// so subjects may be assembled concurrently.
func (ia *ImageAssembler) AssembleSubject(n int, s models.Subject, t *Tensors) (SubjectResult, error) {
	res := SubjectResult{State: models.StateValidated}

	ct, err := ia.loadChannels(s, s.CTChannels, t.CT)
	if err != nil {
		return res, err
	}
	var mri []models.Volume
	if t.MRI != nil {
		if mri, err = ia.loadChannels(s, s.MRIChannels, t.MRI); err != nil {
			return res, err
		}
	}

	var labels []*labelImage
	for _, l := range []struct {
		path string
		dst  *tensor.Tensor[float64]
	}{
		{s.CTLabel, t.CTLesion},
		{s.MRILabel, t.MRILesion},
	} {
		if l.dst == nil {
			continue
		}
		if l.path == "" {
			return res, fmt.Errorf("subject %s has no label map for a configured label tensor", s.ID)
		}
		v, err := ia.load(s, l.path, l.dst.SlotShape())
		if err != nil {
			return res, err
		}
		labels = append(labels, &labelImage{path: l.path, dst: l.dst, vol: v})
	}

	mask, err := ia.load(s, s.BrainMask, t.BrainMasks.SlotShape())
	if err != nil {
		return res, err
	}
	if err := res.State.Advance(models.StateLoaded); err != nil {
		return res, err
	}

	for c, v := range ct {
		res.NaNVoxels += ia.zeroFillNaN(s, s.CTChannels[c], "CT image", v)
	}
	for c, v := range mri {
		res.NaNVoxels += ia.zeroFillNaN(s, s.MRIChannels[c], "MRI image", v)
	}
	for _, l := range labels {
		volume.ClipLabels(l.vol)
		res.NaNVoxels += ia.zeroFillNaN(s, l.path, "Lesion label", l.vol)
	}
	res.NaNVoxels += ia.zeroFillNaN(s, s.BrainMask, "Brain mask", mask)
	if err := res.State.Advance(models.StateSanitized); err != nil {
		return res, err
	}

	for c, v := range ct {
		if err := t.CT.SetChannel(n, ChannelAxis, c, v.Data); err != nil {
			return res, fmt.Errorf("subject %s channel %d: %w", s.ID, c, err)
		}
	}
	for c, v := range mri {
		if err := t.MRI.SetChannel(n, ChannelAxis, c, v.Data); err != nil {
			return res, fmt.Errorf("subject %s MRI channel %d: %w", s.ID, c, err)
		}
	}
	for _, l := range labels {
		if err := l.dst.SetSlot(n, l.vol.Data); err != nil {
			return res, fmt.Errorf("subject %s label %s: %w", s.ID, l.path, err)
		}
	}
	if err := t.BrainMasks.SetSlot(n, volume.ToMask(mask)); err != nil {
		return res, fmt.Errorf("subject %s brain mask: %w", s.ID, err)
	}

	if err := res.State.Advance(models.StateWritten); err != nil {
		return res, err
	}
	return res, nil
}

// loadChannels loads one file per channel of dst, in channel order
func (ia *ImageAssembler) loadChannels(s models.Subject, paths []string, dst *tensor.Tensor[float64]) ([]models.Volume, error) {
	want := dst.ChannelShape(ChannelAxis)
	if len(paths) != dst.Shape()[ChannelAxis] {
		return nil, fmt.Errorf("subject %s has %d channel files, tensor expects %d",
			s.ID, len(paths), dst.Shape()[ChannelAxis])
	}
	vols := make([]models.Volume, len(paths))
	for c, p := range paths {
		v, err := ia.load(s, p, want)
		if err != nil {
			return nil, err
		}
		vols[c] = v
	}
	return vols, nil
}

// load decodes one file, pads it and checks it against the slot shape
func (ia *ImageAssembler) load(s models.Subject, path string, want []int) (models.Volume, error) {
	v, err := ia.source.Load(path)
	if err != nil {
		return models.Volume{}, fmt.Errorf("subject %s: %w", s.ID, err)
	}
	v, err = ia.padding.Apply(v)
	if err != nil {
		return models.Volume{}, fmt.Errorf("subject %s: %s: %w", s.ID, path, err)
	}
	if !models.SameShape(v.Shape, want) {
		return models.Volume{}, &ShapeMismatchError{Subject: s.ID, Path: path, Want: want, Got: v.Shape}
	}
	return v, nil
}

func (ia *ImageAssembler) zeroFillNaN(s models.Subject, path, what string, v models.Volume) int {
	if !volume.HasNaN(v) {
		return 0
	}
	n := volume.ReplaceNaN(v)
	ia.logger.Warn(what+" contains NaN, converting to 0",
		zap.String("subject", s.ID),
		zap.String("file", path),
		zap.Int("voxels", n))
	return n
}
