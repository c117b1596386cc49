// Package reconcile sizes the slice axis of native space cohorts, where
// images were not resampled to a common grid and slice counts vary.
package reconcile

import (
	"errors"
	"fmt"

	"cohortprep/internal/models"
	"cohortprep/pkg/channels"
	"cohortprep/pkg/volume"
)

// ErrReferenceNotConfigured is returned when the reference channel is not
// one of the configured CT or MRI channels
var ErrReferenceNotConfigured = errors.New("reference channel is not a configured CT or MRI channel")

// MissingReferenceError is returned when a cohort subject has no resolved
// file for the reference channel
type MissingReferenceError struct {
	Subject   string
	Reference string
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("subject %s has no image for reference channel %q", e.Subject, e.Reference)
}

// Prober reads the shape of an image without decoding its voxels
type Prober interface {
	Shape(name string) ([]int, error)
}

// ReferencePaths returns the files of the reference channel for a subject
func ReferencePaths(s models.Subject, set channels.Set, reference string) ([]string, error) {
	for _, pick := range []struct {
		spec  channels.Spec
		paths []string
	}{
		{set.CT, s.CTChannels},
		{set.MRI, s.MRIChannels},
	} {
		i := pick.spec.Index(reference)
		if i < 0 {
			continue
		}
		off := pick.spec.Offset(i)
		n := pick.spec[i].Policy.Expected()
		if off+n > len(pick.paths) {
			return nil, &MissingReferenceError{Subject: s.ID, Reference: reference}
		}
		return pick.paths[off : off+n], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrReferenceNotConfigured, reference)
}

// MaxSliceCount returns the largest slice count among the reference channel
// images of the cohort.
func MaxSliceCount(cohort []models.Subject, set channels.Set, reference string, prober Prober) (int, error) {
	maxZ := 0
	for _, s := range cohort {
		paths, err := ReferencePaths(s, set, reference)
		if err != nil {
			return 0, err
		}
		for _, p := range paths {
			shape, err := prober.Shape(p)
			if err != nil {
				return 0, fmt.Errorf("failed to read shape of %s: %w", p, err)
			}
			if len(shape) <= volume.ZAxis {
				return 0, fmt.Errorf("reference image %s has shape %v, need at least 3 dimensions", p, shape)
			}
			if shape[volume.ZAxis] > maxZ {
				maxZ = shape[volume.ZAxis]
			}
		}
	}
	return maxZ, nil
}

// Policy is the padding applied to every loaded image
type Policy struct {
	// Enabled is set in native space
	Enabled bool

	// ZMax is the fixed slice count of the run
	ZMax int
}

// Apply pads the leading slices of v up to ZMax. Volumes already at ZMax,
// or any volume when the policy is disabled, are returned unchanged.
func (p Policy) Apply(v models.Volume) (models.Volume, error) {
	if !p.Enabled {
		return v, nil
	}
	return volume.PadLeadingZ(v, p.ZMax)
}

// Shape returns shape with its slice axis replaced by ZMax when enabled
func (p Policy) Shape(shape []int) []int {
	out := append([]int(nil), shape...)
	if p.Enabled && len(out) > volume.ZAxis {
		out[volume.ZAxis] = p.ZMax
	}
	return out
}
