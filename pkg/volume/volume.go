// Package volume holds the padding and sanitization steps applied to a
// decoded image before it is written into a cohort tensor.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"cohortprep/internal/models"
)

// ZAxis is the slice axis of a (X, Y, Z[, T]) volume
const ZAxis = 2

// PadLeadingZ zero-pads the slice axis up to z slices. The missing slices are
// inserted at the start so the original data forms the trailing block. A
// volume that already has z or more slices is returned unchanged.
func PadLeadingZ(v models.Volume, z int) (models.Volume, error) {
	if len(v.Shape) <= ZAxis {
		return v, fmt.Errorf("cannot pad slice axis of a %d-dimensional volume", len(v.Shape))
	}
	nz := v.Shape[ZAxis]
	if nz >= z {
		return v, nil
	}
	missing := z - nz

	// inner is the number of elements per slice position (the time axis)
	inner := 1
	for _, d := range v.Shape[ZAxis+1:] {
		inner *= d
	}
	outer := v.Shape[0] * v.Shape[1]

	shape := append([]int(nil), v.Shape...)
	shape[ZAxis] = z
	data := make([]float64, outer*z*inner)

	srcRun := nz * inner
	dstRun := z * inner
	for o := 0; o < outer; o++ {
		copy(data[o*dstRun+missing*inner:(o+1)*dstRun], v.Data[o*srcRun:(o+1)*srcRun])
	}

	out := models.Volume{Data: data, Shape: shape}
	out.VoxelSize = v.VoxelSize
	return out, nil
}

// HasNaN reports whether any voxel is NaN
func HasNaN(v models.Volume) bool {
	return floats.HasNaN(v.Data)
}

// ReplaceNaN sets every NaN voxel to zero and returns how many were replaced
func ReplaceNaN(v models.Volume) int {
	n := 0
	for i, x := range v.Data {
		if math.IsNaN(x) {
			v.Data[i] = 0
			n++
		}
	}
	return n
}

// ClipLabels collapses multi-class label values to a single positive class:
// every voxel strictly greater than 1 becomes 1. It returns the number of
// clipped voxels. NaN voxels are left for ReplaceNaN.
func ClipLabels(v models.Volume) int {
	n := 0
	for i, x := range v.Data {
		if x > 1 {
			v.Data[i] = 1
			n++
		}
	}
	return n
}

// ToMask converts a volume into a boolean mask, non-zero voxels being true.
// NaN voxels must be replaced beforehand.
func ToMask(v models.Volume) []bool {
	mask := make([]bool, len(v.Data))
	for i, x := range v.Data {
		mask[i] = x != 0
	}
	return mask
}

// SpatialShape drops the time axis of a 4D shape
func SpatialShape(shape []int) []int {
	if len(shape) > 3 {
		return append([]int(nil), shape[:3]...)
	}
	return append([]int(nil), shape...)
}
