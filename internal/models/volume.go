package models

import "fmt"

// Volume represents a decoded volumetric image
type Volume struct {
	// Data holds the voxel values in row-major (C) order, the last axis
	// varying fastest. For a shape (X, Y, Z, T) the voxel (x, y, z, t) lives
	// at ((x*Y+y)*Z+z)*T+t.
	Data []float64

	// Shape is the array shape, (X, Y, Z) or (X, Y, Z, T)
	Shape []int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NumVoxels returns the number of elements described by a shape
func NumVoxels(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Validate checks that Data is consistent with Shape
func (v Volume) Validate() error {
	if len(v.Shape) < 3 {
		return fmt.Errorf("volume has %d dimensions, need at least 3", len(v.Shape))
	}
	for i, d := range v.Shape {
		if d <= 0 {
			return fmt.Errorf("dimension %d has non-positive size %d", i, d)
		}
	}
	if n := NumVoxels(v.Shape); n != len(v.Data) {
		return fmt.Errorf("shape %v describes %d voxels but data holds %d", v.Shape, n, len(v.Data))
	}
	return nil
}

// Is4D reports whether the volume carries a trailing time axis
func (v Volume) Is4D() bool {
	return len(v.Shape) == 4
}

// SameShape reports whether two shapes are identical
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
