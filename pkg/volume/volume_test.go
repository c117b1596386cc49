package volume

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortprep/internal/models"
)

func filled(shape []int, value float64) models.Volume {
	data := make([]float64, models.NumVoxels(shape))
	for i := range data {
		data[i] = value
	}
	return models.Volume{Data: data, Shape: shape}
}

// TestPadLeadingZ verifies that padding is prepended along the slice axis
func TestPadLeadingZ(t *testing.T) {
	v := filled([]int{4, 3, 40}, 1)
	v.VoxelSize.Z = 5

	out, err := PadLeadingZ(v, 50)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 50}, out.Shape)
	assert.Equal(t, 5.0, out.VoxelSize.Z)
	require.NoError(t, out.Validate())

	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			for z := 0; z < 50; z++ {
				want := 1.0
				if z < 10 {
					want = 0
				}
				require.Equal(t, want, out.Data[(x*3+y)*50+z], "voxel (%d, %d, %d)", x, y, z)
			}
		}
	}
}

func TestPadLeadingZKeepsOrder(t *testing.T) {
	v := models.Volume{Data: []float64{1, 2, 3, 4}, Shape: []int{1, 2, 2}}
	out, err := PadLeadingZ(v, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 0, 3, 4}, out.Data)
}

func TestPadLeadingZTimeSeries(t *testing.T) {
	// (X, Y, Z, T) = (1, 1, 2, 2)
	v := models.Volume{Data: []float64{1, 2, 3, 4}, Shape: []int{1, 1, 2, 2}}
	out, err := PadLeadingZ(v, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 2}, out.Shape)
	assert.Equal(t, []float64{0, 0, 1, 2, 3, 4}, out.Data)
}

func TestPadLeadingZUnchanged(t *testing.T) {
	v := filled([]int{2, 2, 5}, 3)
	out, err := PadLeadingZ(v, 5)
	require.NoError(t, err)
	assert.Equal(t, v.Shape, out.Shape)

	out, err = PadLeadingZ(v, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 5}, out.Shape)

	_, err = PadLeadingZ(models.Volume{Data: []float64{1}, Shape: []int{1, 1}}, 2)
	assert.Error(t, err)
}

func TestReplaceNaN(t *testing.T) {
	v := models.Volume{Data: []float64{1, math.NaN(), 3, math.NaN()}, Shape: []int{1, 2, 2}}
	assert.True(t, HasNaN(v))
	assert.Equal(t, 2, ReplaceNaN(v))
	assert.Equal(t, []float64{1, 0, 3, 0}, v.Data)
	assert.False(t, HasNaN(v))
	assert.Equal(t, 0, ReplaceNaN(v))
}

func TestClipLabels(t *testing.T) {
	v := models.Volume{Data: []float64{0, 0.5, 1, 2, 7, math.NaN()}, Shape: []int{1, 2, 3}}
	assert.Equal(t, 2, ClipLabels(v))
	assert.Equal(t, []float64{0, 0.5, 1, 1, 1}, v.Data[:5])
	assert.True(t, math.IsNaN(v.Data[5]))
}

func TestToMask(t *testing.T) {
	v := models.Volume{Data: []float64{0, 1, -2, 0.1}, Shape: []int{1, 2, 2}}
	assert.Equal(t, []bool{false, true, true, true}, ToMask(v))
}

func TestSpatialShape(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4}, SpatialShape([]int{2, 3, 4, 5}))
	assert.Equal(t, []int{2, 3, 4}, SpatialShape([]int{2, 3, 4}))
}
