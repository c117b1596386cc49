package visualization

import (
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortprep/pkg/tensor"
)

func rampVolume(width, height, depth int) []float64 {
	data := make([]float64, width*height*depth)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				data[(x*height+y)*depth+z] = float64(x + 10*y + 100*z)
			}
		}
	}
	return data
}

// TestExtractSlice verifies slice dimensions per axis and per slice scaling
func TestExtractSlice(t *testing.T) {
	width, height, depth := 6, 4, 3
	viewer := NewViewer(rampVolume(width, height, depth), width, height, depth)

	for _, tc := range []struct {
		axis string
		pos  int
		w, h int
	}{
		{"x", 2, height, depth},
		{"y", 1, width, depth},
		{"z", 0, width, height},
		{"Z", 2, width, height},
	} {
		img, err := viewer.ExtractSlice(tc.axis, tc.pos)
		require.NoError(t, err, tc.axis)
		assert.Equal(t, image.Rect(0, 0, tc.w, tc.h), img.Bounds(), tc.axis)
	}

	img, err := viewer.ExtractSlice("z", 1)
	require.NoError(t, err)
	gray := img.(*image.Gray16)
	assert.Equal(t, uint16(0), gray.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), gray.Gray16At(width-1, height-1).Y)
}

// TestExtractSliceInvalid verifies out of range positions and unknown axes
func TestExtractSliceInvalid(t *testing.T) {
	viewer := NewViewer(rampVolume(2, 2, 2), 2, 2, 2)

	_, err := viewer.ExtractSlice("w", 0)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("z", 2)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("x", -1)
	assert.Error(t, err)
}

// TestConstantSlice verifies that a flat slice renders black
func TestConstantSlice(t *testing.T) {
	viewer := NewViewer(make([]float64, 8), 2, 2, 2)
	img, err := viewer.CenterSlice()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), img.(*image.Gray16).Gray16At(1, 1).Y)
}

// TestFromTensor verifies channel selection from input and label tensors
func TestFromTensor(t *testing.T) {
	inputs, err := tensor.New[float64](2, 2, 2, 2, 3)
	require.NoError(t, err)
	src := rampVolume(2, 2, 2)
	require.NoError(t, inputs.SetChannel(1, 4, 2, src))

	viewer, err := FromTensor(inputs, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, src, viewer.volumeData)

	_, err = FromTensor(inputs, 1, 3)
	assert.Error(t, err)
	_, err = FromTensor(inputs, 2, 0)
	assert.Error(t, err)

	labels, err := tensor.New[float64](2, 2, 2, 2)
	require.NoError(t, err)
	viewer, err = FromTensor(labels, 0, 5)
	require.NoError(t, err)
	assert.Len(t, viewer.volumeData, 8)
}

// TestFromTensorTimeSeries verifies that 4D inputs show their first frame
func TestFromTensorTimeSeries(t *testing.T) {
	inputs, err := tensor.New[float64](1, 1, 1, 2, 1, 3)
	require.NoError(t, err)
	require.NoError(t, inputs.SetChannel(0, 4, 0, []float64{1, 2, 3, 4, 5, 6}))

	viewer, err := FromTensor(inputs, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4}, viewer.volumeData)
}

// TestSaveGrid verifies the grid layout of the written preview
func TestSaveGrid(t *testing.T) {
	inputs, err := tensor.New[float64](3, 5, 4, 2, 2)
	require.NoError(t, err)
	for i := range inputs.Data() {
		inputs.Data()[i] = float64(i % 7)
	}
	gt, err := tensor.New[float64](3, 5, 4, 2)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "preview", "grid.jpg")
	require.NoError(t, SaveGrid(path, inputs, gt))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 3*(5+cellGap)+cellGap, cfg.Width)
	assert.Equal(t, 3*(4+cellGap)+cellGap, cfg.Height)
}

// TestSaveGridRejectsLabels verifies that inputs need a channel axis
func TestSaveGridRejectsLabels(t *testing.T) {
	labels, err := tensor.New[float64](1, 2, 2, 2)
	require.NoError(t, err)
	assert.Error(t, SaveGrid(filepath.Join(t.TempDir(), "x.jpg"), labels, nil))
}
