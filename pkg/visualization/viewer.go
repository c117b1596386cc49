// Package visualization renders archive tensors as images for visual inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"cohortprep/pkg/tensor"
)

// channelAxis of archive input tensors (N, X, Y, Z, C[, T])
const channelAxis = 4

// cellGap is the border in pixels between grid cells
const cellGap = 2

// Viewer renders slices of one subject volume taken from an archive tensor
type Viewer struct {
	// volumeData holds one (X, Y, Z) volume in row-major order
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer over a row-major (width, height, depth) volume
func NewViewer(volumeData []float64, width, height, depth int) *Viewer {
	return &Viewer{
		volumeData: volumeData,
		width:      width,
		height:     height,
		depth:      depth,
	}
}

// FromTensor selects a subject volume. Input tensors (N, X, Y, Z, C[, T])
// are indexed by channel, using the first time point of 4D data. Label and
// mask tensors (N, X, Y, Z) ignore channel.
func FromTensor(t *tensor.Tensor[float64], subject, channel int) (*Viewer, error) {
	shape := t.Shape()
	if subject < 0 || subject >= t.Len() {
		return nil, fmt.Errorf("subject %d out of range [0, %d)", subject, t.Len())
	}
	switch len(shape) {
	case 4:
		return NewViewer(t.Slot(subject), shape[1], shape[2], shape[3]), nil
	case 5, 6:
		if channel < 0 || channel >= shape[channelAxis] {
			return nil, fmt.Errorf("channel %d out of range [0, %d)", channel, shape[channelAxis])
		}
		data := t.Channel(subject, channelAxis, channel)
		if len(shape) == 6 {
			frames := shape[5]
			first := make([]float64, len(data)/frames)
			for i := range first {
				first[i] = data[i*frames]
			}
			data = first
		}
		return NewViewer(data, shape[1], shape[2], shape[3]), nil
	default:
		return nil, fmt.Errorf("cannot view tensor of shape %v", shape)
	}
}

func (v *Viewer) at(x, y, z int) float64 {
	return v.volumeData[(x*v.height+y)*v.depth+z]
}

// ExtractSlice extracts a 2D slice along the specified axis. Intensities
// are scaled to the slice's own range.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var w, h int
	var value func(col, row int) float64
	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		w, h = v.height, v.depth
		value = func(col, row int) float64 { return v.at(position, col, row) }
	case "y", "Y":
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		w, h = v.width, v.depth
		value = func(col, row int) float64 { return v.at(col, position, row) }
	case "z", "Z":
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		w, h = v.width, v.height
		value = func(col, row int) float64 { return v.at(col, row, position) }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	values := make([]float64, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			values[row*w+col] = value(col, row)
		}
	}
	lo, hi := floats.Min(values), floats.Max(values)

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			var g uint16
			if hi > lo {
				g = uint16((values[row*w+col] - lo) / (hi - lo) * 65535)
			}
			img.SetGray16(col, row, color.Gray16{Y: g})
		}
	}
	return img, nil
}

// CenterSlice is the axial slice in the middle of the volume
func (v *Viewer) CenterSlice() (image.Image, error) {
	return v.ExtractSlice("z", (v.depth-1)/2)
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return saveJPEG(img, filename)
}

// SaveGrid writes one row per subject holding the center slice of every
// channel of inputs, followed by the ground truth when gt is not nil.
func SaveGrid(filename string, inputs, gt *tensor.Tensor[float64]) error {
	shape := inputs.Shape()
	if len(shape) < 5 {
		return fmt.Errorf("inputs must have a channel axis, got shape %v", shape)
	}
	cols := shape[channelAxis]
	if gt != nil {
		cols++
	}
	rows := inputs.Len()
	if rows == 0 {
		return fmt.Errorf("no subject to preview")
	}
	cellW, cellH := shape[1], shape[2]

	grid := image.NewGray16(image.Rect(0, 0, cols*(cellW+cellGap)+cellGap, rows*(cellH+cellGap)+cellGap))
	for s := 0; s < rows; s++ {
		for c := 0; c < cols; c++ {
			var viewer *Viewer
			var err error
			if c < shape[channelAxis] {
				viewer, err = FromTensor(inputs, s, c)
			} else {
				viewer, err = FromTensor(gt, s, 0)
			}
			if err != nil {
				return err
			}
			cell, err := viewer.CenterSlice()
			if err != nil {
				return err
			}
			origin := image.Pt(cellGap+c*(cellW+cellGap), cellGap+s*(cellH+cellGap))
			draw.Draw(grid, cell.Bounds().Add(origin), cell, image.Point{}, draw.Src)
		}
	}
	return saveJPEG(grid, filename)
}

func saveJPEG(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}
