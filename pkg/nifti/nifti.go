// Package nifti decodes single-file NIfTI-1 volumes (.nii and .nii.gz) into
// row-major float64 arrays. It is the image source of the assembly pipeline.
package nifti

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"

	"github.com/klauspost/compress/gzip"

	"cohortprep/internal/models"
)

var (
	// ErrNotFound is returned when the image file does not exist
	ErrNotFound = errors.New("image not found")

	// ErrCorrupt is returned when the file exists but cannot be decoded
	ErrCorrupt = errors.New("image unreadable or corrupt")
)

// Reader loads images from a filesystem
type Reader struct {
	fsys fs.FS
}

// NewReader creates a Reader rooted at fsys
func NewReader(fsys fs.FS) *Reader {
	return &Reader{fsys: fsys}
}

// Load decodes the image at name
func (r *Reader) Load(name string) (models.Volume, error) {
	f, err := r.open(name)
	if err != nil {
		return models.Volume{}, err
	}
	defer f.Close()

	size := int64(-1)
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		size = info.Size()
	}
	v, err := decode(f, size)
	if err != nil {
		return models.Volume{}, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// Shape reads only the header of the image at name
func (r *Reader) Shape(name string) ([]int, error) {
	f, err := r.open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, rest, err := DecodeHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	rest.Close()
	return h.Shape, nil
}

func (r *Reader) open(name string) (fs.File, error) {
	f, err := r.fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return f, nil
}

// body is the stream after the header; gz is set for compressed input
type body struct {
	io.Reader
	gz *gzip.Reader
}

func (b *body) Close() error {
	if b.gz == nil {
		return nil
	}
	return b.gz.Close()
}

// DecodeHeader reads the header and returns the stream positioned right
// after it. Gzip compressed input is detected. Closing the stream does not
// close rd.
func DecodeHeader(rd io.Reader) (*Header, io.ReadCloser, error) {
	h, b, err := decodeHeader(rd)
	if err != nil {
		return nil, nil, err
	}
	return h, b, nil
}

func decodeHeader(rd io.Reader) (*Header, *body, error) {
	br := bufio.NewReader(rd)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	b := &body{Reader: br}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		b = &body{Reader: zr, gz: zr}
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(b, buf); err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	h, err := parseHeader(buf)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return h, b, nil
}

// Decode reads a whole volume. Voxels are converted from the on-disk
// order (x fastest) to row-major order and scaled by scl_slope/scl_inter.
func Decode(rd io.Reader) (models.Volume, error) {
	return decode(rd, -1)
}

// decode reads a volume from rd, whose length is size bytes when known
func decode(rd io.Reader, size int64) (models.Volume, error) {
	h, src, err := decodeHeader(rd)
	if err != nil {
		return models.Volume{}, err
	}
	defer src.Close()

	n := h.NumVoxels()
	want := int64(n) * int64(h.DataType.Size())
	if src.gz == nil && size >= 0 && h.VoxOffset+want > size {
		return models.Volume{}, fmt.Errorf("%w: header describes %d bytes of voxel data at offset %d but the file holds %d bytes",
			ErrCorrupt, want, h.VoxOffset, size)
	}

	if _, err := io.CopyN(io.Discard, src, h.VoxOffset-headerSize); err != nil {
		return models.Volume{}, fmt.Errorf("%w: missing extension block: %v", ErrCorrupt, err)
	}

	raw, err := readVoxelBytes(src, want, src.gz == nil && size >= 0)
	if err != nil {
		return models.Volume{}, err
	}

	width := h.DataType.Size()
	data := make([]float64, n)
	strides := rowMajorStrides(h.Shape)
	idx := make([]int, len(h.Shape))
	scaled := h.scaled()
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	for i := 0; i < n; i++ {
		x := readVoxel(raw[i*width:], h.DataType, h)
		if scaled {
			x = x*slope + inter
		}
		dst := 0
		for a, v := range idx {
			dst += v * strides[a]
		}
		data[dst] = x

		// on-disk order: the first axis varies fastest
		for a := range idx {
			idx[a]++
			if idx[a] < h.Shape[a] {
				break
			}
			idx[a] = 0
		}
	}

	v := models.Volume{Data: data, Shape: append([]int(nil), h.Shape...)}
	v.VoxelSize.X = float64(h.PixDim[1])
	v.VoxelSize.Y = float64(h.PixDim[2])
	v.VoxelSize.Z = float64(h.PixDim[3])
	return v, nil
}

// readVoxelBytes reads exactly want bytes. Unless the length was checked
// against the file size the buffer grows with the data actually present.
func readVoxelBytes(src io.Reader, want int64, checked bool) ([]byte, error) {
	if checked {
		raw := make([]byte, want)
		if _, err := io.ReadFull(src, raw); err != nil {
			return nil, fmt.Errorf("%w: truncated voxel data: %v", ErrCorrupt, err)
		}
		return raw, nil
	}
	raw, err := io.ReadAll(io.LimitReader(src, want))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int64(len(raw)) < want {
		return nil, fmt.Errorf("%w: truncated voxel data: %d of %d bytes", ErrCorrupt, len(raw), want)
	}
	return raw, nil
}

func readVoxel(b []byte, dt DataType, h *Header) float64 {
	bo := h.ByteOrder
	switch dt {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(bo.Uint16(b)))
	case Uint16:
		return float64(bo.Uint16(b))
	case Int32:
		return float64(int32(bo.Uint32(b)))
	case Uint32:
		return float64(bo.Uint32(b))
	case Int64:
		return float64(int64(bo.Uint64(b)))
	case Uint64:
		return float64(bo.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(bo.Uint32(b)))
	case Float64:
		return math.Float64frombits(bo.Uint64(b))
	}
	return math.NaN()
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// Write encodes v as a little-endian single-file NIfTI-1 image with the
// given datatype. Values are converted, not rescaled.
func Write(w io.Writer, v models.Volume, dt DataType) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if len(v.Shape) > 4 {
		return fmt.Errorf("cannot write %d-dimensional volume", len(v.Shape))
	}
	if dt.Size() == 0 {
		return fmt.Errorf("unsupported datatype %s", dt)
	}

	bw := bufio.NewWriter(w)
	hdr := encodeHeader(v.Shape, dt, [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z})
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	strides := rowMajorStrides(v.Shape)
	idx := make([]int, len(v.Shape))
	buf := make([]byte, dt.Size())
	for range v.Data {
		src := 0
		for a, i := range idx {
			src += i * strides[a]
		}
		putVoxel(buf, dt, v.Data[src])
		if _, err := bw.Write(buf); err != nil {
			return err
		}
		for a := range idx {
			idx[a]++
			if idx[a] < v.Shape[a] {
				break
			}
			idx[a] = 0
		}
	}
	return bw.Flush()
}

func putVoxel(b []byte, dt DataType, x float64) {
	bo := binary.LittleEndian
	switch dt {
	case Uint8:
		b[0] = uint8(x)
	case Int8:
		b[0] = uint8(int8(x))
	case Int16:
		bo.PutUint16(b, uint16(int16(x)))
	case Uint16:
		bo.PutUint16(b, uint16(x))
	case Int32:
		bo.PutUint32(b, uint32(int32(x)))
	case Uint32:
		bo.PutUint32(b, uint32(x))
	case Int64:
		bo.PutUint64(b, uint64(int64(x)))
	case Uint64:
		bo.PutUint64(b, uint64(x))
	case Float32:
		bo.PutUint32(b, math.Float32bits(float32(x)))
	case Float64:
		bo.PutUint64(b, math.Float64bits(x))
	}
}
