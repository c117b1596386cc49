package nifti

import (
	"encoding/binary"
	"fmt"
	"math"
)

// headerSize is sizeof_hdr of a NIfTI-1 header
const headerSize = 348

// dataOffset is where voxels start in files written by Write: the header
// followed by a 4-byte empty extension block
const dataOffset = 352

// DataType is the NIfTI-1 voxel datatype code
type DataType int16

const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
	Int64   DataType = 1024
	Uint64  DataType = 1280
)

// Size is the number of bytes per voxel, 0 for unsupported types
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	default:
		return fmt.Sprintf("datatype(%d)", int16(d))
	}
}

// Header holds the fields of a NIfTI-1 header needed to read voxels
type Header struct {
	ByteOrder binary.ByteOrder
	Shape     []int
	DataType  DataType
	PixDim    [8]float32
	VoxOffset int64
	SclSlope  float32
	SclInter  float32
	Magic     string
}

// MaxVoxels bounds the voxel count a header may declare
const MaxVoxels = 1 << 31

// NumVoxels is the number of voxels described by Shape
func (h *Header) NumVoxels() int {
	n := 1
	for _, d := range h.Shape {
		n *= d
	}
	return n
}

// scaled reports whether voxel values go through scl_slope/scl_inter
func (h *Header) scaled() bool {
	s := float64(h.SclSlope)
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return false
	}
	return !(s == 1 && h.SclInter == 0)
}

func parseHeader(buf []byte) (*Header, error) {
	var bo binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf[0:4]) == headerSize:
		bo = binary.LittleEndian
	case binary.BigEndian.Uint32(buf[0:4]) == headerSize:
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrCorrupt, headerSize)
	}

	h := &Header{ByteOrder: bo}
	h.Magic = string(trimNul(buf[344:348]))
	if h.Magic != "n+1" {
		if h.Magic == "ni1" {
			return nil, fmt.Errorf("%w: two-file (.hdr/.img) NIfTI is not supported", ErrCorrupt)
		}
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, h.Magic)
	}

	ndim := int(int16(bo.Uint16(buf[40:42])))
	if ndim < 3 || ndim > 4 {
		return nil, fmt.Errorf("%w: unsupported number of dimensions %d", ErrCorrupt, ndim)
	}
	h.Shape = make([]int, ndim)
	n := 1
	for i := 0; i < ndim; i++ {
		d := int(int16(bo.Uint16(buf[42+2*i:])))
		if d <= 0 {
			return nil, fmt.Errorf("%w: dimension %d has size %d", ErrCorrupt, i+1, d)
		}
		if n > MaxVoxels/d {
			return nil, fmt.Errorf("%w: dimension %d of size %d takes the voxel count past %d", ErrCorrupt, i+1, d, MaxVoxels)
		}
		n *= d
		h.Shape[i] = d
	}

	h.DataType = DataType(int16(bo.Uint16(buf[70:72])))
	if h.DataType.Size() == 0 {
		return nil, fmt.Errorf("%w: unsupported datatype %s", ErrCorrupt, h.DataType)
	}

	for i := range h.PixDim {
		h.PixDim[i] = math.Float32frombits(bo.Uint32(buf[76+4*i:]))
	}
	h.VoxOffset = int64(math.Float32frombits(bo.Uint32(buf[108:112])))
	if h.VoxOffset < headerSize {
		return nil, fmt.Errorf("%w: vox_offset %d inside header", ErrCorrupt, h.VoxOffset)
	}
	h.SclSlope = math.Float32frombits(bo.Uint32(buf[112:116]))
	h.SclInter = math.Float32frombits(bo.Uint32(buf[116:120]))
	return h, nil
}

func encodeHeader(shape []int, dt DataType, pixdim [3]float64) []byte {
	bo := binary.LittleEndian
	buf := make([]byte, dataOffset)
	bo.PutUint32(buf[0:4], headerSize)
	bo.PutUint16(buf[40:42], uint16(len(shape)))
	for i, d := range shape {
		bo.PutUint16(buf[42+2*i:], uint16(d))
	}
	for i := len(shape); i < 7; i++ {
		bo.PutUint16(buf[42+2*i:], 1)
	}
	bo.PutUint16(buf[70:72], uint16(dt))
	bo.PutUint16(buf[72:74], uint16(dt.Size()*8))

	bo.PutUint32(buf[76:80], math.Float32bits(1))
	for i, p := range pixdim {
		if p == 0 {
			p = 1
		}
		bo.PutUint32(buf[80+4*i:], math.Float32bits(float32(p)))
	}
	bo.PutUint32(buf[108:112], math.Float32bits(dataOffset))
	copy(buf[344:348], "n+1\x00")
	return buf
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
