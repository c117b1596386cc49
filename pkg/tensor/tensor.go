// Package tensor provides the pre-allocated cohort arrays. The first axis
// indexes subjects; the shape is fixed once allocated.
package tensor

import (
	"fmt"
	"reflect"
	"unsafe"

	"cohortprep/internal/models"
)

// Element is the voxel type a Tensor can hold
type Element interface {
	~float64 | ~bool
}

// Tensor is a dense row-major array of shape (N, ...)
type Tensor[E Element] struct {
	shape []int
	data  []E
}

// New allocates a zeroed tensor. Every dimension after the first must be
// positive; the subject axis may be empty.
func New[E Element](shape ...int) (*Tensor[E], error) {
	if len(shape) < 2 {
		return nil, fmt.Errorf("tensor needs a subject axis and at least one more, got shape %v", shape)
	}
	if shape[0] < 0 {
		return nil, fmt.Errorf("negative subject count %d", shape[0])
	}
	for i, d := range shape[1:] {
		if d <= 0 {
			return nil, fmt.Errorf("dimension %d has non-positive size %d", i+1, d)
		}
	}
	return &Tensor[E]{
		shape: append([]int(nil), shape...),
		data:  make([]E, models.NumVoxels(shape)),
	}, nil
}

// FromData wraps existing data without copying
func FromData[E Element](data []E, shape ...int) (*Tensor[E], error) {
	if n := models.NumVoxels(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v describes %d elements but data holds %d", shape, n, len(data))
	}
	return &Tensor[E]{shape: append([]int(nil), shape...), data: data}, nil
}

// Shape returns a copy of the tensor shape
func (t *Tensor[E]) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Data exposes the backing slice
func (t *Tensor[E]) Data() []E {
	return t.data
}

// Len is the number of subjects
func (t *Tensor[E]) Len() int {
	return t.shape[0]
}

// SlotShape is the shape of one subject's slot
func (t *Tensor[E]) SlotShape() []int {
	return append([]int(nil), t.shape[1:]...)
}

func (t *Tensor[E]) slotSize() int {
	return models.NumVoxels(t.shape[1:])
}

// Slot returns the backing data of subject n
func (t *Tensor[E]) Slot(n int) []E {
	size := t.slotSize()
	return t.data[n*size : (n+1)*size]
}

// Bytes is the memory held by the tensor data
func (t *Tensor[E]) Bytes() int64 {
	var zero E
	return int64(len(t.data)) * int64(unsafe.Sizeof(zero))
}

// NDArray returns a pointer to a nested Go array of the tensor's shape that
// shares its storage, e.g. *[N][X][Y]float64 for shape (N, X, Y).
func (t *Tensor[E]) NDArray() any {
	var zero E
	typ := reflect.TypeOf(zero)
	for i := len(t.shape) - 1; i >= 0; i-- {
		typ = reflect.ArrayOf(t.shape[i], typ)
	}
	if len(t.data) == 0 {
		return reflect.New(typ).Interface()
	}
	return reflect.NewAt(typ, unsafe.Pointer(&t.data[0])).Interface()
}

// SetSlot copies src, whose shape must equal SlotShape, into subject n
func (t *Tensor[E]) SetSlot(n int, src []E) error {
	if n < 0 || n >= t.shape[0] {
		return fmt.Errorf("subject index %d out of range [0, %d)", n, t.shape[0])
	}
	if len(src) != t.slotSize() {
		return fmt.Errorf("slot holds %d elements, got %d", t.slotSize(), len(src))
	}
	copy(t.Slot(n), src)
	return nil
}

// ChannelShape is the shape of a single channel: the slot shape with the
// given tensor axis removed.
func (t *Tensor[E]) ChannelShape(axis int) []int {
	var out []int
	for i, d := range t.shape[1:] {
		if i+1 != axis {
			out = append(out, d)
		}
	}
	return out
}

// SetChannel writes src as channel c along axis for subject n. src is laid
// out with ChannelShape(axis).
func (t *Tensor[E]) SetChannel(n, axis, c int, src []E) error {
	if axis < 1 || axis >= len(t.shape) {
		return fmt.Errorf("channel axis %d out of range [1, %d)", axis, len(t.shape))
	}
	if n < 0 || n >= t.shape[0] {
		return fmt.Errorf("subject index %d out of range [0, %d)", n, t.shape[0])
	}
	channels := t.shape[axis]
	if c < 0 || c >= channels {
		return fmt.Errorf("channel %d out of range [0, %d)", c, channels)
	}
	outer, inner := t.split(axis)
	if len(src) != outer*inner {
		return fmt.Errorf("channel holds %d elements, got %d", outer*inner, len(src))
	}

	slot := t.Slot(n)
	for o := 0; o < outer; o++ {
		copy(slot[(o*channels+c)*inner:(o*channels+c+1)*inner], src[o*inner:(o+1)*inner])
	}
	return nil
}

// split returns the element counts before and after axis within a slot
func (t *Tensor[E]) split(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range t.shape[1:axis] {
		outer *= d
	}
	for _, d := range t.shape[axis+1:] {
		inner *= d
	}
	return outer, inner
}

// Channel extracts channel c along axis of subject n
func (t *Tensor[E]) Channel(n, axis, c int) []E {
	channels := t.shape[axis]
	outer, inner := t.split(axis)
	slot := t.Slot(n)
	out := make([]E, outer*inner)
	for o := 0; o < outer; o++ {
		copy(out[o*inner:(o+1)*inner], slot[(o*channels+c)*inner:(o*channels+c+1)*inner])
	}
	return out
}

// Select returns a new tensor holding the given subjects in order
func (t *Tensor[E]) Select(rows []int) (*Tensor[E], error) {
	shape := t.Shape()
	shape[0] = len(rows)
	out := &Tensor[E]{shape: shape, data: make([]E, len(rows)*t.slotSize())}
	for i, r := range rows {
		if r < 0 || r >= t.shape[0] {
			return nil, fmt.Errorf("subject index %d out of range [0, %d)", r, t.shape[0])
		}
		copy(out.Slot(i), t.Slot(r))
	}
	return out, nil
}

// Head returns the first n subjects, or the whole tensor when n >= Len
func (t *Tensor[E]) Head(n int) *Tensor[E] {
	if n >= t.shape[0] {
		return t
	}
	if n < 0 {
		n = 0
	}
	shape := t.Shape()
	shape[0] = n
	return &Tensor[E]{shape: shape, data: t.data[:n*t.slotSize()]}
}
