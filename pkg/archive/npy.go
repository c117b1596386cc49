package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"

	"github.com/klauspost/compress/zip"
	"github.com/sbinet/npyio/npy"
)

const ioBufferSize = 1 << 16

// writeArray stores v as the .npy member name. v is anything npy.Write
// accepts: slices, nested arrays or a *mat.Dense.
func writeArray(zw *zip.Writer, name string, v any) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name + ".npy", Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	bw := bufio.NewWriterSize(w, ioBufferSize)
	if err := npy.Write(bw, v); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return bw.Flush()
}

// member is an open .npy member positioned right after its header
type member struct {
	rc io.ReadCloser
	br *bufio.Reader
	rd *npy.Reader
}

func openMember(f *zip.File) (*member, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(rc, ioBufferSize)
	rd, err := npy.NewReader(br)
	if err != nil {
		rc.Close()
		return nil, err
	}
	if rd.Header.Descr.Fortran {
		rc.Close()
		return nil, fmt.Errorf("fortran ordered arrays are not supported")
	}
	return &member{rc: rc, br: br, rd: rd}, nil
}

func (m *member) Close() error {
	return m.rc.Close()
}

func (m *member) shape() []int {
	return m.rd.Header.Descr.Shape
}

func elems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// readRows reads the whole array, or only the subject at row when row >= 0.
// The returned shape has a subject axis of 1 in the latter case.
func readRows[E float64 | bool](m *member, row int) ([]E, []int, error) {
	shape := append([]int(nil), m.shape()...)
	if len(shape) == 0 {
		return nil, nil, fmt.Errorf("expected an array, got a scalar")
	}
	n := elems(shape)
	if row >= 0 {
		if row >= shape[0] {
			return nil, nil, fmt.Errorf("subject index %d out of range [0, %d)", row, shape[0])
		}
		slot := n / shape[0]
		var zero E
		if _, err := m.br.Discard(row * slot * int(unsafe.Sizeof(zero))); err != nil {
			return nil, nil, fmt.Errorf("failed to seek to subject %d: %w", row, err)
		}
		shape[0] = 1
		n = slot
	}

	data := make([]E, n)
	if n == 0 {
		return data, shape, nil
	}
	if err := m.rd.Read(&data); err != nil {
		return nil, nil, err
	}
	return data, shape, nil
}

func (m *member) bytes() ([]byte, error) {
	var b []byte
	if elems(m.shape()) == 0 {
		return nil, nil
	}
	if err := m.rd.Read(&b); err != nil {
		return nil, err
	}
	return b, nil
}

// readStrings decodes a '<U' member. The cells are fixed width UTF-32LE,
// NUL padded; npy.Reader only decodes scalar strings and reads them as UTF-8.
func (m *member) readStrings() ([]string, error) {
	descr := m.rd.Header.Descr.Type
	width, err := strconv.Atoi(strings.TrimLeft(descr, "<|>U"))
	if err != nil || !strings.Contains(descr, "U") {
		return nil, fmt.Errorf("unsupported string dtype %q", descr)
	}

	out := make([]string, elems(m.shape()))
	cell := make([]byte, 4*width)
	for i := range out {
		if _, err := io.ReadFull(m.br, cell); err != nil {
			return nil, err
		}
		var sb strings.Builder
		for j := 0; j < width; j++ {
			r := rune(binary.LittleEndian.Uint32(cell[4*j:]))
			if r == 0 {
				break
			}
			sb.WriteRune(r)
		}
		out[i] = sb.String()
	}
	return out, nil
}
