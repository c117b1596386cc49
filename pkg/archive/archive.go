// Package archive persists an assembled cohort as a single compressed
// container of named numpy arrays (.npz), readable by downstream tools.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"cohortprep/internal/models"
	"cohortprep/pkg/tensor"
)

// Entry names inside the archive
const (
	EntryParams           = "params"
	EntryIDs              = "ids"
	EntryCohortIDs        = "cohort_ids"
	EntryIncludedSubjects = "included_subjects"
	EntryClinicalInputs   = "clinical_inputs"
	EntryCTInputs         = "ct_inputs"
	EntryCTLesion         = "ct_lesion_GT"
	EntryMRIInputs        = "mri_inputs"
	EntryMRILesion        = "mri_lesion_GT"
	EntryBrainMasks       = "brain_masks"
)

// Dataset is the content of one archive. Optional arrays are nil when the
// run did not produce them and are stored empty.
type Dataset struct {
	Params models.ChannelParams

	// IDs are the subjects present in every per-subject array
	IDs []string

	// CohortIDs are the subjects before clinical inclusion
	CohortIDs []string

	// IncludedSubjects is the clinical inclusion mask over CohortIDs
	IncludedSubjects []bool

	ClinicalInputs *mat.Dense

	CTInputs  *tensor.Tensor[float64]
	CTLesion  *tensor.Tensor[float64]
	MRIInputs *tensor.Tensor[float64]
	MRILesion *tensor.Tensor[float64]

	BrainMasks *tensor.Tensor[bool]
}

// Subjects is the number of subjects in the per-subject arrays
func (d *Dataset) Subjects() int {
	return len(d.IDs)
}

// Write stores the dataset at path, replacing any existing file
func Write(path string, d *Dataset) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(f)
	if err := writeEntries(zw, d); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func writeEntries(zw *zip.Writer, d *Dataset) error {
	params, err := yaml.Marshal(d.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	var clinical any = []float64{}
	if d.ClinicalInputs != nil {
		clinical = d.ClinicalInputs
	}
	var masks any = []bool{}
	if d.BrainMasks != nil {
		masks = d.BrainMasks.NDArray()
	}

	entries := []struct {
		name  string
		value any
	}{
		{EntryParams, params},
		{EntryIDs, nonNil(d.IDs)},
		{EntryCohortIDs, nonNil(d.CohortIDs)},
		{EntryIncludedSubjects, nonNil(d.IncludedSubjects)},
		{EntryClinicalInputs, clinical},
		{EntryCTInputs, tensorValue(d.CTInputs)},
		{EntryCTLesion, tensorValue(d.CTLesion)},
		{EntryMRIInputs, tensorValue(d.MRIInputs)},
		{EntryMRILesion, tensorValue(d.MRILesion)},
		{EntryBrainMasks, masks},
	}
	for _, e := range entries {
		if err := writeArray(zw, e.name, e.value); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[E any](s []E) []E {
	if s == nil {
		return []E{}
	}
	return s
}

func tensorValue(t *tensor.Tensor[float64]) any {
	if t == nil {
		return []float64{}
	}
	return t.NDArray()
}

// Read loads an archive written by Write
func Read(path string) (*Dataset, error) {
	return read(path, -1)
}

// ReadSubject loads only the subject at index i. Per-subject arrays hold a
// single row; the inclusion bookkeeping is returned whole.
func ReadSubject(path string, i int) (*Dataset, error) {
	if i < 0 {
		return nil, fmt.Errorf("subject index %d out of range", i)
	}
	d, err := read(path, i)
	if err != nil {
		return nil, err
	}
	if i >= len(d.IDs) {
		return nil, fmt.Errorf("subject index %d out of range [0, %d)", i, len(d.IDs))
	}
	d.IDs = []string{d.IDs[i]}
	return d, nil
}

func read(path string, row int) (*Dataset, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	d := &Dataset{}
	for _, f := range zr.File {
		if err := readMember(d, f, row); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
	}
	return d, nil
}

var otherEntries = map[string]bool{
	EntryParams:           true,
	EntryIDs:              true,
	EntryCohortIDs:        true,
	EntryIncludedSubjects: true,
	EntryClinicalInputs:   true,
	EntryBrainMasks:       true,
}

func readMember(d *Dataset, f *zip.File, row int) error {
	name := strings.TrimSuffix(f.Name, ".npy")
	tensors := map[string]**tensor.Tensor[float64]{
		EntryCTInputs:  &d.CTInputs,
		EntryCTLesion:  &d.CTLesion,
		EntryMRIInputs: &d.MRIInputs,
		EntryMRILesion: &d.MRILesion,
	}
	if _, ok := tensors[name]; !ok && !otherEntries[name] {
		return nil
	}

	m, err := openMember(f)
	if err != nil {
		return err
	}
	defer m.Close()

	switch name {
	case EntryParams:
		b, err := m.bytes()
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(b, &d.Params); err != nil {
			return fmt.Errorf("failed to decode params: %w", err)
		}
	case EntryIDs:
		d.IDs, err = m.readStrings()
	case EntryCohortIDs:
		d.CohortIDs, err = m.readStrings()
	case EntryIncludedSubjects:
		if elems(m.shape()) > 0 {
			d.IncludedSubjects, _, err = readRows[bool](m, -1)
		}
	case EntryClinicalInputs:
		if shape := m.shape(); len(shape) == 2 && shape[0] > 0 {
			data, shape, rerr := readRows[float64](m, row)
			if rerr != nil {
				return rerr
			}
			d.ClinicalInputs = mat.NewDense(shape[0], shape[1], data)
		}
	case EntryBrainMasks:
		if len(m.shape()) < 2 {
			return nil
		}
		data, shape, rerr := readRows[bool](m, row)
		if rerr != nil {
			return rerr
		}
		d.BrainMasks, err = tensor.FromData(data, shape...)
	default:
		if len(m.shape()) < 2 {
			return nil
		}
		data, shape, rerr := readRows[float64](m, row)
		if rerr != nil {
			return rerr
		}
		*tensors[name], err = tensor.FromData(data, shape...)
	}
	return err
}

// Head returns a dataset restricted to the first n subjects. The inclusion
// bookkeeping is kept as is.
func (d *Dataset) Head(n int) *Dataset {
	if n >= d.Subjects() {
		return d
	}
	out := *d
	out.IDs = d.IDs[:n]
	if d.ClinicalInputs != nil {
		if r, c := d.ClinicalInputs.Dims(); r > n && n > 0 {
			out.ClinicalInputs = mat.DenseCopyOf(d.ClinicalInputs.Slice(0, n, 0, c))
		} else if n == 0 {
			out.ClinicalInputs = nil
		}
	}
	out.CTInputs = head(d.CTInputs, n)
	out.CTLesion = head(d.CTLesion, n)
	out.MRIInputs = head(d.MRIInputs, n)
	out.MRILesion = head(d.MRILesion, n)
	if d.BrainMasks != nil {
		out.BrainMasks = d.BrainMasks.Head(n)
	}
	return &out
}

func head(t *tensor.Tensor[float64], n int) *tensor.Tensor[float64] {
	if t == nil {
		return nil
	}
	return t.Head(n)
}

// Subset writes the first size subjects of the archive at in to out
func Subset(in, out string, size int) error {
	d, err := Read(in)
	if err != nil {
		return err
	}
	return Write(out, d.Head(size))
}

// SubsetName is the default output name of Subset
func SubsetName(in string, size int) string {
	return filepath.Join(filepath.Dir(in), fmt.Sprintf("subset%d_%s", size, filepath.Base(in)))
}
