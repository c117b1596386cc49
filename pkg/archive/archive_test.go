package archive

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/sbinet/npyio/npy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"cohortprep/internal/models"
	"cohortprep/pkg/tensor"
)

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	ct, err := tensor.New[float64](3, 2, 2, 2, 2)
	require.NoError(t, err)
	for i := range ct.Data() {
		ct.Data()[i] = float64(i) / 4
	}
	lesion, err := tensor.New[float64](3, 2, 2, 2)
	require.NoError(t, err)
	lesion.Data()[9] = 1
	masks, err := tensor.New[bool](3, 2, 2, 2)
	require.NoError(t, err)
	masks.Data()[0] = true

	return &Dataset{
		Params: models.ChannelParams{
			CTSequences:      []string{"wcoreg_Tmax", "wcoreg_CBF"},
			CTLabelSequences: []string{"masked_wcoreg_VOI"},
			BrainMaskName:    "brain_mask.nii",
			RunID:            "run-1",
		},
		IDs:              []string{"subj01", "subj02", "sübj03"},
		CohortIDs:        []string{"subj01", "subj02", "sübj03", "subj04"},
		IncludedSubjects: []bool{true, true, true, false},
		ClinicalInputs:   mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, math.NaN()}),
		CTInputs:         ct,
		CTLesion:         lesion,
		BrainMasks:       masks,
	}
}

func TestWriteRead(t *testing.T) {
	want := testDataset(t)
	path := filepath.Join(t.TempDir(), "out", "data_set.npz")
	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, want.Params, got.Params)
	assert.Equal(t, want.IDs, got.IDs)
	assert.Equal(t, want.CohortIDs, got.CohortIDs)
	assert.Equal(t, want.IncludedSubjects, got.IncludedSubjects)

	require.NotNil(t, got.CTInputs)
	assert.Equal(t, want.CTInputs.Shape(), got.CTInputs.Shape())
	assert.Equal(t, want.CTInputs.Data(), got.CTInputs.Data())
	assert.Equal(t, want.CTLesion.Data(), got.CTLesion.Data())
	assert.Equal(t, want.BrainMasks.Data(), got.BrainMasks.Data())
	assert.Nil(t, got.MRIInputs)
	assert.Nil(t, got.MRILesion)

	require.NotNil(t, got.ClinicalInputs)
	assert.Equal(t, 4.0, got.ClinicalInputs.At(1, 1))
	assert.True(t, math.IsNaN(got.ClinicalInputs.At(2, 1)))
}

// TestEntryNames verifies that every array is stored even when empty
func TestEntryNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_set.npz")
	require.NoError(t, Write(path, testDataset(t)))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, zip.Deflate, f.Method, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"brain_masks.npy",
		"clinical_inputs.npy",
		"cohort_ids.npy",
		"ct_inputs.npy",
		"ct_lesion_GT.npy",
		"ids.npy",
		"included_subjects.npy",
		"mri_inputs.npy",
		"mri_lesion_GT.npy",
		"params.npy",
	}, names)
}

// TestMembersAreNumpyArrays verifies the stored dtypes and shapes
func TestMembersAreNumpyArrays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_set.npz")
	require.NoError(t, Write(path, testDataset(t)))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	type header struct {
		Descr string
		Shape []int
	}
	want := map[string]header{
		"params.npy":            {"|u1", nil},
		"ids.npy":               {"<U7", []int{3}},
		"included_subjects.npy": {"|b1", []int{4}},
		"clinical_inputs.npy":   {"<f8", []int{3, 2}},
		"ct_inputs.npy":         {"<f8", []int{3, 2, 2, 2, 2}},
		"ct_lesion_GT.npy":      {"<f8", []int{3, 2, 2, 2}},
		"mri_inputs.npy":        {"<f8", []int{0}},
		"brain_masks.npy":       {"|b1", []int{3, 2, 2, 2}},
	}
	for _, f := range zr.File {
		w, ok := want[f.Name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		r, err := npy.NewReader(rc)
		require.NoError(t, err, f.Name)
		assert.Equal(t, w.Descr, r.Header.Descr.Type, f.Name)
		assert.False(t, r.Header.Descr.Fortran, f.Name)
		if w.Shape != nil {
			assert.Equal(t, w.Shape, r.Header.Descr.Shape, f.Name)
		}
		rc.Close()
	}
}

func TestReadStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	require.NoError(t, writeArray(zw, "ids", []string{"a", "subj-10", "sübj"}))
	require.NoError(t, writeArray(zw, "empty", []string{}))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	m, err := openMember(zr.File[0])
	require.NoError(t, err)
	got, err := m.readStrings()
	m.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "subj-10", "sübj"}, got)

	m, err = openMember(zr.File[1])
	require.NoError(t, err)
	got, err = m.readStrings()
	m.Close()
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestReadSubject verifies that a single subject is read without the others
func TestReadSubject(t *testing.T) {
	want := testDataset(t)
	path := filepath.Join(t.TempDir(), "data_set.npz")
	require.NoError(t, Write(path, want))

	got, err := ReadSubject(path, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"sübj03"}, got.IDs)
	assert.Equal(t, want.CohortIDs, got.CohortIDs)
	assert.Equal(t, want.IncludedSubjects, got.IncludedSubjects)
	assert.Equal(t, "run-1", got.Params.RunID)

	require.NotNil(t, got.CTInputs)
	assert.Equal(t, []int{1, 2, 2, 2, 2}, got.CTInputs.Shape())
	assert.Equal(t, want.CTInputs.Slot(2), got.CTInputs.Data())
	assert.Equal(t, []int{1, 2, 2, 2}, got.CTLesion.Shape())
	assert.Equal(t, want.CTLesion.Slot(2), got.CTLesion.Data())
	assert.Equal(t, want.BrainMasks.Slot(2), got.BrainMasks.Data())
	assert.Nil(t, got.MRIInputs)

	require.NotNil(t, got.ClinicalInputs)
	r, c := got.ClinicalInputs.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 5.0, got.ClinicalInputs.At(0, 0))
	assert.True(t, math.IsNaN(got.ClinicalInputs.At(0, 1)))

	first, err := ReadSubject(path, 0)
	require.NoError(t, err)
	assert.Equal(t, want.CTInputs.Slot(0), first.CTInputs.Data())

	_, err = ReadSubject(path, 3)
	assert.Error(t, err)
	_, err = ReadSubject(path, -1)
	assert.Error(t, err)
}

func TestHead(t *testing.T) {
	d := testDataset(t)
	h := d.Head(2)

	assert.Equal(t, []string{"subj01", "subj02"}, h.IDs)
	assert.Equal(t, d.CohortIDs, h.CohortIDs)
	assert.Equal(t, []int{2, 2, 2, 2, 2}, h.CTInputs.Shape())
	assert.Equal(t, []int{2, 2, 2, 2}, h.BrainMasks.Shape())
	r, c := h.ClinicalInputs.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)

	assert.Same(t, d, d.Head(10))
}

func TestSubset(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "data_set.npz")
	require.NoError(t, Write(in, testDataset(t)))

	out := SubsetName(in, 1)
	assert.Equal(t, filepath.Join(dir, "subset1_data_set.npz"), out)
	require.NoError(t, Subset(in, out, 1))

	got, err := Read(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"subj01"}, got.IDs)
	assert.Equal(t, 1, got.CTInputs.Len())
	assert.Equal(t, "run-1", got.Params.RunID)
}
