package discovery

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortprep/internal/models"
	"cohortprep/pkg/channels"
)

var ctPrefixes = []string{"wcoreg_Tmax", "wcoreg_CBF", "wcoreg_MTT", "wcoreg_CBV"}

func ctSet() channels.Set {
	return channels.NewSet(models.ChannelParams{
		CTSequences:      ctPrefixes,
		CTLabelSequences: []string{"masked_wcoreg_VOI"},
		BrainMaskName:    "brain_mask.nii",
	}, "TRACE")
}

func file() *fstest.MapFile { return &fstest.MapFile{Data: []byte{0}} }

// completeCT adds the files of a complete CT subject to fsys
func completeCT(fsys fstest.MapFS, id string) {
	for _, p := range ctPrefixes {
		fsys[id+"/pCT/"+p+"_"+id+".nii"] = file()
	}
	fsys[id+"/pCT/masked_wcoreg_VOI_"+id+".nii"] = file()
	fsys[id+"/pCT/brain_mask.nii"] = file()
}

func TestResolveSubjectComplete(t *testing.T) {
	fsys := fstest.MapFS{}
	completeCT(fsys, "subj01")

	r := NewResolver(ctSet())
	s, skip, err := r.ResolveSubject(fsys, "subj01")
	require.NoError(t, err)
	require.Nil(t, skip)

	want := models.Subject{
		ID:  "subj01",
		Dir: "subj01",
		CTChannels: []string{
			"subj01/pCT/wcoreg_Tmax_subj01.nii",
			"subj01/pCT/wcoreg_CBF_subj01.nii",
			"subj01/pCT/wcoreg_MTT_subj01.nii",
			"subj01/pCT/wcoreg_CBV_subj01.nii",
		},
		CTLabel:   "subj01/pCT/masked_wcoreg_VOI_subj01.nii",
		BrainMask: "subj01/pCT/brain_mask.nii",
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("ResolveSubject() mismatch (-want +got):\n%s", diff)
	}
}

// TestResolveSubjectSkipNamesEveryCategory verifies that one decision lists
// every category whose count is off
func TestResolveSubjectSkipNamesEveryCategory(t *testing.T) {
	fsys := fstest.MapFS{
		"subj02/pCT/wcoreg_Tmax_x.nii": file(),
		"subj02/pCT/wcoreg_CBF_x.nii":  file(),
		"subj02/pCT/wcoreg_MTT_x.nii":  file(),
	}

	r := NewResolver(ctSet())
	_, skip, err := r.ResolveSubject(fsys, "subj02")
	require.NoError(t, err)
	require.NotNil(t, skip)

	assert.Equal(t, []models.CategoryCount{
		{Category: models.CategoryCTChannels, Found: 3, Expected: 4},
		{Category: models.CategoryCTLabels, Found: 0, Expected: 1},
		{Category: models.CategoryBrainMask, Found: 0, Expected: 1},
	}, skip.Missing)
}

// TestResolveSubjectAmbiguous verifies that two candidates for one image
// channel abort with both names
func TestResolveSubjectAmbiguous(t *testing.T) {
	fsys := fstest.MapFS{}
	completeCT(fsys, "subj03")
	fsys["subj03/pCT/wcoreg_CBF_copy.nii"] = file()

	r := NewResolver(ctSet())
	_, _, err := r.ResolveSubject(fsys, "subj03")

	var amb *AmbiguousMatchError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, "subj03", amb.Subject)
	assert.Equal(t, "wcoreg_CBF", amb.Prefix)
	assert.ElementsMatch(t, []string{"wcoreg_CBF_subj03.nii", "wcoreg_CBF_copy.nii"}, amb.Candidates)
}

// TestResolveSubjectSpreadAcrossModalities verifies that channels keep
// their configured order when split over several folders
func TestResolveSubjectSpreadAcrossModalities(t *testing.T) {
	fsys := fstest.MapFS{
		"s/b_dir/wcoreg_Tmax_s.nii":         file(),
		"s/b_dir/wcoreg_CBF_s.nii":          file(),
		"s/a_dir/wcoreg_MTT_s.nii":          file(),
		"s/a_dir/wcoreg_CBV_s.nii":          file(),
		"s/a_dir/masked_wcoreg_VOI_s.nii":   file(),
		"s/a_dir/brain_mask.nii":            file(),
		"s/a_dir/unrelated_localizer_s.nii": file(),
	}

	s, skip, err := NewResolver(ctSet()).ResolveSubject(fsys, "s")
	require.NoError(t, err)
	require.Nil(t, skip)
	assert.Equal(t, []string{
		"s/b_dir/wcoreg_Tmax_s.nii",
		"s/b_dir/wcoreg_CBF_s.nii",
		"s/a_dir/wcoreg_MTT_s.nii",
		"s/a_dir/wcoreg_CBV_s.nii",
	}, s.CTChannels)
}

// TestResolveSubjectRootLabels verifies labels and masks stored in the
// subject folder itself
func TestResolveSubjectRootLabels(t *testing.T) {
	fsys := fstest.MapFS{
		"s/masked_wcoreg_VOI_s.nii": file(),
		"s/brain_mask.nii":          file(),
	}
	for _, p := range ctPrefixes {
		fsys["s/pCT/"+p+"_s.nii"] = file()
	}

	s, skip, err := NewResolver(ctSet(), WithSubjectRootScan(true)).ResolveSubject(fsys, "s")
	require.NoError(t, err)
	require.Nil(t, skip)
	assert.Equal(t, "s/masked_wcoreg_VOI_s.nii", s.CTLabel)
	assert.Equal(t, "s/brain_mask.nii", s.BrainMask)

	_, skip, err = NewResolver(ctSet()).ResolveSubject(fsys, "s")
	require.NoError(t, err)
	require.NotNil(t, skip)
	assert.Equal(t, []models.Category{models.CategoryCTLabels, models.CategoryBrainMask}, skip.Categories())
}

// TestResolveSubjectDuplicateLabels verifies that duplicate label maps are
// not ambiguous but fail the count check
func TestResolveSubjectDuplicateLabels(t *testing.T) {
	fsys := fstest.MapFS{}
	completeCT(fsys, "s")
	fsys["s/pCT/masked_wcoreg_VOI_second.nii"] = file()

	_, skip, err := NewResolver(ctSet()).ResolveSubject(fsys, "s")
	require.NoError(t, err)
	require.NotNil(t, skip)
	assert.Equal(t, []models.CategoryCount{{Category: models.CategoryCTLabels, Found: 2, Expected: 1}}, skip.Missing)
}

// TestResolveSubjectTrace verifies that a two-volume MRI sequence needs
// exactly two files
func TestResolveSubjectTrace(t *testing.T) {
	set := channels.NewSet(models.ChannelParams{
		CTSequences:   []string{"wcoreg_Tmax"},
		MRISequences:  []string{"wcoreg_t2_tse_tra", "wcoreg_t2_TRACE", "wcoreg_t2_ADC"},
		BrainMaskName: "brain_mask.nii",
	}, "TRACE")

	fsys := fstest.MapFS{
		"s/ct/wcoreg_Tmax_s.nii":         file(),
		"s/ct/brain_mask.nii":            file(),
		"s/mri/wcoreg_t2_ADC_s.nii":      file(),
		"s/mri/wcoreg_t2_TRACE_b_2.nii":  file(),
		"s/mri/wcoreg_t2_TRACE_a_1.nii":  file(),
		"s/mri/wcoreg_t2_tse_tra_s.nii":  file(),
		"s/mri/wcoreg_t2_TRACE_z_99.nii": file(),
	}

	s, skip, err := NewResolver(set).ResolveSubject(fsys, "s")
	require.NoError(t, err)
	require.Nil(t, skip)
	assert.Equal(t, []string{
		"s/mri/wcoreg_t2_tse_tra_s.nii",
		"s/mri/wcoreg_t2_TRACE_a_1.nii",
		"s/mri/wcoreg_t2_TRACE_b_2.nii",
		"s/mri/wcoreg_t2_ADC_s.nii",
	}, s.MRIChannels)

	delete(fsys, "s/mri/wcoreg_t2_TRACE_b_2.nii")
	delete(fsys, "s/mri/wcoreg_t2_TRACE_z_99.nii")
	_, skip, err = NewResolver(set).ResolveSubject(fsys, "s")
	require.NoError(t, err)
	require.NotNil(t, skip)
	assert.Equal(t, []models.CategoryCount{{Category: models.CategoryMRIChannels, Found: 3, Expected: 4}}, skip.Missing)
}

func TestDiscover(t *testing.T) {
	fsys := fstest.MapFS{
		"README.txt":                  file(),
		"subj02/pCT/wcoreg_Tmax_x.nii": file(),
	}
	completeCT(fsys, "subj03")
	completeCT(fsys, "subj01")

	d, err := NewResolver(ctSet()).Discover(fsys)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Discovered)
	assert.Equal(t, []string{"subj01", "subj03"}, d.IDs())
	require.Len(t, d.Skipped, 1)
	assert.Equal(t, "subj02", d.Skipped[0].Subject)
}

func TestDiscoverAbortsOnAmbiguity(t *testing.T) {
	fsys := fstest.MapFS{}
	completeCT(fsys, "subj01")
	completeCT(fsys, "subj02")
	fsys["subj02/pCT/wcoreg_Tmax_other.nii"] = file()

	_, err := NewResolver(ctSet()).Discover(fsys)
	var amb *AmbiguousMatchError
	assert.ErrorAs(t, err, &amb)
}
