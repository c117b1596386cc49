package models

import (
	"fmt"
	"strings"
)

// ChannelParams is the channel-name configuration used to build an archive.
// It is persisted next to the tensors so a run can be reproduced or subset.
type ChannelParams struct {
	CTSequences       []string `yaml:"ct_sequences"`
	CTLabelSequences  []string `yaml:"ct_label_sequences"`
	MRISequences      []string `yaml:"mri_sequences"`
	MRILabelSequences []string `yaml:"mri_label_sequences"`
	BrainMaskName     string   `yaml:"brain_mask_name"`
	HighResolution    bool     `yaml:"high_resolution"`
	RunID             string   `yaml:"run_id,omitempty"`
}

// Subject is one cohort member with every required file resolved
type Subject struct {
	// ID is the subject folder name
	ID string

	// Dir is the subject directory relative to the data root
	Dir string

	// CTChannels and MRIChannels follow the channel specification order
	CTChannels  []string
	MRIChannels []string

	// CTLabel and MRILabel are empty when no label sequence is configured
	CTLabel  string
	MRILabel string

	BrainMask string
}

// Category names one group of required files
type Category int

const (
	CategoryCTChannels Category = iota
	CategoryCTLabels
	CategoryMRIChannels
	CategoryMRILabels
	CategoryBrainMask
)

func (c Category) String() string {
	switch c {
	case CategoryCTChannels:
		return "CT sequence"
	case CategoryCTLabels:
		return "CT label"
	case CategoryMRIChannels:
		return "MRI sequence"
	case CategoryMRILabels:
		return "MRI label"
	case CategoryBrainMask:
		return "brain mask"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// CategoryCount records how many files were found for a category
// against how many were expected
type CategoryCount struct {
	Category Category
	Found    int
	Expected int
}

// SkipDecision explains why a subject was left out of the cohort
type SkipDecision struct {
	Subject string
	Missing []CategoryCount
}

// Categories returns the failing categories in a stable order
func (d SkipDecision) Categories() []Category {
	out := make([]Category, len(d.Missing))
	for i, m := range d.Missing {
		out[i] = m.Category
	}
	return out
}

// Reasons renders one human readable reason per failing category
func (d SkipDecision) Reasons() []string {
	out := make([]string, len(d.Missing))
	for i, m := range d.Missing {
		out[i] = fmt.Sprintf("%s missing (found %d, expected %d)", m.Category, m.Found, m.Expected)
	}
	return out
}

func (d SkipDecision) String() string {
	return fmt.Sprintf("%s: %s", d.Subject, strings.Join(d.Reasons(), "; "))
}
