// Package config provides configuration loading and management for cohortprep.
// It handles loading configuration from YAML files, provides default values and
// resolves the channel names a run matches against.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"cohortprep/internal/models"
)

const (
	// BrainMaskName is the brain mask filename in normalized space
	BrainMaskName = "brain_mask.nii"

	// HighResolutionBrainMaskName is the brain mask filename in native space
	HighResolutionBrainMaskName = "hd_brain_mask.nii"

	// DefaultTraceMarker marks sequences that legitimately produce two volumes
	DefaultTraceMarker = "TRACE"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input and output locations
	Data struct {
		// RootDir holds one folder per subject
		RootDir string `yaml:"rootDir"`

		// OutputDir receives the archive
		OutputDir string `yaml:"outputDir"`

		// Filename is the archive name, ".npz" is appended when missing
		Filename string `yaml:"filename"`

		// ClinicalDir and ClinicalName locate the clinical table. Leave
		// ClinicalDir empty to skip clinical inclusion.
		ClinicalDir  string `yaml:"clinicalDir"`
		ClinicalName string `yaml:"clinicalName"`
	} `yaml:"data"`

	// Mode toggles select which default channel names are used
	Mode struct {
		// HighResolution selects native (non normalized) space
		HighResolution bool `yaml:"highResolution"`

		// EnforceVOI requires lesion label maps
		EnforceVOI bool `yaml:"enforceVOI"`

		UseMRI           bool `yaml:"useMRI"`
		UseVessels       bool `yaml:"useVessels"`
		UseAngio         bool `yaml:"useAngio"`
		Use4DPCT         bool `yaml:"use4DPCT"`
		UseNonContrastCT bool `yaml:"useNonContrastCT"`
	} `yaml:"mode"`

	// Sequences overrides the channel names chosen by Mode
	Sequences struct {
		CT       []string `yaml:"ct"`
		CTLabel  []string `yaml:"ctLabel"`
		MRI      []string `yaml:"mri"`
		MRILabel []string `yaml:"mriLabel"`

		// BrainMask overrides the mode dependent brain mask filename
		BrainMask string `yaml:"brainMask"`

		// Reference is the channel whose slice count sizes the tensors in
		// native space. Defaults to the first CT sequence.
		Reference string `yaml:"reference"`

		// TraceMarker marks two-volume sequences
		TraceMarker string `yaml:"traceMarker"`
	} `yaml:"sequences"`

	// Processing parameters
	Processing struct {
		// NumWorkers is the number of subjects assembled concurrently
		NumWorkers int `yaml:"numWorkers"`

		// ScanSubjectRoot also matches label maps and brain masks placed
		// directly in the subject folder
		ScanSubjectRoot bool `yaml:"scanSubjectRoot"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// PreviewDir receives the preview grid, empty disables it
		PreviewDir string `yaml:"previewDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Filename = "data_set.npz"

	cfg.Mode.EnforceVOI = true

	cfg.Sequences.TraceMarker = DefaultTraceMarker

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.ScanSubjectRoot = true

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks the settings a build run depends on
func (c *Config) Validate() error {
	if c.Data.RootDir == "" {
		return errors.New("data.rootDir is required")
	}
	if c.Data.OutputDir == "" {
		return errors.New("data.outputDir is required")
	}
	if c.Data.ClinicalDir != "" && c.Data.ClinicalName == "" {
		return errors.New("data.clinicalName is required when data.clinicalDir is set")
	}
	if c.Processing.NumWorkers < 0 {
		return fmt.Errorf("processing.numWorkers must not be negative, got %d", c.Processing.NumWorkers)
	}
	return nil
}

// ResolveChannels turns the mode toggles and overrides into the channel
// names used for matching.
func (c *Config) ResolveChannels() models.ChannelParams {
	hr := c.Mode.HighResolution
	p := models.ChannelParams{HighResolution: hr}

	p.CTSequences = clone(c.Sequences.CT)
	if len(p.CTSequences) == 0 {
		p.CTSequences = []string{"wcoreg_Tmax", "wcoreg_CBF", "wcoreg_MTT", "wcoreg_CBV"}
		if hr {
			p.CTSequences = []string{"coreg_Tmax", "coreg_CBF", "coreg_MTT", "coreg_CBV"}
		}
		if c.Mode.UseVessels {
			p.CTSequences = []string{pick(hr, "mask_filtered_extracted_betted_Angio", "wmask_filtered_extracted_betted_Angio")}
		}
		if c.Mode.Use4DPCT {
			p.CTSequences = []string{pick(hr, "p_VPCT", "wp_VPCT")}
		}
		if c.Mode.UseAngio {
			p.CTSequences = []string{pick(hr, "betted_Angio", "wbetted_Angio")}
		}
		if c.Mode.UseNonContrastCT {
			p.CTSequences = append(p.CTSequences, "wreor_SPC_301mm_Std")
		}
	}

	p.CTLabelSequences = clone(c.Sequences.CTLabel)
	if len(p.CTLabelSequences) == 0 && c.Mode.EnforceVOI {
		// the masked VOI avoids false negatives outside the perfusion maps
		p.CTLabelSequences = []string{"masked_wcoreg_VOI"}
		if c.Mode.UseVessels || c.Mode.UseAngio || c.Mode.Use4DPCT {
			p.CTLabelSequences = []string{pick(hr, "coreg_VOI", "wcoreg_VOI")}
		}
		if hr {
			p.CTLabelSequences = []string{"masked_coreg_VOI"}
		}
	}

	p.MRISequences = clone(c.Sequences.MRI)
	p.MRILabelSequences = clone(c.Sequences.MRILabel)
	if c.Mode.UseMRI && len(p.MRISequences) == 0 {
		p.MRISequences = []string{"wcoreg_t2_tse_tra", "wcoreg_t2_TRACE", "wcoreg_t2_ADC"}
		if hr {
			p.MRISequences = []string{"coreg_t2_tse_tra", "coreg_t2_TRACE", "coreg_t2_ADC"}
		}
	}
	if c.Mode.UseMRI && len(p.MRILabelSequences) == 0 {
		// MRI labels are never masked
		if c.Mode.EnforceVOI {
			p.MRILabelSequences = []string{"wcoreg_VOI"}
		}
		if hr {
			p.MRILabelSequences = []string{"coreg_VOI"}
		}
	}

	p.BrainMaskName = c.Sequences.BrainMask
	if p.BrainMaskName == "" {
		p.BrainMaskName = pick(hr, HighResolutionBrainMaskName, BrainMaskName)
	}

	return p
}

// ReferenceSequence returns the channel used to size native space tensors
func (c *Config) ReferenceSequence(p models.ChannelParams) string {
	if c.Sequences.Reference != "" {
		return c.Sequences.Reference
	}
	if len(p.CTSequences) > 0 {
		return p.CTSequences[0]
	}
	return ""
}

func pick(hr bool, highRes, normalized string) string {
	if hr {
		return highRes
	}
	return normalized
}

func clone(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}
