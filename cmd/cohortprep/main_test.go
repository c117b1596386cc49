package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"cohortprep/pkg/archive"
	"cohortprep/pkg/config"
	"cohortprep/pkg/tensor"
)

func TestArchivePath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Data.OutputDir = "/out"
	assert.Equal(t, filepath.Join("/out", "data_set.npz"), archivePath(cfg))

	cfg.Data.Filename = "cohort"
	assert.Equal(t, filepath.Join("/out", "cohort.npz"), archivePath(cfg))
}

func TestLoadBuildConfigFlags(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { configPath = "cohortprep.yaml" })

	require.NoError(t, buildCmd.Flags().Set("root", "/data"))
	require.NoError(t, buildCmd.Flags().Set("out", "/out"))
	require.NoError(t, buildCmd.Flags().Set("high-resolution", "true"))

	cfg, err := loadBuildConfig(buildCmd)
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.Data.RootDir)
	assert.Equal(t, "/out", cfg.Data.OutputDir)
	assert.True(t, cfg.Mode.HighResolution)
	assert.False(t, cfg.Mode.UseMRI)
}

func TestLoadBuildConfigVerbose(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "cohortprep.yaml")
	t.Cleanup(func() {
		configPath = "cohortprep.yaml"
		logLevel.SetLevel(zapcore.InfoLevel)
	})
	require.NoError(t, os.WriteFile(configPath, []byte("output:\n  verbose: true\n"), 0644))
	require.NoError(t, buildCmd.Flags().Set("root", "/data"))
	require.NoError(t, buildCmd.Flags().Set("out", "/out"))

	require.False(t, logLevel.Enabled(zapcore.DebugLevel))
	cfg, err := loadBuildConfig(buildCmd)
	require.NoError(t, err)
	assert.True(t, cfg.Output.Verbose)
	assert.True(t, logLevel.Enabled(zapcore.DebugLevel))
}

func TestPreviewSubject(t *testing.T) {
	dir := t.TempDir()
	ct, err := tensor.New[float64](2, 3, 3, 2, 2)
	require.NoError(t, err)
	for i := range ct.Data() {
		ct.Data()[i] = float64(i % 7)
	}
	in := filepath.Join(dir, "data_set.npz")
	require.NoError(t, archive.Write(in, &archive.Dataset{IDs: []string{"a", "b"}, CTInputs: ct}))

	out := filepath.Join(dir, "b.jpg")
	require.NoError(t, preview(in, out, 1))
	_, err = os.Stat(out)
	assert.NoError(t, err)

	require.NoError(t, preview(in, filepath.Join(dir, "all.jpg"), -1))
	assert.Error(t, preview(in, filepath.Join(dir, "none.jpg"), 2))
}
