package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cohortprep/pkg/archive"
	"cohortprep/pkg/assembly"
	"cohortprep/pkg/completeness"
	"cohortprep/pkg/config"
	"cohortprep/pkg/visualization"
)

var (
	configPath string
	verbose    bool

	logger   *zap.Logger
	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// build flags, applied over the configuration file when set
var (
	rootDir        string
	outputDir      string
	filename       string
	clinicalDir    string
	clinicalName   string
	numWorkers     int
	highResolution bool
	useMRI         bool
	previewDir     string
)

var (
	subsetSize int
	subsetOut  string
	previewOut     string
	previewSubject int
)

var rootCmd = &cobra.Command{
	Use:   "cohortprep",
	Short: "Assemble per-subject NIfTI volumes into a cohort training archive",
	Long: `cohortprep scans a data root holding one folder per subject, keeps the
subjects whose imaging is complete, and writes their channels, lesion labels
and brain masks as dense tensors into a single .npz archive.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			logLevel.SetLevel(zapcore.DebugLevel)
		}
		cfg.Level = logLevel
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the cohort archive",
	RunE:  runBuild,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <root>",
	Short: "Report imaging completeness of every subject folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var subsetCmd = &cobra.Command{
	Use:   "subset <archive>",
	Short: "Write the first subjects of an archive to a smaller archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubset,
}

var previewCmd = &cobra.Command{
	Use:   "preview <archive>",
	Short: "Render the center slice of every subject and channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a configuration file holding the defaults",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cohortprep.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	f := buildCmd.Flags()
	f.StringVar(&rootDir, "root", "", "Data root holding one folder per subject")
	f.StringVar(&outputDir, "out", "", "Directory receiving the archive")
	f.StringVar(&filename, "filename", "", "Archive filename")
	f.StringVar(&clinicalDir, "clinical-dir", "", "Directory of the clinical table")
	f.StringVar(&clinicalName, "clinical-name", "", "Clinical table filename")
	f.IntVar(&numWorkers, "workers", 0, "Number of subjects assembled concurrently")
	f.BoolVar(&highResolution, "high-resolution", false, "Use native space images")
	f.BoolVar(&useMRI, "mri", false, "Include MRI sequences")
	f.StringVar(&previewDir, "preview-dir", "", "Directory receiving a preview grid")

	subsetCmd.Flags().IntVarP(&subsetSize, "size", "n", 10, "Number of subjects to keep")
	subsetCmd.Flags().StringVarP(&subsetOut, "out", "o", "", "Output archive (default: subset<size>_<name> next to the input)")

	previewCmd.Flags().StringVarP(&previewOut, "out", "o", "", "Output image (default: <archive>_preview.jpg)")
	previewCmd.Flags().IntVarP(&previewSubject, "subject", "s", -1, "Render only the subject at this index")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(subsetCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadBuildConfig reads the configuration file and applies the flags that
// were set on the command line
func loadBuildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("root") {
		cfg.Data.RootDir = rootDir
	}
	if f.Changed("out") {
		cfg.Data.OutputDir = outputDir
	}
	if f.Changed("filename") {
		cfg.Data.Filename = filename
	}
	if f.Changed("clinical-dir") {
		cfg.Data.ClinicalDir = clinicalDir
	}
	if f.Changed("clinical-name") {
		cfg.Data.ClinicalName = clinicalName
	}
	if f.Changed("workers") {
		cfg.Processing.NumWorkers = numWorkers
	}
	if f.Changed("high-resolution") {
		cfg.Mode.HighResolution = highResolution
	}
	if f.Changed("mri") {
		cfg.Mode.UseMRI = useMRI
	}
	if f.Changed("preview-dir") {
		cfg.Output.PreviewDir = previewDir
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	// the logger is built before the file is read
	if cfg.Output.Verbose {
		logLevel.SetLevel(zapcore.DebugLevel)
	}
	return cfg, cfg.Validate()
}

func archivePath(cfg *config.Config) string {
	name := cfg.Data.Filename
	if !strings.HasSuffix(name, ".npz") {
		name += ".npz"
	}
	return filepath.Join(cfg.Data.OutputDir, name)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadBuildConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := cfg.ResolveChannels()
	params := &assembly.Params{
		Channels:        p,
		TraceMarker:     cfg.Sequences.TraceMarker,
		Reference:       cfg.ReferenceSequence(p),
		NumWorkers:      cfg.Processing.NumWorkers,
		ScanSubjectRoot: cfg.Processing.ScanSubjectRoot,
		ClinicalDir:     cfg.Data.ClinicalDir,
		ClinicalName:    cfg.Data.ClinicalName,
		OutputPath:      archivePath(cfg),
	}
	if err := os.MkdirAll(cfg.Data.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	a := assembly.NewAssembler(params, os.DirFS(cfg.Data.RootDir), assembly.WithLogger(logger))
	rep, err := a.Process(ctx)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	fmt.Printf("\nArchive saved to: %s\n", params.OutputPath)
	fmt.Printf("Run: %s\n", rep.RunID)
	fmt.Printf("Subjects: %d discovered, %d complete, %d excluded, %d saved\n",
		rep.Discovered, rep.Cohort, rep.Excluded, rep.Saved)
	for _, s := range rep.Skipped {
		fmt.Printf("- skipped %s\n", s)
	}
	fmt.Printf("CT tensor shape: %v\n", rep.CTShape)
	if rep.ZMax > 0 {
		fmt.Printf("Slice axis padded to %d\n", rep.ZMax)
	}
	fmt.Printf("Tensor memory: %.1f MiB\n", float64(rep.TensorBytes)/(1<<20))
	fmt.Printf("Processing time: %.2f seconds\n", rep.Duration.Seconds())

	if cfg.Output.PreviewDir != "" {
		out := filepath.Join(cfg.Output.PreviewDir, strings.TrimSuffix(filepath.Base(params.OutputPath), ".npz")+"_preview.jpg")
		if err := preview(params.OutputPath, out, -1); err != nil {
			logger.Warn("Failed to save preview", zap.Error(err))
		} else {
			fmt.Printf("Preview saved to: %s\n", out)
		}
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	root := args[0]
	rep, err := completeness.NewChecker(logger).Check(os.DirFS(root))
	if err != nil {
		return err
	}

	out := filepath.Join(root, "imaging_completeness.csv")
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := rep.WriteCSV(f); err != nil {
		return err
	}

	fmt.Printf("%d subjects checked, %d incomplete\n", rep.Subjects, len(rep.Incomplete))
	for _, row := range rep.Incomplete {
		fmt.Printf("- %s missing %s\n", row.Subject, strings.Join(row.Missing(rep.Markers), ", "))
	}
	fmt.Printf("Report saved to: %s\n", out)
	return nil
}

func runSubset(cmd *cobra.Command, args []string) error {
	in := args[0]
	if subsetSize <= 0 {
		return fmt.Errorf("size must be positive, got %d", subsetSize)
	}
	out := subsetOut
	if out == "" {
		out = archive.SubsetName(in, subsetSize)
	}
	logger.Info("Writing subset", zap.String("in", in), zap.String("out", out), zap.Int("size", subsetSize))
	if err := archive.Subset(in, out, subsetSize); err != nil {
		return err
	}
	fmt.Printf("Subset saved to: %s\n", out)
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	out := previewOut
	if out == "" {
		out = strings.TrimSuffix(args[0], ".npz") + "_preview.jpg"
	}
	if err := preview(args[0], out, previewSubject); err != nil {
		return err
	}
	fmt.Printf("Preview saved to: %s\n", out)
	return nil
}

// preview renders the whole archive, or only the subject at index when it
// is not negative
func preview(in, out string, index int) error {
	var (
		d   *archive.Dataset
		err error
	)
	if index >= 0 {
		d, err = archive.ReadSubject(in, index)
	} else {
		d, err = archive.Read(in)
	}
	if err != nil {
		return err
	}
	if d.CTInputs == nil || d.Subjects() == 0 {
		return fmt.Errorf("%s holds no CT inputs", in)
	}
	return visualization.SaveGrid(out, d.CTInputs, d.CTLesion)
}
