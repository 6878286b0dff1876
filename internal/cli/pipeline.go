package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/truthforge/forge/internal/config"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/pipeline/stages"
	"github.com/truthforge/forge/internal/utils"
)

type pipelineOptions struct {
	*RootOptions
	ConfigPath  string
	SourceDir   string
	StartStage  int
	EndStage    int
	Stages      string
	DryRun      bool
	RunID       string
	StopOnError bool
}

func newPipelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &pipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the ingestion pipeline",
		Long: `Run the staged ingestion pipeline described by the YAML config.

A failed run prints the first failed stage and a resume hint; rerunning
with the same --run-id skips stages that already succeeded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "pipeline YAML config (required)")
	cmd.Flags().StringVar(&opts.SourceDir, "source-dir", "", "root of the raw source exports (required)")
	cmd.Flags().IntVar(&opts.StartStage, "start-stage", -1, "first stage to run (inclusive)")
	cmd.Flags().IntVar(&opts.EndStage, "end-stage", -1, "last stage to run (inclusive)")
	cmd.Flags().StringVar(&opts.Stages, "stages", "", "explicit stage list, e.g. 0,1,3 (overrides the range)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the stage plan without executing")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "resume a previous run by id")
	cmd.Flags().BoolVar(&opts.StopOnError, "stop-on-error", false, "stop at the first failed stage even outside gates")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("source-dir")

	return cmd
}

func runPipeline(cmd *cobra.Command, opts *pipelineOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitConfigError, "load pipeline config", err)
	}
	stageList, err := parseIntList(opts.Stages)
	if err != nil {
		return WrapExitError(ExitConfigError, "parse --stages", err)
	}

	store, err := openCanonical(opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	env := utils.GetEnv("FORGE_ENV", "development", opts.Log)
	runner := pipeline.NewRunner(store, cfg, opts.SourceDir, dataRoot(), env, opts.Log)
	stages.RegisterAll(runner)

	report, err := runner.Run(cmd.Context(), pipeline.RunOpts{
		RunID:       opts.RunID,
		StartStage:  opts.StartStage,
		EndStage:    opts.EndStage,
		Stages:      stageList,
		DryRun:      opts.DryRun,
		StopOnError: opts.StopOnError,
	})
	if err != nil {
		var sandboxErr *pipeline.SandboxError
		var cfgErr *config.ConfigError
		if errors.As(err, &sandboxErr) || errors.As(err, &cfgErr) {
			return WrapExitError(ExitConfigError, "pipeline rejected", err)
		}
		return WrapExitError(ExitRuntimeError, "pipeline run", err)
	}

	out := cmd.OutOrStdout()
	for _, res := range report.Results {
		fmt.Fprintf(out, "%-28s %-9s in=%-7d out=%-7d errors=%-5d %s\n",
			res.Stage, res.Status, res.RecordsIn, res.RecordsOut, res.ErrorCount, res.Duration)
	}
	fmt.Fprintf(out, "run %s: %s\n", report.RunID, report.Status)

	if report.Status == pipeline.StatusFailed {
		return NewExitError(ExitRuntimeError, fmt.Sprintf(
			"stage %d failed; resume with --run-id %s", report.FirstFailed, report.RunID))
	}
	return nil
}
