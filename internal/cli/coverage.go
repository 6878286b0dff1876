package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/truthforge/forge/internal/enrich"
)

type coverageOptions struct {
	*RootOptions
	Expand     bool
	TargetPct  float64
	Priorities string
	Format     string
	DryRun     bool
}

func newCoverageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &coverageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Report enrichment coverage, optionally expanding toward a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoverage(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Expand, "expand", false, "create enrichment shells toward --target-pct")
	cmd.Flags().Float64Var(&opts.TargetPct, "target-pct", 0, "coverage target percentage for --expand")
	cmd.Flags().StringVar(&opts.Priorities, "priorities", "", "expansion ladder, e.g. 4:imessage,5:")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "text or table")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report expansion candidates without creating rows")

	return cmd
}

func runCoverage(cmd *cobra.Command, opts *coverageOptions) error {
	if opts.Format != "text" && opts.Format != "table" {
		return NewExitError(ExitConfigError, fmt.Sprintf("unknown format %q", opts.Format))
	}
	if opts.Expand && opts.TargetPct <= 0 {
		return NewExitError(ExitConfigError, "--expand requires --target-pct > 0")
	}

	store, err := openCanonical(opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()
	out := cmd.OutOrStdout()

	if opts.Expand {
		priorities, err := enrich.ParsePriorities(opts.Priorities)
		if err != nil {
			return WrapExitError(ExitConfigError, "parse --priorities", err)
		}
		expander := enrich.NewExpander(store, opts.Log)
		rep, err := expander.Expand(cmd.Context(), opts.TargetPct, priorities, opts.DryRun)
		if err != nil {
			return WrapExitError(ExitRuntimeError, "coverage expansion", err)
		}
		if rep.DryRun {
			fmt.Fprintf(out, "coverage %.1f%% -> target %.1f%%: %d candidates (dry run)\n",
				rep.StartPct, rep.TargetPct, rep.Candidates)
		} else {
			fmt.Fprintf(out, "coverage %.1f%% -> %.1f%% (target %.1f%%): %d shells created\n",
				rep.StartPct, rep.EndPct, rep.TargetPct, rep.Created)
		}
		return nil
	}

	monitor := enrich.NewMonitor(store)
	rep, err := monitor.Report(cmd.Context())
	if err != nil {
		return WrapExitError(ExitRuntimeError, "coverage report", err)
	}
	if opts.Format == "table" {
		return rep.WriteTable(out)
	}
	return rep.WriteText(out)
}
