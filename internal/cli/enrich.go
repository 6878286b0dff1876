package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/truthforge/forge/internal/enrich"
	"github.com/truthforge/forge/internal/utils"
)

type enrichOptions struct {
	*RootOptions
	Mode           string
	Levels         string
	Source         string
	EntityIDsFile  string
	Limit          int
	Offset         int
	WriteBatchSize int
	ByteBudget     int
	DryRun         bool
}

func newEnrichCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &enrichOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enrich <pass>",
		Short: "Run one enrichment pass over the canonical store",
		Long: `Run one enrichment pass. Known passes:

  ` + strings.Join(enrich.PassNames(), ", ") + `

null-only fills gaps and never touches existing values; overwrite and
append recompute. --dry-run prints the selection SQL and the row count.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnrich(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(enrich.ModeNullOnly), "null-only, overwrite, or append")
	cmd.Flags().StringVar(&opts.Levels, "level", "", "level subset, e.g. 5,8 (default: all pass levels)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "restrict to one source")
	cmd.Flags().StringVar(&opts.EntityIDsFile, "entity-ids", "", "file with one entity id per line")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max rows to select")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "selection offset")
	cmd.Flags().IntVar(&opts.WriteBatchSize, "write-batch-size", 0, "rows per upsert batch")
	cmd.Flags().IntVar(&opts.ByteBudget, "byte-budget", 0, "flush a batch early past this many text bytes")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print selection SQL and count only")

	return cmd
}

func runEnrich(cmd *cobra.Command, opts *enrichOptions, pass string) error {
	mode := enrich.Mode(opts.Mode)
	switch mode {
	case enrich.ModeNullOnly, enrich.ModeOverwrite, enrich.ModeAppend:
	default:
		return NewExitError(ExitConfigError, fmt.Sprintf("unknown mode %q", opts.Mode))
	}
	levels, err := parseIntList(opts.Levels)
	if err != nil {
		return WrapExitError(ExitConfigError, "parse --level", err)
	}
	var entityIDs []string
	if opts.EntityIDsFile != "" {
		entityIDs, err = readLines(opts.EntityIDsFile)
		if err != nil {
			return WrapExitError(ExitConfigError, "read --entity-ids", err)
		}
	}

	store, err := openCanonical(opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := enrich.Deps{Store: store, Log: opts.Log}
	if endpoint := utils.GetEnv("MODEL_ENDPOINT", "", opts.Log); endpoint != "" {
		deps.Model = enrich.NewModelClient(endpoint)
	}

	runner := enrich.NewRunner(deps, dataRoot())
	report, err := runner.Run(cmd.Context(), enrich.RunOpts{
		Pass:           pass,
		Mode:           mode,
		Levels:         levels,
		Source:         opts.Source,
		EntityIDs:      entityIDs,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
		WriteBatchSize: opts.WriteBatchSize,
		ByteBudget:     opts.ByteBudget,
		DryRun:         opts.DryRun,
	})
	if err != nil {
		return WrapExitError(ExitRuntimeError, "enrichment run", err)
	}

	out := cmd.OutOrStdout()
	if report.DryRun {
		fmt.Fprintln(out, report.SelectionSQL)
		fmt.Fprintf(out, "would select %d rows\n", report.Selected)
		return nil
	}
	fmt.Fprintf(out, "pass=%s mode=%s selected=%d enriched=%d failed=%d retried=%d in %s\n",
		report.Pass, report.Mode, report.Selected, report.Enriched, report.Failed,
		report.Retried, report.Duration)
	if report.Failed > 0 {
		fmt.Fprintf(out, "%d records quarantined under %s/dlq\n", report.Failed, dataRoot())
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
