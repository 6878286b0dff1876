// Package cli holds the forge command tree: pipeline, enrich, coverage,
// and sync.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/store/canonical"
	"github.com/truthforge/forge/internal/utils"
)

// RootOptions carries global flags plus the shared logger.
type RootOptions struct {
	Verbose bool
	Log     *logger.Logger
}

// NewRootCommand builds the forge command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "forge",
		Short:         "Cross-source personal-data ingestion and multi-store sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; explicit env always wins.
			_ = godotenv.Load()
			mode := utils.GetEnv("APP_ENV", "development", nil)
			if opts.Verbose {
				mode = "development"
			}
			log, err := logger.New(mode)
			if err != nil {
				return WrapExitError(ExitConfigError, "init logger", err)
			}
			opts.Log = log
			metrics.Init(log)
			return nil
		},
	}
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newPipelineCommand(opts))
	cmd.AddCommand(newEnrichCommand(opts))
	cmd.AddCommand(newCoverageCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	return cmd
}

// Execute runs the tree and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// dataRoot is where the canonical store, DLQ, and run artifacts live.
func dataRoot() string {
	return utils.GetEnv("FORGE_ROOT", "data", nil)
}

func openCanonical(opts *RootOptions) (*canonical.Store, error) {
	path := utils.GetEnv("FORGE_DB_PATH", dataRoot()+"/forge.duckdb", opts.Log)
	store, err := canonical.Open(path, opts.Log)
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "open canonical store", err)
	}
	return store, nil
}

func parseIntList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(part, "%d", &n); err != nil {
			return nil, fmt.Errorf("not a number: %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
