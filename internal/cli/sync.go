package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/truthforge/forge/internal/crm"
	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/enrich"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/server"
	"github.com/truthforge/forge/internal/store/satellite"
	syncsvc "github.com/truthforge/forge/internal/sync"
	"github.com/truthforge/forge/internal/utils"
)

func newSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run and inspect the multi-store sync core",
	}
	cmd.AddCommand(newSyncStartCommand(rootOpts))
	cmd.AddCommand(newSyncStatusCommand(rootOpts))
	cmd.AddCommand(newSyncResolveConflictCommand(rootOpts))
	cmd.AddCommand(newSyncResolveErrorCommand(rootOpts))
	return cmd
}

type syncStartOptions struct {
	*RootOptions
	NoBus    bool
	NoPoller bool
	Interval time.Duration
	Admin    string
}

func newSyncStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &syncStartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync coordinator and admin endpoint",
		Long: `Start the sync core: change capture, the event bus, the polling
sweep, and the admin endpoint. Satellites and the CRM are configured
through the environment (POSTGRES_DSN, SQLITE_PATH, TWENTY_BASE_URL,
TWENTY_API_KEY, REDIS_ADDR); an unset destination is skipped.

Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncStart(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoBus, "no-bus", false, "disable the real-time event bus")
	cmd.Flags().BoolVar(&opts.NoPoller, "no-poller", false, "disable the polling sweep")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 5*time.Minute, "polling sweep interval")
	cmd.Flags().StringVar(&opts.Admin, "admin", ":8787", "admin listen address")

	return cmd
}

func runSyncStart(cmd *cobra.Command, opts *syncStartOptions) error {
	log := opts.Log
	store, err := openCanonical(opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	var alerter syncsvc.Alerter
	if utils.GetEnv("REDIS_ADDR", "", nil) != "" {
		alerter, err = syncsvc.NewRedisAlerter(log)
		if err != nil {
			log.Warn("alert channel unavailable, continuing without alerts", "error", err)
			alerter = nil
		} else {
			defer alerter.Close()
		}
	}
	reporter := syncsvc.NewReporter(store, alerter, log)

	var relational, embedded syncsvc.Satellite
	var sources []syncsvc.Satellite
	if dsn := utils.GetEnv("POSTGRES_DSN", "", nil); dsn != "" {
		db, err := satellite.OpenPostgres(dsn, log)
		if err != nil {
			return WrapExitError(ExitConfigError, "open relational satellite", err)
		}
		defer db.Close()
		relational = db
		sources = append(sources, db)
	}
	if path := utils.GetEnv("SQLITE_PATH", "", nil); path != "" {
		db, err := satellite.OpenSQLite(path, log)
		if err != nil {
			return WrapExitError(ExitConfigError, "open embedded satellite", err)
		}
		defer db.Close()
		embedded = db
		sources = append(sources, db)
	}
	var crmClient syncsvc.CRMClient
	if base := utils.GetEnv("TWENTY_BASE_URL", "", nil); base != "" {
		crmClient = crm.NewClient(base, utils.GetEnv("TWENTY_API_KEY", "", nil), log)
	}

	fanout := syncsvc.NewFanout(store, relational, embedded, crmClient, reporter, log)
	resolver := syncsvc.NewResolver(store, log)
	inbound := syncsvc.NewInbound(store, resolver, fanout, reporter, log)

	var bus *syncsvc.Bus
	if !opts.NoBus {
		bus = syncsvc.NewBus(reporter, log)
		dispatcher := syncsvc.NewDispatcher(store, fanout, reporter, log)
		dispatcher.Register(bus)
	}
	var poller *syncsvc.Poller
	if !opts.NoPoller {
		poller = syncsvc.NewPoller(store, fanout, inbound, sources, reporter, log)
		poller.SetInterval(opts.Interval)
	}
	cdc := syncsvc.NewCDC(store, bus, reporter, log)
	coordinator := syncsvc.NewCoordinator(cdc, bus, poller, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator.Start(ctx)
	defer coordinator.Stop()
	metrics.Current().StartDLQCollector(ctx, log, dataRoot(), dlqStages())

	admin := server.New(server.Config{
		Coordinator: coordinator,
		Metrics:     metrics.Current(),
		Log:         log,
	})
	if err := admin.Start(ctx, opts.Admin); err != nil {
		return WrapExitError(ExitRuntimeError, "admin server", err)
	}
	return nil
}

// dlqStages names every queue the depth collector watches.
func dlqStages() []string {
	stages := make([]string, 0, len(enrich.PassNames()))
	for _, pass := range enrich.PassNames() {
		stages = append(stages, "enrichment_"+pass)
	}
	return stages
}

type syncStatusOptions struct {
	*RootOptions
	Kind string
	ID   string
}

func newSyncStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &syncStatusOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the change-log status of one entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCanonical(opts.RootOptions)
			if err != nil {
				return err
			}
			defer store.Close()
			st, err := store.GetSyncStatus(cmd.Context(), opts.Kind, opts.ID)
			if err != nil {
				return WrapExitError(ExitRuntimeError, "sync status", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", domain.KindContact, "entity kind")
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSyncResolveConflictCommand(rootOpts *RootOptions) *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "resolve-conflict <conflict-id>",
		Short: "Mark a pending conflict resolved or ignored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCanonical(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()
			resolver := syncsvc.NewResolver(store, rootOpts.Log)
			if err := resolver.MarkResolved(cmd.Context(), args[0], status, notes); err != nil {
				return WrapExitError(ExitRuntimeError, "resolve conflict", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conflict %s marked %s\n", args[0], status)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.ConflictResolved, "resolved or ignored")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func newSyncResolveErrorCommand(rootOpts *RootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve-error <error-id>",
		Short: "Mark an error-log row resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCanonical(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()
			reporter := syncsvc.NewReporter(store, nil, rootOpts.Log)
			if err := reporter.Resolve(cmd.Context(), args[0], notes); err != nil {
				return WrapExitError(ExitRuntimeError, "resolve error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "error %s resolved\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}
