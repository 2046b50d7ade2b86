package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"maskbatch/internal/batch"
	"maskbatch/internal/caselist"
	"maskbatch/internal/config"
	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/notifications"
	"maskbatch/internal/preflight"
	"maskbatch/internal/processing"
	"maskbatch/internal/remote"
	"maskbatch/internal/services"
)

type runFlags struct {
	dryRun        bool
	forceRun      bool
	skipPreflight bool
	caselist      string
	group         string
	remoteRoot    string
	batchSize     int
	startIndex    int
	endIndex      int
	workers       int
	maxAttempts   int
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the case list in batches",
		Long: `Process the case list in batches: stage each subject from remote storage,
run the masking pipeline, upload the outputs, and record every outcome in the
processed log.

Runs are dry by default unless the configuration sets dry_run = false or
--force-run is given. A dry run reports what a live run would do without
touching remote storage or local state.`,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(ctx.configPath(), &flags, cmd.Flags())
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, runErr := executeRun(runCtx, cfg, uuid.NewString(), flags.skipPreflight)
			if ctx.JSONMode() {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else if report.RunID != "" {
				printRunReport(cmd.OutOrStdout(), report)
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Plan the run without changing anything")
	cmd.Flags().BoolVar(&flags.forceRun, "force-run", false, "Perform a live run even when dry_run is set")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "force-run")
	cmd.Flags().BoolVar(&flags.skipPreflight, "skip-preflight", false, "Do not abort a live run on failed preflight checks")
	cmd.Flags().StringVar(&flags.caselist, "caselist", "", "Override caselist_file")
	cmd.Flags().StringVar(&flags.group, "group", "", "Override group_name")
	cmd.Flags().StringVar(&flags.remoteRoot, "remote-root", "", "Override remote_root")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "Override batch_size")
	cmd.Flags().IntVar(&flags.startIndex, "start-index", 0, "Override start_index (1-based)")
	cmd.Flags().IntVar(&flags.endIndex, "end-index", 0, "Override end_index (1-based, inclusive)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Override workers")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", 0, "Override max_attempts")
	return cmd
}

// loadRunConfig parses the configuration, applies flag overrides, and
// validates the result.
func loadRunConfig(path string, flags *runFlags, set *pflag.FlagSet) (*config.Config, error) {
	cfg, _, _, err := config.Parse(path)
	if err != nil {
		return nil, err
	}
	if set.Changed("dry-run") {
		cfg.DryRun = true
	}
	if set.Changed("force-run") {
		cfg.DryRun = false
	}
	if set.Changed("caselist") {
		cfg.CaselistFile = flags.caselist
	}
	if set.Changed("group") {
		cfg.GroupName = flags.group
	}
	if set.Changed("remote-root") {
		cfg.RemoteRoot = flags.remoteRoot
	}
	if set.Changed("batch-size") {
		cfg.BatchSize = flags.batchSize
	}
	if set.Changed("start-index") {
		cfg.StartIndex = flags.startIndex
	}
	if set.Changed("end-index") {
		cfg.EndIndex = flags.endIndex
	}
	if set.Changed("workers") {
		cfg.Workers = flags.workers
	}
	if set.Changed("max-attempts") {
		cfg.MaxAttempts = flags.maxAttempts
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	if !cfg.DryRun {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// executeRun wires the controller's dependencies from cfg and runs it.
func executeRun(ctx context.Context, cfg *config.Config, runID string, skipPreflight bool) (batch.Report, error) {
	runLog := ""
	if !cfg.DryRun {
		runLog = logging.RunLogPath(cfg, runID)
	}
	logger, logs, err := logging.NewFromConfig(cfg, runLog)
	if err != nil {
		return batch.Report{}, fmt.Errorf("init logger: %w", err)
	}
	defer logs.Close() //nolint:errcheck
	logging.PruneRunLogs(logger, cfg.Logging.Dir, cfg.Logging.RetentionDays, runLog)

	if err := checkPreflight(ctx, cfg, logger, skipPreflight); err != nil {
		return batch.Report{}, err
	}

	if !cfg.DryRun {
		lock, err := ledger.AcquireLock(cfg.LockPath())
		if err != nil {
			return batch.Report{}, err
		}
		defer lock.Release() //nolint:errcheck
	}

	store, err := remote.Open(ctx, cfg, logger)
	if err != nil {
		return batch.Report{}, err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	processed, err := ledger.Open(cfg)
	if err != nil {
		return batch.Report{}, fmt.Errorf("open processed log: %w", err)
	}
	defer processed.Close()

	cases, err := caselist.Load(cfg.CaselistFile, cfg.StartIndex, cfg.EndIndex)
	if err != nil {
		return batch.Report{}, services.Wrap(services.ErrConfiguration, "run", "load caselist", cfg.CaselistFile, err)
	}
	if err := cases.Require(); err != nil {
		return batch.Report{}, services.Wrap(services.ErrConfiguration, "run", "load caselist", cfg.CaselistFile, err)
	}
	for _, dup := range cases.Duplicates() {
		logger.Warn("duplicate case list entry ignored",
			logging.String(logging.FieldSubject, dup.Value),
			logging.Int("line", dup.Line),
		)
	}

	invoker, err := processing.New(processing.OptionsFromConfig(cfg), logger)
	if err != nil {
		return batch.Report{}, services.Wrap(services.ErrConfiguration, "run", "processing", "invalid [processing] settings", err)
	}

	notifier, err := notifications.NewService(ctx, cfg, logger)
	if err != nil {
		return batch.Report{}, services.Wrap(services.ErrConfiguration, "run", "notifications", "invalid [notifications] settings", err)
	}
	defer notifier.Close()

	ctrl, err := batch.New(batch.OptionsFromConfig(cfg, runID), batch.Dependencies{
		Remote:   store,
		Cases:    cases,
		Invoker:  invoker,
		Ledger:   processed,
		TempLog:  ledger.NewFileTempLog(cfg.TempLogLoc),
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return batch.Report{}, err
	}
	return ctrl.Run(ctx)
}

// checkPreflight logs failed checks. Required failures abort a live run
// unless skip is set; dry runs only warn.
func checkPreflight(ctx context.Context, cfg *config.Config, logger *slog.Logger, skip bool) error {
	failed := preflight.Failed(preflight.RunAll(ctx, cfg))
	for _, r := range failed {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run 'maskbatch preflight' for the full report"),
		)
	}
	if len(failed) == 0 || cfg.DryRun || skip {
		return nil
	}
	return services.Wrap(services.ErrConfiguration, "run", "preflight", "", preflightError(failed))
}

func printRunReport(out io.Writer, report batch.Report) {
	if report.DryRun {
		rows := make([][]string, 0, len(report.Plan))
		for _, p := range report.Plan {
			action := p.Action
			if p.Detail != "" && p.Action != batch.PlanProcess {
				action += " (" + p.Detail + ")"
			}
			rows = append(rows, []string{strconv.Itoa(p.Batch), p.Subject, action, strconv.Itoa(p.Attempts), p.RemoteSource, p.RemoteDest})
		}
		if len(rows) > 0 {
			fmt.Fprint(out, renderTable(tableSpec{
				Headers: []string{"Batch", "Subject", "Action", "Attempts", "Source", "Destination"},
				Rows:    rows,
				Aligns:  []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			}))
		}
		fmt.Fprintf(out, "Dry run %s: %d subjects planned, %d already uploaded; nothing was changed\n",
			report.RunID, len(report.Plan), report.Skipped)
	} else {
		fmt.Fprintf(out, "Run %s: %d uploaded, %d failed, %d skipped in %s\n",
			report.RunID, report.Uploaded, report.Failed, report.Skipped, report.Elapsed.Truncate(time.Second))
		if report.Reconciled > 0 {
			fmt.Fprintf(out, "Reconciled %d entries from an interrupted run\n", report.Reconciled)
		}
	}
	for _, id := range report.Exhausted {
		fmt.Fprintf(out, "Retry budget exhausted: %s\n", id)
	}
}
