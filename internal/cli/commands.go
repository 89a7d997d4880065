package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/api"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/journal"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/logger"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/metrics"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/orchestrator"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ============================================================================
// cancel
// ============================================================================

func buildCancelCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run started by another process",
		Long: `Cancel every open job array of the run (one scancel each) and send
SIGTERM to the governing process, which then marks the run cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return cancelRun(ctx, id, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "bound on the scheduler calls")
	return cmd
}

func cancelRun(ctx context.Context, id types.RunID, out io.Writer) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	runs, err := runstore.Open(cfg.Storage.BaseDir, log.Named("runstore"))
	if err != nil {
		return err
	}
	b, err := backend.NewCanceller(cfg, log)
	if err != nil {
		return err
	}
	if b != nil {
		defer b.Close()
	}

	outcome, err := orchestrator.CancelDetached(ctx, runs, b, id, log.Named("cancel"))
	if outcome != nil {
		for _, job := range outcome.Jobs {
			fmt.Fprintf(out, "cancelled job %s\n", job)
		}
		switch {
		case outcome.Signalled:
			fmt.Fprintf(out, "run %d: governing process notified\n", id)
		case outcome.Orphaned:
			fmt.Fprintf(out, "run %d: governing process gone, marked cancelled\n", id)
		}
	}
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Display run status",
		Long:  "Without arguments list every run under the base directory; with a run id show its phases",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			runs, err := runstore.Open(cfg.Storage.BaseDir, log.Named("runstore"))
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return listRuns(cmd.OutOrStdout(), cfg.Summary(), runs)
			}
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return showRun(cmd.OutOrStdout(), runs, id, events)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "dump the run journal")
	return cmd
}

func listRuns(w io.Writer, summary map[string]string, runs *runstore.Store) error {
	fmt.Fprintf(w, "mode=%s base_dir=%s error_policy=%s\n\n", summary["mode"], summary["base_dir"], summary["error_policy"])

	list, err := runs.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCALCULATION\tSTATE\tPHASE\tUPDATED")
	for _, r := range list {
		phase := "-"
		for _, p := range r.Phases {
			if p.State == types.PhasePending {
				break
			}
			phase = fmt.Sprintf("%s (%s)", p.Name, p.State)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Calculation, r.State, phase, formatMillis(r.UpdatedAt))
	}
	return tw.Flush()
}

func showRun(w io.Writer, runs *runstore.Store, id types.RunID, events bool) error {
	run, err := runs.Load(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run %d  %s  %s\n", run.ID, run.Calculation, run.State)
	fmt.Fprintf(w, "work dir: %s\n", run.WorkDir)
	fmt.Fprintf(w, "governing process: %s pid %d\n", run.Host, run.PID)
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tSTATE\tTASKS\tBACKEND\tJOB\tFAILED")
	for _, p := range run.Phases {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\n", p.Name, p.State, p.Tasks, dash(p.Backend), jobLabel(p), len(p.Failed))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, p := range run.Phases {
		if p.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", p.Name, p.Error)
		}
	}

	if events {
		fmt.Fprintln(w)
		return journal.Dump(layout.JournalPath(run.WorkDir), w)
	}
	return nil
}

// jobLabel 標出逾時後仍在執行的 job
func jobLabel(p runstore.PhaseRecord) string {
	if p.JobOpen {
		return p.JobID + " (running)"
	}
	return dash(p.JobID)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

// ============================================================================
// purge
// ============================================================================

func buildPurgeCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "purge <run-id>",
		Short: "Reclaim the storage of a finished run",
		Long:  "Remove the argument files of a finished run, or its whole working directory with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			runs, err := runstore.Open(cfg.Storage.BaseDir, log.Named("runstore"))
			if err != nil {
				return err
			}
			return purgeRun(cmd.OutOrStdout(), runs, argstore.New(argstore.WithLogger(log.Named("argstore"))), id, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove the whole working directory, run record included")
	return cmd
}

func purgeRun(w io.Writer, runs *runstore.Store, store *argstore.Store, id types.RunID, all bool) error {
	if all {
		if err := runs.Purge(id); err != nil {
			return err
		}
		fmt.Fprintf(w, "run %d removed\n", id)
		return nil
	}

	run, err := runs.Load(id)
	if err != nil {
		return err
	}
	if !run.State.Terminal() {
		return fmt.Errorf("run %d: %w (%s)", id, runstore.ErrRunActive, run.State)
	}
	size, err := store.DiskUsage(run.WorkDir)
	if err != nil {
		return err
	}
	if err := store.Purge(run.WorkDir); err != nil {
		return err
	}
	fmt.Fprintf(w, "run %d: %d bytes of argument files removed\n", id, size)
	return nil
}

// ============================================================================
// collect
// ============================================================================

func buildCollectCommand() *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
		output   string
	)

	cmd := &cobra.Command{
		Use:   "collect <run-id>...",
		Short: "Wait for several runs and merge their outputs",
		Long:  "Wait until every run is finished; fail if any of them did not complete, otherwise write the merged outputs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]types.RunID, 0, len(args))
			for _, a := range args {
				id, err := parseRunID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			runs, err := runstore.Open(cfg.Storage.BaseDir, log.Named("runstore"))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return collectRuns(ctx, cmd.OutOrStdout(), runs, ids, interval, output)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the merged JSON here instead of stdout")
	return cmd
}

func collectRuns(ctx context.Context, w io.Writer, runs *runstore.Store, ids []types.RunID, interval time.Duration, output string) error {
	c, err := runs.Collect(ctx, ids, interval)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if output == "" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d runs collected into %s\n", len(ids), output)
	return nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control API without running a calculation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr == "" {
				addr = cfg.API.Addr
			}
			runs, err := runstore.Open(cfg.Storage.BaseDir, log.Named("runstore"))
			if err != nil {
				return err
			}
			b, err := backend.NewCanceller(cfg, log)
			if err != nil {
				return err
			}
			if b != nil {
				defer b.Close()
			}
			srv, err := api.New(api.Options{Runs: runs, Backend: b, Metrics: metrics.NewCollector(), Log: log.Named("api")})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = srv.Serve(ctx, addr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Info("control API stopped", zap.Error(err))
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default api.addr from the config)")
	return cmd
}
