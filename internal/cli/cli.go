// ============================================================================
// oqdist CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the governing process, the workers and operators
//
// Command Structure:
//   oqdist                           # Root command
//   ├── run                          # Run the classical demo calculation
//   │   └── --job, -j               # Job YAML (default: built-in demo job)
//   ├── worker                       # Execute one task (invoked by backends)
//   │   └── --operation             # Phase name
//   ├── cancel <run-id>              # Cancel job arrays, signal governing process
//   ├── status [run-id]              # List runs or show one
//   │   └── --events                # Dump the run journal
//   ├── purge <run-id>               # Reclaim argument files
//   │   └── --all                   # Remove the whole working directory
//   ├── collect <run-id>...          # Wait for runs, merge their outputs
//   ├── serve                        # Control API only
//   └── --config, -c                # Config file (default configs/default.yaml)
//
// Configuration:
//   YAML file overlaid on config.Default(), then OQ_DISTRIBUTE,
//   OQ_INTERPRETER and OQ_DATADIR from the environment.
//
// run Command:
//   1. Load config, initialise the logger
//   2. Build worker registry, argument store, backend, run store
//   3. Start metrics server and control API (if enabled)
//   4. Run the calculation through the orchestrator
//   5. On SIGINT/SIGTERM abort the run: the open job is cancelled and the
//      run ends cancelled
//
//   Examples:
//     oqdist run
//     OQ_DISTRIBUTE=slurm oqdist run -j job.yaml
//
// worker Command:
//   oqdist worker --operation classical /scratch/oq/calc_17 3
//   Reads the argument file, runs the operation, publishes exactly one
//   result message. Exits non-zero when the task failed.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/api"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/calc"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/config"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/logger"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/metrics"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/orchestrator"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oqdist",
		Short: "oqdist: phase-based task distribution for hazard calculations",
		Long: `oqdist fans each phase of a calculation out as independent tasks:
- in-process goroutines, local worker processes or a Slurm job array
- arguments in a shared working directory, results over a typed channel
- one run at a time, phases strictly in order`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPurgeCommand())
	rootCmd.AddCommand(buildCollectCommand())
	rootCmd.AddCommand(buildServeCommand())

	return rootCmd
}

// loadConfig reads the config and installs the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.Init(&cfg.Log), nil
}

func newRegistry() (*worker.Registry, error) {
	reg := worker.NewRegistry()
	if err := calc.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func parseRunID(s string) (types.RunID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return types.RunID(n), nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a calculation and wait for it to finish",
		Long:  "Run the classical demo calculation through the configured distribution backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalculation(cmd.Context(), jobFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "job", "j", "", "job YAML file (default: built-in demo job)")
	return cmd
}

func runCalculation(ctx context.Context, jobFile string, out io.Writer) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	job := calc.DefaultJob()
	if jobFile != "" {
		if job, err = calc.LoadJob(jobFile); err != nil {
			return err
		}
	}
	calculation, err := calc.Classical(job)
	if err != nil {
		return err
	}

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	store := argstore.New(argstore.WithLogger(log.Named("argstore")))
	runner := worker.NewRunner(store, reg, log.Named("worker"))
	b, err := backend.New(cfg, runner, store, log)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	defer b.Close()

	runs, err := runstore.Open(cfg.Storage.BaseDir, log.Named("runstore"))
	if err != nil {
		return err
	}
	collector := metrics.NewCollector()
	orch, err := orchestrator.New(orchestrator.Options{
		Backend:         b,
		Runs:            runs,
		Policy:          orchestrator.Policy(cfg.Phase.ErrorPolicy),
		CancelOnTimeout: cfg.Phase.CancelOnTimeout,
		Metrics:         collector,
		Log:             log.Named("orchestrator"),
	})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	startSidecars(ctx, cfg, api.Options{Runs: runs, Orchestrator: orch, Backend: b, Metrics: collector, Log: log.Named("api")}, log)

	log.Info("starting calculation",
		zap.String("calculation", calculation.Name),
		zap.String("mode", cfg.Distribution.Mode),
		zap.String("base_dir", cfg.Storage.BaseDir),
		zap.String("error_policy", cfg.Phase.ErrorPolicy))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Warn("received signal, aborting run", zap.Stringer("signal", sig))
			abortCtx, cancel := context.WithTimeout(context.Background(), cfg.Phase.KillGrace+time.Minute)
			defer cancel()
			if err := orch.AbortAll(abortCtx); err != nil {
				log.Error("abort failed", zap.Error(err))
			}
		case <-ctx.Done():
		}
	}()

	report, err := orch.Run(ctx, calculation)
	if report != nil {
		printReport(out, report)
	}
	return err
}

// startSidecars starts the metrics server and the control API when enabled.
// Both stop with ctx.
func startSidecars(ctx context.Context, cfg *config.Config, opts api.Options, log *zap.Logger) {
	if cfg.Metrics.Enabled {
		go func() {
			log.Info("starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := opts.Metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}
	if cfg.API.Enabled {
		srv, err := api.New(opts)
		if err != nil {
			log.Error("control API disabled", zap.Error(err))
			return
		}
		go func() {
			if err := srv.Serve(ctx, cfg.API.Addr); err != nil {
				log.Error("control API error", zap.Error(err))
			}
		}()
	}
}

func printReport(w io.Writer, report *orchestrator.Report) {
	run := report.Run
	fmt.Fprintf(w, "run %d (%s): %s\n", run.ID, run.Calculation, run.State)
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	if job := report.Outstanding; job != nil {
		if job.Backend == config.ModeSlurm {
			fmt.Fprintf(w, "  phase %s timed out, %s job %s is still running (oqdist cancel %d stops it)\n",
				job.Phase, job.Backend, job.ID, run.ID)
		} else {
			// 本地 backend 在 Close 時停止自己的任務
			fmt.Fprintf(w, "  phase %s timed out, %s job %s is stopped on exit\n", job.Phase, job.Backend, job.ID)
		}
	}
	for _, p := range report.Phases {
		fmt.Fprintf(w, "  %-14s %3d tasks  %v wall\n", p.Name, p.Performance.Tasks, p.Performance.TotalWall.Round(time.Millisecond))
	}
	if len(report.Phases) == 0 || run.State != types.RunCompleted {
		return
	}
	last := report.Phases[len(report.Phases)-1]
	if last.Name != calc.PhasePostclassical {
		return
	}
	curve, err := calc.CurveOf(last.Reduced)
	if err != nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  PGA [g]\tPoE")
	for i, l := range curve.Levels {
		fmt.Fprintf(tw, "  %g\t%.4e\n", l, curve.Poes[i])
	}
	tw.Flush()
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var operation string

	cmd := &cobra.Command{
		Use:   "worker <workdir> <index>",
		Short: "Execute one task and publish its result",
		Long: `Executed by the processpool and slurm backends on the worker side.
Exits with status 0 after publishing an ok result, non-zero otherwise.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil || index < 1 {
				return fmt.Errorf("invalid task index %q", args[1])
			}
			return runWorker(cmd.Context(), operation, args[0], types.TaskIndex(index))
		},
	}

	cmd.Flags().StringVar(&operation, "operation", "", "phase to execute")
	cmd.MarkFlagRequired("operation")
	return cmd
}

func runWorker(ctx context.Context, operation, workDir string, index types.TaskIndex) error {
	// worker 沒有 config 檔也要能執行，只取日誌設定
	cfg, err := config.Load(configFile)
	if err != nil {
		cfg = config.Default()
	}
	log := logger.Init(&cfg.Log).With(zap.String("operation", operation), zap.Int("index", int(index)))
	defer logger.Sync()

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := worker.NewRunner(argstore.New(argstore.WithLogger(log)), reg, log)
	return runner.RunRemote(ctx, workDir, operation, index)
}
