package backend

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/config"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/jobarray"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
)

// New builds the backend selected by cfg.Distribution.Mode. runner is only
// used by the in-process variant.
func New(cfg *config.Config, runner *worker.Runner, store *argstore.Store, log *zap.Logger) (Backend, error) {
	opts := Options{Store: store, AwaitTimeout: cfg.Phase.AwaitTimeout, Log: log.Named(cfg.Distribution.Mode)}
	workers := cfg.Distribution.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	switch cfg.Distribution.Mode {
	case config.ModeInProcess:
		return NewInProcess(runner, workers, opts)

	case config.ModeProcessPool:
		return NewProcess(ProcessOptions{
			Options:     opts,
			Interpreter: cfg.Distribution.Interpreter,
			Workers:     workers,
			KillGrace:   cfg.Phase.KillGrace,
		})

	case config.ModeSlurm:
		ch, err := NewChannel(cfg, log)
		if err != nil {
			return nil, err
		}
		return newCluster(cfg, opts, ch, log)

	default:
		return nil, fmt.Errorf("%w: distribution.mode %q", config.ErrInvalidConfig, cfg.Distribution.Mode)
	}
}

// NewCanceller builds the backend `oqdist cancel` uses to stop job arrays of
// a run owned by another process. Only the slurm mode has jobs that outlive
// their governing process; the other modes return nil. With the grpc
// transport the broker belongs to the governing process, so the cancel
// marker goes to the shared-filesystem channel instead, which no one reads.
func NewCanceller(cfg *config.Config, log *zap.Logger) (Backend, error) {
	if cfg.Distribution.Mode != config.ModeSlurm {
		return nil, nil
	}
	opts := Options{AwaitTimeout: cfg.Phase.AwaitTimeout, Log: log.Named(cfg.Distribution.Mode)}
	var ch resultchan.Channel
	if cfg.Channel.Transport == "grpc" {
		ch = resultchan.NewFileChannel(resultchan.ResultsDirUnder(cfg.Storage.BaseDir))
	} else {
		var err error
		if ch, err = NewChannel(cfg, log); err != nil {
			return nil, err
		}
	}
	return newCluster(cfg, opts, ch, log)
}

func newCluster(cfg *config.Config, opts Options, ch resultchan.Channel, log *zap.Logger) (*Cluster, error) {
	interpreter := cfg.Distribution.Interpreter
	if interpreter == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("backend: locate worker executable: %w", err)
		}
		interpreter = exe
	}
	tmpl, err := jobarray.LoadTemplate(cfg.Slurm.Template)
	if err != nil {
		return nil, err
	}
	return NewCluster(ClusterOptions{
		Options:   opts,
		Scheduler: jobarray.NewSlurm(jobarray.ExecRunner{}, cfg.Slurm.Sbatch, cfg.Slurm.Scancel, log.Named("slurm")),
		Template:  tmpl,
		Script: jobarray.ScriptConfig{
			Interpreter:     interpreter,
			Partition:       cfg.Slurm.Partition,
			TimeLimit:       cfg.Slurm.TimeLimit,
			MemPerTask:      cfg.Slurm.MemPerTask,
			CPUsPerTask:     cfg.Slurm.CPUsPerTask,
			MaxParallel:     cfg.Slurm.MaxParallel,
			ExtraDirectives: cfg.Slurm.ExtraDirectives,
		},
		Channel: ch,
	})
}

// NewChannel opens the cross-node result channel of cfg.Channel.Transport.
func NewChannel(cfg *config.Config, log *zap.Logger) (resultchan.Channel, error) {
	log = log.Named("resultchan")
	switch cfg.Channel.Transport {
	case "file":
		return resultchan.NewFileChannel(resultchan.ResultsDirUnder(cfg.Storage.BaseDir),
			resultchan.WithScanInterval(cfg.Channel.ScanInterval),
			resultchan.WithFileLogger(log)), nil
	case "redis":
		return resultchan.DialRedis(cfg.Channel.RedisAddr, "", resultchan.WithRedisLogger(log))
	case "grpc":
		return resultchan.ListenGRPC(resultchan.NewBroker(log), cfg.Channel.GRPCAddr, log)
	default:
		return nil, fmt.Errorf("%w: channel.transport %q", config.ErrInvalidConfig, cfg.Channel.Transport)
	}
}
