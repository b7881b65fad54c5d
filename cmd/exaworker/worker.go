package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/cuemby/exaworker/pkg/client"
	"github.com/cuemby/exaworker/pkg/jobs"
	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/security"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/cuemby/exaworker/pkg/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker daemon on one port",
	Long: `Run a worker daemon bound to --port.

The worker registers itself in the datastore, serves its control plane and
polls for assigned jobs until it is asked to shut down. Starting a second
worker on a port owned by a live worker is a silent no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wtype, _ := cmd.Flags().GetString("type")
		return runWorker(cmd, types.WorkerType(wtype))
	},
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a proxy worker that forwards jobs to the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd, types.WorkerTypeProxy)
	},
}

func init() {
	for _, c := range []*cobra.Command{workerCmd, proxyCmd} {
		c.Flags().Int("port", 0, "Control-plane port (required)")
		c.Flags().Bool("daemon", false, "Log to the per-port worker log file")
		c.Flags().Bool("detach", false, "Re-launch in a new session and return immediately")
		_ = c.MarkFlagRequired("port")
	}
	workerCmd.Flags().String("type", string(types.WorkerTypeWorker), "Worker type (worker, monitor, supervisor, ...)")
}

func runWorker(cmd *cobra.Command, wtype types.WorkerType) error {
	port, _ := cmd.Flags().GetInt("port")
	daemonize, _ := cmd.Flags().GetBool("daemon")
	detach, _ := cmd.Flags().GetBool("detach")

	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var logOut io.Writer = os.Stdout
	if daemonize {
		f, err := log.InitFile(logConfig(cmd), cfg.WorkerLogPath(port))
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	logger := log.WithPort(port)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := jobs.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build job registry: %w", err)
	}
	proc, err := process.NewOSManager()
	if err != nil {
		return err
	}

	opts := worker.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Store:      store,
		Port:       port,
		Type:       wtype,
		Registry:   registry,
		Process:    proc,
		LogOutput:  logOut,
		Reaper:     process.ReapZombies,
	}
	if wtype == types.WorkerTypeProxy && cfg.Proxy.CoordinatorURL != "" {
		opts.Coordinator = client.NewCoordinatorClient(cfg.Proxy.CoordinatorURL, cfg.Admin.User, cfg.Admin.Password, nil)
	}

	if !detach {
		cert, err := security.EnsureServerCert(cfg.CertDir)
		if err != nil {
			return err
		}
		opts.TLS = security.ServerTLSConfig(cert)
	}

	d, err := worker.NewDaemon(opts)
	if err != nil {
		return err
	}

	// jobs never see the signal: it only stops the loop after the current one
	ctx := context.Background()
	stop := d.ShutdownOnSignal(syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if detach {
		if err := d.CheckRunning(ctx); errors.Is(err, worker.ErrAlreadyRunning) {
			return nil
		}
		pid, err := process.Detach(detachedArgs(os.Args[1:]))
		if err != nil {
			return err
		}
		fmt.Printf("Worker started on port %d (pid %d)\n", port, pid)
		return nil
	}

	if err := process.BecomeSubreaper(); err != nil {
		logger.Warn().Err(err).Msg("Orphaned job processes will not be reparented to the worker")
	}

	if err := d.Startup(ctx); err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			logger.Debug().Msg("Worker already running, nothing to do")
			return nil
		}
		return err
	}
	logger.Info().Str("type", string(wtype)).Int("pid", os.Getpid()).Msg("Worker started")

	runErr := d.Run(ctx)
	if err := d.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Worker shutdown incomplete")
	}
	process.ReapZombies()
	logger.Info().Msg("Worker stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// detachedArgs rewrites the command line for the detached child: no
// --detach, and --daemon so it logs to its file.
func detachedArgs(args []string) []string {
	out := make([]string, 0, len(args)+1)
	daemon := false
	for _, a := range args {
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		if a == "--daemon" || strings.HasPrefix(a, "--daemon=") {
			daemon = true
		}
		out = append(out, a)
	}
	if !daemon {
		out = append(out, "--daemon")
	}
	return out
}
