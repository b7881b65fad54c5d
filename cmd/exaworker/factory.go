package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/exaworker/pkg/client"
	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/events"
	"github.com/cuemby/exaworker/pkg/factory"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/security"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/spf13/cobra"
)

var factoryCmd = &cobra.Command{
	Use:   "factory",
	Short: "Start, reconcile and stop the worker pool",
}

var factoryInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Reconcile the pool and start the missing workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		return withFactory(cmd, func(ctx context.Context, f *factory.Factory) error {
			ports, err := f.InitFactory(ctx, count)
			for _, p := range ports {
				fmt.Printf("✓ Worker started on port %d\n", p)
			}
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("Worker pool already complete")
			}
			return nil
		})
	},
}

var factoryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Reconcile worker records against live processes and ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFactory(cmd, func(ctx context.Context, f *factory.Factory) error {
			report, err := f.CheckFactory(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tPID\tTYPE\tOUTCOME\tERROR")
			for _, r := range report.Results {
				errStr := ""
				if r.Err != nil {
					errStr = r.Err.Error()
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", r.Port, r.PID, r.Type, r.Outcome, errStr)
			}
			return w.Flush()
		})
	},
}

var factoryStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask every pool worker to exit and wait for them",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return withFactory(cmd, func(ctx context.Context, f *factory.Factory) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := f.ShutdownFactory(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Worker pool stopped")
			return nil
		})
	},
}

var factoryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the records of exited workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFactory(cmd, func(ctx context.Context, f *factory.Factory) error {
			n, err := f.ResetWorkersList()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d exited worker records\n", n)
			return nil
		})
	},
}

var factorySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Finish requests whose worker died mid-job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFactory(cmd, func(ctx context.Context, f *factory.Factory) error {
			swept, err := f.SweepDanglingRequests()
			for _, uuid := range swept {
				fmt.Printf("Terminated request %s\n", uuid)
			}
			return err
		})
	},
}

var factoryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Periodically reconcile the pool until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		count, _ := cmd.Flags().GetInt("count")
		keep, _ := cmd.Flags().GetBool("replenish")
		return withFactory(cmd, func(ctx context.Context, f *factory.Factory) error {
			poolSize := 0
			if keep {
				poolSize = f.ComputeWorkerCount(count)
			}
			sub := f.Events().Subscribe()
			defer f.Events().Unsubscribe(sub)
			go printEvents(sub)

			fmt.Printf("Watching worker pool every %s. Press Ctrl+C to stop.\n", interval)
			return f.Watch(ctx, interval, poolSize)
		})
	},
}

func init() {
	factoryCmd.AddCommand(factoryInitCmd)
	factoryCmd.AddCommand(factoryCheckCmd)
	factoryCmd.AddCommand(factoryStopCmd)
	factoryCmd.AddCommand(factoryResetCmd)
	factoryCmd.AddCommand(factorySweepCmd)
	factoryCmd.AddCommand(factoryWatchCmd)

	factoryInitCmd.Flags().Int("count", 0, "Pool size (overrides the configured worker count)")
	factoryStopCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for workers to exit (0 waits forever)")
	factoryWatchCmd.Flags().Duration("interval", 30*time.Second, "Time between two sweeps")
	factoryWatchCmd.Flags().Int("count", 0, "Pool size kept by --replenish")
	factoryWatchCmd.Flags().Bool("replenish", false, "Respawn workers until the pool is complete")
}

// withFactory builds a factory from the command's configuration and runs fn
// under a context cancelled by SIGINT or SIGTERM.
func withFactory(cmd *cobra.Command, fn func(ctx context.Context, f *factory.Factory) error) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	f, err := newFactory(cmd, cfg, cfgPath, store, broker)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return fn(ctx, f)
}

func newFactory(cmd *cobra.Command, cfg *config.Config, cfgPath string, store storage.Store, broker *events.Broker) (*factory.Factory, error) {
	// workers pin this bundle; create it before the first one starts
	if _, err := security.EnsureServerCert(cfg.CertDir); err != nil {
		return nil, err
	}
	control, err := client.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	proc, err := process.NewOSManager()
	if err != nil {
		return nil, err
	}

	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	spawner := &factory.ProcessSpawner{
		Process:    proc,
		Binary:     cfg.Spawn.Binary,
		ConfigPath: cfgPath,
		LogLevel:   level,
		JSONLogs:   jsonLogs,
	}

	return factory.New(factory.Options{
		Config:  cfg,
		Store:   store,
		Control: control,
		Spawner: spawner,
		Process: proc,
		Events:  broker,
	})
}

func printEvents(sub events.Subscriber) {
	for ev := range sub {
		line := fmt.Sprintf("%s  %-20s", ev.Timestamp.Format(time.RFC3339), ev.Type)
		if ev.Port != 0 {
			line += fmt.Sprintf(" port=%d", ev.Port)
		}
		if ev.PID != 0 {
			line += fmt.Sprintf(" pid=%d", ev.PID)
		}
		if uuid := ev.Metadata["uuid"]; uuid != "" {
			line += " uuid=" + uuid
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		fmt.Println(line)
	}
}
