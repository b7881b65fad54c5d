package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/exaworker/pkg/client"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/spf13/cobra"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Queue signals for worker processes",
}

var signalSendCmd = &cobra.Command{
	Use:   "send NAME",
	Short: "Queue a named signal for a worker (e.g. RELOAD)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, _ := cmd.Flags().GetInt("pid")
		port, _ := cmd.Flags().GetInt("port")
		return sendSignal(cmd, args[0], pid, port)
	},
}

var workerCtlCmd = &cobra.Command{
	Use:   "worker-ctl",
	Short: "Inspect and control individual workers",
}

var workerCtlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := store.ListWorkers()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tPID\tTYPE\tSTATUS\tSTATE\tJOB\tLAST ACTIVE")
		for _, r := range workers {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				r.Port, r.PID, r.Type, r.Status, r.State, r.UUID, r.LastActiveTime)
		}
		return w.Flush()
	},
}

var workerCtlStatusCmd = &cobra.Command{
	Use:   "status PORT",
	Short: "Query a worker's control plane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var port int
		if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil {
			return fmt.Errorf("invalid port %q", args[0])
		}
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		c, err := client.FromConfig(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := c.Status(ctx, port)
		if err != nil {
			return err
		}
		fmt.Printf("Port %d: %s (%s), pid %d, job %s\n", st.Port, st.Status, st.State, st.PID, st.UUID)
		return nil
	},
}

var workerCtlMarkCorruptedCmd = &cobra.Command{
	Use:   "mark-corrupted",
	Short: "Flag a worker to turn CORRUPTED after its next job",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, _ := cmd.Flags().GetInt("pid")
		port, _ := cmd.Flags().GetInt("port")
		return sendSignal(cmd, types.SignalWorkerCorrupted, pid, port)
	},
}

func init() {
	signalCmd.AddCommand(signalSendCmd)
	workerCtlCmd.AddCommand(workerCtlListCmd)
	workerCtlCmd.AddCommand(workerCtlStatusCmd)
	workerCtlCmd.AddCommand(workerCtlMarkCorruptedCmd)

	for _, c := range []*cobra.Command{signalSendCmd, workerCtlMarkCorruptedCmd} {
		c.Flags().Int("pid", 0, "Target worker pid")
		c.Flags().Int("port", 0, "Target worker port (resolved to its pid)")
	}
}

// sendSignal queues name for the worker identified by pid or port
func sendSignal(cmd *cobra.Command, name string, pid, port int) error {
	if pid == 0 && port == 0 {
		return fmt.Errorf("--pid or --port is required")
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if pid == 0 {
		pid, err = workerPID(store, port)
		if err != nil {
			return err
		}
	}
	if err := store.SendSignal(&types.Signal{PID: pid, Name: name, CreatedAt: time.Now()}); err != nil {
		return err
	}
	fmt.Printf("✓ Signal %s queued for pid %d\n", name, pid)
	return nil
}

func workerPID(store storage.Store, port int) (int, error) {
	w, err := store.GetWorker(port)
	if err != nil {
		return 0, err
	}
	if w.Status == types.WorkerStatusExited || w.PID == 0 {
		return 0, fmt.Errorf("worker on port %d is not running", port)
	}
	return w.PID, nil
}
