package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/exaworker/pkg/client"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit jobs and query their status",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit --type TYPE --cmd CMD",
	Short: "Assign a job to an idle worker",
	Long: `Assign a job to an idle worker.

Examples:
  # Patch a cluster on the first idle worker
  exaworker job submit --type patch --cmd patch_cell --cluster clu1

  # Parameters from a YAML file, on a given worker
  exaworker job submit --type iorm --cmd set_plan --params-file plan.yaml --port 9003`,
	RunE: runJobSubmit,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status UUID",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)

	jobSubmitCmd.Flags().String("type", "", "Job type (required)")
	jobSubmitCmd.Flags().String("cmd", "", "Command within the job type (required)")
	jobSubmitCmd.Flags().String("params", "", "Job parameters as a JSON object")
	jobSubmitCmd.Flags().String("params-file", "", "YAML file with the job parameters")
	jobSubmitCmd.Flags().String("cluster", "", "Target cluster name")
	jobSubmitCmd.Flags().String("exaunit", "", "Exaunit id")
	jobSubmitCmd.Flags().String("workflow", "", "Workflow id")
	jobSubmitCmd.Flags().StringSlice("steps", nil, "Steps to run")
	jobSubmitCmd.Flags().Bool("undo", false, "Run the undo path")
	jobSubmitCmd.Flags().Int("port", 0, "Worker port (default: first idle worker)")
	jobSubmitCmd.Flags().String("worker-type", string(types.WorkerTypeWorker), "Worker type to pick an idle worker from")
	_ = jobSubmitCmd.MarkFlagRequired("type")
	_ = jobSubmitCmd.MarkFlagRequired("cmd")
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	jobType, _ := flags.GetString("type")
	jobCmdName, _ := flags.GetString("cmd")
	port, _ := flags.GetInt("port")
	wtype, _ := flags.GetString("worker-type")

	params, err := jobParams(cmd)
	if err != nil {
		return err
	}

	req := &types.JobRequest{
		UUID:   uuid.New().String(),
		Type:   jobType,
		Cmd:    jobCmdName,
		Params: params,
	}
	req.ClusterName, _ = flags.GetString("cluster")
	req.ExaunitID, _ = flags.GetString("exaunit")
	req.WorkflowID, _ = flags.GetString("workflow")
	req.Steps, _ = flags.GetStringSlice("steps")
	req.Undo, _ = flags.GetBool("undo")

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if port == 0 {
		w, err := storage.FindIdleWorker(store, types.WorkerType(wtype))
		if err != nil {
			return fmt.Errorf("no worker available: %w", err)
		}
		port = w.Port
	}
	if err := storage.AssignRequest(store, req, port); err != nil {
		return err
	}

	fmt.Printf("✓ Job %s assigned to worker on port %d\n", req.UUID, port)
	return nil
}

// jobParams merges --params-file and --params; keys in --params win
func jobParams(cmd *cobra.Command) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if path, _ := cmd.Flags().GetString("params-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %v", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse params file: %v", err)
		}
	}
	if raw, _ := cmd.Flags().GetString("params"); raw != "" {
		var inline map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &inline); err != nil {
			return nil, fmt.Errorf("invalid --params: %v", err)
		}
		for k, v := range inline {
			params[k] = v
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	req, err := store.GetRequest(id)
	if err != nil {
		return err
	}

	// a live worker answers from the control plane; otherwise the datastore is authoritative
	if port, err := store.GetRequestWorker(id); err == nil {
		if c, err := client.FromConfig(cfg); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if st, err := c.RequestStatus(ctx, port, id); err == nil {
				req.Status, req.Error, req.ErrorStr, req.StatusInfo = st.Status, st.Error, st.ErrorStr, st.StatusInfo
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "UUID:\t%s\n", req.UUID)
	fmt.Fprintf(w, "Type:\t%s\n", req.Type)
	fmt.Fprintf(w, "Cmd:\t%s\n", req.Cmd)
	fmt.Fprintf(w, "Status:\t%s\n", req.Status)
	fmt.Fprintf(w, "Error:\t%s\n", req.Error)
	if req.ErrorStr != "" {
		fmt.Fprintf(w, "Message:\t%s\n", req.ErrorStr)
	}
	if req.StatusInfo != "" {
		fmt.Fprintf(w, "Info:\t%s\n", strings.TrimSpace(req.StatusInfo))
	}
	return w.Flush()
}
