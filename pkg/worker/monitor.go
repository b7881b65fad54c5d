package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/exaworker/pkg/types"
	"golang.org/x/sync/errgroup"
)

// maxParallelRefresh bounds concurrent per-cluster reconciliation commands
const maxParallelRefresh = 4

// monitorTick refreshes the clusters once every RefreshIterations loops,
// or right away when the record was left Refreshing.
func (d *Daemon) monitorTick(ctx context.Context, rec *types.WorkerRecord) {
	every := d.cfg.Monitor.RefreshIterations
	if rec.Status != types.WorkerStatusRefreshing && every > 0 && d.iteration%every != 0 {
		return
	}

	d.detectMonitorConflict()

	d.setStatus(rec, types.WorkerStatusRefreshing)
	d.updateRecord(rec)

	n, err := d.refreshClusters(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Cluster refresh failed")
	} else {
		d.logger.Info().Int("clusters", n).Msg("Cluster refresh done")
	}

	rec, err = d.store.GetWorker(d.port)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reload worker record")
		return
	}
	d.setStatus(rec, types.WorkerStatusRunning)
	d.updateRecord(rec)
}

// detectMonitorConflict logs every other live monitor record. Conflicts are
// reported, not resolved.
func (d *Daemon) detectMonitorConflict() {
	workers, err := d.store.ListWorkers()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Cannot list workers for monitor check")
		return
	}
	for _, w := range workers {
		if w.Type == types.WorkerTypeMonitor && w.Port != d.port && w.Status != types.WorkerStatusExited {
			d.logger.Warn().Int("other_port", w.Port).Int("other_pid", w.PID).Msg("Another monitor is running")
		}
	}
}

// Clusters lists the cluster names found in dir: one per entry, extension stripped
func Clusters(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	seen := make(map[string]bool)
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasPrefix(name, ".") || !identPattern.MatchString(name) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

// refreshClusters runs the monitor command once per discovered cluster
func (d *Daemon) refreshClusters(ctx context.Context) (int, error) {
	mc := d.cfg.Monitor
	if mc.ClusterConfigDir == "" || len(mc.Command) == 0 {
		d.logger.Debug().Msg("Monitor has no cluster directory or command configured")
		return 0, nil
	}
	clusters, err := Clusters(mc.ClusterConfigDir)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelRefresh)
	for _, cluster := range clusters {
		cluster := cluster
		g.Go(func() error {
			if err := d.refreshCluster(gctx, cluster); err != nil {
				d.logger.Warn().Err(err).Str("cluster", cluster).Msg("Cluster reconciliation failed")
			}
			return nil
		})
	}
	return len(clusters), g.Wait()
}

func (d *Daemon) refreshCluster(ctx context.Context, cluster string) error {
	dir := d.cfg.ClusterLogDir(cluster)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(filepath.Join(dir, "monitor.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	argv := append(append([]string{}, d.cfg.Monitor.Command[1:]...), cluster)
	cmd := exec.CommandContext(ctx, d.cfg.Monitor.Command[0], argv...)
	cmd.Dir = d.cfg.Monitor.ClusterConfigDir
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
