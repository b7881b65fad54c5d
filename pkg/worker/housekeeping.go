package worker

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/cuemby/exaworker/pkg/types"
	"github.com/klauspost/compress/gzip"
)

// incident is the JSON document written next to a failed job's log
type incident struct {
	UUID     string    `json:"uuid"`
	Type     string    `json:"type"`
	Cmd      string    `json:"cmd"`
	Port     int       `json:"port"`
	PID      int       `json:"pid"`
	Error    string    `json:"error"`
	Stack    string    `json:"stack,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// collectDiagnostics writes an incident file and a compressed copy of the
// job log. Failures are logged and never replace the job's own error.
func (d *Daemon) collectDiagnostics(req *types.JobRequest, logDir string, cause error) {
	now := d.now()
	stamp := now.Format("20060102T150405.000000")

	inc := incident{
		UUID:     req.UUID,
		Type:     req.Type,
		Cmd:      req.Cmd,
		Port:     d.port,
		PID:      d.pid,
		Error:    cause.Error(),
		Occurred: now,
	}
	var pe *panicError
	if errors.As(cause, &pe) {
		inc.Stack = string(pe.stack)
	} else if re, ok := types.AsRuntimeError(cause); ok && re.Stack {
		inc.Stack = string(debug.Stack())
	}

	incPath := filepath.Join(logDir, "incident_"+stamp+".json")
	if err := writeJSONFile(incPath, inc); err != nil {
		d.logger.Warn().Err(err).Str("job_id", req.UUID).Msg("Failed to write incident file")
	}

	bundle := filepath.Join(logDir, "incident_"+stamp+".log.gz")
	if err := gzipFile(filepath.Join(logDir, JobLogName), bundle); err != nil {
		d.logger.Warn().Err(err).Str("job_id", req.UUID).Msg("Failed to bundle job log")
	}
}

// housekeeping runs the post-job cleanup steps independently and returns the
// pids that survived the child kill.
func (d *Daemon) housekeeping(req *types.JobRequest, logDir string) []int {
	logger := d.logger.With().Str("job_id", req.UUID).Logger()
	cluster := req.ClusterName
	if cluster != "" && !identPattern.MatchString(cluster) {
		logger.Warn().Str("cluster", cluster).Msg("Malformed cluster name, skipping cluster housekeeping")
		cluster = ""
	}

	if cluster != "" {
		if err := d.archiveWorkspace(cluster, req.UUID); err != nil {
			logger.Warn().Err(err).Str("cluster", cluster).Msg("Workspace archival failed")
		}
		if err := d.linkClusterLogs(cluster, logDir); err != nil {
			logger.Warn().Err(err).Str("cluster", cluster).Msg("Linking job logs failed")
		}
	}

	survivors, err := d.proc.KillDescendants(d.pid)
	if err != nil {
		logger.Warn().Err(err).Msg("Child process cleanup failed")
	}
	return survivors
}

// archiveWorkspace tars the cluster workspace folder and optionally removes it
func (d *Daemon) archiveWorkspace(cluster, uuid string) error {
	ws := d.cfg.Workspace
	if ws.Dir == "" {
		return nil
	}
	src := filepath.Join(ws.Dir, cluster)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if ws.Archive {
		dir := ws.ArchiveDir
		if dir == "" {
			dir = filepath.Join(d.cfg.LogDir, "archive")
		}
		dst := filepath.Join(dir, fmt.Sprintf("%s_%s.tar.gz", cluster, uuid))
		if err := archiveDir(src, dst); err != nil {
			return err
		}
	}
	if ws.Cleanup {
		if err := os.RemoveAll(src); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}
	return nil
}

// linkClusterLogs symlinks logDir into the cluster's log directory
func (d *Daemon) linkClusterLogs(cluster, logDir string) error {
	dir := d.cfg.ClusterLogDir(cluster)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	err := os.Symlink(logDir, filepath.Join(dir, filepath.Base(logDir)))
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	return err
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// archiveDir writes src as a gzipped tarball at dst, paths relative to src's parent
func archiveDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)

	base := filepath.Dir(src)
	walkErr := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	errs := []error{walkErr, tw.Close(), zw.Close(), out.Close()}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	return nil
}
