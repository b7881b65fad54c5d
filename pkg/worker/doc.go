/*
Package worker implements the exaworker daemon: one OS process that owns a
control-plane port and executes at most one job at a time.

# Lifecycle

	Startup ──► Run ──► Shutdown
	   │         │
	   │         └─ every second: reload record, drain signals, dispatch by type
	   └─ ErrAlreadyRunning when a live pid already serves the port

Startup binds the HTTPS control plane (see package api) before registering the
worker record, so a bind failure never leaves a record behind. Run is the only
loop of the process; RequestShutdown, usually reached through
/wctrl?cmd=shutdown, ends it after the current iteration.

# Dispatch

What an iteration does depends on the record's type:

  - worker: run the assigned job through the jobs.Registry, store the
    translated code on the request, clean up, self-check, return to Idle.
  - proxy: forward the assigned job to the coordinator and poll it until Done.
  - monitor: every Monitor.RefreshIterations loops, run the configured
    reconciliation command once per cluster found in the config directory.

# Self health checks

After each job the daemon checks its open descriptors, its goroutine count,
the children that survived the post-job kill and the WORKER_CORRUPTED
sentinel. Any breach flags the record CORRUPTED. The daemon keeps running;
removal is left to the factory.

# Shutdown

Shutdown deregisters the record and, when the last assigned request was never
picked up, finishes it with code 703 so callers polling /status are not left
waiting. A worker killed with SIGKILL skips this; see factory.SweepDanglingRequests.
*/
package worker
