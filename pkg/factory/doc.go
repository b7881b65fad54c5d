/*
Package factory supervises the local worker pool.

The factory owns no long-running state of its own: every decision is taken
from the worker records in the datastore and from what the operating system
reports about their pids and ports. Each worker deregisters itself on a clean
exit, so the factory only has to repair what a crash leaves behind.

# Operations

  - InitFactory reconciles, drops Exited records and starts the workers the
    pool is missing.
  - StartWorkers allocates ports upward from the base port, spawns one
    process per port and waits for its control plane to answer.
  - CheckFactory classifies every active record by pid liveness and port
    state and repairs the inconsistent ones.
  - ShutdownFactory asks every pool worker to exit and waits for the records
    to reach Exited.
  - SweepDanglingRequests finishes requests whose worker died mid-job.

A Watcher runs the check and sweep on an interval and can keep the pool at a
fixed size.
*/
package factory
