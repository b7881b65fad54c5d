/*
Package log provides structured logging for exaworker using zerolog.

A single global zerolog.Logger is configured once per process via Init (or
InitFile for daemons, which write to <log_dir>/workers/worker_<port>.log).
Child loggers carry the fields operators grep for:

	log.WithComponent("factory")
	log.WithPort(9001)

# Job logs

While a worker executes a request it also writes a dedicated job log.
NewJobLogger tees every event into both the worker log and the job file
using zerolog.MultiLevelWriter, so the worker log keeps a complete timeline
and the job file can be archived or linked into the cluster log directory
on its own. The worker log copy uses the worker log's format; the job file
is always JSON.

# Levels

Supported levels are debug, info, warn and error. Unknown values fall back to
info. Console output is the default; set JSONOutput for machine ingestion.
*/
package log
