/*
Package types defines the records shared by every exaworker process: the
worker record that a daemon registers under its control-plane port, the job
request it executes, and the pid-addressed signals queued for it.

# Worker record

A worker record is keyed by port and moves through

	Idle → Running → Idle
	Running → Refreshing → Running   (monitor workers only)
	any → Exited

The UUID column carries NullUUID whenever the record is Idle. LastActiveTime
is stored as text with six fractional digits so that staleness comparisons
never see a truncated value.

# Error codes

Job requests report errors as text codes. Handler sub-errors are encoded as
"701-<sub>"; a small set of them (BenignErrorCodes) is reported as success by
the control plane.
*/
package types
