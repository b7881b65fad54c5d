/*
Package api implements the per-worker HTTPS control plane.

Every worker process binds one Server on its assigned port (localhost when
agent_local is set, all interfaces otherwise). All routes require HTTP Basic
authentication against the admin credential and answer JSON carrying at least
status, error, error_str and success.

	GET /status                 dump of every stored job request (success=false, error=503)
	GET /status?uuid=<id>       one request; benign codes such as 701-614 report success
	GET /wctrl?cmd=status       the worker's own record
	GET /wctrl?cmd=shutdown     sets the daemon's exit flag
	GET /metrics                Prometheus exposition

Unknown paths get 404 and non-GET methods 405. Missing or wrong credentials get
401 with a WWW-Authenticate challenge. When a failure rate is configured,
replies to repeated wrong credentials are held back, but they stay 401.

The server holds its daemon through the Controller interface rather than any
package-level state. During teardown the daemon calls ClearHandle: from then
on every request is answered 503 "Rest Listener not available" and the first
such request makes the server stop itself.
*/
package api
