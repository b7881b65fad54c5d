/*
Package health provides the probes exaworker uses to decide whether a worker
is really there.

HTTPChecker issues an authenticated HTTPS
request (typically GET /wctrl?cmd=status) and can validate the body, which is
how the factory confirms that a freshly spawned worker is serving on the port
it was given.

WaitHealthy wraps any Checker in a bounded retry loop:

	checker := health.NewHTTPChecker(url).
		WithBasicAuth(user, pass).
		WithTLSConfig(tlsCfg)
	status, err := health.WaitHealthy(ctx, checker, health.Config{
		Interval: time.Second,
		Retries:  10,
	})

A failed wait returns the last Result in the Status so callers can log why.
*/
package health
