// Package client contains the outbound HTTP clients of exaworker.
//
// ControlClient speaks to the HTTPS control plane of workers on the local host
// (status, shutdown, request status); the factory and the CLI use it.
// CoordinatorClient is used by proxy workers to forward a job to a remote
// coordinator and poll it until it leaves Pending.
package client
