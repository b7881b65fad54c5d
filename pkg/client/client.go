package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/exaworker/pkg/api"
	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/security"
)

// maxBody caps how much of a control-plane reply is decoded
const maxBody = 8 << 20

// ControlClient talks to worker control planes on this host
type ControlClient struct {
	host     string
	scheme   string
	user     string
	password string
	http     *http.Client
}

// NewControlClient creates a client for workers listening on host.
// A nil tlsConfig selects plain HTTP (tests only).
func NewControlClient(host, user, password string, tlsConfig *tls.Config, timeout time.Duration) *ControlClient {
	scheme := "https"
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	if tlsConfig == nil {
		scheme = "http"
	}
	return &ControlClient{
		host:     host,
		scheme:   scheme,
		user:     user,
		password: password,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
}

// FromConfig builds a client trusting the host's control-plane certificate
func FromConfig(cfg *config.Config) (*ControlClient, error) {
	tlsConfig, err := security.ClientTLSConfig(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load control-plane certificate: %w", err)
	}
	return NewControlClient("localhost", cfg.Admin.User, cfg.Admin.Password, tlsConfig, cfg.SocketTimeout+5*time.Second), nil
}

// URL returns the control-plane URL of path on port
func (c *ControlClient) URL(port int, path string, query url.Values) string {
	u := url.URL{
		Scheme:   c.scheme,
		Host:     net.JoinHostPort(c.host, strconv.Itoa(port)),
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

// Credentials returns the Basic-Auth pair the client sends
func (c *ControlClient) Credentials() (string, string) {
	return c.user, c.password
}

// HTTPClient exposes the underlying client so probes share its transport
func (c *ControlClient) HTTPClient() *http.Client {
	return c.http
}

// Status returns the record of the worker on port
func (c *ControlClient) Status(ctx context.Context, port int) (*api.WorkerStatus, error) {
	var out api.WorkerStatus
	if err := c.get(ctx, port, "/wctrl", url.Values{"cmd": {"status"}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the worker on port to exit after its current iteration
func (c *ControlClient) Shutdown(ctx context.Context, port int) error {
	var out api.Response
	if err := c.get(ctx, port, "/wctrl", url.Values{"cmd": {"shutdown"}}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("worker %d refused shutdown: %s %s", port, out.Error, out.ErrorStr)
	}
	return nil
}

// RequestStatus returns the stored state of job request uuid as seen by the worker on port
func (c *ControlClient) RequestStatus(ctx context.Context, port int, uuid string) (*api.RequestStatus, error) {
	var out api.RequestStatus
	if err := c.get(ctx, port, "/status", url.Values{"uuid": {uuid}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusError is returned for non-2xx replies
type StatusError struct {
	Code     int
	Response api.Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s %s", e.Code, e.Response.Error, e.Response.ErrorStr)
}

func (c *ControlClient) get(ctx context.Context, port int, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(port, path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker %d unreachable: %w", port, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		_ = json.Unmarshal(body, &se.Response)
		return se
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}
