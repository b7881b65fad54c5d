package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/exaworker/pkg/types"
)

// RemoteJob is the coordinator's view of a forwarded job
type RemoteJob struct {
	UUID       string          `json:"uuid"`
	Status     types.JobStatus `json:"status"`
	Error      string          `json:"error"`
	ErrorStr   string          `json:"error_str"`
	StatusInfo string          `json:"statusinfo"`
}

// CoordinatorClient forwards jobs from a proxy worker to a remote coordinator
type CoordinatorClient struct {
	base     string
	user     string
	password string
	http     *http.Client
}

// NewCoordinatorClient creates a client for the coordinator at baseURL
func NewCoordinatorClient(baseURL, user, password string, httpClient *http.Client) *CoordinatorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CoordinatorClient{
		base:     strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		http:     httpClient,
	}
}

// Submit posts job to the coordinator
func (c *CoordinatorClient) Submit(ctx context.Context, job *types.JobRequest) (*RemoteJob, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	var out RemoteJob
	if err := c.do(ctx, http.MethodPost, "/jobs", bytes.NewReader(payload), &out); err != nil {
		return nil, err
	}
	if out.UUID == "" {
		out.UUID = job.UUID
	}
	return &out, nil
}

// Poll fetches the coordinator's current state of job uuid
func (c *CoordinatorClient) Poll(ctx context.Context, uuid string) (*RemoteJob, error) {
	var out RemoteJob
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CoordinatorClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("failed to read coordinator reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("coordinator %s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode coordinator reply: %w", err)
	}
	return nil
}
