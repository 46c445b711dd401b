// Package transport exchanges requests and responses with the remote job
// manager. Each call is stateless and independently retryable; the client
// only shares the connection pool, the bearer token and one network timeout.
package transport

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"utspclient/internal/job"
	"utspclient/internal/request"
	"utspclient/internal/result"
)

const (
	submitPath   = "/api/v1/requests"
	shutdownPath = "/api/v1/shutdown"
)

// Client talks to the job manager's REST API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient creates a transport bound to the given server. The timeout caps
// every single call; no operation blocks longer.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("transport: server url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}, nil
}

type submitBody struct {
	Provider      string            `json:"provider"`
	Config        any               `json:"config"`
	GUID          string            `json:"guid,omitempty"`
	RequiredFiles map[string]string `json:"required_files,omitempty"`
	InputFiles    map[string]string `json:"input_files,omitempty"`
}

type submitReply struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
}

// Submit sends a calculation request and returns the server-assigned job id.
// Network failures and 5xx responses surface as TransientError, 4xx as
// RejectedError.
func (c *Client) Submit(ctx context.Context, req request.Request) (string, error) {
	body := submitBody{
		Provider: strings.TrimSpace(req.Provider),
		Config:   req.Config,
		GUID:     req.GUID,
	}
	if len(req.RequiredFiles) > 0 {
		body.RequiredFiles = make(map[string]string, len(req.RequiredFiles))
		for name, requirement := range req.RequiredFiles {
			body.RequiredFiles[name] = requirement.String()
		}
	}
	if len(req.InputFiles) > 0 {
		body.InputFiles = make(map[string]string, len(req.InputFiles))
		for name, content := range req.InputFiles {
			body.InputFiles[name] = base64.StdEncoding.EncodeToString(content)
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, submitPath, raw)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return "", err
	}
	var reply submitReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("transport: decode submit reply: %w", err)
	}
	if strings.TrimSpace(reply.JobID) == "" {
		return "", fmt.Errorf("transport: submit reply carried no job id")
	}
	return reply.JobID, nil
}

type statusReply struct {
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
}

// QueryStatus asks for the current state of a job. A 404 means the server has
// no record of the job (for example after a restart) and maps to
// StatusUnknown rather than an error. The info string carries whatever
// diagnostic the server attached.
func (c *Client) QueryStatus(ctx context.Context, remoteID string) (job.Status, string, error) {
	resp, err := c.do(ctx, http.MethodGet, submitPath+"/"+remoteID+"/status", nil)
	if err != nil {
		return job.StatusUnknown, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return job.StatusUnknown, "", nil
	}
	if err := c.checkStatus(resp); err != nil {
		return job.StatusUnknown, "", err
	}
	var reply statusReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return job.StatusUnknown, "", fmt.Errorf("transport: decode status reply: %w", err)
	}
	status, err := job.ParseStatus(reply.Status)
	if err != nil {
		return job.StatusUnknown, reply.Info, fmt.Errorf("transport: protocol error: %w", err)
	}
	return status, reply.Info, nil
}

type resultReply struct {
	Files []struct {
		Name string `json:"name"`
		Data []byte `json:"data"`
	} `json:"files"`
}

// FetchResult retrieves the named result artifacts of a ready job. The body
// is a zlib-compressed JSON envelope to keep large time-series deliveries
// small on the wire.
func (c *Client) FetchResult(ctx context.Context, remoteID string) (result.Envelope, error) {
	var env result.Envelope
	resp, err := c.do(ctx, http.MethodGet, submitPath+"/"+remoteID+"/result", nil)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusConflict, http.StatusTooEarly:
		return env, ErrNotReady
	}
	if err := c.checkStatus(resp); err != nil {
		return env, err
	}
	zr, err := zlib.NewReader(resp.Body)
	if err != nil {
		return env, fmt.Errorf("transport: decompress result: %w", err)
	}
	defer zr.Close()
	var reply resultReply
	if err := json.NewDecoder(zr).Decode(&reply); err != nil {
		return env, fmt.Errorf("transport: decode result: %w", err)
	}
	env.Files = make([]result.File, 0, len(reply.Files))
	for _, f := range reply.Files {
		env.Files = append(env.Files, result.File{Name: f.Name, Data: f.Data})
	}
	return env, nil
}

// Shutdown asks the server to stop all connected workers.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, shutdownPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	return resp, nil
}

// checkStatus triages non-2xx responses: 5xx is transient, everything else is
// a rejection. The body excerpt is kept short for error messages.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("server returned %s: %s", resp.Status, excerpt)}
	}
	return &RejectedError{StatusCode: resp.StatusCode, Message: string(excerpt)}
}
