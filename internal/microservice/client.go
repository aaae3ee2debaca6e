// Package microservice talks to the external computation services (path
// planners, map servers, storage servers) registered in the services table.
package microservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/yardcore/yardcore/internal/database"
)

// Service response statuses.
const (
	StatusReady    = "ready"
	StatusPending  = "pending"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// ErrEmptyResponse is returned when a service answers with no body.
var ErrEmptyResponse = errors.New("empty service response")

// Response is a decoded service answer. Result, Results and the ordering
// hints are kept raw; the orchestrator decodes them.
type Response struct {
	Status          string          `json:"status,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Results         json.RawMessage `json:"results,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	DispatchOrder   json.RawMessage `json:"dispatch_order,omitempty"`
	AssignmentOrder json.RawMessage `json:"assignment_order,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// ParseResponse decodes a raw service body.
func ParseResponse(raw []byte) (*Response, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode service response: %w", err)
	}
	r.Raw = append(json.RawMessage(nil), raw...)
	return &r, nil
}

// Client sends requests to services over HTTP.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client with a per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type dispatchBody struct {
	Request json.RawMessage `json:"request"`
	Context json.RawMessage `json:"context"`
	Config  json.RawMessage `json:"config"`
}

// Dispatch posts {request, context, config} to the service. Dummy services
// are not contacted: the request is echoed back as a ready response.
func (c *Client) Dispatch(ctx context.Context, svc *database.Service, request, reqContext, config json.RawMessage) (*Response, error) {
	if svc.IsDummy {
		return Echo(request)
	}
	if len(config) == 0 {
		config = json.RawMessage(svc.Config)
	}
	body, err := json.Marshal(dispatchBody{
		Request: orNull(request),
		Context: orNull(reqContext),
		Config:  orNull(config),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: marshal: %w", svc.Name, err)
	}
	endpoint, err := safeURL(svc.ServiceURL, "")
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", svc.Name, err)
	}
	return c.do(ctx, http.MethodPost, endpoint, svc.LicenceKey, body)
}

// Poll fetches the result of an asynchronous job at <url>/<jobID>.
func (c *Client) Poll(ctx context.Context, svc *database.Service, jobID string) (*Response, error) {
	if jobID == "" {
		return nil, errors.New("poll: empty job id")
	}
	endpoint, err := safeURL(svc.ServiceURL, "/"+url.PathEscape(jobID))
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", svc.Name, err)
	}
	return c.do(ctx, http.MethodGet, endpoint, svc.LicenceKey, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, apiKey string, payload []byte) (*Response, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return ParseResponse(raw)
}

// Echo builds the response of a dummy service: the request becomes the
// result, or the results list when the request carries one.
func Echo(request json.RawMessage) (*Response, error) {
	var peek struct {
		Results json.RawMessage `json:"results"`
	}
	_ = json.Unmarshal(request, &peek)
	out := map[string]any{"status": StatusReady}
	if len(peek.Results) > 0 && string(peek.Results) != "null" {
		var full map[string]json.RawMessage
		if err := json.Unmarshal(request, &full); err != nil {
			return nil, fmt.Errorf("echo: %w", err)
		}
		for k, v := range full {
			out[k] = v
		}
		out["status"] = StatusReady
	} else {
		out["result"] = orNull(request)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}
	return ParseResponse(raw)
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(v)) == 0 {
		return json.RawMessage("null")
	}
	return v
}

// safeHost matches valid hostname:port patterns.
var safeHost = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// safeURL parses and validates the service URL, then appends path.
func safeURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	if !safeHost.MatchString(u.Host) {
		return "", fmt.Errorf("invalid host: %q", u.Host)
	}
	out := u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/") + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}
