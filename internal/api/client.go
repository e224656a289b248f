// Package api is the HTTP client for the prediction server, used by
// the operator CLI and by anything embedding the platform remotely.
package api

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/serve"
)

// Client talks to one prediction server.
type Client struct {
	base string
	rest *resty.Client
}

// New builds a client for a base URL like "http://localhost:8090".
func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{base: base, rest: r}
}

type errorBody struct {
	Error string `json:"error"`
}

// Predict requests one estimate.
func (c *Client) Predict(req serve.PredictRequest) (*serve.PredictResponse, error) {
	out := &serve.PredictResponse{}
	apiErr := &errorBody{}
	resp, err := c.rest.R().
		SetBody(req).
		SetResult(out).
		SetError(apiErr).
		Post(c.base + "/predict")
	if err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr)
	}
	return out, nil
}

// Explain requests one explanation.
func (c *Client) Explain(req serve.ExplainRequest) (*serve.ExplainResponse, error) {
	out := &serve.ExplainResponse{}
	apiErr := &errorBody{}
	resp, err := c.rest.R().
		SetBody(req).
		SetResult(out).
		SetError(apiErr).
		Post(c.base + "/explain")
	if err != nil {
		return nil, fmt.Errorf("explain request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr)
	}
	return out, nil
}

// ModelInfo fetches the serving layout of one target.
func (c *Client) ModelInfo(target string) (*serve.ModelInfo, error) {
	out := &serve.ModelInfo{}
	apiErr := &errorBody{}
	resp, err := c.rest.R().
		SetQueryParam("target", target).
		SetResult(out).
		SetError(apiErr).
		Get(c.base + "/model/info")
	if err != nil {
		return nil, fmt.Errorf("model info request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr)
	}
	return out, nil
}

// Rollback moves one registry key back to its previous version.
func (c *Client) Rollback(target string, segmentID int) (uint64, error) {
	var out struct {
		Version uint64 `json:"version"`
	}
	apiErr := &errorBody{}
	resp, err := c.rest.R().
		SetBody(serve.RollbackRequest{Target: target, SegmentID: segmentID}).
		SetResult(&out).
		SetError(apiErr).
		Post(c.base + "/model/rollback")
	if err != nil {
		return 0, fmt.Errorf("rollback request failed: %w", err)
	}
	if resp.IsError() {
		return 0, statusError(resp, apiErr)
	}
	return out.Version, nil
}

// DriftStatus fetches the gate state and latest report of one target.
func (c *Client) DriftStatus(target string) (*serve.DriftStatusResponse, error) {
	out := &serve.DriftStatusResponse{}
	apiErr := &errorBody{}
	resp, err := c.rest.R().
		SetQueryParam("target", target).
		SetResult(out).
		SetError(apiErr).
		Get(c.base + "/drift/status")
	if err != nil {
		return nil, fmt.Errorf("drift status request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr)
	}
	return out, nil
}

// Rebase promotes a target's live window into a new baseline version.
func (c *Client) Rebase(target string) (int, error) {
	var out struct {
		Version int `json:"version"`
	}
	apiErr := &errorBody{}
	resp, err := c.rest.R().
		SetBody(serve.RebaseRequest{Target: target}).
		SetResult(&out).
		SetError(apiErr).
		Post(c.base + "/drift/rebase")
	if err != nil {
		return 0, fmt.Errorf("rebase request failed: %w", err)
	}
	if resp.IsError() {
		return 0, statusError(resp, apiErr)
	}
	return out.Version, nil
}

// Health reports whether every target is accepting requests.
func (c *Client) Health() (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	resp, err := c.rest.R().
		SetResult(&out).
		Get(c.base + "/health")
	if err != nil {
		return false, fmt.Errorf("health request failed: %w", err)
	}
	return resp.StatusCode() == 200 && out.Status == "ok", nil
}

func statusError(resp *resty.Response, apiErr *errorBody) error {
	if apiErr.Error != "" {
		return fmt.Errorf("API error: status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return fmt.Errorf("API error: status %d, body: %s", resp.StatusCode(), resp.String())
}
