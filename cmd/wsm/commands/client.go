package commands

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

	"github.com/openfroyo/wsm/pkg/api"
	"github.com/openfroyo/wsm/pkg/engine"
)

// apiClient talks to a running wsm serve.
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient resolves the server from --server or the configured listen address.
func newAPIClient() (*apiClient, error) {
	base := serverURL
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.ListenAddress
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends body as JSON and decodes a 2xx response into out. It returns the status code.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) (int, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return resp.StatusCode, fmt.Errorf("server returned %s", resp.Status)
		}
		return resp.StatusCode, fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) submit(ctx context.Context, req api.SubmitRunRequest) (string, bool, error) {
	var out api.SubmitRunResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/runs", nil, req, &out)
	if err != nil {
		return "", false, err
	}
	return out.RunID, status == http.StatusAccepted, nil
}

func (c *apiClient) status(ctx context.Context, runID string) (*engine.StatusReport, error) {
	var rep engine.StatusReport
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// wait polls runID every interval until it is terminal.
func (c *apiClient) wait(ctx context.Context, runID string, interval time.Duration) (*engine.StatusReport, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep, err := c.status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if rep.Status.IsTerminal() {
			return rep, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
