package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tingreader/ting-plugins/internal/pluginhost/manager"
)

// Client is an HTTP client for a running tingd instance's admin API. The
// `tingd plugin` subcommands use this instead of constructing their own
// Manager, since the lifecycle they're driving belongs to the serve
// process, not to the short-lived CLI invocation.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://127.0.0.1:8090").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// List returns every plugin currently registered in the running instance.
func (c *Client) List(ctx context.Context) ([]manager.PluginInfo, error) {
	var out []manager.PluginInfo
	if err := c.do(ctx, http.MethodGet, "/v1/plugins", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Install asks the running instance to install and load the package at
// sourcePath (a path on the tingd host's own filesystem) and returns the
// resulting plugin id.
func (c *Client) Install(ctx context.Context, sourcePath string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"source_path": sourcePath}
	if err := c.do(ctx, http.MethodPost, "/v1/plugins", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Reload asks the running instance to reload id and returns the (possibly
// new, on a version change) id of the resulting plugin.
func (c *Client) Reload(ctx context.Context, id string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/plugins/"+id+"/reload", nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Unload asks the running instance to unload id without uninstalling it.
func (c *Client) Unload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/plugins/"+id+"/unload", nil, nil)
}

// Uninstall asks the running instance to unload and remove id entirely.
func (c *Client) Uninstall(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/plugins/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
