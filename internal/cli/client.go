package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tutu-network/switchboard/internal/daemon"
)

// loadConfig reads --config or the default config file.
func loadConfig() (daemon.Config, error) {
	if configPath != "" {
		return daemon.LoadConfigFile(configPath)
	}
	return daemon.LoadConfig()
}

// client talks to a running switchboard server.
type client struct {
	base string
	http *http.Client
}

func newClient() (*client, error) {
	base := serverURL
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		host := cfg.API.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.API.Port)
	}
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// apiError is the server's error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// do sends body as JSON and decodes the response into out. Non-2xx
// responses become errors unless accept lists the status.
func (c *client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			r = bytes.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return 0, err
			}
			r = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect to switchboard at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var e apiError
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Message != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, e.Error.Message)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
