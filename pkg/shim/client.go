// Package shim scrapes the metrics endpoint that each sandbox shim
// exposes on a per-sandbox unix socket.
package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// MonitorSocketName is the socket file the shim creates inside its
	// per-sandbox state directory.
	MonitorSocketName = "shim-monitor.sock"

	// MetricsPath is the exposition endpoint served by the shim.
	MetricsPath = "/metrics"

	// DefaultTimeout bounds a single scrape, connect included.
	DefaultTimeout = 3 * time.Second
)

// ErrNoMonitorSocket indicates no monitor socket exists for a sandbox in
// any of the known state directories.
var ErrNoMonitorSocket = errors.New("shim monitor socket not found")

// Config locates per-sandbox monitor sockets.
type Config struct {
	// SandboxRoot is the primary state directory, one subdirectory per
	// sandbox ID.
	SandboxRoot string `json:"sandbox_root" yaml:"sandbox_root" mapstructure:"sandbox_root"`

	// RuntimeRoot is the fallback state directory used by runtimes that
	// keep sandbox state outside SandboxRoot.
	RuntimeRoot string `json:"runtime_root" yaml:"runtime_root" mapstructure:"runtime_root"`

	// Timeout bounds each scrape.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the conventional socket roots.
func DefaultConfig() Config {
	return Config{
		SandboxRoot: "/run/vc/sbs",
		RuntimeRoot: "/run/vmruntime",
		Timeout:     DefaultTimeout,
	}
}

// Client fetches data from shim monitor sockets. It is safe for
// concurrent use.
type Client struct {
	cfg Config
}

// NewClient returns a scrape client for the given socket roots.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg}
}

// SocketPath resolves the monitor socket for a sandbox, preferring
// SandboxRoot and falling back to RuntimeRoot. The returned error names
// both candidate paths when neither exists.
func (c *Client) SocketPath(id string) (string, error) {
	primary := filepath.Join(c.cfg.SandboxRoot, id, MonitorSocketName)
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}

	fallback := filepath.Join(c.cfg.RuntimeRoot, id, MonitorSocketName)
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}

	return "", fmt.Errorf("%w for sandbox %s: checked %s and %s", ErrNoMonitorSocket, id, primary, fallback)
}

// FetchMetrics fetches the raw exposition payload for one sandbox.
func (c *Client) FetchMetrics(ctx context.Context, id string) ([]byte, error) {
	return c.Get(ctx, id, MetricsPath)
}

// Get performs an HTTP GET against the sandbox's monitor socket and
// returns the response body.
func (c *Client) Get(ctx context.Context, id, path string) ([]byte, error) {
	socketPath, err := c.SocketPath(id)
	if err != nil {
		return nil, err
	}

	// One connection per scrape. The shim closes the connection after
	// each response, so keep-alives would only accumulate dead conns.
	transport := &http.Transport{
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// The host is a placeholder, the transport dials the socket directly.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://shim"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build shim request: %w", err)
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("shim request for sandbox %s failed: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from sandbox %s%s: %s", id, path, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read shim response for sandbox %s: %w", id, err)
	}
	return body, nil
}
