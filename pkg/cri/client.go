// Package cri talks to the container runtime's CRI RuntimeService to
// resolve sandbox ids into pod metadata. The connection is established
// lazily and every failure degrades to "no enrichment this round"
// rather than surfacing as fatal.
package cri

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// ConnState tracks whether the client currently holds a verified
// connection. A failed listing resets the client to Disconnected so
// the next call re-dials.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnected    ConnState = "connected"
)

// Config holds the runtime service connection settings.
type Config struct {
	// Endpoint is the runtime's unix socket, with or without a
	// unix:// prefix.
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`

	// Timeout bounds each RPC, including the connection probe.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// MaxRetries is the number of retries after the first failed
	// ListPodSandbox attempt on an established connection.
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// RetryBackoff is the fixed delay between those retries.
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// DefaultConfig returns the containerd defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "/run/containerd/containerd.sock",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// PodSandbox is the subset of CRI sandbox data the agent cares about.
// Fields other than ID may be empty when the runtime reports no
// metadata.
type PodSandbox struct {
	ID        string
	UID       string
	Name      string
	Namespace string
}

// Client is a lazily connecting CRI RuntimeService client. It is safe
// for concurrent use, though in practice the reconciler is its only
// caller. Construct with NewClient and inject it; there is no shared
// package-level instance.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *grpc.ClientConn
	runtime runtimeapi.RuntimeServiceClient
	state   ConnState
}

// NewClient creates a client for the given runtime endpoint. No
// connection is made until the first call that needs one.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	return &Client{
		cfg:   cfg,
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes and verifies the runtime connection if there is
// none yet. It is idempotent; a failure leaves the client usable and
// the next call dials again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.state == StateConnected && c.conn != nil {
		return nil
	}

	// Drop any stale connection left behind by retry exhaustion.
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.runtime = nil
	}

	target := dialTarget(c.cfg.Endpoint)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial runtime %s: %w", target, err)
	}

	rt := runtimeapi.NewRuntimeServiceClient(conn)

	// Probe with a Version call so Connected means a live runtime, not
	// just a resolvable target.
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	version, err := rt.Version(probeCtx, &runtimeapi.VersionRequest{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("probe runtime %s: %w", target, err)
	}

	c.conn = conn
	c.runtime = rt
	c.state = StateConnected

	log.Info().
		Str("endpoint", c.cfg.Endpoint).
		Str("runtime_name", version.GetRuntimeName()).
		Str("runtime_version", version.GetRuntimeVersion()).
		Msg("Connected to CRI runtime service")
	return nil
}

// ListSandboxes returns all pod sandboxes the runtime knows about.
//
// With an established connection, RPC failures are retried up to
// MaxRetries times with a fixed backoff. When no connection was ever
// established, the connect error is returned immediately without
// retrying; the caller treats either outcome as "no metadata this
// round". Retry exhaustion resets the client to Disconnected.
func (c *Client) ListSandboxes(ctx context.Context) ([]PodSandbox, error) {
	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	rt := c.runtime
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		pods, err := c.list(ctx, rt)
		if err == nil {
			return pods, nil
		}
		lastErr = err

		if attempt < c.cfg.MaxRetries {
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_retries", c.cfg.MaxRetries).
				Dur("backoff", c.cfg.RetryBackoff).
				Msg("ListPodSandbox failed, retrying")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	return nil, fmt.Errorf("list pod sandboxes after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) list(ctx context.Context, rt runtimeapi.RuntimeServiceClient) ([]PodSandbox, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := rt.ListPodSandbox(rpcCtx, &runtimeapi.ListPodSandboxRequest{})
	if err != nil {
		return nil, fmt.Errorf("ListPodSandbox: %w", err)
	}

	items := resp.GetItems()
	pods := make([]PodSandbox, 0, len(items))
	for _, item := range items {
		pod := PodSandbox{ID: item.GetId()}
		if md := item.GetMetadata(); md != nil {
			pod.UID = md.GetUid()
			pod.Name = md.GetName()
			pod.Namespace = md.GetNamespace()
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

// Close tears down the connection. The client can be reused; the next
// call reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateDisconnected
	c.runtime = nil
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func dialTarget(endpoint string) string {
	if strings.HasPrefix(endpoint, "unix://") {
		return endpoint
	}
	return "unix://" + endpoint
}
