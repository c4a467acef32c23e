// Package router implements the Connection Router: per-environment
// transport selection with a TTL'd config cache, issuing container-daemon
// API calls over a unix socket, direct TCP/TLS, an agent-token header, or a
// reverse-tunnel agent connection. The request-forwarding shape
// (method/path/body proxied across the tunnel) generalizes this repo's
// usual connection-registry pattern to four transport kinds, with a
// per-environment *http.Client construction for the direct transports.
package router

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	dockerclient "github.com/moby/moby/client"
)

const configCacheTTL = 30 * time.Minute

// slowCallThreshold is the elapsed-time cutoff past which a call is logged
// as slow.
const slowCallThreshold = 5 * time.Second

// Response is the Connection Router's normalized result shape, used
// identically whether the call went over HTTP or the agent tunnel.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// StreamCallbacks receives chunked frames for a streaming call.
type StreamCallbacks struct {
	OnFrame func(data []byte)
	OnEnd   func(err error)
}

// AgentDispatcher is the subset of the Agent Gateway the router needs. It is
// declared here (not imported from package gateway) so the two packages can
// depend on each other's interfaces without an import cycle; cmd/harborctl
// wires the concrete *gateway.Gateway in.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, envID, method, path string, headers map[string]string, body []byte, streaming bool) (*Response, error)
	DispatchStream(ctx context.Context, envID, method, path string, headers map[string]string, body []byte, cb StreamCallbacks) (cancel func(), err error)
	Connected(envID string) bool
}

// EnvironmentStore is the subset of the Store the router needs to resolve an
// environment's transport.
type EnvironmentStore interface {
	GetEnvironment(id string) (domain.Environment, error)
}

type cacheEntry struct {
	env       domain.Environment
	client    *http.Client
	expiresAt time.Time
}

// Router selects a transport per environment and performs the call,
// returning a TransportError with a stable category on failure.
type Router struct {
	store  EnvironmentStore
	agents AgentDispatcher
	log    *logging.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

func New(store EnvironmentStore, agents AgentDispatcher, log *logging.Logger) *Router {
	return &Router{store: store, agents: agents, log: log, cache: make(map[string]*cacheEntry)}
}

// Environment returns the resolved environment for envID, using the same
// TTL cache as Call.
func (r *Router) Environment(envID string) (domain.Environment, error) {
	entry, err := r.resolve(envID)
	if err != nil {
		return domain.Environment{}, err
	}
	return entry.env, nil
}

// ClearConfigCache evicts a single environment's cached transport, forcing
// rebuild on next Call. Invoked whenever an environment's transport is
// edited.
func (r *Router) ClearConfigCache(envID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, envID)
}

func (r *Router) resolve(envID string) (*cacheEntry, error) {
	r.mu.Lock()
	entry, ok := r.cache[envID]
	r.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry, nil
	}

	env, err := r.store.GetEnvironment(envID)
	if err != nil {
		return nil, err
	}

	entry = &cacheEntry{env: env, expiresAt: time.Now().Add(configCacheTTL)}
	if env.Transport.Kind != domain.TransportAgentEdge {
		httpClient, buildErr := buildHTTPClient(env.Transport)
		if buildErr != nil {
			return nil, &domain.TransportError{EnvironmentID: envID, Category: domain.CategoryGeneric, Err: buildErr}
		}
		entry.client = httpClient
	}

	r.mu.Lock()
	r.cache[envID] = entry
	r.mu.Unlock()
	return entry, nil
}

// buildHTTPClient constructs the *http.Client for socket, direct, and
// agent-token transports. agent-edge has no HTTP client; it is dispatched
// through the AgentDispatcher instead.
func buildHTTPClient(t domain.Transport) (*http.Client, error) {
	switch t.Kind {
	case domain.TransportSocket:
		path := t.SocketPath
		if path == "" {
			path = defaultSocketPath()
		}
		return &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}, nil

	case domain.TransportDirect, domain.TransportAgentToken:
		transport := &http.Transport{}
		if t.TLSCA != "" || t.TLSCert != "" || t.TLSSkipVerify {
			tlsConfig, err := buildTLSConfig(t)
			if err != nil {
				return nil, err
			}
			transport.TLSClientConfig = tlsConfig
		}
		return &http.Client{Transport: transport}, nil

	default:
		return nil, fmt.Errorf("unsupported transport kind %q for http client", t.Kind)
	}
}

// defaultSocketPath returns the first candidate from a short autodetect
// list, used as the fallthrough when no explicit path is set.
func defaultSocketPath() string {
	candidates := []string{
		"/var/run/docker.sock",
		"/run/docker.sock",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return candidates[0]
}

func buildTLSConfig(t domain.Transport) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: t.TLSSkipVerify}
	if t.TLSCA != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(t.TLSCA)) {
			return nil, fmt.Errorf("parse tls ca: invalid PEM")
		}
		cfg.RootCAs = pool
	}
	if t.TLSCert != "" && t.TLSKey != "" {
		cert, err := tls.X509KeyPair([]byte(t.TLSCert), []byte(t.TLSKey))
		if err != nil {
			return nil, fmt.Errorf("parse tls client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func baseURL(t domain.Transport) string {
	switch t.Kind {
	case domain.TransportSocket:
		return "http://unix"
	case domain.TransportDirect, domain.TransportAgentToken:
		scheme := "http"
		if t.TLSCA != "" || t.TLSCert != "" || t.TLSSkipVerify {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s:%d", scheme, t.Host, t.Port)
	default:
		return ""
	}
}

// Call performs one request against the environment's daemon, selecting
// transport per its configuration. timeout <= 0 means no deadline is
// applied (used by streaming callers, which disable idle read timeouts).
func (r *Router) Call(ctx context.Context, envID, method, path string, body []byte, headers map[string]string, timeout time.Duration) (*Response, error) {
	started := time.Now()
	resp, err := r.call(ctx, envID, method, path, body, headers, timeout)
	if elapsed := time.Since(started); elapsed > slowCallThreshold {
		r.log.Warn("slow connection router call", "environment_id", envID, "method", method, "path", path, "elapsed", elapsed)
	}
	return resp, err
}

func (r *Router) call(ctx context.Context, envID, method, path string, body []byte, headers map[string]string, timeout time.Duration) (*Response, error) {
	entry, err := r.resolve(envID)
	if err != nil {
		return nil, err
	}

	if entry.env.Transport.Kind == domain.TransportAgentEdge {
		if !r.agents.Connected(envID) {
			return nil, domain.ErrAgentNotConnected
		}
		return r.agents.Dispatch(ctx, envID, method, path, headers, body, false)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := baseURL(entry.env.Transport) + path
	req, err := http.NewRequestWithContext(ctx, method, url, newBodyReader(body))
	if err != nil {
		return nil, &domain.TransportError{EnvironmentID: envID, Category: domain.CategoryGeneric, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if entry.env.Transport.Kind == domain.TransportAgentToken {
		req.Header.Set("X-Agent-Token", entry.env.Transport.AgentToken)
	}

	httpResp, err := entry.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(envID, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &domain.TransportError{EnvironmentID: envID, Category: domain.CategoryGeneric, Err: err}
	}
	return &Response{StatusCode: httpResp.StatusCode, Headers: httpResp.Header, Body: data}, nil
}

// StreamCall behaves like Call but leaves the read timeout disabled and
// delivers chunked frames through cb as they arrive, returning a cancel
// handle the caller may invoke to abort the request early.
func (r *Router) StreamCall(ctx context.Context, envID, method, path string, headers map[string]string, cb StreamCallbacks) (cancel func(), err error) {
	entry, err := r.resolve(envID)
	if err != nil {
		return nil, err
	}

	if entry.env.Transport.Kind == domain.TransportAgentEdge {
		if !r.agents.Connected(envID) {
			return nil, domain.ErrAgentNotConnected
		}
		return r.agents.DispatchStream(ctx, envID, method, path, headers, nil, cb)
	}

	streamCtx, cancelFn := context.WithCancel(ctx)
	url := baseURL(entry.env.Transport) + path
	req, err := http.NewRequestWithContext(streamCtx, method, url, nil)
	if err != nil {
		cancelFn()
		return nil, &domain.TransportError{EnvironmentID: envID, Category: domain.CategoryGeneric, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := entry.client.Do(req)
	if err != nil {
		cancelFn()
		return nil, classifyTransportErr(envID, err)
	}

	go func() {
		defer httpResp.Body.Close()
		buf := make([]byte, 32*1024)
		for {
			n, readErr := httpResp.Body.Read(buf)
			if n > 0 && cb.OnFrame != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb.OnFrame(chunk)
			}
			if readErr != nil {
				if cb.OnEnd != nil {
					if readErr == io.EOF {
						cb.OnEnd(nil)
					} else {
						cb.OnEnd(readErr)
					}
				}
				return
			}
		}
	}()

	return cancelFn, nil
}

// DockerClient returns a typed moby API client bound to the environment's
// transport, for the Event and Metrics Workers' container/events/stats
// calls. Not valid for agent-edge environments — those workers instead
// consume container_event/metrics frames pushed through the Agent Gateway.
func (r *Router) DockerClient(envID string) (*dockerclient.Client, error) {
	entry, err := r.resolve(envID)
	if err != nil {
		return nil, err
	}
	if entry.env.Transport.Kind == domain.TransportAgentEdge {
		return nil, fmt.Errorf("no docker client for agent-edge environment %q: use the agent gateway stream instead", envID)
	}

	opts := []dockerclient.Opt{
		dockerclient.WithHTTPClient(entry.client),
		dockerclient.WithAPIVersionNegotiation(),
	}
	switch entry.env.Transport.Kind {
	case domain.TransportSocket:
		opts = append(opts, dockerclient.WithHost("unix://"+socketPathOf(entry.env.Transport)))
	case domain.TransportDirect, domain.TransportAgentToken:
		opts = append(opts, dockerclient.WithHost(baseURL(entry.env.Transport)))
	}
	return dockerclient.NewClientWithOpts(opts...)
}

func socketPathOf(t domain.Transport) string {
	if t.SocketPath != "" {
		return t.SocketPath
	}
	return defaultSocketPath()
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return strings.NewReader(string(body))
}

// classifyTransportErr maps a raw error into a fixed transport-error
// category set.
func classifyTransportErr(envID string, err error) *domain.TransportError {
	category := domain.CategoryGeneric
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		category = domain.CategoryDNS
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such file or directory"):
		category = domain.CategorySocketUnavailable
	case strings.Contains(msg, "connection reset"):
		category = domain.CategoryConnectionReset
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "i/o timeout"):
		category = domain.CategoryTimeout
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "network is unreachable"):
		category = domain.CategoryHostUnreachable
	}
	return &domain.TransportError{EnvironmentID: envID, Category: category, Err: err}
}
