// Package gateway implements the Agent Gateway: a WebSocket server that
// reverse-tunnel agents dial into, speaking a small JSON protocol with
// request/response and stream correlation, token auth, and heartbeats.
// The connection-registry and pending-waiter shape follows this repo's
// usual cluster/server connection-tracking style, with gorilla/websocket
// framing in place of gRPC+mTLS.
package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harborctl/harborctl/internal/credential"
	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/router"
)

const (
	heartbeatTimeout = 90 * time.Second
	cleanupInterval  = 30 * time.Second
	defaultCallWait  = 30 * time.Second
)

// frame is the single wire shape for every message type in the protocol; a
// "type" discriminator selects which of its fields are meaningful. A flat
// struct (rather than one type per message) matches how small the protocol
// is in practice and avoids a parse-then-reparse dance per frame.
type frame struct {
	Type string `json:"type"`

	// hello
	Version       string   `json:"version,omitempty"`
	AgentID       string   `json:"agentId,omitempty"`
	AgentName     string   `json:"agentName,omitempty"`
	Token         string   `json:"token,omitempty"`
	DockerVersion string   `json:"dockerVersion,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`

	// request / response
	RequestID  string            `json:"requestId,omitempty"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"` // base64
	Streaming  bool              `json:"streaming,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	IsBinary   bool              `json:"isBinary,omitempty"`

	// stream_end
	Reason string `json:"reason,omitempty"`

	// metrics (agent -> server, pre-normalization)
	CPUPercentRaw float64 `json:"cpuPercentRaw,omitempty"`
	Cores         int     `json:"cores,omitempty"`
	MemoryUsed    uint64  `json:"memoryUsed,omitempty"`
	MemoryTotal   uint64  `json:"memoryTotal,omitempty"`

	// container_event
	Event *domain.ContainerEvent `json:"event,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type responseWaiter struct {
	once sync.Once
	done chan struct{}
	resp *router.Response
	err  error
}

func (w *responseWaiter) resolve(resp *router.Response, err error) {
	w.once.Do(func() {
		w.resp, w.err = resp, err
		close(w.done)
	})
}

type streamWaiter struct {
	once sync.Once
	cb   router.StreamCallbacks
	done chan struct{}
}

func (w *streamWaiter) resolve(err error) {
	w.once.Do(func() {
		if w.cb.OnEnd != nil {
			w.cb.OnEnd(err)
		}
		close(w.done)
	})
}

// connection is one live EdgeConnection for an environment.
type connection struct {
	envID   string
	agentID string
	name    string
	version string
	caps    []string

	ws *websocket.Conn

	writeMu sync.Mutex

	mu             sync.Mutex
	lastHeartbeat  time.Time
	pendingRequest map[string]*responseWaiter
	pendingStream  map[string]*streamWaiter
	closed         bool
}

func (c *connection) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// rejectAll resolves every pending waiter with reason and marks the
// connection closed.
func (c *connection) rejectAll(reason domain.WaiterRejectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	rejected := &domain.WaiterRejected{Reason: reason}
	for id, w := range c.pendingRequest {
		w.resolve(nil, rejected)
		delete(c.pendingRequest, id)
	}
	for id, w := range c.pendingStream {
		w.resolve(rejected)
		delete(c.pendingStream, id)
	}
}

// EnvironmentStore is the subset of the Store the gateway needs: token
// lookup for hello auth and a liveness touch on successful connect.
type EnvironmentStore interface {
	ListActiveAgentTokens() ([]domain.AgentToken, error)
	TouchAgentToken(id string, at time.Time) error
	SaveEnvironment(env domain.Environment) error
	GetEnvironment(id string) (domain.Environment, error)
}

// Gateway is the Agent Gateway.
type Gateway struct {
	store   EnvironmentStore
	log     *logging.Logger
	status  StatusPublisher
	events  ContainerEventPublisher
	metrics MetricsSink

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection // envID -> connection

	stopCleanup chan struct{}
}

// StatusPublisher and ContainerEventPublisher are the narrow broker
// dependencies the gateway needs, kept as interfaces so the package doesn't
// need to import package broker's concrete bus types.
type StatusPublisher interface {
	Publish(domain.EnvStatus)
}

type ContainerEventPublisher interface {
	Publish(domain.ContainerEvent)
}

// MetricsSink receives normalized host metrics pushed by edge agents, for
// the same persistence path the Metrics Worker uses for non-edge
// environments.
type MetricsSink interface {
	SaveHostMetric(domain.HostMetric) error
}

func New(store EnvironmentStore, status StatusPublisher, events ContainerEventPublisher, metrics MetricsSink, log *logging.Logger) *Gateway {
	g := &Gateway{
		store:       store,
		log:         log,
		status:      status,
		events:      events,
		metrics:     metrics,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		conns:       make(map[string]*connection),
		stopCleanup: make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

func (g *Gateway) Close() {
	close(g.stopCleanup)
}

// ServeHTTP upgrades the connection and runs its read loop until the agent
// disconnects, handling exactly one `hello` before accepting protocol
// traffic.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("agent gateway upgrade failed", "error", err)
		return
	}

	var hello frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		ws.WriteJSON(frame{Type: "error", Error: "expected hello frame"})
		ws.Close()
		return
	}

	envID, tokenID, err := g.authenticate(hello.Token)
	if err != nil {
		ws.WriteJSON(frame{Type: "error", Error: err.Error()})
		ws.Close()
		return
	}

	conn := &connection{
		envID:          envID,
		agentID:        hello.AgentID,
		name:           hello.AgentName,
		version:        hello.Version,
		caps:           hello.Capabilities,
		ws:             ws,
		lastHeartbeat:  time.Now(),
		pendingRequest: make(map[string]*responseWaiter),
		pendingStream:  make(map[string]*streamWaiter),
	}

	g.replaceConnection(envID, conn)
	_ = g.store.TouchAgentToken(tokenID, time.Now())
	if env, err := g.store.GetEnvironment(envID); err == nil {
		env.LastSeen = time.Now()
		env.AgentID, env.AgentName, env.AgentVersion = hello.AgentID, hello.AgentName, hello.Version
		env.Capabilities = hello.Capabilities
		_ = g.store.SaveEnvironment(env)
	}
	if g.status != nil {
		g.status.Publish(domain.EnvStatus{EnvironmentID: envID, Online: true})
	}

	if err := conn.send(frame{Type: "welcome"}); err != nil {
		g.log.Warn("agent gateway welcome failed", "environment_id", envID, "error", err)
		g.disconnect(envID, conn, domain.RejectConnectionClosed)
		return
	}

	g.readLoop(conn)
}

// authenticate verifies a hello token in constant time against the active
// agent tokens and returns the owning environment and token ids.
func (g *Gateway) authenticate(token string) (envID, tokenID string, err error) {
	if token == "" {
		return "", "", fmt.Errorf("missing token")
	}
	tokens, err := g.store.ListActiveAgentTokens()
	if err != nil {
		return "", "", fmt.Errorf("token lookup failed")
	}
	prefix := credential.TokenPrefix(token)
	for _, t := range tokens {
		if t.Prefix != prefix {
			continue
		}
		if credential.VerifyToken(token, t.TokenHash) {
			if t.Expired(time.Now()) {
				return "", "", fmt.Errorf("token expired")
			}
			return t.EnvironmentID, t.ID, nil
		}
	}
	return "", "", fmt.Errorf("invalid token")
}

// replaceConnection installs conn as the live connection for envID,
// rejecting any prior connection's waiters with "replaced" per the
// EdgeConnection invariant of at most one live connection per environment.
func (g *Gateway) replaceConnection(envID string, conn *connection) {
	g.mu.Lock()
	prior := g.conns[envID]
	g.conns[envID] = conn
	g.mu.Unlock()

	if prior != nil {
		prior.rejectAll(domain.RejectReplaced)
		prior.ws.Close()
	}
}

func (g *Gateway) disconnect(envID string, conn *connection, reason domain.WaiterRejectReason) {
	g.mu.Lock()
	if g.conns[envID] == conn {
		delete(g.conns, envID)
	}
	g.mu.Unlock()

	conn.rejectAll(reason)
	conn.ws.Close()
	if g.status != nil {
		g.status.Publish(domain.EnvStatus{EnvironmentID: envID, Online: false})
	}
}

func (g *Gateway) readLoop(conn *connection) {
	for {
		var f frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			g.disconnect(conn.envID, conn, domain.RejectConnectionClosed)
			return
		}
		g.handleFrame(conn, f)
	}
}

func (g *Gateway) handleFrame(conn *connection, f frame) {
	switch f.Type {
	case "ping":
		conn.touchHeartbeat()
		_ = conn.send(frame{Type: "pong"})
	case "pong":
		conn.touchHeartbeat()
	case "response":
		conn.touchHeartbeat()
		g.resolveResponse(conn, f)
	case "stream":
		conn.touchHeartbeat()
		g.deliverStreamFrame(conn, f)
	case "stream_end":
		conn.touchHeartbeat()
		g.endStream(conn, f.RequestID, nil)
	case "metrics":
		conn.touchHeartbeat()
		// normalize raw CPU by core count.
		if g.metrics != nil && f.MemoryTotal > 0 {
			m := domain.HostMetric{
				EnvironmentID: conn.envID,
				CPUPercent:    normalizeCPU(f.CPUPercentRaw, f.Cores),
				MemoryUsed:    f.MemoryUsed,
				MemoryTotal:   f.MemoryTotal,
				MemoryPercent: percent(f.MemoryUsed, f.MemoryTotal),
				Timestamp:     time.Now(),
			}
			if err := g.metrics.SaveHostMetric(m); err != nil {
				g.log.Warn("agent gateway metrics save failed", "environment_id", conn.envID, "error", err)
			}
		}
	case "container_event":
		conn.touchHeartbeat()
		if f.Event != nil && g.events != nil {
			evt := *f.Event
			evt.EnvironmentID = conn.envID
			g.events.Publish(evt)
		}
	case "error":
		conn.touchHeartbeat()
		if f.RequestID != "" {
			g.resolveResponse(conn, frame{RequestID: f.RequestID, Error: f.Error})
			g.endStream(conn, f.RequestID, fmt.Errorf("%s", f.Error))
		}
	}
}

func normalizeCPU(raw float64, cores int) float64 {
	if cores <= 0 {
		return 0
	}
	return raw / float64(cores)
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

func (g *Gateway) resolveResponse(conn *connection, f frame) {
	conn.mu.Lock()
	w, ok := conn.pendingRequest[f.RequestID]
	if ok {
		delete(conn.pendingRequest, f.RequestID)
	}
	conn.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != "" {
		w.resolve(nil, fmt.Errorf("%s", f.Error))
		return
	}
	body, _ := base64.StdEncoding.DecodeString(f.Body)
	headers := make(map[string][]string, len(f.Headers))
	for k, v := range f.Headers {
		headers[k] = []string{v}
	}
	w.resolve(&router.Response{StatusCode: f.StatusCode, Headers: headers, Body: body}, nil)
}

func (g *Gateway) deliverStreamFrame(conn *connection, f frame) {
	conn.mu.Lock()
	w, ok := conn.pendingStream[f.RequestID]
	conn.mu.Unlock()
	if !ok {
		return // late frame for a resolved or timed-out waiter; dropped
	}
	data := []byte(f.Body)
	if f.IsBinary {
		if decoded, err := base64.StdEncoding.DecodeString(f.Body); err == nil {
			data = decoded
		}
	}
	if w.cb.OnFrame != nil {
		w.cb.OnFrame(data)
	}
}

func (g *Gateway) endStream(conn *connection, requestID string, err error) {
	conn.mu.Lock()
	w, ok := conn.pendingStream[requestID]
	if ok {
		delete(conn.pendingStream, requestID)
	}
	conn.mu.Unlock()
	if ok {
		w.resolve(err)
	}
}

// Connected reports whether envID currently has a live agent connection.
func (g *Gateway) Connected(envID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[envID]
	return ok
}

// Dispatch issues a request frame and waits for the matching response,
// implementing router.AgentDispatcher.
func (g *Gateway) Dispatch(ctx context.Context, envID, method, path string, headers map[string]string, body []byte, streaming bool) (*router.Response, error) {
	g.mu.RLock()
	conn, ok := g.conns[envID]
	g.mu.RUnlock()
	if !ok {
		return nil, domain.ErrAgentNotConnected
	}

	requestID := uuid.NewString()
	w := &responseWaiter{done: make(chan struct{})}
	conn.mu.Lock()
	conn.pendingRequest[requestID] = w
	conn.mu.Unlock()

	f := frame{Type: "request", RequestID: requestID, Method: method, Path: path, Headers: headers, Streaming: streaming}
	if body != nil {
		f.Body = base64.StdEncoding.EncodeToString(body)
	}
	if err := conn.send(f); err != nil {
		conn.mu.Lock()
		delete(conn.pendingRequest, requestID)
		conn.mu.Unlock()
		return nil, &domain.TransportError{EnvironmentID: envID, Category: domain.CategoryGeneric, Err: err}
	}

	deadline := defaultCallWait
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.Until(dl)
	}

	select {
	case <-w.done:
		return w.resp, w.err
	case <-time.After(deadline):
		conn.mu.Lock()
		delete(conn.pendingRequest, requestID)
		conn.mu.Unlock()
		_ = conn.send(frame{Type: "stream_end", RequestID: requestID, Reason: "cancelled"})
		return nil, domain.ErrTimeout
	case <-ctx.Done():
		conn.mu.Lock()
		delete(conn.pendingRequest, requestID)
		conn.mu.Unlock()
		_ = conn.send(frame{Type: "stream_end", RequestID: requestID, Reason: "cancelled"})
		return nil, ctx.Err()
	}
}

// DispatchStream issues a streaming request frame, registering both a
// response waiter (for the final status code) and a stream waiter (for
// chunked frames), correlated by request ID.
func (g *Gateway) DispatchStream(ctx context.Context, envID, method, path string, headers map[string]string, body []byte, cb router.StreamCallbacks) (func(), error) {
	g.mu.RLock()
	conn, ok := g.conns[envID]
	g.mu.RUnlock()
	if !ok {
		return nil, domain.ErrAgentNotConnected
	}

	requestID := uuid.NewString()
	rw := &responseWaiter{done: make(chan struct{})}
	sw := &streamWaiter{cb: cb, done: make(chan struct{})}

	conn.mu.Lock()
	conn.pendingRequest[requestID] = rw
	conn.pendingStream[requestID] = sw
	conn.mu.Unlock()

	f := frame{Type: "request", RequestID: requestID, Method: method, Path: path, Headers: headers, Streaming: true}
	if body != nil {
		f.Body = base64.StdEncoding.EncodeToString(body)
	}
	if err := conn.send(f); err != nil {
		conn.mu.Lock()
		delete(conn.pendingRequest, requestID)
		delete(conn.pendingStream, requestID)
		conn.mu.Unlock()
		return nil, &domain.TransportError{EnvironmentID: envID, Category: domain.CategoryGeneric, Err: err}
	}

	cancel := func() {
		conn.mu.Lock()
		delete(conn.pendingRequest, requestID)
		delete(conn.pendingStream, requestID)
		conn.mu.Unlock()
		_ = conn.send(frame{Type: "stream_end", RequestID: requestID, Reason: "cancelled"})
	}
	return cancel, nil
}

// cleanupLoop closes connections whose heartbeat has gone stale, scanning
// every 30s against a 90s threshold.
func (g *Gateway) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCleanup:
			return
		case <-ticker.C:
			g.sweepStale()
		}
	}
}

func (g *Gateway) sweepStale() {
	now := time.Now()
	g.mu.RLock()
	stale := make([]struct {
		envID string
		conn  *connection
	}, 0)
	for envID, conn := range g.conns {
		conn.mu.Lock()
		last := conn.lastHeartbeat
		conn.mu.Unlock()
		if now.Sub(last) > heartbeatTimeout {
			stale = append(stale, struct {
				envID string
				conn  *connection
			}{envID, conn})
		}
	}
	g.mu.RUnlock()

	for _, s := range stale {
		g.disconnect(s.envID, s.conn, domain.RejectTimeout)
	}
}

