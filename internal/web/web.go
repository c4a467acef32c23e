// Package web is the thin Web API Gateway: a minimal operator surface to
// list environments, inspect one environment's latest metrics, trigger a
// schedule, stream an execution's log tail over SSE, and route a container
// action through the Connection Router. The lifecycle follows the usual
// ServeMux-with-method+path-patterns, *http.Server-with-explicit-timeouts,
// Shutdown(ctx) idiom — not a full dashboard, login flow, or WebAuthn/
// session machinery, which belong to a separate operator UI.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	dockerclient "github.com/moby/moby/client"

	"github.com/harborctl/harborctl/internal/authz"
	"github.com/harborctl/harborctl/internal/credential"
	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/router"
	"github.com/harborctl/harborctl/internal/scheduler"
)

// Store is the subset of persistence the gateway reads from directly.
type Store interface {
	ListEnvironments() ([]domain.Environment, error)
	GetEnvironment(id string) (domain.Environment, error)
	LatestHostMetric(envID string) (domain.HostMetric, bool, error)
	ListRecentExecutions(limit int) ([]domain.ScheduleExecution, error)
}

// Deps holds the gateway's wired collaborators.
type Deps struct {
	Store     Store
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Authz     *authz.Service
	AuthUser  string
	AuthHash  string
	Log       *logging.Logger
}

// Gateway is the thin Web API Gateway.
type Gateway struct {
	deps   Deps
	mux    *http.ServeMux
	server *http.Server
}

// New constructs a Gateway with its routes registered, ready to serve.
func New(deps Deps) *Gateway {
	g := &Gateway{deps: deps, mux: http.NewServeMux()}
	g.registerRoutes()
	return g
}

func (g *Gateway) registerRoutes() {
	g.mux.HandleFunc("GET /api/environments", g.authed(g.listEnvironments))
	g.mux.HandleFunc("GET /api/environments/{id}", g.authed(g.getEnvironment))
	g.mux.HandleFunc("POST /api/environments/{id}/containers/{containerID}/{action}", g.authed(g.containerAction))
	g.mux.HandleFunc("POST /api/schedules/{id}/trigger", g.authed(g.triggerSchedule))
	g.mux.HandleFunc("GET /api/executions/{id}/stream", g.authed(g.streamExecution))
}

// authed enforces HTTP Basic Auth against the single configured operator
// account. There is no multi-user/session model here (see package doc);
// every authenticated request acts as an unrestricted authz.Subject.
func (g *Gateway) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(g.deps.AuthUser)) != 1 || !credential.VerifyPassword(pass, g.deps.AuthHash) {
			w.Header().Set("WWW-Authenticate", `Basic realm="harborctl"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		h(w, r)
	}
}

func (g *Gateway) subject() authz.Subject {
	return authz.Subject{ID: g.deps.AuthUser, Role: authz.RoleAdmin}
}

func (g *Gateway) listEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := g.deps.Store.ListEnvironments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := g.deps.Authz.Check(r.Context(), g.subject(), authz.ResourceEnvironment, authz.ActionView, ""); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

type environmentDetail struct {
	domain.Environment
	LatestMetric *domain.HostMetric `json:"latest_metric,omitempty"`
}

func (g *Gateway) getEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.deps.Authz.Check(r.Context(), g.subject(), authz.ResourceEnvironment, authz.ActionView, id); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	env, err := g.deps.Store.GetEnvironment(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	detail := environmentDetail{Environment: env}
	if m, ok, err := g.deps.Store.LatestHostMetric(id); err == nil && ok {
		detail.LatestMetric = &m
	}
	writeJSON(w, http.StatusOK, detail)
}

func (g *Gateway) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	if err := g.deps.Authz.Check(r.Context(), g.subject(), authz.ResourceSchedule, authz.ActionUpdate, ""); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := g.deps.Scheduler.TriggerNow(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// streamExecution tails one ScheduleExecution's accumulated log text as
// Server-Sent Events, polling the Store until the execution reaches a
// terminal status or the client disconnects.
func (g *Gateway) streamExecution(w http.ResponseWriter, r *http.Request) {
	if err := g.deps.Authz.Check(r.Context(), g.subject(), authz.ResourceSchedule, authz.ActionView, ""); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			exec, found, err := g.findExecution(id)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
				flusher.Flush()
				return
			}
			if !found {
				continue
			}
			if len(exec.Logs) > sent {
				chunk := exec.Logs[sent:]
				sent = len(exec.Logs)
				for _, line := range splitLines(chunk) {
					fmt.Fprintf(w, "data: %s\n\n", line)
				}
				flusher.Flush()
			}
			if exec.Status.Terminal() {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", exec.Status)
				flusher.Flush()
				return
			}
		}
	}
}

func (g *Gateway) findExecution(id string) (domain.ScheduleExecution, bool, error) {
	execs, err := g.deps.Store.ListRecentExecutions(200)
	if err != nil {
		return domain.ScheduleExecution{}, false, err
	}
	for _, e := range execs {
		if e.ID == id {
			return e, true, nil
		}
	}
	return domain.ScheduleExecution{}, false, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// containerAction routes one of start/stop/restart to the container's
// environment, via the daemon directly for socket/direct transports or via
// the Connection Router's agent call for agent-token/agent-edge ones.
func (g *Gateway) containerAction(w http.ResponseWriter, r *http.Request) {
	envID := r.PathValue("id")
	containerID := r.PathValue("containerID")
	action := r.PathValue("action")

	if err := g.deps.Authz.Check(r.Context(), g.subject(), authz.ResourceEnvironment, authz.ActionUpdate, envID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if action != "start" && action != "stop" && action != "restart" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported container action %q", action))
		return
	}

	env, err := g.deps.Router.Environment(envID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx := r.Context()
	if env.Transport.Kind == domain.TransportAgentToken || env.Transport.Kind == domain.TransportAgentEdge {
		resp, err := g.deps.Router.Call(ctx, envID, "POST", "/containers/"+containerID+"/"+action, nil, nil, 30*time.Second)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
		return
	}

	client, err := g.deps.Router.DockerClient(envID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := runContainerAction(ctx, client, containerID, action); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func runContainerAction(ctx context.Context, client *dockerclient.Client, containerID, action string) error {
	switch action {
	case "start":
		_, err := client.ContainerStart(ctx, containerID, dockerclient.ContainerStartOptions{})
		return err
	case "stop":
		_, err := client.ContainerStop(ctx, containerID, dockerclient.ContainerStopOptions{})
		return err
	case "restart":
		_, err := client.ContainerRestart(ctx, containerID, dockerclient.ContainerRestartOptions{})
		return err
	default:
		return errors.New("unsupported container action")
	}
}

// ListenAndServe starts the gateway's HTTP server on addr.
func (g *Gateway) ListenAndServe(addr string) error {
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the SSE log-tail stream is long-lived and must not be cut off
		IdleTimeout:  120 * time.Second,
	}
	g.deps.Log.Info("web gateway listening", "addr", addr)
	return g.server.ListenAndServe()
}

// Shutdown gracefully stops the gateway's HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
