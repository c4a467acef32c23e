// Package compose implements the Compose Engine: managed compose-file
// lifecycle with per-stack mutual exclusion, a hard timeout with
// SIGTERM→SIGKILL escalation, and a per-container fallback for
// externally-created stacks. Compose-file handling goes through yaml.v3
// instead of regex text patching, and stack/project discovery follows a
// label-based idiom consistent with the rest of this repo's Docker
// integrations.
package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/moby/moby/api/types/container"
	dockerclient "github.com/moby/moby/client"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/router"
)

// composeProjectLabel is the label docker compose stamps on every
// container it creates, used to discover containers belonging to a stack
// with no materialized compose file.
const composeProjectLabel = "com.docker.compose.project"

// defaultInvocationTimeout and defaultKillGrace back New when the caller
// passes a zero duration, matching the config package's own defaults.
const (
	defaultInvocationTimeout = 5 * time.Minute
	defaultKillGrace         = 5 * time.Second
)

var stackNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidStackName reports whether name satisfies the Compose Engine's
// identity constraint.
func ValidStackName(name string) bool {
	return stackNamePattern.MatchString(name)
}

// Op is one logical compose lifecycle operation.
type Op string

const (
	OpUp      Op = "up"
	OpDown    Op = "down"
	OpStop    Op = "stop"
	OpStart   Op = "start"
	OpRestart Op = "restart"
	OpPull    Op = "pull"
)

// Result is the outcome of one invocation.
type Result struct {
	Success  bool
	Output   string
	Error    string
	TimedOut bool
}

// Store is the subset of persistence the engine needs.
type Store interface {
	GetStackSource(name, envID string) (domain.StackSource, bool, error)
	SaveStackSource(domain.StackSource) error
	ListStackEnvVars(name, envID string) ([]domain.StackEnvVar, error)
}

// DeployOptions carries the inputs a deploy needs beyond the stack
// identity: compose file bytes (when materializing/updating a managed
// stack), and env-var overrides merged on top of any .env file.
type DeployOptions struct {
	ComposeFile   []byte
	EnvFileVars   map[string]string
	ForceRecreate bool
}

// Engine is the Compose Engine.
type Engine struct {
	dataDir           string
	store             Store
	router            *router.Router
	log               *logging.Logger
	invocationTimeout time.Duration
	killGrace         time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Compose Engine. invocationTimeout bounds a single
// docker compose invocation before SIGTERM is sent; killGrace is how long
// the engine waits after SIGTERM before escalating to SIGKILL. A zero
// value for either falls back to the package default so callers that
// don't care can pass zero values.
func New(dataDir string, store Store, rtr *router.Router, log *logging.Logger, invocationTimeout, killGrace time.Duration) *Engine {
	if invocationTimeout <= 0 {
		invocationTimeout = defaultInvocationTimeout
	}
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Engine{
		dataDir:           dataDir,
		store:             store,
		router:            rtr,
		log:               log,
		invocationTimeout: invocationTimeout,
		killGrace:         killGrace,
		locks:             make(map[string]*sync.Mutex),
	}
}

func (e *Engine) stackDir(name string) string {
	return filepath.Join(e.dataDir, "stacks", name)
}

func (e *Engine) composeFilePath(name string) string {
	return filepath.Join(e.stackDir(name), "docker-compose.yml")
}

// lockFor returns the per-stack-name mutex, creating it on first use. Go's
// sync.Mutex is not guaranteed FIFO, but under the typical low-contention
// per-stack access pattern it behaves fairly in practice.
func (e *Engine) lockFor(name string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[name]
	if !ok {
		l = &sync.Mutex{}
		e.locks[name] = l
	}
	return l
}

// SaveComposeFile materializes a stack's compose file under
// <data_dir>/stacks/<name>/docker-compose.yml. create distinguishes first
// write (refuses to overwrite, cleans any orphan directory first) from an
// update (refuses if the file is absent).
func (e *Engine) SaveComposeFile(name string, content []byte, create bool) error {
	if !ValidStackName(name) {
		return fmt.Errorf("invalid stack name %q", name)
	}
	path := e.composeFilePath(name)

	if create {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("compose file for stack %q already exists", name)
		}
		if err := os.RemoveAll(e.stackDir(name)); err != nil {
			return fmt.Errorf("clean orphan stack directory: %w", err)
		}
	} else {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return domain.ErrComposeFileMissing
		}
	}

	if err := os.MkdirAll(e.stackDir(name), 0o755); err != nil {
		return fmt.Errorf("create stack directory: %w", err)
	}

	// Round-trip through yaml.v3 so malformed input is rejected before
	// being written, rather than patched in place with string/regex edits.
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("parse compose file: %w", err)
	}
	normalized, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("re-marshal compose file: %w", err)
	}
	return os.WriteFile(path, normalized, 0o644)
}

// Run performs one lifecycle op for a stack, serialized per stack name.
func (e *Engine) Run(ctx context.Context, envID, name string, op Op, opts DeployOptions) (*Result, error) {
	if !ValidStackName(name) {
		return nil, fmt.Errorf("invalid stack name %q", name)
	}

	lock := e.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	path := e.composeFilePath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return e.runExternalFallback(ctx, envID, name, op)
	}

	env, err := e.router.Environment(envID)
	if err != nil {
		return nil, err
	}

	argv := buildArgv(name, path, op, opts.ForceRecreate)
	envVars := mergeEnv(opts.EnvFileVars, stackEnvVarsToMap(mustListEnvVars(e.store, name, envID)))

	switch env.Transport.Kind {
	case domain.TransportDirect:
		return e.runLocalSubprocess(ctx, argv, envVars, directDockerHost(env.Transport))
	case domain.TransportSocket:
		return e.runLocalSubprocess(ctx, argv, envVars, "")
	case domain.TransportAgentToken, domain.TransportAgentEdge:
		return e.delegateToAgent(ctx, envID, name, op, opts)
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", env.Transport.Kind)
	}
}

func buildArgv(name, composePath string, op Op, forceRecreate bool) []string {
	argv := []string{"compose", "-p", name, "-f", composePath}
	switch op {
	case OpUp:
		argv = append(argv, "up", "-d", "--remove-orphans")
		if forceRecreate {
			argv = append(argv, "--force-recreate")
		}
	case OpDown:
		argv = append(argv, "down")
	case OpStop:
		argv = append(argv, "stop")
	case OpStart:
		argv = append(argv, "start")
	case OpRestart:
		argv = append(argv, "restart")
	case OpPull:
		argv = append(argv, "pull")
	}
	return argv
}

// runLocalSubprocess runs `docker compose ...` with a hard timeout;
// SIGTERM is sent at the timeout, escalating to SIGKILL after e.killGrace.
func (e *Engine) runLocalSubprocess(ctx context.Context, argv []string, envVars map[string]string, dockerHost string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.invocationTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "docker", argv...)
	cmd.Env = os.Environ()
	if dockerHost != "" {
		cmd.Env = append(cmd.Env, "DOCKER_HOST="+dockerHost)
	}
	for k, v := range envVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return &Result{Success: false, Output: out.String(), Error: err.Error()}, nil
		}
		return &Result{Success: true, Output: out.String()}, nil
	case <-runCtx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(e.killGrace):
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-done
		}
		return &Result{Success: false, Output: out.String(), Error: "timed out", TimedOut: true}, nil
	}
}

// delegateToAgent forwards the compose invocation to the agent sitting
// next to the remote daemon, for the agent-edge/agent-token transports.
func (e *Engine) delegateToAgent(ctx context.Context, envID, name string, op Op, opts DeployOptions) (*Result, error) {
	body := map[string]any{
		"stack":          name,
		"op":             string(op),
		"compose_file":   string(opts.ComposeFile),
		"env_vars":       opts.EnvFileVars,
		"force_recreate": opts.ForceRecreate,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := e.router.Call(ctx, envID, "POST", "/compose/"+name+"/"+string(op), payload, map[string]string{"Content-Type": "application/json"}, e.invocationTimeout)
	if err != nil {
		return nil, err
	}
	return &Result{Success: resp.StatusCode < 300, Output: string(resp.Body)}, nil
}

// runExternalFallback handles start/stop/restart/down for a stack with no
// materialized compose file, operating directly on containers labeled
// com.docker.compose.project=<name>. up/pull have no meaning without a
// compose file to build from.
func (e *Engine) runExternalFallback(ctx context.Context, envID, name string, op Op) (*Result, error) {
	if op == OpUp || op == OpPull {
		return nil, domain.ErrExternalStack
	}

	client, err := e.router.DockerClient(envID)
	if err != nil {
		return nil, err
	}

	containers, err := e.listStackContainers(ctx, client, name)
	if err != nil {
		return nil, err
	}

	effectiveOp := op
	if op == OpDown {
		effectiveOp = OpStop // down is equivalent to stop for externally-created stacks
	}

	order := e.containerOrder(name, containers, effectiveOp)
	byName := make(map[string]string, len(containers))
	for _, c := range containers {
		if len(c.Names) > 0 {
			byName[strings.TrimPrefix(c.Names[0], "/")] = c.ID
		}
	}

	applied := 0
	for _, stage := range order {
		g, gctx := errgroup.WithContext(ctx)
		for _, cname := range stage {
			id, ok := byName[cname]
			if !ok {
				continue
			}
			id := id
			g.Go(func() error {
				switch effectiveOp {
				case OpStop:
					_, err := client.ContainerStop(gctx, id, dockerclient.ContainerStopOptions{})
					return err
				case OpStart:
					_, err := client.ContainerStart(gctx, id, dockerclient.ContainerStartOptions{})
					return err
				case OpRestart:
					_, err := client.ContainerRestart(gctx, id, dockerclient.ContainerRestartOptions{})
					return err
				default:
					return fmt.Errorf("unsupported external-stack op %q", op)
				}
			})
		}
		if err := g.Wait(); err != nil {
			return &Result{Success: false, Error: err.Error()}, nil
		}
		applied += len(stage)
	}
	return &Result{Success: true, Output: fmt.Sprintf("external stack %q: %s applied to %d containers", name, effectiveOp, applied)}, nil
}

// containerOrder sequences a stack's containers honoring
// com.docker.compose.depends_on and container-network-mode dependencies:
// stop order runs dependents before dependencies, start/restart order runs
// dependencies before dependents. Each returned stage holds exactly one
// container name, so the topological order is respected exactly rather
// than only at a coarser per-layer granularity.
func (e *Engine) containerOrder(stackName string, containers []container.Summary, op Op) [][]string {
	nodes := make([]containerNode, 0, len(containers))
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		nodes = append(nodes, containerNode{
			Name:        strings.TrimPrefix(c.Names[0], "/"),
			Labels:      c.Labels,
			NetworkMode: c.HostConfig.NetworkMode,
		})
	}

	g := buildDepGraph(nodes)
	names, ok := g.topoOrder()
	if !ok {
		e.log.Warn(cycleWarning(stackName))
	}
	if op == OpStop {
		names = reversed(names)
	}

	stages := make([][]string, len(names))
	for i, n := range names {
		stages[i] = []string{n}
	}
	return stages
}

func (e *Engine) listStackContainers(ctx context.Context, client *dockerclient.Client, name string) ([]container.Summary, error) {
	opts := dockerclient.ContainerListOptions{
		All:     true,
		Filters: make(dockerclient.Filters).Add("label", composeProjectLabel+"="+name),
	}
	result, err := client.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Remove deletes every container labeled for this stack in parallel
// (all-settled semantics — one failure does not block the rest); the
// caller is responsible for cleaning the corresponding DB rows afterward.
func (e *Engine) Remove(ctx context.Context, envID, name string) error {
	lock := e.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	client, err := e.router.DockerClient(envID)
	if err != nil {
		return err
	}
	containers, err := e.listStackContainers(ctx, client, name)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range containers {
		id := c.ID
		g.Go(func() error {
			_, _ = client.ContainerStop(ctx, id, dockerclient.ContainerStopOptions{})
			_, err := client.ContainerRemove(ctx, id, dockerclient.ContainerRemoveOptions{Force: true})
			return err
		})
	}
	return g.Wait()
}

func directDockerHost(t domain.Transport) string {
	return fmt.Sprintf("tcp://%s:%d", t.Host, t.Port)
}

func mergeEnv(fileVars map[string]string, dbVars map[string]string) map[string]string {
	out := make(map[string]string, len(fileVars)+len(dbVars))
	for k, v := range fileVars {
		out[k] = v
	}
	for k, v := range dbVars { // db overrides env file
		out[k] = v
	}
	return out
}

func stackEnvVarsToMap(vars []domain.StackEnvVar) map[string]string {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Key] = v.Value
	}
	return out
}

func mustListEnvVars(store Store, name, envID string) []domain.StackEnvVar {
	vars, err := store.ListStackEnvVars(name, envID)
	if err != nil {
		return nil
	}
	return vars
}
