package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/moby/moby/api/types/container"
	dockerclient "github.com/moby/moby/client"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/eventworker"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/metricsworker"
	"github.com/harborctl/harborctl/internal/router"
	"github.com/harborctl/harborctl/internal/supervisor"
)

// staticEnvStore satisfies router.EnvironmentStore from a fixed list handed
// down by the parent at startup — a worker child process has no Store
// handle of its own.
type staticEnvStore struct {
	byID map[string]domain.Environment
}

func newStaticEnvStore(envs []domain.Environment) *staticEnvStore {
	s := &staticEnvStore{byID: make(map[string]domain.Environment, len(envs))}
	for _, e := range envs {
		s.byID[e.ID] = e
	}
	return s
}

func (s *staticEnvStore) GetEnvironment(id string) (domain.Environment, error) {
	env, ok := s.byID[id]
	if !ok {
		return domain.Environment{}, &domain.NotFound{Kind: "environment", ID: id}
	}
	return env, nil
}

// dockerStatsAdapter narrows a *dockerclient.Client down to
// metricsworker.DockerStatsClient, unwrapping the list envelope and summing
// the daemon's disk-usage breakdown into the worker's flat shape.
type dockerStatsAdapter struct {
	client *dockerclient.Client
}

func (a dockerStatsAdapter) ContainerList(ctx context.Context, _ container.ListOptions) ([]container.Summary, error) {
	result, err := a.client.ContainerList(ctx, dockerclient.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

func (a dockerStatsAdapter) ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error) {
	return a.client.ContainerStatsOneShot(ctx, containerID)
}

func (a dockerStatsAdapter) Info(ctx context.Context) (metricsworker.SystemInfo, error) {
	info, err := a.client.Info(ctx)
	if err != nil {
		return metricsworker.SystemInfo{}, err
	}
	return metricsworker.SystemInfo{
		NCPU:         info.NCPU,
		MemTotal:     info.MemTotal,
		DriverStatus: info.DriverStatus,
	}, nil
}

func (a dockerStatsAdapter) DiskUsageBytes(ctx context.Context) (metricsworker.DiskUsage, error) {
	usage, err := a.client.DiskUsage(ctx, dockerclient.DiskUsageOptions{})
	if err != nil {
		return metricsworker.DiskUsage{}, err
	}
	var out metricsworker.DiskUsage
	for _, img := range usage.Images {
		out.ImagesSize += img.Size
	}
	for _, c := range usage.Containers {
		out.ContainersSize += c.SizeRw
	}
	for _, v := range usage.Volumes {
		if v.UsageData != nil {
			out.VolumesSize += v.UsageData.Size
		}
	}
	for _, b := range usage.BuildCache {
		out.BuildCacheSize += b.Size
	}
	return out, nil
}

// runWorkerChild is the entrypoint for a spawned "--worker=events" or
// "--worker=metrics" child process: it reads the parent's init message off
// stdin, builds one Event or Metrics Worker per qualifying environment, and
// runs them until the parent sends shutdown or is killed.
func runWorkerChild(ctx context.Context, kind string, log *logging.Logger) {
	emitter := supervisor.NewChildEmitter(os.Stdout)
	envs, done := readParentInit()

	workerCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-done
		cancel()
	}()

	switch kind {
	case string(supervisor.ChildEvents):
		runEventsChild(workerCtx, envs, emitter, log)
	case string(supervisor.ChildMetrics):
		runMetricsChild(workerCtx, envs, emitter, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown worker kind %q\n", kind)
		os.Exit(1)
	}
}

// readParentInit blocks for the parent's "init" line, then keeps scanning
// stdin in the background for "shutdown", closing the returned channel
// when it arrives or stdin closes.
func readParentInit() ([]domain.Environment, <-chan struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var envs []domain.Environment
	if scanner.Scan() {
		if msg, ok := supervisor.DecodeInit(scanner.Bytes()); ok {
			envs = msg.Environments
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			if supervisor.IsShutdown(scanner.Bytes()) {
				return
			}
		}
	}()
	return envs, done
}

func runEventsChild(ctx context.Context, envs []domain.Environment, emitter *supervisor.ChildEmitter, log *logging.Logger) {
	envStore := newStaticEnvStore(envs)
	rtr := router.New(envStore, nil, log)

	var wg sync.WaitGroup
	for _, env := range envs {
		if !env.CollectActivity || env.IsEdge() {
			continue
		}
		client, err := rtr.DockerClient(env.ID)
		if err != nil {
			log.Warn("events worker: cannot build docker client", "environment_id", env.ID, "error", err)
			continue
		}
		w := &eventworker.Worker{
			EnvID:                  env.ID,
			EnvName:                env.Name,
			Client:                 client,
			Store:                  emitter,
			Events:                 supervisor.EventPublisherAdapter{Emitter: emitter},
			Status:                 supervisor.StatusPublisherAdapter{Emitter: emitter},
			Notifier:               supervisor.NotifierAdapter{Emitter: emitter},
			Log:                    log,
			ScannerImageSubstrings: []string{"anchore/grype", "aquasec/trivy"},
			HelperNamePrefixes:     []string{"harborctl-scan-"},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

func runMetricsChild(ctx context.Context, envs []domain.Environment, emitter *supervisor.ChildEmitter, log *logging.Logger) {
	envStore := newStaticEnvStore(envs)
	rtr := router.New(envStore, nil, log)
	reg := prometheus.NewRegistry()
	metrics := metricsworker.NewMetrics(reg)

	var wg sync.WaitGroup
	for _, env := range envs {
		if !env.CollectMetrics || env.IsEdge() {
			continue
		}
		client, err := rtr.DockerClient(env.ID)
		if err != nil {
			log.Warn("metrics worker: cannot build docker client", "environment_id", env.ID, "error", err)
			continue
		}
		w := &metricsworker.Worker{
			EnvID:    env.ID,
			Client:   dockerStatsAdapter{client: client},
			Store:    emitter,
			Metrics:  metrics,
			Notifier: supervisor.NotifierAdapter{Emitter: emitter},
			Log:      log,
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.RunStats(ctx)
		}()
		go func() {
			defer wg.Done()
			w.RunDisk(ctx)
		}()
	}
	wg.Wait()
}
