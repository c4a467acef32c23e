// Package metricsworker implements the Metrics Worker: a periodic
// per-environment container-stats collector and host disk auditor, built
// in this repo's usual ticker/backoff idiom. It also feeds the
// process-local Prometheus exporter alongside its per-environment
// collection duties.
package metricsworker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/notify"
)

const (
	statsInterval       = 10 * time.Second
	diskInterval        = 5 * time.Minute
	statsTimeout        = 15 * time.Second
	diskTimeout         = 20 * time.Second
	defaultDiskWarnPct  = 0.80
	diskWarnCooldown    = time.Hour
)

// DockerStatsClient is the subset of the moby client the worker needs.
type DockerStatsClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	Info(ctx context.Context) (SystemInfo, error)
	DiskUsageBytes(ctx context.Context) (DiskUsage, error)
}

// SystemInfo is the subset of the daemon's /info response the worker reads:
// total host memory, CPU core count, and the storage-driver status pairs
// that carry "Data Space Total" for device-mapper style backends.
type SystemInfo struct {
	NCPU          int
	MemTotal      int64
	DriverStatus  [][2]string
}

// DiskUsage mirrors the daemon disk-usage endpoint's aggregate sizes.
type DiskUsage struct {
	ImagesSize     int64
	ContainersSize int64
	VolumesSize    int64
	BuildCacheSize int64
}

// Store is the subset of persistence the worker needs.
type Store interface {
	SaveHostMetric(domain.HostMetric) error
}

// Notifier is the narrow slice of notify.Multi's surface the worker calls;
// an interface (not the concrete type) so a child-process IPC adapter can
// satisfy it too.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
}

// Metrics are the Prometheus gauges the worker feeds; shared across
// environments via label.
type Metrics struct {
	CPUPercent  *prometheus.GaugeVec
	MemPercent  *prometheus.GaugeVec
	DiskPercent *prometheus.GaugeVec
}

// NewMetrics registers the worker's gauges with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CPUPercent:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "harborctl", Subsystem: "env", Name: "cpu_percent"}, []string{"environment_id"}),
		MemPercent:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "harborctl", Subsystem: "env", Name: "memory_percent"}, []string{"environment_id"}),
		DiskPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "harborctl", Subsystem: "env", Name: "disk_percent"}, []string{"environment_id"}),
	}
	reg.MustRegister(m.CPUPercent, m.MemPercent, m.DiskPercent)
	return m
}

// Worker runs the two periodic loops for one environment.
type Worker struct {
	EnvID               string
	Client              DockerStatsClient
	Store               Store
	Metrics             *Metrics
	Notifier            Notifier
	Log                 *logging.Logger
	DiskWarningThreshold float64 // 0 means defaultDiskWarnPct

	mu           sync.Mutex
	lastDiskWarn time.Time
}

// RunStats drives the 10s container-stats loop until ctx is cancelled.
func (w *Worker) RunStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.collectStats(ctx)
		}
	}
}

// RunDisk drives the 5-minute disk-audit loop until ctx is cancelled.
func (w *Worker) RunDisk(ctx context.Context) {
	ticker := time.NewTicker(diskInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.auditDisk(ctx)
		}
	}
}

func (w *Worker) collectStats(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, statsTimeout)
	defer cancel()

	info, err := w.Client.Info(ctx)
	if err != nil || info.NCPU <= 0 {
		w.Log.Warn("metrics worker could not read host info", "environment_id", w.EnvID, "error", err)
		return
	}

	containers, err := w.Client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		w.Log.Warn("metrics worker container list failed", "environment_id", w.EnvID, "error", err)
		return
	}

	var mu sync.Mutex
	var totalCPU float64
	var totalMemUsed uint64

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		id := c.ID
		g.Go(func() error {
			cpu, mem, ok := w.oneShotStats(gctx, id)
			if !ok {
				return nil // one container's failure never fails the others (all-settled)
			}
			mu.Lock()
			totalCPU += cpu
			totalMemUsed += mem
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	cpuPercent := totalCPU / float64(info.NCPU)
	if !isFinite(cpuPercent) || cpuPercent < 0 {
		cpuPercent = 0
	}
	memTotal := uint64(info.MemTotal)
	if memTotal == 0 {
		return
	}
	memPercent := percentOf(totalMemUsed, memTotal)
	if !isFinite(memPercent) || memPercent < 0 {
		return
	}

	metric := domain.HostMetric{
		EnvironmentID: w.EnvID,
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		MemoryUsed:    totalMemUsed,
		MemoryTotal:   memTotal,
		Timestamp:     time.Now(),
	}
	if err := w.Store.SaveHostMetric(metric); err != nil {
		w.Log.Warn("metrics worker persist failed", "environment_id", w.EnvID, "error", err)
		return
	}
	if w.Metrics != nil {
		w.Metrics.CPUPercent.WithLabelValues(w.EnvID).Set(cpuPercent)
		w.Metrics.MemPercent.WithLabelValues(w.EnvID).Set(memPercent)
	}
}

func (w *Worker) oneShotStats(ctx context.Context, containerID string) (cpuPercent float64, memUsed uint64, ok bool) {
	reader, err := w.Client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return 0, 0, false
	}
	defer reader.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&stats); err != nil {
		return 0, 0, false
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		cpuPercent = 0
	} else {
		cores := len(stats.CPUStats.CPUUsage.PercpuUsage)
		if cores == 0 {
			cores = 1
		}
		cpuPercent = (cpuDelta / sysDelta) * float64(cores) * 100
	}

	memUsed = stats.MemoryStats.Usage
	if cache, present := stats.MemoryStats.Stats["cache"]; present && cache > 0 && memUsed > cache {
		memUsed -= cache
	}
	return cpuPercent, memUsed, true
}

func (w *Worker) auditDisk(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, diskTimeout)
	defer cancel()

	usage, err := w.Client.DiskUsageBytes(ctx)
	if err != nil {
		w.Log.Warn("metrics worker disk usage failed", "environment_id", w.EnvID, "error", err)
		return
	}
	info, err := w.Client.Info(ctx)
	if err != nil {
		return
	}

	total := dataSpaceTotal(info.DriverStatus)
	used := usage.ImagesSize + usage.ContainersSize + usage.VolumesSize + usage.BuildCacheSize
	if total <= 0 {
		return
	}

	ratio := float64(used) / float64(total)
	if w.Metrics != nil {
		w.Metrics.DiskPercent.WithLabelValues(w.EnvID).Set(ratio * 100)
	}

	threshold := w.DiskWarningThreshold
	if threshold <= 0 {
		threshold = defaultDiskWarnPct
	}
	if ratio < threshold {
		return
	}

	w.mu.Lock()
	shouldWarn := time.Since(w.lastDiskWarn) >= diskWarnCooldown
	if shouldWarn {
		w.lastDiskWarn = time.Now()
	}
	w.mu.Unlock()

	if shouldWarn && w.Notifier != nil {
		w.Notifier.Notify(ctx, notify.Event{
			Type:          notify.EventDigest,
			EnvironmentID: w.EnvID,
			Reason:        "disk usage above warning threshold",
			Timestamp:     time.Now(),
		})
	}
}

// dataSpaceTotal extracts "Data Space Total" from a daemon's driver status
// pairs, as reported by device-mapper style storage backends.
func dataSpaceTotal(pairs [][2]string) int64 {
	for _, kv := range pairs {
		if kv[0] == "Data Space Total" {
			return parseSizeBytes(kv[1])
		}
	}
	return 0
}

// parseSizeBytes is a tolerant best-effort parse of a human-readable size
// like "107.4 GB"; unparseable input yields 0 rather than an error, since
// the caller treats 0 as "unavailable" either way.
func parseSizeBytes(s string) int64 {
	var value float64
	var unit string
	if _, err := fmt.Sscanf(s, "%f %s", &value, &unit); err != nil {
		return 0
	}
	mult := map[string]float64{
		"B": 1, "KB": 1 << 10, "MB": 1 << 20, "GB": 1 << 30, "TB": 1 << 40,
	}[unit]
	if mult == 0 {
		return 0
	}
	return int64(value * mult)
}

func percentOf(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
