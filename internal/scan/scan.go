// Package scan is the Scanners collaborator: it runs grype and/or trivy as
// containers on the target daemon against a pulled image, with the tool's
// vulnerability database mounted to a named cache volume, and parses the
// resulting JSON into domain.SeverityCounts. Container lifecycle calls
// (ContainerCreate/Start/Inspect/Logs/Remove against
// github.com/moby/moby/client) follow this repo's usual Docker
// integration shape; the wait-for-exit loop polls ContainerInspect the
// same way the rest of the repo uses it for health checks.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	dockerclient "github.com/moby/moby/client"

	"github.com/harborctl/harborctl/internal/domain"
)

const (
	defaultGrypeImage = "anchore/grype:latest"
	defaultTrivyImage = "aquasec/trivy:latest"
	pollInterval      = 500 * time.Millisecond
)

// active counts scans started per scanner name; every scan after the first
// gets its own numbered cache volume, so two concurrent scans of the same
// tool never share a database file. The count is never decremented.
var active sync.Map // map[domain.Scanner]*int32

// Result is the outcome of running one scanner against one image.
type Result struct {
	Scanner   domain.Scanner
	Counts    domain.SeverityCounts
	RawOutput json.RawMessage
	Error     string
}

// Run executes scanner (grype, trivy, or both) against imageRef, combining
// multiple results by taking the element-wise maximum of each severity.
// requireAll, when true, treats any individual scanner failure as an
// overall failure instead of proceeding with the survivors.
func Run(ctx context.Context, client *dockerclient.Client, scanner domain.Scanner, imageRef, grypeArgs, trivyArgs string, requireAll bool) (domain.SeverityCounts, []Result, error) {
	var kinds []domain.Scanner
	switch scanner {
	case domain.ScannerGrype:
		kinds = []domain.Scanner{domain.ScannerGrype}
	case domain.ScannerTrivy:
		kinds = []domain.Scanner{domain.ScannerTrivy}
	case domain.ScannerBoth:
		kinds = []domain.Scanner{domain.ScannerGrype, domain.ScannerTrivy}
	default:
		return domain.SeverityCounts{}, nil, fmt.Errorf("scanner %q does not run", scanner)
	}

	var results []Result
	var combined domain.SeverityCounts
	anySucceeded := false

	for _, kind := range kinds {
		res := runOne(ctx, client, kind, imageRef, grypeArgs, trivyArgs)
		results = append(results, res)
		if res.Error != "" {
			if requireAll {
				return domain.SeverityCounts{}, results, fmt.Errorf("%s scan failed: %s", kind, res.Error)
			}
			continue
		}
		anySucceeded = true
		combined = combined.Max(res.Counts)
	}

	if !anySucceeded {
		return domain.SeverityCounts{}, results, fmt.Errorf("all configured scanners failed for %s", imageRef)
	}
	return combined, results, nil
}

func runOne(ctx context.Context, client *dockerclient.Client, kind domain.Scanner, imageRef, grypeArgs, trivyArgs string) Result {
	var image, argsTemplate, cacheTarget string
	switch kind {
	case domain.ScannerGrype:
		image, argsTemplate, cacheTarget = defaultGrypeImage, grypeArgs, "/root/.cache/grype"
	case domain.ScannerTrivy:
		image, argsTemplate, cacheTarget = defaultTrivyImage, trivyArgs, "/root/.cache/trivy"
	default:
		return Result{Scanner: kind, Error: fmt.Sprintf("unknown scanner %q", kind)}
	}

	cacheVolume := cacheVolumeFor(kind)
	args := expandArgs(argsTemplate, imageRef)
	args = append(args, "-o", "json")

	out, err := runScannerContainer(ctx, client, image, args, cacheVolume, cacheTarget)
	if err != nil {
		return Result{Scanner: kind, Error: err.Error()}
	}

	counts, err := parseOutput(kind, out)
	if err != nil {
		return Result{Scanner: kind, Error: err.Error(), RawOutput: out}
	}
	return Result{Scanner: kind, Counts: counts, RawOutput: out}
}

// cacheVolumeFor returns the named cache volume for a scanner: the base
// volume on the first call per tool, and a new numbered volume on every
// later call, so two concurrent scans never corrupt a shared database file.
// Numbers are not reused once a scan finishes.
func cacheVolumeFor(kind domain.Scanner) string {
	counterAny, _ := active.LoadOrStore(kind, new(int32))
	counter := counterAny.(*int32)
	*counter++
	n := *counter
	if n <= 1 {
		return "harborctl_" + string(kind) + "_db"
	}
	return "harborctl_" + string(kind) + "_db_" + strconv.Itoa(int(n))
}

func expandArgs(template, imageRef string) []string {
	expanded := strings.ReplaceAll(template, "{image}", imageRef)
	return strings.Fields(expanded)
}

// runScannerContainer creates, starts, waits for, and tears down one
// scanner invocation, returning its stdout (stderr only appears in the
// error when stdout is empty).
func runScannerContainer(ctx context.Context, client *dockerclient.Client, image string, args []string, cacheVolume, cacheTarget string) ([]byte, error) {
	cfg := &container.Config{
		Image: image,
		Cmd:   args,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: cacheVolume, Target: cacheTarget},
		},
	}

	resp, err := client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Config:     cfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("create scanner container: %w", err)
	}
	id := resp.ID
	defer func() {
		_, _ = client.ContainerRemove(context.Background(), id, dockerclient.ContainerRemoveOptions{Force: true})
	}()

	if _, err := client.ContainerStart(ctx, id, dockerclient.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start scanner container: %w", err)
	}

	if err := waitForExit(ctx, client, id); err != nil {
		return nil, err
	}

	return fetchLogs(ctx, client, id)
}

// waitForExit polls ContainerInspect until the container stops running.
func waitForExit(ctx context.Context, client *dockerclient.Client, id string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := client.ContainerInspect(ctx, id, dockerclient.ContainerInspectOptions{})
			if err != nil {
				return fmt.Errorf("inspect scanner container: %w", err)
			}
			if result.Container.State != nil && !result.Container.State.Running {
				return nil
			}
		}
	}
}

func fetchLogs(ctx context.Context, client *dockerclient.Client, id string) ([]byte, error) {
	reader, err := client.ContainerLogs(ctx, id, dockerclient.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("scanner logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, fmt.Errorf("demux scanner logs: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("scanner produced no output: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// parseOutput extracts severity counts from a scanner's native JSON
// report shape.
func parseOutput(kind domain.Scanner, out []byte) (domain.SeverityCounts, error) {
	switch kind {
	case domain.ScannerGrype:
		return parseGrype(out)
	case domain.ScannerTrivy:
		return parseTrivy(out)
	default:
		return domain.SeverityCounts{}, fmt.Errorf("no parser for scanner %q", kind)
	}
}

func parseGrype(out []byte) (domain.SeverityCounts, error) {
	var report struct {
		Matches []struct {
			Vulnerability struct {
				Severity string `json:"severity"`
			} `json:"vulnerability"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(out, &report); err != nil {
		return domain.SeverityCounts{}, fmt.Errorf("parse grype output: %w", err)
	}
	var counts domain.SeverityCounts
	for _, m := range report.Matches {
		addSeverity(&counts, m.Vulnerability.Severity)
	}
	return counts, nil
}

func parseTrivy(out []byte) (domain.SeverityCounts, error) {
	var report struct {
		Results []struct {
			Vulnerabilities []struct {
				Severity string `json:"Severity"`
			} `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.Unmarshal(out, &report); err != nil {
		return domain.SeverityCounts{}, fmt.Errorf("parse trivy output: %w", err)
	}
	var counts domain.SeverityCounts
	for _, result := range report.Results {
		for _, v := range result.Vulnerabilities {
			addSeverity(&counts, v.Severity)
		}
	}
	return counts, nil
}

func addSeverity(counts *domain.SeverityCounts, severity string) {
	switch strings.ToLower(severity) {
	case "critical":
		counts.Critical++
	case "high":
		counts.High++
	case "medium":
		counts.Medium++
	case "low":
		counts.Low++
	case "negligible":
		counts.Negligible++
	default:
		counts.Unknown++
	}
}
