// Package autoupdate is the Auto-Update Pipeline: given one container, check
// its registry for a newer digest, optionally run it through a safe-pull
// scan-and-approve cycle, and recreate it in place. The container
// snapshot/clone-config/recreate shape and the per-container sync.Map
// lock follow this repo's usual updater pattern; the registry check,
// temp-tag safe-pull, and vulnerability criteria gate are new, since this
// pipeline gates a single pull behind a scan rather than updating
// opportunistically on every poll.
package autoupdate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	dockerclient "github.com/moby/moby/client"
	"golang.org/x/sync/errgroup"

	"github.com/harborctl/harborctl/internal/clock"
	"github.com/harborctl/harborctl/internal/config"
	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/notify"
	"github.com/harborctl/harborctl/internal/registry"
	"github.com/harborctl/harborctl/internal/scan"
	"github.com/harborctl/harborctl/internal/store"
)

// selfImageMarker is matched as a substring against a container's image
// reference to refuse self-updates of the control plane's own container.
const selfImageMarker = "harborctl"

// maintenanceLabel marks a container as mid-update so external monitoring
// (or a future health-check pass here) knows not to treat its brief
// stop/remove/create/start cycle as an unexpected failure. It is cleared by
// a second recreate right after the new container is created and started;
// the container's running state is not checked first.
const maintenanceLabel = "harborctl.maintenance"

// ErrUpdateInProgress is returned when a container already has an update
// running.
var ErrUpdateInProgress = errors.New("autoupdate: update already in progress for this container")

// Outcome classifies how one container's pipeline run ended.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// Result is the full record of one pipeline run, suitable for a
// ScheduleExecution's Details field.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	OldImage     string  `json:"old_image,omitempty"`
	NewImage     string  `json:"new_image,omitempty"`
	RemoteDigest string  `json:"remote_digest,omitempty"`
}

// DockerClientProvider resolves the daemon client for one environment,
// matching router.Router's DockerClient method.
type DockerClientProvider interface {
	DockerClient(envID string) (*dockerclient.Client, error)
}

// Pipeline runs the Auto-Update Pipeline against containers reached through
// a DockerClientProvider (normally the Connection Router).
type Pipeline struct {
	clients  DockerClientProvider
	store    *store.Store
	cfg      *config.Config
	notifier *notify.Multi
	clk      clock.Clock
	log      *logging.Logger

	locks sync.Map // key: envID+"/"+containerID -> struct{}
}

// New builds a Pipeline.
func New(clients DockerClientProvider, st *store.Store, cfg *config.Config, notifier *notify.Multi, clk clock.Clock, log *logging.Logger) *Pipeline {
	return &Pipeline{clients: clients, store: st, cfg: cfg, notifier: notifier, clk: clk, log: log}
}

func (p *Pipeline) tryLock(key string) bool {
	_, loaded := p.locks.LoadOrStore(key, struct{}{})
	return !loaded
}

func (p *Pipeline) unlock(key string) {
	p.locks.Delete(key)
}

// UpdateContainer runs the full pipeline for one container: registry check,
// scan decision, safe-pull or simple-pull, and recreate.
func (p *Pipeline) UpdateContainer(ctx context.Context, envID, containerID string) (Result, error) {
	key := envID + "/" + containerID
	if !p.tryLock(key) {
		return Result{}, ErrUpdateInProgress
	}
	defer p.unlock(key)

	client, err := p.clients.DockerClient(envID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve docker client for %s: %w", envID, err)
	}

	inspected, err := client.ContainerInspect(ctx, containerID, dockerclient.ContainerInspectOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("inspect %s: %w", containerID, err)
	}
	inspect := inspected.Container
	if inspect.Config == nil {
		return Result{}, fmt.Errorf("inspect %s: container config is nil", containerID)
	}
	name := strings.TrimPrefix(inspect.Name, "/")
	oldImage := inspect.Config.Image

	// 1. Refuse self-updates.
	if strings.Contains(strings.ToLower(oldImage), selfImageMarker) {
		return Result{Outcome: OutcomeSkipped, Reason: "refusing to update the control plane's own container", OldImage: oldImage}, nil
	}

	// 2. Registry check.
	cred := p.credentialFor(oldImage)
	localDigests, err := p.localRepoDigests(ctx, client, oldImage)
	if err != nil {
		return Result{Outcome: OutcomeSkipped, Reason: "local-image", OldImage: oldImage}, nil
	}

	check, err := registry.CheckForUpdate(ctx, oldImage, localDigests, cred)
	if err != nil {
		return Result{Outcome: OutcomeSkipped, Reason: "registry error: " + err.Error(), OldImage: oldImage}, nil
	}
	if !check.HasUpdate {
		return Result{Outcome: OutcomeSkipped, Reason: "no-update", OldImage: oldImage, RemoteDigest: check.RemoteDigest}, nil
	}

	p.notifier.Notify(ctx, notify.Event{
		Type: notify.EventUpdateStarted, EnvironmentID: envID, ContainerName: name,
		OldImage: oldImage, Timestamp: p.clk.Now(),
	})

	scannerKind := p.effectiveScanner(envID)

	var finalImage = oldImage
	if scannerKind != domain.ScannerNone && !strings.Contains(oldImage, "@") {
		// 3-4. Safe-pull.
		result, err := p.safePull(ctx, client, envID, name, oldImage, scannerKind)
		if err != nil {
			p.notifyFailed(ctx, envID, name, oldImage, err)
			return Result{Outcome: OutcomeFailed, Reason: err.Error(), OldImage: oldImage}, err
		}
		if result.Outcome == OutcomeBlocked {
			p.notifier.Notify(ctx, notify.Event{
				Type: notify.EventAutoUpdateBlocked, EnvironmentID: envID, ContainerName: name,
				OldImage: oldImage, Reason: result.Reason, Timestamp: p.clk.Now(),
			})
			return result, nil
		}
	} else {
		// 5. Simple-pull.
		if err := pullImage(ctx, client, oldImage); err != nil {
			p.notifyFailed(ctx, envID, name, oldImage, err)
			return Result{Outcome: OutcomeFailed, Reason: err.Error(), OldImage: oldImage}, err
		}
	}

	// 6. Recreate the container.
	if err := p.recreate(ctx, client, containerID, name, inspect, finalImage); err != nil {
		p.notifyFailed(ctx, envID, name, oldImage, err)
		return Result{Outcome: OutcomeFailed, Reason: err.Error(), OldImage: oldImage}, err
	}

	p.notifier.Notify(ctx, notify.Event{
		Type: notify.EventUpdateSucceeded, EnvironmentID: envID, ContainerName: name,
		OldImage: oldImage, NewImage: finalImage, NewDigest: check.RemoteDigest, Timestamp: p.clk.Now(),
	})
	return Result{Outcome: OutcomeUpdated, OldImage: oldImage, NewImage: finalImage, RemoteDigest: check.RemoteDigest}, nil
}

func (p *Pipeline) notifyFailed(ctx context.Context, envID, name, oldImage string, err error) {
	p.notifier.Notify(ctx, notify.Event{
		Type: notify.EventUpdateFailed, EnvironmentID: envID, ContainerName: name,
		OldImage: oldImage, Error: err.Error(), Timestamp: p.clk.Now(),
	})
}

// effectiveScanner resolves the scanner for an environment: a per-environment
// "autoupdate.vulnerability_scanner.<envID>" setting takes precedence over the
// operator's global require-all-scanners default (both tools when set,
// otherwise grype alone gives a safe-pull gate by default).
func (p *Pipeline) effectiveScanner(envID string) domain.Scanner {
	if val, err := p.store.LoadSetting("autoupdate.vulnerability_scanner." + envID); err == nil && val != "" {
		switch domain.Scanner(val) {
		case domain.ScannerNone, domain.ScannerGrype, domain.ScannerTrivy, domain.ScannerBoth:
			return domain.Scanner(val)
		}
	}
	if p.cfg.RequireAllScanners() {
		return domain.ScannerBoth
	}
	return domain.ScannerGrype
}

func (p *Pipeline) credentialFor(imageRef string) *domain.RegistryCredential {
	creds, err := p.store.ListRegistryCredentials()
	if err != nil {
		return nil
	}
	return registry.CredentialLookup(creds, imageRef)
}

// localRepoDigests returns the RepoDigests of the currently pulled image,
// or an error when the image cannot be inspected on the daemon.
func (p *Pipeline) localRepoDigests(ctx context.Context, client *dockerclient.Client, imageRef string) ([]string, error) {
	resp, err := client.ImageInspect(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("image not present locally: %w", err)
	}
	return resp.RepoDigests, nil
}

// safePull pulls under a temp tag, restores the original tag onto the old
// image, scans the temp tag, and only promotes it onto the original
// reference if the criteria rule approves.
func (p *Pipeline) safePull(ctx context.Context, client *dockerclient.Client, envID, name, imageRef string, scanner domain.Scanner) (Result, error) {
	oldImageInfo, err := client.ImageInspect(ctx, imageRef)
	if err != nil {
		return Result{}, fmt.Errorf("inspect current image: %w", err)
	}
	oldImageID := oldImageInfo.ID

	tempTag := tempTagFor(imageRef)

	if err := pullImage(ctx, client, imageRef); err != nil {
		return Result{}, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	newImageInfo, err := client.ImageInspect(ctx, imageRef)
	if err != nil {
		return Result{}, fmt.Errorf("inspect pulled image: %w", err)
	}
	newImageID := newImageInfo.ID

	if _, err := client.ImageTag(ctx, dockerclient.ImageTagOptions{Source: oldImageID, Target: imageRef}); err != nil {
		return Result{}, fmt.Errorf("restore original tag onto old image: %w", err)
	}
	if _, err := client.ImageTag(ctx, dockerclient.ImageTagOptions{Source: newImageID, Target: tempTag}); err != nil {
		return Result{}, fmt.Errorf("tag new image as %s: %w", tempTag, err)
	}

	requireAll := p.cfg.RequireAllScanners()
	counts, _, err := scan.Run(ctx, client, scanner, tempTag, p.cfg.DefaultGrypeArgs(), p.cfg.DefaultTrivyArgs(), requireAll)
	if err != nil {
		_, _ = client.ImageRemove(ctx, tempTag, dockerclient.ImageRemoveOptions{})
		return Result{}, fmt.Errorf("scan %s: %w", tempTag, err)
	}

	rule := p.blockRule()
	baseline := p.baselineCounts(envID, oldImageID)
	if baseline == nil && rule == domain.CriteriaMoreThanCurrent {
		// more_than_current has nothing to compare against yet: scan the
		// image that's still running (imageRef currently points at
		// oldImageID, restored above) and cache it, so this and every
		// later check has a baseline instead of silently never blocking.
		baseline = p.scanAndCacheBaseline(ctx, client, envID, oldImageID, imageRef, scanner, requireAll)
	}

	_ = p.store.SaveVulnerabilityScan(domain.VulnerabilityScan{
		EnvironmentID: envID,
		ImageID:       newImageID,
		ImageName:     tempTag,
		ScannerName:   scanner,
		ScannedAt:     p.clk.Now(),
		Counts:        counts,
	})

	if rule.Blocks(counts, baseline) {
		_, _ = client.ImageRemove(ctx, newImageID, dockerclient.ImageRemoveOptions{PruneChildren: true})
		return Result{Outcome: OutcomeBlocked, Reason: "vulnerabilities_found", OldImage: imageRef}, nil
	}

	if _, err := client.ImageTag(ctx, dockerclient.ImageTagOptions{Source: newImageID, Target: imageRef}); err != nil {
		return Result{}, fmt.Errorf("promote scanned image onto %s: %w", imageRef, err)
	}
	_, _ = client.ImageRemove(ctx, tempTag, dockerclient.ImageRemoveOptions{})

	return Result{Outcome: OutcomeUpdated, OldImage: imageRef, NewImage: imageRef}, nil
}

func (p *Pipeline) blockRule() domain.Criteria {
	// The operator-configured criteria value is read from settings in the
	// full wiring (internal/store's generic settings bucket); default to
	// the conservative critical_high gate when unset.
	val, err := p.store.LoadSetting("autoupdate.criteria")
	if err != nil || val == "" {
		return domain.CriteriaCriticalHigh
	}
	return domain.Criteria(val)
}

func (p *Pipeline) baselineCounts(envID, imageID string) *domain.SeverityCounts {
	cached, ok, err := p.store.GetVulnerabilityScan(envID, imageID)
	if err != nil || !ok {
		return nil
	}
	return &cached.Counts
}

// scanAndCacheBaseline scans the currently-running image so a
// more_than_current comparison has something to measure against on the
// very first check for a container, rather than treating an absent
// baseline as "nothing to compare, never block". The scan is cached under
// the old image's ID so later checks hit baselineCounts directly.
func (p *Pipeline) scanAndCacheBaseline(ctx context.Context, client *dockerclient.Client, envID, oldImageID, currentRef string, scanner domain.Scanner, requireAll bool) *domain.SeverityCounts {
	counts, _, err := scan.Run(ctx, client, scanner, currentRef, p.cfg.DefaultGrypeArgs(), p.cfg.DefaultTrivyArgs(), requireAll)
	if err != nil {
		return nil
	}
	_ = p.store.SaveVulnerabilityScan(domain.VulnerabilityScan{
		EnvironmentID: envID,
		ImageID:       oldImageID,
		ImageName:     currentRef,
		ScannerName:   scanner,
		ScannedAt:     p.clk.Now(),
		Counts:        counts,
	})
	return &counts
}

// tempTagFor computes "<repo>:<tag>-pending", handling a registry host's
// port colon: only the last colon after the final slash is a tag separator.
func tempTagFor(imageRef string) string {
	tag := registry.Tag(imageRef)
	if i := strings.LastIndex(imageRef, ":"); i >= 0 {
		if slash := strings.LastIndex(imageRef, "/"); i > slash {
			return imageRef[:i+1] + tag + "-pending"
		}
	}
	return imageRef + ":" + tag + "-pending"
}

func pullImage(ctx context.Context, client *dockerclient.Client, ref string) error {
	resp, err := client.ImagePull(ctx, ref, dockerclient.ImagePullOptions{})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// recreate captures the running container's settings and replaces it with
// an identical one on the new image carrying maintenanceLabel, starting it
// iff it was running, then finalises by clearing the label once the new
// container is up.
func (p *Pipeline) recreate(ctx context.Context, client *dockerclient.Client, id, name string, inspect container.InspectResponse, newImage string) error {
	wasRunning := inspect.State != nil && inspect.State.Running

	newConfig := cloneConfig(inspect.Config)
	newConfig.Image = newImage
	addMaintenanceLabel(newConfig)
	hostConfig := inspect.HostConfig
	netConfig := rebuildNetworkingConfig(inspect.NetworkSettings)

	if wasRunning {
		timeout := 30
		if _, err := client.ContainerStop(ctx, id, dockerclient.ContainerStopOptions{Timeout: &timeout}); err != nil {
			p.log.Warn("stop failed, proceeding with force remove", "name", name, "error", err)
		}
	}
	if _, err := client.ContainerRemove(ctx, id, dockerclient.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove old container %s: %w", name, err)
	}

	createResp, err := client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Name:             name,
		Config:           newConfig,
		HostConfig:       hostConfig,
		NetworkingConfig: netConfig,
	})
	if err != nil {
		return fmt.Errorf("create new container %s: %w", name, err)
	}

	if wasRunning {
		if _, err := client.ContainerStart(ctx, createResp.ID, dockerclient.ContainerStartOptions{}); err != nil {
			return fmt.Errorf("start new container %s: %w", name, err)
		}
	}

	if err := p.finalise(ctx, client, createResp.ID, name); err != nil {
		p.log.Warn("failed to clear maintenance label, container is up but still flagged", "name", name, "error", err)
	}
	return nil
}

// addMaintenanceLabel sets maintenanceLabel=true on the config.
func addMaintenanceLabel(cfg *container.Config) {
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string)
	}
	cfg.Labels[maintenanceLabel] = "true"
}

// finalise replaces a freshly created container with an identical one that
// has maintenanceLabel removed; it does not check that the container is
// running first. A second
// recreate is the only way to change labels after creation; this keeps the
// maintenance window as short as the gap between create and this call.
func (p *Pipeline) finalise(ctx context.Context, client *dockerclient.Client, id, name string) error {
	inspected, err := client.ContainerInspect(ctx, id, dockerclient.ContainerInspectOptions{})
	if err != nil {
		return fmt.Errorf("inspect %s: %w", name, err)
	}
	inspect := inspected.Container
	if inspect.Config == nil || inspect.Config.Labels[maintenanceLabel] != "true" {
		return nil
	}

	cleanConfig := cloneConfig(inspect.Config)
	delete(cleanConfig.Labels, maintenanceLabel)
	hostConfig := inspect.HostConfig
	netConfig := rebuildNetworkingConfig(inspect.NetworkSettings)
	wasRunning := inspect.State != nil && inspect.State.Running

	if wasRunning {
		timeout := 10
		if _, err := client.ContainerStop(ctx, id, dockerclient.ContainerStopOptions{Timeout: &timeout}); err != nil {
			return fmt.Errorf("stop %s: %w", name, err)
		}
	}
	if _, err := client.ContainerRemove(ctx, id, dockerclient.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	createResp, err := client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Name:             name,
		Config:           cleanConfig,
		HostConfig:       hostConfig,
		NetworkingConfig: netConfig,
	})
	if err != nil {
		return fmt.Errorf("recreate %s without maintenance label: %w", name, err)
	}
	if wasRunning {
		if _, err := client.ContainerStart(ctx, createResp.ID, dockerclient.ContainerStartOptions{}); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// cloneConfig shallow-copies a container config with cloned labels, a
// defensive copy taken before mutating Image/Labels.
func cloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// rebuildNetworkingConfig extracts only IPAM config, aliases, driver opts,
// network ID, and MAC address from a live NetworkSettings snapshot — never
// the operational fields (Gateway, IPAddress) that the daemon assigns fresh
// on create.
func rebuildNetworkingConfig(ns *container.NetworkSettings) *network.NetworkingConfig {
	if ns == nil || len(ns.Networks) == 0 {
		return nil
	}
	endpoints := make(map[string]*network.EndpointSettings, len(ns.Networks))
	for netName, ep := range ns.Networks {
		endpoints[netName] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			DriverOpts: ep.DriverOpts,
			NetworkID:  ep.NetworkID,
			MacAddress: ep.MacAddress,
		}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}

// CheckEnvironment runs the registry-check half of the pipeline against
// every container in envID, with allSettled semantics: one container's
// failure never aborts the others. autoApprove runs the full update for
// every container reporting an update; otherwise containers with an update
// are only recorded as PendingContainerUpdate rows.
func (p *Pipeline) CheckEnvironment(ctx context.Context, envID string, autoApprove bool) error {
	client, err := p.clients.DockerClient(envID)
	if err != nil {
		return fmt.Errorf("resolve docker client for %s: %w", envID, err)
	}

	list, err := client.ContainerList(ctx, dockerclient.ContainerListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers in %s: %w", envID, err)
	}

	var pending []domain.PendingContainerUpdate
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range list.Items {
		c := c
		g.Go(func() error {
			name := containerSummaryName(c)
			if strings.Contains(strings.ToLower(c.Image), selfImageMarker) {
				return nil
			}

			if autoApprove {
				if _, err := p.UpdateContainer(gctx, envID, c.ID); err != nil && !errors.Is(err, ErrUpdateInProgress) {
					p.log.Warn("auto-update failed", "environment", envID, "container", name, "error", err)
				}
				return nil
			}

			cred := p.credentialFor(c.Image)
			digests, err := p.localRepoDigests(gctx, client, c.Image)
			if err != nil {
				return nil
			}
			check, err := registry.CheckForUpdate(gctx, c.Image, digests, cred)
			if err != nil || !check.HasUpdate {
				return nil
			}
			mu.Lock()
			pending = append(pending, domain.PendingContainerUpdate{
				EnvironmentID: envID,
				ContainerID:   c.ID,
				ContainerName: name,
				CurrentImage:  c.Image,
				CheckedAt:     p.clk.Now(),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !autoApprove {
		return p.store.ReplacePendingUpdates(envID, pending)
	}
	return nil
}

func containerSummaryName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}
