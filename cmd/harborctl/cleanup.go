package main

import (
	"context"
	"strings"

	dockerclient "github.com/moby/moby/client"

	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/router"
	"github.com/harborctl/harborctl/internal/store"
)

// scannerVolumePrefix matches the cache volume names internal/scan mints
// for grype and trivy runs, including the numeric suffix appended for a
// concurrent scan of the same tool.
const scannerVolumePrefix = "harborctl_"

// pruneScannerCacheVolumes removes scanner cache volumes left behind after a
// concurrent-scan suffix bumped the counter past 1 — the base volume per
// tool is kept (it backs the next scan), only the numbered overflow
// volumes are reclaimed, and only once no container references them.
func pruneScannerCacheVolumes(ctx context.Context, db *store.Store, rtr *router.Router, log *logging.Logger) {
	envs, err := db.ListEnvironments()
	if err != nil {
		log.Warn("volume helper cleanup: list environments failed", "error", err)
		return
	}
	for _, env := range envs {
		if env.IsEdge() {
			continue
		}
		client, err := rtr.DockerClient(env.ID)
		if err != nil {
			continue
		}
		pruneOne(ctx, client, env.ID, log)
	}
}

func pruneOne(ctx context.Context, client *dockerclient.Client, envID string, log *logging.Logger) {
	result, err := client.VolumeList(ctx, dockerclient.VolumeListOptions{
		Filters: make(dockerclient.Filters).Add("name", scannerVolumePrefix),
	})
	if err != nil {
		log.Warn("volume helper cleanup: list volumes failed", "environment_id", envID, "error", err)
		return
	}
	for _, v := range result.Items {
		if !isOverflowCacheVolume(v.Name) {
			continue
		}
		if _, err := client.VolumeRemove(ctx, v.Name, dockerclient.VolumeRemoveOptions{Force: false}); err != nil {
			log.Warn("volume helper cleanup: remove failed", "environment_id", envID, "volume", v.Name, "error", err)
		}
	}
}

// isOverflowCacheVolume reports whether name is a numbered scanner-cache
// volume (harborctl_grype_db_2, not the base harborctl_grype_db).
func isOverflowCacheVolume(name string) bool {
	return strings.HasPrefix(name, scannerVolumePrefix) && strings.Contains(name, "_db_")
}
