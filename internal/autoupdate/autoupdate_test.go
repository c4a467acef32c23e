package autoupdate

import (
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/harborctl/harborctl/internal/domain"
)

func TestTempTagFor(t *testing.T) {
	tests := []struct {
		imageRef string
		want     string
	}{
		{"nginx:1.25", "nginx:1.25-pending"},
		{"ghcr.io/acme/svc:v1.0", "ghcr.io/acme/svc:v1.0-pending"},
		{"registry.internal:5000/svc/app", "registry.internal:5000/svc/app:latest-pending"},
		{"registry.internal:5000/svc/app:v2", "registry.internal:5000/svc/app:v2-pending"},
	}
	for _, tt := range tests {
		if got := tempTagFor(tt.imageRef); got != tt.want {
			t.Errorf("tempTagFor(%q) = %q, want %q", tt.imageRef, got, tt.want)
		}
	}
}

func TestCloneConfigClonesLabelsIndependently(t *testing.T) {
	orig := &container.Config{Image: "nginx:1.25", Labels: map[string]string{"a": "1"}}
	clone := cloneConfig(orig)
	clone.Labels["a"] = "2"
	if orig.Labels["a"] != "1" {
		t.Fatalf("mutating clone's labels mutated the original config")
	}
}

func TestCloneConfigNilSafe(t *testing.T) {
	clone := cloneConfig(nil)
	if clone == nil {
		t.Fatalf("cloneConfig(nil) should return an empty config, not nil")
	}
}

func TestAddMaintenanceLabelOnNilLabels(t *testing.T) {
	cfg := &container.Config{Image: "nginx:1.25"}
	addMaintenanceLabel(cfg)
	if cfg.Labels[maintenanceLabel] != "true" {
		t.Errorf("Labels[%q] = %q, want true", maintenanceLabel, cfg.Labels[maintenanceLabel])
	}
}

func TestAddMaintenanceLabelPreservesExisting(t *testing.T) {
	cfg := &container.Config{Image: "nginx:1.25", Labels: map[string]string{"app": "web"}}
	addMaintenanceLabel(cfg)
	if cfg.Labels["app"] != "web" {
		t.Errorf("Labels[\"app\"] = %q, want web", cfg.Labels["app"])
	}
	if cfg.Labels[maintenanceLabel] != "true" {
		t.Errorf("Labels[%q] = %q, want true", maintenanceLabel, cfg.Labels[maintenanceLabel])
	}
}

func TestRebuildNetworkingConfigOmitsOperationalFields(t *testing.T) {
	ns := &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{
			"bridge": {NetworkID: "net1", MacAddress: "aa:bb", Aliases: []string{"app"}, IPAddress: "172.17.0.2"},
		},
	}
	netCfg := rebuildNetworkingConfig(ns)
	if netCfg == nil {
		t.Fatalf("expected a non-nil networking config")
	}
	ep := netCfg.EndpointsConfig["bridge"]
	if ep.NetworkID != "net1" || ep.MacAddress != "aa:bb" {
		t.Fatalf("expected NetworkID/MacAddress carried over, got %+v", ep)
	}
}

func TestRebuildNetworkingConfigNilWhenNoNetworks(t *testing.T) {
	if rebuildNetworkingConfig(nil) != nil {
		t.Fatalf("expected nil networking config for nil settings")
	}
	if rebuildNetworkingConfig(&container.NetworkSettings{}) != nil {
		t.Fatalf("expected nil networking config for empty networks map")
	}
}

func TestContainerSummaryNameStripsLeadingSlash(t *testing.T) {
	c := container.Summary{ID: "abcdef123456", Names: []string{"/web-1"}}
	if got := containerSummaryName(c); got != "web-1" {
		t.Errorf("containerSummaryName = %q, want web-1", got)
	}
}

func TestContainerSummaryNameFallsBackToID(t *testing.T) {
	c := container.Summary{ID: "abcdef123456"}
	if got := containerSummaryName(c); got != "abcdef123456" {
		t.Errorf("containerSummaryName = %q, want the bare id", got)
	}
}

func TestCriteriaBlocksMoreThanCurrentNeedsBaseline(t *testing.T) {
	candidate := domain.SeverityCounts{Critical: 1}
	if domain.CriteriaMoreThanCurrent.Blocks(candidate, nil) {
		t.Fatalf("more_than_current with no baseline must never block")
	}
	baseline := domain.SeverityCounts{Critical: 1}
	if domain.CriteriaMoreThanCurrent.Blocks(candidate, &baseline) {
		t.Fatalf("equal totals must not block under more_than_current")
	}
	baseline = domain.SeverityCounts{}
	if !domain.CriteriaMoreThanCurrent.Blocks(candidate, &baseline) {
		t.Fatalf("a strictly higher total must block under more_than_current")
	}
}
