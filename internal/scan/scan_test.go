package scan

import (
	"testing"

	"github.com/harborctl/harborctl/internal/domain"
)

func TestParseGrype(t *testing.T) {
	report := []byte(`{
		"matches": [
			{"vulnerability": {"severity": "Critical"}},
			{"vulnerability": {"severity": "High"}},
			{"vulnerability": {"severity": "high"}},
			{"vulnerability": {"severity": "Unknown"}},
			{"vulnerability": {"severity": "Gibberish"}}
		]
	}`)

	counts, err := parseGrype(report)
	if err != nil {
		t.Fatalf("parseGrype() error = %v", err)
	}
	want := domain.SeverityCounts{Critical: 1, High: 2, Unknown: 2}
	if counts != want {
		t.Errorf("parseGrype() = %+v, want %+v", counts, want)
	}
}

func TestParseGrypeInvalidJSON(t *testing.T) {
	if _, err := parseGrype([]byte("not json")); err == nil {
		t.Error("parseGrype() with invalid JSON: want error, got nil")
	}
}

func TestParseTrivy(t *testing.T) {
	report := []byte(`{
		"Results": [
			{"Vulnerabilities": [
				{"Severity": "CRITICAL"},
				{"Severity": "LOW"}
			]},
			{"Vulnerabilities": [
				{"Severity": "MEDIUM"}
			]}
		]
	}`)

	counts, err := parseTrivy(report)
	if err != nil {
		t.Fatalf("parseTrivy() error = %v", err)
	}
	want := domain.SeverityCounts{Critical: 1, Medium: 1, Low: 1}
	if counts != want {
		t.Errorf("parseTrivy() = %+v, want %+v", counts, want)
	}
}

func TestParseTrivyNoVulnerabilities(t *testing.T) {
	counts, err := parseTrivy([]byte(`{"Results": [{"Vulnerabilities": []}]}`))
	if err != nil {
		t.Fatalf("parseTrivy() error = %v", err)
	}
	if counts != (domain.SeverityCounts{}) {
		t.Errorf("parseTrivy() = %+v, want zero value", counts)
	}
}

func TestExpandArgs(t *testing.T) {
	tests := []struct {
		name     string
		template string
		imageRef string
		want     []string
	}{
		{"grype style", "{image}", "nginx:latest", []string{"nginx:latest"}},
		{"trivy style", "image {image}", "nginx:latest", []string{"image", "nginx:latest"}},
		{"no placeholder", "scan --quiet", "nginx:latest", []string{"scan", "--quiet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandArgs(tt.template, tt.imageRef)
			if len(got) != len(tt.want) {
				t.Fatalf("expandArgs() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expandArgs()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCacheVolumeForConcurrentScansGetDistinctVolumes(t *testing.T) {
	kind := domain.Scanner("test-scanner-" + t.Name())

	first := cacheVolumeFor(kind)
	second := cacheVolumeFor(kind)
	third := cacheVolumeFor(kind)

	if first != "harborctl_"+string(kind)+"_db" {
		t.Errorf("first cacheVolumeFor() = %q, want base volume name", first)
	}
	if second == first || third == first || second == third {
		t.Errorf("concurrent cacheVolumeFor() calls collided: %q, %q, %q", first, second, third)
	}
}

func TestAddSeverity(t *testing.T) {
	var counts domain.SeverityCounts
	for _, s := range []string{"Critical", "HIGH", "medium", "Low", "negligible", "wat"} {
		addSeverity(&counts, s)
	}
	want := domain.SeverityCounts{Critical: 1, High: 1, Medium: 1, Low: 1, Negligible: 1, Unknown: 1}
	if counts != want {
		t.Errorf("addSeverity() = %+v, want %+v", counts, want)
	}
}
