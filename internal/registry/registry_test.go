package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harborctl/harborctl/internal/domain"
)

func TestHost(t *testing.T) {
	tests := []struct {
		imageRef string
		want     string
	}{
		{"nginx", "docker.io"},
		{"nginx:1.25", "docker.io"},
		{"library/nginx", "docker.io"},
		{"gitea/gitea:1.21", "docker.io"},
		{"ghcr.io/user/repo:v1.0", "ghcr.io"},
		{"registry-1.docker.io/library/nginx:latest", "docker.io"},
		{"registry.internal:5000/svc/app", "registry.internal:5000"},
		{"", "docker.io"},
	}
	for _, tt := range tests {
		if got := Host(tt.imageRef); got != tt.want {
			t.Errorf("Host(%q) = %q, want %q", tt.imageRef, got, tt.want)
		}
	}
}

func TestRepoPath(t *testing.T) {
	tests := []struct {
		imageRef string
		want     string
	}{
		{"nginx:latest", "library/nginx"},
		{"ghcr.io/user/repo:tag", "user/repo"},
		{"gitea/gitea:1.21", "gitea/gitea"},
		{"docker.io/library/nginx", "library/nginx"},
		{"registry.internal:5000/svc/app:v1", "svc/app"},
	}
	for _, tt := range tests {
		if got := RepoPath(tt.imageRef); got != tt.want {
			t.Errorf("RepoPath(%q) = %q, want %q", tt.imageRef, got, tt.want)
		}
	}
}

func TestTag(t *testing.T) {
	if got := Tag("nginx"); got != "latest" {
		t.Errorf("Tag(nginx) = %q, want latest", got)
	}
	if got := Tag("ghcr.io/user/repo:v1.0"); got != "v1.0" {
		t.Errorf("Tag(...) = %q, want v1.0", got)
	}
	if got := Tag("registry.internal:5000/svc/app"); got != "latest" {
		t.Errorf("Tag(...) = %q, want latest (host port colon must not be mistaken for a tag)", got)
	}
}

func TestParseChallengeBearer(t *testing.T) {
	scheme, params := parseChallenge(`Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`)
	if scheme != "bearer" {
		t.Fatalf("scheme = %q, want bearer", scheme)
	}
	if params["realm"] != "https://auth.docker.io/token" {
		t.Errorf("realm = %q", params["realm"])
	}
	if params["service"] != "registry.docker.io" {
		t.Errorf("service = %q", params["service"])
	}
}

func TestParseChallengeBasic(t *testing.T) {
	scheme, params := parseChallenge(`Basic realm="registry.internal"`)
	if scheme != "basic" {
		t.Fatalf("scheme = %q, want basic", scheme)
	}
	if params["realm"] != "registry.internal" {
		t.Errorf("realm = %q", params["realm"])
	}
}

func TestDigestsMatch(t *testing.T) {
	if !digestsMatch("acme/svc@sha256:AAA", "sha256:AAA") {
		t.Fatalf("expected matching digests to compare equal")
	}
	if digestsMatch("acme/svc@sha256:AAA", "sha256:BBB") {
		t.Fatalf("expected differing digests to compare unequal")
	}
}

func TestCredentialLookupAliasesDockerHub(t *testing.T) {
	creds := []domain.RegistryCredential{
		{ID: "c1", Host: "registry-1.docker.io", Username: "u", Secret: "s"},
		{ID: "c2", Host: "ghcr.io", Username: "u2", Secret: "s2"},
	}
	got := CredentialLookup(creds, "nginx:latest")
	if got == nil || got.ID != "c1" {
		t.Fatalf("expected docker.io credential to match via Hub aliasing, got %+v", got)
	}
	got = CredentialLookup(creds, "ghcr.io/acme/svc:latest")
	if got == nil || got.ID != "c2" {
		t.Fatalf("expected ghcr.io credential match, got %+v", got)
	}
	if got := CredentialLookup(creds, "quay.io/acme/svc:latest"); got != nil {
		t.Fatalf("expected no match for unconfigured host, got %+v", got)
	}
}

// fakeRegistry serves a minimal v2 challenge/token/manifest flow for
// CheckForUpdate's integration test.
func fakeRegistry(t *testing.T, digest string) (*httptest.Server, *httptest.Server) {
	t.Helper()
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"test-token"}`))
	}))

	var registrySrv *httptest.Server
	registrySrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/":
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+token.URL+`",service="test"`)
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodHead:
			if r.Header.Get("Authorization") != "Bearer test-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Docker-Content-Digest", digest)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return registrySrv, token
}

func TestCheckForUpdateDetectsNewDigest(t *testing.T) {
	srv, token := fakeRegistry(t, "sha256:REMOTE")
	defer srv.Close()
	defer token.Close()

	host := srv.Listener.Addr().String()
	origURL := registryURLFunc
	registryURLFunc = func(h string) string { return "http://" + host }
	defer func() { registryURLFunc = origURL }()

	result, err := CheckForUpdate(context.Background(), "acme/svc:latest", []string{"acme/svc@sha256:OLD"}, nil)
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if !result.HasUpdate {
		t.Fatalf("expected an update to be detected")
	}
	if result.RemoteDigest != "sha256:REMOTE" {
		t.Errorf("RemoteDigest = %q", result.RemoteDigest)
	}
}

func TestCheckForUpdateMatchesExistingRepoDigest(t *testing.T) {
	srv, token := fakeRegistry(t, "sha256:BBB")
	defer srv.Close()
	defer token.Close()

	host := srv.Listener.Addr().String()
	origURL := registryURLFunc
	registryURLFunc = func(h string) string { return "http://" + host }
	defer func() { registryURLFunc = origURL }()

	result, err := CheckForUpdate(context.Background(), "acme/svc:stable",
		[]string{"acme/svc@sha256:AAA", "acme/svc@sha256:BBB"}, nil)
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if result.HasUpdate {
		t.Fatalf("expected remote digest present in RepoDigests set to report no update")
	}
}
