// Package registry is the Registry Client: parse an image reference into
// (host, repo, tag), perform the WWW-Authenticate challenge/response flow
// to obtain a token, HEAD the manifest, and decide whether a remote digest
// is already present in an image's local RepoDigests set. The reference
// parsing follows this repo's usual image-name handling; the token flow
// is a single generic challenge/response implementation that works
// against any registry, rather than one hardcoded to Docker Hub.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harborctl/harborctl/internal/domain"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// NormaliseHost collapses the Docker Hub host variants to one canonical
// name, since they all serve the same registry.
func NormaliseHost(host string) string {
	switch host {
	case "registry-1.docker.io", "index.docker.io", "docker.io",
		"registry.hub.docker.com", "hub.docker.com":
		return "docker.io"
	}
	return host
}

// Host extracts the registry host from an image reference.
//
//	"nginx:1.24"            -> "docker.io"
//	"library/nginx:latest"  -> "docker.io"
//	"ghcr.io/user/repo:tag" -> "ghcr.io"
//	"registry.internal:5000/svc/app" -> "registry.internal:5000"
func Host(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	firstSlash := strings.Index(ref, "/")
	if firstSlash < 0 {
		return "docker.io"
	}
	firstSegment := ref[:firstSlash]
	if strings.ContainsAny(firstSegment, ".:") {
		return NormaliseHost(firstSegment)
	}
	return "docker.io"
}

// RepoPath extracts the registry-relative repository path from an image
// reference, stripping any registry host prefix, tag, and digest, and
// prefixing bare official-image names with "library/".
//
//	"nginx:latest"             -> "library/nginx"
//	"ghcr.io/user/repo:tag"    -> "user/repo"
//	"gitea/gitea:1.21"         -> "gitea/gitea"
//	"docker.io/library/nginx"  -> "library/nginx"
func RepoPath(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			ref = ref[:i]
		}
	}
	if slash := strings.Index(ref, "/"); slash >= 0 {
		firstSegment := ref[:slash]
		if strings.ContainsAny(firstSegment, ".:") {
			ref = ref[slash+1:]
		}
	}
	if !strings.Contains(ref, "/") {
		ref = "library/" + ref
	}
	return ref
}

// Tag extracts the tag from an image reference, defaulting to "latest"
// when the reference is untagged and not digest-pinned.
func Tag(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			return ref[i+1:]
		}
	}
	return "latest"
}

// registryURLFunc returns the v2 API base URL for host. It is a variable so
// tests can point it at an httptest server.
var registryURLFunc = func(host string) string {
	if host == "" || host == "docker.io" {
		return "https://registry-1.docker.io"
	}
	return "https://" + host
}

// FetchToken performs the full WWW-Authenticate challenge/response flow for
// repo against host: GET /v2/, expect 401 with a WWW-Authenticate header,
// branch on Basic vs Bearer, and for Bearer fetch a token from the
// challenge's realm with scope=repository:<repo>:pull. Returns an empty
// token (and no error) when the registry answers anonymously (no
// challenge) or the scheme is Basic, since Basic auth is carried directly
// on the manifest request rather than exchanged for a bearer token.
func FetchToken(ctx context.Context, host, repo string, cred *domain.RegistryCredential) (string, error) {
	pingURL := registryURLFunc(host) + "/v2/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return "", fmt.Errorf("build v2 ping request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("v2 ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return "", nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return "", fmt.Errorf("v2 ping returned %d", resp.StatusCode)
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	scheme, params := parseChallenge(challenge)
	switch scheme {
	case "basic":
		return "", nil
	case "bearer":
		realm := params["realm"]
		if realm == "" {
			return "", fmt.Errorf("bearer challenge missing realm: %q", challenge)
		}
		return fetchBearerToken(ctx, realm, params["service"], repo, cred)
	default:
		return "", fmt.Errorf("unsupported auth scheme in challenge %q", challenge)
	}
}

// parseChallenge splits a WWW-Authenticate header into its scheme
// ("basic"/"bearer", lowercased) and key="value" parameters.
func parseChallenge(header string) (scheme string, params map[string]string) {
	params = make(map[string]string)
	header = strings.TrimSpace(header)
	if header == "" {
		return "", params
	}
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return strings.ToLower(header), params
	}
	scheme = strings.ToLower(header[:sp])
	rest := header[sp+1:]

	for _, part := range splitChallengeParams(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = val
	}
	return scheme, params
}

// splitChallengeParams splits a comma-separated parameter list while
// respecting commas embedded inside quoted values (e.g. a scope list).
func splitChallengeParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func fetchBearerToken(ctx context.Context, realm, service, repo string, cred *domain.RegistryCredential) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	q := req.URL.Query()
	if service != "" {
		q.Set("service", service)
	}
	q.Set("scope", "repository:"+repo+":pull")
	req.URL.RawQuery = q.Encode()

	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch bearer token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return body.AccessToken, nil
}

// manifestAcceptHeader lists both Docker and OCI manifest-list/single
// manifest media types, so multi-arch images resolve a manifest-list
// digest rather than one architecture's.
const manifestAcceptHeader = "application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json"

// ManifestDigest performs a HEAD request against the registry's v2
// manifests endpoint for repo:tag and returns the Docker-Content-Digest
// header. token, if non-empty, is sent as a bearer token; otherwise cred,
// if non-nil, is sent as basic auth.
func ManifestDigest(ctx context.Context, host, repo, tag, token string, cred *domain.RegistryCredential) (string, error) {
	url := registryURLFunc(host) + "/v2/" + repo + "/manifests/" + tag
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("build manifest HEAD request: %w", err)
	}
	req.Header.Set("Accept", manifestAcceptHeader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("manifest HEAD: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest HEAD returned %d", resp.StatusCode)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("no Docker-Content-Digest header")
	}
	return digest, nil
}

// UpdateCheck is the outcome of comparing a remote manifest digest against
// an image's local RepoDigests set.
type UpdateCheck struct {
	HasUpdate    bool
	RemoteDigest string
}

// CheckForUpdate resolves a token (if the registry challenges for one),
// HEADs the manifest for imageRef, and reports whether RemoteDigest is
// absent from localRepoDigests — a single image may legitimately carry
// more than one digest, so "no update" holds iff the remote digest is
// present in that set, not iff it equals some single recorded digest.
func CheckForUpdate(ctx context.Context, imageRef string, localRepoDigests []string, cred *domain.RegistryCredential) (UpdateCheck, error) {
	host := Host(imageRef)
	repo := RepoPath(imageRef)
	tag := Tag(imageRef)

	token, err := FetchToken(ctx, host, repo, cred)
	if err != nil {
		return UpdateCheck{}, fmt.Errorf("fetch token: %w", err)
	}

	digest, err := ManifestDigest(ctx, host, repo, tag, token, cred)
	if err != nil {
		return UpdateCheck{}, fmt.Errorf("manifest digest: %w", err)
	}

	for _, local := range localRepoDigests {
		if digestsMatch(local, digest) {
			return UpdateCheck{HasUpdate: false, RemoteDigest: digest}, nil
		}
	}
	return UpdateCheck{HasUpdate: true, RemoteDigest: digest}, nil
}

// digestsMatch compares a local RepoDigest entry (typically
// "repo@sha256:...") against a bare remote digest value.
func digestsMatch(localRepoDigest, remoteDigest string) bool {
	return extractHash(localRepoDigest) == extractHash(remoteDigest)
}

func extractHash(digest string) string {
	if i := strings.Index(digest, "@"); i >= 0 {
		digest = digest[i+1:]
	}
	return strings.TrimSpace(digest)
}

// CredentialLookup resolves the configured credential for imageRef's host,
// applying Docker Hub host-variant aliasing before the match.
func CredentialLookup(creds []domain.RegistryCredential, imageRef string) *domain.RegistryCredential {
	host := Host(imageRef)
	for i := range creds {
		if NormaliseHost(creds[i].Host) == host {
			return &creds[i]
		}
	}
	return nil
}
