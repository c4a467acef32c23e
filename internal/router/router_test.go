package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
)

type fakeStore struct {
	envs map[string]domain.Environment
}

func (f *fakeStore) GetEnvironment(id string) (domain.Environment, error) {
	env, ok := f.envs[id]
	if !ok {
		return domain.Environment{}, &domain.NotFound{Kind: "environment", ID: id}
	}
	return env, nil
}

type fakeDispatcher struct {
	connected bool
}

func (f *fakeDispatcher) Connected(envID string) bool { return f.connected }
func (f *fakeDispatcher) Dispatch(ctx context.Context, envID, method, path string, headers map[string]string, body []byte, streaming bool) (*Response, error) {
	return &Response{StatusCode: 200}, nil
}
func (f *fakeDispatcher) DispatchStream(ctx context.Context, envID, method, path string, headers map[string]string, body []byte, cb StreamCallbacks) (func(), error) {
	return func() {}, nil
}

func TestCallAgentEdgeNotConnectedFailsFast(t *testing.T) {
	store := &fakeStore{envs: map[string]domain.Environment{
		"e1": {ID: "e1", Transport: domain.Transport{Kind: domain.TransportAgentEdge}},
	}}
	r := New(store, &fakeDispatcher{connected: false}, logging.New(false))

	_, err := r.Call(context.Background(), "e1", "GET", "/containers/json", nil, nil, time.Second)
	if err != domain.ErrAgentNotConnected {
		t.Fatalf("expected ErrAgentNotConnected, got %v", err)
	}
}

func TestCallDirectTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	parsed, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatal(err)
	}
	host := parsed.Hostname()

	store := &fakeStore{envs: map[string]domain.Environment{
		"e1": {ID: "e1", Transport: domain.Transport{Kind: domain.TransportDirect, Host: host, Port: port}},
	}}
	r := New(store, &fakeDispatcher{}, logging.New(false))

	resp, err := r.Call(context.Background(), "e1", "GET", "/_ping", nil, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
}

func TestClearConfigCacheForcesResolve(t *testing.T) {
	store := &fakeStore{envs: map[string]domain.Environment{
		"e1": {ID: "e1", Transport: domain.Transport{Kind: domain.TransportSocket, SocketPath: "/nonexistent.sock"}},
	}}
	r := New(store, &fakeDispatcher{}, logging.New(false))

	if _, err := r.resolve("e1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.ClearConfigCache("e1")
	if _, ok := r.cache["e1"]; ok {
		t.Fatal("expected cache entry to be evicted")
	}
}
