package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harborctl/harborctl/internal/credential"
	"github.com/harborctl/harborctl/internal/logging"
)

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a\n", []string{"a"}},
		{"a\nb\nc", []string{"a", "b", "c"}},
		{"no newline", []string{"no newline"}},
	}
	for _, tt := range tests {
		got := splitLines(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitLines(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitLines(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestAuthedRejectsMissingAndWrongCredentials(t *testing.T) {
	hash, err := credential.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	g := &Gateway{deps: Deps{AuthUser: "admin", AuthHash: hash, Log: logging.New(false)}}

	called := false
	h := g.authed(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rec.Code)
	}
	if called {
		t.Errorf("handler should not run without credentials")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	req.SetBasicAuth("admin", "wrong-password")
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", rec.Code)
	}
	if called {
		t.Errorf("handler should not run with wrong password")
	}
}

func TestAuthedAcceptsCorrectCredentials(t *testing.T) {
	hash, err := credential.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	g := &Gateway{deps: Deps{AuthUser: "admin", AuthHash: hash, Log: logging.New(false)}}

	called := false
	h := g.authed(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	req.SetBasicAuth("admin", "correct-horse")
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !called {
		t.Errorf("handler should run with correct credentials")
	}
}
