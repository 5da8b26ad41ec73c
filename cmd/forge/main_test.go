package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExitCodeFor(t *testing.T) {
	t.Parallel()

	if got := exitCodeFor(misconfigError{errors.New("bad")}); got != exitMisconfigured {
		t.Errorf("exitCodeFor(misconfigError) = %d, want %d", got, exitMisconfigured)
	}
	if got := exitCodeFor(errors.New("boom")); got != exitGeneralFailure {
		t.Errorf("exitCodeFor(plain error) = %d, want %d", got, exitGeneralFailure)
	}
}

func TestAPIClient_PostJSONAndGetJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/runner-keys":
			if r.Method == http.MethodPost {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"runner_key_id":"rk_1","secret":"s3cr3t"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"runner_keys":[]}`))
		case "/api/runner-keys/rk_1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, http: &http.Client{Timeout: 5 * time.Second}}

	var created struct {
		RunnerKeyID string `json:"runner_key_id"`
		Secret      string `json:"secret"`
	}
	if err := c.postJSON("/api/runner-keys", map[string]string{"user_id": "u1"}, &created); err != nil {
		t.Fatalf("postJSON: %v", err)
	}
	if created.RunnerKeyID != "rk_1" || created.Secret != "s3cr3t" {
		t.Errorf("created = %+v, want rk_1/s3cr3t", created)
	}

	if err := c.delete("/api/runner-keys/rk_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestAPIClient_ErrorStatusReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, http: &http.Client{Timeout: 5 * time.Second}}
	if err := c.getJSON("/api/whatever", &struct{}{}); err == nil {
		t.Fatalf("expected error for 400 response")
	}
}
