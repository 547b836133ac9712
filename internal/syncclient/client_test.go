package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestDoRetriesOn5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "")
	_, err := c.GetVersion(context.Background())
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&hits) < 2 {
		t.Fatalf("expected multiple retry attempts on 5xx, got %d", hits)
	}
}

func TestDoDoesNotRetryOn4xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "")
	_, err := c.GetVersion(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one attempt on 4xx, got %d", hits)
	}
	if _, ok := err.(*StatusError); !ok {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
}

func TestGetChangesSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current_version":5,"tokens":{"updated":[],"deleted":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "tok")
	env, err := c.GetChanges(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if env.CurrentVersion != 5 {
		t.Fatalf("current_version = %d", env.CurrentVersion)
	}
}
