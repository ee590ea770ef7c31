package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewerThan(t *testing.T) {
	tests := []struct {
		release, build string
		want     bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.2.0", "1.2.0", false},
		{"1.10.0", "1.9.0", true},
		{"1.0.0", "1.0.0-rc1", true},
		{"0.9.0", "1.0.0", false},
		{"v2.0.0", "dev", false},
	}
	for _, tt := range tests {
		if got := newerThan(tt.release, tt.build); got != tt.want {
			t.Errorf("newerThan(%q, %q) = %v, want %v", tt.release, tt.build, got, tt.want)
		}
	}
}

func TestFormatBuildTime(t *testing.T) {
	if got := formatBuildTime("2026-03-04T10:20:00Z"); got != "4 Mar 2026 10:20 UTC" {
		t.Fatalf("formatBuildTime = %q", got)
	}
	if got := formatBuildTime("unknown"); got != "unknown" {
		t.Fatalf("formatBuildTime(unknown) = %q", got)
	}
}

func withVersion(t *testing.T, v string) {
	t.Helper()
	old := Version
	Version = v
	t.Cleanup(func() { Version = old })
}

func newTestWatcher(t *testing.T, h http.HandlerFunc) *ReleaseWatcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	w := NewReleaseWatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.apiURL = srv.URL
	return w
}

func TestReleaseWatcherRefresh(t *testing.T) {
	withVersion(t, "1.0.0")
	var sawETag string
	w := newTestWatcher(t, func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != releaseFeedPath {
			http.NotFound(rw, r)
			return
		}
		sawETag = r.Header.Get("If-None-Match")
		if sawETag == `"abc"` {
			rw.WriteHeader(http.StatusNotModified)
			return
		}
		rw.Header().Set("ETag", `"abc"`)
		_, _ = io.WriteString(rw, `{"tag_name":"v9.1.0","draft":false,"prerelease":false}`)
	})

	if err := w.refresh(t.Context()); err != nil {
		t.Fatal(err)
	}
	info := w.Info()
	if info.Latest != "9.1.0" || !info.UpdateAvail || info.Current != "1.0.0" {
		t.Fatalf("info = %+v", info)
	}

	if err := w.refresh(t.Context()); err != nil {
		t.Fatalf("conditional refresh: %v", err)
	}
	if sawETag != `"abc"` {
		t.Fatalf("If-None-Match = %q", sawETag)
	}
	if w.Info().Latest != "9.1.0" {
		t.Fatal("304 cleared the known release")
	}
}

func TestReleaseWatcherIgnoresPrerelease(t *testing.T) {
	withVersion(t, "1.0.0")
	w := newTestWatcher(t, func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(rw, `{"tag_name":"v2.0.0-beta.1","prerelease":true}`)
	})
	if err := w.refresh(t.Context()); err != nil {
		t.Fatal(err)
	}
	if info := w.Info(); info.Latest != "" || info.UpdateAvail {
		t.Fatalf("prerelease recorded: %+v", info)
	}
}

func TestReleaseWatcherRetriesOnlyTransientFailures(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	w := newTestWatcher(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(int(status.Load()))
	})

	// A permanent client error is tried once.
	w.poll(t.Context())
	if got := calls.Load(); got != 1 {
		t.Fatalf("attempts on 422 = %d, want 1", got)
	}

	// A rate limit is retried after the backoff; cancelling during the
	// backoff ends the poll.
	status.Store(http.StatusTooManyRequests)
	calls.Store(0)
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	w.poll(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("attempts before cancel = %d, want 1", got)
	}
}

func TestReleaseWatcherDevBuild(t *testing.T) {
	withVersion(t, "dev")
	w := NewReleaseWatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.latest = "v2.0.0"
	if info := w.Info(); info.UpdateAvail || info.Current != "dev" || info.Latest != "2.0.0" {
		t.Fatalf("dev build info = %+v", info)
	}
}

func TestReleaseWatcherStop(t *testing.T) {
	w := NewReleaseWatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Start(context.Background())
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	w.Stop()
}
