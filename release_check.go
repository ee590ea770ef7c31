package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
	"golang.org/x/mod/semver"
)

// releaseFeedPath is the GitHub API path of the newest published release.
const releaseFeedPath = "/repos/oszuidwest/zwfm-noisemonitor/releases/latest"

const (
	releaseFirstPoll    = 30 * time.Second // lets the pipeline settle first
	releasePollInterval = 24 * time.Hour
	releaseFetchTimeout = 30 * time.Second
	releaseAttempts     = 3
	releaseRetryBackoff = time.Minute
)

var (
	// errReleaseTransient marks a failed fetch worth another attempt.
	errReleaseTransient = errors.New("release feed temporarily unavailable")
	errReleaseTimeout   = errors.New("release feed request timed out")
)

// ReleaseWatcher polls the release feed so the status endpoint can report
// whether this monitor build is outdated. A newer release is logged once.
type ReleaseWatcher struct {
	apiURL string
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	latest string // canonical semver tag, "" until the first successful fetch
	etag   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReleaseWatcher returns a watcher for the public GitHub API.
func NewReleaseWatcher(logger *slog.Logger) *ReleaseWatcher {
	return &ReleaseWatcher{
		apiURL: "https://api.github.com",
		client: &http.Client{Timeout: releaseFetchTimeout},
		logger: logger,
	}
}

// Start polls in the background until ctx ends or Stop is called.
func (w *ReleaseWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Go(func() { w.loop(ctx) })
}

// Stop ends polling and waits for an in-flight fetch to return.
func (w *ReleaseWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *ReleaseWatcher) loop(ctx context.Context) {
	wait := releaseFirstPoll
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		w.poll(ctx)
		wait = releasePollInterval
	}
}

// poll refreshes the release, retrying transient failures.
func (w *ReleaseWatcher) poll(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := w.refresh(ctx)
		if err == nil {
			return
		}
		w.logger.Debug("release check failed", "attempt", attempt, "error", err)
		if !errors.Is(err, errReleaseTransient) || attempt == releaseAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(releaseRetryBackoff):
		}
	}
}

// refresh fetches the newest release once. A 304, a missing release and
// drafts or prereleases leave the known release unchanged.
func (w *ReleaseWatcher) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, releaseFetchTimeout, errReleaseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.apiURL+releaseFeedPath, http.NoBody)
	if err != nil {
		return util.WrapError("create release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-noisemonitor/"+Version)
	w.mu.RLock()
	if w.etag != "" {
		req.Header.Set("If-None-Match", w.etag)
	}
	w.mu.RUnlock()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errReleaseTransient, err)
	}
	defer util.SafeCloseFunc(resp.Body, "release response")()

	switch code := resp.StatusCode; {
	case code == http.StatusNotModified, code == http.StatusNotFound:
		return nil
	case code == http.StatusForbidden, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d", errReleaseTransient, code)
	case code != http.StatusOK:
		return fmt.Errorf("release feed returned status %d", code)
	}

	var release struct {
		TagName    string `json:"tag_name"`
		Draft      bool   `json:"draft"`
		Prerelease bool   `json:"prerelease"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return util.WrapError("decode release", err)
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	tag := canonicalVersion(release.TagName)
	if !semver.IsValid(tag) {
		return fmt.Errorf("release tag %q is not a semantic version", release.TagName)
	}

	w.mu.Lock()
	changed := tag != w.latest
	w.latest = tag
	if etag := resp.Header.Get("ETag"); etag != "" {
		w.etag = etag
	}
	w.mu.Unlock()

	if changed && newerThan(tag, Version) {
		w.logger.Info("newer monitor release available", "current", Version, "latest", tag)
	}
	return nil
}

// Info returns the version block for the status endpoint.
func (w *ReleaseWatcher) Info() types.VersionInfo {
	w.mu.RLock()
	latest := w.latest
	w.mu.RUnlock()

	return types.VersionInfo{
		Current:     strings.TrimPrefix(canonicalVersion(Version), "v"),
		Latest:      strings.TrimPrefix(latest, "v"),
		UpdateAvail: latest != "" && newerThan(latest, Version),
		Commit:      Commit,
		BuildTime:   formatBuildTime(BuildTime),
	}
}

// canonicalVersion prefixes v so that tags and build versions compare with
// x/mod/semver.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// newerThan reports whether release is newer than the running build. Dev
// builds without a semantic version never are outdated.
func newerThan(release, build string) bool {
	release, build = canonicalVersion(release), canonicalVersion(build)
	return semver.IsValid(build) && semver.Compare(release, build) > 0
}

// formatBuildTime renders an RFC 3339 build stamp for humans and passes
// anything else through.
func formatBuildTime(stamp string) string {
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return t.UTC().Format("2 Jan 2006 15:04 UTC")
}
