// Package report delivers decisions to the remote collector.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

var (
	// ErrLinkDown is returned when the network link is unavailable.
	ErrLinkDown = errors.New("network link is down")
	// ErrArchiveTimeout is the cause of an archive upload that ran too long.
	ErrArchiveTimeout = errors.New("report archive upload timed out")
)

// maxLoggedBody limits how much of a collector response is logged.
const maxLoggedBody = 4096

// Payload is the collector's wire format.
type Payload struct {
	Prediction float64 `json:"prediction"`
	Value      int     `json:"value"`
}

// NewPayload builds a payload. The level is truncated toward zero.
func NewPayload(level, dominantPercent float64) Payload {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		level = 0
	}
	if math.IsNaN(dominantPercent) {
		dominantPercent = 0
	}
	return Payload{Prediction: dominantPercent, Value: int(level)}
}

// Archiver keeps a copy of delivered payloads.
type Archiver interface {
	Store(ctx context.Context, p Payload, at time.Time) error
}

// Config configures the collector endpoint and its credentials.
type Config struct {
	URL          string
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Reporter posts one payload per cycle. Delivery is at most once: failures
// are logged and returned, never retried or queued.
type Reporter struct {
	url     string
	client  *http.Client
	link    Link
	archive Archiver
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a reporter. link and archive may be nil.
func New(cfg Config, link Link, archive Archiver, logger *slog.Logger) (*Reporter, error) {
	if !util.IsConfigured(cfg.URL) {
		return nil, errors.New("report url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Reporter{
		url:     cfg.URL,
		client:  newHTTPClient(cfg),
		link:    link,
		archive: archive,
		timeout: cfg.Timeout,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// newHTTPClient attaches the bearer credential: a client-credentials token
// when a token URL is configured, otherwise the static token.
func newHTTPClient(cfg Config) *http.Client {
	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	var client *http.Client
	switch {
	case cfg.TokenURL != "":
		conf := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = conf.Client(ctx)
	case cfg.Token != "":
		token := strings.TrimSpace(strings.TrimPrefix(cfg.Token, "Bearer "))
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		}))
	default:
		return base
	}
	client.Timeout = cfg.Timeout
	return client
}

// Send delivers level and dominantPercent to the collector.
func (r *Reporter) Send(ctx context.Context, level, dominantPercent float64) error {
	if r.link != nil && !r.link.Up() {
		r.logger.Error("report not sent", "error", ErrLinkDown)
		return ErrLinkDown
	}

	payload := NewPayload(level, dominantPercent)
	body, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal report", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return util.WrapError("create report request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("report failed", "error", err)
		return util.WrapError("send report", err)
	}
	defer util.SafeCloseFunc(resp.Body, "report response body")()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	r.logger.Debug("report response", "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("collector returned status %d", resp.StatusCode)
		r.logger.Error("report rejected", "error", err)
		return err
	}

	if r.archive != nil {
		r.store(ctx, payload)
	}
	return nil
}

// store copies payload to the archive within the report timeout.
func (r *Reporter) store(ctx context.Context, payload Payload) {
	ctx, cancel := context.WithTimeoutCause(ctx, r.timeout, ErrArchiveTimeout)
	defer cancel()

	if err := r.archive.Store(ctx, payload, r.now()); err != nil {
		if errors.Is(context.Cause(ctx), ErrArchiveTimeout) {
			err = ErrArchiveTimeout
		}
		r.logger.Warn("failed to archive report", "error", err)
	}
}
