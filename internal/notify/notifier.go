package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
)

// SilenceNotifier sends one alert when the microphone goes silent and one
// when it recovers. Deliveries run in the background so the control loop
// never waits on the webhook. It is safe for concurrent use.
type SilenceNotifier struct {
	webhook *Webhook
	node    string
	logger  *slog.Logger
	now     func() time.Time

	// mu protects sent.
	mu   sync.Mutex
	sent bool

	wg sync.WaitGroup
}

// NewSilenceNotifier returns a notifier posting to webhookURL. The node name
// defaults to the host name.
func NewSilenceNotifier(webhookURL string, logger *slog.Logger) *SilenceNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	node, _ := os.Hostname()
	return &SilenceNotifier{
		webhook: NewWebhook(webhookURL),
		node:    node,
		logger:  logger,
		now:     time.Now,
	}
}

// HandleEvent processes a silence detector transition.
func (n *SilenceNotifier) HandleEvent(event audio.SilenceEvent, threshold float64) {
	switch {
	case event.JustEntered:
		n.mu.Lock()
		send := !n.sent
		n.sent = true
		n.mu.Unlock()
		if send {
			n.deliver(&WebhookPayload{
				Event:             EventMicrophoneSilent,
				SilenceDurationMs: event.DurationMs,
				LevelDBFS:         event.Level,
				Threshold:         threshold,
			})
		}

	case event.JustRecovered:
		// Only announce recovery for an alert that went out.
		n.mu.Lock()
		send := n.sent
		n.sent = false
		n.mu.Unlock()
		if send {
			n.deliver(&WebhookPayload{
				Event:             EventMicrophoneRecovered,
				SilenceDurationMs: event.TotalDurationMs,
				LevelDBFS:         event.Level,
				Threshold:         threshold,
			})
		}
	}
}

func (n *SilenceNotifier) deliver(payload *WebhookPayload) {
	payload.Node = n.node
	payload.Timestamp = timestampUTC(n.now())

	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if err := n.webhook.Send(ctx, payload); err != nil {
			n.logger.Error("notification failed", "type", "webhook", "event", payload.Event, "error", err)
			return
		}
		n.logger.Info("notification sent", "type", "webhook", "event", payload.Event)
	})
}

// Wait blocks until pending deliveries finish.
func (n *SilenceNotifier) Wait() {
	n.wg.Wait()
}
