package audio

import (
	"sync"
	"time"
)

// SilenceConfig holds the configurable thresholds for silence detection.
type SilenceConfig struct {
	Threshold  float64 // dBFS level below which a window is considered silent
	DurationMs int64   // milliseconds of silence before triggering
	RecoveryMs int64   // milliseconds of signal before considering recovered
}

// SilenceEvent represents the result of a silence detection update.
type SilenceEvent struct {
	InSilence  bool    // Currently in confirmed silence state
	DurationMs int64   // Current silence duration in ms (0 if not silent)
	Level      float64 // Energy level of the window that produced this event

	// State transitions
	JustEntered     bool  // True on the update when silence is first confirmed
	JustRecovered   bool  // True on the update when recovery completes
	TotalDurationMs int64 // Total silence duration in ms (only set when JustRecovered)
}

// SilenceDetector tracks microphone silence across successive windows. A
// microphone that stays below the threshold has usually stalled or lost
// its clock. It is safe for concurrent use.
type SilenceDetector struct {
	mu                sync.Mutex
	silenceStart      time.Time // when current silence period started
	recoveryStart     time.Time // when signal returned after silence
	inSilence         bool      // currently in confirmed silence state
	silenceDurationMs int64     // tracks duration in ms for recovery reporting
}

// NewSilenceDetector creates a new silence detector.
func NewSilenceDetector() *SilenceDetector {
	return &SilenceDetector{}
}

// Update feeds the energy level of one window and returns the current state.
func (d *SilenceDetector) Update(db float64, cfg SilenceConfig, now time.Time) SilenceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	event := SilenceEvent{Level: db}

	if db < cfg.Threshold {
		d.recoveryStart = time.Time{}

		if d.silenceStart.IsZero() {
			d.silenceStart = now
		}

		silenceDurationMs := now.Sub(d.silenceStart).Milliseconds()
		d.silenceDurationMs = silenceDurationMs

		if d.inSilence {
			event.InSilence = true
			event.DurationMs = silenceDurationMs
		} else if silenceDurationMs >= cfg.DurationMs {
			d.inSilence = true
			event.InSilence = true
			event.DurationMs = silenceDurationMs
			event.JustEntered = true
		}
		return event
	}

	if !d.inSilence {
		d.silenceStart = time.Time{}
		return event
	}

	// Signal is back; stay silent until it has lasted RecoveryMs.
	if d.recoveryStart.IsZero() {
		d.recoveryStart = now
	}
	if now.Sub(d.recoveryStart).Milliseconds() >= cfg.RecoveryMs {
		event.JustRecovered = true
		event.TotalDurationMs = d.silenceDurationMs

		d.inSilence = false
		d.silenceDurationMs = 0
		d.silenceStart = time.Time{}
		d.recoveryStart = time.Time{}
	} else {
		event.InSilence = true
	}

	return event
}

// Reset clears the silence detection state.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silenceStart = time.Time{}
	d.recoveryStart = time.Time{}
	d.inSilence = false
	d.silenceDurationMs = 0
}
