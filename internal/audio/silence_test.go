package audio

import (
	"testing"
	"time"
)

func TestSilenceDetectorEnterAndRecover(t *testing.T) {
	cfg := SilenceConfig{Threshold: -90, DurationMs: 3000, RecoveryMs: 1000}
	d := NewSilenceDetector()
	start := time.Unix(1700000000, 0)

	if ev := d.Update(-120, cfg, start); ev.InSilence || ev.JustEntered {
		t.Fatalf("silence confirmed too early: %+v", ev)
	}
	if ev := d.Update(-120, cfg, start.Add(2*time.Second)); ev.InSilence {
		t.Fatalf("silence confirmed before duration: %+v", ev)
	}
	ev := d.Update(-120, cfg, start.Add(3*time.Second))
	if !ev.JustEntered || !ev.InSilence {
		t.Fatalf("expected silence entry, got %+v", ev)
	}
	if ev = d.Update(-120, cfg, start.Add(4*time.Second)); ev.JustEntered || !ev.InSilence {
		t.Fatalf("entry must be reported once, got %+v", ev)
	}

	// Signal returns but recovery needs RecoveryMs.
	if ev = d.Update(-40, cfg, start.Add(5*time.Second)); !ev.InSilence || ev.JustRecovered {
		t.Fatalf("recovered too early: %+v", ev)
	}
	ev = d.Update(-40, cfg, start.Add(6*time.Second))
	if !ev.JustRecovered || ev.InSilence {
		t.Fatalf("expected recovery, got %+v", ev)
	}
	if ev.TotalDurationMs != 4000 {
		t.Fatalf("TotalDurationMs = %d, want 4000", ev.TotalDurationMs)
	}
}

func TestSilenceDetectorShortDipIgnored(t *testing.T) {
	cfg := SilenceConfig{Threshold: -90, DurationMs: 3000, RecoveryMs: 1000}
	d := NewSilenceDetector()
	start := time.Unix(1700000000, 0)

	d.Update(-120, cfg, start)
	d.Update(-30, cfg, start.Add(time.Second))
	if ev := d.Update(-120, cfg, start.Add(3500*time.Millisecond)); ev.InSilence {
		t.Fatalf("interrupted silence must restart its timer: %+v", ev)
	}
}
