// Package types provides shared type definitions used across the noise monitor.
package types

import (
	"time"
)

// MonitorState represents the current state of the monitoring pipeline.
type MonitorState string

const (
	// StateStopped indicates the pipeline is not running.
	StateStopped MonitorState = "stopped"
	// StateStarting indicates hardware is being initialized.
	StateStarting MonitorState = "starting"
	// StateRunning indicates capture and inference cycles are active.
	StateRunning MonitorState = "running"
	// StateStopping indicates the pipeline is shutting down.
	StateStopping MonitorState = "stopping"
)

// InferenceState is the position of the orchestrator within one cycle.
type InferenceState string

const (
	InferenceIdle    InferenceState = "idle"
	InferenceWaiting InferenceState = "waiting_for_window"
	InferenceRunning InferenceState = "classifying"
	InferenceDone    InferenceState = "done"
	InferenceFailed  InferenceState = "failed"
)

// IndicatorState is the lit color of the three-level indicator.
type IndicatorState string

const (
	IndicatorOff      IndicatorState = "off"
	IndicatorQuiet    IndicatorState = "quiet"    // green
	IndicatorModerate IndicatorState = "moderate" // yellow
	IndicatorLoud     IndicatorState = "loud"     // red
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling process state.
	PollInterval = 50 * time.Millisecond
	// InitialRetryDelay is the starting delay after a failed capture read.
	InitialRetryDelay = 10 * time.Millisecond
	// MaxRetryDelay caps the delay between failed capture reads.
	MaxRetryDelay = 1000 * time.Millisecond
)

// Decision is the reconciled outcome of one inference cycle.
// Numeric fields are zero when Success is false.
type Decision struct {
	Success         bool      `json:"success"`
	LevelDB         float64   `json:"level_db"`
	DominantPercent float64   `json:"dominant_percent"`
	DominantLabel   string    `json:"dominant_label,omitempty"`
	DominantIndex   int       `json:"dominant_index"`
	EnergyDBFS      float64   `json:"energy_dbfs"`
	Anomaly         *float64  `json:"anomaly,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`

	// Err is the failure cause when Success is false.
	Err error `json:"-"`
}

// Counters tracks pipeline totals since start.
type Counters struct {
	Cycles         uint64 `json:"cycles"`
	FailedCycles   uint64 `json:"failed_cycles"`
	Reports        uint64 `json:"reports"`
	FailedReports  uint64 `json:"failed_reports"`
	DroppedWindows uint64 `json:"dropped_windows"`
}

// MicrophoneStatus reflects the stalled-microphone detector.
type MicrophoneStatus struct {
	Silent        bool    `json:"silent"`
	SilenceLevel  float64 `json:"silence_level_dbfs"`
	SilentForSecs float64 `json:"silent_for_seconds,omitzero"`
}

// Status is the snapshot served by the status endpoint.
type Status struct {
	State         MonitorState     `json:"state"`
	Inference     InferenceState   `json:"inference"`
	Indicator     IndicatorState   `json:"indicator"`
	Uptime        string           `json:"uptime,omitzero"`
	LastDecision  *Decision        `json:"last_decision,omitempty"`
	LastReportErr string           `json:"last_report_error,omitzero"`
	Counters      Counters         `json:"counters"`
	Microphone    MicrophoneStatus `json:"microphone"`
	Version       VersionInfo      `json:"version"`
	RecentEvents  any              `json:"recent_events,omitempty"`
}

// WSDecisionMessage is pushed to websocket clients after every cycle.
type WSDecisionMessage struct {
	Type      string         `json:"type"` // "decision"
	Decision  Decision       `json:"decision"`
	Indicator IndicatorState `json:"indicator"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
