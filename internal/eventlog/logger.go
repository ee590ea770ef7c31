// Package eventlog records pipeline events (decisions, failed cycles,
// report failures and microphone silence) in a JSON lines file.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// EventType represents the type of event.
type EventType string

// Pipeline event types.
const (
	MonitorStarted EventType = "monitor_started"
	MonitorStopped EventType = "monitor_stopped"
	Decision       EventType = "decision"
	CycleFailed    EventType = "cycle_failed"
	ReportFailed   EventType = "report_failed"
)

// Microphone event types.
const (
	SilenceStart EventType = "mic_silence_start"
	SilenceEnd   EventType = "mic_silence_end"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// DecisionDetails is the audio-free summary of a cycle that changed the
// indicator state.
type DecisionDetails struct {
	LevelDB         float64              `json:"level_db"`
	DominantPercent float64              `json:"dominant_percent"`
	DominantLabel   string               `json:"dominant_label,omitempty"`
	EnergyDBFS      float64              `json:"energy_dbfs"`
	Anomaly         *float64             `json:"anomaly,omitempty"`
	Indicator       types.IndicatorState `json:"indicator,omitempty"`
}

// SilenceDetails contains microphone silence event details.
type SilenceDetails struct {
	LevelDBFS   float64 `json:"level_dbfs"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// maxFileSize is the size at which the log file is rotated to a single
// ".1" backup.
const maxFileSize = 4 << 20

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	size     int64
	maxSize  int64
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	if err := util.ValidatePath("event_log.path", filePath); err != nil {
		return nil, err
	}

	// Ensure directory exists
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &Logger{filePath: filePath, maxSize: maxFileSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// rotate moves the full log file aside and starts a new one. The caller
// holds l.mu.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil
	if err := os.Rename(l.filePath, l.filePath+".1"); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return l.open()
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return os.ErrClosed
	}
	if l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	return err
}

// LogDecision logs a successful cycle that moved the indicator to a new
// state.
func (l *Logger) LogDecision(d types.Decision, indicator types.IndicatorState) error {
	return l.Log(&Event{
		Timestamp: d.Timestamp,
		Type:      Decision,
		Details: &DecisionDetails{
			LevelDB:         d.LevelDB,
			DominantPercent: d.DominantPercent,
			DominantLabel:   d.DominantLabel,
			EnergyDBFS:      d.EnergyDBFS,
			Anomaly:         d.Anomaly,
			Indicator:       indicator,
		},
	})
}

// LogFailure logs a failed cycle or report.
func (l *Logger) LogFailure(eventType EventType, err error) error {
	return l.Log(&Event{
		Type:    eventType,
		Message: err.Error(),
	})
}

// LogSilenceStart logs the start of microphone silence.
func (l *Logger) LogSilenceStart(level, threshold float64) error {
	return l.Log(&Event{
		Type: SilenceStart,
		Details: &SilenceDetails{
			LevelDBFS:   level,
			ThresholdDB: threshold,
		},
	})
}

// LogSilenceEnd logs recovery from microphone silence.
func (l *Logger) LogSilenceEnd(durationMs int64, level, threshold float64) error {
	return l.Log(&Event{
		Type: SilenceEnd,
		Details: &SilenceDetails{
			LevelDBFS:   level,
			ThresholdDB: threshold,
			DurationMs:  durationMs,
		},
	})
}

// LogLifecycle logs a start or stop of the monitor.
func (l *Logger) LogLifecycle(eventType EventType, message string) error {
	return l.Log(&Event{Type: eventType, Message: message})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// maxReadLimit is the maximum number of events that can be read at once.
const maxReadLimit = 500

// readChunk is the block size ReadLast reads backwards from the end.
const readChunk = 16 << 10

// ReadLast returns up to n of the most recent events, newest first. It
// reads the file backwards from the end, so the cost depends on n and not
// on the size of the log.
func ReadLast(filePath string, n int) ([]Event, error) {
	n = min(n, maxReadLimit)
	if n <= 0 {
		return []Event{}, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, err
	}
	defer util.SafeCloseFunc(file, "event log")()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, n)
	var carry []byte // head of a line that continues into the later chunk
	for end := info.Size(); end > 0 && len(events) < n; {
		start := max(0, end-readChunk)
		size := int(end - start)
		buf := make([]byte, size, size+len(carry))
		if _, err := file.ReadAt(buf, start); err != nil {
			return nil, err
		}
		buf = append(buf, carry...)

		lines := bytes.Split(buf, []byte{'\n'})
		first := 0
		carry = nil
		if start > 0 {
			carry, first = lines[0], 1
		}
		for i := len(lines) - 1; i >= first && len(events) < n; i-- {
			line := bytes.TrimSpace(lines[i])
			if len(line) == 0 {
				continue
			}
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				continue // Skip malformed lines
			}
			events = append(events, event)
		}
		end = start
	}
	return events, nil
}
