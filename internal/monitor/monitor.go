// Package monitor runs the noise monitoring pipeline: capture in the
// background and, on every tick, inference, indicator update and report.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// Sentinel errors for monitor operations.
var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrMissingPart    = errors.New("monitor is missing a pipeline component")
)

// Capture is the background sample producer.
type Capture interface {
	Start() error
	Stop() error
	Stats() audio.CaptureStats
}

// Inference runs one synchronous cycle.
type Inference interface {
	RunFullInference(ctx context.Context) types.Decision
	State() types.InferenceState
}

// Indicator shows the latest level.
type Indicator interface {
	Set(level float64) (types.IndicatorState, error)
	State() types.IndicatorState
	Close() error
}

// Reporter delivers a decision to the collector.
type Reporter interface {
	Send(ctx context.Context, level, dominantPercent float64) error
}

// DropCounter reports windows lost to overwrite.
type DropCounter interface {
	Dropped() uint64
}

// Alerter is told about stalled microphone transitions.
type Alerter interface {
	HandleEvent(event audio.SilenceEvent, threshold float64)
}

// Parts are the pipeline components. Events, Windows and Alerts may be nil.
type Parts struct {
	Capture   Capture
	Inference Inference
	Indicator Indicator
	Reporter  Reporter
	Events    *eventlog.Logger
	Windows   DropCounter
	Alerts    Alerter
}

// Options tunes the control loop.
type Options struct {
	Interval time.Duration       // pause after each cycle
	Silence  audio.SilenceConfig // stalled microphone detection
}

// Monitor owns the pipeline lifecycle and its status snapshot.
type Monitor struct {
	parts   Parts
	opts    Options
	logger  *slog.Logger
	silence *audio.SilenceDetector
	logged  types.IndicatorState // last indicator state written to the event log; loop goroutine only

	mu            sync.RWMutex
	state         types.MonitorState
	startTime     time.Time
	lastDecision  *types.Decision
	lastReportErr string
	counters      types.Counters
	mic           types.MicrophoneStatus
	cancel        context.CancelFunc
	done          chan struct{}

	subMu       sync.Mutex
	subscribers map[int]func(types.WSDecisionMessage)
	nextSub     int
}

// New creates a monitor over parts.
func New(parts Parts, opts Options, logger *slog.Logger) (*Monitor, error) {
	if parts.Capture == nil || parts.Inference == nil || parts.Indicator == nil || parts.Reporter == nil {
		return nil, ErrMissingPart
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		parts:       parts,
		opts:        opts,
		logger:      logger,
		silence:     audio.NewSilenceDetector(),
		state:       types.StateStopped,
		subscribers: make(map[int]func(types.WSDecisionMessage)),
	}, nil
}

// Start launches capture and the control loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == types.StateRunning || m.state == types.StateStarting {
		return ErrAlreadyRunning
	}
	m.state = types.StateStarting

	if err := m.parts.Capture.Start(); err != nil {
		m.state = types.StateStopped
		return fmt.Errorf("start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.startTime = time.Now()
	m.silence.Reset()
	m.mic = types.MicrophoneStatus{}
	m.state = types.StateRunning

	m.logEvent(func(l *eventlog.Logger) error { return l.LogLifecycle(eventlog.MonitorStarted, "") })
	m.logger.Info("noise monitor started", "interval", m.opts.Interval)

	go m.run(ctx, m.done)
	return nil
}

// Stop ends the control loop, then stops capture, then turns the indicator
// off and releases it.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.state != types.StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = types.StateStopping
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	var errs []error

	cancel()
	select {
	case <-done:
	case <-time.After(types.ShutdownTimeout):
		errs = append(errs, errors.New("control loop did not stop in time"))
	}

	if err := m.parts.Capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	if err := m.parts.Indicator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release indicator: %w", err))
	}

	m.logEvent(func(l *eventlog.Logger) error { return l.LogLifecycle(eventlog.MonitorStopped, "") })

	m.mu.Lock()
	m.state = types.StateStopped
	m.mu.Unlock()

	return errors.Join(errs...)
}

// Done is closed when the control loop exits.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Subscribe registers fn for every completed cycle. fn must not block.
func (m *Monitor) Subscribe(fn func(types.WSDecisionMessage)) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers, id)
	}
}

// Status returns the current pipeline status.
func (m *Monitor) Status() types.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := ""
	if m.state == types.StateRunning {
		uptime = time.Since(m.startTime).Truncate(time.Second).String()
	}

	status := types.Status{
		State:         m.state,
		Inference:     m.parts.Inference.State(),
		Indicator:     m.parts.Indicator.State(),
		Uptime:        uptime,
		LastReportErr: m.lastReportErr,
		Counters:      m.counters,
		Microphone:    m.mic,
	}
	if m.parts.Windows != nil {
		status.Counters.DroppedWindows = m.parts.Windows.Dropped()
	}
	if m.lastDecision != nil {
		d := *m.lastDecision
		status.LastDecision = &d
	}
	return status
}

func (m *Monitor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		m.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.Interval):
		}
	}
}

// cycle runs inference, updates the indicator and sends the report.
func (m *Monitor) cycle(ctx context.Context) {
	d := m.parts.Inference.RunFullInference(ctx)
	if ctx.Err() != nil {
		return
	}

	if !d.Success {
		m.mu.Lock()
		m.counters.Cycles++
		m.counters.FailedCycles++
		m.lastDecision = &d
		m.mu.Unlock()

		m.logger.Warn("inference cycle skipped", "error", d.Err)
		m.logEvent(func(l *eventlog.Logger) error { return l.LogFailure(eventlog.CycleFailed, d.Err) })
		m.publish(d)
		return
	}

	m.checkMicrophone(d.EnergyDBFS, d.Timestamp)

	state, err := m.parts.Indicator.Set(d.LevelDB)
	if err != nil {
		m.logger.Error("failed to update indicator", "error", err)
	}
	if state != m.logged {
		m.logged = state
		m.logEvent(func(l *eventlog.Logger) error { return l.LogDecision(d, state) })
	}

	reportErr := m.parts.Reporter.Send(ctx, d.LevelDB, d.DominantPercent)

	m.mu.Lock()
	m.counters.Cycles++
	m.lastDecision = &d
	if reportErr != nil {
		m.counters.FailedReports++
		m.lastReportErr = reportErr.Error()
	} else {
		m.counters.Reports++
		m.lastReportErr = ""
	}
	m.mu.Unlock()

	if reportErr != nil {
		m.logEvent(func(l *eventlog.Logger) error { return l.LogFailure(eventlog.ReportFailed, reportErr) })
	}
	m.publish(d)
}

// checkMicrophone feeds the window energy to the silence detector.
func (m *Monitor) checkMicrophone(levelDBFS float64, now time.Time) {
	cfg := m.opts.Silence
	if cfg.DurationMs <= 0 {
		return
	}
	ev := m.silence.Update(levelDBFS, cfg, now)

	m.mu.Lock()
	m.mic = types.MicrophoneStatus{
		Silent:        ev.InSilence,
		SilenceLevel:  levelDBFS,
		SilentForSecs: float64(ev.DurationMs) / 1000,
	}
	m.mu.Unlock()

	if m.parts.Alerts != nil && (ev.JustEntered || ev.JustRecovered) {
		m.parts.Alerts.HandleEvent(ev, cfg.Threshold)
	}

	switch {
	case ev.JustEntered:
		m.logger.Warn("microphone silent, capture may have stalled",
			"level_dbfs", levelDBFS, "threshold_db", cfg.Threshold, "duration_ms", ev.DurationMs)
		m.logEvent(func(l *eventlog.Logger) error { return l.LogSilenceStart(levelDBFS, cfg.Threshold) })
	case ev.JustRecovered:
		m.logger.Info("microphone signal recovered", "silent_ms", ev.TotalDurationMs)
		m.logEvent(func(l *eventlog.Logger) error {
			return l.LogSilenceEnd(ev.TotalDurationMs, levelDBFS, cfg.Threshold)
		})
	}
}

func (m *Monitor) publish(d types.Decision) {
	msg := types.WSDecisionMessage{
		Type:      "decision",
		Decision:  d,
		Indicator: m.parts.Indicator.State(),
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, fn := range m.subscribers {
		fn(msg)
	}
}

// logEvent writes to the event log when one is configured.
func (m *Monitor) logEvent(write func(l *eventlog.Logger) error) {
	if m.parts.Events == nil {
		return
	}
	if err := write(m.parts.Events); err != nil {
		m.logger.Warn("failed to write event log", "error", err)
	}
}
