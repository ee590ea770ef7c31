package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeCapture struct {
	rec      *recorder
	startErr error
}

func (c *fakeCapture) Start() error {
	c.rec.add("capture.start")
	return c.startErr
}

func (c *fakeCapture) Stop() error {
	c.rec.add("capture.stop")
	return nil
}

func (c *fakeCapture) Stats() audio.CaptureStats { return audio.CaptureStats{} }

type fakeInference struct {
	mu        sync.Mutex
	decisions []types.Decision
}

func (f *fakeInference) RunFullInference(ctx context.Context) types.Decision {
	f.mu.Lock()
	if len(f.decisions) > 0 {
		d := f.decisions[0]
		f.decisions = f.decisions[1:]
		f.mu.Unlock()
		return d
	}
	f.mu.Unlock()
	<-ctx.Done()
	return types.Decision{Error: "canceled", Err: context.Cause(ctx)}
}

func (f *fakeInference) State() types.InferenceState { return types.InferenceIdle }

type fakeIndicator struct {
	rec   *recorder
	state types.IndicatorState
}

func (i *fakeIndicator) Set(level float64) (types.IndicatorState, error) {
	i.rec.add("indicator.set")
	i.state = types.IndicatorModerate
	return i.state, nil
}

func (i *fakeIndicator) State() types.IndicatorState { return i.state }

func (i *fakeIndicator) Close() error {
	i.rec.add("indicator.close")
	i.state = types.IndicatorOff
	return nil
}

type fakeReporter struct {
	rec  *recorder
	err  error
	sent []float64
}

func (r *fakeReporter) Send(ctx context.Context, level, dominantPercent float64) error {
	r.rec.add("report.send")
	r.sent = append(r.sent, level, dominantPercent)
	return r.err
}

type countingAlerter struct {
	entered, recovered int
}

func (a *countingAlerter) HandleEvent(ev audio.SilenceEvent, threshold float64) {
	if ev.JustEntered {
		a.entered++
	}
	if ev.JustRecovered {
		a.recovered++
	}
}

type fixedDrops uint64

func (f fixedDrops) Dropped() uint64 { return uint64(f) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, decisions ...types.Decision) (*Monitor, *recorder, *fakeReporter) {
	t.Helper()
	rec := &recorder{}
	rep := &fakeReporter{rec: rec}
	m, err := New(Parts{
		Capture:   &fakeCapture{rec: rec},
		Inference: &fakeInference{decisions: decisions},
		Indicator: &fakeIndicator{rec: rec, state: types.IndicatorOff},
		Reporter:  rep,
		Windows:   fixedDrops(4),
	}, Options{
		Interval: time.Millisecond,
		Silence:  audio.SilenceConfig{Threshold: -90, DurationMs: 1000, RecoveryMs: 500},
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m, rec, rep
}

func TestNewRequiresParts(t *testing.T) {
	if _, err := New(Parts{}, Options{}, nil); !errors.Is(err, ErrMissingPart) {
		t.Fatalf("New(empty) error = %v, want ErrMissingPart", err)
	}
}

func TestCycleSuccess(t *testing.T) {
	m, rec, rep := newTestMonitor(t)
	var got []types.WSDecisionMessage
	unsubscribe := m.Subscribe(func(msg types.WSDecisionMessage) { got = append(got, msg) })
	defer unsubscribe()

	m.parts.Inference = &fakeInference{decisions: []types.Decision{{
		Success: true, LevelDB: 72.4, DominantPercent: 91, DominantLabel: "traffic", EnergyDBFS: -30, Timestamp: time.Now(),
	}}}
	m.cycle(context.Background())

	calls := rec.list()
	if len(calls) != 2 || calls[0] != "indicator.set" || calls[1] != "report.send" {
		t.Fatalf("calls = %v, want indicator.set then report.send", calls)
	}
	if len(rep.sent) != 2 || rep.sent[0] != 72.4 || rep.sent[1] != 91 {
		t.Fatalf("sent = %v", rep.sent)
	}

	st := m.Status()
	if st.Counters.Cycles != 1 || st.Counters.Reports != 1 || st.Counters.FailedCycles != 0 {
		t.Fatalf("counters = %+v", st.Counters)
	}
	if st.Counters.DroppedWindows != 4 {
		t.Fatalf("dropped = %d, want 4", st.Counters.DroppedWindows)
	}
	if st.LastDecision == nil || st.LastDecision.DominantLabel != "traffic" {
		t.Fatalf("last decision = %+v", st.LastDecision)
	}
	if len(got) != 1 || got[0].Indicator != types.IndicatorModerate || got[0].Type != "decision" {
		t.Fatalf("published = %+v", got)
	}
}

func TestCycleFailureSkipsOutputs(t *testing.T) {
	m, rec, _ := newTestMonitor(t)
	m.parts.Inference = &fakeInference{decisions: []types.Decision{{
		Error: "timed out", Err: audio.ErrWindowTimeout, Timestamp: time.Now(),
	}}}
	m.cycle(context.Background())

	if calls := rec.list(); len(calls) != 0 {
		t.Fatalf("failed cycle touched outputs: %v", calls)
	}
	st := m.Status()
	if st.Counters.Cycles != 1 || st.Counters.FailedCycles != 1 || st.Counters.Reports != 0 {
		t.Fatalf("counters = %+v", st.Counters)
	}
	if st.LastDecision == nil || st.LastDecision.Success {
		t.Fatalf("last decision = %+v", st.LastDecision)
	}
}

func TestCycleReportFailure(t *testing.T) {
	m, _, rep := newTestMonitor(t)
	rep.err = errors.New("network link down")
	m.parts.Inference = &fakeInference{decisions: []types.Decision{{Success: true, LevelDB: 50, Timestamp: time.Now()}}}
	m.cycle(context.Background())

	st := m.Status()
	if st.Counters.FailedReports != 1 || st.LastReportErr != "network link down" {
		t.Fatalf("status = %+v", st)
	}
}

func TestCycleMicrophoneSilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer events.Close()

	m, _, _ := newTestMonitor(t)
	m.parts.Events = events
	alerts := &countingAlerter{}
	m.parts.Alerts = alerts

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	quiet := func(at time.Time) types.Decision {
		return types.Decision{Success: true, LevelDB: 30, EnergyDBFS: -120, Timestamp: at}
	}
	m.parts.Inference = &fakeInference{decisions: []types.Decision{
		quiet(start),
		quiet(start.Add(1500 * time.Millisecond)),
	}}
	m.cycle(context.Background())
	if m.Status().Microphone.Silent {
		t.Fatal("silent after first quiet window")
	}
	m.cycle(context.Background())
	if !m.Status().Microphone.Silent {
		t.Fatal("not silent after 1.5s of quiet windows")
	}

	all, err := eventlog.ReadLast(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []eventlog.Event
	for _, e := range all {
		if e.Type == eventlog.SilenceStart || e.Type == eventlog.SilenceEnd {
			got = append(got, e)
		}
	}
	if len(got) != 1 || got[0].Type != eventlog.SilenceStart {
		t.Fatalf("microphone events = %+v", got)
	}
	if alerts.entered != 1 || alerts.recovered != 0 {
		t.Fatalf("alerts = %+v", alerts)
	}
}

// thresholdIndicator turns loud at 70 dB and is quiet below.
type thresholdIndicator struct{ fakeIndicator }

func (i *thresholdIndicator) Set(level float64) (types.IndicatorState, error) {
	i.state = types.IndicatorQuiet
	if level >= 70 {
		i.state = types.IndicatorLoud
	}
	return i.state, nil
}

func TestCycleLogsIndicatorTransitionsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer events.Close()

	m, _, _ := newTestMonitor(t)
	m.parts.Events = events
	m.parts.Indicator = &thresholdIndicator{fakeIndicator{rec: &recorder{}}}

	var decisions []types.Decision
	for _, level := range []float64{50, 52, 55, 80, 81, 60} {
		decisions = append(decisions, types.Decision{Success: true, LevelDB: level, EnergyDBFS: -20, Timestamp: time.Now()})
	}
	m.parts.Inference = &fakeInference{decisions: decisions}
	for range decisions {
		m.cycle(context.Background())
	}

	got, err := eventlog.ReadLast(path, 50)
	if err != nil {
		t.Fatal(err)
	}
	var levels []float64
	for _, e := range got {
		if e.Type != eventlog.Decision {
			continue
		}
		details, _ := e.Details.(map[string]any)
		levels = append(levels, details["level_db"].(float64))
	}
	want := []float64{60, 80, 50}
	if !slices.Equal(levels, want) {
		t.Fatalf("logged decision levels = %v, want %v", levels, want)
	}
	if m.Status().Counters.Cycles != 6 {
		t.Fatalf("cycles = %d, want 6", m.Status().Counters.Cycles)
	}
}

func TestStartStopOrder(t *testing.T) {
	m, rec, _ := newTestMonitor(t)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v", err)
	}
	if st := m.Status(); st.State != types.StateRunning {
		t.Fatalf("state = %s", st.State)
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-m.Done():
	default:
		t.Fatal("control loop still running after Stop")
	}

	calls := rec.list()
	if len(calls) != 3 || calls[0] != "capture.start" || calls[1] != "capture.stop" || calls[2] != "indicator.close" {
		t.Fatalf("calls = %v", calls)
	}
	if st := m.Status(); st.State != types.StateStopped || st.Indicator != types.IndicatorOff {
		t.Fatalf("status after stop = %+v", st)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop = %v", err)
	}
}

func TestStartCaptureError(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	m.parts.Capture = &fakeCapture{rec: &recorder{}, startErr: audio.ErrNoAudioDevice}
	if err := m.Start(); !errors.Is(err, audio.ErrNoAudioDevice) {
		t.Fatalf("Start error = %v", err)
	}
	if st := m.Status(); st.State != types.StateStopped {
		t.Fatalf("state = %s", st.State)
	}
}
