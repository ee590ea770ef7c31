// Package inference turns completed audio windows into decisions.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/classifier"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// DefaultWindowTimeout bounds the wait for a completed window.
const DefaultWindowTimeout = 3 * time.Second

// WindowSource hands out completed windows to a single consumer.
type WindowSource interface {
	Size() int
	Take(ctx context.Context, dst []int16) error
}

// LevelSource returns the calibrated sound level in dB.
type LevelSource interface {
	Level() (float64, error)
}

// Orchestrator runs one synchronous cycle: wait for a window, classify it,
// read the sound level and reconcile both into a Decision.
type Orchestrator struct {
	windows       WindowSource
	classifier    classifier.Classifier
	meter         LevelSource
	windowTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	run      sync.Mutex // one cycle at a time
	window   []int16
	features []float64

	mu    sync.RWMutex
	state types.InferenceState
}

// New creates an orchestrator. A zero windowTimeout selects DefaultWindowTimeout.
func New(windows WindowSource, cls classifier.Classifier, meter LevelSource, windowTimeout time.Duration, logger *slog.Logger) (*Orchestrator, error) {
	if windows == nil || cls == nil || meter == nil {
		return nil, errors.New("orchestrator requires a window source, a classifier and a level source")
	}
	if windows.Size() <= 0 {
		return nil, audio.ErrInvalidWindow
	}
	if windowTimeout <= 0 {
		windowTimeout = DefaultWindowTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		windows:       windows,
		classifier:    cls,
		meter:         meter,
		windowTimeout: windowTimeout,
		logger:        logger,
		now:           time.Now,
		window:        make([]int16, windows.Size()),
		features:      make([]float64, windows.Size()),
		state:         types.InferenceIdle,
	}, nil
}

// State returns the current cycle state.
func (o *Orchestrator) State() types.InferenceState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s types.InferenceState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RunFullInference runs one cycle. Failures are reported through
// Decision.Success and Decision.Error with zero numeric fields.
func (o *Orchestrator) RunFullInference(ctx context.Context) types.Decision {
	o.run.Lock()
	defer o.run.Unlock()

	o.setState(types.InferenceWaiting)
	waitCtx, cancel := context.WithTimeoutCause(ctx, o.windowTimeout, audio.ErrWindowTimeout)
	err := o.windows.Take(waitCtx, o.window)
	cancel()
	if err != nil {
		return o.fail(util.WrapError("wait for window", err))
	}

	o.setState(types.InferenceRunning)
	for i, s := range o.window {
		o.features[i] = float64(s)
	}
	result, err := o.classifier.Classify(ctx, o.features)
	if err != nil {
		return o.fail(util.WrapError("run classifier", err))
	}
	if err := result.Validate(); err != nil {
		return o.fail(err)
	}
	dominant := result.Dominant()

	level, err := o.meter.Level()
	if err != nil {
		return o.fail(util.WrapError("read sound level", err))
	}

	d := types.Decision{
		Success:         true,
		LevelDB:         level,
		DominantPercent: result.Probabilities[dominant] * 100,
		DominantLabel:   result.Labels[dominant],
		DominantIndex:   dominant,
		EnergyDBFS:      audio.LevelDBFS(o.window),
		Anomaly:         result.Anomaly,
		Timestamp:       o.now(),
	}
	o.setState(types.InferenceDone)

	o.logger.Debug("inference complete",
		"label", d.DominantLabel,
		"percent", fmt.Sprintf("%.1f", d.DominantPercent),
		"level_db", d.LevelDB,
		"energy_dbfs", d.EnergyDBFS,
		"timing", result.Timing)
	return d
}

func (o *Orchestrator) fail(err error) types.Decision {
	o.setState(types.InferenceFailed)
	o.logger.Debug("inference failed", "error", err)
	return types.Decision{Error: err.Error(), Err: err, Timestamp: o.now()}
}
