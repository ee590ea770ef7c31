package inference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/classifier"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

type fakeClassifier struct {
	labels   []string
	probs    []float64
	anomaly  *float64
	err      error
	received []float64
}

func (f *fakeClassifier) Labels() []string { return f.labels }

func (f *fakeClassifier) Classify(_ context.Context, features []float64) (classifier.Result, error) {
	f.received = append([]float64(nil), features...)
	if f.err != nil {
		return classifier.Result{}, f.err
	}
	return classifier.Result{Labels: f.labels, Probabilities: f.probs, Anomaly: f.anomaly}, nil
}

type fakeMeter struct {
	level float64
	err   error
}

func (m fakeMeter) Level() (float64, error) { return m.level, m.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func filledBuffer(t *testing.T, size int, value int16) *audio.InferenceBuffer {
	t.Helper()
	buf, err := audio.NewInferenceBuffer(size)
	if err != nil {
		t.Fatal(err)
	}
	window := make([]int16, size)
	for i := range window {
		window[i] = value
	}
	buf.Push(window)
	return buf
}

func TestRunFullInferenceEndToEnd(t *testing.T) {
	buf := filledBuffer(t, 16000, 16000)
	cls := &fakeClassifier{
		labels: []string{"background", "traffic", "construction"},
		probs:  []float64{0.2, 0.9, 0.9},
	}
	o, err := New(buf, cls, fakeMeter{level: 72.5}, time.Second, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	d := o.RunFullInference(context.Background())
	if !d.Success {
		t.Fatalf("decision failed: %s", d.Error)
	}
	if d.DominantIndex != 1 || d.DominantLabel != "traffic" {
		t.Fatalf("dominant = %d (%s), want 1 (traffic)", d.DominantIndex, d.DominantLabel)
	}
	if math.Abs(d.DominantPercent-90) > 1e-9 {
		t.Fatalf("DominantPercent = %v, want 90", d.DominantPercent)
	}
	if d.LevelDB != 72.5 {
		t.Fatalf("LevelDB = %v, want 72.5", d.LevelDB)
	}
	want := 20 * math.Log10(16000.0/32768.0)
	if math.Abs(d.EnergyDBFS-want) > 1e-6 {
		t.Fatalf("EnergyDBFS = %v, want %v", d.EnergyDBFS, want)
	}
	if len(cls.received) != 16000 || cls.received[0] != 16000 {
		t.Fatal("classifier must receive unscaled samples")
	}
	if o.State() != types.InferenceDone {
		t.Fatalf("State = %s, want done", o.State())
	}
}

func TestRunFullInferenceWindowTimeout(t *testing.T) {
	buf, err := audio.NewInferenceBuffer(64)
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(buf, &fakeClassifier{labels: []string{"a"}, probs: []float64{1}}, fakeMeter{}, 20*time.Millisecond, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	d := o.RunFullInference(context.Background())
	if d.Success {
		t.Fatal("expected failed decision")
	}
	if !errors.Is(d.Err, audio.ErrWindowTimeout) {
		t.Fatalf("Err = %v, want ErrWindowTimeout", d.Err)
	}
	if d.LevelDB != 0 || d.DominantPercent != 0 || d.EnergyDBFS != 0 {
		t.Fatalf("failed decision carries numbers: %+v", d)
	}
	if o.State() != types.InferenceFailed {
		t.Fatalf("State = %s, want failed", o.State())
	}
}

func TestRunFullInferenceClassifierError(t *testing.T) {
	boom := errors.New("model crashed")
	o, err := New(filledBuffer(t, 8, 1), &fakeClassifier{err: boom}, fakeMeter{level: 50}, time.Second, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	d := o.RunFullInference(context.Background())
	if d.Success || !errors.Is(d.Err, boom) {
		t.Fatalf("decision = %+v, want failure caused by classifier", d)
	}
}

func TestRunFullInferenceEmptyResult(t *testing.T) {
	o, err := New(filledBuffer(t, 8, 1), &fakeClassifier{}, fakeMeter{level: 50}, time.Second, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if d := o.RunFullInference(context.Background()); d.Success || !errors.Is(d.Err, classifier.ErrNoLabels) {
		t.Fatalf("decision = %+v, want ErrNoLabels", d)
	}
}

func TestRunFullInferenceMalformedResult(t *testing.T) {
	inf := math.Inf(1)
	tests := map[string]*fakeClassifier{
		"more probabilities than labels": {labels: []string{"a"}, probs: []float64{0.2, 0.8}},
		"more labels than probabilities": {labels: []string{"a", "b", "c"}, probs: []float64{0.2, 0.8}},
		"nan probability":                {labels: []string{"a", "b"}, probs: []float64{math.NaN(), 0.5}},
		"infinite probability":           {labels: []string{"a", "b"}, probs: []float64{0.5, math.Inf(1)}},
		"infinite anomaly":               {labels: []string{"a"}, probs: []float64{1}, anomaly: &inf},
	}
	for name, cls := range tests {
		t.Run(name, func(t *testing.T) {
			o, err := New(filledBuffer(t, 8, 1), cls, fakeMeter{level: 50}, time.Second, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			d := o.RunFullInference(context.Background())
			if d.Success || !errors.Is(d.Err, classifier.ErrMalformedResult) {
				t.Fatalf("decision = %+v, want ErrMalformedResult", d)
			}
			if d.DominantPercent != 0 || d.LevelDB != 0 {
				t.Fatalf("failed decision carries values: %+v", d)
			}
		})
	}
}

func TestRunFullInferenceSensorError(t *testing.T) {
	adcErr := errors.New("adc unavailable")
	cls := &fakeClassifier{labels: []string{"a"}, probs: []float64{1}}
	o, err := New(filledBuffer(t, 8, 1), cls, fakeMeter{err: adcErr}, time.Second, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if d := o.RunFullInference(context.Background()); d.Success || !errors.Is(d.Err, adcErr) {
		t.Fatalf("decision = %+v, want sensor failure", d)
	}
}

func TestRunFullInferenceCanceled(t *testing.T) {
	buf, _ := audio.NewInferenceBuffer(8)
	o, err := New(buf, &fakeClassifier{}, fakeMeter{}, time.Second, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d := o.RunFullInference(ctx); d.Success || !errors.Is(d.Err, context.Canceled) {
		t.Fatalf("decision = %+v, want context canceled", d)
	}
}
