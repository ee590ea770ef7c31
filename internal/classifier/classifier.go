// Package classifier runs noise classification models.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoLabels is returned when a model reports no categories.
	ErrNoLabels = errors.New("classifier returned no labels")
	// ErrMalformedResult is returned for a result that cannot yield a decision.
	ErrMalformedResult = errors.New("malformed classifier result")
)

// Classifier turns a window of samples into per-category probabilities.
type Classifier interface {
	Labels() []string
	Classify(ctx context.Context, features []float64) (Result, error)
}

// Result is an immutable classification output. Labels and Probabilities
// are index-aligned in model label order.
type Result struct {
	Labels        []string
	Probabilities []float64
	Anomaly       *float64
	Timing        time.Duration
}

// Dominant returns the index of the highest probability. Ties resolve to the
// lowest index. It returns -1 for an empty result.
func (r Result) Dominant() int {
	best := -1
	for i, p := range r.Probabilities {
		if best < 0 || p > r.Probabilities[best] {
			best = i
		}
	}
	return best
}

// Validate reports whether r can be turned into a decision: it needs at
// least one label, one finite probability per label and a finite anomaly
// score when present.
func (r Result) Validate() error {
	if len(r.Probabilities) == 0 {
		return ErrNoLabels
	}
	if len(r.Labels) != len(r.Probabilities) {
		return fmt.Errorf("%w: %d labels, %d probabilities", ErrMalformedResult, len(r.Labels), len(r.Probabilities))
	}
	for i, p := range r.Probabilities {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: probability %v for %q", ErrMalformedResult, p, r.Labels[i])
		}
	}
	if r.Anomaly != nil && (math.IsNaN(*r.Anomaly) || math.IsInf(*r.Anomaly, 0)) {
		return fmt.Errorf("%w: anomaly score %v", ErrMalformedResult, *r.Anomaly)
	}
	return nil
}

// String returns a compact summary such as "background=0.1000 traffic=0.9000".
func (r Result) String() string {
	kv := make([]string, 0, len(r.Labels))
	for i, label := range r.Labels {
		kv = append(kv, fmt.Sprintf("%s=%.4f", label, r.Probabilities[i]))
	}
	s := strings.Join(kv, " ")
	if r.Anomaly != nil {
		s += fmt.Sprintf(" anomaly=%.4f", *r.Anomaly)
	}
	return s
}

// ResultFromMap orders a label-keyed classification by the model's labels.
// Labels missing from the model list are appended in sorted order.
func ResultFromMap(classification map[string]float64, labels []string) (Result, error) {
	if len(classification) == 0 {
		return Result{}, ErrNoLabels
	}

	ordered := make([]string, 0, len(classification))
	for _, label := range labels {
		if _, ok := classification[label]; ok {
			ordered = append(ordered, label)
		}
	}
	var extra []string
	for label := range classification {
		if !slices.Contains(ordered, label) {
			extra = append(extra, label)
		}
	}
	sort.Strings(extra)
	ordered = append(ordered, extra...)

	probs := make([]float64, len(ordered))
	for i, label := range ordered {
		probs[i] = classification[label]
	}
	return Result{Labels: ordered, Probabilities: probs}, nil
}
