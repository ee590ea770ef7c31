package audio

import (
	"context"
	"sync"
)

// InferenceBuffer accumulates samples into fixed-size windows for a single
// consumer. A completed window is published by swapping it out of the fill
// slice, so the next fill never tears a window that is being read. Only the
// most recent completed window is kept.
type InferenceBuffer struct {
	mu      sync.Mutex
	fill    []int16
	window  []int16
	count   int
	ready   bool
	dropped uint64
	notify  chan struct{}
}

// NewInferenceBuffer allocates a buffer for windows of windowSamples samples.
func NewInferenceBuffer(windowSamples int) (*InferenceBuffer, error) {
	if windowSamples <= 0 {
		return nil, ErrInvalidWindow
	}
	return &InferenceBuffer{
		fill:   make([]int16, windowSamples),
		window: make([]int16, windowSamples),
		notify: make(chan struct{}, 1),
	}, nil
}

// Size returns the window length in samples.
func (b *InferenceBuffer) Size() int {
	return len(b.fill)
}

// Push appends samples. Each time the window fills it is published and the
// write cursor restarts at zero; an unread window is replaced.
func (b *InferenceBuffer) Push(samples []int16) {
	b.mu.Lock()
	published := false
	for len(samples) > 0 {
		n := copy(b.fill[b.count:], samples)
		b.count += n
		samples = samples[n:]
		if b.count == len(b.fill) {
			if b.ready {
				b.dropped++
			}
			b.fill, b.window = b.window, b.fill
			b.ready = true
			b.count = 0
			published = true
		}
	}
	b.mu.Unlock()

	if published {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Take blocks until a window is ready, then copies it into dst and clears the
// ready flag. It returns context.Cause(ctx) when ctx ends first.
func (b *InferenceBuffer) Take(ctx context.Context, dst []int16) error {
	if len(dst) != len(b.window) {
		return ErrInvalidWindow
	}
	for {
		b.mu.Lock()
		if b.ready {
			copy(dst, b.window)
			b.ready = false
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-b.notify:
		}
	}
}

// Ready reports whether a completed window is waiting to be taken.
func (b *InferenceBuffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Dropped returns how many completed windows were replaced before being taken.
func (b *InferenceBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards partial and completed samples.
func (b *InferenceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
	b.ready = false
	select {
	case <-b.notify:
	default:
	}
}
