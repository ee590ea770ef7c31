package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

// scriptedSource replays queued reads and then times out.
type scriptedSource struct {
	mu     sync.Mutex
	reads  [][]byte
	errs   []error
	closed bool
}

func (s *scriptedSource) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if len(s.reads) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, ErrReadTimeout
	}
	chunk, err := s.reads[0], s.errs[0]
	s.reads, s.errs = s.reads[1:], s.errs[1:]
	s.mu.Unlock()
	return copy(p, chunk), err
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSource) queue(chunk []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, chunk)
	s.errs = append(s.errs, err)
}

func pcm(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyGainSaturates(t *testing.T) {
	tests := []struct {
		in   int16
		want int16
	}{
		{100, 800},
		{-100, -800},
		{5000, math.MaxInt16},
		{-5000, math.MinInt16},
		{0, 0},
	}
	for _, tt := range tests {
		if got := applyGain(tt.in, 8); got != tt.want {
			t.Fatalf("applyGain(%d, 8) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCaptureFillsBuffer(t *testing.T) {
	src := &scriptedSource{}
	buf, err := NewInferenceBuffer(4)
	if err != nil {
		t.Fatal(err)
	}

	// A short read with an odd byte count: the dangling byte must be carried over.
	first := pcm(1, 2, 3)
	src.queue(first[:5], nil)
	src.queue(nil, errors.New("overrun"))
	src.queue(append(first[5:], pcm(4)...), nil)

	c, err := NewCapture(src, buf, CaptureOptions{BlockBytes: 8, ReadTimeout: 10 * time.Millisecond, Gain: 8}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); !errors.Is(err, ErrCaptureRunning) {
		t.Fatalf("second Start error = %v, want ErrCaptureRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dst := make([]int16, 4)
	if err := buf.Take(ctx, dst); err != nil {
		t.Fatalf("Take: %v", err)
	}
	want := []int16{8, 16, 24, 32}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.closed {
		t.Fatal("source not closed by Stop")
	}
	if buf.Ready() {
		t.Fatal("buffer not reset by Stop")
	}

	stats := c.Stats()
	if stats.Errors != 1 || stats.ShortReads == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCaptureStopIdempotent(t *testing.T) {
	buf, _ := NewInferenceBuffer(4)
	c, err := NewCapture(&scriptedSource{}, buf, CaptureOptions{BlockBytes: 8, ReadTimeout: time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
