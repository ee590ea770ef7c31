package audio

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// CaptureOptions configures the capture loop.
type CaptureOptions struct {
	BlockBytes  int           // bytes requested per read
	ReadTimeout time.Duration // bound on each read
	Gain        int           // integer gain applied before buffering
}

// CaptureStats counts read outcomes since the capture was created.
type CaptureStats struct {
	Reads      uint64 `json:"reads"`
	ShortReads uint64 `json:"short_reads"`
	Timeouts   uint64 `json:"timeouts"`
	Errors     uint64 `json:"errors"`
}

// Capture reads blocks from a Source, applies gain and pushes samples into
// an InferenceBuffer on its own goroutine.
type Capture struct {
	source Source
	buffer *InferenceBuffer
	opts   CaptureOptions
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}

	reads      atomic.Uint64
	shortReads atomic.Uint64
	timeouts   atomic.Uint64
	readErrors atomic.Uint64
}

// NewCapture creates a capture task. The capture owns source and closes it on Stop.
func NewCapture(source Source, buffer *InferenceBuffer, opts CaptureOptions, logger *slog.Logger) (*Capture, error) {
	if source == nil || buffer == nil {
		return nil, errors.New("capture requires a source and a buffer")
	}
	if opts.BlockBytes < 2 {
		return nil, errors.New("capture block must hold at least one sample")
	}
	if opts.Gain == 0 {
		opts.Gain = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		source: source,
		buffer: buffer,
		opts:   opts,
		logger: logger,
	}, nil
}

// Start launches the capture goroutine.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrCaptureRunning
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})

	go c.run(c.stopChan, c.done)
	return nil
}

// Stop signals the capture goroutine, waits for it to exit, closes the
// source and resets the buffer. The source is closed early if the goroutine
// is stuck in a read past ShutdownTimeout.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopChan)
	done := c.done
	c.mu.Unlock()

	var errs []error
	closed := false
	select {
	case <-done:
	case <-time.After(types.ShutdownTimeout):
		c.logger.Warn("capture did not stop in time, closing source")
		errs = append(errs, c.source.Close())
		closed = true
		<-done
	}

	if !closed {
		errs = append(errs, c.source.Close())
	}
	c.buffer.Reset()
	return errors.Join(errs...)
}

// Stats returns a snapshot of read counters.
func (c *Capture) Stats() CaptureStats {
	return CaptureStats{
		Reads:      c.reads.Load(),
		ShortReads: c.shortReads.Load(),
		Timeouts:   c.timeouts.Load(),
		Errors:     c.readErrors.Load(),
	}
}

func (c *Capture) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	raw := make([]byte, c.opts.BlockBytes)
	samples := make([]int16, 0, c.opts.BlockBytes/2+1)
	backoff := util.NewBackoff(types.InitialRetryDelay, types.MaxRetryDelay)
	pending := 0 // odd byte carried over from the previous read

	for {
		select {
		case <-stop:
			return
		default:
		}

		want := len(raw) - pending
		n, err := c.source.Read(raw[pending:], c.opts.ReadTimeout)
		c.reads.Add(1)

		if err != nil && n == 0 {
			if errors.Is(err, ErrReadTimeout) {
				c.timeouts.Add(1)
				c.logger.Debug("no audio data before timeout", "timeout", c.opts.ReadTimeout)
				continue
			}
			c.readErrors.Add(1)
			delay := backoff.Next()
			c.logger.Debug("audio read failed", "error", err, "failures", backoff.Failures(), "retry_in", delay)
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
			continue
		}
		backoff.Reset()

		if n < want {
			c.shortReads.Add(1)
			c.logger.Debug("short audio read", "bytes", n, "requested", want)
		}

		total := pending + n
		whole := total &^ 1
		samples = samples[:0]
		for i := 0; i < whole; i += 2 {
			s := int16(binary.LittleEndian.Uint16(raw[i:]))
			samples = append(samples, applyGain(s, c.opts.Gain))
		}
		pending = total - whole
		if pending == 1 {
			raw[0] = raw[whole]
		}

		if len(samples) > 0 {
			c.buffer.Push(samples)
		}
	}
}

// applyGain multiplies a sample, saturating at the int16 range.
func applyGain(s int16, gain int) int16 {
	v := int64(s) * int64(gain)
	return int16(min(max(v, math.MinInt16), math.MaxInt16))
}
