package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// PlatformConfig defines platform-specific audio capture configuration.
type PlatformConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// BuildArgs returns the command arguments for mono S16LE capture.
	BuildArgs func(device string, sampleRate int) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it uses the platform default or the first detected device.
func BuildCaptureCommand(device string, sampleRate int) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}
	if device == "" {
		devices := Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	return cfg.Command, cfg.BuildArgs(device, sampleRate), nil
}

// deadlineReader is satisfied by the *os.File returned from StdoutPipe.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// pipeReader performs bounded reads on a pipe.
type pipeReader struct {
	r deadlineReader
}

// Read fills p or stops at the deadline. Bytes read before the deadline are
// returned with a nil error; a read that got nothing returns ErrReadTimeout.
func (p pipeReader) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := p.r.SetReadDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return 0, util.WrapError("set read deadline", err)
	}
	n, err := io.ReadFull(p.r, buf)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		if n > 0 {
			return n, nil
		}
		return 0, ErrReadTimeout
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, io.EOF
	default:
		return n, err
	}
}

// CommandSource streams PCM from a capture process's stdout.
type CommandSource struct {
	pipeReader
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *strings.Builder

	closeOnce sync.Once
	closeErr  error
}

// OpenCommandSource starts the platform capture command for device at sampleRate.
func OpenCommandSource(device string, sampleRate int) (*CommandSource, error) {
	name, args, err := BuildCaptureCommand(device, sampleRate)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create capture pipe", err)
	}
	r, ok := stdout.(deadlineReader)
	if !ok {
		cancel()
		return nil, fmt.Errorf("capture pipe does not support deadlines")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start "+name, err)
	}

	slog.Info("audio capture started", "command", name, "args", strings.Join(args, " "), "sample_rate", sampleRate)

	return &CommandSource{
		pipeReader: pipeReader{r: r},
		cmd:        cmd,
		cancel:     cancel,
		stderr:     &stderr,
	}, nil
}

// Close stops the capture process and waits for it to exit.
func (s *CommandSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
			s.closeErr = util.WrapError("stop capture process", err)
		}
		if msg := util.LastLine(s.stderr.String()); msg != "" {
			slog.Debug("capture process output", "last_line", msg)
		}
	})
	return s.closeErr
}
