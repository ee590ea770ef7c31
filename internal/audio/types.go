package audio

import (
	"errors"
	"time"
)

var (
	// ErrNoAudioDevice is returned when no audio input device is available.
	ErrNoAudioDevice = errors.New("no audio input device found")
	// ErrWindowTimeout is the cause attached when no window completes in time.
	ErrWindowTimeout = errors.New("timed out waiting for inference window")
	// ErrInvalidWindow is returned for non-positive window sizes or mismatched destinations.
	ErrInvalidWindow = errors.New("invalid inference window size")
	// ErrCaptureRunning is returned when Start is called on a running capture.
	ErrCaptureRunning = errors.New("capture already running")
	// ErrReadTimeout is returned by a Source when no bytes arrived before the timeout.
	ErrReadTimeout = errors.New("audio read timed out")
)

// Source is a streaming PCM input delivering S16LE mono samples.
type Source interface {
	// Read fills p with up to len(p) bytes, waiting at most timeout.
	// A read that returns fewer bytes than requested with a nil error is a short read.
	Read(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}
