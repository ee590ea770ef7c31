//go:build !linux

package hardware

import "errors"

// OpenLEDs is only available on Linux, which provides the GPIO character device.
func OpenLEDs(cfg LEDConfig) (Lines, error) {
	return nil, errors.ErrUnsupported
}
