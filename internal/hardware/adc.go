// Package hardware provides access to the analog sound-level meter and the
// indicator LEDs.
package hardware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IIORoot is where the kernel exposes Industrial I/O devices.
const IIORoot = "/sys/bus/iio/devices"

// ErrSensorMissing is returned when the configured ADC channel does not exist.
var ErrSensorMissing = errors.New("analog sensor channel not found")

// AnalogSensor returns one raw conversion from an ADC channel.
type AnalogSensor interface {
	ReadRaw() (int, error)
}

// IIOSensor reads a single voltage channel of an IIO ADC through sysfs.
type IIOSensor struct {
	path string
}

// OpenIIOSensor checks that channel exists on device (e.g. "iio:device0")
// below root and returns a sensor for it.
func OpenIIOSensor(root, device string, channel int) (*IIOSensor, error) {
	if root == "" {
		root = IIORoot
	}
	path := filepath.Join(root, device, fmt.Sprintf("in_voltage%d_raw", channel))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSensorMissing, path, err)
	}
	return &IIOSensor{path: path}, nil
}

// Path returns the sysfs attribute backing the sensor.
func (s *IIOSensor) Path() string {
	return s.path
}

// ReadRaw triggers a conversion and returns its raw value.
func (s *IIOSensor) ReadRaw() (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid ADC value in %s: %w", s.path, err)
	}
	return v, nil
}
