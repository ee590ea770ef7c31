//go:build linux

package hardware

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "noisemonitor"

// OpenLEDs requests the indicator lines as outputs, initially off.
func OpenLEDs(cfg LEDConfig) (Lines, error) {
	offsets := cfg.offsets()
	lines, err := gpiocdev.RequestLines(cfg.Chip, offsets,
		gpiocdev.AsOutput(make([]int, len(offsets))...),
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request GPIO lines %v on %s: %w", offsets, cfg.Chip, err)
	}
	return lines, nil
}
