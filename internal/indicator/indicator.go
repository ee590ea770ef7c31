// Package indicator drives the three-color noise level indicator.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/hardware"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// StateFor classifies level against the thresholds. NaN is treated as quiet.
func StateFor(level, low, high float64) types.IndicatorState {
	switch {
	case math.IsNaN(level) || level < low:
		return types.IndicatorQuiet
	case level < high:
		return types.IndicatorModerate
	default:
		return types.IndicatorLoud
	}
}

// values returns the line values for state in green, yellow, red order.
func values(state types.IndicatorState) []int {
	switch state {
	case types.IndicatorQuiet:
		return []int{1, 0, 0}
	case types.IndicatorModerate:
		return []int{0, 1, 0}
	case types.IndicatorLoud:
		return []int{0, 0, 1}
	default:
		return []int{0, 0, 0}
	}
}

// Driver lights exactly one LED according to the latest level.
type Driver struct {
	lines     hardware.Lines
	limitLow  float64
	limitHigh float64

	mu    sync.Mutex
	state types.IndicatorState
}

// New creates a driver over lines ordered green, yellow, red.
func New(lines hardware.Lines, limitLow, limitHigh float64) (*Driver, error) {
	if lines == nil {
		return nil, errors.New("indicator requires output lines")
	}
	if limitLow >= limitHigh {
		return nil, fmt.Errorf("indicator limit_low %g must be below limit_high %g", limitLow, limitHigh)
	}
	return &Driver{
		lines:     lines,
		limitLow:  limitLow,
		limitHigh: limitHigh,
		state:     types.IndicatorOff,
	}, nil
}

// Set lights the LED for level. All lines change in a single write.
func (d *Driver) Set(level float64) (types.IndicatorState, error) {
	state := StateFor(level, d.limitLow, d.limitHigh)
	return state, d.apply(state)
}

// Off clears all lines.
func (d *Driver) Off() error {
	return d.apply(types.IndicatorOff)
}

// State returns the currently lit state.
func (d *Driver) State() types.IndicatorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close turns the indicator off and releases the lines.
func (d *Driver) Close() error {
	return errors.Join(d.Off(), d.lines.Close())
}

func (d *Driver) apply(state types.IndicatorState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.lines.SetValues(values(state)); err != nil {
		return fmt.Errorf("failed to set indicator to %s: %w", state, err)
	}
	d.state = state
	return nil
}
