package audio

import (
	"fmt"
	"math"
)

// VoltageMapping selects how a sound-level meter voltage becomes decibels.
type VoltageMapping string

const (
	// MappingLegacy matches the nodes already in the field: only the upper clamp
	// applies, so voltages at or below the lower knee still scale linearly.
	MappingLegacy VoltageMapping = "legacy"
	// MappingExclusive applies both clamps.
	MappingExclusive VoltageMapping = "exclusive"
)

const (
	// LowKneeVolts is the voltage at or below which the exclusive mapping reports 0 dB.
	LowKneeVolts = 0.6
	// HighKneeVolts is the voltage at or above which both mappings report MaxMeterDB.
	HighKneeVolts = 2.6
	// MaxMeterDB is the ceiling of the meter range.
	MaxMeterDB = 130.0
	// DBPerVolt is the meter's linear scale.
	DBPerVolt = 50.0
)

// AnalogReader returns one raw conversion from an ADC channel.
type AnalogReader interface {
	ReadRaw() (int, error)
}

// VoltageToDB maps a meter output voltage to a decibel-equivalent level.
func VoltageToDB(v float64, mapping VoltageMapping) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= HighKneeVolts {
		return MaxMeterDB
	}
	if mapping == MappingExclusive && v <= LowKneeVolts {
		return 0
	}
	return max(v, 0) * DBPerVolt
}

// SoundMeter converts analog sound-level meter readings into decibels.
type SoundMeter struct {
	sensor  AnalogReader
	adcMax  float64
	vref    float64
	mapping VoltageMapping
}

// NewSoundMeter creates a meter reading sensor, whose full scale adcMax corresponds to vref volts.
func NewSoundMeter(sensor AnalogReader, adcMax int, vref float64, mapping VoltageMapping) (*SoundMeter, error) {
	if adcMax <= 0 || vref <= 0 {
		return nil, fmt.Errorf("invalid sound meter scale: adc_max=%d vref=%g", adcMax, vref)
	}
	switch mapping {
	case MappingLegacy, MappingExclusive:
	case "":
		mapping = MappingLegacy
	default:
		return nil, fmt.Errorf("unknown voltage mapping %q", mapping)
	}
	return &SoundMeter{
		sensor:  sensor,
		adcMax:  float64(adcMax),
		vref:    vref,
		mapping: mapping,
	}, nil
}

// Voltage reads the sensor and returns the input voltage, clamped to [0, vref].
func (m *SoundMeter) Voltage() (float64, error) {
	raw, err := m.sensor.ReadRaw()
	if err != nil {
		return 0, err
	}
	v := float64(raw) / m.adcMax * m.vref
	return min(max(v, 0), m.vref), nil
}

// Level reads the sensor and returns the calibrated level in dB.
func (m *SoundMeter) Level() (float64, error) {
	v, err := m.Voltage()
	if err != nil {
		return 0, err
	}
	return VoltageToDB(v, m.mapping), nil
}
