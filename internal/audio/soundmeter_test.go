package audio

import (
	"errors"
	"math"
	"testing"
)

type fakeSensor struct {
	raw int
	err error
}

func (f *fakeSensor) ReadRaw() (int, error) { return f.raw, f.err }

func TestVoltageToDB(t *testing.T) {
	tests := []struct {
		name    string
		volts   float64
		mapping VoltageMapping
		want    float64
	}{
		{"legacy low knee scales linearly", 0.6, MappingLegacy, 30.0},
		{"exclusive low knee is floor", 0.6, MappingExclusive, 0.0},
		{"legacy high knee", 2.6, MappingLegacy, 130.0},
		{"exclusive high knee", 2.6, MappingExclusive, 130.0},
		{"legacy mid range", 1.5, MappingLegacy, 75.0},
		{"exclusive mid range", 1.5, MappingExclusive, 75.0},
		{"legacy below knee", 0.2, MappingLegacy, 10.0},
		{"exclusive below knee", 0.2, MappingExclusive, 0.0},
		{"above range", 3.3, MappingLegacy, 130.0},
		{"not a number", math.NaN(), MappingLegacy, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VoltageToDB(tt.volts, tt.mapping)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("VoltageToDB(%v, %s) = %v, want %v", tt.volts, tt.mapping, got, tt.want)
			}
		})
	}
}

func TestSoundMeterLevel(t *testing.T) {
	sensor := &fakeSensor{raw: 4095}
	m, err := NewSoundMeter(sensor, 4095, 3.3, MappingLegacy)
	if err != nil {
		t.Fatal(err)
	}

	level, err := m.Level()
	if err != nil {
		t.Fatal(err)
	}
	if level != MaxMeterDB {
		t.Fatalf("full scale level = %v, want %v", level, MaxMeterDB)
	}

	sensor.raw = 0
	if level, _ = m.Level(); level != 0 {
		t.Fatalf("zero level = %v, want 0", level)
	}

	// Out-of-range raw values are clamped to [0, vref].
	sensor.raw = 9000
	if v, _ := m.Voltage(); v != 3.3 {
		t.Fatalf("clamped voltage = %v, want 3.3", v)
	}
	sensor.raw = -5
	if v, _ := m.Voltage(); v != 0 {
		t.Fatalf("clamped voltage = %v, want 0", v)
	}
}

func TestSoundMeterReadError(t *testing.T) {
	readErr := errors.New("adc busy")
	m, err := NewSoundMeter(&fakeSensor{err: readErr}, 4095, 3.3, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Level(); !errors.Is(err, readErr) {
		t.Fatalf("Level error = %v, want %v", err, readErr)
	}
}

func TestNewSoundMeterValidation(t *testing.T) {
	if _, err := NewSoundMeter(&fakeSensor{}, 0, 3.3, MappingLegacy); err == nil {
		t.Fatal("expected error for zero adc_max")
	}
	if _, err := NewSoundMeter(&fakeSensor{}, 4095, 3.3, "log"); err == nil {
		t.Fatal("expected error for unknown mapping")
	}
}
