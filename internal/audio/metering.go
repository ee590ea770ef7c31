// Package audio provides audio acquisition, windowing and level metering.
package audio

import (
	"math"
)

const (
	// MinDB is the floor for energy levels, returned for silent windows.
	MinDB = -120.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
	// ClipThreshold is slightly below max to catch near-clips.
	ClipThreshold int16 = 32760
)

// Levels contains energy levels of one window in dBFS.
type Levels struct {
	RMS   float64 `json:"rms"`
	Peak  float64 `json:"peak"`
	Clips int     `json:"clips,omitzero"`
}

// MeasureWindow computes RMS and peak levels of a mono window.
func MeasureWindow(window []int16) Levels {
	if len(window) == 0 {
		return Levels{RMS: MinDB, Peak: MinDB}
	}

	var sumSquares, peak float64
	clips := 0
	for _, sample := range window {
		v := float64(sample)
		sumSquares += v * v
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
		if sample >= ClipThreshold || sample <= -ClipThreshold {
			clips++
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(window)))

	// Convert to dB (reference: MaxSampleValue for 16-bit audio)
	return Levels{
		RMS:   toDB(rms),
		Peak:  toDB(peak),
		Clips: clips,
	}
}

// LevelDBFS returns the RMS energy of window in dBFS, never below MinDB.
func LevelDBFS(window []int16) float64 {
	return MeasureWindow(window).RMS
}

func toDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return MinDB
	}
	return max(20*math.Log10(amplitude/MaxSampleValue), MinDB)
}
