//go:build linux

package audio

import (
	"regexp"
	"strconv"
)

// DefaultLinuxDevice is the ALSA capture device of an I2S MEMS microphone overlay.
const DefaultLinuxDevice = "plughw:CARD=sndrpii2scard,DEV=0"

func getPlatformConfig() PlatformConfig {
	return PlatformConfig{
		Command:       "arecord",
		DefaultDevice: DefaultLinuxDevice,
		BuildArgs:     buildLinuxArgs,
	}
}

func buildLinuxArgs(device string, sampleRate int) []string {
	return []string{
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(sampleRate),
		"-c", "1",
		"-t", "raw",
		"-q",
		"-",
	}
}

func deviceListConfig() DeviceListConfig {
	return DeviceListConfig{
		Command:       []string{"arecord", "-l"},
		DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\],\s+device\s+(\d+)`),
		ParseDevice: func(matches []string) *Device {
			if len(matches) < 5 {
				return nil
			}
			return &Device{
				ID:   "plughw:CARD=" + matches[2] + ",DEV=" + matches[4],
				Name: matches[3],
			}
		},
		FallbackDevices: []Device{
			{ID: DefaultLinuxDevice, Name: "I2S microphone (default)"},
		},
	}
}
