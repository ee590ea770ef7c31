package classifier

import "os"

// TempDir returns a new temporary directory in /dev/shm when available,
// otherwise in the OS default temporary directory. /dev/shm keeps the runner
// socket off the SD card.
func TempDir() (string, error) {
	// Check /dev/shm exists first so nothing is created under /dev.
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		if dir, err := os.MkdirTemp("/dev/shm", "noisemonitor-runner"); err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", "noisemonitor-runner")
}
