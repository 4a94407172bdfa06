//go:build windows

package device

import (
	"os"
	"os/exec"
)

const pressInputHelperFlag = "-press-input-child"

// pressInputCandidates on Windows has no Android-style injector chain;
// nircmd is the closest widely available analog for synthetic key
// input and is attempted alone.
var pressInputCandidates = []string{"nircmd"}

func pressInputEnv(needsClasspath bool) []string {
	return os.Environ()
}

// runPressInputChain has no privileges to drop on this platform, so it
// runs the candidate directly rather than spawning the helper process.
func runPressInputChain(selfExe, keycode string, uid, gid int) error {
	var lastErr error
	for _, candidate := range pressInputCandidates {
		path, err := exec.LookPath(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		cmd := exec.Command(path, "sendkeypress", keycode)
		cmd.Env = pressInputEnv(false)
		if err := cmd.Run(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return lastErr
}

// RunPressInputHelper is unused on Windows; the flag is still
// recognized by main so the same cmd/rmi-device binary builds cleanly
// cross-platform.
func RunPressInputHelper(argv []string, uid, gid int, needsClasspath bool) error {
	return os.ErrInvalid
}
