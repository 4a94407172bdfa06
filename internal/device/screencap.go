package device

import (
	"bytes"
	"fmt"
	"os/exec"
)

// defaultScreencapBin is the platform screenshot utility invoked with
// a single "-p" (PNG-to-stdout) argument.
const defaultScreencapBin = "screencap"

// maxScreencapBytes bounds the size of a capture the server will send.
// The child's whole stdout is collected in memory first; a capture
// larger than this is rejected after the child exits. Growth of the
// buffer while the child runs is not limited.
const maxScreencapBytes = 64 << 20

// captureScreen forks the screencap binary, capturing its stdout into
// memory, mirroring the reference implementation's pipe+fork+exec
// sequence via the idiomatic os/exec equivalent.
func captureScreen(bin string) ([]byte, error) {
	if bin == "" {
		bin = defaultScreencapBin
	}

	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("device: screencap binary %q not found: %w", bin, err)
	}

	cmd := exec.Command(path, "-p")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("device: screencap: %w", err)
	}
	if stdout.Len() > maxScreencapBytes {
		return nil, fmt.Errorf("device: screencap output exceeds %d bytes", maxScreencapBytes)
	}
	return stdout.Bytes(), nil
}
