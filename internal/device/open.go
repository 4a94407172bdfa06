package device

import "os/exec"

// launchPackage best-effort-starts an application identified by
// pkg by running the configured launcher command with pkg as its only
// argument ("<launcherCmd> <pkg>"). launcherCmd names a single
// executable and is not split into further arguments. No platform
// intent system is modeled; this is intentionally a thin shell-out.
func launchPackage(launcherCmd, pkg string) error {
	cmd := exec.Command(launcherCmd, pkg)
	return cmd.Run()
}
