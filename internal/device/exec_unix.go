//go:build !windows

package device

import (
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// pressInputHelperFlag is recognized by cmd/rmi-device's main as a
// request to run RunPressInputHelper in a freshly started process,
// never inside the long-lived accept-loop process.
const pressInputHelperFlag = "-press-input-child"

// pressInputCandidate names one exec target in the fallback chain and
// how to invoke it: each binary in rmi.c's send_keyevent_input wants a
// different argv0/argument shape, and only the app_process family needs
// CLASSPATH set.
type pressInputCandidate struct {
	name           string
	buildArgv      func(path, keycode string) []string
	needsClasspath bool
}

// pressInputCandidates lists the exec targets attempted, in order, to
// deliver a synthetic keyevent, mirroring send_keyevent_input's fallback
// chain argument-for-argument. Each is tried only if it resolves to an
// executable file; the first one that exits zero wins.
var pressInputCandidates = []pressInputCandidate{
	{
		name: "runcon",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "u:r:shell:s0", "/system/bin/sh", "/system/bin/input", "keyevent", keycode}
		},
	},
	{
		name: "sh",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "/system/bin/input", "keyevent", keycode}
		},
	},
	{
		name: "app_process",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "/system/bin", "com.android.commands.input.Input", "keyevent", keycode}
		},
		needsClasspath: true,
	},
	{
		name: "app_process64",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "/system/bin", "com.android.commands.input.Input", "keyevent", keycode}
		},
		needsClasspath: true,
	},
	{
		name: "app_process32",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "/system/bin", "com.android.commands.input.Input", "keyevent", keycode}
		},
		needsClasspath: true,
	},
	{
		name: "cmd",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "input", "keyevent", keycode}
		},
	},
	{
		name: "toybox",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "input", "keyevent", keycode}
		},
	},
	{
		name: "toolbox",
		buildArgv: func(path, keycode string) []string {
			return []string{path, "input", "keyevent", keycode}
		},
	},
}

// pressInputEnv is the sanitized base environment handed to the helper
// process before it attempts the exec chain; CLASSPATH is added only for
// the app_process candidates, the only ones that load it as a Java
// classpath.
func pressInputEnv(needsClasspath bool) []string {
	env := []string{
		"PATH=/sbin:/vendor/bin:/system/sbin:/system/bin:/system/xbin",
		"ANDROID_ROOT=/system",
		"ANDROID_DATA=/data",
	}
	if needsClasspath {
		env = append(env, "CLASSPATH=/system/framework/input.jar")
	}
	return env
}

// runPressInputChain tries each candidate in pressInputCandidates,
// spawning cmd/rmi-device re-invoked with pressInputHelperFlag for each
// one found on PATH, with that candidate's own argv shape and
// environment. The helper process, not this one, drops privileges and
// execs the candidate; the long-lived server process keeps its original
// credentials throughout.
func runPressInputChain(selfExe, keycode string, uid, gid int) error {
	var lastErr error
	for _, candidate := range pressInputCandidates {
		path, err := exec.LookPath(candidate.name)
		if err != nil {
			lastErr = err
			continue
		}

		argv := candidate.buildArgv(path, keycode)
		classpathFlag := "0"
		if candidate.needsClasspath {
			classpathFlag = "1"
		}
		helperArgs := append([]string{pressInputHelperFlag, strconv.Itoa(uid), strconv.Itoa(gid), classpathFlag}, argv...)
		cmd := exec.Command(selfExe, helperArgs...)
		cmd.Env = pressInputEnv(candidate.needsClasspath)
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

// RunPressInputHelper is the entry point executed inside the freshly
// forked helper process named by pressInputHelperFlag. It clears
// supplementary groups, drops GID, then UID — in that order, since
// dropping UID first would strand the process without permission to
// call setgid once UID is already unprivileged — and then replaces its
// own process image via exec using the candidate's own argv (argv[0] is
// the resolved candidate path), so on success this function never
// returns.
func RunPressInputHelper(argv []string, uid, gid int, needsClasspath bool) error {
	if len(argv) == 0 {
		return os.ErrInvalid
	}
	if err := unix.Setgroups(nil); err != nil {
		return err
	}
	if err := unix.Setgid(gid); err != nil {
		return err
	}
	if err := unix.Setuid(uid); err != nil {
		return err
	}

	return unix.Exec(argv[0], argv, pressInputEnv(needsClasspath))
}
