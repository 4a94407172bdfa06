//go:build !linux

package device

import "errors"

// sendKeyEvent has no raw input-node equivalent outside Linux; PRESS
// always fails with this error on other platforms, leaving PRESS_INPUT
// (the exec-fallback chain) as the only key-injection path.
func sendKeyEvent(keycode uint16) error {
	return errors.New("device: raw key event injection is not supported on this platform")
}
