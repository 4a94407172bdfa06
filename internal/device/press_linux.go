//go:build linux

package device

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// keyInputNode is the input device node PRESS writes raw key events to.
// It is fixed rather than discovered, matching the reference
// implementation's hardcoded event node.
const keyInputNode = "/dev/input/event2"

const (
	evKey     = 0x01
	evSyn     = 0x00
	synReport = 0x00
)

// inputEvent mirrors Linux's struct input_event on a 64-bit kernel:
// one timeval (seconds and microseconds, 8 bytes each) followed by
// type, code, value.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func (e inputEvent) marshal() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Usec))
	binary.LittleEndian.PutUint16(buf[16:18], e.Type)
	binary.LittleEndian.PutUint16(buf[18:20], e.Code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(e.Value))
	return buf
}

// sendKeyEvent writes a down/up pair for keycode to the key input node,
// each followed by a SYN_REPORT, matching the reference's four-event
// sequence written in a single call.
func sendKeyEvent(keycode uint16) error {
	f, err := os.OpenFile(keyInputNode, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("device: open %s: %w", keyInputNode, err)
	}
	defer f.Close() //nolint:errcheck

	now := time.Now()
	sec := now.Unix()
	usec := int64(now.Nanosecond() / 1000)

	events := []inputEvent{
		{Sec: sec, Usec: usec, Type: evKey, Code: keycode, Value: 1},
		{Sec: sec, Usec: usec, Type: evSyn, Code: synReport, Value: 0},
		{Sec: sec, Usec: usec, Type: evKey, Code: keycode, Value: 0},
		{Sec: sec, Usec: usec, Type: evSyn, Code: synReport, Value: 0},
	}

	var payload []byte
	for _, e := range events {
		payload = append(payload, e.marshal()...)
	}

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("device: write key event: %w", err)
	}
	return nil
}
