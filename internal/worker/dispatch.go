package worker

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png" // decode PNG screencap dimensions and pixels
	"strconv"
	"strings"
	"time"

	"github.com/avaropoint/rmi/internal/rmierr"
	"github.com/avaropoint/rmi/internal/rmiproto"
	"github.com/avaropoint/rmi/internal/transport"
)

const (
	authTimeout       = 5 * time.Second
	versionTimeout    = 3 * time.Second
	screencapTimeout  = 15 * time.Second
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 2 * time.Second
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

const maxScreencapPixels = 4096 * 4096

// receiveFrameSkippingHeartbeats reads frames from conn until one
// arrives whose payload is not exactly "HEARTBEAT", honoring an
// overall deadline and the worker's stop channel. maxBytes of 0 means
// unbounded, matching the reference client's per-call cap.
func receiveFrameSkippingHeartbeats(conn *transport.Conn, deadline time.Time, maxBytes uint32, stop <-chan struct{}) ([]byte, error) {
	for {
		select {
		case <-stop:
			return nil, rmierr.Transport("receive", transport.ErrCancelled)
		default:
		}
		if time.Now().After(deadline) {
			return nil, rmierr.Timeout("receive", transport.ErrTimeout)
		}

		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, rmierr.Transport("receive", err)
		}
		payload, err := rmiproto.Decode(conn.Raw(), maxBytes)
		if err != nil {
			if isNetTimeout(err) {
				return nil, rmierr.Timeout("receive", err)
			}
			return nil, rmierr.Transport("receive", err)
		}
		if rmiproto.PayloadEquals(payload, rmiproto.CmdHeartbeat) {
			continue
		}
		return payload, nil
	}
}

// receiveDownloadFrame implements the specialized variant used once a
// DOWNLOAD's OK control reply has been seen: it reads the header first,
// transparently skips an exact HEARTBEAT frame, and otherwise streams
// the body with incremental progress callbacks.
func receiveDownloadFrame(conn *transport.Conn, deadline time.Time, stop <-chan struct{}, onProgress func(received, total uint64)) ([]byte, error) {
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, rmierr.Transport("download", err)
		}
		length, err := rmiproto.DecodeHeader(conn.Raw())
		if err != nil {
			if isNetTimeout(err) {
				return nil, rmierr.Timeout("download", err)
			}
			return nil, rmierr.Transport("download", err)
		}

		if int(length) == len(rmiproto.CmdHeartbeat) {
			payload, err := readPayload(conn, length, deadline, stop)
			if err != nil {
				return nil, err
			}
			if rmiproto.PayloadEquals(payload, rmiproto.CmdHeartbeat) {
				continue
			}
			return payload, nil
		}

		onProgress(0, uint64(length))
		buf := make([]byte, length)
		if err := conn.ReadExactWithProgress(buf, deadline, stop, func(received int) {
			onProgress(uint64(received), uint64(length))
		}); err != nil {
			return nil, rmierr.Transport("download", err)
		}
		return buf, nil
	}
}

func readPayload(conn *transport.Conn, length uint32, deadline time.Time, stop <-chan struct{}) ([]byte, error) {
	buf := make([]byte, length)
	if err := conn.ReadExact(buf, deadline, stop); err != nil {
		return nil, rmierr.Transport("receive", err)
	}
	return buf, nil
}

func isNetTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok {
			return t.Timeout()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// parseVersionPayload parses "VERSION <n>" into an unsigned integer.
func parseVersionPayload(payload []byte) (uint32, error) {
	if rmiproto.PayloadStartsWith(payload, rmiproto.ReplyErrPrefix) {
		return 0, fmt.Errorf("worker: %s", string(payload))
	}
	text := string(payload)
	const prefix = "VERSION "
	if len(text) <= len(prefix) || !strings.HasPrefix(text, prefix) {
		return 0, fmt.Errorf("worker: unexpected VERSION response: %s", text)
	}
	n, err := strconv.ParseUint(text[len(prefix):], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("worker: invalid version number: %s", text[len(prefix):])
	}
	return uint32(n), nil
}

// parseFileListPayload parses the LIST grammar: "D\t<name>\n" or
// "F\t<name>\t<size>\n" lines.
func parseFileListPayload(payload []byte) ([]FileEntry, error) {
	if rmiproto.PayloadStartsWith(payload, rmiproto.ReplyErrPrefix) {
		return nil, fmt.Errorf("worker: %s", string(payload))
	}

	var entries []FileEntry
	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		if len(line) < 3 || line[1] != '\t' {
			return nil, fmt.Errorf("worker: malformed list entry: %q", line)
		}

		var entry FileEntry
		switch line[0] {
		case 'D':
			entry.IsDir = true
			entry.Name = line[2:]
		case 'F':
			rest := line[2:]
			tab := strings.IndexByte(rest, '\t')
			if tab < 0 {
				return nil, fmt.Errorf("worker: malformed file entry: %q", line)
			}
			entry.Name = rest[:tab]
			size, err := strconv.ParseUint(rest[tab+1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("worker: invalid file size: %q", rest[tab+1:])
			}
			entry.Size = size
		default:
			return nil, fmt.Errorf("worker: unknown list entry type: %q", line)
		}

		if entry.Name == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// decodeScreencap validates the PNG signature, decodes its dimensions
// and pixels, and enforces the 4096x4096 pixel cap.
func decodeScreencap(data []byte) (*ScreencapResult, error) {
	if len(data) < len(pngSignature) || !bytes.Equal(data[:len(pngSignature)], pngSignature) {
		return nil, fmt.Errorf("worker: unexpected screencap payload (not a PNG)")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("worker: failed to parse PNG header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("worker: invalid PNG dimensions")
	}
	if uint64(cfg.Width)*uint64(cfg.Height) > maxScreencapPixels {
		return nil, fmt.Errorf("worker: PNG dimensions exceed limit")
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("worker: failed to decode PNG screencap: %w", err)
	}

	bounds := img.Bounds()
	pixels := make([]byte, 0, bounds.Dx()*bounds.Dy()*4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			pixels = append(pixels, byte(r>>8), byte(g>>8), byte(b>>8), byte(a>>8))
		}
	}

	return &ScreencapResult{
		PNG:    data,
		Pixels: pixels,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
