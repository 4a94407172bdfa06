// Package rmiproto implements the RMI wire format: a 4-byte big-endian
// length header followed by exactly that many payload bytes, plus the
// textual command/reply keywords exchanged over it.
package rmiproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the width of the length prefix in bytes.
const HeaderSize = 4

// Command keywords. The first whitespace-delimited token of every
// client-to-server payload is one of these.
const (
	CmdAuth       = "AUTH"
	CmdQuit       = "QUIT"
	CmdRestart    = "RESTART"
	CmdVersion    = "VERSION"
	CmdPress      = "PRESS"
	CmdPressInput = "PRESS_INPUT"
	CmdOpen       = "OPEN"
	CmdUpload     = "UPLOAD"
	CmdList       = "LIST"
	CmdDownload   = "DOWNLOAD"
	CmdDelete     = "DELETE"
	CmdScreencap  = "SCREENCAP"
	CmdHeartbeat  = "HEARTBEAT"
)

// Reply keywords and prefixes.
const (
	ReplyOK        = "OK"
	ReplyErrPrefix = "ERR"
)

// ErrFrameTooLarge is returned by Decode when a frame's declared length
// exceeds the caller-supplied cap. The payload has NOT been read; the
// caller must drain it from the stream before reusing the connection.
var ErrFrameTooLarge = fmt.Errorf("rmiproto: frame exceeds size limit")

// Encode writes a frame (4-byte BE length + payload) to w.
func Encode(w io.Writer, payload []byte) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("rmiproto: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("rmiproto: write payload: %w", err)
	}
	return nil
}

// DecodeHeader reads exactly 4 bytes from r and returns the declared
// payload length. It is split out from Decode so callers that need to
// enforce maxBytes before allocating (and possibly drain the body
// themselves) can do so.
func DecodeHeader(r io.Reader) (uint32, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, fmt.Errorf("rmiproto: read header: %w", err)
	}
	return binary.BigEndian.Uint32(header[:]), nil
}

// Decode reads one frame from r: a 4-byte header then exactly that many
// payload bytes. If maxBytes > 0 and the declared length exceeds it,
// Decode returns ErrFrameTooLarge without reading the payload; the
// caller is responsible for draining length bytes from r before the
// connection can be reused for framing.
func Decode(r io.Reader, maxBytes uint32) ([]byte, error) {
	length, err := DecodeHeader(r)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && length > maxBytes {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("rmiproto: read payload: %w", err)
	}
	return payload, nil
}

// Drain discards exactly length bytes from r, used to restore frame
// alignment after a caller has rejected a frame by its header alone.
func Drain(r io.Reader, length uint32) error {
	_, err := io.CopyN(io.Discard, r, int64(length))
	if err != nil {
		return fmt.Errorf("rmiproto: drain payload: %w", err)
	}
	return nil
}

// PayloadEquals reports whether payload is byte-identical to text.
func PayloadEquals(payload []byte, text string) bool {
	return string(payload) == text
}

// PayloadStartsWith reports whether payload begins with text.
func PayloadStartsWith(payload []byte, text string) bool {
	if len(payload) < len(text) {
		return false
	}
	return string(payload[:len(text)]) == text
}

// NewReader wraps a conn-like reader in a 4 KiB bufio.Reader. The
// device server's per-client loop does not use it; it decodes frames
// straight from the connection.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
