// Package protocol defines the framed, length-prefixed wire format exchanged
// between byobd and a sandboxed worker over the worker's control socket, plus
// the handshake and self-reexec configuration types that cross that boundary.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the default cap on a single frame's payload size.
const MaxFrameBytes = 64 * 1024 * 1024

// CodeTokenLen is the fixed size of the handshake code token, in bytes.
const CodeTokenLen = 36

// ErrPeerClosed is returned by ReadFrame when the peer closes the connection
// before a complete frame has been read.
var ErrPeerClosed = errors.New("protocol: peer closed before complete frame")

// MalformedError is returned when a frame's declared length exceeds the
// configured cap.
type MalformedError struct {
	Declared uint64
	Max      uint64
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds cap %d", e.Declared, e.Max)
}

// FramedChannel reads and writes length-prefixed frames over a duplex byte
// stream. The wire shape is an 8-byte little-endian unsigned length N
// followed by N opaque payload bytes. A single FramedChannel is not safe for
// concurrent use by multiple readers or multiple writers; the Dispatcher
// holds exclusive read+write access to a worker's channel for one invocation
// at a time.
type FramedChannel struct {
	rw       io.ReadWriteCloser
	maxBytes uint64
	failed   bool
}

// NewFramedChannel wraps rw. maxBytes of zero uses MaxFrameBytes.
func NewFramedChannel(rw io.ReadWriteCloser, maxBytes uint64) *FramedChannel {
	if maxBytes == 0 {
		maxBytes = MaxFrameBytes
	}
	return &FramedChannel{rw: rw, maxBytes: maxBytes}
}

// ReadFrame blocks until a complete frame is available, the peer closes the
// connection, or the underlying read fails. It accumulates partial reads.
func (c *FramedChannel) ReadFrame() ([]byte, error) {
	if c.failed {
		return nil, errors.New("protocol: channel in failed state")
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("protocol: read length prefix: %w", err)
	}

	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > c.maxBytes {
		c.failed = true
		return nil, &MalformedError{Declared: n, Max: c.maxBytes}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one frame. Writes are atomic at the framing layer: on
// any write error the channel enters a failed state and every subsequent
// call returns an error without attempting further I/O.
func (c *FramedChannel) WriteFrame(payload []byte) error {
	if c.failed {
		return errors.New("protocol: channel in failed state")
	}
	if uint64(len(payload)) > c.maxBytes {
		c.failed = true
		return &MalformedError{Declared: uint64(len(payload)), Max: c.maxBytes}
	}

	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(payload)))
	copy(buf[8:], payload)

	if _, err := c.rw.Write(buf); err != nil {
		c.failed = true
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Close closes the underlying stream.
func (c *FramedChannel) Close() error {
	return c.rw.Close()
}

// NsinitEnvFlag is set in the environment of a byobd self-reexec so the
// freshly cloned child knows to run the namespace-setup path instead of
// normal daemon startup.
const NsinitEnvFlag = "BYOBD_NSINIT"

// NsinitEnvConfig holds the JSON-encoded NsinitConfig for a self-reexec.
const NsinitEnvConfig = "BYOBD_NSINIT_CONFIG"

// NsinitConfig is passed from the parent byobd process to its re-executed
// child (running as PID 1 of a fresh set of namespaces) as JSON in the
// NsinitEnvConfig environment variable.
type NsinitConfig struct {
	CodeToken        string   `json:"code_token"`
	PivotRootDir     string   `json:"pivot_root_dir"`
	BinaryPath       string   `json:"binary_path"`
	ControlSockPath  string   `json:"control_sock_path"`
	ReadOnlyMounts   []string `json:"read_only_mounts"`
	UID              int      `json:"uid"`
	GID              int      `json:"gid"`
	NoNewPrivs       bool     `json:"no_new_privs"`
	DropCaps         bool     `json:"drop_caps"`
}
