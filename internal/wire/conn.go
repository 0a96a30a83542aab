package wire

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Conn wraps a byte stream to send and receive messages. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	dec    *Decoder
	mu     sync.Mutex
	nextID atomic.Uint32
}

// NewConn creates a Conn with the given decode limits (0 selects defaults).
func NewConn(rwc io.ReadWriteCloser, smallMax, largeMax int) *Conn {
	return &Conn{rwc: rwc, dec: NewDecoder(rwc, smallMax, largeMax)}
}

// Send encodes m and writes it as one frame. Writers never interleave.
func (c *Conn) Send(m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.rwc.Write(frame)
	return err
}

// Receive decodes the next frame.
func (c *Conn) Receive() (*Message, error) {
	return c.dec.Decode()
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// NextID returns a fresh request id for messages originated on this side.
func (c *Conn) NextID() uint32 {
	return c.nextID.Add(1)
}

// RoundTrip sends req and waits for the REQUEST_COMPLETED reply with the same
// id. Messages received meanwhile are passed to other (if non-nil) and
// otherwise dropped. It must not be used concurrently with Receive.
func (c *Conn) RoundTrip(req *Message, other func(*Message)) (*Message, error) {
	if req.ID == 0 {
		req.ID = c.NextID()
	}
	if err := c.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Code, err)
	}
	for {
		m, err := c.Receive()
		if err != nil {
			return nil, fmt.Errorf("await reply to %s: %w", req.Code, err)
		}
		if m.Code == CodeRequestCompleted && m.ID == req.ID {
			return m, nil
		}
		if other != nil {
			other(m)
		}
	}
}
