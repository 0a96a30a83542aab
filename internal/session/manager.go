// Package session owns the single live connection to the core server.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/reportd/internal/types"
	"github.com/user/reportd/internal/wire"
)

// ErrClosed is returned by Send when no session is active.
var ErrClosed = errors.New("session closed")

// State is the lifecycle state of the Manager.
type State int

const (
	StateIdle State = iota
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "idle"
	}
}

// Response is what a Handler produces for one request. File, when set, names
// a temporary file that is streamed after Reply and removed afterwards.
type Response struct {
	Reply *wire.Message
	File  string
}

// Handler processes one decoded request. It runs on the receive loop and
// must not block on long work.
type Handler interface {
	Handle(ctx context.Context, req *wire.Message) Response
}

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	JoinTimeout    time.Duration
	SmallFrameSize int
	MaxFrameSize   int
	ChunkSize      int
}

// Info describes the current session for status reporting.
type Info struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Serial    uint64    `json:"serial,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

type conn struct {
	serial    uint64
	wc        *wire.Conn
	remote    string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager runs at most one receive loop at a time. Starting a new session
// closes and joins the previous one before the new loop begins.
type Manager struct {
	handler Handler
	opts    Options

	// startMu serializes Start and Shutdown. mu guards the fields below it.
	startMu sync.Mutex

	mu     sync.Mutex
	state  State
	cur    *conn
	serial uint64

	notifyID atomic.Uint32
}

// NewManager creates an idle Manager dispatching requests to handler.
func NewManager(handler Handler, opts Options) *Manager {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = wire.DefaultChunkSize
	}
	return &Manager{handler: handler, opts: opts}
}

// SetHandler replaces the request handler. Call it before the first Start.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start adopts rwc as the active session, first draining any previous one.
// m.mu is released while draining so handlers of the old session can still
// call Notify or Info.
func (m *Manager) Start(rwc io.ReadWriteCloser) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if old := m.beginDrain(); old != nil {
		slog.Info("replacing active session", "serial", old.serial, "remote", old.remote)
		m.drain(old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.serial++
	c := &conn{
		serial:    m.serial,
		wc:        wire.NewConn(rwc, m.opts.SmallFrameSize, m.opts.MaxFrameSize),
		remote:    remoteAddr(rwc),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.cur = c
	m.state = StateActive
	m.mu.Unlock()

	go m.receiveLoop(c)
	slog.Info("session started", "serial", c.serial, "remote", c.remote)
}

// Shutdown closes the active session and waits for its receive loop.
// It is safe to call repeatedly.
func (m *Manager) Shutdown() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	old := m.beginDrain()
	if old == nil {
		return
	}
	m.drain(old)

	m.mu.Lock()
	if m.cur == old {
		m.cur = nil
	}
	m.state = StateIdle
	m.mu.Unlock()
}

// beginDrain marks the current session as draining and returns it, or nil
// when there is none.
func (m *Manager) beginDrain() *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	m.state = StateDraining
	return m.cur
}

// drain closes c and waits, bounded by the join timeout, for its loop to
// exit. Caller must hold m.startMu but not m.mu.
func (m *Manager) drain(c *conn) {
	c.cancel()
	if err := c.wc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("close session transport", "serial", c.serial, "error", err)
	}
	select {
	case <-c.done:
	case <-time.After(m.opts.JoinTimeout):
		slog.Warn("receive loop did not stop in time", "serial", c.serial, "timeout", m.opts.JoinTimeout)
	}
}

// Info returns a snapshot of the session state.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{State: m.state, StateName: m.state.String()}
	if m.cur != nil {
		info.Serial = m.cur.serial
		info.Remote = m.cur.remote
		info.StartedAt = m.cur.startedAt
	}
	return info
}

func (m *Manager) current() *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return nil
	}
	return m.cur
}

// SendMessage writes msg to the active session. It returns ErrClosed when no
// session is active.
func (m *Manager) SendMessage(msg *wire.Message) error {
	c := m.current()
	if c == nil {
		return ErrClosed
	}
	if err := c.wc.Send(msg); err != nil {
		return fmt.Errorf("send %s on session %d: %w", msg.Code, c.serial, err)
	}
	return nil
}

// Send is SendMessage reporting success as a bool.
func (m *Manager) Send(msg *wire.Message) bool {
	if err := m.SendMessage(msg); err != nil {
		if !errors.Is(err, ErrClosed) {
			slog.Warn("send failed", "error", err)
		}
		return false
	}
	return true
}

// Notify sends a proactive notification. It implements types.Notifier.
func (m *Manager) Notify(kind types.NotificationKind, data string) bool {
	msg := wire.NewMessage(wire.CodeNotify, m.notifyID.Add(1))
	msg.SetInt32(wire.TagNotificationKind, int32(kind))
	msg.SetString(wire.TagNotificationData, data)
	return m.Send(msg)
}

func (m *Manager) receiveLoop(c *conn) {
	defer func() {
		close(c.done)
		m.mu.Lock()
		if m.cur == c {
			c.cancel()
			_ = c.wc.Close()
			m.cur = nil
			m.state = StateIdle
		}
		m.mu.Unlock()
	}()

	for {
		req, err := c.wc.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil {
				slog.Info("session closed", "serial", c.serial)
			} else {
				slog.Warn("session terminated", "serial", c.serial, "error", err)
			}
			return
		}

		if req.Code == wire.CodeKeepalive {
			if err := c.wc.Send(wire.NewReply(req, wire.RCSuccess)); err != nil {
				slog.Warn("keepalive reply failed", "serial", c.serial, "error", err)
				return
			}
			continue
		}
		if req.Binary || req.Code == wire.CodeFileData || req.Code == wire.CodeAbortFileTransfer {
			slog.Debug("ignoring inbound file transfer frame", "serial", c.serial, "id", req.ID)
			continue
		}

		resp := m.handle(c.ctx, req)
		if resp.Reply != nil {
			if err := c.wc.Send(resp.Reply); err != nil {
				slog.Warn("reply failed", "serial", c.serial, "code", req.Code.String(), "error", err)
				removeTemp(resp.File)
				return
			}
		}
		if resp.File != "" {
			err := m.streamFile(c, req.ID, resp.File)
			removeTemp(resp.File)
			if err != nil {
				slog.Warn("file transfer failed", "serial", c.serial, "id", req.ID, "error", err)
				if errors.Is(err, errSendFailed) {
					return
				}
			}
		}
	}
}

// handle runs the handler and guarantees exactly one reply, even if it panics.
func (m *Manager) handle(ctx context.Context, req *wire.Message) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("request handler panic", "code", req.Code.String(), "id", req.ID, "panic", fmt.Sprint(r))
			resp = Response{Reply: wire.NewReply(req, wire.RCInternalError)}
		}
	}()
	resp = m.handler.Handle(ctx, req)
	if resp.Reply == nil {
		resp.Reply = wire.NewReply(req, wire.RCInternalError)
	}
	return resp
}

var errSendFailed = errors.New("send chunk")

func (m *Manager) streamFile(c *conn, id uint32, path string) error {
	send := func(msg *wire.Message) error {
		if err := c.wc.Send(msg); err != nil {
			return fmt.Errorf("%w: %v", errSendFailed, err)
		}
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if abortErr := send(wire.NewAbortTransfer(id)); abortErr != nil {
			return abortErr
		}
		return fmt.Errorf("open rendered file: %w", err)
	}
	defer f.Close()
	return wire.StreamFile(send, id, f, m.opts.ChunkSize)
}

func removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove temporary file", "path", path, "error", err)
	}
}

func remoteAddr(rwc io.ReadWriteCloser) string {
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}
