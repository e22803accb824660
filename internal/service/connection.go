// Package service implements backend service links: one persistent socket per
// registered service, the registration handshake, and the table of in-flight
// requests whose responses are correlated without a request identifier.
package service

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/buffer"
	"github.com/SkynetNext/relay-gateway/internal/command"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
	"go.uber.org/zap"
)

// State is the registration state of a connection
type State int32

const (
	StateConnecting State = iota
	StateAwaitingFirstFrame
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingFirstFrame:
		return "awaiting_first_frame"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned when submitting to a connection that is not registered
	ErrClosed = errors.New("service connection closed")

	// ErrInvalidTransition is returned for a state change the handshake does not allow
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// ErrAnnounceRejected is returned when the first frame is not an acceptable announce or ack
	ErrAnnounceRejected = errors.New("announce rejected")
)

// Matcher finds the pending request an inbound frame belongs to
type Matcher interface {
	Match(f protocol.Frame, pending []command.Key) int
}

// Options configures a Connection
type Options struct {
	Matcher      Matcher
	Logger       *zap.Logger
	MaxFrameSize int
	WriteTimeout time.Duration

	// OnClose runs once, after the state becomes Closed and before pending
	// requests are drained
	OnClose func(c *Connection, err error)
}

// Connection is one backend link
type Connection struct {
	conn    net.Conn
	decoder *protocol.Decoder
	matcher Matcher
	log     *zap.Logger
	onClose func(*Connection, error)

	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu           sync.Mutex
	name         string
	state        State
	pending      []*PendingRequest
	seq          uint64
	registeredAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps an established socket. The connection starts in
// StateConnecting and must complete Accept or Announce before use.
func NewConnection(conn net.Conn, opts Options) *Connection {
	return &Connection{
		conn:         conn,
		decoder:      protocol.NewDecoder(opts.MaxFrameSize),
		matcher:      opts.Matcher,
		log:          logger.Or(opts.Logger),
		onClose:      opts.OnClose,
		writeTimeout: opts.WriteTimeout,
		state:        StateConnecting,
		closed:       make(chan struct{}),
	}
}

// Name returns the registered service name (empty before registration)
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the backend address
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// RegisteredAt returns when the handshake completed
func (c *Connection) RegisteredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registeredAt
}

// PendingCount returns the number of in-flight requests
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Closed is closed once the connection has shut down
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// transition moves along a handshake edge. Close is the only way into
// StateClosed, and nothing leaves StateRegistered except Close, so a
// registered connection can never be registered again.
func (c *Connection) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(from, to)
}

func (c *Connection) transitionLocked(from, to State) error {
	if c.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, c.state)
	}
	switch {
	case from == StateConnecting && to == StateAwaitingFirstFrame:
	case from == StateAwaitingFirstFrame && to == StateRegistered:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	return nil
}

// Accept runs the passive side of the handshake: the first frame must carry
// one of the announce opcodes. On success an ack is written and the service
// name is returned. Any other first frame is rejected.
func (c *Connection) Accept(announces map[uint32]string, timeout time.Duration) (string, error) {
	if err := c.transition(StateConnecting, StateAwaitingFirstFrame); err != nil {
		return "", err
	}

	first, err := c.readFirstFrame(timeout)
	if err != nil {
		return "", err
	}

	name, ok := announces[first.CommandID]
	if !ok {
		return "", fmt.Errorf("%w: unexpected first frame %s", ErrAnnounceRejected, first)
	}

	if err := c.write(protocol.NewFrame(first.CommandID, 0, 0, nil)); err != nil {
		return "", fmt.Errorf("failed to write announce ack: %w", err)
	}

	if err := c.register(name); err != nil {
		return "", err
	}
	return name, nil
}

// Announce runs the dialing side of the handshake: it sends the announce
// frame for name and waits for an ack with the same opcode and status 0.
func (c *Connection) Announce(name string, announceCommand uint32, timeout time.Duration) error {
	if err := c.transition(StateConnecting, StateAwaitingFirstFrame); err != nil {
		return err
	}
	if err := c.write(protocol.NewFrame(announceCommand, 0, 0, nil)); err != nil {
		return fmt.Errorf("failed to write announce: %w", err)
	}

	ack, err := c.readFirstFrame(timeout)
	if err != nil {
		return err
	}
	if ack.CommandID != announceCommand || ack.Status != 0 {
		return fmt.Errorf("%w: unexpected ack %s", ErrAnnounceRejected, ack)
	}

	return c.register(name)
}

func (c *Connection) register(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transitionLocked(StateAwaitingFirstFrame, StateRegistered); err != nil {
		return err
	}
	c.name = name
	c.registeredAt = time.Now()
	c.log = c.log.With(logger.Service(name), zap.String("remote_addr", c.conn.RemoteAddr().String()))
	return nil
}

// readFirstFrame reads until one complete frame is decoded. Frames that
// arrive in the same read stay buffered in the decoder for Serve.
func (c *Connection) readFirstFrame(timeout time.Duration) (protocol.Frame, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocol.Frame{}, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 512)
	for {
		f, ok, err := c.decoder.Next()
		if err != nil {
			metrics.DecoderResets.WithLabelValues("backend").Inc()
			return protocol.Frame{}, fmt.Errorf("%w: %v", ErrAnnounceRejected, err)
		}
		if ok {
			return f, nil
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n])
		}
		if err != nil {
			if n > 0 {
				continue
			}
			return protocol.Frame{}, err
		}
	}
}

// Serve reads inbound frames and correlates them with pending requests until
// the socket fails. It closes the connection before returning.
func (c *Connection) Serve() error {
	if c.State() != StateRegistered {
		err := fmt.Errorf("%w: serve before registration", ErrInvalidTransition)
		c.Close(err)
		return err
	}

	buf := buffer.Get()
	defer buffer.Put(buf)

	var chunk []byte
	for {
		c.decoder.Feed(chunk)
		for {
			f, ok, err := c.decoder.Next()
			if err != nil {
				metrics.DecoderResets.WithLabelValues("backend").Inc()
				metrics.IncRoutingError("frame_length")
				c.log.Warn("discarding backend receive buffer", zap.Error(err))
				break
			}
			if !ok {
				break
			}
			c.handleFrame(f)
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			if n > 0 {
				c.decoder.Feed(buf[:n])
				chunk = nil
				continue
			}
			c.Close(err)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		chunk = buf[:n]
	}
}

func (c *Connection) handleFrame(f protocol.Frame) {
	c.mu.Lock()
	name := c.name

	keys := make([]command.Key, len(c.pending))
	for i, p := range c.pending {
		keys[i] = p.Key
		keys[i].Replied = p.replied
	}
	idx := c.matcher.Match(f, keys)
	if idx < 0 {
		c.mu.Unlock()
		metrics.UnmatchedFrames.WithLabelValues(name).Inc()
		metrics.IncRoutingError("unmatched")
		c.log.Debug("dropping unmatched backend frame",
			logger.Command(f.CommandID),
			logger.Subject(f.SubjectID),
			zap.Int32("status", f.Status),
		)
		return
	}

	p := c.pending[idx]
	p.responses = append(p.responses, f)
	if f.CommandID == p.Key.CommandID {
		p.replied = true
	}
	c.armCompletionLocked(p)
	c.mu.Unlock()

	metrics.FramesProcessed.WithLabelValues("backend_to_gateway", name).Inc()
}

// armCompletionLocked (re)starts the completion window. The generation guards
// against a timer that fired while a newer frame was being appended.
func (c *Connection) armCompletionLocked(p *PendingRequest) {
	if p.completion != nil {
		p.completion.Stop()
	}
	p.generation++
	gen := p.generation
	p.completion = time.AfterFunc(p.timings.CompletionWindow, func() {
		c.finish(p, ReasonComplete, gen)
	})
}

// Submit registers a pending request for f and writes f to the backend.
// The returned request always resolves: by completion, timeout, write
// failure or disconnect.
func (c *Connection) Submit(f protocol.Frame, timings Timings) (*PendingRequest, error) {
	c.mu.Lock()
	if c.state != StateRegistered {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.seq++
	p := newPendingRequest(command.Key{CommandID: f.CommandID, SubjectID: f.SubjectID}, c.seq, timings)
	c.pending = append(c.pending, p)
	p.absolute = time.AfterFunc(timings.RequestTimeout, func() {
		c.finish(p, ReasonTimeout, 0)
	})
	name := c.name
	c.mu.Unlock()

	metrics.PendingRequests.WithLabelValues(name).Inc()

	if err := c.write(f); err != nil {
		c.log.Warn("failed to write request to backend",
			logger.Command(f.CommandID),
			logger.Subject(f.SubjectID),
			zap.Error(err),
		)
		c.finish(p, ReasonWriteFailed, 0)
		c.Close(err)
		return p, nil
	}

	metrics.FramesProcessed.WithLabelValues("gateway_to_backend", name).Inc()
	return p, nil
}

// Notify writes f without waiting for any response
func (c *Connection) Notify(f protocol.Frame) error {
	if c.State() != StateRegistered {
		return ErrClosed
	}
	if err := c.write(f); err != nil {
		c.Close(err)
		return err
	}
	return nil
}

// finish resolves p exactly once. A non-zero generation only applies to the
// completion timer armed with that generation.
func (c *Connection) finish(p *PendingRequest, reason Reason, generation uint64) {
	c.mu.Lock()
	if p.done || (generation != 0 && generation != p.generation) {
		c.mu.Unlock()
		return
	}
	p.done = true
	p.stopTimers()
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	frames := p.responses
	p.responses = nil
	name := c.name
	c.mu.Unlock()

	metrics.PendingRequests.WithLabelValues(name).Dec()
	p.result <- Result{Frames: frames, Reason: reason, Elapsed: time.Since(p.SubmittedAt)}
}

func (c *Connection) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(c.conn, f)
}

// Close shuts the socket, runs OnClose, then resolves every pending request
// with ReasonDisconnected. Safe to call more than once.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasRegistered := c.state == StateRegistered
		c.state = StateClosed
		c.mu.Unlock()

		_ = c.conn.Close()

		if c.onClose != nil {
			c.onClose(c, err)
		}

		c.mu.Lock()
		drained := append([]*PendingRequest(nil), c.pending...)
		c.mu.Unlock()
		for _, p := range drained {
			c.finish(p, ReasonDisconnected, 0)
		}

		if wasRegistered {
			c.log.Info("service connection closed",
				zap.Int("drained_requests", len(drained)),
				zap.Error(err),
			)
		}
		close(c.closed)
	})
}
