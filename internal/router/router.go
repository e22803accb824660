// Package router forwards client frames to backend services and collects the
// backend frames correlated with each request.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/command"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"github.com/SkynetNext/relay-gateway/internal/middleware"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
	"github.com/SkynetNext/relay-gateway/internal/service"
	"github.com/SkynetNext/relay-gateway/internal/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrUnroutable is returned when no service handles a commandId
	ErrUnroutable = errors.New("unroutable command")

	// ErrNotRegistered is returned when the target service has no live connection
	ErrNotRegistered = errors.New("service not registered")
)

// Router resolves the target service of a client frame and waits for the
// correlated response frames
type Router struct {
	table     *command.Table
	directory *service.Directory
	log       *zap.Logger

	mu      sync.RWMutex
	timings service.Timings
}

// New creates a router. A nil logger falls back to logger.L.
func New(table *command.Table, directory *service.Directory, timings service.Timings, log *zap.Logger) *Router {
	return &Router{
		table:     table,
		directory: directory,
		log:       logger.Or(log),
		timings:   timings,
	}
}

// Timings returns the timings applied to new requests
func (r *Router) Timings() service.Timings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timings
}

// SetTimings changes the timings for requests submitted from now on.
// Requests already in flight keep the timings they were armed with.
func (r *Router) SetTimings(t service.Timings) {
	r.mu.Lock()
	r.timings = t
	r.mu.Unlock()
}

// Call is a request handed to a backend whose result has not been collected
type Call struct {
	r       *Router
	ctx     context.Context
	span    trace.Span
	entry   *middleware.AccessLogEntry
	start   time.Time
	frame   protocol.Frame
	service string
	pending *service.PendingRequest // nil when the request never reached a backend
	closed  bool
}

// Forward sends f to the service its commandId routes to and returns every
// correlated backend frame in arrival order. Every failure degrades to an
// empty result. Cancelling ctx does not cancel the backend request; its
// result is discarded.
func (r *Router) Forward(ctx context.Context, f protocol.Frame) []protocol.Frame {
	return r.Submit(ctx, f).Wait(ctx)
}

// Submit resolves the service for f and writes f to it before returning.
// Frames submitted one after another reach the backend in that order.
// The returned call must be finished with Wait or Discard.
func (r *Router) Submit(ctx context.Context, f protocol.Frame) *Call {
	ctx, span := tracing.StartSpan(ctx, "router.Forward",
		tracing.CommandID(f.CommandID),
		tracing.SubjectID(f.SubjectID),
	)
	c := &Call{
		r:     r,
		ctx:   ctx,
		span:  span,
		start: time.Now(),
		frame: f,
		entry: &middleware.AccessLogEntry{
			CommandID: f.CommandID,
			SubjectID: f.SubjectID,
		},
	}

	name, ok := r.table.Service(f.CommandID)
	if !ok {
		metrics.IncRoutingError("unroutable")
		r.log.Warn("no service for command", logger.WithTrace(ctx, logger.Command(f.CommandID), logger.Subject(f.SubjectID))...)
		span.SetStatus(codes.Error, ErrUnroutable.Error())
		c.entry.Status = "unroutable"
		return c
	}
	c.service = name
	c.entry.Service = name
	span.SetAttributes(tracing.ServiceName(name))

	p, err := r.submit(name, f)
	if err != nil {
		metrics.IncRoutingError("not_registered")
		r.log.Warn("service unavailable, dropping request", logger.WithTrace(ctx,
			logger.Service(name),
			logger.Command(f.CommandID),
			logger.Subject(f.SubjectID),
			zap.Error(err),
		)...)
		span.SetStatus(codes.Error, err.Error())
		c.entry.Status = "not_registered"
		c.entry.Error = err.Error()
		return c
	}
	c.pending = p
	return c
}

// Frame returns the client frame the call was submitted for
func (c *Call) Frame() protocol.Frame {
	return c.frame
}

// Wait blocks until the request resolves or ctx is done and returns the
// correlated frames. A call that never reached a backend returns at once.
func (c *Call) Wait(ctx context.Context) []protocol.Frame {
	if c.closed {
		return nil
	}
	defer c.finish()
	if c.pending == nil {
		return nil
	}

	var res service.Result
	select {
	case res = <-c.pending.Done():
	case <-ctx.Done():
		c.discarded()
		return nil
	}

	c.r.observe(c.ctx, c.service, c.frame, res)
	if len(res.Frames) == 0 {
		c.span.SetStatus(codes.Error, res.Reason.String())
	}
	c.entry.Status = res.Reason.String()
	c.entry.Frames = len(res.Frames)
	return res.Frames
}

// Discard finishes the call without waiting. The backend request still
// runs to completion; its result is dropped.
func (c *Call) Discard() {
	if c.closed {
		return
	}
	if c.pending != nil {
		c.discarded()
	}
	c.finish()
}

func (c *Call) discarded() {
	c.r.log.Debug("client went away, discarding result", logger.WithTrace(c.ctx,
		logger.Service(c.service),
		logger.Command(c.frame.CommandID),
		logger.Subject(c.frame.SubjectID),
	)...)
	c.entry.Status = "canceled"
}

func (c *Call) finish() {
	c.closed = true
	c.entry.DurationMs = time.Since(c.start).Milliseconds()
	middleware.LogAccess(c.ctx, c.entry)
	c.span.End()
}

func (r *Router) submit(name string, f protocol.Frame) (*service.PendingRequest, error) {
	conn, ok := r.directory.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	p, err := conn.Submit(f, r.Timings())
	if err != nil {
		// The connection closed between the lookup and the submit
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRegistered, name, err)
	}
	return p, nil
}

func (r *Router) observe(ctx context.Context, name string, f protocol.Frame, res service.Result) {
	metrics.RequestLatency.WithLabelValues(name).Observe(res.Elapsed.Seconds())
	metrics.ResponseFrames.WithLabelValues(name).Observe(float64(len(res.Frames)))

	fields := logger.WithTrace(ctx,
		logger.Service(name),
		logger.Command(f.CommandID),
		logger.Subject(f.SubjectID),
		zap.Int("frames", len(res.Frames)),
		zap.Duration("elapsed", res.Elapsed),
	)
	switch res.Reason {
	case service.ReasonTimeout:
		metrics.IncRoutingError("timeout")
		r.log.Warn("request timed out", fields...)
	case service.ReasonWriteFailed:
		metrics.IncRoutingError("write_failed")
		r.log.Warn("request write failed", fields...)
	case service.ReasonDisconnected:
		r.log.Warn("service disconnected with request in flight", fields...)
	}
}

// Notify writes f to a service without waiting for any response
func (r *Router) Notify(ctx context.Context, name string, f protocol.Frame) error {
	conn, ok := r.directory.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if err := conn.Notify(f); err != nil {
		return fmt.Errorf("failed to notify %s: %w", name, err)
	}
	metrics.FramesProcessed.WithLabelValues("gateway_to_backend", name).Inc()
	r.log.Debug("notified service", logger.WithTrace(ctx, logger.Service(name), logger.Command(f.CommandID), logger.Subject(f.SubjectID))...)
	return nil
}
