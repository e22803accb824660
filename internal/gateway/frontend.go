package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/buffer"
	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
	"github.com/SkynetNext/relay-gateway/internal/router"
	"github.com/SkynetNext/relay-gateway/internal/session"
	"go.uber.org/zap"
)

// maxQueuedCalls bounds the results a client may have outstanding before
// its read loop stops reading
const maxQueuedCalls = 256

// clientConn is one client socket. Only the connection's result writer
// writes to it once frames start flowing.
type clientConn struct {
	conn         net.Conn
	session      *session.Session
	writeTimeout time.Duration
	broken       bool
}

// writeFrames writes frames in order. After the first failure the socket is
// considered unwritable and everything else is dropped.
func (c *clientConn) writeFrames(frames []protocol.Frame) error {
	if c.broken {
		return net.ErrClosed
	}
	for _, f := range frames {
		if c.writeTimeout > 0 {
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.broken = true
				return err
			}
		}
		if err := protocol.WriteFrame(c.conn, f); err != nil {
			c.broken = true
			return err
		}
	}
	return nil
}

// startListener starts the client listener
func (g *Gateway) startListener(ctx context.Context) error {
	var err error
	g.listener, err = net.Listen("tcp", g.config.Server.ListenAddr)
	if err != nil {
		return err
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.acceptLoop(ctx)
	}()

	g.log.Info("client listener started", zap.String("addr", g.listener.Addr().String()))
	return nil
}

// Addr returns the client listener address
func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.draining.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Warn("accept connection error", zap.Error(err))
			continue
		}

		g.connWg.Add(1)
		go func(c net.Conn) {
			defer g.connWg.Done()
			g.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection admits a client and runs its read loop
func (g *Gateway) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	ip := extractIP(remoteAddr)

	ipLimiter := g.ipLimiter.Load()
	if !ipLimiter.Allow(ip) {
		metrics.IncConnectionRejected("ip_limit")
		g.log.Warn("IP rate limit exceeded", zap.String("remote_addr", remoteAddr))
		return
	}
	defer ipLimiter.Release(ip)

	if !g.rateLimiter.Allow() {
		metrics.IncConnectionRejected("max_connections")
		g.log.Warn("connection limit exceeded",
			zap.String("remote_addr", remoteAddr),
			zap.Int64("max_connections", g.rateLimiter.Max()),
		)
		return
	}
	defer g.rateLimiter.Release()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	// Registered before sniffing so a silent client is still reaped as idle
	cfg := g.GetConfig()
	sess := session.New(conn)
	g.sessionManager.Add(sess)
	defer g.sessionManager.Remove(sess.SessionID)

	sniffConn := protocol.NewSniffConn(conn)
	isPolicy, err := sniffConn.SniffPolicyRequest()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			g.log.Debug("client closed before first frame", zap.String("remote_addr", remoteAddr), zap.Error(err))
		}
		return
	}
	if isPolicy {
		metrics.PolicyRequests.Inc()
		if _, err := io.WriteString(sniffConn, protocol.PolicyResponse); err != nil {
			return
		}
	}

	client := &clientConn{
		conn:         sniffConn,
		session:      sess,
		writeTimeout: cfg.Server.WriteTimeout,
	}

	log := g.log.With(zap.Int64("session_id", sess.SessionID), zap.String("remote_addr", remoteAddr))
	log.Debug("client connected", zap.Bool("policy_probe", isPolicy))

	// Cancelled when the client leaves; in-flight results are then discarded
	connCtx, cancel := context.WithCancel(ctx)
	calls := make(chan *router.Call, maxQueuedCalls)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeResults(connCtx, client, calls)
	}()

	// Submitting inline keeps backend writes in decode order
	err = g.readLoop(connCtx, sniffConn, cfg.Security.MaxFrameSize, func(f protocol.Frame) {
		sess.Touch()
		g.observeSubject(sess, f.SubjectID)
		metrics.FramesProcessed.WithLabelValues("client_to_gateway", "client").Inc()
		calls <- g.router.Submit(connCtx, f)
	})

	cancel()
	close(calls)
	<-writerDone

	if subject := sess.Subject(); subject != 0 {
		metrics.ActiveSessions.Dec()
		g.notifyDisconnect(ctx, subject)
	}

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Debug("client read error", zap.Error(err))
	}
	log.Debug("client disconnected",
		zap.Uint32("subject_id", sess.Subject()),
		zap.Duration("duration", time.Since(sess.CreatedAt)),
	)
}

// readLoop decodes frames from r until it fails. An out-of-bounds frame
// discards the private buffer and reading continues.
func (g *Gateway) readLoop(ctx context.Context, r io.Reader, maxFrameSize int, handle func(protocol.Frame)) error {
	decoder := protocol.NewDecoder(maxFrameSize)
	buf := buffer.Get()
	defer buffer.Put(buf)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				f, ok, derr := decoder.Next()
				if derr != nil {
					metrics.DecoderResets.WithLabelValues("client").Inc()
					metrics.IncRoutingError("frame_length")
					g.log.Warn("discarding client receive buffer", zap.Error(derr))
					break
				}
				if !ok {
					break
				}
				handle(f)
			}
		}
		if err != nil {
			return err
		}
	}
}

// writeResults writes the result of every call in submission order. Once
// the client is gone or unwritable, queued calls are discarded unread.
func (g *Gateway) writeResults(ctx context.Context, client *clientConn, calls <-chan *router.Call) {
	for call := range calls {
		if client.broken || ctx.Err() != nil {
			call.Discard()
			continue
		}

		frames := call.Wait(ctx)
		if ctx.Err() != nil {
			continue
		}

		req := call.Frame()
		if len(frames) == 0 {
			cfg := g.GetConfig()
			if !cfg.Router.ErrorFramesEnabled() {
				continue
			}
			frames = []protocol.Frame{errorFrame(req, cfg.Router.ErrorFrameStatus())}
		}

		for _, resp := range frames {
			g.observeSubject(client.session, resp.SubjectID)
		}

		if err := client.writeFrames(frames); err != nil {
			g.log.Debug("client unwritable, dropping queued responses",
				logger.Command(req.CommandID),
				logger.Subject(req.SubjectID),
				zap.Int("frames", len(frames)),
				zap.Error(err),
			)
			// Unblocks the read loop so the connection winds down
			client.conn.Close()
			continue
		}
		metrics.FramesProcessed.WithLabelValues("gateway_to_client", "client").Add(float64(len(frames)))
	}
}

// errorFrame echoes the request's commandId and subjectId with an error status
func errorFrame(req protocol.Frame, status int32) protocol.Frame {
	return protocol.NewFrame(req.CommandID, req.SubjectID, status, nil)
}

func (g *Gateway) observeSubject(sess *session.Session, subject uint32) {
	if sess.ObserveSubject(subject) {
		metrics.ActiveSessions.Inc()
	}
}

// notifyDisconnect tells the game service a client with a subject is gone.
// Fire and forget: failures are only logged.
func (g *Gateway) notifyDisconnect(ctx context.Context, subject uint32) {
	f := protocol.NewFrame(g.table.DisconnectNotify(), subject, 0, nil)
	if err := g.router.Notify(context.WithoutCancel(ctx), config.ServiceGame, f); err != nil {
		g.log.Warn("failed to send disconnect notification",
			logger.Subject(subject),
			zap.Error(err),
		)
	}
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
