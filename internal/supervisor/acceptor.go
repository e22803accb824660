package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"go.uber.org/zap"
)

// Acceptor waits for backends to dial in and register with an announce frame
type Acceptor struct {
	opts      Options
	announces map[uint32]string
	log       *zap.Logger

	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewAcceptor creates an acceptor for the given announce opcode -> service name table
func NewAcceptor(announces map[uint32]string, opts Options) *Acceptor {
	return &Acceptor{
		opts:      opts,
		announces: announces,
		log:       logger.Or(opts.Logger),
	}
}

// Listen opens the registration listener
func (a *Acceptor) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = l
	a.log.Info("registration listener started", zap.String("addr", l.Addr().String()))
	return nil
}

// Addr returns the listener address
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts backend sockets until Close is called or ctx is done
func (a *Acceptor) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			a.log.Warn("accept backend connection error", zap.Error(err))
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(conn)
		}()
	}
	a.wg.Wait()
}

func (a *Acceptor) handle(conn net.Conn) {
	c := a.opts.newConnection(conn)

	name, err := c.Accept(a.announces, a.opts.ConnectTimeout)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("unknown", "rejected").Inc()
		a.log.Warn("rejecting backend connection",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		c.Close(err)
		return
	}
	metrics.ConnectAttempts.WithLabelValues(name, "accepted").Inc()

	a.opts.install(c, "accept")
	if a.closed.Load() {
		// Lost the race with Close; its sweep may have missed this connection
		c.Close(net.ErrClosed)
		return
	}
	if err := c.Serve(); err != nil {
		a.log.Warn("service connection lost", logger.Service(name), zap.Error(err))
	}
}

// Close stops accepting. Registered connections stay open.
func (a *Acceptor) Close() {
	if a.closed.CompareAndSwap(false, true) && a.listener != nil {
		a.listener.Close()
	}
}
