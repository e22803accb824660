// Package supervisor establishes backend service connections, passively by
// accepting registrations and actively by dialing, and keeps them installed
// in the service directory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/discovery"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"github.com/SkynetNext/relay-gateway/internal/service"
	"go.uber.org/zap"
)

// ErrReplaced closes a connection whose directory slot was taken by a newer registration
var ErrReplaced = errors.New("replaced by a newer registration")

// Options is shared by the acceptor and every dialer
type Options struct {
	Matcher        service.Matcher
	Directory      *service.Directory
	Logger         *zap.Logger
	MaxFrameSize   int
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

// OptionsFromConfig builds Options from configuration
func OptionsFromConfig(cfg *config.Config, matcher service.Matcher, dir *service.Directory, log *zap.Logger) Options {
	return Options{
		Matcher:        matcher,
		Directory:      dir,
		Logger:         log,
		MaxFrameSize:   cfg.Security.MaxFrameSize,
		WriteTimeout:   cfg.Supervisor.WriteTimeout,
		ConnectTimeout: cfg.Supervisor.ConnectTimeout,
		ReconnectDelay: cfg.Supervisor.ReconnectDelay,
	}
}

func (o Options) newConnection(conn net.Conn) *service.Connection {
	dir := o.Directory
	return service.NewConnection(conn, service.Options{
		Matcher:      o.Matcher,
		Logger:       o.Logger,
		MaxFrameSize: o.MaxFrameSize,
		WriteTimeout: o.WriteTimeout,
		// Runs before pending requests are drained
		OnClose: func(c *service.Connection, err error) {
			dir.Remove(c)
		},
	})
}

// install puts a registered connection into the directory and closes the one it replaces
func (o Options) install(c *service.Connection, mode string) {
	log := logger.Or(o.Logger)
	if replaced := o.Directory.Put(c); replaced != nil {
		log.Warn("service re-registered, closing previous connection",
			logger.Service(c.Name()),
			zap.String("previous_addr", replaced.RemoteAddr()),
			zap.String("remote_addr", c.RemoteAddr()),
		)
		replaced.Close(ErrReplaced)
	}
	metrics.ServiceRegistrations.WithLabelValues(c.Name(), mode).Inc()
	log.Info("service registered",
		logger.Service(c.Name()),
		zap.String("remote_addr", c.RemoteAddr()),
		zap.String("mode", mode),
	)
}

// Supervisor runs the acceptor and one dialer per actively dialed service
type Supervisor struct {
	opts     Options
	acceptor *Acceptor
	dialers  map[string]*Dialer

	listenAddr string
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// New creates a supervisor. resolver is used for services with discover set;
// it may be nil when none is.
func New(cfg *config.Config, opts Options, resolver discovery.Resolver) (*Supervisor, error) {
	s := &Supervisor{
		opts:       opts,
		dialers:    make(map[string]*Dialer),
		listenAddr: cfg.Router.ListenAddr,
	}

	announces := make(map[uint32]string, len(cfg.Services))
	for _, svc := range cfg.Services {
		announces[svc.AnnounceCommand] = svc.Name

		var r discovery.Resolver
		switch {
		case svc.Discover:
			if resolver == nil {
				return nil, fmt.Errorf("service %s: discovery is not configured", svc.Name)
			}
			r = resolver
		case svc.DialAddr != "":
			r = discovery.Static(svc.DialAddr)
		default:
			// Passive only: wait for the backend to dial in
			continue
		}
		s.dialers[svc.Name] = NewDialer(svc.Name, svc.AnnounceCommand, r, opts)
	}

	if s.listenAddr != "" {
		s.acceptor = NewAcceptor(announces, opts)
	}
	return s, nil
}

// Start opens the registration listener and starts every dialer
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.acceptor != nil {
		if err := s.acceptor.Listen(s.listenAddr); err != nil {
			s.cancel()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptor.Serve(ctx)
		}()
	}

	for _, d := range s.dialers {
		s.wg.Add(1)
		go func(d *Dialer) {
			defer s.wg.Done()
			d.Run(ctx)
		}(d)
	}
	return nil
}

// Acceptor returns the registration acceptor, or nil when passive registration is disabled
func (s *Supervisor) Acceptor() *Acceptor {
	return s.acceptor
}

// Dialer returns the dialer for a service
func (s *Supervisor) Dialer(name string) (*Dialer, bool) {
	d, ok := s.dialers[name]
	return d, ok
}

// Close stops accepting and dialing and closes every backend connection
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.acceptor != nil {
		s.acceptor.Close()
	}
	s.opts.Directory.CloseAll(context.Canceled)
	s.wg.Wait()
}
