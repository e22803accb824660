package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/discovery"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"github.com/SkynetNext/relay-gateway/internal/retry"
	"github.com/SkynetNext/relay-gateway/internal/service"
	"go.uber.org/zap"
)

// ErrConnectInFlight is returned by Connect while another attempt for the same service is running
var ErrConnectInFlight = errors.New("connect already in flight")

// Dialer actively connects to one backend service and announces itself
type Dialer struct {
	name     string
	announce uint32
	resolver discovery.Resolver
	opts     Options
	log      *zap.Logger

	connecting atomic.Bool
}

// NewDialer creates a dialer for service name
func NewDialer(name string, announce uint32, resolver discovery.Resolver, opts Options) *Dialer {
	return &Dialer{
		name:     name,
		announce: announce,
		resolver: resolver,
		opts:     opts,
		log:      logger.Or(opts.Logger).With(logger.Service(name)),
	}
}

// Connect makes one attempt: resolve, dial, announce, wait for the ack and
// install the connection. The whole attempt is bounded by the connect timeout.
func (d *Dialer) Connect(ctx context.Context) (*service.Connection, error) {
	if !d.connecting.CompareAndSwap(false, true) {
		metrics.ConnectAttempts.WithLabelValues(d.name, "in_flight").Inc()
		return nil, ErrConnectInFlight
	}
	defer d.connecting.Store(false)

	c, err := d.connect(ctx)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues(d.name, "failure").Inc()
		return nil, err
	}
	metrics.ConnectAttempts.WithLabelValues(d.name, "success").Inc()
	d.opts.install(c, "dial")
	return c, nil
}

func (d *Dialer) connect(ctx context.Context) (*service.Connection, error) {
	if d.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ConnectTimeout)
		defer cancel()
	}

	addr, err := d.resolver.Resolve(ctx, d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", d.name, err)
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s at %s: %w", d.name, addr, err)
	}

	c := d.opts.newConnection(conn)
	timeout := d.opts.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := c.Announce(d.name, d.announce, timeout); err != nil {
		c.Close(err)
		return nil, fmt.Errorf("failed to announce %s at %s: %w", d.name, addr, err)
	}
	return c, nil
}

// Run keeps the service connected until ctx is done. After every failed
// attempt or lost connection it waits the fixed reconnect delay.
func (d *Dialer) Run(ctx context.Context) {
	retry.Forever(ctx, d.opts.ReconnectDelay, func(ctx context.Context) error {
		c, err := d.Connect(ctx)
		if err != nil {
			return err
		}

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				c.Close(ctx.Err())
			case <-stop:
			}
		}()
		return c.Serve()
	}, func(attempt int, err error) {
		d.log.Warn("service connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", d.opts.ReconnectDelay),
			zap.Error(err),
		)
	})
}
