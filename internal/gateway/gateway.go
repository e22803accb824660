package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/command"
	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/discovery"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/metrics"
	"github.com/SkynetNext/relay-gateway/internal/middleware"
	"github.com/SkynetNext/relay-gateway/internal/ratelimit"
	"github.com/SkynetNext/relay-gateway/internal/redis"
	"github.com/SkynetNext/relay-gateway/internal/retry"
	"github.com/SkynetNext/relay-gateway/internal/router"
	"github.com/SkynetNext/relay-gateway/internal/service"
	"github.com/SkynetNext/relay-gateway/internal/session"
	"github.com/SkynetNext/relay-gateway/internal/supervisor"
	"go.uber.org/zap"
)

// Gateway composes the client frontend, the request router and the backend
// supervisor
type Gateway struct {
	config   *config.Config
	configMu sync.RWMutex // Protects config updates
	log      *zap.Logger

	// Components
	table          *command.Table
	directory      *service.Directory
	router         *router.Router
	supervisor     *supervisor.Supervisor
	sessionManager *session.Manager
	redisClient    *redis.Client   // nil when redis.addr is empty
	etcd           *discovery.Etcd // nil when discovery is not configured

	// Rate limiting
	rateLimiter *ratelimit.Limiter
	ipLimiter   atomic.Pointer[ratelimit.IPLimiter]

	// Network
	listener    net.Listener
	adminServer *http.Server

	// State
	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup // background loops
	connWg   sync.WaitGroup // client connections
}

// New creates a new gateway instance. A nil logger falls back to logger.L.
func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	log = logger.Or(log)

	table := command.NewTable(&cfg.Commands)
	dir := service.NewDirectory()
	rtr := router.New(table, dir, timings(cfg), log)

	g := &Gateway{
		config:         cfg,
		log:            log,
		table:          table,
		directory:      dir,
		router:         rtr,
		sessionManager: session.NewManager(),
		rateLimiter:    ratelimit.NewLimiter(int64(cfg.Security.MaxConnections)),
	}
	g.ipLimiter.Store(ratelimit.NewIPLimiter(cfg.Security.MaxConnectionsPerIP, cfg.Security.ConnectionRateLimit))

	if cfg.Redis.Addr != "" {
		g.redisClient = redis.NewClient(&cfg.Redis)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.redisClient.Ping(ctx); err != nil {
			g.redisClient.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	var resolver discovery.Resolver
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.Discovery.EtcdEndpoints, cfg.Discovery.Prefix, cfg.Discovery.DialTimeout)
		if err != nil {
			g.closeClients()
			return nil, err
		}
		g.etcd = etcd
		resolver = etcd
	}

	sup, err := supervisor.New(cfg, supervisor.OptionsFromConfig(cfg, table, dir, log), resolver)
	if err != nil {
		g.closeClients()
		return nil, err
	}
	g.supervisor = sup

	return g, nil
}

func timings(cfg *config.Config) service.Timings {
	return service.Timings{
		RequestTimeout:   cfg.Router.RequestTimeout,
		CompletionWindow: cfg.Router.CompletionWindow,
	}
}

// Router returns the request router
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Directory returns the service directory
func (g *Gateway) Directory() *service.Directory {
	return g.directory
}

// Start starts the gateway service
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	// 1. Load command overrides and keep them fresh
	if g.redisClient != nil {
		if err := g.loadOverrides(ctx); err != nil {
			return fmt.Errorf("failed to load initial command overrides: %w", err)
		}
		g.startRedisLoops(ctx)
	}

	// 2. Close idle client sessions
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.sessionManager.CleanupIdle(g.GetConfig().Server.SessionIdleTimeout); n > 0 {
					g.log.Info("closed idle client sessions", zap.Int("count", n))
				}
			}
		}
	}()

	// 3. Access log batching
	middleware.InitAccessLogger(100, 5*time.Second) // Batch 100 logs or flush every 5 seconds

	// 4. Admin server
	if err := g.startAdminServer(ctx); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	// 5. Backend registration and dialing
	if err := g.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	// 6. Client listener
	if err := g.startListener(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return nil
}

func (g *Gateway) loadOverrides(ctx context.Context) error {
	return retry.Do(ctx, retry.RetryConfig{MaxRetries: 3, RetryDelay: 500 * time.Millisecond}, func() error {
		overrides, err := g.redisClient.LoadCommandOverrides(ctx)
		if err != nil {
			return err
		}
		g.table.SetOverrides(overrides)
		return nil
	})
}

func (g *Gateway) startRedisLoops(ctx context.Context) {
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.redisClient.RefreshLoop(ctx, g.config.Redis.RefreshInterval, g.onOverrides, g.servicesSnapshot)
	}()
	go func() {
		defer g.wg.Done()
		if err := g.redisClient.WatchCommandOverrides(ctx, func(overrides map[uint32]string) {
			g.onOverrides(overrides, nil)
		}); err != nil && ctx.Err() == nil {
			g.log.Warn("command override watch stopped", zap.Error(err))
		}
	}()
}

// onOverrides applies command overrides loaded from Redis
func (g *Gateway) onOverrides(overrides map[uint32]string, err error) {
	if err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("command_overrides").Inc()
		g.log.Warn("failed to refresh command overrides", zap.Error(err))
		return
	}
	g.table.SetOverrides(overrides)
	g.log.Debug("command overrides updated", zap.Int("count", len(overrides)))
}

func (g *Gateway) servicesSnapshot() (string, map[string]string) {
	infos := g.directory.Snapshot()
	services := make(map[string]string, len(infos))
	for _, info := range infos {
		services[info.Name] = info.RemoteAddr
	}
	return g.GetConfig().Server.GatewayName, services
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	g.draining.Store(true)

	// 2. Stop accepting new clients
	if g.listener != nil {
		g.listener.Close()
	}

	// 3. Wait for clients to leave, then force the rest
	done := make(chan struct{})
	go func() {
		g.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("shutdown timeout reached, closing remaining client sessions",
			zap.Int("sessions", g.sessionManager.Count()),
		)
		g.sessionManager.CloseAll()
		<-done
	}

	// 4. Close backend connections
	g.supervisor.Close()

	// 5. Admin server and background loops
	var shutdownErr error
	if g.adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.adminServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown admin server: %w", err)
		}
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	// 6. External clients
	if err := g.closeClients(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	// 7. Flush access log
	middleware.ShutdownAccessLogger()

	return shutdownErr
}

func (g *Gateway) closeClients() error {
	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}
	if g.etcd != nil {
		if err := g.etcd.Close(); err != nil {
			return fmt.Errorf("failed to close etcd client: %w", err)
		}
	}
	return nil
}
