package gateway

import (
	"fmt"

	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/ratelimit"
	"go.uber.org/zap"
)

// UpdateConfig applies the settings that can change without a restart:
// request timings, error-frame synthesis, client limits and timeouts.
// Listen addresses, services and command tables need a restart.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.configMu.Lock()
	defer g.configMu.Unlock()
	old := g.config

	if newConfig.Router.RequestTimeout != old.Router.RequestTimeout ||
		newConfig.Router.CompletionWindow != old.Router.CompletionWindow {
		g.router.SetTimings(timings(newConfig))
		g.log.Info("router timings updated",
			zap.Duration("request_timeout", newConfig.Router.RequestTimeout),
			zap.Duration("completion_window", newConfig.Router.CompletionWindow),
		)
	}

	if newConfig.Security.MaxConnections != old.Security.MaxConnections {
		g.rateLimiter.SetMax(int64(newConfig.Security.MaxConnections))
		g.log.Info("connection limit updated",
			zap.Int("old_max", old.Security.MaxConnections),
			zap.Int("new_max", newConfig.Security.MaxConnections),
		)
	}

	if newConfig.Security.MaxConnectionsPerIP != old.Security.MaxConnectionsPerIP ||
		newConfig.Security.ConnectionRateLimit != old.Security.ConnectionRateLimit {
		// Connections admitted by the old limiter release into it
		g.ipLimiter.Store(ratelimit.NewIPLimiter(
			newConfig.Security.MaxConnectionsPerIP,
			newConfig.Security.ConnectionRateLimit,
		))
		g.log.Info("IP limiter updated",
			zap.Int("max_per_ip", newConfig.Security.MaxConnectionsPerIP),
			zap.Int("rate_limit", newConfig.Security.ConnectionRateLimit),
		)
	}

	g.config = newConfig

	g.log.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (g *Gateway) GetConfig() *config.Config {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}
