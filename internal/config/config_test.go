package config

import (
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  listen_addr: \":7000\"\n"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("Expected listen_addr=:7000, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Router.RequestTimeout != 10*time.Second {
		t.Errorf("Expected request_timeout=10s, got %v", cfg.Router.RequestTimeout)
	}
	if cfg.Router.CompletionWindow != 50*time.Millisecond {
		t.Errorf("Expected completion_window=50ms, got %v", cfg.Router.CompletionWindow)
	}
	if cfg.Supervisor.ReconnectDelay != 5*time.Second || cfg.Supervisor.ConnectTimeout != 5*time.Second {
		t.Errorf("Unexpected supervisor defaults: %+v", cfg.Supervisor)
	}
	if !cfg.Router.ErrorFramesEnabled() {
		t.Error("Expected error frames enabled by default")
	}
	if cfg.Router.ErrorFrameStatus() != -1 {
		t.Errorf("Expected error status -1 by default, got %d", cfg.Router.ErrorFrameStatus())
	}
	if len(cfg.Services) != 3 {
		t.Errorf("Expected 3 default services, got %d", len(cfg.Services))
	}
	if cfg.Commands.DefaultService != ServiceGame {
		t.Errorf("Expected default service game, got %s", cfg.Commands.DefaultService)
	}
	if cfg.Security.MaxFrameSize != 8*1024*1024 {
		t.Errorf("Expected 8MiB max frame size, got %d", cfg.Security.MaxFrameSize)
	}
}

func TestParse_Explicit(t *testing.T) {
	data := `
router:
  request_timeout: 2s
  completion_window: 20ms
  synthesize_error_frames: false
  error_status: 0
services:
  - name: game
    announce_command: 500
    dial_addr: "127.0.0.1:9500"
commands:
  default_service: game
  fifo: [1, 2]
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Router.ErrorFramesEnabled() {
		t.Error("Expected error frames disabled")
	}
	if cfg.Router.ErrorFrameStatus() != 0 {
		t.Errorf("Expected explicit error status 0 to be kept, got %d", cfg.Router.ErrorFrameStatus())
	}
	svc, ok := cfg.Service("game")
	if !ok || svc.DialAddr != "127.0.0.1:9500" || svc.AnnounceCommand != 500 {
		t.Errorf("Unexpected service config: %+v", svc)
	}
	if len(cfg.Commands.Routes) != 0 {
		t.Errorf("Expected no default routes when default_service is set, got %v", cfg.Commands.Routes)
	}
	if len(cfg.Commands.Fifo) != 2 {
		t.Errorf("Expected fifo=[1 2], got %v", cfg.Commands.Fifo)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"window exceeds timeout", func(c *Config) { c.Router.CompletionWindow = c.Router.RequestTimeout }, "completion_window"},
		{"duplicate announce", func(c *Config) { c.Services[1].AnnounceCommand = c.Services[0].AnnounceCommand }, "announce_command"},
		{"unknown route service", func(c *Config) {
			c.Commands.Routes = append(c.Commands.Routes, RouteConfig{From: 1, To: 2, Service: "nope"})
		}, "unknown service"},
		{"inverted range", func(c *Config) {
			c.Commands.Routes = append(c.Commands.Routes, RouteConfig{From: 9, To: 2, Service: ServiceGame})
		}, "invalid range"},
		{"discover without etcd", func(c *Config) { c.Services[0].Discover = true }, "etcd_endpoints"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHotReloadManager_UpdateConfig(t *testing.T) {
	var applied *Config
	h := NewHotReloadManager(Default(), func(cfg *Config) error {
		applied = cfg
		return nil
	})

	next := Default()
	next.Router.CompletionWindow = 80 * time.Millisecond
	if err := h.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if applied != next || h.GetConfig() != next {
		t.Error("Expected new configuration to be applied")
	}

	bad := Default()
	bad.Router.RequestTimeout = 0
	if err := h.UpdateConfig(bad); err == nil {
		t.Error("Expected invalid configuration to be rejected")
	}
	if h.GetConfig() != next {
		t.Error("Rejected configuration must not replace the current one")
	}
}
