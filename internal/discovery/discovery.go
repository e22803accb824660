// Package discovery resolves the address the gateway dials for a backend
// service, either from static configuration or from etcd.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrNoInstances is returned when a service has nothing registered
var ErrNoInstances = errors.New("no instances registered")

// Resolver returns the current dial address of a service
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Static always resolves to a fixed address
type Static string

// Resolve returns the configured address
func (s Static) Resolve(ctx context.Context, service string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: %s has no dial address", ErrNoInstances, service)
	}
	return string(s), nil
}

// Instance is the value stored under <prefix>/<service>/<addr>
type Instance struct {
	Addr   string `json:"addr"`
	Weight int    `json:"weight,omitempty"`
}

// Etcd resolves services registered in etcd under <prefix>/<service>/
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd connects to etcd
func NewEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Etcd{client: c, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

// Resolve returns the first registered instance of service
func (e *Etcd) Resolve(ctx context.Context, service string) (string, error) {
	key := e.prefix + "/" + service + "/"
	resp, err := e.client.Get(ctx, key, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return "", fmt.Errorf("failed to query etcd for %s: %w", service, err)
	}

	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	instances := parseInstances(values)
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstances, service)
	}
	return instances[0].Addr, nil
}

// Close closes the etcd client
func (e *Etcd) Close() error {
	return e.client.Close()
}

// parseInstances accepts JSON instances or bare "host:port" values and skips
// anything else
func parseInstances(values [][]byte) []Instance {
	instances := make([]Instance, 0, len(values))
	for _, v := range values {
		var inst Instance
		if err := json.Unmarshal(v, &inst); err == nil {
			if inst.Addr != "" {
				instances = append(instances, inst)
			}
			continue
		}
		if addr := strings.TrimSpace(string(v)); strings.Contains(addr, ":") {
			instances = append(instances, Instance{Addr: addr})
		}
	}
	return instances
}
