package service

import (
	"sort"
	"sync"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/metrics"
)

// Info is a snapshot of one directory slot
type Info struct {
	Name         string    `json:"name"`
	RemoteAddr   string    `json:"remote_addr"`
	RegisteredAt time.Time `json:"registered_at"`
	Pending      int       `json:"pending"`
}

// Directory maps service names to their live connection, at most one per name
type Directory struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		conns: make(map[string]*Connection),
	}
}

// Get returns the live connection for a service
func (d *Directory) Get(name string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[name]
	return c, ok
}

// Put installs c under its registered name and returns the connection it
// replaced, if any. The caller is responsible for closing the replaced one.
func (d *Directory) Put(c *Connection) *Connection {
	name := c.Name()

	d.mu.Lock()
	old := d.conns[name]
	d.conns[name] = c
	d.mu.Unlock()

	metrics.ServiceRegistered.WithLabelValues(name).Set(1)
	if old == c {
		return nil
	}
	return old
}

// Remove clears the slot only if it still holds c, so a connection that was
// replaced cannot evict its successor
func (d *Directory) Remove(c *Connection) bool {
	name := c.Name()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[name] != c {
		return false
	}
	delete(d.conns, name)
	metrics.ServiceRegistered.WithLabelValues(name).Set(0)
	return true
}

// Snapshot returns every slot ordered by name
func (d *Directory) Snapshot() []Info {
	d.mu.RLock()
	conns := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.RUnlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, Info{
			Name:         c.Name(),
			RemoteAddr:   c.RemoteAddr(),
			RegisteredAt: c.RegisteredAt(),
			Pending:      c.PendingCount(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CloseAll closes every registered connection
func (d *Directory) CloseAll(err error) {
	d.mu.RLock()
	conns := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.RUnlock()

	for _, c := range conns {
		c.Close(err)
	}
}
