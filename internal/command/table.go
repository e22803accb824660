// Package command holds the declarative opcode tables: which backend service a
// commandId is routed to, and which policy correlates backend frames carrying
// that commandId with in-flight requests.
package command

import (
	"sync"

	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
)

// Policy selects how an inbound backend frame finds its pending request
type Policy int

const (
	// DefaultBySubject matches the oldest pending request with the same subjectId, any commandId
	DefaultBySubject Policy = iota

	// FifoByOpcode matches the oldest unanswered pending request with the same commandId, subjectId ignored
	FifoByOpcode

	// CrossFamilyBySubject matches combat notifications to combat requests by subjectId
	CrossFamilyBySubject
)

func (p Policy) String() string {
	switch p {
	case FifoByOpcode:
		return "fifo_by_opcode"
	case CrossFamilyBySubject:
		return "cross_family_by_subject"
	default:
		return "default_by_subject"
	}
}

// Key identifies a pending request for matching purposes
type Key struct {
	CommandID uint32
	SubjectID uint32

	// Replied is set once a frame carrying the request's own commandId was matched
	Replied bool
}

// Route maps an inclusive commandId range to a service
type Route struct {
	From    uint32
	To      uint32
	Service string
}

// Table resolves services and match policies for commandIds.
// Static routes come from configuration; overrides (single commandIds) can be
// replaced at runtime and take precedence.
type Table struct {
	defaultService   string
	disconnectNotify uint32
	routes           []Route

	fifo          map[uint32]bool
	combatRequest map[uint32]bool
	combatNotify  map[uint32]bool

	mu        sync.RWMutex
	overrides map[uint32]string
}

// NewTable creates a table from configuration
func NewTable(cfg *config.CommandConfig) *Table {
	t := &Table{
		defaultService:   cfg.DefaultService,
		disconnectNotify: cfg.DisconnectNotify,
		fifo:             toSet(cfg.Fifo),
		combatRequest:    toSet(cfg.CombatRequests),
		combatNotify:     toSet(cfg.CombatNotifications),
		overrides:        make(map[uint32]string),
	}
	for _, r := range cfg.Routes {
		t.routes = append(t.routes, Route{From: r.From, To: r.To, Service: r.Service})
	}
	return t
}

func toSet(ids []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// Service returns the service a commandId is routed to
func (t *Table) Service(commandID uint32) (string, bool) {
	t.mu.RLock()
	svc, ok := t.overrides[commandID]
	t.mu.RUnlock()
	if ok {
		return svc, svc != ""
	}

	for _, r := range t.routes {
		if commandID >= r.From && commandID <= r.To {
			return r.Service, true
		}
	}
	return t.defaultService, t.defaultService != ""
}

// SetOverrides replaces every runtime override. An empty service name marks
// the commandId as unroutable.
func (t *Table) SetOverrides(overrides map[uint32]string) {
	next := make(map[uint32]string, len(overrides))
	for id, svc := range overrides {
		next[id] = svc
	}

	t.mu.Lock()
	t.overrides = next
	t.mu.Unlock()
}

// Overrides returns a copy of the runtime overrides
func (t *Table) Overrides() map[uint32]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint32]string, len(t.overrides))
	for id, svc := range t.overrides {
		out[id] = svc
	}
	return out
}

// DisconnectNotify returns the opcode sent when a client with a subject disconnects
func (t *Table) DisconnectNotify() uint32 {
	return t.disconnectNotify
}

// Policy returns the match policy for an inbound frame's commandId
func (t *Table) Policy(commandID uint32) Policy {
	switch {
	case t.fifo[commandID]:
		return FifoByOpcode
	case t.combatRequest[commandID], t.combatNotify[commandID]:
		return CrossFamilyBySubject
	default:
		return DefaultBySubject
	}
}

// Match returns the index of the pending request an inbound frame belongs to,
// or -1. pending must be ordered oldest first.
func (t *Table) Match(f protocol.Frame, pending []Key) int {
	switch t.Policy(f.CommandID) {
	case FifoByOpcode:
		// Each request takes one reply of its own opcode, so back-to-back
		// replies land on back-to-back requests
		for i, k := range pending {
			if k.CommandID == f.CommandID && !k.Replied {
				return i
			}
		}

	case CrossFamilyBySubject:
		if t.combatRequest[f.CommandID] {
			// A request opcode echoing itself
			for i, k := range pending {
				if k.CommandID == f.CommandID && k.SubjectID == f.SubjectID {
					return i
				}
			}
			return -1
		}
		for i, k := range pending {
			if t.combatRequest[k.CommandID] && k.SubjectID == f.SubjectID {
				return i
			}
		}

	default:
		for i, k := range pending {
			if k.SubjectID == f.SubjectID {
				return i
			}
		}
	}
	return -1
}
