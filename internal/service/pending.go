package service

import (
	"time"

	"github.com/SkynetNext/relay-gateway/internal/command"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
)

// Reason explains why a pending request was resolved
type Reason int

const (
	// ReasonComplete means the completion window elapsed after the last matched frame
	ReasonComplete Reason = iota

	// ReasonTimeout means the absolute request timeout fired
	ReasonTimeout

	// ReasonWriteFailed means the request could not be written to the backend
	ReasonWriteFailed

	// ReasonDisconnected means the backend connection closed while the request was in flight
	ReasonDisconnected
)

func (r Reason) String() string {
	switch r {
	case ReasonComplete:
		return "complete"
	case ReasonTimeout:
		return "timeout"
	case ReasonWriteFailed:
		return "write_failed"
	case ReasonDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Timings controls how long a request may stay pending
type Timings struct {
	// RequestTimeout bounds the whole request
	RequestTimeout time.Duration

	// CompletionWindow is the idle period after the last matched frame
	CompletionWindow time.Duration
}

// Result is delivered exactly once per pending request
type Result struct {
	Frames  []protocol.Frame
	Reason  Reason
	Elapsed time.Duration
}

// PendingRequest is one forwarded client frame waiting for backend frames.
// All mutable fields are guarded by the owning Connection's mutex.
type PendingRequest struct {
	Key         command.Key
	Seq         uint64
	SubmittedAt time.Time

	timings    Timings
	responses  []protocol.Frame
	replied    bool
	absolute   *time.Timer
	completion *time.Timer
	generation uint64
	done       bool
	result     chan Result
}

func newPendingRequest(key command.Key, seq uint64, timings Timings) *PendingRequest {
	return &PendingRequest{
		Key:         key,
		Seq:         seq,
		SubmittedAt: time.Now(),
		timings:     timings,
		result:      make(chan Result, 1),
	}
}

// Done returns a channel that receives the result once. The channel is
// buffered so resolution never waits for a reader that has gone away.
func (p *PendingRequest) Done() <-chan Result {
	return p.result
}

// Wait blocks until the request is resolved
func (p *PendingRequest) Wait() Result {
	return <-p.result
}

func (p *PendingRequest) stopTimers() {
	if p.absolute != nil {
		p.absolute.Stop()
	}
	if p.completion != nil {
		p.completion.Stop()
	}
}
