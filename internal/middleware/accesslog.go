package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccessLogEntry represents one forwarded client request
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	CommandID  uint32    `json:"command_id"`
	SubjectID  uint32    `json:"subject_id"`
	Service    string    `json:"service,omitempty"`
	Frames     int       `json:"frames"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // complete, timeout, write_failed, disconnected, unroutable, not_registered, canceled
	Error      string    `json:"error,omitempty"`
}

func (e *AccessLogEntry) fields() []zap.Field {
	fields := []zap.Field{
		logger.Command(e.CommandID),
		logger.Subject(e.SubjectID),
		zap.Int("frames", e.Frames),
		zap.Int64("duration_ms", e.DurationMs),
		zap.String("status", e.Status),
	}
	if e.Service != "" {
		fields = append(fields, logger.Service(e.Service))
	}
	if e.RemoteAddr != "" {
		fields = append(fields, zap.String("remote_addr", e.RemoteAddr))
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		fields = append(fields, zap.String("span_id", e.SpanID))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	return fields
}

// AccessLogger handles access log recording with batching support
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

var globalAccessLogger atomic.Pointer[AccessLogger]

// InitAccessLogger initializes the global access logger
// batchSize: number of logs to accumulate before flushing
// flushInterval: maximum time to wait before flushing
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	al := &AccessLogger{
		logChan:       make(chan *AccessLogEntry, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	if !globalAccessLogger.CompareAndSwap(nil, al) {
		return
	}
	al.start()
}

// LogAccess records an access log entry.
// Non-blocking: if the buffer is full the entry is dropped.
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	al := globalAccessLogger.Load()
	if al == nil {
		logger.L.Info("access_log", entry.fields()...)
		return
	}

	select {
	case al.logChan <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry",
			logger.Command(entry.CommandID),
			logger.Subject(entry.SubjectID),
		)
	}
}

func (al *AccessLogger) start() {
	al.wg.Add(1)
	go al.processBatches()
}

func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			// Drain whatever is still queued
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
				default:
					al.flushBatch(batch)
					return
				}
			}
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		logger.L.Info("access_log", entry.fields()...)
	}
}

// ShutdownAccessLogger flushes queued entries and stops the batcher.
// Later entries are logged directly until InitAccessLogger runs again.
func ShutdownAccessLogger() {
	if al := globalAccessLogger.Swap(nil); al != nil {
		close(al.stopChan)
		al.wg.Wait()
	}
}
