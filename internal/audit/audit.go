// Package audit records security events. Recording is fire-and-forget: it
// never blocks the caller and its failures never propagate.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pairgate/pairgate/internal/db"
	"github.com/pairgate/pairgate/internal/models"
	"go.uber.org/zap"
)

// Severity levels for audit events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event types emitted by the admission path.
const (
	EventPairingInitiated = "pairing_initiated"
	EventPairingVerified  = "pairing_verified"
	EventPairingFailed    = "pairing_failed"
	EventPairingExpired   = "pairing_expired"
	EventPairingRevoked   = "pairing_revoked"
	EventTokenRotated     = "token_rotated"
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"
	EventClientBlocked    = "client_blocked"
)

// Sink receives audit events. Implementations must not block.
type Sink interface {
	Log(eventType, deviceID, severity string, details map[string]string)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Log(string, string, string, map[string]string) {}

const bufferSize = 256

// Recorder buffers events on a channel and writes them to sqlite from a
// single worker. When the buffer is full events are dropped and counted.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger

	ch      chan models.AuditEvent
	dropped atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRecorder(database *sql.DB, logger *zap.Logger) *Recorder {
	return &Recorder{
		db:     database,
		logger: logger,
		ch:     make(chan models.AuditEvent, bufferSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the write worker.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case e := <-r.ch:
				r.write(&e)
			case <-ctx.Done():
				r.drain()
				return
			case <-r.stop:
				r.drain()
				return
			}
		}
	}()
}

// Stop flushes buffered events and joins the worker.
func (r *Recorder) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Log enqueues an event. It never blocks; on overflow the event is dropped.
func (r *Recorder) Log(eventType, deviceID, severity string, details map[string]string) {
	detailsJSON := "{}"
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			detailsJSON = string(data)
		}
	}

	e := models.AuditEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		DeviceID:   deviceID,
		Severity:   severity,
		Details:    detailsJSON,
		OccurredAt: time.Now().Unix(),
	}

	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to buffer overflow.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.ch:
			r.write(&e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e *models.AuditEvent) {
	if err := db.InsertAuditEvent(r.db, e); err != nil {
		r.logger.Warn("audit event write failed",
			zap.String("event_type", e.EventType),
			zap.Error(err))
	}
}
