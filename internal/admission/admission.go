// Package admission enforces the single-active-connection policy with FIFO
// queuing for devices waiting on a slot.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pairgate/pairgate/internal/fault"
	"github.com/pairgate/pairgate/internal/logging"
	"go.uber.org/zap"
)

// ClientMeta carries transport-level details about an admitted device.
type ClientMeta struct {
	DeviceName  string
	RemoteIP    string
	UserAgent   string
	Fingerprint string
}

// ActiveConnection is a device currently holding a connection slot.
type ActiveConnection struct {
	DeviceID      string
	ConnectionID  string
	Meta          ClientMeta
	EstablishedAt time.Time
	LastHeartbeat time.Time
}

// QueueEntry is a device waiting for a slot, ordered by arrival.
type QueueEntry struct {
	DeviceID string
	Meta     ClientMeta
	QueuedAt time.Time
}

// Outcome of an Admit call.
type Outcome uint8

const (
	Admitted Outcome = iota
	Queued
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Decision is the tagged result of an Admit call. Position is 1-based and
// set only for Queued; Reason is set only for Rejected.
type Decision struct {
	Outcome    Outcome
	Connection *ActiveConnection
	Position   int
	Reason     string
}

// Notifier is the transport collaborator. The controller only guarantees
// queue-order correctness; actually reaching the device is the notifier's
// job. Calls happen outside the controller lock.
type Notifier interface {
	// Promoted tells a queued device its slot is ready.
	Promoted(conn *ActiveConnection)
	// Closed tells a device its connection was torn down.
	Closed(deviceID, reason string)
}

// NopNotifier ignores all notifications.
type NopNotifier struct{}

func (NopNotifier) Promoted(*ActiveConnection) {}
func (NopNotifier) Closed(string, string)      {}

// Stats is a point-in-time snapshot of controller counters.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	MaxConnections    int   `json:"max_connections"`
	QueueLength       int   `json:"queue_length"`
	TotalServed       int64 `json:"total_served"`
	TotalRejected     int64 `json:"total_rejected"`
	TimedOut          int64 `json:"timed_out"`
}

// Options configure a Controller.
type Options struct {
	MaxConnections   int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxConnections <= 0 {
		out.MaxConnections = 1
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 300 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// Controller owns the active-connection set and the wait queue. All mutation
// is serialized through a single mutex; notifier calls happen after the lock
// is released.
type Controller struct {
	opts     Options
	logger   *zap.Logger
	notifier Notifier

	mu     sync.Mutex
	active map[string]*ActiveConnection
	queue  []QueueEntry

	served   int64
	rejected int64
	timedOut int64

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewController(opts Options, notifier Notifier, logger *zap.Logger) *Controller {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Controller{
		opts:     opts.withDefaults(),
		logger:   logger,
		notifier: notifier,
		active:   make(map[string]*ActiveConnection),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Admit grants a slot, queues the device, or rejects a duplicate session.
// Device identity must already be proven by pairing before this is called.
func (c *Controller) Admit(deviceID string, meta ClientMeta) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[deviceID]; ok {
		c.rejected++
		return Decision{Outcome: Rejected, Reason: "device already has an active connection"}
	}

	if len(c.active) < c.opts.MaxConnections {
		conn := *c.registerLocked(deviceID, meta)
		return Decision{Outcome: Admitted, Connection: &conn}
	}

	// At capacity: join or keep the existing queue position.
	for i, entry := range c.queue {
		if entry.DeviceID == deviceID {
			return Decision{Outcome: Queued, Position: i + 1}
		}
	}
	c.queue = append(c.queue, QueueEntry{DeviceID: deviceID, Meta: meta, QueuedAt: c.now()})
	pos := len(c.queue)
	c.logger.Info("device queued", logging.DeviceID(deviceID), logging.Position(pos))
	return Decision{Outcome: Queued, Position: pos}
}

// Unregister releases a device's slot and promotes the queue head, if any.
func (c *Controller) Unregister(deviceID string) error {
	c.mu.Lock()
	conn, ok := c.active[deviceID]
	if !ok {
		c.mu.Unlock()
		return fault.New(fault.NotFound, "no active connection for device")
	}
	delete(c.active, deviceID)
	promoted := c.promoteLocked()
	c.mu.Unlock()

	c.logger.Info("connection unregistered",
		logging.DeviceID(deviceID),
		logging.ConnectionID(conn.ConnectionID))
	if promoted != nil {
		c.notifier.Promoted(promoted)
	}
	return nil
}

// Heartbeat refreshes a connection's liveness timestamp.
func (c *Controller) Heartbeat(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.active[deviceID]
	if !ok {
		return fault.New(fault.NotFound, "no active connection for device")
	}
	conn.LastHeartbeat = c.now()
	return nil
}

// ForceDisconnect tears down a device's connection immediately, regardless
// of heartbeat state. Used for revocation-triggered teardown.
func (c *Controller) ForceDisconnect(deviceID, reason string) error {
	c.mu.Lock()
	conn, ok := c.active[deviceID]
	if !ok {
		c.mu.Unlock()
		return fault.New(fault.NotFound, "no active connection for device")
	}
	delete(c.active, deviceID)
	promoted := c.promoteLocked()
	c.mu.Unlock()

	c.logger.Info("connection force-disconnected",
		logging.DeviceID(deviceID),
		logging.ConnectionID(conn.ConnectionID),
		logging.Reason(reason))
	c.notifier.Closed(deviceID, reason)
	if promoted != nil {
		c.notifier.Promoted(promoted)
	}
	return nil
}

// Withdraw removes a device from the wait queue without affecting any
// active connection it might not have.
func (c *Controller) Withdraw(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.queue {
		if entry.DeviceID == deviceID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Connection returns the active connection for a device, or nil.
func (c *Controller) Connection(deviceID string) *ActiveConnection {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.active[deviceID]
	if !ok {
		return nil
	}
	snapshot := *conn
	return &snapshot
}

// Connections returns a snapshot of all active connections.
func (c *Controller) Connections() []ActiveConnection {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ActiveConnection, 0, len(c.active))
	for _, conn := range c.active {
		out = append(out, *conn)
	}
	return out
}

// QueueSnapshot returns the wait queue in promotion order.
func (c *Controller) QueueSnapshot() []QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]QueueEntry, len(c.queue))
	copy(out, c.queue)
	return out
}

// QueuePosition returns the 1-based queue position for a device, or 0 if it
// is not queued.
func (c *Controller) QueuePosition(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.queue {
		if entry.DeviceID == deviceID {
			return i + 1
		}
	}
	return 0
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		ActiveConnections: len(c.active),
		MaxConnections:    c.opts.MaxConnections,
		QueueLength:       len(c.queue),
		TotalServed:       c.served,
		TotalRejected:     c.rejected,
		TimedOut:          c.timedOut,
	}
}

// Start launches the heartbeat-timeout sweep.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop cancels the sweep, waits for it, and sends a close notice for every
// connection still active.
func (c *Controller) Stop() {
	close(c.stop)
	c.wg.Wait()

	c.mu.Lock()
	remaining := make([]string, 0, len(c.active))
	for deviceID := range c.active {
		remaining = append(remaining, deviceID)
	}
	c.active = make(map[string]*ActiveConnection)
	c.queue = nil
	c.mu.Unlock()

	for _, deviceID := range remaining {
		c.notifier.Closed(deviceID, "server shutdown")
	}
}

// sweep force-unregisters connections whose heartbeat lapsed. Each pass is
// complete and independent so cancellation between passes is safe.
func (c *Controller) sweep() {
	now := c.now()

	c.mu.Lock()
	var stale []*ActiveConnection
	for deviceID, conn := range c.active {
		if now.Sub(conn.LastHeartbeat) > c.opts.HeartbeatTimeout {
			stale = append(stale, conn)
			delete(c.active, deviceID)
			c.timedOut++
		}
	}
	var promoted []*ActiveConnection
	for range stale {
		if p := c.promoteLocked(); p != nil {
			promoted = append(promoted, p)
		}
	}
	c.mu.Unlock()

	for _, conn := range stale {
		c.logger.Warn("connection timed out",
			logging.DeviceID(conn.DeviceID),
			logging.ConnectionID(conn.ConnectionID))
		c.notifier.Closed(conn.DeviceID, "heartbeat timeout")
	}
	for _, conn := range promoted {
		c.notifier.Promoted(conn)
	}
}

// promoteLocked pops the queue head into the active set if a slot is free.
// Promotion is strict FIFO by arrival; no priority reordering.
func (c *Controller) promoteLocked() *ActiveConnection {
	if len(c.active) >= c.opts.MaxConnections || len(c.queue) == 0 {
		return nil
	}
	entry := c.queue[0]
	c.queue = c.queue[1:]
	conn := c.registerLocked(entry.DeviceID, entry.Meta)
	c.logger.Info("queued device promoted", logging.DeviceID(entry.DeviceID))
	snapshot := *conn
	return &snapshot
}

func (c *Controller) registerLocked(deviceID string, meta ClientMeta) *ActiveConnection {
	now := c.now()
	conn := &ActiveConnection{
		DeviceID:      deviceID,
		ConnectionID:  "conn_" + uuid.NewString(),
		Meta:          meta,
		EstablishedAt: now,
		LastHeartbeat: now,
	}
	c.active[deviceID] = conn
	c.served++
	return conn
}
