// Package om implements the per-connection output multiplexer
// (spec.md §4.3): bounded priority queues, batching, a drop policy
// under backpressure, optional internal compression, oversized-payload
// chunking, and periodic health/metrics sweeps.
//
// The queueing and slow-client bookkeeping is adapted from the
// teacher's Client/send-channel design (src/connection.go,
// src/message.go): three priority tiers replace the single send
// channel, and the "3 consecutive failures disconnects" rule becomes
// this package's consecutive-error health transition.
package om

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Priority is the OM's three-tier delivery priority (spec.md §4.3).
// The spec names the tiers PRIORITY, NORMAL, LOW in descending
// importance; PriorityHigh is the one the spec text calls "PRIORITY"
// (kept distinct from the Go keyword-adjacent "priority").
type Priority int

const (
	PriorityLow    Priority = iota // drop first under pressure
	PriorityNormal                 // default tier
	PriorityHigh                   // flushed immediately, never dropped ahead of Normal/Low
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "priority"
	default:
		return "unknown"
	}
}

// Health labels a slot's condition for operators (spec.md §4.3).
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthOverloaded
	HealthUnhealthy
	HealthStale
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthOverloaded:
		return "overloaded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Drop reasons reported to callers and metrics.
const (
	ReasonSocketNotRegistered = "socket_not_registered"
	ReasonQueueFull           = "queue_full"
)

// Config tunes batching, drop, compression and chunk behavior.
type Config struct {
	BatchSize             int
	BatchTimeout          time.Duration
	MaxQueueSize          int
	CompressionThreshold  int
	MaxChunkSize          int
	WriteTimeout          time.Duration
	MaxBroadcastPerSecond int
	// MaxConsecutiveBackpressure is how many flush attempts in a row
	// may stall on backpressure before the slot is torn down rather
	// than left to queue forever (SPEC_FULL.md's supplemented
	// "stalled socket" feature).
	MaxConsecutiveBackpressure int
}

// Metrics is the subset of counters the OM reports; the server wires
// a Prometheus-backed implementation (internal/metrics).
type Metrics interface {
	ObserveEnqueue(priority Priority)
	ObserveDrop(reason string)
	ObserveFlush(d time.Duration)
	SetQueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEnqueue(Priority)    {}
func (noopMetrics) ObserveDrop(string)         {}
func (noopMetrics) ObserveFlush(time.Duration) {}
func (noopMetrics) SetQueueDepth(int)          {}

type queuedMessage struct {
	payload    []byte
	compressed bool
}

// Slot is the per-connection state the spec calls the "OM slot":
// three FIFO queues, a flushing flag, a batch timer, and health
// counters (spec.md §3).
type Slot struct {
	id   uint64
	conn net.Conn
	cfg  Config
	log  zerolog.Logger
	met  Metrics

	mu       sync.Mutex
	queues   [3][]queuedMessage // indexed by Priority
	flushing bool
	timer    *time.Timer
	closed   bool

	messagesQueued uint64
	bytesQueued    uint64
	messagesSent   uint64
	bytesSent      uint64

	consecutiveErrors       int32
	consecutiveBackpressure int32
	slowFlushCount          int32
	queueFullCount          int32
	lastActivity            atomic.Value // time.Time
	healthMu          sync.Mutex
	health            Health

	onClose func(id uint64)
}

func newSlot(id uint64, conn net.Conn, cfg Config, log zerolog.Logger, met Metrics, onClose func(uint64)) *Slot {
	s := &Slot{
		id:      id,
		conn:    conn,
		cfg:     cfg,
		log:     log,
		met:     met,
		health:  HealthHealthy,
		onClose: onClose,
	}
	s.lastActivity.Store(time.Now())
	return s
}

func (s *Slot) totalQueuedLocked() int {
	return len(s.queues[PriorityHigh]) + len(s.queues[PriorityNormal]) + len(s.queues[PriorityLow])
}

// OM is the output multiplexer: a registry of slots keyed by
// connection id, plus the shared config, logger, metrics sink and
// broadcast rate limiter (grounded in src/resource_guard.go's
// broadcastLimiter).
type OM struct {
	cfg Config
	log zerolog.Logger
	met Metrics

	mu    sync.RWMutex
	slots map[uint64]*Slot

	broadcastLimiter *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an OM. Pass a nil Metrics to use a no-op sink (tests).
func New(cfg Config, log zerolog.Logger, met Metrics) *OM {
	if met == nil {
		met = noopMetrics{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 8192
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 200 * time.Millisecond
	}
	if cfg.MaxConsecutiveBackpressure <= 0 {
		cfg.MaxConsecutiveBackpressure = 3
	}
	rps := cfg.MaxBroadcastPerSecond
	if rps <= 0 {
		rps = 5000
	}
	return &OM{
		cfg:              cfg,
		log:              log,
		met:              met,
		slots:            make(map[uint64]*Slot),
		broadcastLimiter: rate.NewLimiter(rate.Limit(rps), rps*2),
		stopCh:           make(chan struct{}),
	}
}

// Register creates and returns a new slot for conn under id. Callers
// must Unregister on connection close.
func (o *OM) Register(id uint64, conn net.Conn) *Slot {
	slot := newSlot(id, conn, o.cfg, o.log, o.met, o.unregisterLocked)
	o.mu.Lock()
	o.slots[id] = slot
	o.mu.Unlock()
	return slot
}

// Unregister removes and tears down the slot for id, if any.
func (o *OM) Unregister(id uint64) {
	o.mu.Lock()
	slot, ok := o.slots[id]
	delete(o.slots, id)
	o.mu.Unlock()
	if ok {
		slot.teardown()
	}
}

func (o *OM) unregisterLocked(id uint64) {
	o.mu.Lock()
	delete(o.slots, id)
	o.mu.Unlock()
}

// Slot looks up a registered slot by id.
func (o *OM) Slot(id uint64) (*Slot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.slots[id]
	return s, ok
}

// Enqueue delivers payload to the slot registered under id at the
// given priority (spec.md §4.3 enqueue policy step 1: unknown slot is
// a reported drop, not an error the caller must handle specially).
func (o *OM) Enqueue(id uint64, payload []byte, priority Priority) error {
	slot, ok := o.Slot(id)
	if !ok {
		o.met.ObserveDrop(ReasonSocketNotRegistered)
		return fmt.Errorf("om: %s", ReasonSocketNotRegistered)
	}
	return slot.Enqueue(payload, priority)
}

// Broadcast fans payload out to every id in ids at priority. For
// ids <= 100 it enqueues synchronously; for more, it processes in
// chunks of 50 with a yield between chunks (spec.md §4.3 Broadcast).
func (o *OM) Broadcast(ids []uint64, payload []byte, priority Priority) (succeeded, failed int) {
	if !o.broadcastLimiter.Allow() {
		return 0, len(ids)
	}
	const chunkSize = 50
	deliver := func(batch []uint64) {
		for _, id := range batch {
			if err := o.Enqueue(id, payload, priority); err != nil {
				failed++
			} else {
				succeeded++
			}
		}
	}
	if len(ids) <= 100 {
		deliver(ids)
		return succeeded, failed
	}
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		deliver(ids[i:end])
		runtime.Gosched()
	}
	return succeeded, failed
}

// Close stops background sweeps and tears down every registered slot.
func (o *OM) Close() {
	close(o.stopCh)
	o.wg.Wait()
	o.mu.Lock()
	slots := make([]*Slot, 0, len(o.slots))
	for _, s := range o.slots {
		slots = append(slots, s)
	}
	o.slots = make(map[uint64]*Slot)
	o.mu.Unlock()
	for _, s := range slots {
		s.teardown()
	}
}

// compressForQueue shrinks payload using s2 if it is worth keeping
// compressed while queued; the OM always decompresses before the
// bytes reach the socket, so compression never changes what a RESP
// client observes on the wire (spec.md §4.5 scopes compression as
// OM-internal).
func compressForQueue(payload []byte, threshold int) (data []byte, compressed bool) {
	if threshold <= 0 || len(payload) < threshold {
		return payload, false
	}
	enc := s2.Encode(nil, payload)
	if len(enc) < (len(payload)*80)/100 {
		return enc, true
	}
	return payload, false
}

func decompressIfNeeded(m queuedMessage) ([]byte, error) {
	if !m.compressed {
		return m.payload, nil
	}
	return s2.Decode(nil, m.payload)
}
