package om

import (
	"sync/atomic"
	"time"

	"github.com/adred-codev/resp-kv-server/internal/logging"
)

// Enqueue applies the drop policy, optional compression/chunking, and
// schedules (or triggers) a flush (spec.md §4.3 enqueue policy).
func (s *Slot) Enqueue(payload []byte, priority Priority) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.met.ObserveDrop(ReasonSocketNotRegistered)
		return errClosed
	}

	if s.totalQueuedLocked() >= s.cfg.MaxQueueSize {
		if !s.makeRoomLocked(priority) {
			s.mu.Unlock()
			atomic.AddInt32(&s.queueFullCount, 1)
			s.met.ObserveDrop(ReasonQueueFull)
			s.recomputeHealth()
			return errQueueFull
		}
	}

	// spec.md §4.3 step 3 / §4.5: compress the whole payload first, then
	// chunk whatever is left over maxChunkSize. A compressed blob can
	// only be decoded as a whole stream, so if compression didn't bring
	// it under maxChunkSize on its own, chunking it further would
	// produce fragments flush can't individually decompress — fall back
	// to chunking the original bytes in that case instead.
	body, compressed := compressForQueue(payload, s.cfg.CompressionThreshold)
	if compressed && len(body) > s.cfg.MaxChunkSize {
		body, compressed = payload, false
	}
	for _, chunk := range chunkPayload(body, s.cfg.MaxChunkSize) {
		s.queues[priority] = append(s.queues[priority], queuedMessage{payload: chunk, compressed: compressed})
		s.messagesQueued++
	}
	s.bytesQueued += uint64(len(payload))
	s.lastActivity.Store(time.Now())
	s.met.ObserveEnqueue(priority)
	s.met.SetQueueDepth(s.totalQueuedLocked())

	immediate := priority == PriorityHigh
	var timerToStop *time.Timer
	if immediate {
		timerToStop = s.timer
		s.timer = nil
	} else if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.BatchTimeout, func() {
			defer logging.RecoverAndLog(s.log, "om_batch_flush")
			s.flush()
		})
	}
	s.mu.Unlock()
	if timerToStop != nil {
		timerToStop.Stop()
	}

	if immediate {
		s.flush()
	}
	return nil
}

// makeRoomLocked implements spec.md §4.3 step 2's drop policy. Caller
// holds s.mu.
func (s *Slot) makeRoomLocked(incoming Priority) bool {
	if len(s.queues[PriorityLow]) > 0 {
		s.queues[PriorityLow] = s.queues[PriorityLow][1:]
		return true
	}
	if incoming == PriorityLow {
		return false
	}
	if len(s.queues[PriorityNormal]) > 2*len(s.queues[PriorityHigh]) && len(s.queues[PriorityNormal]) > 0 {
		s.queues[PriorityNormal] = s.queues[PriorityNormal][1:]
		return true
	}
	return false
}

// flush drains queues priority-first, stopping at the first socket
// backpressure signal (spec.md §4.3 flush policy). Only one flush
// runs per slot at a time.
func (s *Slot) flush() {
	s.mu.Lock()
	if s.flushing || s.closed {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.mu.Unlock()

	start := time.Now()
	sent := 0
	for tier := PriorityHigh; ; tier-- {
		for {
			s.mu.Lock()
			if len(s.queues[tier]) == 0 || s.closed {
				s.mu.Unlock()
				break
			}
			msg := s.queues[tier][0]
			s.mu.Unlock()

			data, err := decompressIfNeeded(msg)
			if err == nil {
				err = s.write(data)
			}
			if err != nil {
				if err == errBackpressure {
					s.onBackpressure()
					goto done
				}
				s.onWriteError(err)
				goto done
			}

			s.mu.Lock()
			s.queues[tier] = s.queues[tier][1:]
			s.messagesSent++
			s.bytesSent += uint64(len(data))
			s.mu.Unlock()
			// A successful write ends any run of errors or stalls.
			atomic.StoreInt32(&s.consecutiveErrors, 0)
			atomic.StoreInt32(&s.consecutiveBackpressure, 0)
			sent++
			if s.cfg.BatchSize > 0 && sent >= s.cfg.BatchSize {
				goto done
			}
		}
		if tier == PriorityLow {
			break
		}
	}

done:
	d := time.Since(start)
	s.met.ObserveFlush(d)
	if d > 100*time.Millisecond {
		atomic.AddInt32(&s.slowFlushCount, 1)
	}
	s.lastActivity.Store(time.Now())

	s.mu.Lock()
	s.flushing = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	remaining := s.totalQueuedLocked()
	if remaining > 0 && !s.closed {
		// Messages left behind (BatchSize reached, backpressure, a write
		// error, or an enqueue that arrived mid-flush) get another flush
		// one batch interval from now.
		s.timer = time.AfterFunc(s.cfg.BatchTimeout, func() {
			defer logging.RecoverAndLog(s.log, "om_batch_flush")
			s.flush()
		})
	}
	s.met.SetQueueDepth(remaining)
	s.mu.Unlock()

	s.recomputeHealth()
}

// write attempts a single socket write, using WriteTimeout as the
// backpressure signal a raw net.Conn has no explicit drain event for.
func (s *Slot) write(data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err := s.conn.Write(data)
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return errBackpressure
		}
		return err
	}
	return nil
}

// onBackpressure leaves the message at the queue head — a later flush
// (triggered by the batch timer, or the next enqueue) retries it — but
// a socket that stalls on backpressure for more than
// MaxConsecutiveBackpressure flushes in a row (with no successful write
// in between) is torn down rather than left to queue forever.
func (s *Slot) onBackpressure() {
	atomic.AddInt32(&s.consecutiveBackpressure, 1)
	s.recomputeHealth()
	if atomic.LoadInt32(&s.consecutiveBackpressure) > int32(s.cfg.MaxConsecutiveBackpressure) {
		s.teardown()
	}
}

func (s *Slot) onWriteError(err error) {
	atomic.AddInt32(&s.consecutiveErrors, 1)
	s.recomputeHealth()
	if atomic.LoadInt32(&s.consecutiveErrors) > 3 {
		s.teardown()
	}
}

// recomputeHealth applies the transitions in spec.md §4.3.
func (s *Slot) recomputeHealth() {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	last, _ := s.lastActivity.Load().(time.Time)
	idle := time.Since(last)

	switch {
	case atomic.LoadInt32(&s.consecutiveErrors) > 3:
		s.health = HealthUnhealthy
	case atomic.LoadInt32(&s.queueFullCount) > 3:
		s.health = HealthOverloaded
	case atomic.LoadInt32(&s.slowFlushCount) > 5:
		s.health = HealthDegraded
	case idle > 5*time.Minute:
		s.health = HealthStale
	default:
		s.health = HealthHealthy
	}
}

// Health returns the slot's current label.
func (s *Slot) Health() Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

// Stats is a snapshot of a slot's counters, used by CLIENT LIST and
// the periodic metrics report (spec.md §4.3).
type Stats struct {
	MessagesQueued uint64
	BytesQueued    uint64
	MessagesSent   uint64
	BytesSent      uint64
	QueueDepth     int
	Health         Health
}

// Stats returns a point-in-time snapshot of the slot's counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		MessagesQueued: s.messagesQueued,
		BytesQueued:    s.bytesQueued,
		MessagesSent:   s.messagesSent,
		BytesSent:      s.bytesSent,
		QueueDepth:     s.totalQueuedLocked(),
		Health:         s.Health(),
	}
}

// teardown closes the underlying connection and removes the slot from
// its OM's registry. Safe to call multiple times.
func (s *Slot) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s.id)
	}
}
