package om

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		BatchSize:            32,
		BatchTimeout:         5 * time.Millisecond,
		MaxQueueSize:         4,
		CompressionThreshold: 0,
		MaxChunkSize:         8192,
		WriteTimeout:         time.Second,
	}
}

func newTestOM(t *testing.T) (*OM, net.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	o := New(testConfig(), zerolog.Nop(), nil)
	return o, server, client
}

func TestEnqueueUnknownSlotReportsDrop(t *testing.T) {
	o := New(testConfig(), zerolog.Nop(), nil)
	if err := o.Enqueue(99, []byte("x"), PriorityNormal); err == nil {
		t.Fatalf("expected error for unregistered slot")
	}
}

func TestEnqueuePriorityFlushesImmediately(t *testing.T) {
	o, server, client := newTestOM(t)
	o.Register(1, server)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if err := o.Enqueue(1, []byte("+OK\r\n"), PriorityHigh); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "+OK\r\n" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for immediate flush")
	}
}

func TestEnqueueNormalBatchesOnTimeout(t *testing.T) {
	o, server, client := newTestOM(t)
	o.Register(1, server)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if err := o.Enqueue(1, []byte("+OK\r\n"), PriorityNormal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "+OK\r\n" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for batch flush")
	}
}

func TestQueueFullDropsOldestLow(t *testing.T) {
	o, server, _ := newTestOM(t)
	slot := o.Register(1, server)

	// Fill the queue with LOW messages without a reader draining them,
	// so nothing flushes and the queue genuinely fills up.
	slot.mu.Lock()
	slot.queues[PriorityLow] = []queuedMessage{{payload: []byte("a")}, {payload: []byte("b")}, {payload: []byte("c")}, {payload: []byte("d")}}
	slot.mu.Unlock()

	if len(slot.queues[PriorityLow]) != 4 {
		t.Fatalf("setup: expected 4 queued")
	}

	slot.mu.Lock()
	made := slot.makeRoomLocked(PriorityLow)
	slot.mu.Unlock()
	if !made {
		t.Fatalf("expected room to be made by dropping oldest low")
	}
	if got := len(slot.queues[PriorityLow]); got != 3 {
		t.Fatalf("expected 3 low messages left after the drop, got %d", got)
	}
	if got := string(slot.queues[PriorityLow][0].payload); got != "b" {
		t.Fatalf("expected oldest low %q dropped, queue head is now %q", "a", got)
	}
}

func TestBroadcastSmallFanout(t *testing.T) {
	o := New(testConfig(), zerolog.Nop(), nil)
	var ids []uint64
	for i := uint64(1); i <= 5; i++ {
		server, client := net.Pipe()
		defer client.Close()
		o.Register(i, server)
		ids = append(ids, i)
		go func(c net.Conn) {
			buf := make([]byte, 64)
			for {
				if _, err := c.Read(buf); err != nil {
					return
				}
			}
		}(client)
	}

	succeeded, failed := o.Broadcast(ids, []byte("+OK\r\n"), PriorityHigh)
	if failed != 0 {
		t.Fatalf("expected no failures, got %d", failed)
	}
	if succeeded != 5 {
		t.Fatalf("expected 5 successes, got %d", succeeded)
	}
}

func TestBackpressureTeardownAfterThreshold(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	cfg := testConfig()
	cfg.MaxConsecutiveBackpressure = 2
	o := New(cfg, zerolog.Nop(), nil)
	slot := o.Register(1, server)

	// onBackpressure is called directly, standing in for three flushes
	// whose writes timed out; it should tear the slot down once the
	// count exceeds cfg.MaxConsecutiveBackpressure.
	for i := 0; i < 3; i++ {
		slot.onBackpressure()
	}

	if _, ok := o.Slot(1); ok {
		t.Fatalf("expected slot to be torn down after repeated backpressure")
	}
}

func TestHealthStartsHealthy(t *testing.T) {
	o, server, _ := newTestOM(t)
	slot := o.Register(1, server)
	if slot.Health() != HealthHealthy {
		t.Fatalf("expected healthy, got %v", slot.Health())
	}
}

func TestChunkPayloadSplitsAndPreservesBytes(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks := chunkPayload(payload, 30)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	var rebuilt []byte
	for _, c := range chunks {
		rebuilt = append(rebuilt, c...)
	}
	if len(rebuilt) != len(payload) {
		t.Fatalf("length mismatch after rebuild")
	}
	for i := range payload {
		if rebuilt[i] != payload[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestCompressRoundTripsThroughDecompress(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('a' + i%5) // compressible pattern
	}
	data, compressed := compressForQueue(payload, 100)
	if !compressed {
		t.Fatalf("expected highly repetitive payload to compress")
	}
	out, err := decompressIfNeeded(queuedMessage{payload: data, compressed: true})
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(out) != len(payload) {
		t.Fatalf("round trip length mismatch: got %d want %d", len(out), len(payload))
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("byte %d mismatch after compression round trip", i)
		}
	}
}
