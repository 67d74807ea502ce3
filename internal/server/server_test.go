package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resp-kv-server/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                         0,
		MetricsAddr:                  ":0",
		MaxConnections:               1000,
		OMBatchSize:                  32,
		OMBatchTimeout:               5 * time.Millisecond,
		OMMaxQueueSize:               1000,
		OMCompressionThreshold:       1024,
		OMMaxChunkSize:               8192,
		OMMaxBroadcastPerSecond:      5000,
		OMWriteTimeout:               time.Second,
		OMMaxConsecutiveBackpressure: 3,
		BrokerLargeChannelThreshold:  100,
		BrokerBufferFlushInterval:    5 * time.Millisecond,
		BrokerMaxBufferedMessages:    100,
		HealthSweepInterval:          time.Hour,
		MetricsInterval:              time.Hour,
		LogLevel:                     "info",
		LogFormat:                    "json",
	}
}

func startTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	s := New(testConfig(), zerolog.Nop(), nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}
	return s, cleanup
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, bufio.NewReader(c)
}

func readN(t *testing.T, r *bufio.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPingPong(t *testing.T) {
	s, cleanup := startTestServer(t)
	defer cleanup()

	conn, r := dial(t, s.Addr())
	conn.Write([]byte("PING\r\n"))
	got := readN(t, r, len("+PONG\r\n"))
	if got != "+PONG\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestSetGetDel(t *testing.T) {
	s, cleanup := startTestServer(t)
	defer cleanup()

	conn, r := dial(t, s.Addr())

	conn.Write([]byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	if got := readN(t, r, len("+OK\r\n")); got != "+OK\r\n" {
		t.Fatalf("SET got %q", got)
	}

	conn.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	if got := readN(t, r, len("$3\r\nbar\r\n")); got != "$3\r\nbar\r\n" {
		t.Fatalf("GET got %q", got)
	}

	conn.Write([]byte("*2\r\n$3\r\nGET\r\n$7\r\nmissing\r\n"))
	if got := readN(t, r, len("$-1\r\n")); got != "$-1\r\n" {
		t.Fatalf("GET missing got %q", got)
	}

	conn.Write([]byte("*2\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n"))
	if got := readN(t, r, len(":1\r\n")); got != ":1\r\n" {
		t.Fatalf("DEL got %q", got)
	}
}

func TestPipelinedRepliesStayInOrder(t *testing.T) {
	s, cleanup := startTestServer(t)
	defer cleanup()

	conn, r := dial(t, s.Addr())

	// Three PING variants pipelined in one write; replies must come
	// back in the same order (spec.md §5's per-connection ordering
	// guarantee).
	conn.Write([]byte("PING a\r\nPING b\r\nPING c\r\n"))

	want := "$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n"
	got := readN(t, r, len(want))
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSubscribePublishDelivery(t *testing.T) {
	s, cleanup := startTestServer(t)
	defer cleanup()

	sub, subR := dial(t, s.Addr())
	sub.Write([]byte("*2\r\n$9\r\nSUBSCRIBE\r\n$4\r\nnews\r\n"))
	want := "*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"
	if got := readN(t, subR, len(want)); got != want {
		t.Fatalf("SUBSCRIBE got %q want %q", got, want)
	}

	// Give the broker a moment to register the subscription before
	// publishing, since SUBSCRIBE's reply and the broker's membership
	// update both happen on the dispatcher goroutine but this assert
	// runs on a second connection.
	time.Sleep(20 * time.Millisecond)

	pub, pubR := dial(t, s.Addr())
	pub.Write([]byte("*3\r\n$7\r\nPUBLISH\r\n$4\r\nnews\r\n$2\r\nhi\r\n"))
	if got := readN(t, pubR, len(":1\r\n")); got != ":1\r\n" {
		t.Fatalf("PUBLISH got %q", got)
	}

	wantMsg := "*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$2\r\nhi\r\n"
	if got := readN(t, subR, len(wantMsg)); got != wantMsg {
		t.Fatalf("message got %q want %q", got, wantMsg)
	}
}

func TestUnknownCommandError(t *testing.T) {
	s, cleanup := startTestServer(t)
	defer cleanup()

	conn, r := dial(t, s.Addr())
	conn.Write([]byte("*1\r\n$8\r\nBOGUSCMD\r\n"))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line[0] != '-' {
		t.Fatalf("expected error reply, got %q", line)
	}
}

func TestExpireAndTTL(t *testing.T) {
	s, cleanup := startTestServer(t)
	defer cleanup()

	conn, r := dial(t, s.Addr())
	conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	readN(t, r, len("+OK\r\n"))

	conn.Write([]byte("*3\r\n$6\r\nEXPIRE\r\n$1\r\nk\r\n$1\r\n1\r\n"))
	if got := readN(t, r, len(":1\r\n")); got != ":1\r\n" {
		t.Fatalf("EXPIRE got %q", got)
	}

	time.Sleep(1200 * time.Millisecond)

	conn.Write([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	if got := readN(t, r, len("$-1\r\n")); got != "$-1\r\n" {
		t.Fatalf("GET after expiry got %q", got)
	}

	conn.Write([]byte("*2\r\n$3\r\nTTL\r\n$1\r\nk\r\n"))
	if got := readN(t, r, len(":-2\r\n")); got != ":-2\r\n" {
		t.Fatalf("TTL after expiry got %q", got)
	}
}
