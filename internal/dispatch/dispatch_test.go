package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/adred-codev/resp-kv-server/internal/conn"
	"github.com/adred-codev/resp-kv-server/internal/info"
	"github.com/adred-codev/resp-kv-server/internal/om"
	"github.com/adred-codev/resp-kv-server/internal/pubsub"
	"github.com/adred-codev/resp-kv-server/internal/store"
	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T) (*Registry, *conn.Connection, func()) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	o := om.New(om.Config{BatchSize: 32, BatchTimeout: time.Millisecond, MaxQueueSize: 100, WriteTimeout: time.Second}, zerolog.Nop(), nil)
	o.Register(1, server)
	st := store.New(zerolog.Nop(), nil)
	broker := pubsub.New(pubsub.Config{LargeChannelThreshold: 100, BufferFlushInterval: time.Millisecond}, o, zerolog.Nop(), nil)
	inf := info.New("1.0.0-resp-kv", 6380, func() info.KeyspaceStats {
		return info.KeyspaceStats{Keys: st.DBSize()}
	}, func() int64 { return 1 })

	r := &Registry{Store: st, Broker: broker, OM: o, Info: inf, Version: "1.0.0-resp-kv"}
	c := conn.New(1, server)

	drain := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				close(drain)
				return
			}
		}
	}()
	return r, c, func() {}
}

func TestPingNoArgs(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"PING"})
	if string(got) != "+PONG\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestPingWithArg(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"PING", "hello"})
	if string(got) != "$5\r\nhello\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestSetGetDelSequence(t *testing.T) {
	r, c, _ := newTestRegistry(t)

	if got := Dispatch(r, c, []string{"SET", "foo", "bar"}); string(got) != "+OK\r\n" {
		t.Fatalf("SET got %q", got)
	}
	if got := Dispatch(r, c, []string{"GET", "foo"}); string(got) != "$3\r\nbar\r\n" {
		t.Fatalf("GET got %q", got)
	}
	if got := Dispatch(r, c, []string{"GET", "missing"}); string(got) != "$-1\r\n" {
		t.Fatalf("GET missing got %q", got)
	}
	if got := Dispatch(r, c, []string{"DEL", "foo"}); string(got) != ":1\r\n" {
		t.Fatalf("DEL got %q", got)
	}
	if got := Dispatch(r, c, []string{"GET", "foo"}); string(got) != "$-1\r\n" {
		t.Fatalf("GET after DEL got %q", got)
	}
}

func TestExpireAndTTL(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	Dispatch(r, c, []string{"SET", "k", "v"})
	if got := Dispatch(r, c, []string{"EXPIRE", "k", "1"}); string(got) != ":1\r\n" {
		t.Fatalf("EXPIRE got %q", got)
	}
	if got := Dispatch(r, c, []string{"TTL", "k"}); string(got) != ":1\r\n" {
		t.Fatalf("TTL got %q", got)
	}
}

func TestKeysEmptyStore(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"KEYS", "*"})
	if string(got) != "*0\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestWrongArityReturnsError(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"SET", "onlykey"})
	want := "-ERR wrong number of arguments for 'SET' command\r\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestUnknownCommand(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"FROBNICATE", "a", "b"})
	want := "-ERR unknown command 'FROBNICATE', with args beginning with: 'a', 'b'\r\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSelectNonZeroErrors(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	if got := Dispatch(r, c, []string{"SELECT", "0"}); string(got) != "+OK\r\n" {
		t.Fatalf("SELECT 0 got %q", got)
	}
	got := Dispatch(r, c, []string{"SELECT", "1"})
	want := "-ERR DB index is out of range\r\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSubscribeReplyShape(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"SUBSCRIBE", "news"})
	want := "*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPublishNoSubscribersReturnsZero(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	got := Dispatch(r, c, []string{"PUBLISH", "news", "hi"})
	if string(got) != ":0\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestDBSizeTracksStore(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	Dispatch(r, c, []string{"SET", "a", "1"})
	got := Dispatch(r, c, []string{"DBSIZE"})
	if string(got) != ":1\r\n" {
		t.Fatalf("got %q", got)
	}
}
