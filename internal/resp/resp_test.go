package resp

import (
	"reflect"
	"testing"
)

func TestParserFullStream(t *testing.T) {
	p := NewParser()
	p.Feed([]byte("*1\r\n$4\r\nPING\r\n"))

	v, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	tokens, ok := AsCommand(v)
	if !ok {
		t.Fatalf("expected command array")
	}
	if !reflect.DeepEqual(tokens, []string{"PING"}) {
		t.Fatalf("got %v", tokens)
	}

	if _, err := p.Next(); err != ErrNeedMore {
		t.Fatalf("expected ErrNeedMore after draining buffer, got %v", err)
	}
}

func TestParserPartialReadsYieldNoSpuriousCommands(t *testing.T) {
	full := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	p := NewParser()

	// Feed one byte at a time; only once the full command has arrived
	// should Next stop returning ErrNeedMore.
	for i := 0; i < len(full)-1; i++ {
		p.Feed(full[i : i+1])
		if _, err := p.Next(); err != ErrNeedMore {
			t.Fatalf("byte %d: expected ErrNeedMore, got %v", i, err)
		}
	}
	p.Feed(full[len(full)-1:])
	v, err := p.Next()
	if err != nil {
		t.Fatalf("Next after full feed: %v", err)
	}
	tokens, ok := AsCommand(v)
	if !ok || !reflect.DeepEqual(tokens, []string{"GET", "foo"}) {
		t.Fatalf("got tokens=%v ok=%v", tokens, ok)
	}
}

func TestParserInlineCommand(t *testing.T) {
	p := NewParser()
	p.Feed([]byte("PING hello\r\n"))
	v, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	tokens, ok := AsCommand(v)
	if !ok || !reflect.DeepEqual(tokens, []string{"PING", "hello"}) {
		t.Fatalf("got %v ok=%v", tokens, ok)
	}
}

func TestParserMalformedHeaderRecovers(t *testing.T) {
	p := NewParser()
	p.Feed([]byte("$notanumber\r\n*1\r\n$4\r\nPING\r\n"))

	v, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	tokens, ok := AsCommand(v)
	if !ok || !reflect.DeepEqual(tokens, []string{"PING"}) {
		t.Fatalf("expected recovery to PING command, got %v ok=%v", tokens, ok)
	}
}

func TestParserEmptyBulkIsNotNull(t *testing.T) {
	p := NewParser()
	p.Feed([]byte("$0\r\n\r\n"))
	v, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if v.IsNull {
		t.Fatalf("zero-length bulk must not be null")
	}
	if len(v.Bulk) != 0 {
		t.Fatalf("expected empty bulk, got %q", v.Bulk)
	}
}

func TestParserNullBulk(t *testing.T) {
	p := NewParser()
	p.Feed([]byte("$-1\r\n"))
	v, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !v.IsNull || v.Type != TypeBulkString {
		t.Fatalf("expected null bulk, got %+v", v)
	}
}

func TestFormatBulkAndNull(t *testing.T) {
	if got := string(FormatBulk([]byte("bar"))); got != "$3\r\nbar\r\n" {
		t.Fatalf("got %q", got)
	}
	if got := string(FormatBulk(nil)); got != "$-1\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatSimpleErrorInteger(t *testing.T) {
	if got := string(FormatSimple("OK")); got != "+OK\r\n" {
		t.Fatalf("got %q", got)
	}
	if got := string(FormatError("ERR bad")); got != "-ERR bad\r\n" {
		t.Fatalf("got %q", got)
	}
	if got := string(FormatInteger(42)); got != ":42\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatMessageDeliveryShape(t *testing.T) {
	// spec.md §4.4: *3\r\n$7\r\nmessage\r\n$<len>\r\n<channel>\r\n$<len>\r\n<message>\r\n
	got := FormatArray([][]byte{
		FormatBulk([]byte("message")),
		FormatBulk([]byte("news")),
		FormatBulk([]byte("hi")),
	})
	want := "*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$2\r\nhi\r\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
