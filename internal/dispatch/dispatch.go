// Package dispatch implements the command table (spec.md §4.6): a
// static map from upper-cased command name to handler, explicit arity
// checks, and the exact RESP error strings spec.md §7 requires.
//
// Grounded in gridhouse's Client.executeCommand/executeSetCommandFast
// style (other_examples/db390882_..._client.go.go): no reflection, a
// handler per command, fast direct buffer writes for the hot path.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adred-codev/resp-kv-server/internal/conn"
	"github.com/adred-codev/resp-kv-server/internal/info"
	"github.com/adred-codev/resp-kv-server/internal/om"
	"github.com/adred-codev/resp-kv-server/internal/pubsub"
	"github.com/adred-codev/resp-kv-server/internal/resp"
	"github.com/adred-codev/resp-kv-server/internal/store"
)

// Registry holds the shared state command handlers operate on.
type Registry struct {
	Store   *store.Store
	Broker  *pubsub.Broker
	OM      *om.OM
	Info    *info.Provider
	Version string
}

type handlerFunc func(r *Registry, c *conn.Connection, args []string) []byte

type command struct {
	handler  handlerFunc
	minArity int // including the command name itself
	maxArity int // 0 means unbounded
}

var table map[string]command

func init() {
	table = map[string]command{
		"PING":        {handlePing, 1, 2},
		"AUTH":        {handleAuth, 2, 3},
		"SELECT":      {handleSelect, 2, 2},
		"INFO":        {handleInfo, 1, 2},
		"CLIENT":      {handleClient, 2, 0},
		"SET":         {handleSet, 3, 3},
		"GET":         {handleGet, 2, 2},
		"DEL":         {handleDel, 2, 0},
		"EXISTS":      {handleExists, 2, 0},
		"TTL":         {handleTTL, 2, 2},
		"EXPIRE":      {handleExpire, 3, 3},
		"PERSIST":     {handlePersist, 2, 2},
		"KEYS":        {handleKeys, 2, 2},
		"SCAN":        {handleScan, 2, 0},
		"DBSIZE":      {handleDBSize, 1, 1},
		"TYPE":        {handleType, 2, 2},
		"SUBSCRIBE":   {handleSubscribe, 2, 0},
		"UNSUBSCRIBE": {handleUnsubscribe, 1, 0},
		"PUBLISH":     {handlePublish, 3, 3},
	}
}

// Dispatch looks up tokens[0] (case-insensitive) and runs its handler,
// returning the fully RESP-encoded reply. Unknown commands and arity
// violations never reach a handler (spec.md §7).
func Dispatch(r *Registry, c *conn.Connection, tokens []string) []byte {
	if len(tokens) == 0 {
		return nil
	}
	name := strings.ToUpper(tokens[0])
	cmd, ok := table[name]
	if !ok {
		return unknownCommandErr(tokens)
	}
	if len(tokens) < cmd.minArity || (cmd.maxArity > 0 && len(tokens) > cmd.maxArity) {
		return resp.FormatError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", tokens[0]))
	}
	return cmd.handler(r, c, tokens[1:])
}

func unknownCommandErr(tokens []string) []byte {
	var b strings.Builder
	b.WriteString("ERR unknown command '")
	b.WriteString(tokens[0])
	b.WriteString("', with args beginning with: ")
	rest := tokens[1:]
	if len(rest) > 20 {
		rest = rest[:20]
	}
	for i, a := range rest {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("'")
		b.WriteString(a)
		b.WriteString("'")
	}
	return resp.FormatError(b.String())
}

func handlePing(_ *Registry, _ *conn.Connection, args []string) []byte {
	if len(args) == 0 {
		return resp.FormatSimple("PONG")
	}
	return resp.FormatBulk([]byte(args[0]))
}

func handleAuth(_ *Registry, _ *conn.Connection, args []string) []byte {
	// Accepted unconditionally (spec.md §4.6 and DESIGN.md: no ACL
	// subsystem in scope).
	return resp.FormatSimple("OK")
}

func handleSelect(_ *Registry, _ *conn.Connection, args []string) []byte {
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return resp.FormatError("ERR value is not an integer or out of range")
	}
	if idx != 0 {
		return resp.FormatError("ERR DB index is out of range")
	}
	return resp.FormatSimple("OK")
}

func handleInfo(r *Registry, _ *conn.Connection, _ []string) []byte {
	return resp.FormatBulk([]byte(r.Info.Render()))
}

func handleClient(r *Registry, c *conn.Connection, args []string) []byte {
	sub := strings.ToUpper(args[0])
	switch sub {
	case "SETNAME":
		if len(args) != 2 {
			return resp.FormatError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", "CLIENT|SETNAME"))
		}
		c.SetName(args[1])
		return resp.FormatSimple("OK")
	case "GETNAME":
		name := c.Name()
		if name == "" {
			return resp.FormatNullBulk()
		}
		return resp.FormatBulk([]byte(name))
	case "LIST":
		return resp.FormatBulk([]byte(r.clientListLine(c)))
	default:
		return resp.FormatError(fmt.Sprintf("ERR unknown subcommand '%s'. Try CLIENT HELP.", args[0]))
	}
}

func (r *Registry) clientListLine(self *conn.Connection) string {
	var b strings.Builder
	ids := r.OM.ListIDs()
	for _, id := range ids {
		slot, ok := r.OM.Slot(id)
		if !ok {
			continue
		}
		st := slot.Stats()
		fmt.Fprintf(&b, "id=%d addr=%s age=%d flags=N sub=%d qbuf=%d health=%s\n",
			id, connAddr(self, id), connAge(self, id), r.Broker.SubscriptionCount(id), st.QueueDepth, st.Health)
	}
	return b.String()
}

// connAddr/connAge only have full information for the calling
// connection in this minimal CLIENT LIST; a complete per-id registry
// of Connection objects would require the server package to share
// its connection table, which is out of scope for the dispatcher.
func connAddr(self *conn.Connection, id uint64) string {
	if self.ID == id {
		return self.RemoteAddr
	}
	return "?"
}

func connAge(self *conn.Connection, id uint64) int64 {
	if self.ID == id {
		return self.Age()
	}
	return -1
}

func handleSet(r *Registry, _ *conn.Connection, args []string) []byte {
	r.Store.Set(args[0], []byte(args[1]))
	return resp.FormatSimple("OK")
}

func handleGet(r *Registry, _ *conn.Connection, args []string) []byte {
	v, ok := r.Store.Get(args[0])
	if !ok {
		return resp.FormatNullBulk()
	}
	return resp.FormatBulk(v)
}

func handleDel(r *Registry, _ *conn.Connection, args []string) []byte {
	n := r.Store.Del(args...)
	return resp.FormatInteger(int64(n))
}

func handleExists(r *Registry, _ *conn.Connection, args []string) []byte {
	n := r.Store.Exists(args...)
	return resp.FormatInteger(int64(n))
}

func handleTTL(r *Registry, _ *conn.Connection, args []string) []byte {
	return resp.FormatInteger(r.Store.TTL(args[0]))
}

func handleExpire(r *Registry, _ *conn.Connection, args []string) []byte {
	secs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return resp.FormatError("ERR value is not an integer or out of range")
	}
	n := r.Store.Expire(args[0], secs)
	return resp.FormatInteger(int64(n))
}

func handlePersist(r *Registry, _ *conn.Connection, args []string) []byte {
	return resp.FormatInteger(int64(r.Store.Persist(args[0])))
}

func handleKeys(r *Registry, _ *conn.Connection, args []string) []byte {
	return resp.FormatBulkArray(r.Store.Keys(args[0]))
}

func handleScan(r *Registry, _ *conn.Connection, args []string) []byte {
	cursor, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return resp.FormatError("ERR invalid cursor")
	}
	match := ""
	count := 10
	for i := 1; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			match = args[i+1]
		case "COUNT":
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				count = n
			}
		}
	}
	next, keys := r.Store.Scan(cursor, match, count)
	return resp.FormatArray([][]byte{
		resp.FormatBulk([]byte(strconv.FormatInt(next, 10))),
		resp.FormatBulkArray(keys),
	})
}

func handleDBSize(r *Registry, _ *conn.Connection, _ []string) []byte {
	return resp.FormatInteger(int64(r.Store.DBSize()))
}

func handleType(r *Registry, _ *conn.Connection, args []string) []byte {
	return resp.FormatSimple(r.Store.Type(args[0]))
}

func handleSubscribe(r *Registry, c *conn.Connection, args []string) []byte {
	var out []byte
	for _, ch := range args {
		r.Broker.Subscribe(c.ID, ch, om.PriorityNormal)
		count := subscriptionCountFor(r, c)
		out = append(out, resp.FormatArray([][]byte{
			resp.FormatBulk([]byte("subscribe")),
			resp.FormatBulk([]byte(ch)),
			resp.FormatInteger(int64(count)),
		})...)
	}
	return out
}

func handleUnsubscribe(r *Registry, c *conn.Connection, args []string) []byte {
	channels := args
	if len(channels) == 0 {
		channels = r.Broker.UnsubscribeAll(c.ID)
		if len(channels) == 0 {
			return resp.FormatArray([][]byte{
				resp.FormatBulk([]byte("unsubscribe")),
				resp.FormatNullBulk(),
				resp.FormatInteger(0),
			})
		}
	}
	var out []byte
	for _, ch := range channels {
		r.Broker.Unsubscribe(c.ID, ch)
		count := subscriptionCountFor(r, c)
		out = append(out, resp.FormatArray([][]byte{
			resp.FormatBulk([]byte("unsubscribe")),
			resp.FormatBulk([]byte(ch)),
			resp.FormatInteger(int64(count)),
		})...)
	}
	return out
}

// subscriptionCountFor reports how many channels c remains subscribed
// to, for the count field in SUBSCRIBE/UNSUBSCRIBE replies.
func subscriptionCountFor(r *Registry, c *conn.Connection) int {
	return r.Broker.SubscriptionCount(c.ID)
}

func handlePublish(r *Registry, _ *conn.Connection, args []string) []byte {
	// Delivery priority is per-subscriber, not per-publish: the broker
	// groups subscribers by the tier each registered at (spec.md §3,
	// §4.4), so PUBLISH itself has no priority to set.
	delivered := r.Broker.Publish(args[0], []byte(args[1]), pubsub.PublishOptions{})
	return resp.FormatInteger(int64(delivered))
}
