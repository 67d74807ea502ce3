// Package conn holds per-connection state threaded through command
// dispatch: identity, the RESP parser, and the small bits of session
// state (client name, auth flag) Redis clients expect.
//
// Adapted from the teacher's Client struct (src/connection.go) and
// gridhouse's server.Client: both pair a net.Conn with parsing state
// and per-connection flags, dropped here to what this system's
// Non-goals still need (no MULTI/EXEC queue, no password check).
package conn

import (
	"net"
	"sync"
	"time"

	"github.com/adred-codev/resp-kv-server/internal/resp"
)

// Connection is one accepted TCP client.
type Connection struct {
	ID         uint64
	Conn       net.Conn
	Parser     *resp.Parser
	CreatedAt  time.Time
	RemoteAddr string

	mu   sync.Mutex
	name string
	// authed is always true in this system: spec.md's AUTH command
	// accepts any credential (Non-goals exclude a real ACL/auth
	// subsystem), so there is no reason to gate commands on it. It is
	// set at creation and no command reads it.
	authed bool
}

// New wraps a freshly accepted socket with id.
func New(id uint64, c net.Conn) *Connection {
	return &Connection{
		ID:         id,
		Conn:       c,
		Parser:     resp.NewParser(),
		CreatedAt:  time.Now(),
		RemoteAddr: c.RemoteAddr().String(),
		authed:     true,
	}
}

// SetName implements CLIENT SETNAME.
func (c *Connection) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// Name implements CLIENT GETNAME.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Age returns how long this connection has been open, in seconds.
func (c *Connection) Age() int64 {
	return int64(time.Since(c.CreatedAt).Seconds())
}
