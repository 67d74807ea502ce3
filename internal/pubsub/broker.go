// Package pubsub implements the channel broker (spec.md §4.4):
// subscriber sets per channel, three delivery strategies for PUBLISH,
// and per-channel metrics.
//
// The subscriber-set bookkeeping is adapted from the teacher's
// SubscriptionSet (src/connection.go): a thread-safe set keyed by
// channel name, generalized here to track connections rather than a
// fixed NATS/WebSocket channel taxonomy (src/channels.go's validation
// table doesn't apply — this system's channel names are caller-chosen
// free-form strings, not a NATS subject mapping).
package pubsub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resp-kv-server/internal/om"
)

// Sender delivers a formatted payload to one or more connections. The
// broker depends on this interface rather than *om.OM directly so it
// can be exercised with a fake in tests.
type Sender interface {
	Enqueue(id uint64, payload []byte, priority om.Priority) error
	Broadcast(ids []uint64, payload []byte, priority om.Priority) (succeeded, failed int)
}

// ChannelStats mirrors spec.md §4.4's per-channel metrics.
type ChannelStats struct {
	Subscribers   int
	MessagesTotal uint64
	BytesTotal    uint64
	LastActivity  time.Time
}

type channel struct {
	mu          sync.Mutex
	subscribers map[uint64]struct{}
	// priority subscription groups, keyed by the priority the
	// subscriber asked to receive this channel at (spec.md §4.4:
	// "optionally channel -> (priority -> set<connection>)").
	byPriority map[om.Priority]map[uint64]struct{}

	messagesTotal uint64
	bytesTotal    uint64
	lastActivity  time.Time

	buffer     [][]byte
	flushTimer *time.Timer
}

// subscriberIDsByPriority groups ch's current subscribers by the
// priority tier they registered at (spec.md §4.4's "grouped by
// priority" delivery). Every delivery strategy reads this instead of
// the flat subscriber set so each tier can be flushed separately.
func (ch *channel) subscriberIDsByPriority() map[om.Priority][]uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[om.Priority][]uint64, len(ch.byPriority))
	for p, set := range ch.byPriority {
		if len(set) == 0 {
			continue
		}
		ids := make([]uint64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[p] = ids
	}
	return out
}

// Config tunes the buffered-batch delivery strategy (spec.md §4.4).
type Config struct {
	LargeChannelThreshold int
	BufferFlushInterval   time.Duration
	MaxBufferedMessages   int
}

// Metrics is the subset of counters the broker reports; the server
// wires a Prometheus-backed implementation (internal/metrics).
type Metrics interface {
	ObservePublish(strategy string)
	ObserveDelivered(n int)
	SetChannelsActive(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObservePublish(string) {}
func (noopMetrics) ObserveDelivered(int)  {}
func (noopMetrics) SetChannelsActive(int) {}

// Broker is the channel -> subscriber-set registry plus delivery
// logic.
type Broker struct {
	cfg    Config
	sender Sender
	log    zerolog.Logger
	met    Metrics

	mu       sync.Mutex
	channels map[string]*channel

	// connSubs tracks, per connection, which channels it has joined so
	// UNSUBSCRIBE_ALL (on connection close) is O(subscriptions) rather
	// than O(channels).
	connSubs map[uint64]map[string]struct{}
}

// New builds a Broker. sender is typically an *om.OM. Pass a nil
// Metrics to use a no-op sink (tests).
func New(cfg Config, sender Sender, log zerolog.Logger, met Metrics) *Broker {
	if cfg.LargeChannelThreshold <= 0 {
		cfg.LargeChannelThreshold = 100
	}
	if cfg.BufferFlushInterval <= 0 {
		cfg.BufferFlushInterval = 10 * time.Millisecond
	}
	if cfg.MaxBufferedMessages <= 0 {
		cfg.MaxBufferedMessages = 100
	}
	if met == nil {
		met = noopMetrics{}
	}
	return &Broker{
		cfg:      cfg,
		sender:   sender,
		log:      log,
		met:      met,
		channels: make(map[string]*channel),
		connSubs: make(map[uint64]map[string]struct{}),
	}
}

func (b *Broker) getOrCreateChannel(name string) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel{
			subscribers: make(map[uint64]struct{}),
			byPriority:  make(map[om.Priority]map[uint64]struct{}),
		}
		b.channels[name] = ch
		b.met.SetChannelsActive(len(b.channels))
	}
	return ch
}

// Subscribe joins conn to channel at the given priority. Idempotent:
// resubscribing just updates the priority group.
func (b *Broker) Subscribe(conn uint64, channelName string, priority om.Priority) {
	ch := b.getOrCreateChannel(channelName)
	ch.mu.Lock()
	ch.subscribers[conn] = struct{}{}
	for p, set := range ch.byPriority {
		if p != priority {
			delete(set, conn)
		}
	}
	set, ok := ch.byPriority[priority]
	if !ok {
		set = make(map[uint64]struct{})
		ch.byPriority[priority] = set
	}
	set[conn] = struct{}{}
	ch.mu.Unlock()

	b.mu.Lock()
	subs, ok := b.connSubs[conn]
	if !ok {
		subs = make(map[string]struct{})
		b.connSubs[conn] = subs
	}
	subs[channelName] = struct{}{}
	b.mu.Unlock()
}

// Unsubscribe removes conn from channelName. Idempotent; removes the
// channel entry entirely once the last subscriber leaves.
func (b *Broker) Unsubscribe(conn uint64, channelName string) {
	b.mu.Lock()
	ch, ok := b.channels[channelName]
	if ok {
		if subs := b.connSubs[conn]; subs != nil {
			delete(subs, channelName)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	delete(ch.subscribers, conn)
	for _, set := range ch.byPriority {
		delete(set, conn)
	}
	empty := len(ch.subscribers) == 0
	ch.mu.Unlock()

	if empty {
		b.mu.Lock()
		delete(b.channels, channelName)
		b.met.SetChannelsActive(len(b.channels))
		b.mu.Unlock()
	}
}

// UnsubscribeAll removes conn from every channel it has joined; called
// on connection close (spec.md §4.4).
func (b *Broker) UnsubscribeAll(conn uint64) []string {
	b.mu.Lock()
	subs := b.connSubs[conn]
	delete(b.connSubs, conn)
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		b.Unsubscribe(conn, name)
	}
	return names
}

// SubscriberCount returns the number of connections subscribed to
// channelName.
func (b *Broker) SubscriberCount(channelName string) int {
	b.mu.Lock()
	ch, ok := b.channels[channelName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// Stats returns the current stats for channelName, or the zero value
// if it has no subscribers.
func (b *Broker) Stats(channelName string) ChannelStats {
	b.mu.Lock()
	ch, ok := b.channels[channelName]
	b.mu.Unlock()
	if !ok {
		return ChannelStats{}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ChannelStats{
		Subscribers:   len(ch.subscribers),
		MessagesTotal: ch.messagesTotal,
		BytesTotal:    ch.bytesTotal,
		LastActivity:  ch.lastActivity,
	}
}

// IsSubscribed reports whether conn is currently joined to channelName.
func (b *Broker) IsSubscribed(conn uint64, channelName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.connSubs[conn]
	if !ok {
		return false
	}
	_, ok = subs[channelName]
	return ok
}

// SubscriptionCount returns how many channels conn is currently
// subscribed to.
func (b *Broker) SubscriptionCount(conn uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connSubs[conn])
}

// ChannelNames returns every channel currently tracked (has at least
// one subscriber), for PUBSUB CHANNELS-style introspection.
func (b *Broker) ChannelNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	return names
}

// Close tears down pending flush timers. Safe to call once.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.channels {
		ch.mu.Lock()
		if ch.flushTimer != nil {
			ch.flushTimer.Stop()
		}
		ch.mu.Unlock()
	}
}
