package pubsub

import (
	"time"

	"github.com/adred-codev/resp-kv-server/internal/logging"
	"github.com/adred-codev/resp-kv-server/internal/resp"
)

// PublishOptions lets a caller request the immediate delivery strategy,
// bypassing the buffered-batch default (spec.md §4.4). Delivery
// priority is never a publish-time choice: every strategy delivers to
// each subscriber at the priority tier that subscriber registered at
// (spec.md §3's Subscription is (connection, channel, priority)).
type PublishOptions struct {
	Immediate bool
}

// Publish delivers message to every subscriber of channelName and
// returns the delivered count per spec.md §4.4's three strategies.
//
// Buffered batch is the default for channels under
// LargeChannelThreshold when the caller did not request immediate
// delivery (§4.4 strategy 1); OM broadcast covers every channel at or
// above LargeChannelThreshold, whether or not Immediate is set
// (strategy 2); direct covers a channel under the threshold when
// Immediate is set (strategy 3). PublishOptions has no way to request
// the OM broadcast for a channel under the threshold. A channel with no
// subscribers is not created or counted; Publish returns 0 for it. All
// three strategies deliver each subscriber's copy at that subscriber's
// own registered priority, grouping ids accordingly.
func (b *Broker) Publish(channelName string, message []byte, opts PublishOptions) int {
	b.mu.Lock()
	ch, ok := b.channels[channelName]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	ch.messagesTotal++
	ch.bytesTotal += uint64(len(message))
	ch.lastActivity = time.Now()
	subCount := len(ch.subscribers)
	ch.mu.Unlock()

	if subCount == 0 {
		return 0
	}

	payload := resp.FormatArray([][]byte{
		resp.FormatBulk([]byte("message")),
		resp.FormatBulk([]byte(channelName)),
		resp.FormatBulk(message),
	})

	large := subCount >= b.cfg.LargeChannelThreshold

	switch {
	case large:
		// Strategy 2: large channels always go through the OM's
		// chunked broadcast, regardless of Immediate.
		delivered := b.publishOMBroadcast(ch, payload)
		b.met.ObservePublish("om_broadcast")
		b.met.ObserveDelivered(delivered)
		return delivered
	case opts.Immediate:
		// Strategy 3: small channel, caller wants it now.
		delivered := b.publishDirect(ch, payload)
		b.met.ObservePublish("direct")
		b.met.ObserveDelivered(delivered)
		return delivered
	default:
		// Strategy 1: small channel, default buffered batching. The
		// actual delivery count is observed later in flushBuffer,
		// since buffered delivery has not happened yet when this
		// call returns.
		b.met.ObservePublish("buffered")
		return b.publishBuffered(ch, channelName, payload, subCount)
	}
}

// publishOMBroadcast hands each priority tier's subscriber list to the
// OM's broadcast path separately (spec.md §4.4 strategy 2, grouped by
// priority the same way strategy 1 is).
func (b *Broker) publishOMBroadcast(ch *channel, payload []byte) int {
	delivered := 0
	for priority, ids := range ch.subscriberIDsByPriority() {
		succeeded, _ := b.sender.Broadcast(ids, payload, priority)
		delivered += succeeded
	}
	return delivered
}

// publishDirect enqueues into each subscriber's OM slot one by one, at
// that subscriber's own registered priority (spec.md §4.4 strategy 3).
func (b *Broker) publishDirect(ch *channel, payload []byte) int {
	delivered := 0
	for priority, ids := range ch.subscriberIDsByPriority() {
		for _, id := range ids {
			if err := b.sender.Enqueue(id, payload, priority); err == nil {
				delivered++
			}
		}
	}
	return delivered
}

// publishBuffered appends payload to the channel's pending buffer,
// flushing on a timer or once MaxBufferedMessages accumulate (spec.md
// §4.4 strategy 1). The returned count is a best-effort estimate: the
// current subscriber count at publish time, since buffered delivery
// has not happened yet when Publish returns.
func (b *Broker) publishBuffered(ch *channel, channelName string, payload []byte, subCountAtPublish int) int {
	ch.mu.Lock()
	ch.buffer = append(ch.buffer, payload)
	full := len(ch.buffer) >= b.cfg.MaxBufferedMessages
	if ch.flushTimer == nil && !full {
		ch.flushTimer = time.AfterFunc(b.cfg.BufferFlushInterval, func() {
			defer logging.RecoverAndLog(b.log, "broker_buffer_flush")
			b.flushBuffer(ch)
		})
	}
	ch.mu.Unlock()

	if full {
		b.flushBuffer(ch)
	}
	return subCountAtPublish
}

// flushBuffer releases every buffered payload to the channel's current
// subscribers via the OM, grouped by priority (spec.md §4.4: "releases
// all buffered payloads to every current subscriber via the OM,
// grouped by priority").
func (b *Broker) flushBuffer(ch *channel) {
	ch.mu.Lock()
	if ch.flushTimer != nil {
		ch.flushTimer.Stop()
		ch.flushTimer = nil
	}
	pending := ch.buffer
	ch.buffer = nil
	ch.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	byPriority := ch.subscriberIDsByPriority()
	if len(byPriority) == 0 {
		return
	}
	for _, payload := range pending {
		delivered := 0
		for priority, ids := range byPriority {
			succeeded, _ := b.sender.Broadcast(ids, payload, priority)
			delivered += succeeded
		}
		b.met.ObserveDelivered(delivered)
	}
}
