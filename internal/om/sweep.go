package om

import (
	"context"
	"time"

	"github.com/adred-codev/resp-kv-server/internal/logging"
)

// AggregateStats sums every registered slot's counters, the payload of
// the periodic metrics report (spec.md §4.3: "a periodic metrics
// report (every 60s) emits aggregate counters"). Grounded in the
// ticker-driven reporting loop of src/resource_guard.go's
// StartMonitoring.
type AggregateStats struct {
	Slots          int
	MessagesQueued uint64
	BytesQueued    uint64
	MessagesSent   uint64
	BytesSent      uint64
	HealthCounts   map[Health]int
}

// Aggregate returns a snapshot across every registered slot.
func (o *OM) Aggregate() AggregateStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agg := AggregateStats{HealthCounts: make(map[Health]int, 5)}
	for _, s := range o.slots {
		st := s.Stats()
		agg.Slots++
		agg.MessagesQueued += st.MessagesQueued
		agg.BytesQueued += st.BytesQueued
		agg.MessagesSent += st.MessagesSent
		agg.BytesSent += st.BytesSent
		agg.HealthCounts[st.Health]++
	}
	return agg
}

// StartHealthSweep runs recomputeHealth across every slot on interval
// until ctx is cancelled (spec.md §4.3: "a periodic health sweep
// (every 30s) re-evaluates labels").
func (o *OM) StartHealthSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer logging.RecoverAndLog(o.log, "om_health_sweep")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.mu.RLock()
				slots := make([]*Slot, 0, len(o.slots))
				for _, s := range o.slots {
					slots = append(slots, s)
				}
				o.mu.RUnlock()
				for _, s := range slots {
					s.recomputeHealth()
				}
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			}
		}
	}()
}

// StartMetricsReport periodically calls report with an aggregate
// snapshot until ctx is cancelled (spec.md §4.3's 60s metrics report).
func (o *OM) StartMetricsReport(ctx context.Context, interval time.Duration, report func(AggregateStats)) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer logging.RecoverAndLog(o.log, "om_metrics_report")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if report != nil {
					report(o.Aggregate())
				}
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			}
		}
	}()
}

// ListIDs returns every currently registered slot id, used by
// CLIENT LIST (spec.md's supplemented feature).
func (o *OM) ListIDs() []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]uint64, 0, len(o.slots))
	for id := range o.slots {
		ids = append(ids, id)
	}
	return ids
}
