package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/resp-kv-server/internal/om"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.KVOpsTotal.WithLabelValues("get").Inc()
	reg.ConnectionsActive.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "kv_ops_total") {
		t.Fatalf("expected kv_ops_total in output, got: %s", body)
	}
	if !strings.Contains(body, "connections_active 3") {
		t.Fatalf("expected connections_active 3 in output, got: %s", body)
	}
}

func TestOMAdapterRecordsEnqueueAndDrop(t *testing.T) {
	reg := NewRegistry()
	adapter := NewOMAdapter(reg)

	adapter.ObserveEnqueue(om.PriorityHigh)
	adapter.ObserveDrop(om.ReasonQueueFull)
	adapter.ObserveFlush(50 * time.Millisecond)
	adapter.SetQueueDepth(12)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	for _, want := range []string{
		`om_messages_enqueued_total{priority="priority"} 1`,
		`om_messages_dropped_total{reason="queue_full"} 1`,
		"om_flushes_total 1",
		"om_queue_depth_snapshot",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output, got: %s", want, body)
		}
	}
}

func TestHealthzReturnsOK(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	healthzHandler(rec, req)

	if rec.Code != 200 {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("got body %q", rec.Body.String())
	}
}
