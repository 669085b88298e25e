package telemetry

import (
	"testing"
	"time"
)

func TestCollectorSummary(t *testing.T) {
	c := NewCollector(true)
	c.Counter("odm_api_requests", 1, map[string]string{"method": "GET"})
	c.Counter("odm_api_requests", 1, map[string]string{"method": "POST"})
	c.Timer("odm_api_request_duration", 120*time.Millisecond, nil)
	c.Timer("odm_api_request_duration", 80*time.Millisecond, nil)

	sum := c.Summary()
	if len(sum) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(sum))
	}
	if sum[0].Name != "odm_api_request_duration" || sum[0].Count != 2 || sum[0].Sum != 200 || sum[0].Max != 120 {
		t.Fatalf("unexpected timer aggregate: %+v", sum[0])
	}
	if sum[1].Name != "odm_api_requests" || sum[1].Sum != 2 {
		t.Fatalf("unexpected counter aggregate: %+v", sum[1])
	}

	c.Flush()
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("expected metrics cleared after flush")
	}
}

func TestDisabledCollectorDropsSamples(t *testing.T) {
	c := NewCollector(false)
	c.Gauge("odm_task_progress", 0.5, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector recorded a sample")
	}
}
