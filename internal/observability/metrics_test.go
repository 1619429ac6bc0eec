package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("glasslinkd", "GET", "/health", 200, 12*time.Millisecond)
	RecordWrite("left", "acked", 4*time.Millisecond)
	RecordWrite("right", "timeout", 0)
	RecordStateTransition("left", "service_ready")
	RecordReconnect()
	RecordBondFailure("right")
	RecordNotification("right", "battery")
	SetQueueDepth(3)

	if got := testutil.ToFloat64(queueDepth); got != 3 {
		t.Fatalf("unexpected queue depth gauge: %v", got)
	}
	before := testutil.ToFloat64(linkReconnects)
	RecordReconnect()
	if got := testutil.ToFloat64(linkReconnects); got != before+1 {
		t.Fatalf("reconnect counter did not advance: %v -> %v", before, got)
	}

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}
