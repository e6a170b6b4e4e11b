package observability

import (
	"testing"
	"time"

	"github.com/danmuck/flydragon/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// sample returns the value of the first series of name whose labels
// include want.
func sample(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, want)
	return 0
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("station-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessage("station-a", "sent", "Frame", 4096)
	RecordMessage("station-a", "sent", "Frame", 4096)
	RecordDropped("station-a", "Icon")
	RecordProtocolError("station-a")
	RecordTransportFailure("station-a", "refused")
	RecordAckRTT("station-a", 3*time.Millisecond)
	SetConnections("station-a", map[string]int{"connected": 2, "handshaking": 1})

	if got := sample(t, "flydragon_protocol_messages_total", map[string]string{"node": "station-a", "direction": "sent", "type": "Frame"}); got != 2 {
		t.Fatalf("frames sent=%v", got)
	}
	if got := sample(t, "flydragon_protocol_message_bytes_total", map[string]string{"node": "station-a", "direction": "sent"}); got != 8192 {
		t.Fatalf("bytes sent=%v", got)
	}
	if got := sample(t, "flydragon_connections_current", map[string]string{"node": "station-a", "state": "connected"}); got != 2 {
		t.Fatalf("connected gauge=%v", got)
	}
	if got := sample(t, "flydragon_protocol_ack_rtt_seconds", map[string]string{"node": "station-a"}); got != 1 {
		t.Fatalf("rtt samples=%v", got)
	}
	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}
