package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

func scrape(t *testing.T, m *AppMetrics) string {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(m.WSClients, m.WSMessages, m.VendorFrames, m.VendorFrameSeconds, m.DriverState, m.InterceptedTotal)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	return string(body)
}

func TestAppMetricsExposition(t *testing.T) {
	// Built against a throwaway registry so scrape can register them again.
	m := NewAppMetrics(NewRegistry())

	m.SetClients(3)
	m.SetDriverState(DriverReady)
	m.ObserveMessage("SEND_COMMAND", "ok")
	m.ObserveMessage("SEND_COMMAND", "ok")
	m.ObserveMessage("ADD_PROVISIONING_ENTRY", "validation")
	m.ObserveFrame(zwave.FrameRecord{NodeID: 5, Direction: zwave.DirectionOutbound, Success: true, Duration: 40 * time.Millisecond})
	m.ObserveFrame(zwave.FrameRecord{NodeID: 5, Direction: zwave.DirectionOutbound, Success: false})
	m.ObserveFrame(zwave.FrameRecord{NodeID: 9, Direction: zwave.DirectionInbound, Success: true})

	out := scrape(t, m)
	for _, want := range []string{
		"zwaverelay_ws_clients 3",
		"zwaverelay_driver_state 2",
		`zwaverelay_ws_messages_total{result="ok",type="SEND_COMMAND"} 2`,
		`zwaverelay_ws_messages_total{result="validation",type="ADD_PROVISIONING_ENTRY"} 1`,
		`zwaverelay_vendor_frames_total{direction="outbound",result="ok"} 1`,
		`zwaverelay_vendor_frames_total{direction="outbound",result="error"} 1`,
		`zwaverelay_vendor_frames_total{direction="inbound",result="ok"} 1`,
		"zwaverelay_vendor_frame_duration_seconds_count 2",
		`zwaverelay_intercepted_commands_total{node_id="9"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNewAppMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := NewRegistry()
	NewAppMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("second NewAppMetrics on the same registry should panic")
		}
	}()
	NewAppMetrics(reg)
}
