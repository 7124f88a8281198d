package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// MeasurementVendorFrames holds one point per Manufacturer Proprietary frame.
const MeasurementVendorFrames = "vendor_frames"

// Result tag values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Ensure Client implements zwave.FrameObserver.
var _ zwave.FrameObserver = (*Client)(nil)

// ObserveFrame writes a vendor frame record as a point. The write is
// non-blocking; points are batched and sent asynchronously.
func (c *Client) ObserveFrame(rec zwave.FrameRecord) {
	c.write(framePoint(rec))
}

// framePoint converts a frame record into a vendor_frames point.
//
// Tags: node_id, direction, result (relay_id is added by the write API).
// Fields: duration_ms, count, index.
func framePoint(rec zwave.FrameRecord) *write.Point {
	result := resultSuccess
	if !rec.Success {
		result = resultFailure
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	return write.NewPoint(
		MeasurementVendorFrames,
		map[string]string{
			"node_id":   strconv.Itoa(rec.NodeID),
			"direction": string(rec.Direction),
			"result":    result,
		},
		map[string]interface{}{
			"duration_ms": float64(rec.Duration.Microseconds()) / 1000,
			"count":       1,
			"index":       rec.Index,
		},
		at,
	)
}

// MeasurementDriverState holds one point per driver lifecycle transition.
const MeasurementDriverState = "driver_state"

// WriteDriverState records a lifecycle transition of the driver gate.
func (c *Client) WriteDriverState(state string, ready bool) {
	c.write(write.NewPoint(
		MeasurementDriverState,
		map[string]string{"state": state},
		map[string]interface{}{"ready": ready},
		time.Now(),
	))
}
