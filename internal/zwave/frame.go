package zwave

import "time"

// Direction of a vendor frame relative to the relay.
type Direction string

// Frame directions.
const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// FrameRecord describes one Manufacturer Proprietary frame the relay sent or
// intercepted. Observers receive it after the fact for history and telemetry.
type FrameRecord struct {
	NodeID         int
	Endpoint       int
	ManufacturerID uint16
	Direction      Direction
	PayloadHex     string
	// Index is the position within a multi-frame send; 0 for inbound frames.
	Index    int
	Success  bool
	Err      string
	Duration time.Duration
	At       time.Time
}

// FrameObserver receives frame records. Implementations must not block.
type FrameObserver interface {
	ObserveFrame(FrameRecord)
}
