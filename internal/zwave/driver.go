package zwave

import "context"

// Driver is the external controller connection the relay sits in front of.
//
// Implementations own the radio transport, inclusion handshake and key
// exchange. The relay only consumes lifecycle events, the node registry,
// the provisioning store and two capability calls.
type Driver interface {
	// Events delivers lifecycle and node events. The channel is closed when
	// the driver is closed.
	Events() <-chan DriverEvent

	// Nodes returns a snapshot of every joined node.
	Nodes() []Node

	// Node returns one node by id.
	Node(id int) (Node, bool)

	// ProvisioningEntries lists the provisioning store.
	ProvisioningEntries(ctx context.Context) ([]ProvisioningEntry, error)

	// ProvisioningEntry looks up one entry by canonical DSK.
	// Returns ErrNotFound when absent.
	ProvisioningEntry(ctx context.Context, dsk string) (*ProvisioningEntry, error)

	// Provision inserts or replaces the entry keyed by entry.DSK.
	Provision(ctx context.Context, entry ProvisioningEntry) error

	// Unprovision deletes the entry keyed by dsk.
	Unprovision(ctx context.Context, dsk string) error

	// ForceCommandClass marks cc as supported and controlled on a node endpoint.
	ForceCommandClass(ctx context.Context, nodeID, endpoint int, cc CommandClass) error

	// SendManufacturerData sends one Manufacturer Proprietary frame.
	SendManufacturerData(ctx context.Context, nodeID, endpoint int, manufacturerID uint16, data []byte) error

	// Close releases the upstream connection.
	Close() error
}

// DriverStats counts traffic on one upstream connection.
type DriverStats struct {
	Requests      uint64 `json:"requests"`
	Failures      uint64 `json:"failures"`
	Events        uint64 `json:"events"`
	EventsDropped uint64 `json:"eventsDropped"`
}

// StatsReporter is implemented by drivers that count their traffic.
type StatsReporter interface {
	Stats() DriverStats
}

// Dialer opens a Driver connection to endpoint. It returns once the
// connection exists; readiness is signalled later via EventDriverReady.
type Dialer func(ctx context.Context, endpoint string) (Driver, error)

// EventType classifies a DriverEvent.
type EventType string

// Driver event types.
const (
	EventDriverReady   EventType = "driver ready"
	EventDriverError   EventType = "driver error"
	EventAllNodesReady EventType = "all nodes ready"
	EventNodeAdded     EventType = "node added"
	EventNodeRemoved   EventType = "node removed"
	EventNodeStatus    EventType = "node status"
	EventNodeReady     EventType = "node ready"
	EventCommand       EventType = "command"
)

// DriverEvent is one asynchronous notification from the driver.
type DriverEvent struct {
	Type EventType

	// NodeID is set for node events and EventCommand.
	NodeID int

	// Status is set for EventNodeStatus.
	Status NodeStatus

	// Err is set for EventDriverError.
	Err error

	// Command is set for EventCommand.
	Command *Command
}
