// Package zwavetest provides an in-memory zwave.Driver for tests.
package zwavetest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Ensure Driver implements zwave.Driver.
var _ zwave.Driver = (*Driver)(nil)

// Frame is one recorded SendManufacturerData call.
type Frame struct {
	NodeID         int
	Endpoint       int
	ManufacturerID uint16
	Data           []byte
}

// ForcedCC is one recorded ForceCommandClass call.
type ForcedCC struct {
	NodeID       int
	Endpoint     int
	CommandClass zwave.CommandClass
}

// Driver is a fake upstream connection holding nodes and a provisioning
// store in memory. The zero value is not usable; call NewDriver.
type Driver struct {
	mu sync.Mutex

	nodes   map[int]zwave.Node
	entries map[string]zwave.ProvisioningEntry
	order   []string

	events chan zwave.DriverEvent
	closed bool

	// Dial behaviour.
	DialErr error
	// ReadyErr makes Dial emit a driver error instead of driver ready.
	ReadyErr error
	// NoReady suppresses the ready event so callers can time out.
	NoReady   bool
	Endpoints []string

	// SendErr is returned by SendManufacturerData once FailAfter frames succeeded.
	SendErr   error
	FailAfter int

	ProvisionErr error

	frames []Frame
	forced []ForcedCC

	requests, failures uint64
}

// NewDriver returns a fake driver with the given nodes joined.
func NewDriver(nodes ...zwave.Node) *Driver {
	d := &Driver{
		nodes:   make(map[int]zwave.Node),
		entries: make(map[string]zwave.ProvisioningEntry),
		events:  make(chan zwave.DriverEvent, 64),
	}
	for _, n := range nodes {
		d.nodes[n.ID] = n
	}
	return d
}

// Dial implements zwave.Dialer. A closed fake is reopened so Start can
// follow Stop in one test.
func (d *Driver) Dial(_ context.Context, endpoint string) (zwave.Driver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Endpoints = append(d.Endpoints, endpoint)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.closed {
		d.events = make(chan zwave.DriverEvent, 64)
		d.closed = false
	}

	switch {
	case d.ReadyErr != nil:
		d.events <- zwave.DriverEvent{Type: zwave.EventDriverError, Err: d.ReadyErr}
	case !d.NoReady:
		d.events <- zwave.DriverEvent{Type: zwave.EventDriverReady}
	}
	return d, nil
}

// SetNoReady toggles NoReady for dials made after the call.
func (d *Driver) SetNoReady(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NoReady = v
}

// Emit delivers ev to the events channel. Dropped silently after Close.
func (d *Driver) Emit(ev zwave.DriverEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.events <- ev
}

// AddNode joins n and emits a node added event.
func (d *Driver) AddNode(n zwave.Node) {
	d.mu.Lock()
	d.nodes[n.ID] = n
	d.mu.Unlock()
	d.Emit(zwave.DriverEvent{Type: zwave.EventNodeAdded, NodeID: n.ID})
}

// SetNode replaces a node without emitting anything.
func (d *Driver) SetNode(n zwave.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.ID] = n
}

// Seed stores entry directly, bypassing Provision.
func (d *Driver) Seed(entry zwave.ProvisioningEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.put(entry)
}

func (d *Driver) Events() <-chan zwave.DriverEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

func (d *Driver) Nodes() []zwave.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]zwave.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b zwave.Node) int { return a.ID - b.ID })
	return out
}

func (d *Driver) Node(id int) (zwave.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	return n, ok
}

func (d *Driver) ProvisioningEntries(_ context.Context) ([]zwave.ProvisioningEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]zwave.ProvisioningEntry, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.entries[k])
	}
	return out, nil
}

func (d *Driver) ProvisioningEntry(_ context.Context, dsk string) (*zwave.ProvisioningEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[dsk]
	if !ok {
		return nil, fmt.Errorf("%w: provisioning entry %s", zwave.ErrNotFound, dsk)
	}
	return &e, nil
}

func (d *Driver) Provision(_ context.Context, entry zwave.ProvisioningEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ProvisionErr != nil {
		return d.ProvisionErr
	}
	d.put(entry)
	return nil
}

func (d *Driver) put(entry zwave.ProvisioningEntry) {
	if _, ok := d.entries[entry.DSK]; !ok {
		d.order = append(d.order, entry.DSK)
	}
	d.entries[entry.DSK] = entry
}

func (d *Driver) Unprovision(_ context.Context, dsk string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[dsk]; !ok {
		return fmt.Errorf("%w: provisioning entry %s", zwave.ErrNotFound, dsk)
	}
	delete(d.entries, dsk)
	d.order = slices.DeleteFunc(d.order, func(k string) bool { return k == dsk })
	return nil
}

func (d *Driver) ForceCommandClass(_ context.Context, nodeID, endpoint int, cc zwave.CommandClass) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: node %d", zwave.ErrNotFound, nodeID)
	}
	d.forced = append(d.forced, ForcedCC{NodeID: nodeID, Endpoint: endpoint, CommandClass: cc})
	if !n.Supports(cc) {
		n.CommandClasses = append(slices.Clone(n.CommandClasses), cc)
		d.nodes[nodeID] = n
	}
	return nil
}

func (d *Driver) SendManufacturerData(_ context.Context, nodeID, endpoint int, manufacturerID uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	if d.SendErr != nil && len(d.frames) >= d.FailAfter {
		d.failures++
		return d.SendErr
	}
	d.frames = append(d.frames, Frame{
		NodeID:         nodeID,
		Endpoint:       endpoint,
		ManufacturerID: manufacturerID,
		Data:           slices.Clone(data),
	})
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

// Stats implements zwave.StatsReporter. Requests counts frame sends.
func (d *Driver) Stats() zwave.DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return zwave.DriverStats{Requests: d.requests, Failures: d.failures}
}

// Frames returns every frame sent so far.
func (d *Driver) Frames() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.frames)
}

// Forced returns every ForceCommandClass call so far.
func (d *Driver) Forced() []ForcedCC {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.forced)
}

// Closed reports whether Close was called since the last Dial.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
