package proprietary

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/zwave-relay/internal/controller"
	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// ProprietaryCommand is the broadcast payload for an intercepted frame.
type ProprietaryCommand struct {
	NodeID         int       `json:"nodeId"`
	Endpoint       int       `json:"endpoint"`
	ManufacturerID int       `json:"manufacturerId"`
	PayloadHex     string    `json:"payloadHex"`
	PayloadLength  int       `json:"payloadLength"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// CommandHandler processes one inbound command taken from the dispatch table.
type CommandHandler func(ctx context.Context, cmd zwave.Command)

// Publisher receives broadcast events. *controller.Bus satisfies it.
type Publisher interface {
	Publish(ev controller.Event)
}

// Interceptor force-enables the proprietary class on nodes and routes their
// inbound commands through a dispatch table.
type Interceptor struct {
	bus Publisher
	log zwave.Logger

	mu        sync.RWMutex
	attached  map[int]bool
	table     map[zwave.CommandClass]CommandHandler
	fallback  CommandHandler
	observers []zwave.FrameObserver
}

// Ensure Interceptor implements controller.DriverHook.
var _ controller.DriverHook = (*Interceptor)(nil)

// NewInterceptor creates an interceptor publishing to bus, with the
// proprietary class already in its dispatch table.
func NewInterceptor(bus Publisher, log zwave.Logger) *Interceptor {
	if log == nil {
		log = zwave.NopLogger{}
	}
	i := &Interceptor{
		bus:      bus,
		log:      log,
		attached: make(map[int]bool),
		table:    make(map[zwave.CommandClass]CommandHandler),
	}
	i.table[zwave.CCManufacturerProprietary] = i.handleProprietary
	i.fallback = func(_ context.Context, cmd zwave.Command) {
		i.log.Debug("unhandled command", "node_id", cmd.NodeID, "cc", cmd.CommandClass.String(), "bytes", len(cmd.Payload))
	}
	return i
}

// Handle registers h for cc, replacing any existing entry.
func (i *Interceptor) Handle(cc zwave.CommandClass, h CommandHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.table[cc] = h
}

// AddObserver registers a frame observer for intercepted frames.
func (i *Interceptor) AddObserver(o zwave.FrameObserver) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observers = append(i.observers, o)
}

// Attached reports whether nodeID has been attached.
func (i *Interceptor) Attached(nodeID int) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.attached[nodeID]
}

// Attach marks nodeID as intercepted, forcing the proprietary class first
// when the node does not advertise it. Attaching an attached node is a no-op.
func (i *Interceptor) Attach(ctx context.Context, d zwave.Driver, nodeID int) error {
	if i.Attached(nodeID) {
		return nil
	}
	if err := Force(ctx, d, nodeID, 0); err != nil {
		return err
	}

	i.mu.Lock()
	i.attached[nodeID] = true
	i.mu.Unlock()
	i.log.Debug("node attached", "node_id", nodeID)
	return nil
}

// Detach forgets nodeID so a later Attach forces the class again.
func (i *Interceptor) Detach(nodeID int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.attached, nodeID)
}

// Dispatch routes cmd to its table entry. Commands from nodes that are not
// attached, and classes without an entry, go to the fallback.
func (i *Interceptor) Dispatch(ctx context.Context, cmd zwave.Command) {
	i.mu.RLock()
	h, ok := i.table[cmd.CommandClass]
	if !ok || !i.attached[cmd.NodeID] {
		h = i.fallback
	}
	i.mu.RUnlock()

	h(ctx, cmd)
}

// HandleDriverEvent implements controller.DriverHook.
func (i *Interceptor) HandleDriverEvent(ctx context.Context, d zwave.Driver, ev zwave.DriverEvent) {
	switch ev.Type {
	case zwave.EventDriverReady:
		// A new connection: markers from the previous one no longer hold.
		i.mu.Lock()
		i.attached = make(map[int]bool)
		i.mu.Unlock()
		for _, n := range d.Nodes() {
			i.attachLogged(ctx, d, n.ID)
		}
	case zwave.EventNodeAdded, zwave.EventNodeReady:
		i.attachLogged(ctx, d, ev.NodeID)
	case zwave.EventNodeRemoved:
		i.Detach(ev.NodeID)
	case zwave.EventCommand:
		if ev.Command != nil {
			i.Dispatch(ctx, *ev.Command)
		}
	}
}

func (i *Interceptor) attachLogged(ctx context.Context, d zwave.Driver, nodeID int) {
	if err := i.Attach(ctx, d, nodeID); err != nil {
		i.log.Warn("forcing proprietary command class failed", "node_id", nodeID, "error", err)
	}
}

func (i *Interceptor) handleProprietary(_ context.Context, cmd zwave.Command) {
	msg := ProprietaryCommand{
		NodeID:     cmd.NodeID,
		Endpoint:   cmd.Endpoint,
		ReceivedAt: time.Now().UTC(),
	}
	data := cmd.Payload
	if len(data) >= 2 {
		msg.ManufacturerID = int(data[0])<<8 | int(data[1])
		data = data[2:]
	}
	msg.PayloadHex = hex.EncodeToString(data)
	msg.PayloadLength = len(data)

	i.log.Info("proprietary command received",
		"node_id", msg.NodeID, "manufacturer_id", fmt.Sprintf("0x%04X", msg.ManufacturerID), "bytes", msg.PayloadLength)

	if i.bus != nil {
		i.bus.Publish(controller.Event{Type: controller.EventManufacturerProp, Data: msg, At: msg.ReceivedAt})
	}

	i.mu.RLock()
	observers := i.observers
	i.mu.RUnlock()
	rec := zwave.FrameRecord{
		NodeID:         msg.NodeID,
		Endpoint:       msg.Endpoint,
		ManufacturerID: uint16(msg.ManufacturerID),
		Direction:      zwave.DirectionInbound,
		PayloadHex:     msg.PayloadHex,
		Success:        true,
		At:             msg.ReceivedAt,
	}
	for _, o := range observers {
		o.ObserveFrame(rec)
	}
}

// Force marks the proprietary class supported and controlled on a node
// endpoint unless the node already advertises it.
func Force(ctx context.Context, d zwave.Driver, nodeID, endpoint int) error {
	n, ok := d.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: node %d", zwave.ErrNotFound, nodeID)
	}
	if n.Supports(zwave.CCManufacturerProprietary) {
		return nil
	}
	if err := d.ForceCommandClass(ctx, nodeID, endpoint, zwave.CCManufacturerProprietary); err != nil {
		return fmt.Errorf("forcing %s on node %d: %w", zwave.CCManufacturerProprietary, nodeID, err)
	}
	return nil
}
