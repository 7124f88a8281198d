// Package zwavejs connects to a zwave-js-server compatible socket and
// exposes it as a zwave.Driver.
//
// The server owns the USB controller and the radio. The client performs the
// schema handshake, mirrors the node list from the event stream, and maps the
// handful of commands the relay needs onto the server's command catalog.
package zwavejs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Defaults applied by Dial.
const (
	defaultSchemaVersion    = 35
	defaultCommandTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultEventBuffer      = 256
	writeWait               = 10 * time.Second
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Config holds upstream connection settings.
type Config struct {
	// URL is the server socket, e.g. "ws://localhost:3000".
	URL string

	// SchemaVersion is sent with set_api_schema. Default: 35.
	SchemaVersion int

	// CommandTimeout bounds every request. Default: 30 seconds.
	CommandTimeout time.Duration

	// HandshakeTimeout bounds the socket dial. Default: 10 seconds.
	HandshakeTimeout time.Duration

	Logger zwave.Logger
}

// Ensure Client implements zwave.Driver and reports its counters.
var (
	_ zwave.Driver        = (*Client)(nil)
	_ zwave.StatsReporter = (*Client)(nil)
)

// Client is a live upstream connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Events are delivered on a buffered channel; when it is full the event
//     is dropped and counted.
type Client struct {
	cfg  Config
	conn *websocket.Conn
	log  zwave.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan incoming

	nodesMu sync.RWMutex
	nodes   map[int]zwave.Node

	eventsMu     sync.Mutex
	events       chan zwave.DriverEvent
	eventsClosed bool

	version   chan incoming
	done      *closeOnce
	wg        sync.WaitGroup
	closer    sync.Once
	closeErr  error

	requests      atomic.Uint64
	failures      atomic.Uint64
	eventsRx      atomic.Uint64
	eventsDropped atomic.Uint64
}

// NewDialer returns a zwave.Dialer that fills cfg.URL from the endpoint
// passed to Start. An empty endpoint keeps cfg.URL.
func NewDialer(cfg Config) zwave.Dialer {
	return func(ctx context.Context, endpoint string) (zwave.Driver, error) {
		c := cfg
		if endpoint != "" {
			c.URL = EndpointURL(endpoint)
		}
		return Dial(ctx, c)
	}
}

// EndpointURL turns a START port value into a socket URL. A bare number is
// a port on localhost; a value without a scheme gets ws://.
func EndpointURL(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if _, err := strconv.Atoi(endpoint); err == nil {
		return "ws://localhost:" + endpoint
	}
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint
	}
	return "ws://" + endpoint
}

// Dial opens the socket and starts the handshake in the background.
//
// Parameters:
//   - ctx: Context for the dial only
//   - cfg: Connection configuration
//
// Returns:
//   - *Client: Connected client; readiness arrives as zwave.EventDriverReady
//   - error: Wraps zwave.ErrUpstream if the socket cannot be opened
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = defaultSchemaVersion
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zwave.NopLogger{}
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("%w: invalid server url %q", zwave.ErrValidation, cfg.URL)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil) //nolint:bodyclose // closed by the dialer on success
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", zwave.ErrUpstream, u.Redacted(), err)
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		log:     cfg.Logger,
		pending: make(map[string]chan incoming),
		nodes:   make(map[int]zwave.Node),
		events:  make(chan zwave.DriverEvent, defaultEventBuffer),
		version: make(chan incoming, 1),
		done:    newCloseOnce(),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.handshake()

	return c, nil
}

// handshake waits for the version banner, pins the schema, and seeds the
// node cache from start_listening.
func (c *Client) handshake() {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.done.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var v incoming
	select {
	case v = <-c.version:
	case <-ctx.Done():
		c.fail(fmt.Errorf("%w: no version banner from server", zwave.ErrTimeout))
		return
	}
	c.log.Info("connected to z-wave server",
		"driver_version", v.DriverVersion,
		"server_version", v.ServerVersion,
	)

	schema := c.cfg.SchemaVersion
	if v.MaxSchemaVersion > 0 && schema > v.MaxSchemaVersion {
		schema = v.MaxSchemaVersion
	}
	if _, err := c.request(ctx, cmdSetAPISchema, map[string]any{"schemaVersion": schema}); err != nil {
		c.fail(err)
		return
	}

	raw, err := c.request(ctx, cmdStartListening, nil)
	if err != nil {
		c.fail(err)
		return
	}
	var res startListeningResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.fail(fmt.Errorf("%w: decoding start_listening: %w", zwave.ErrUpstream, err))
		return
	}

	c.nodesMu.Lock()
	for _, n := range res.State.Nodes {
		c.nodes[n.NodeID] = n.toNode()
	}
	c.nodesMu.Unlock()

	c.emit(zwave.DriverEvent{Type: zwave.EventDriverReady})
}

func (c *Client) fail(err error) {
	c.log.Error("z-wave server handshake failed", "error", err)
	c.emit(zwave.DriverEvent{Type: zwave.EventDriverError, Err: err})
}

// readLoop dispatches server messages until the socket closes.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.closeEvents()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done.Done():
			default:
				c.log.Warn("z-wave server connection lost", "error", err)
				c.emit(zwave.DriverEvent{
					Type: zwave.EventDriverError,
					Err:  fmt.Errorf("%w: connection lost: %w", zwave.ErrUpstream, err),
				})
				c.done.Close()
			}
			c.failPending()
			return
		}

		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("ignoring malformed server message", "error", err)
			continue
		}

		switch msg.Type {
		case typeVersion:
			select {
			case c.version <- msg:
			default:
			}
		case typeResult:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.MessageID]
			delete(c.pending, msg.MessageID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case typeEvent:
			if msg.Event != nil {
				c.handleEvent(*msg.Event)
			}
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) handleEvent(ev eventBody) {
	c.eventsRx.Add(1)

	switch ev.Source {
	case "driver":
		switch ev.Event {
		case "all nodes ready":
			c.emit(zwave.DriverEvent{Type: zwave.EventAllNodesReady})
		case "error":
			c.emit(zwave.DriverEvent{
				Type: zwave.EventDriverError,
				Err:  fmt.Errorf("%w: %s", zwave.ErrUpstream, ev.Error),
			})
		}

	case "controller":
		if ev.Node == nil {
			return
		}
		switch ev.Event {
		case "node added":
			node := ev.Node.toNode()
			c.nodesMu.Lock()
			c.nodes[node.ID] = node
			c.nodesMu.Unlock()
			c.emit(zwave.DriverEvent{Type: zwave.EventNodeAdded, NodeID: node.ID})
		case "node removed":
			c.nodesMu.Lock()
			delete(c.nodes, ev.Node.NodeID)
			c.nodesMu.Unlock()
			c.emit(zwave.DriverEvent{Type: zwave.EventNodeRemoved, NodeID: ev.Node.NodeID})
		}

	case "node":
		c.handleNodeEvent(ev)
	}
}

func (c *Client) handleNodeEvent(ev eventBody) {
	var status zwave.NodeStatus
	switch ev.Event {
	case "alive", "wake up":
		status = zwave.NodeStatusAlive
	case "dead":
		status = zwave.NodeStatusDead
	case "sleep":
		status = zwave.NodeStatusAsleep
	case "ready":
		if ev.NodeState != nil {
			node := ev.NodeState.toNode()
			node.ID = ev.NodeID
			node.Ready = true
			c.nodesMu.Lock()
			c.nodes[node.ID] = node
			c.nodesMu.Unlock()
		} else {
			c.updateNode(ev.NodeID, func(n *zwave.Node) { n.Ready = true })
		}
		c.emit(zwave.DriverEvent{Type: zwave.EventNodeReady, NodeID: ev.NodeID})
		return
	case "unhandled command":
		c.emit(zwave.DriverEvent{
			Type:   zwave.EventCommand,
			NodeID: ev.NodeID,
			Command: &zwave.Command{
				NodeID:       ev.NodeID,
				Endpoint:     ev.EndpointIndex,
				CommandClass: zwave.CommandClass(ev.CommandClass),
				Payload:      decodePayload(ev.Payload),
			},
		})
		return
	default:
		return
	}

	c.updateNode(ev.NodeID, func(n *zwave.Node) { n.Status = status })
	c.emit(zwave.DriverEvent{Type: zwave.EventNodeStatus, NodeID: ev.NodeID, Status: status})
}

func (c *Client) updateNode(id int, fn func(*zwave.Node)) {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	if n, ok := c.nodes[id]; ok {
		fn(&n)
		c.nodes[id] = n
	}
}

func (c *Client) emit(ev zwave.DriverEvent) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
		c.log.Warn("driver event dropped, consumer too slow", "event", string(ev.Type))
	}
}

func (c *Client) closeEvents() {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}

// request sends one command and waits for its result.
func (c *Client) request(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	c.requests.Add(1)

	id := uuid.NewString()
	msg := make(map[string]any, len(args)+2)
	for k, v := range args {
		msg[k] = v
	}
	msg["messageId"] = id
	msg["command"] = command

	ch := make(chan incoming, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("%w: sending %s: %w", zwave.ErrUpstream, command, err)
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			c.failures.Add(1)
			return nil, fmt.Errorf("%w: %s: connection closed", zwave.ErrUpstream, command)
		}
		if !res.Success {
			c.failures.Add(1)
			detail := res.Message
			if res.ZWaveErrorMessage != "" {
				detail = res.ZWaveErrorMessage
			}
			if detail == "" {
				detail = res.ErrorCode
			}
			return nil, fmt.Errorf("%w: %s: %s", zwave.ErrUpstream, command, detail)
		}
		return res.Result, nil
	case <-timer.C:
		c.failures.Add(1)
		return nil, fmt.Errorf("%w: %s after %s", zwave.ErrTimeout, command, c.cfg.CommandTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", zwave.ErrTimeout, command, ctx.Err())
		}
		return nil, ctx.Err()
	case <-c.done.Done():
		return nil, fmt.Errorf("%w: %s: connection closed", zwave.ErrUpstream, command)
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Events implements zwave.Driver.
func (c *Client) Events() <-chan zwave.DriverEvent {
	return c.events
}

// Nodes implements zwave.Driver.
func (c *Client) Nodes() []zwave.Node {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()
	out := make([]zwave.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

// Node implements zwave.Driver.
func (c *Client) Node(id int) (zwave.Node, bool) {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// ProvisioningEntries implements zwave.Driver.
func (c *Client) ProvisioningEntries(ctx context.Context) ([]zwave.ProvisioningEntry, error) {
	raw, err := c.request(ctx, cmdGetProvisioningEntries, nil)
	if err != nil {
		return nil, err
	}
	var res provisioningEntriesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decoding provisioning entries: %w", zwave.ErrUpstream, err)
	}
	out := make([]zwave.ProvisioningEntry, 0, len(res.Entries))
	for _, e := range res.Entries {
		out = append(out, e.toEntry())
	}
	return out, nil
}

// ProvisioningEntry implements zwave.Driver.
func (c *Client) ProvisioningEntry(ctx context.Context, dsk string) (*zwave.ProvisioningEntry, error) {
	raw, err := c.request(ctx, cmdGetProvisioningEntry, map[string]any{"dskOrNodeId": dsk})
	if err != nil {
		return nil, err
	}
	var res provisioningEntryResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%w: decoding provisioning entry: %w", zwave.ErrUpstream, err)
		}
	}
	if res.Entry == nil {
		return nil, fmt.Errorf("%w: provisioning entry %s", zwave.ErrNotFound, dsk)
	}
	e := res.Entry.toEntry()
	return &e, nil
}

// Provision implements zwave.Driver.
func (c *Client) Provision(ctx context.Context, entry zwave.ProvisioningEntry) error {
	_, err := c.request(ctx, cmdProvision, map[string]any{"entry": fromEntry(entry)})
	return err
}

// Unprovision implements zwave.Driver.
func (c *Client) Unprovision(ctx context.Context, dsk string) error {
	_, err := c.request(ctx, cmdUnprovision, map[string]any{"dskOrNodeId": dsk})
	return err
}

// ForceCommandClass implements zwave.Driver.
func (c *Client) ForceCommandClass(ctx context.Context, nodeID, endpoint int, cc zwave.CommandClass) error {
	_, err := c.request(ctx, cmdAddCC, map[string]any{
		"nodeId":       nodeID,
		"endpoint":     endpoint,
		"commandClass": int(cc),
		"info":         map[string]bool{"isSupported": true, "isControlled": true},
	})
	if err != nil {
		return err
	}
	c.updateNode(nodeID, func(n *zwave.Node) {
		if !n.Supports(cc) {
			n.CommandClasses = append(n.CommandClasses, cc)
		}
	})
	return nil
}

// SendManufacturerData implements zwave.Driver.
func (c *Client) SendManufacturerData(ctx context.Context, nodeID, endpoint int, manufacturerID uint16, data []byte) error {
	_, err := c.request(ctx, cmdInvokeCCAPI, map[string]any{
		"nodeId":       nodeID,
		"endpoint":     endpoint,
		"commandClass": int(zwave.CCManufacturerProprietary),
		"methodName":   "sendData",
		"args":         []any{int(manufacturerID), newBuffer(data)},
	})
	return err
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() zwave.DriverStats {
	return zwave.DriverStats{
		Requests:      c.requests.Load(),
		Failures:      c.failures.Load(),
		Events:        c.eventsRx.Load(),
		EventsDropped: c.eventsDropped.Load(),
	}
}

// Close implements zwave.Driver. Safe to call more than once.
func (c *Client) Close() error {
	c.closer.Do(func() {
		c.done.Close()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
		c.wg.Wait()
	})
	return c.closeErr
}

func sortNodes(nodes []zwave.Node) {
	slices.SortFunc(nodes, func(a, b zwave.Node) int { return a.ID - b.ID })
}
