package zwavejs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// fakeServer speaks enough of the server protocol for the client.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []map[string]any
	entries  map[string]provisioningEntry
	// fail makes the named command answer success=false.
	fail map[string]string
	// silent commands never get a result.
	silent map[string]bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:       t,
		entries: make(map[string]provisioningEntry),
		fail:    make(map[string]string),
		silent:  make(map[string]bool),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		fs.send(map[string]any{
			"type":             "version",
			"driverVersion":    "12.0.0",
			"serverVersion":    "1.35.0",
			"minSchemaVersion": 0,
			"maxSchemaVersion": 30,
		})
		fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) send(v any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conn != nil {
		_ = fs.conn.WriteJSON(v)
	}
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		cmd, _ := msg["command"].(string)
		id, _ := msg["messageId"].(string)

		fs.mu.Lock()
		fs.commands = append(fs.commands, msg)
		reason, failing := fs.fail[cmd]
		silent := fs.silent[cmd]
		fs.mu.Unlock()

		if silent {
			continue
		}
		if failing {
			fs.send(map[string]any{"type": "result", "messageId": id, "success": false, "errorCode": "zwave_error", "zwaveErrorMessage": reason})
			continue
		}
		fs.send(map[string]any{"type": "result", "messageId": id, "success": true, "result": fs.result(cmd, msg)})
	}
}

func (fs *fakeServer) result(cmd string, msg map[string]any) any {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch cmd {
	case cmdStartListening:
		return map[string]any{"state": map[string]any{"nodes": []any{
			map[string]any{
				"nodeId": 1, "status": 4, "ready": true, "label": "ZST10",
				"commandClasses": []any{map[string]any{"id": 0x5e}},
			},
			map[string]any{
				"nodeId": 5, "name": "Kitchen sensor", "status": 1, "ready": true,
				"manufacturerId": 0x0371, "productType": 2, "productId": 3,
				"deviceConfig": map[string]any{"manufacturer": "Aeotec", "label": "ZW100", "description": "MultiSensor 6"},
				"endpoints": []any{map[string]any{"index": 0, "commandClasses": []any{map[string]any{"id": 0x31}}}},
			},
		}}}
	case cmdGetProvisioningEntries:
		list := make([]provisioningEntry, 0, len(fs.entries))
		for _, e := range fs.entries {
			list = append(list, e)
		}
		return map[string]any{"entries": list}
	case cmdGetProvisioningEntry:
		key, _ := msg["dskOrNodeId"].(string)
		if e, ok := fs.entries[key]; ok {
			return map[string]any{"entry": e}
		}
		return map[string]any{}
	case cmdProvision:
		raw, _ := json.Marshal(msg["entry"])
		var e provisioningEntry
		_ = json.Unmarshal(raw, &e)
		fs.entries[e.DSK] = e
	case cmdUnprovision:
		key, _ := msg["dskOrNodeId"].(string)
		delete(fs.entries, key)
	}
	return map[string]any{}
}

func (fs *fakeServer) commandsNamed(name string) []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []map[string]any
	for _, c := range fs.commands {
		if c["command"] == name {
			out = append(out, c)
		}
	}
	return out
}

func waitEvent(t *testing.T, events <-chan zwave.DriverEvent, want zwave.EventType) zwave.DriverEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed while waiting for %q", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func dialReady(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{URL: fs.url(), CommandTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	waitEvent(t, c.Events(), zwave.EventDriverReady)
	return c
}

func TestHandshakeSeedsNodes(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)

	schema := fs.commandsNamed(cmdSetAPISchema)
	if len(schema) != 1 {
		t.Fatalf("set_api_schema sent %d times", len(schema))
	}
	if v := schema[0]["schemaVersion"]; v != float64(30) {
		t.Errorf("schemaVersion = %v, want capped to 30", v)
	}

	nodes := c.Nodes()
	if len(nodes) != 2 || nodes[0].ID != 1 || nodes[1].ID != 5 {
		t.Fatalf("Nodes() = %+v", nodes)
	}

	n, ok := c.Node(5)
	if !ok {
		t.Fatal("node 5 missing")
	}
	if n.Status != zwave.NodeStatusAsleep || n.Manufacturer != "Aeotec" || n.Label != "ZW100" {
		t.Errorf("node 5 = %+v", n)
	}
	if !n.Supports(0x31) {
		t.Error("endpoint command classes not merged")
	}
}

func TestProvisioningRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)
	ctx := context.Background()

	dsk := "44254-06861-29292-15733-32592-57065-47196-10214"
	if _, err := c.ProvisioningEntry(ctx, dsk); !errors.Is(err, zwave.ErrNotFound) {
		t.Fatalf("ProvisioningEntry() before add error = %v, want ErrNotFound", err)
	}

	entry := zwave.ProvisioningEntry{
		DSK:                dsk,
		Name:               "Hall",
		Protocol:           zwave.ProtocolLongRange,
		Active:             false,
		SecurityClasses:    []zwave.SecurityClass{zwave.SecurityS2Unauthenticated, zwave.SecurityS0Legacy},
		SupportedProtocols: []zwave.Protocol{zwave.ProtocolStandard, zwave.ProtocolLongRange},
	}
	if err := c.Provision(ctx, entry); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	got, err := c.ProvisioningEntry(ctx, dsk)
	if err != nil {
		t.Fatalf("ProvisioningEntry() error = %v", err)
	}
	if got.Active || got.Protocol != zwave.ProtocolLongRange || !got.SupportsLongRange() || got.Name != "Hall" {
		t.Errorf("stored entry = %+v", got)
	}
	if len(got.SecurityClasses) != 2 {
		t.Errorf("SecurityClasses = %v", got.SecurityClasses)
	}

	list, err := c.ProvisioningEntries(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ProvisioningEntries() = %v, %v", list, err)
	}

	if err := c.Unprovision(ctx, dsk); err != nil {
		t.Fatalf("Unprovision() error = %v", err)
	}
	list, _ = c.ProvisioningEntries(ctx)
	if len(list) != 0 {
		t.Errorf("entries after unprovision = %v", list)
	}
}

func TestSendManufacturerData(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)

	if err := c.SendManufacturerData(context.Background(), 5, 0, 0x0371, []byte{0xAA, 0x01}); err != nil {
		t.Fatalf("SendManufacturerData() error = %v", err)
	}

	calls := fs.commandsNamed(cmdInvokeCCAPI)
	if len(calls) != 1 {
		t.Fatalf("invoke_cc_api sent %d times", len(calls))
	}
	call := calls[0]
	if call["commandClass"] != float64(0x91) || call["methodName"] != "sendData" {
		t.Errorf("call = %v", call)
	}
	args, _ := call["args"].([]any)
	if len(args) != 2 || args[0] != float64(0x0371) {
		t.Fatalf("args = %v", args)
	}
	buf, _ := args[1].(map[string]any)
	if buf["type"] != "Buffer" {
		t.Errorf("payload = %v", buf)
	}
}

func TestForceCommandClassUpdatesCache(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)

	if err := c.ForceCommandClass(context.Background(), 5, 0, zwave.CCManufacturerProprietary); err != nil {
		t.Fatalf("ForceCommandClass() error = %v", err)
	}
	n, _ := c.Node(5)
	if !n.Supports(zwave.CCManufacturerProprietary) {
		t.Error("forced command class not recorded on node")
	}
	if calls := fs.commandsNamed(cmdAddCC); len(calls) != 1 {
		t.Errorf("add_cc sent %d times", len(calls))
	}
}

func TestFailedResultWrapsUpstream(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)
	fs.mu.Lock()
	fs.fail[cmdInvokeCCAPI] = "node did not acknowledge"
	fs.mu.Unlock()
	before := c.Stats()

	err := c.SendManufacturerData(context.Background(), 5, 0, 1, []byte{1})
	if !errors.Is(err, zwave.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if !strings.Contains(err.Error(), "node did not acknowledge") {
		t.Errorf("error = %v, want server message", err)
	}

	after := c.Stats()
	if after.Requests != before.Requests+1 || after.Failures != before.Failures+1 {
		t.Errorf("stats = %+v, was %+v; want one more request and failure", after, before)
	}
}

func TestCommandTimeout(t *testing.T) {
	fs := newFakeServer(t)
	c, err := Dial(context.Background(), Config{URL: fs.url(), CommandTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	waitEvent(t, c.Events(), zwave.EventDriverReady)

	fs.mu.Lock()
	fs.silent[cmdGetProvisioningEntries] = true
	fs.mu.Unlock()

	if _, err := c.ProvisioningEntries(context.Background()); !errors.Is(err, zwave.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestEventsMapped(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)
	events := c.Events()

	fs.send(map[string]any{"type": "event", "event": map[string]any{
		"source": "controller", "event": "node added",
		"node": map[string]any{"nodeId": 9, "status": 0},
	}})
	if ev := waitEvent(t, events, zwave.EventNodeAdded); ev.NodeID != 9 {
		t.Errorf("node added = %+v", ev)
	}
	if _, ok := c.Node(9); !ok {
		t.Error("node 9 not cached")
	}

	fs.send(map[string]any{"type": "event", "event": map[string]any{"source": "node", "event": "dead", "nodeId": 9}})
	ev := waitEvent(t, events, zwave.EventNodeStatus)
	if ev.NodeID != 9 || ev.Status != zwave.NodeStatusDead {
		t.Errorf("node status = %+v", ev)
	}

	fs.send(map[string]any{"type": "event", "event": map[string]any{
		"source": "node", "event": "unhandled command", "nodeId": 9,
		"endpointIndex": 1, "commandClass": 0x91, "payload": "0371aa",
	}})
	ev = waitEvent(t, events, zwave.EventCommand)
	if ev.Command == nil || ev.Command.CommandClass != zwave.CCManufacturerProprietary || ev.Command.Endpoint != 1 {
		t.Fatalf("command = %+v", ev.Command)
	}
	if len(ev.Command.Payload) != 3 || ev.Command.Payload[2] != 0xAA {
		t.Errorf("payload = %x", ev.Command.Payload)
	}

	fs.send(map[string]any{"type": "event", "event": map[string]any{
		"source": "controller", "event": "node removed", "node": map[string]any{"nodeId": 9},
	}})
	waitEvent(t, events, zwave.EventNodeRemoved)
	if _, ok := c.Node(9); ok {
		t.Error("node 9 still cached after removal")
	}
}

func TestConnectionLossEmitsDriverError(t *testing.T) {
	fs := newFakeServer(t)
	c := dialReady(t, fs)

	fs.mu.Lock()
	_ = fs.conn.Close()
	fs.mu.Unlock()

	ev := waitEvent(t, c.Events(), zwave.EventDriverError)
	if !errors.Is(ev.Err, zwave.ErrUpstream) {
		t.Errorf("driver error = %v, want ErrUpstream", ev.Err)
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "http://localhost:3000"})
	if !errors.Is(err, zwave.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestEndpointURL(t *testing.T) {
	tests := map[string]string{
		"3000":                 "ws://localhost:3000",
		"zwave-server:3000":    "ws://zwave-server:3000",
		"ws://10.0.0.2:3000":   "ws://10.0.0.2:3000",
		"wss://hub.local/zwjs": "wss://hub.local/zwjs",
	}
	for in, want := range tests {
		if got := EndpointURL(in); got != want {
			t.Errorf("EndpointURL(%q) = %q, want %q", in, got, want)
		}
	}
}
