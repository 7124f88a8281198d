package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/zwave-relay/internal/zwave"
	"github.com/nerrad567/zwave-relay/internal/zwave/zwavetest"
)

func newTestController(t *testing.T, d *zwavetest.Driver) (*Controller, <-chan Event) {
	t.Helper()
	c := New(Config{
		Dialer:          d.Dial,
		DefaultEndpoint: "ws://localhost:3000",
		ReadyTimeout:    time.Second,
	})
	events, unsubscribe := c.Bus().Subscribe("test", 32)
	t.Cleanup(func() {
		unsubscribe()
		_ = c.Close()
	})
	return c, events
}

// nextEvent waits for the next event of type typ, skipping others.
func nextEvent(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}

type recordingHook struct {
	mu     sync.Mutex
	events []zwave.EventType
}

func (h *recordingHook) HandleDriverEvent(_ context.Context, _ zwave.Driver, ev zwave.DriverEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev.Type)
}

func (h *recordingHook) seen() []zwave.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]zwave.EventType(nil), h.events...)
}

func TestStartLifecycle(t *testing.T) {
	d := zwavetest.NewDriver()
	c, events := newTestController(t, d)

	if c.State() != StateUninitialized {
		t.Fatalf("initial state = %s", c.State())
	}
	if _, err := c.Driver(); !errors.Is(err, zwave.ErrNotReady) {
		t.Errorf("Driver() before start error = %v, want ErrNotReady", err)
	}

	if err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.Ready() {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if got := d.Endpoints; len(got) != 1 || got[0] != "ws://localhost:3000" {
		t.Errorf("dialed endpoints = %v, want default", got)
	}
	nextEvent(t, events, EventDriverReady)

	st := c.Status()
	if !st.Ready || !st.Connected || st.Endpoint != "ws://localhost:3000" {
		t.Errorf("Status() = %+v", st)
	}

	err := c.Start(context.Background(), "ws://other:3000")
	if !errors.Is(err, zwave.ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if !strings.Contains(err.Error(), "already started") {
		t.Errorf("error message = %q", err.Error())
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.State() != StateStopped || !d.Closed() {
		t.Errorf("after Stop: state = %s, closed = %v", c.State(), d.Closed())
	}
	nextEvent(t, events, EventDriverStopped)

	if err := c.Stop(context.Background()); !errors.Is(err, zwave.ErrNotReady) {
		t.Errorf("Stop() while stopped error = %v, want ErrNotReady", err)
	}

	// Stopped -> Starting is allowed.
	if err := c.Start(context.Background(), "ws://other:3000"); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if c.Status().Endpoint != "ws://other:3000" {
		t.Errorf("endpoint = %q", c.Status().Endpoint)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(d *zwavetest.Driver)
		wantErr error
	}{
		{"dial error", func(d *zwavetest.Driver) { d.DialErr = zwave.ErrUpstream }, zwave.ErrUpstream},
		{"driver error before ready", func(d *zwavetest.Driver) { d.ReadyErr = errors.New("serial port busy") }, zwave.ErrUpstream},
		{"never ready", func(d *zwavetest.Driver) { d.NoReady = true }, zwave.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := zwavetest.NewDriver()
			tt.setup(d)
			c, events := newTestController(t, d)

			err := c.Start(context.Background(), "ws://localhost:3000")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
			if c.State() != StateUninitialized {
				t.Errorf("state = %s, want uninitialized", c.State())
			}
			if c.Status().Connected {
				t.Error("Connected = true after failed start")
			}
			if ev := nextEvent(t, events, EventError); ev.Message == "" {
				t.Error("ERROR event has no message")
			}
		})
	}
}

func TestConnectionLossReturnsToUninitialized(t *testing.T) {
	d := zwavetest.NewDriver()
	c, events := newTestController(t, d)
	if err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d.Emit(zwave.DriverEvent{Type: zwave.EventDriverError, Err: errors.New("socket closed")})

	ev := nextEvent(t, events, EventError)
	if !strings.Contains(ev.Message, "socket closed") {
		t.Errorf("ERROR message = %q", ev.Message)
	}
	if c.State() != StateUninitialized {
		t.Errorf("state = %s, want uninitialized", c.State())
	}

	// A new start is accepted after the failure.
	if err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() after loss error = %v", err)
	}
}

func TestNodeEventsAndHooks(t *testing.T) {
	d := zwavetest.NewDriver()
	c, events := newTestController(t, d)
	hook := &recordingHook{}
	c.AddHook(hook)

	var states []State
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d.AddNode(zwave.Node{ID: 5})
	d.Emit(zwave.DriverEvent{Type: zwave.EventNodeStatus, NodeID: 5, Status: zwave.NodeStatusDead})
	d.Emit(zwave.DriverEvent{Type: zwave.EventNodeRemoved, NodeID: 5})

	added := nextEvent(t, events, EventNodeAdded)
	if added.Data.(NodeEventData).NodeID != 5 {
		t.Errorf("NODE_ADDED data = %+v", added.Data)
	}
	status := nextEvent(t, events, EventNodeStatusChanged)
	if got := status.Data.(NodeEventData); got.Status != zwave.NodeStatusDead {
		t.Errorf("NODE_STATUS_CHANGED data = %+v", got)
	}
	nextEvent(t, events, EventNodeRemoved)

	want := []zwave.EventType{zwave.EventDriverReady, zwave.EventNodeAdded, zwave.EventNodeStatus, zwave.EventNodeRemoved}
	deadline := time.Now().Add(time.Second)
	for len(hook.seen()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := hook.seen()
	if len(got) != len(want) {
		t.Fatalf("hook saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hook event %d = %s, want %s", i, got[i], want[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateStarting || states[1] != StateReady {
		t.Errorf("state changes = %v", states)
	}
}

func TestWaitReady(t *testing.T) {
	d := zwavetest.NewDriver()
	c, _ := newTestController(t, d)

	if _, err := c.WaitReady(context.Background(), 20*time.Millisecond); !errors.Is(err, zwave.ErrTimeout) {
		t.Fatalf("WaitReady() error = %v, want ErrTimeout", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := c.WaitReady(context.Background(), 2*time.Second)
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("WaitReady() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitReady() did not return")
	}

	drv, err := c.WaitReady(context.Background(), 0)
	if err != nil || drv == nil {
		t.Errorf("WaitReady() when ready = %v, %v", drv, err)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus(nil)
	slow, unsubscribe := b.Subscribe("slow", 1)
	fast, unsubscribeFast := b.Subscribe("fast", 8)
	defer unsubscribeFast()

	for _, typ := range []string{"A", "B", "C"} {
		b.Publish(Event{Type: typ})
	}

	if ev := <-slow; ev.Type != "A" {
		t.Errorf("slow subscriber got %s, want A", ev.Type)
	}
	select {
	case ev := <-slow:
		t.Errorf("slow subscriber got extra event %s", ev.Type)
	default:
	}
	for _, want := range []string{"A", "B", "C"} {
		if ev := <-fast; ev.Type != want || ev.At.IsZero() {
			t.Errorf("fast subscriber got %+v, want %s", ev, want)
		}
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-slow; ok {
		t.Error("channel still open after unsubscribe")
	}
	if b.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", b.Subscribers())
	}
}
