// Package controller owns the upstream driver connection and its lifecycle
// gate, and fans driver events out to the rest of the relay over a Bus.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// DefaultReadyTimeout bounds Start and WaitReady when no timeout is given.
const DefaultReadyTimeout = 30 * time.Second

// DriverHook receives every driver event after the controller has applied
// it to the gate. Hooks run on the event pump goroutine, in order.
type DriverHook interface {
	HandleDriverEvent(ctx context.Context, d zwave.Driver, ev zwave.DriverEvent)
}

// Config holds controller dependencies.
type Config struct {
	Dialer          zwave.Dialer
	DefaultEndpoint string
	ReadyTimeout    time.Duration
	Bus             *Bus
	Logger          zwave.Logger
}

// Status is a snapshot of the lifecycle for status queries.
type Status struct {
	State     State  `json:"state"`
	Ready     bool   `json:"ready"`
	Endpoint  string `json:"endpoint"`
	Connected bool   `json:"connected"`

	// Upstream holds the connection counters when the driver keeps them.
	Upstream *zwave.DriverStats `json:"upstream,omitempty"`
}

// Controller is the relay's context object: one per process, passed to
// every component that needs the driver.
type Controller struct {
	dial            zwave.Dialer
	defaultEndpoint string
	readyTimeout    time.Duration
	bus             *Bus
	log             zwave.Logger
	gate            *fsm.FSM

	// mu serialises lifecycle operations and guards the fields below.
	mu       sync.Mutex
	driver   zwave.Driver
	endpoint string
	gen      uint64
	readyCh  chan struct{}
	startCh  chan error

	hooksMu   sync.RWMutex
	hooks     []DriverHook
	observers []func(State)
}

// New creates a controller in the Uninitialized state.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zwave.NopLogger{}
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus(cfg.Logger)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}

	c := &Controller{
		dial:            cfg.Dialer,
		defaultEndpoint: cfg.DefaultEndpoint,
		readyTimeout:    cfg.ReadyTimeout,
		bus:             cfg.Bus,
		log:             cfg.Logger,
		readyCh:         make(chan struct{}),
	}
	c.gate = newGate(c.onEnter)
	return c
}

// Bus returns the controller's event bus.
func (c *Controller) Bus() *Bus {
	return c.bus
}

// AddHook registers a driver event hook.
func (c *Controller) AddHook(h DriverHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// OnStateChange registers fn to run after every lifecycle transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Controller) onEnter(from, to State) {
	c.log.Info("driver lifecycle", "from", from, "to", to)

	c.hooksMu.RLock()
	observers := c.observers
	c.hooksMu.RUnlock()
	for _, fn := range observers {
		fn(to)
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.gate.Current())
}

// Ready reports whether the driver is Ready.
func (c *Controller) Ready() bool {
	return c.State() == StateReady
}

// Status returns a lifecycle snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.State()
	st := Status{
		State:     state,
		Ready:     state == StateReady,
		Endpoint:  c.endpoint,
		Connected: c.driver != nil,
	}
	if r, ok := c.driver.(zwave.StatsReporter); ok {
		stats := r.Stats()
		st.Upstream = &stats
	}
	return st
}

// Driver returns the connected driver, or ErrNotReady unless Ready.
func (c *Controller) Driver() (zwave.Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateReady || c.driver == nil {
		return nil, fmt.Errorf("%w (state %s)", zwave.ErrNotReady, c.State())
	}
	return c.driver, nil
}

// WaitReady blocks until the driver is Ready, timeout elapses, or ctx is
// done. A non-positive timeout uses DefaultReadyTimeout.
func (c *Controller) WaitReady(ctx context.Context, timeout time.Duration) (zwave.Driver, error) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.State() == StateReady && c.driver != nil {
			d := c.driver
			c.mu.Unlock()
			return d, nil
		}
		wait := c.readyCh
		c.mu.Unlock()

		select {
		case <-wait:
			// Re-check: the driver may have failed again already.
		case <-timer.C:
			return nil, fmt.Errorf("%w: driver not ready after %v", zwave.ErrTimeout, timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", zwave.ErrTimeout, ctx.Err())
		}
	}
}

// Start connects to endpoint (or the default endpoint when empty) and
// waits for the driver to become Ready. It fails with ErrAlreadyStarted
// while Starting or Ready. A failed start returns the gate to
// Uninitialized and broadcasts ERROR.
func (c *Controller) Start(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		endpoint = c.defaultEndpoint
	}

	c.mu.Lock()
	if err := fire(ctx, c.gate, eventStart); err != nil {
		c.mu.Unlock()
		return err
	}
	c.endpoint = endpoint
	c.gen++
	gen := c.gen
	startCh := make(chan error, 1)
	c.startCh = startCh
	c.mu.Unlock()

	c.log.Info("starting driver", "endpoint", endpoint)

	if c.dial == nil {
		return c.failStart(gen, fmt.Errorf("%w: no driver dialer configured", zwave.ErrUpstream))
	}
	d, err := c.dial(ctx, endpoint)
	if err != nil {
		return c.failStart(gen, fmt.Errorf("connecting to %s: %w", endpoint, err))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = d.Close()
		return fmt.Errorf("%w: start superseded", zwave.ErrUpstream)
	}
	c.driver = d
	c.mu.Unlock()

	go c.pump(gen, d)

	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	select {
	case err := <-startCh:
		return err
	case <-timer.C:
		return c.failStart(gen, fmt.Errorf("%w: driver not ready after %v", zwave.ErrTimeout, c.readyTimeout))
	case <-ctx.Done():
		return c.failStart(gen, fmt.Errorf("%w: %w", zwave.ErrTimeout, ctx.Err()))
	}
}

// failStart aborts start generation gen if it is still current.
func (c *Controller) failStart(gen uint64, cause error) error {
	c.mu.Lock()
	if c.gen != gen || c.State() != StateStarting {
		c.mu.Unlock()
		return cause
	}
	d := c.detachLocked()
	_ = fire(context.Background(), c.gate, eventFail)
	c.mu.Unlock()

	if d != nil {
		_ = d.Close()
	}
	c.log.Error("driver start failed", "error", cause)
	c.bus.Publish(Event{Type: EventError, Message: cause.Error()})
	return cause
}

// Stop releases the upstream connection. Only valid while Ready.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if err := fire(ctx, c.gate, eventStop); err != nil {
		c.mu.Unlock()
		return err
	}
	d := c.detachLocked()
	c.mu.Unlock()

	if d != nil {
		if err := d.Close(); err != nil {
			c.log.Warn("closing driver", "error", err)
		}
	}
	c.log.Info("driver stopped")
	c.bus.Publish(Event{Type: EventDriverStopped})
	return nil
}

// Close stops the driver if one is connected, whatever the state.
func (c *Controller) Close() error {
	c.mu.Lock()
	d := c.detachLocked()
	switch c.State() {
	case StateReady:
		_ = fire(context.Background(), c.gate, eventStop)
	case StateStarting:
		_ = fire(context.Background(), c.gate, eventFail)
	}
	c.mu.Unlock()

	if d != nil {
		return d.Close()
	}
	return nil
}

// detachLocked drops the current driver and bumps the generation so its
// pump exits quietly. Caller holds mu.
func (c *Controller) detachLocked() zwave.Driver {
	d := c.driver
	c.driver = nil
	c.gen++
	c.resetReadyLocked()
	return d
}

// resetReadyLocked replaces a closed ready channel so new waiters block.
func (c *Controller) resetReadyLocked() {
	select {
	case <-c.readyCh:
		c.readyCh = make(chan struct{})
	default:
	}
}

// pump applies driver events to the gate, publishes broadcasts and runs
// hooks until the driver's event channel closes.
func (c *Controller) pump(gen uint64, d zwave.Driver) {
	ctx := context.Background()
	for ev := range d.Events() {
		if !c.current(gen) {
			continue
		}
		c.apply(gen, d, ev)

		c.hooksMu.RLock()
		hooks := c.hooks
		c.hooksMu.RUnlock()
		for _, h := range hooks {
			h.HandleDriverEvent(ctx, d, ev)
		}
	}

	// The channel closed without Stop: the connection is gone.
	if c.current(gen) {
		c.lost(gen, fmt.Errorf("%w: driver connection closed", zwave.ErrUpstream))
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) apply(gen uint64, d zwave.Driver, ev zwave.DriverEvent) {
	switch ev.Type {
	case zwave.EventDriverReady:
		c.mu.Lock()
		if c.gen != gen || c.State() != StateStarting {
			c.mu.Unlock()
			return
		}
		if err := fire(context.Background(), c.gate, eventReady); err != nil {
			c.mu.Unlock()
			c.log.Error("driver ready transition", "error", err)
			return
		}
		close(c.readyCh)
		startCh := c.startCh
		c.mu.Unlock()

		c.log.Info("driver ready", "nodes", len(d.Nodes()))
		c.bus.Publish(Event{Type: EventDriverReady})
		signal(startCh, nil)

	case zwave.EventDriverError:
		err := ev.Err
		if err == nil {
			err = zwave.ErrUpstream
		}
		if !errors.Is(err, zwave.ErrUpstream) {
			err = fmt.Errorf("%w: %w", zwave.ErrUpstream, err)
		}
		c.lost(gen, err)

	case zwave.EventAllNodesReady:
		c.log.Info("all nodes ready")

	case zwave.EventNodeAdded:
		c.bus.Publish(Event{Type: EventNodeAdded, Data: NodeEventData{NodeID: ev.NodeID}})

	case zwave.EventNodeRemoved:
		c.bus.Publish(Event{Type: EventNodeRemoved, Data: NodeEventData{NodeID: ev.NodeID}})

	case zwave.EventNodeStatus:
		c.bus.Publish(Event{Type: EventNodeStatusChanged, Data: NodeEventData{NodeID: ev.NodeID, Status: ev.Status}})
	}
}

// lost handles an upstream failure for generation gen: the gate returns to
// Uninitialized, the driver is closed and ERROR is broadcast. A pending
// Start receives the error.
func (c *Controller) lost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	state := c.State()
	if state != StateStarting && state != StateReady {
		c.mu.Unlock()
		return
	}
	startCh := c.startCh
	d := c.detachLocked()
	_ = fire(context.Background(), c.gate, eventFail)
	c.mu.Unlock()

	if d != nil {
		_ = d.Close()
	}
	c.log.Error("driver error", "state", state, "error", cause)
	c.bus.Publish(Event{Type: EventError, Message: cause.Error()})
	if state == StateStarting {
		signal(startCh, cause)
	}
}

func signal(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
