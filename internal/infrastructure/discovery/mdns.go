// Package discovery advertises the relay's WebSocket endpoint over mDNS.
package discovery

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
)

// Defaults used when the config leaves a field empty.
const (
	DefaultService  = "_zwave-relay._tcp"
	DefaultDomain   = "local."
	DefaultInstance = "Z-Wave Relay"

	// MaxInstanceNameLen is the DNS label limit for the instance name.
	MaxInstanceNameLen = 63
)

// ErrInvalidPort is returned when Advertise is given a port outside 1-65535.
var ErrInvalidPort = errors.New("discovery: invalid port")

// server is the part of *zeroconf.Server the advertiser uses.
type server interface {
	Shutdown()
}

// registerFunc is zeroconf.Register, replaceable in tests.
var registerFunc = func(instance, service, domain string, port int, txt []string) (server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

// Advertiser publishes one mDNS service record for the relay.
type Advertiser struct {
	cfg config.DiscoveryConfig

	mu     sync.Mutex
	server server
}

// NewAdvertiser creates an advertiser. Nothing is published until Advertise.
func NewAdvertiser(cfg config.DiscoveryConfig) *Advertiser {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Instance == "" {
		cfg.Instance = DefaultInstance
	}
	if len(cfg.Instance) > MaxInstanceNameLen {
		cfg.Instance = cfg.Instance[:MaxInstanceNameLen]
	}
	return &Advertiser{cfg: cfg}
}

// Advertise registers the service on port with the given TXT records,
// replacing any previous registration.
func (a *Advertiser) Advertise(port int, txt map[string]string) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	srv, err := registerFunc(a.cfg.Instance, a.cfg.Service, a.cfg.Domain, port, TXTRecords(txt))
	if err != nil {
		return fmt.Errorf("registering mDNS service %s: %w", a.cfg.Service, err)
	}
	a.server = srv
	return nil
}

// Active reports whether a registration is currently published.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Shutdown withdraws the registration. Safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// TXTRecords renders key=value pairs sorted by key. Empty values are skipped.
func TXTRecords(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k, v := range txt {
		if k == "" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+txt[k])
	}
	return out
}
