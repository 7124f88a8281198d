// Package provisioning manages SmartStart provisioning entries held in the
// upstream controller's store.
//
// The manager never caches entries: every call re-reads the store and
// enriches entries whose node has joined with live node state.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/zwave-relay/internal/zwave"
	"github.com/nerrad567/zwave-relay/internal/zwave/dsk"
)

// DriverSource yields the Ready driver or zwave.ErrNotReady.
type DriverSource interface {
	Driver() (zwave.Driver, error)
}

// AddRequest is an insert-or-update of one entry, after the socket layer
// has flattened the request shape. Loosely typed fields are normalised by
// Add.
type AddRequest struct {
	DSK      string
	Name     string
	Location string

	// Protocol is a string, number or zwave.Protocol.
	Protocol any

	// Active is a bool or "active"/"inactive". Anything else is inactive.
	Active any

	// SecurityFlags holds every flag source in the request (object form
	// and top-level flags). They are unioned.
	SecurityFlags []zwave.SecurityFlags

	// SecurityClassIDs is the array form; unknown ids are dropped.
	SecurityClassIDs []int

	// SupportedProtocols entries are strings, numbers or zwave.Protocol.
	SupportedProtocols []any

	ManufacturerID     *int
	ProductType        *int
	ProductID          *int
	ApplicationVersion string
}

// RemoveTarget selects the entry to delete: by DSK, or by the node id the
// entry was included as.
type RemoveTarget struct {
	DSK    string
	NodeID *int
}

// Manager implements the provisioning operations. It is safe for
// concurrent use; the upstream store serialises writes.
type Manager struct {
	drivers DriverSource
	log     zwave.Logger
}

// NewManager creates a manager reading the driver from src.
func NewManager(src DriverSource, log zwave.Logger) *Manager {
	if log == nil {
		log = zwave.NopLogger{}
	}
	return &Manager{drivers: src, log: log}
}

// List returns every entry, enriched with live node state.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	d, err := m.drivers.Driver()
	if err != nil {
		return nil, err
	}

	entries, err := d.ProvisioningEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing provisioning entries: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.view(d, e))
	}
	return out, nil
}

// Get returns the entry for a DSK in any accepted encoding.
func (m *Manager) Get(ctx context.Context, rawDSK string) (*Entry, error) {
	key, err := m.canonical(rawDSK)
	if err != nil {
		return nil, err
	}
	d, err := m.drivers.Driver()
	if err != nil {
		return nil, err
	}

	e, err := d.ProvisioningEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	v := m.view(d, *e)
	return &v, nil
}

// Add inserts or updates the entry keyed by the request's DSK and returns
// the entry as re-read from the store.
//
// A new entry that lists Long Range among its supported protocols is
// stored inactive whatever the request says; updates keep the requested
// active flag.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*Entry, error) {
	key, err := m.canonical(req.DSK)
	if err != nil {
		return nil, err
	}
	d, err := m.drivers.Driver()
	if err != nil {
		return nil, err
	}

	existing, err := d.ProvisioningEntry(ctx, key)
	isNew := errors.Is(err, zwave.ErrNotFound)
	if err != nil && !isNew {
		return nil, fmt.Errorf("looking up provisioning entry: %w", err)
	}

	supported := make([]zwave.Protocol, 0, len(req.SupportedProtocols))
	for _, p := range req.SupportedProtocols {
		proto := zwave.ParseProtocol(p)
		if !slices.Contains(supported, proto) {
			supported = append(supported, proto)
		}
	}

	flags := append([]zwave.SecurityFlags{}, req.SecurityFlags...)
	flags = append(flags, zwave.DecodeSecurityClasses(zwave.SecurityClassesFromInts(req.SecurityClassIDs)))
	classes := zwave.EncodeSecurityClasses(flags...)
	if len(classes) == 0 {
		m.log.Warn("provisioning entry has no security classes", "dsk", key)
	}

	entry := zwave.ProvisioningEntry{
		DSK:                key,
		Name:               req.Name,
		Location:           req.Location,
		Protocol:           zwave.ParseProtocol(req.Protocol),
		Active:             ParseActive(req.Active),
		SecurityClasses:    classes,
		SupportedProtocols: supported,
		ManufacturerID:     req.ManufacturerID,
		ProductType:        req.ProductType,
		ProductID:          req.ProductID,
		ApplicationVersion: req.ApplicationVersion,
	}
	if !isNew {
		entry.NodeID = existing.NodeID
	}
	if isNew && entry.SupportsLongRange() && entry.Active {
		m.log.Info("new Long Range entry stored inactive", "dsk", key)
		entry.Active = false
	}

	if err := d.Provision(ctx, entry); err != nil {
		return nil, fmt.Errorf("provisioning %s: %w", key, err)
	}
	m.log.Info("provisioning entry saved", "dsk", key, "new", isNew, "active", entry.Active)

	return m.reread(ctx, d, key)
}

// SetActive changes only the active flag of an existing entry.
func (m *Manager) SetActive(ctx context.Context, rawDSK string, active bool) (*Entry, error) {
	key, err := m.canonical(rawDSK)
	if err != nil {
		return nil, err
	}
	d, err := m.drivers.Driver()
	if err != nil {
		return nil, err
	}

	e, err := d.ProvisioningEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	e.Active = active
	if err := d.Provision(ctx, *e); err != nil {
		return nil, fmt.Errorf("updating provisioning entry %s: %w", key, err)
	}
	m.log.Info("provisioning entry status updated", "dsk", key, "active", active)

	return m.reread(ctx, d, key)
}

// Remove deletes the entry selected by target and returns its DSK.
func (m *Manager) Remove(ctx context.Context, target RemoveTarget) (string, error) {
	if strings.TrimSpace(target.DSK) == "" && target.NodeID == nil {
		return "", fmt.Errorf("%w: dsk or nodeId is required", zwave.ErrValidation)
	}
	d, err := m.drivers.Driver()
	if err != nil {
		return "", err
	}

	var key string
	if strings.TrimSpace(target.DSK) != "" {
		key = m.normalize(target.DSK)
		if _, err := d.ProvisioningEntry(ctx, key); err != nil {
			return "", err
		}
	} else {
		entries, err := d.ProvisioningEntries(ctx)
		if err != nil {
			return "", fmt.Errorf("listing provisioning entries: %w", err)
		}
		for _, e := range entries {
			if e.NodeID != nil && *e.NodeID == *target.NodeID {
				key = e.DSK
				break
			}
		}
		if key == "" {
			return "", fmt.Errorf("%w: no provisioning entry for node %d", zwave.ErrNotFound, *target.NodeID)
		}
	}

	if err := d.Unprovision(ctx, key); err != nil {
		return "", fmt.Errorf("removing provisioning entry %s: %w", key, err)
	}
	m.log.Info("provisioning entry removed", "dsk", key)
	return key, nil
}

func (m *Manager) reread(ctx context.Context, d zwave.Driver, key string) (*Entry, error) {
	stored, err := d.ProvisioningEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("re-reading provisioning entry %s: %w", key, err)
	}
	v := m.view(d, *stored)
	return &v, nil
}

func (m *Manager) view(d zwave.Driver, e zwave.ProvisioningEntry) Entry {
	if e.NodeID == nil {
		return newEntry(e, nil)
	}
	node, ok := d.Node(*e.NodeID)
	if !ok {
		return newEntry(e, nil)
	}
	return newEntry(e, &node)
}

// canonical checks a DSK was supplied and normalises it.
func (m *Manager) canonical(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: dsk is required", zwave.ErrValidation)
	}
	return m.normalize(raw), nil
}

func (m *Manager) normalize(raw string) string {
	key, shape := dsk.Analyze(raw)
	if shape == dsk.ShapeUnrecognised {
		m.log.Warn("unrecognised DSK format, using it as given", "dsk", key)
	}
	return key
}

// ParseActive interprets a client-supplied active flag: true or "active"
// (any case) is active, everything else inactive.
func ParseActive(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), StatusActive)
	default:
		return false
	}
}
