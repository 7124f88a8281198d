package zwave

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// CommandClass identifies a Z-Wave command class.
type CommandClass uint8

// Command classes the relay handles explicitly.
const (
	// CCManufacturerProprietary carries an opaque vendor-defined payload.
	CCManufacturerProprietary CommandClass = 0x91
)

// String returns the command class as a 0x-prefixed hex byte.
func (cc CommandClass) String() string {
	return fmt.Sprintf("0x%02X", uint8(cc))
}

// Protocol is the radio protocol a provisioned device joins with.
type Protocol int

// Protocol values match the identifiers used by the provisioning store.
const (
	ProtocolStandard  Protocol = 0
	ProtocolLongRange Protocol = 1
)

// String returns the protocol name used on the client socket.
func (p Protocol) String() string {
	if p == ProtocolLongRange {
		return "LongRange"
	}
	return "Standard"
}

// ParseProtocol normalises a client-supplied protocol value.
//
// Strings naming Long Range in any common spelling ("LongRange", "long_range",
// "Z-Wave Long Range", "LR") and the number 1 map to ProtocolLongRange.
// Everything else, including nil, is ProtocolStandard.
func ParseProtocol(v any) Protocol {
	switch t := v.(type) {
	case Protocol:
		return t
	case int:
		return protocolFromNumber(float64(t))
	case float64:
		return protocolFromNumber(t)
	case string:
		return protocolFromString(t)
	default:
		return ProtocolStandard
	}
}

func protocolFromNumber(n float64) Protocol {
	if n == float64(ProtocolLongRange) {
		return ProtocolLongRange
	}
	return ProtocolStandard
}

func protocolFromString(s string) Protocol {
	folded := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))

	switch {
	case folded == "lr", strings.Contains(folded, "longrange"):
		return ProtocolLongRange
	case folded != "":
		if n, err := strconv.Atoi(folded); err == nil {
			return protocolFromNumber(float64(n))
		}
	}
	return ProtocolStandard
}

// NodeStatus is the liveness of a joined node as reported by the driver.
type NodeStatus string

// Node statuses.
const (
	NodeStatusUnknown NodeStatus = "Unknown"
	NodeStatusAlive   NodeStatus = "Alive"
	NodeStatusAsleep  NodeStatus = "Asleep"
	NodeStatusDead    NodeStatus = "Dead"
)

// Node is a snapshot of a joined device.
//
// The relay only holds node ids; a Node value is re-read from the driver
// whenever it is needed and may be stale the moment it is returned.
type Node struct {
	ID              int
	Name            string
	Location        string
	Status          NodeStatus
	Ready           bool
	Manufacturer    string
	Label           string
	Description     string
	ManufacturerID  int
	ProductType     int
	ProductID       int
	FirmwareVersion string
	CommandClasses  []CommandClass
}

// Supports reports whether the node advertises cc.
func (n Node) Supports(cc CommandClass) bool {
	return slices.Contains(n.CommandClasses, cc)
}

// ProvisioningEntry is a SmartStart pre-authorisation record.
//
// DSK is always held in canonical form (see package dsk).
type ProvisioningEntry struct {
	DSK                string
	Name               string
	Location           string
	Protocol           Protocol
	Active             bool
	SecurityClasses    []SecurityClass
	SupportedProtocols []Protocol
	ManufacturerID     *int
	ProductType        *int
	ProductID          *int
	ApplicationVersion string
	NodeID             *int
}

// SupportsLongRange reports whether the entry lists Long Range as a supported protocol.
func (e ProvisioningEntry) SupportsLongRange() bool {
	return slices.Contains(e.SupportedProtocols, ProtocolLongRange)
}

// Command is an inbound application command received from a node.
type Command struct {
	NodeID       int
	Endpoint     int
	CommandClass CommandClass
	// Payload holds the bytes after the command class identifier.
	Payload []byte
}
