package zwavejs

import (
	"encoding/hex"
	"encoding/json"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Server message types.
const (
	typeVersion = "version"
	typeResult  = "result"
	typeEvent   = "event"
)

// Commands sent upstream.
const (
	cmdSetAPISchema           = "set_api_schema"
	cmdStartListening         = "start_listening"
	cmdGetProvisioningEntries = "controller.get_provisioning_entries"
	cmdGetProvisioningEntry   = "controller.get_provisioning_entry"
	cmdProvision              = "controller.provision_smart_start_node"
	cmdUnprovision            = "controller.unprovision_smart_start_node"
	cmdAddCC                  = "endpoint.add_cc"
	cmdInvokeCCAPI            = "endpoint.invoke_cc_api"
)

// Provisioning entry status values used by the server.
const (
	entryStatusActive   = 0
	entryStatusInactive = 1
)

// incoming is every field any server message may carry.
type incoming struct {
	Type string `json:"type"`

	// version
	DriverVersion    string `json:"driverVersion"`
	ServerVersion    string `json:"serverVersion"`
	MinSchemaVersion int    `json:"minSchemaVersion"`
	MaxSchemaVersion int    `json:"maxSchemaVersion"`

	// result
	MessageID         string          `json:"messageId"`
	Success           bool            `json:"success"`
	Result            json.RawMessage `json:"result"`
	ErrorCode         string          `json:"errorCode"`
	Message           string          `json:"message"`
	ZWaveErrorMessage string          `json:"zwaveErrorMessage"`

	// event
	Event *eventBody `json:"event"`
}

type eventBody struct {
	Source        string     `json:"source"`
	Event         string     `json:"event"`
	NodeID        int        `json:"nodeId"`
	Node          *nodeState `json:"node"`
	NodeState     *nodeState `json:"nodeState"`
	Error         string     `json:"error"`
	EndpointIndex int        `json:"endpointIndex"`
	CommandClass  int        `json:"commandClass"`
	Payload       string     `json:"payload"`
}

type ccInfo struct {
	ID int `json:"id"`
}

type endpointState struct {
	Index          int      `json:"index"`
	CommandClasses []ccInfo `json:"commandClasses"`
}

type deviceConfig struct {
	Manufacturer string `json:"manufacturer"`
	Label        string `json:"label"`
	Description  string `json:"description"`
}

type nodeState struct {
	NodeID          int             `json:"nodeId"`
	Name            string          `json:"name"`
	Location        string          `json:"location"`
	Status          int             `json:"status"`
	Ready           bool            `json:"ready"`
	Label           string          `json:"label"`
	ManufacturerID  int             `json:"manufacturerId"`
	ProductType     int             `json:"productType"`
	ProductID       int             `json:"productId"`
	FirmwareVersion string          `json:"firmwareVersion"`
	DeviceConfig    *deviceConfig   `json:"deviceConfig"`
	CommandClasses  []ccInfo        `json:"commandClasses"`
	Endpoints       []endpointState `json:"endpoints"`
}

type startListeningResult struct {
	State struct {
		Nodes []nodeState `json:"nodes"`
	} `json:"state"`
}

type provisioningEntry struct {
	DSK                string `json:"dsk"`
	SecurityClasses    []int  `json:"securityClasses"`
	Status             *int   `json:"status,omitempty"`
	Protocol           *int   `json:"protocol,omitempty"`
	SupportedProtocols []int  `json:"supportedProtocols,omitempty"`
	Name               string `json:"name,omitempty"`
	Location           string `json:"location,omitempty"`
	ManufacturerID     *int   `json:"manufacturerId,omitempty"`
	ProductType        *int   `json:"productType,omitempty"`
	ProductID          *int   `json:"productId,omitempty"`
	ApplicationVersion string `json:"applicationVersion,omitempty"`
	NodeID             *int   `json:"nodeId,omitempty"`
}

type provisioningEntriesResult struct {
	Entries []provisioningEntry `json:"entries"`
}

type provisioningEntryResult struct {
	Entry *provisioningEntry `json:"entry"`
}

// buffer is the server's serialisation of a byte array.
type buffer struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func newBuffer(b []byte) buffer {
	data := make([]int, len(b))
	for i, v := range b {
		data[i] = int(v)
	}
	return buffer{Type: "Buffer", Data: data}
}

// Node status values of the server's NodeStatus enum.
func toNodeStatus(s int) zwave.NodeStatus {
	switch s {
	case 1:
		return zwave.NodeStatusAsleep
	case 2, 4:
		return zwave.NodeStatusAlive
	case 3:
		return zwave.NodeStatusDead
	default:
		return zwave.NodeStatusUnknown
	}
}

func (n nodeState) toNode() zwave.Node {
	node := zwave.Node{
		ID:              n.NodeID,
		Name:            n.Name,
		Location:        n.Location,
		Status:          toNodeStatus(n.Status),
		Ready:           n.Ready,
		Label:           n.Label,
		ManufacturerID:  n.ManufacturerID,
		ProductType:     n.ProductType,
		ProductID:       n.ProductID,
		FirmwareVersion: n.FirmwareVersion,
	}
	if n.DeviceConfig != nil {
		node.Manufacturer = n.DeviceConfig.Manufacturer
		node.Description = n.DeviceConfig.Description
		if node.Label == "" {
			node.Label = n.DeviceConfig.Label
		}
	}

	seen := make(map[zwave.CommandClass]bool)
	add := func(ccs []ccInfo) {
		for _, cc := range ccs {
			id := zwave.CommandClass(cc.ID)
			if !seen[id] {
				seen[id] = true
				node.CommandClasses = append(node.CommandClasses, id)
			}
		}
	}
	add(n.CommandClasses)
	for _, ep := range n.Endpoints {
		add(ep.CommandClasses)
	}
	return node
}

func (e provisioningEntry) toEntry() zwave.ProvisioningEntry {
	out := zwave.ProvisioningEntry{
		DSK:                e.DSK,
		Name:               e.Name,
		Location:           e.Location,
		Active:             e.Status == nil || *e.Status == entryStatusActive,
		SecurityClasses:    zwave.SecurityClassesFromInts(e.SecurityClasses),
		ManufacturerID:     e.ManufacturerID,
		ProductType:        e.ProductType,
		ProductID:          e.ProductID,
		ApplicationVersion: e.ApplicationVersion,
		NodeID:             e.NodeID,
	}
	if e.Protocol != nil {
		out.Protocol = zwave.Protocol(*e.Protocol)
	}
	for _, p := range e.SupportedProtocols {
		out.SupportedProtocols = append(out.SupportedProtocols, zwave.Protocol(p))
	}
	return out
}

func fromEntry(e zwave.ProvisioningEntry) provisioningEntry {
	status := entryStatusInactive
	if e.Active {
		status = entryStatusActive
	}
	protocol := int(e.Protocol)

	out := provisioningEntry{
		DSK:                e.DSK,
		SecurityClasses:    make([]int, 0, len(e.SecurityClasses)),
		Status:             &status,
		Protocol:           &protocol,
		Name:               e.Name,
		Location:           e.Location,
		ManufacturerID:     e.ManufacturerID,
		ProductType:        e.ProductType,
		ProductID:          e.ProductID,
		ApplicationVersion: e.ApplicationVersion,
		NodeID:             e.NodeID,
	}
	for _, c := range e.SecurityClasses {
		out.SecurityClasses = append(out.SecurityClasses, int(c))
	}
	for _, p := range e.SupportedProtocols {
		out.SupportedProtocols = append(out.SupportedProtocols, int(p))
	}
	return out
}

func decodePayload(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
