package provisioning

import (
	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Entry is the client-facing view of a provisioning entry. Device fields
// are null unless the entry's node is currently joined.
type Entry struct {
	DSK                string              `json:"dsk"`
	Name               string              `json:"name"`
	Location           string              `json:"location"`
	Protocol           string              `json:"protocol"`
	Active             bool                `json:"active"`
	Status             string              `json:"status"`
	SecurityClasses    zwave.SecurityFlags `json:"securityClasses"`
	SecurityClassIDs   []int               `json:"securityClassIds"`
	SupportedProtocols []string            `json:"supportedProtocols"`
	ManufacturerID     *int                `json:"manufacturerId"`
	ProductType        *int                `json:"productType"`
	ProductID          *int                `json:"productId"`
	ApplicationVersion string              `json:"applicationVersion,omitempty"`
	NodeID             *int                `json:"nodeId"`

	NodeName     *string `json:"nodeName"`
	NodeStatus   *string `json:"nodeStatus"`
	NodeReady    *bool   `json:"nodeReady"`
	Manufacturer *string `json:"manufacturer"`
	Label        *string `json:"label"`
	Description  *string `json:"description"`
}

// Entry status strings.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// newEntry builds the view of e, enriched from node when it is non-nil.
func newEntry(e zwave.ProvisioningEntry, node *zwave.Node) Entry {
	ids := make([]int, 0, len(e.SecurityClasses))
	for _, c := range e.SecurityClasses {
		ids = append(ids, int(c))
	}
	protocols := make([]string, 0, len(e.SupportedProtocols))
	for _, p := range e.SupportedProtocols {
		protocols = append(protocols, p.String())
	}
	status := StatusInactive
	if e.Active {
		status = StatusActive
	}

	out := Entry{
		DSK:                e.DSK,
		Name:               e.Name,
		Location:           e.Location,
		Protocol:           e.Protocol.String(),
		Active:             e.Active,
		Status:             status,
		SecurityClasses:    zwave.DecodeSecurityClasses(e.SecurityClasses),
		SecurityClassIDs:   ids,
		SupportedProtocols: protocols,
		ManufacturerID:     e.ManufacturerID,
		ProductType:        e.ProductType,
		ProductID:          e.ProductID,
		ApplicationVersion: e.ApplicationVersion,
		NodeID:             e.NodeID,
	}

	if node != nil {
		nodeStatus := string(node.Status)
		ready := node.Ready
		out.NodeName = &node.Name
		out.NodeStatus = &nodeStatus
		out.NodeReady = &ready
		out.Manufacturer = &node.Manufacturer
		out.Label = &node.Label
		out.Description = &node.Description
	}
	return out
}
