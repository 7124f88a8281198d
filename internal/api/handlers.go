package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/zwave-relay/internal/audit"
	"github.com/nerrad567/zwave-relay/internal/proprietary"
	"github.com/nerrad567/zwave-relay/internal/provisioning"
	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// gate says what a handler needs from the driver lifecycle.
type gate int

const (
	// gateNone handlers run in any state.
	gateNone gate = iota
	// gateReady handlers fail with "not ready" unless the driver is Ready.
	gateReady
	// gateEmptySafe handlers answer with an empty result when not Ready.
	gateEmptySafe
)

type handlerFunc func(ctx context.Context, req *request) (string, any, error)

type route struct {
	gate    gate
	handle  handlerFunc
	respond string // response type for gateEmptySafe when not ready
}

// routes builds the dispatch table.
func (s *Server) routes() map[string]route {
	return map[string]route{
		TypePing:                     {gate: gateNone, handle: s.handlePing},
		TypeGetStatus:                {gate: gateNone, handle: s.handleGetStatus},
		TypeStart:                    {gate: gateNone, handle: s.handleStart},
		TypeStop:                     {gate: gateNone, handle: s.handleStop},
		TypeGetCommandHistory:        {gate: gateNone, handle: s.handleGetCommandHistory},
		TypeGetNodes:                 {gate: gateEmptySafe, handle: s.handleGetNodes, respond: TypeNodes},
		TypeGetNode:                  {gate: gateReady, handle: s.handleGetNode},
		TypeGetProvisioningEntries:   {gate: gateReady, handle: s.handleGetEntries},
		TypeGetProvisioningEntry:     {gate: gateReady, handle: s.handleGetEntry},
		TypeAddProvisioningEntry:     {gate: gateReady, handle: s.handleAddEntry},
		TypeUpdateProvisioningStatus: {gate: gateReady, handle: s.handleUpdateStatus},
		TypeDeleteProvisioningEntry:  {gate: gateReady, handle: s.handleDeleteEntry},
		// The sender runs its own readiness check so waitForReady can block.
		TypeSendCommand: {gate: gateNone, handle: s.handleSendCommand},
	}
}

// dispatch decodes one frame, applies the lifecycle gate and answers the
// client. Errors become ERROR responses; the socket stays open.
func (s *Server) dispatch(ctx context.Context, c *WSClient, data []byte) {
	start := time.Now()

	req, err := decodeRequest(data)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		c.sendResponse(errorResponse(id, err.Error()))
		s.observe("invalid", err)
		return
	}

	rt, ok := s.table[req.Type]
	if !ok {
		c.sendResponse(errorResponse(req.ID, "unknown message type "+req.Type))
		s.observe("unknown", zwave.ErrValidation)
		return
	}

	var (
		respType string
		payload  any
	)
	switch {
	case rt.gate == gateReady && !s.ctrl.Ready():
		err = fmt.Errorf("%w (state %s)", zwave.ErrNotReady, s.ctrl.State())
	case rt.gate == gateEmptySafe && !s.ctrl.Ready():
		respType, payload = rt.respond, []any{}
	default:
		respType, payload, err = rt.handle(ctx, req)
	}

	s.observe(req.Type, err)
	if err != nil {
		s.logger.Debug("websocket request failed",
			"type", req.Type, "client_id", c.id, "kind", zwave.Kind(err), "error", err)
		c.sendResponse(errorResponse(req.ID, err.Error()))
	} else {
		c.sendResponse(newResponse(respType, req.ID, payload))
	}
	s.logger.Debug("websocket request handled",
		"type", req.Type, "client_id", c.id, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Server) observe(msgType string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveMessage(msgType, zwave.Kind(err))
	}
}

func (s *Server) handlePing(context.Context, *request) (string, any, error) {
	return TypePong, nil, nil
}

func (s *Server) handleGetStatus(context.Context, *request) (string, any, error) {
	st := s.ctrl.Status()
	return TypeStatus, map[string]any{
		"ready":     st.Ready,
		"port":      st.Endpoint,
		"connected": st.Connected,
		"state":     st.State,
	}, nil
}

func (s *Server) handleStart(ctx context.Context, req *request) (string, any, error) {
	endpoint := req.str("port")
	if endpoint == "" {
		endpoint = req.str("url")
	}
	if err := s.ctrl.Start(ctx, endpoint); err != nil {
		return "", nil, err
	}
	return TypeStartSuccess, map[string]any{"port": s.ctrl.Status().Endpoint}, nil
}

func (s *Server) handleStop(ctx context.Context, _ *request) (string, any, error) {
	if err := s.ctrl.Stop(ctx); err != nil {
		return "", nil, err
	}
	return TypeStopSuccess, nil, nil
}

func (s *Server) handleGetNodes(context.Context, *request) (string, any, error) {
	d, err := s.ctrl.Driver()
	if err != nil {
		// Lost readiness between the gate check and here.
		return TypeNodes, []nodeView{}, nil //nolint:nilerr // listing degrades to empty
	}
	nodes := d.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, newNodeView(n))
	}
	return TypeNodes, out, nil
}

func (s *Server) handleGetNode(_ context.Context, req *request) (string, any, error) {
	id, err := req.optInt("nodeId")
	if err != nil {
		return "", nil, err
	}
	if id == nil {
		return "", nil, fmt.Errorf("%w: nodeId is required", zwave.ErrValidation)
	}
	d, err := s.ctrl.Driver()
	if err != nil {
		return "", nil, err
	}
	n, ok := d.Node(*id)
	if !ok {
		return "", nil, fmt.Errorf("%w: node %d", zwave.ErrNotFound, *id)
	}
	return TypeNode, newNodeView(n), nil
}

func (s *Server) handleGetEntries(ctx context.Context, _ *request) (string, any, error) {
	entries, err := s.prov.List(ctx)
	if err != nil {
		return "", nil, err
	}
	return TypeProvisioningEntries, entries, nil
}

func (s *Server) handleGetEntry(ctx context.Context, req *request) (string, any, error) {
	e, err := s.prov.Get(ctx, req.str("dsk"))
	if err != nil {
		return "", nil, err
	}
	return TypeProvisioningEntry, e, nil
}

func (s *Server) handleAddEntry(ctx context.Context, req *request) (string, any, error) {
	add, err := addRequest(req)
	if err != nil {
		return "", nil, err
	}
	e, err := s.prov.Add(ctx, add)
	if err != nil {
		return "", nil, err
	}
	return TypeProvisioningEntryAdded, e, nil
}

// addRequest flattens every accepted shape of an add into one request.
func addRequest(req *request) (provisioning.AddRequest, error) {
	add := provisioning.AddRequest{
		DSK:                req.str("dsk"),
		Name:               req.str("name"),
		Location:           req.str("location"),
		Protocol:           req.raw("protocol"),
		Active:             req.raw("active"),
		ApplicationVersion: req.str("applicationVersion"),
	}

	switch sc := req.raw("securityClasses").(type) {
	case map[string]any:
		add.SecurityFlags = append(add.SecurityFlags, securityFlags(sc))
	case []any:
		for _, v := range sc {
			if n, err := toInt(v); err == nil {
				add.SecurityClassIDs = append(add.SecurityClassIDs, n)
			}
		}
	}
	add.SecurityFlags = append(add.SecurityFlags, securityFlags(req.params))

	if sp, ok := req.raw("supportedProtocols").([]any); ok {
		add.SupportedProtocols = sp
	}

	var err error
	if add.ManufacturerID, err = req.optInt("manufacturerId"); err != nil {
		return add, err
	}
	if add.ProductType, err = req.optInt("productType"); err != nil {
		return add, err
	}
	if add.ProductID, err = req.optInt("productId"); err != nil {
		return add, err
	}
	return add, nil
}

func (s *Server) handleUpdateStatus(ctx context.Context, req *request) (string, any, error) {
	if !req.has("active") {
		return "", nil, fmt.Errorf("%w: active is required", zwave.ErrValidation)
	}
	e, err := s.prov.SetActive(ctx, req.str("dsk"), provisioning.ParseActive(req.raw("active")))
	if err != nil {
		return "", nil, err
	}
	return TypeProvisioningEntryUpdated, e, nil
}

func (s *Server) handleDeleteEntry(ctx context.Context, req *request) (string, any, error) {
	nodeID, err := req.optInt("nodeId")
	if err != nil {
		return "", nil, err
	}
	key, err := s.prov.Remove(ctx, provisioning.RemoveTarget{DSK: req.str("dsk"), NodeID: nodeID})
	if err != nil {
		return "", nil, err
	}
	return TypeProvisioningEntryDeleted, map[string]any{"dsk": key}, nil
}

func (s *Server) handleSendCommand(ctx context.Context, req *request) (string, any, error) {
	send := proprietary.SendRequest{
		PayloadHex: req.str("payloadHex"),
		Count:      1,
	}
	send.Random, _ = req.boolean("random")
	send.WaitForReady, _ = req.boolean("waitForReady")

	nodeID, err := req.optInt("nodeId")
	if err != nil {
		return "", nil, err
	}
	if nodeID != nil {
		send.NodeID = *nodeID
	}
	endpoint, err := req.optInt("endpoint")
	if err != nil {
		return "", nil, err
	}
	if endpoint != nil {
		send.Endpoint = *endpoint
	}
	if send.ManufacturerID, err = req.optInt("manufacturerId"); err != nil {
		return "", nil, err
	}
	count, err := req.optInt("count")
	if err != nil {
		return "", nil, err
	}
	if count != nil {
		send.Count = *count
	}

	res, err := s.sender.Send(ctx, send)
	if err != nil {
		return "", nil, err
	}
	return TypeCommandResult, res, nil
}

func (s *Server) handleGetCommandHistory(ctx context.Context, req *request) (string, any, error) {
	if s.history == nil {
		return "", nil, errors.New("command history is not available")
	}
	filter := audit.Filter{Direction: req.str("direction")}
	var err error
	if filter.NodeID, err = req.optInt("nodeId"); err != nil {
		return "", nil, err
	}
	limit, err := req.optInt("limit")
	if err != nil {
		return "", nil, err
	}
	if limit != nil {
		filter.Limit = *limit
	}

	res, err := s.history.List(ctx, filter)
	if err != nil {
		return "", nil, err
	}
	return TypeCommandHistory, res, nil
}

// nodeView is the wire form of a joined node.
type nodeView struct {
	NodeID              int      `json:"nodeId"`
	Name                string   `json:"name"`
	Location            string   `json:"location"`
	Status              string   `json:"status"`
	Ready               bool     `json:"ready"`
	Manufacturer        string   `json:"manufacturer"`
	Label               string   `json:"label"`
	Description         string   `json:"description"`
	ManufacturerID      int      `json:"manufacturerId"`
	ProductType         int      `json:"productType"`
	ProductID           int      `json:"productId"`
	FirmwareVersion     string   `json:"firmwareVersion"`
	CommandClasses      []string `json:"commandClasses"`
	SupportsProprietary bool     `json:"supportsProprietary"`
}

func newNodeView(n zwave.Node) nodeView {
	v := nodeView{
		NodeID:              n.ID,
		Name:                n.Name,
		Location:            n.Location,
		Status:              string(n.Status),
		Ready:               n.Ready,
		Manufacturer:        n.Manufacturer,
		Label:               n.Label,
		Description:         n.Description,
		ManufacturerID:      n.ManufacturerID,
		ProductType:         n.ProductType,
		ProductID:           n.ProductID,
		FirmwareVersion:     n.FirmwareVersion,
		CommandClasses:      make([]string, 0, len(n.CommandClasses)),
		SupportsProprietary: n.Supports(zwave.CCManufacturerProprietary),
	}
	if v.Status == "" {
		v.Status = string(zwave.NodeStatusUnknown)
	}
	for _, cc := range n.CommandClasses {
		v.CommandClasses = append(v.CommandClasses, cc.String())
	}
	return v
}
