package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Request message types.
const (
	TypeGetProvisioningEntries   = "GET_PROVISIONING_ENTRIES"
	TypeGetProvisioningEntry     = "GET_PROVISIONING_ENTRY"
	TypeAddProvisioningEntry     = "ADD_PROVISIONING_ENTRY"
	TypeUpdateProvisioningStatus = "UPDATE_PROVISIONING_ENTRY_STATUS"
	TypeDeleteProvisioningEntry  = "DELETE_PROVISIONING_ENTRY"
	TypeGetNodes                 = "GET_NODES"
	TypeGetNode                  = "GET_NODE"
	TypeGetStatus                = "GET_STATUS"
	TypeStart                    = "START"
	TypeStop                     = "STOP"
	TypeSendCommand              = "SEND_COMMAND"
	TypePing                     = "PING"
	TypeGetCommandHistory        = "GET_COMMAND_HISTORY"
)

// Response and event message types.
const (
	TypeConnected                = "CONNECTED"
	TypeProvisioningEntries      = "PROVISIONING_ENTRIES"
	TypeProvisioningEntry        = "PROVISIONING_ENTRY"
	TypeProvisioningEntryAdded   = "PROVISIONING_ENTRY_ADDED"
	TypeProvisioningEntryUpdated = "PROVISIONING_ENTRY_STATUS_UPDATED"
	TypeProvisioningEntryDeleted = "PROVISIONING_ENTRY_DELETED"
	TypeNodes                    = "NODES"
	TypeNode                     = "NODE"
	TypeStatus                   = "STATUS"
	TypeStartSuccess             = "START_SUCCESS"
	TypeStopSuccess              = "STOP_SUCCESS"
	TypeCommandResult            = "COMMAND_RESULT"
	TypePong                     = "PONG"
	TypeCommandHistory           = "COMMAND_HISTORY"
	TypeError                    = "ERROR"
)

// Response is every message the relay writes to a client.
type Response struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Data      any             `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func newResponse(msgType string, id json.RawMessage, data any) Response {
	return Response{
		Type:      msgType,
		RequestID: id,
		Data:      data,
		Timestamp: timestamp(time.Now()),
	}
}

func errorResponse(id json.RawMessage, message string) Response {
	return Response{
		Type:      TypeError,
		RequestID: id,
		Message:   message,
		Timestamp: timestamp(time.Now()),
	}
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Decode errors.
var (
	errInvalidJSON = errors.New("invalid JSON message")
	errMissingType = errors.New("message type is required")
)

// request is an inbound message after the shape has been normalised.
// Parameters may arrive at the top level or nested under "data" or
// "entry"; nested values win over top-level ones.
type request struct {
	Type   string
	ID     json.RawMessage
	params map[string]any
}

// decodeRequest parses one inbound frame. A request with no type is
// returned alongside errMissingType so its id can still be echoed.
func decodeRequest(data []byte) (*request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, errInvalidJSON
	}

	req := &request{params: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "type":
			//nolint:errcheck // non-string type is treated as missing
			json.Unmarshal(v, &req.Type)
		case "requestId":
			req.ID = v
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return nil, errInvalidJSON
			}
			req.params[k] = val
		}
	}

	for _, k := range []string{"data", "entry"} {
		if nested, ok := req.params[k].(map[string]any); ok {
			delete(req.params, k)
			maps.Copy(req.params, nested)
		}
	}

	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return req, errMissingType
	}
	return req, nil
}

func (r *request) has(key string) bool {
	v, ok := r.params[key]
	return ok && v != nil
}

func (r *request) raw(key string) any {
	return r.params[key]
}

// str returns a string parameter, or "" when absent or not a string.
func (r *request) str(key string) string {
	s, _ := r.params[key].(string) //nolint:errcheck // absent and mistyped both mean empty
	return s
}

// boolean returns a boolean parameter and whether it was present.
func (r *request) boolean(key string) (value, ok bool) {
	value, ok = r.params[key].(bool)
	return value, ok
}

// optInt returns an integer parameter given as a JSON number, a decimal
// string or a 0x-prefixed hex string. Absent and null give nil.
func (r *request) optInt(key string) (*int, error) {
	v, ok := r.params[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %w", zwave.ErrValidation, key, err)
	}
	return &n, nil
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("must be an integer, got %v", t)
		}
		return int(t), nil
	case string:
		s := strings.TrimSpace(t)
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("must be a number, got %q", t)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("must be a number")
	}
}

// securityFlags reads the four flag names from m.
func securityFlags(m map[string]any) zwave.SecurityFlags {
	flag := func(keys ...string) bool {
		for _, k := range keys {
			if b, ok := m[k].(bool); ok && b {
				return true
			}
		}
		return false
	}
	return zwave.SecurityFlags{
		Unauthenticated: flag("unauthenticated", "s2Unauthenticated"),
		Authenticated:   flag("authenticated", "s2Authenticated"),
		AccessControl:   flag("accessControl", "s2AccessControl"),
		LegacyS0:        flag("legacyS0", "s0Legacy"),
	}
}
