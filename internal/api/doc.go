// Package api implements the relay's WebSocket message protocol and its
// small HTTP surface.
//
// This package provides:
//   - The socket endpoint (default /ws) speaking JSON request, response and
//     event frames
//   - A hub that broadcasts every driver and device event to all clients
//   - GET /health and, when enabled, GET /metrics
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Protocol
//
// Requests are {type, requestId?, ...params}; params may also be nested
// under "data" or "entry". Every response carries a timestamp and echoes
// requestId verbatim. Errors are answered with type "ERROR" and a message;
// the socket stays open. Each connection's requests are handled one at a
// time in arrival order.
//
// Only PING, GET_STATUS, START, STOP, GET_COMMAND_HISTORY and SEND_COMMAND
// run before the driver is ready (STOP and SEND_COMMAND then fail with the
// lifecycle error). GET_NODES answers an empty list instead of failing.
// Everything else fails fast with "not ready".
package api
