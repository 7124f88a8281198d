// Package proprietary handles the Manufacturer Proprietary command class
// (0x91): forcing it on nodes that do not advertise it, intercepting the
// inbound frames the driver reports as unhandled, and sending fixed-size
// vendor payloads.
//
// Inbound commands go through a dispatch table keyed by command class. The
// proprietary class is registered by default; every other class reaches the
// fallback entry, which logs and discards it.
package proprietary
