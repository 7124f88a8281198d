// Package zwave defines the domain model shared by the relay and the
// boundary to the external Z-Wave driver.
//
// The relay never talks to the radio itself. A Driver (see driver.go) is the
// non-owning view of an upstream controller connection: it exposes the joined
// nodes, the SmartStart provisioning store, a capability-forcing call and the
// Manufacturer Proprietary command class. Everything above the Driver works
// only with the types in this package.
//
// # Error Taxonomy
//
// Every failure surfaced to a socket client wraps one of the sentinel errors
// in errors.go, so callers can branch with errors.Is:
//
//	if errors.Is(err, zwave.ErrNotReady) {
//	    // driver has not finished starting
//	}
//
// # Security Classes
//
// Provisioning entries carry the granted security classes as an ordered set
// of identifiers (0, 1, 2, 7). SecurityFlags is the boolean view used by
// socket clients; EncodeSecurityClasses and DecodeSecurityClasses convert
// between the two.
package zwave
