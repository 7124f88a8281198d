package zwave

// SecurityClass is a bootstrap security tier identifier.
type SecurityClass int

// Security classes in canonical order.
const (
	SecurityS2Unauthenticated SecurityClass = 0
	SecurityS2Authenticated   SecurityClass = 1
	SecurityS2AccessControl   SecurityClass = 2
	SecurityS0Legacy          SecurityClass = 7
)

// canonicalSecurityClasses is the fixed output order of EncodeSecurityClasses.
var canonicalSecurityClasses = []SecurityClass{
	SecurityS2Unauthenticated,
	SecurityS2Authenticated,
	SecurityS2AccessControl,
	SecurityS0Legacy,
}

// Valid reports whether c is one of the four known classes.
func (c SecurityClass) Valid() bool {
	switch c {
	case SecurityS2Unauthenticated, SecurityS2Authenticated, SecurityS2AccessControl, SecurityS0Legacy:
		return true
	}
	return false
}

// SecurityFlags is the boolean view of a security class set.
type SecurityFlags struct {
	Unauthenticated bool `json:"unauthenticated"`
	Authenticated   bool `json:"authenticated"`
	AccessControl   bool `json:"accessControl"`
	LegacyS0        bool `json:"legacyS0"`
}

// Or returns the union of f and other. A flag asserted by either side stays set.
func (f SecurityFlags) Or(other SecurityFlags) SecurityFlags {
	return SecurityFlags{
		Unauthenticated: f.Unauthenticated || other.Unauthenticated,
		Authenticated:   f.Authenticated || other.Authenticated,
		AccessControl:   f.AccessControl || other.AccessControl,
		LegacyS0:        f.LegacyS0 || other.LegacyS0,
	}
}

func (f SecurityFlags) has(c SecurityClass) bool {
	switch c {
	case SecurityS2Unauthenticated:
		return f.Unauthenticated
	case SecurityS2Authenticated:
		return f.Authenticated
	case SecurityS2AccessControl:
		return f.AccessControl
	case SecurityS0Legacy:
		return f.LegacyS0
	}
	return false
}

// EncodeSecurityClasses unions every flag source and returns the classes in
// canonical order. The result is never nil.
func EncodeSecurityClasses(sources ...SecurityFlags) []SecurityClass {
	var merged SecurityFlags
	for _, s := range sources {
		merged = merged.Or(s)
	}

	classes := make([]SecurityClass, 0, len(canonicalSecurityClasses))
	for _, c := range canonicalSecurityClasses {
		if merged.has(c) {
			classes = append(classes, c)
		}
	}
	return classes
}

// DecodeSecurityClasses sets exactly the flags present in classes.
// Unknown identifiers are ignored.
func DecodeSecurityClasses(classes []SecurityClass) SecurityFlags {
	var f SecurityFlags
	for _, c := range classes {
		switch c {
		case SecurityS2Unauthenticated:
			f.Unauthenticated = true
		case SecurityS2Authenticated:
			f.Authenticated = true
		case SecurityS2AccessControl:
			f.AccessControl = true
		case SecurityS0Legacy:
			f.LegacyS0 = true
		}
	}
	return f
}

// SecurityClassesFromInts converts raw identifiers, dropping anything outside {0,1,2,7}.
func SecurityClassesFromInts(ids []int) []SecurityClass {
	classes := make([]SecurityClass, 0, len(ids))
	for _, id := range ids {
		if c := SecurityClass(id); c.Valid() {
			classes = append(classes, c)
		}
	}
	return classes
}
