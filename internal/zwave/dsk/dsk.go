// Package dsk canonicalises SmartStart Device-Specific Keys.
//
// A DSK is 16 bytes. Humans read it off a label as eight 5-digit decimal
// blocks ("44254-06861-..."), tooling often prints it as 32 hex characters,
// and some QR decoders hand over 40 hex characters with extra framing at one
// end. Every shape is mapped to the dash-separated decimal form, which is
// the form the provisioning store keys on.
package dsk

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Groups is the number of dash-separated blocks in a canonical DSK.
	Groups = 8

	// GroupDigits is the width of each decimal block.
	GroupDigits = 5

	decimalLength = Groups * GroupDigits
	hexLength     = 32
	framedLength  = 40
)

// Shape describes which input encoding a DSK was recognised as.
type Shape int

const (
	// ShapeUnrecognised means none of the known encodings matched.
	ShapeUnrecognised Shape = iota
	// ShapeDecimal is 40 decimal digits.
	ShapeDecimal
	// ShapeHex is 32 hex characters.
	ShapeHex
	// ShapeFramedHex is 40 hex characters with a 32-character DSK at one end.
	ShapeFramedHex
)

func (s Shape) String() string {
	switch s {
	case ShapeDecimal:
		return "decimal"
	case ShapeHex:
		return "hex"
	case ShapeFramedHex:
		return "framed-hex"
	default:
		return "unrecognised"
	}
}

var (
	decimalPattern = regexp.MustCompile(`^[0-9]{40}$`)
	hexPattern     = regexp.MustCompile(`^[0-9A-F]+$`)
)

// Normalize returns the canonical form of s, or the cleaned input when no
// known shape matches. It never fails.
func Normalize(s string) string {
	out, _ := Analyze(s)
	return out
}

// Analyze is Normalize that also reports the recognised shape so callers can
// log ambiguous input.
func Analyze(s string) (string, Shape) {
	cleaned := clean(s)

	switch {
	case decimalPattern.MatchString(cleaned):
		return group(cleaned), ShapeDecimal
	case len(cleaned) == hexLength && hexPattern.MatchString(cleaned):
		if out, ok := fromHex(cleaned); ok {
			return out, ShapeHex
		}
	case len(cleaned) == framedLength && hexPattern.MatchString(cleaned):
		if out, ok := fromHex(cleaned[:hexLength]); ok {
			return out, ShapeFramedHex
		}
		if out, ok := fromHex(cleaned[framedLength-hexLength:]); ok {
			return out, ShapeFramedHex
		}
	}
	return cleaned, ShapeUnrecognised
}

// Valid reports whether s is already in canonical form.
func Valid(s string) bool {
	_, shape := Analyze(s)
	return shape != ShapeUnrecognised && Normalize(s) == s
}

// clean strips dashes and whitespace and uppercases the remainder.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(s))
}

// fromHex decodes 32 hex characters into the decimal form. A key of all
// zero bytes is not a usable DSK.
func fromHex(h string) (string, bool) {
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != hexLength/2 {
		return "", false
	}

	var b strings.Builder
	b.Grow(decimalLength)
	zero := true
	for i := 0; i < len(raw); i += 2 {
		v := uint16(raw[i])<<8 | uint16(raw[i+1])
		if v != 0 {
			zero = false
		}
		fmt.Fprintf(&b, "%05d", v)
	}
	if zero {
		return "", false
	}
	return group(b.String()), true
}

// group splits 40 digits into eight dash-joined 5-digit blocks.
func group(digits string) string {
	parts := make([]string, 0, Groups)
	for i := 0; i < len(digits); i += GroupDigits {
		parts = append(parts, digits[i:i+GroupDigits])
	}
	return strings.Join(parts, "-")
}
