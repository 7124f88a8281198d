package zwave

import (
	"reflect"
	"testing"
)

func TestSecurityClassesRoundTrip(t *testing.T) {
	for mask := 0; mask < 16; mask++ {
		flags := SecurityFlags{
			Unauthenticated: mask&1 != 0,
			Authenticated:   mask&2 != 0,
			AccessControl:   mask&4 != 0,
			LegacyS0:        mask&8 != 0,
		}
		got := DecodeSecurityClasses(EncodeSecurityClasses(flags))
		if got != flags {
			t.Errorf("mask %04b: round trip = %+v, want %+v", mask, got, flags)
		}
	}
}

func TestEncodeSecurityClasses(t *testing.T) {
	tests := []struct {
		name    string
		sources []SecurityFlags
		want    []SecurityClass
	}{
		{
			name: "no sources",
			want: []SecurityClass{},
		},
		{
			name:    "canonical order",
			sources: []SecurityFlags{{LegacyS0: true, Unauthenticated: true, AccessControl: true}},
			want:    []SecurityClass{SecurityS2Unauthenticated, SecurityS2AccessControl, SecurityS0Legacy},
		},
		{
			name: "union never clears a flag",
			sources: []SecurityFlags{
				{Authenticated: true},
				{Authenticated: false, LegacyS0: true},
			},
			want: []SecurityClass{SecurityS2Authenticated, SecurityS0Legacy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeSecurityClasses(tt.sources...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("EncodeSecurityClasses() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecurityClassesFromInts(t *testing.T) {
	got := SecurityClassesFromInts([]int{7, 3, 0, -1, 2, 9})
	want := []SecurityClass{SecurityS0Legacy, SecurityS2Unauthenticated, SecurityS2AccessControl}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SecurityClassesFromInts() = %v, want %v", got, want)
	}

	flags := DecodeSecurityClasses(got)
	if flags.Authenticated || !flags.LegacyS0 || !flags.Unauthenticated || !flags.AccessControl {
		t.Errorf("DecodeSecurityClasses() = %+v", flags)
	}
}
