package dsk

import (
	"strings"
	"testing"
)

const canonical = "44254-06861-29292-15733-32592-57065-47196-10214"

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		shape Shape
	}{
		{
			name:  "40 digits",
			input: "4425406861292921573332592570654719610214",
			want:  canonical,
			shape: ShapeDecimal,
		},
		{
			name:  "already canonical",
			input: canonical,
			want:  canonical,
			shape: ShapeDecimal,
		},
		{
			name:  "digits with spaces and stray dashes",
			input: " 44254 06861-29292 15733\t32592-57065 47196 10214 ",
			want:  canonical,
			shape: ShapeDecimal,
		},
		{
			name:  "lowercase hex",
			input: "acde1acd726c3d757f50dee9b85c27e6",
			want:  canonical,
			shape: ShapeHex,
		},
		{
			name:  "grouped uppercase hex",
			input: "ACDE-1ACD-726C-3D75-7F50-DEE9-B85C-27E6",
			want:  canonical,
			shape: ShapeHex,
		},
		{
			name:  "framed hex with key first",
			input: "acde1acd726c3d757f50dee9b85c27e6ffffffff",
			want:  canonical,
			shape: ShapeFramedHex,
		},
		{
			name:  "framed hex with zero prefix falls back to suffix",
			input: "00000000000000000000000000000000" + "acde1acd",
			want:  "00000-00000-00000-00000-00000-00000-44254-06861",
			shape: ShapeFramedHex,
		},
		{
			name:  "too short",
			input: "12345-678",
			want:  "12345678",
			shape: ShapeUnrecognised,
		},
		{
			name:  "all zero hex is not a key",
			input: strings.Repeat("0", 32),
			want:  strings.Repeat("0", 32),
			shape: ShapeUnrecognised,
		},
		{
			name:  "non-hex character",
			input: strings.Repeat("A", 31) + "G",
			want:  strings.Repeat("A", 31) + "G",
			shape: ShapeUnrecognised,
		},
		{
			name:  "empty",
			input: "",
			want:  "",
			shape: ShapeUnrecognised,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, shape := Analyze(tt.input)
			if got != tt.want {
				t.Errorf("Analyze(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if shape != tt.shape {
				t.Errorf("Analyze(%q) shape = %v, want %v", tt.input, shape, tt.shape)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"4425406861292921573332592570654719610214",
		"44254 06861 29292 15733 32592 57065 47196 10214",
		"acde1acd726c3d757f50dee9b85c27e6",
		"AcDe1aCd-726c3D75-7f50DEE9-b85c27E6",
		"00001-00002-00003-00004-00005-00006-00007-00008",
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
		if groups := strings.Split(once, "-"); len(groups) != Groups {
			t.Errorf("Normalize(%q) = %q has %d groups, want %d", in, once, len(groups), Groups)
		}
		if !Valid(once) {
			t.Errorf("Valid(%q) = false", once)
		}
	}
}

func TestValidRejectsNonCanonical(t *testing.T) {
	if Valid("4425406861292921573332592570654719610214") {
		t.Error("ungrouped digits reported as canonical")
	}
	if Valid("not-a-dsk") {
		t.Error("garbage reported as canonical")
	}
}
