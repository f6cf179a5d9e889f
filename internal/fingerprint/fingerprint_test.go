package fingerprint

import "testing"

func TestNormalize_RemovesFragment(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://example.com/watch#t=30", "https://example.com/watch"},
		{"https://example.com/watch#", "https://example.com/watch"},
		{"https://example.com/watch", "https://example.com/watch"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalize_RemovesTrailingSlash(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://example.com/video/", "https://example.com/video"},
		{"https://example.com/a/b/c/", "https://example.com/a/b/c"},
		{"https://example.com/", "https://example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalize_LowercasesHost(t *testing.T) {
	got := Normalize("HTTPS://Example.COM/Watch?v=AbC")
	want := "https://example.com/Watch?v=AbC"
	if got != want {
		t.Errorf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalize_StripsTrackingParams(t *testing.T) {
	got := Normalize("https://example.com/watch?v=abc&utm_source=share&fbclid=xyz")
	want := "https://example.com/watch?v=abc"
	if got != want {
		t.Errorf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalize_SortsQueryParams(t *testing.T) {
	a := Normalize("https://example.com/watch?b=2&a=1")
	b := Normalize("https://example.com/watch?a=1&b=2")
	if a != b {
		t.Errorf("query order should not matter: %q != %q", a, b)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	opts := map[string]string{"quality": "720", "format": "mp4"}

	fp1 := Compute("https://example.com/watch?v=abc", opts)
	fp2 := Compute("https://example.com/watch?v=abc", opts)
	if fp1 != fp2 {
		t.Errorf("same inputs produced different fingerprints: %s != %s", fp1, fp2)
	}
}

func TestCompute_EquivalentInputsCollide(t *testing.T) {
	fp1 := Compute("https://Example.com/watch/?v=abc#frag", map[string]string{"Quality": "720"})
	fp2 := Compute("https://example.com/watch?v=abc", map[string]string{"quality": "720"})
	if fp1 != fp2 {
		t.Errorf("equivalent inputs should share a fingerprint: %s != %s", fp1, fp2)
	}
}

func TestCompute_DistinctInputsDiffer(t *testing.T) {
	base := Compute("https://example.com/watch?v=abc", nil)

	tests := []struct {
		name    string
		locator string
		options map[string]string
	}{
		{"different locator", "https://example.com/watch?v=def", nil},
		{"options added", "https://example.com/watch?v=abc", map[string]string{"quality": "480"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.locator, tt.options); got == base {
				t.Errorf("expected distinct fingerprint for %s", tt.name)
			}
		})
	}
}

func TestCompute_OptionOrderIrrelevant(t *testing.T) {
	// Maps have no order in Go, but distinct maps with the same pairs must
	// still hash identically.
	fp1 := Compute("https://example.com/a", map[string]string{"a": "1", "b": "2", "c": "3"})
	fp2 := Compute("https://example.com/a", map[string]string{"c": "3", "b": "2", "a": "1"})
	if fp1 != fp2 {
		t.Errorf("option map construction order changed the fingerprint")
	}
}
