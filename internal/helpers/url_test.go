package helpers

import (
	"strings"
	"testing"
)

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://WWW.Example.COM/Recipes", "https://www.example.com/Recipes"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps explicit port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
		{"strips tracking params", "https://example.com/a?utm_source=x&utm_campaign=y&id=5", "https://example.com/a?id=5"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"cleans path", "https://example.com/a/../b/./c", "https://example.com/b/c"},
		{"keeps trailing slash", "https://example.com/recipes/", "https://example.com/recipes/"},
		{"defaults scheme", "example.com/pasta", "https://example.com/pasta"},
		{"protocol relative", "//example.com/pasta", "https://example.com/pasta"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalURL(tc.in)
			if err != nil {
				t.Fatalf("CanonicalURL(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("CanonicalURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalURLRejectsEmpty(t *testing.T) {
	if _, err := CanonicalURL("   "); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestURLFingerprintStable(t *testing.T) {
	a, err := URLFingerprint("https://Example.com/pasta?utm_source=feed")
	if err != nil {
		t.Fatal(err)
	}
	b, err := URLFingerprint("example.com/pasta")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected identical fingerprints, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(a))
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go: {\"a\": 1} hope it helps", `{"a": 1}`},
		{"leading byte order mark", "\uFEFF{\"a\":1}", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if err != nil {
				t.Fatalf("ExtractJSON(%q): %v", tc.in, err)
			}
			if strings.TrimSpace(got) != tc.want {
				t.Fatalf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	if _, err := ExtractJSON("no json here"); err == nil {
		t.Fatal("expected error when no object present")
	}
}
