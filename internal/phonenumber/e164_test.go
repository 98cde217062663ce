package phonenumber

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{
		"+15551234567",
		"(555) 123-4567 ext",
		"15551234567",
		"+1 555 123 4567",
	}
	for _, c := range cases {
		first, ok := Normalize(c)
		if !ok {
			t.Fatalf("Normalize(%q) failed unexpectedly", c)
		}
		if !e164Pattern.MatchString(first) {
			t.Fatalf("Normalize(%q) = %q, does not match E.164", c, first)
		}
		second, ok := Normalize(first)
		if !ok || second != first {
			t.Fatalf("Normalize not idempotent: %q -> %q -> %q", c, first, second)
		}
	}
}

func TestNormalizeRejectsTooShort(t *testing.T) {
	if _, ok := Normalize("12345"); ok {
		t.Fatalf("expected short number to be rejected")
	}
}

func TestNormalizeRejectsTooLong(t *testing.T) {
	if _, ok := Normalize("1234567890123456789"); ok {
		t.Fatalf("expected overlong number to be rejected")
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	if _, ok := Normalize(""); ok {
		t.Fatalf("expected empty string to be rejected")
	}
	if _, ok := Normalize("   "); ok {
		t.Fatalf("expected whitespace-only string to be rejected")
	}
}
