package runtime

import "testing"

func TestGetenvFallback(t *testing.T) {
	t.Setenv("PF_TEST_KEY", "set")
	if got := Getenv("PF_TEST_KEY", "fallback"); got != "set" {
		t.Fatalf("Getenv = %q, want set value", got)
	}
	if got := Getenv("PF_TEST_KEY_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("Getenv = %q, want fallback", got)
	}
}
