package raw

import (
	"testing"
	"time"
)

func TestGetDefaultsAndTrim(t *testing.T) {
	c := New().Prefix("RAWTEST_")

	if got := c.Get("MISSING", "fallback"); got != "fallback" {
		t.Fatalf("Get missing = %q", got)
	}

	t.Setenv("RAWTEST_PADDED", "  value  ")
	if got := c.Get("PADDED", "x"); got != "value" {
		t.Fatalf("Get should trim, got %q", got)
	}
}

func TestGetBool(t *testing.T) {
	c := New().Prefix("RAWTEST_")

	if !c.GetBool("MISSING_BOOL", true) {
		t.Fatalf("missing bool should return default")
	}
	for _, truthy := range []string{"1", "true", "yes", "TRUE", "Yes"} {
		t.Setenv("RAWTEST_B", truthy)
		if !c.GetBool("B", false) {
			t.Fatalf("GetBool(%q) should be true", truthy)
		}
	}
	t.Setenv("RAWTEST_B", "nope")
	if c.GetBool("B", true) {
		t.Fatalf("non-truthy value should be false")
	}
}

func TestGetInt(t *testing.T) {
	c := New().Prefix("RAWTEST_")

	if got := c.GetInt("MISSING_INT", 7); got != 7 {
		t.Fatalf("missing int = %d", got)
	}
	t.Setenv("RAWTEST_N", "42")
	if got := c.GetInt("N", 0); got != 42 {
		t.Fatalf("GetInt = %d", got)
	}
	t.Setenv("RAWTEST_N", "-3")
	if got := c.GetInt("N", 9); got != 9 {
		t.Fatalf("negative should fall back to default, got %d", got)
	}
	t.Setenv("RAWTEST_N", "12x")
	if got := c.GetInt("N", 9); got != 9 {
		t.Fatalf("non-numeric should fall back to default, got %d", got)
	}
}

func TestGetDuration(t *testing.T) {
	c := New().Prefix("RAWTEST_")

	if got := c.GetDuration("MISSING_D", 3*time.Second); got != 3*time.Second {
		t.Fatalf("missing duration = %v", got)
	}
	t.Setenv("RAWTEST_D", "250ms")
	if got := c.GetDuration("D", 0); got != 250*time.Millisecond {
		t.Fatalf("GetDuration = %v", got)
	}
	t.Setenv("RAWTEST_D", "soon")
	if got := c.GetDuration("D", time.Minute); got != time.Minute {
		t.Fatalf("invalid duration should fall back, got %v", got)
	}
}

func TestPrefixComposition(t *testing.T) {
	t.Setenv("A_B_KEY", "v")
	c := New().Prefix("A_").Prefix("B_")
	if got := c.Get("KEY", ""); got != "v" {
		t.Fatalf("prefix composition broken, got %q", got)
	}
}
