package config

import (
	"testing"
	"time"
)

func TestMayStringAndPrefix(t *testing.T) {
	t.Setenv("CFGTEST_STATUS_ADDR", "127.0.0.1:7600")
	c := New().Prefix("CFGTEST_").Prefix("STATUS_")
	if got := c.MayString("ADDR", "x"); got != "127.0.0.1:7600" {
		t.Fatalf("MayString = %q", got)
	}
	if got := c.MayString("MISSING", "fallback"); got != "fallback" {
		t.Fatalf("MayString missing = %q", got)
	}
}

func TestMayIntFallbacks(t *testing.T) {
	c := New().Prefix("CFGTEST_")
	if got := c.MayInt("MISSING", 5); got != 5 {
		t.Fatalf("missing = %d", got)
	}
	t.Setenv("CFGTEST_N", "12")
	if got := c.MayInt("N", 5); got != 12 {
		t.Fatalf("valid = %d", got)
	}
	t.Setenv("CFGTEST_N", "twelve")
	if got := c.MayInt("N", 5); got != 5 {
		t.Fatalf("invalid should fall back, got %d", got)
	}
}

func TestMayBoolAndDuration(t *testing.T) {
	c := New().Prefix("CFGTEST_")
	t.Setenv("CFGTEST_FLAG", "true")
	if !c.MayBool("FLAG", false) {
		t.Fatalf("MayBool true failed")
	}
	t.Setenv("CFGTEST_FLAG", "banana")
	if c.MayBool("FLAG", false) {
		t.Fatalf("invalid bool should fall back")
	}

	t.Setenv("CFGTEST_T", "90s")
	if got := c.MayDuration("T", time.Minute); got != 90*time.Second {
		t.Fatalf("MayDuration = %v", got)
	}
	t.Setenv("CFGTEST_T", "soon")
	if got := c.MayDuration("T", time.Minute); got != time.Minute {
		t.Fatalf("invalid duration should fall back, got %v", got)
	}
}

func TestMayPort(t *testing.T) {
	c := New().Prefix("CFGTEST_")
	if got := c.MayPort("PORT", ":7600"); got != ":7600" {
		t.Fatalf("missing port = %q", got)
	}
	t.Setenv("CFGTEST_PORT", "8123")
	if got := c.MayPort("PORT", ":7600"); got != ":8123" {
		t.Fatalf("port = %q", got)
	}
	t.Setenv("CFGTEST_PORT", ":9001")
	if got := c.MayPort("PORT", ":7600"); got != ":9001" {
		t.Fatalf("colon port = %q", got)
	}
	t.Setenv("CFGTEST_PORT", "99999")
	if got := c.MayPort("PORT", ":7600"); got != ":7600" {
		t.Fatalf("out-of-range port should fall back, got %q", got)
	}
}

func TestMayCSV(t *testing.T) {
	c := New().Prefix("CFGTEST_")
	def := []string{"a"}
	if got := c.MayCSV("MISSING", def); len(got) != 1 || got[0] != "a" {
		t.Fatalf("missing csv = %v", got)
	}
	t.Setenv("CFGTEST_LIST", " one , two ,, three ")
	got := c.MayCSV("LIST", def)
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("csv = %v", got)
	}
	t.Setenv("CFGTEST_LIST", " , ,")
	if got := c.MayCSV("LIST", def); len(got) != 1 || got[0] != "a" {
		t.Fatalf("blank csv should fall back, got %v", got)
	}
}
