package keypool

import (
	"testing"
	"time"

	"github.com/kilnforge/conductor/internal/errorkind"
)

func TestGet_AlwaysReturnsAKey(t *testing.T) {
	p := New([]string{"kA"})
	if k := p.Get(); k == nil {
		t.Fatal("Get() returned nil")
	}
	p.ReportError(errorkind.RateLimit)
	if k := p.Get(); k == nil {
		t.Fatal("Get() returned nil even with the sole key cooling down")
	}
}

func TestPool_RotatesAwayFromCoolingDownKey(t *testing.T) {
	p := New([]string{"kA", "kB", "kC"})
	first := p.Get()
	if first.Credential != "kA" {
		t.Fatalf("first Get() = %s, want kA", first.Credential)
	}
	p.ReportError(errorkind.RateLimit)

	next := p.Get()
	if next.Credential == "kA" {
		t.Errorf("Get() after cooldown still returned kA")
	}
}

func TestReportSuccess_ClearsCooldown(t *testing.T) {
	p := New([]string{"kA"})
	p.ReportError(errorkind.RateLimit)
	p.index = 0
	p.ReportSuccess()

	k := p.keys[0]
	if k.ConsecutiveErrorCount != 0 {
		t.Errorf("ConsecutiveErrorCount = %d, want 0", k.ConsecutiveErrorCount)
	}
	if !k.CooldownUntil.IsZero() {
		t.Errorf("CooldownUntil = %v, want zero", k.CooldownUntil)
	}
}

func TestReportError_RateLimitCooldownBaseline(t *testing.T) {
	p := New([]string{"kA"})
	before := time.Now()
	p.ReportError(errorkind.RateLimit)

	k := p.keys[0]
	minExpected := before.Add(59 * time.Second)
	maxExpected := before.Add(61 * time.Second)
	if k.CooldownUntil.Before(minExpected) || k.CooldownUntil.After(maxExpected) {
		t.Errorf("CooldownUntil = %v, want roughly 60s after %v", k.CooldownUntil, before)
	}
}

func TestReportError_CooldownEscalatesThenCaps(t *testing.T) {
	p := New([]string{"kA"})
	for i := 0; i < 5; i++ {
		p.index = 0
		p.ReportError(errorkind.RateLimit)
	}
	k := p.keys[0]
	maxAllowed := time.Now().Add(time.Hour + time.Second)
	if k.CooldownUntil.After(maxAllowed) {
		t.Errorf("CooldownUntil = %v, exceeds the 1h cap", k.CooldownUntil)
	}
}

func TestAvailableCount(t *testing.T) {
	p := New([]string{"kA", "kB", "kC"})
	if n := p.AvailableCount(); n != 3 {
		t.Fatalf("AvailableCount() = %d, want 3", n)
	}
	p.ReportError(errorkind.RateLimit)
	if n := p.AvailableCount(); n != 2 {
		t.Errorf("AvailableCount() = %d, want 2", n)
	}
}
