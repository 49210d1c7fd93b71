package budget

import "testing"

func TestStatus_LevelThresholds(t *testing.T) {
	tr := New(1000)
	tr.Record(500, 10)
	if got := tr.Status().Level; got != LevelOK {
		t.Errorf("Level at 50%% = %v, want ok", got)
	}

	tr2 := New(1000)
	tr2.Record(800, 10)
	if got := tr2.Status().Level; got != LevelHigh {
		t.Errorf("Level at 80%% = %v, want high", got)
	}

	tr3 := New(1000)
	tr3.Record(950, 10)
	if got := tr3.Status().Level; got != LevelCritical {
		t.Errorf("Level at 95%% = %v, want critical", got)
	}
}

func TestShouldWarnHigh_FiresOnceOnly(t *testing.T) {
	tr := New(1000)
	tr.Record(800, 0)

	if !tr.ShouldWarnHigh() {
		t.Fatal("expected first ShouldWarnHigh() to be true")
	}
	if tr.ShouldWarnHigh() {
		t.Error("expected second ShouldWarnHigh() to be false (edge-triggered)")
	}
}

func TestShouldWarnCritical_HighStillFires(t *testing.T) {
	tr := New(1000)
	tr.Record(950, 0)

	if !tr.ShouldWarnCritical() {
		t.Fatal("expected ShouldWarnCritical() to be true")
	}
	if !tr.ShouldWarnHigh() {
		t.Error("expected ShouldWarnHigh() to fire too: a critical state is also a high state")
	}
	if tr.ShouldWarnHigh() {
		t.Error("expected second ShouldWarnHigh() to be false (edge-triggered)")
	}
	if tr.ShouldWarnCritical() {
		t.Error("expected second ShouldWarnCritical() to be false (edge-triggered)")
	}
}

func TestSetContextLength_RehomesWithoutResettingLatches(t *testing.T) {
	tr := New(1000)
	tr.Record(950, 0)
	tr.ShouldWarnCritical()

	tr.SetContextLength(4000)
	tr.Record(100, 0)

	if tr.ShouldWarnCritical() {
		t.Error("expected latch to remain tripped across SetContextLength")
	}
	if got := tr.Status().ContextLength; got != 4000 {
		t.Errorf("ContextLength = %d, want 4000", got)
	}
}
