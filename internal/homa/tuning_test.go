package homa

import "testing"

func TestTuningChangedClampsOvercommit(t *testing.T) {
	tu := Tuning{MaxOvercommit: MaxGrants + 5, FifoGrantIncr: 1000, GrantFifoFraction: 50}
	tu.TuningChanged()
	if tu.MaxOvercommit != MaxGrants {
		t.Fatalf("MaxOvercommit = %d, want clamped to %d", tu.MaxOvercommit, MaxGrants)
	}
}

func TestTuningChangedDefaultsOvercommit(t *testing.T) {
	tu := Tuning{MaxOvercommit: 0, FifoGrantIncr: 1000, GrantFifoFraction: 50}
	tu.TuningChanged()
	if tu.MaxOvercommit != 1 {
		t.Fatalf("MaxOvercommit = %d, want 1", tu.MaxOvercommit)
	}
}

func TestTuningChangedClampsFifoFraction(t *testing.T) {
	tu := Tuning{MaxOvercommit: 1, FifoGrantIncr: 1000, GrantFifoFraction: 5000}
	tu.TuningChanged()
	if tu.GrantFifoFraction != maxFifoFractionPermil {
		t.Fatalf("GrantFifoFraction = %d, want %d", tu.GrantFifoFraction, maxFifoFractionPermil)
	}
}

func TestTuningChangedGrantNonFifoFormula(t *testing.T) {
	tu := Tuning{MaxOvercommit: 1, FifoGrantIncr: 10000, GrantFifoFraction: 50}
	tu.TuningChanged()
	want := (1000*10000)/50 - 10000
	if tu.grantNonFifo != want {
		t.Fatalf("grantNonFifo = %d, want %d", tu.grantNonFifo, want)
	}
}

func TestTuningChangedZeroFifoFractionDisablesFifo(t *testing.T) {
	tu := Tuning{MaxOvercommit: 1, FifoGrantIncr: 1000, GrantFifoFraction: 0}
	tu.TuningChanged()
	if tu.grantNonFifo != 0 {
		t.Fatalf("grantNonFifo = %d, want 0", tu.grantNonFifo)
	}
}

func TestDefaultTuningUsable(t *testing.T) {
	tu := DefaultTuning()
	if tu.MaxOvercommit <= 0 || tu.MaxOvercommit > MaxGrants {
		t.Fatalf("MaxOvercommit out of range: %d", tu.MaxOvercommit)
	}
	if tu.pollWindow <= 0 || tu.busyWindow <= 0 {
		t.Fatalf("derived durations not populated: poll=%v busy=%v", tu.pollWindow, tu.busyWindow)
	}
}
