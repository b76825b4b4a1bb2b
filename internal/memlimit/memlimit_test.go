package memlimit

import "testing"

const mib = 1 << 20

func TestReserveWithinCeiling(t *testing.T) {
	a := New(20*mib, 5)
	if !a.Reserve(10 * mib) {
		t.Fatal("10MiB should fit a 20MiB ceiling")
	}
	if a.Reserve(11 * mib) {
		t.Fatal("21MiB total must be refused")
	}
	if a.Used() != 10*mib {
		t.Errorf("a refused reservation must not be accounted, used=%d", a.Used())
	}
	a.Release(10 * mib)
	if a.Used() != 0 || a.Peak() != 10*mib {
		t.Errorf("used=%d peak=%d", a.Used(), a.Peak())
	}
}

func TestPressureShrinksCeiling(t *testing.T) {
	a := New(20*mib, 5)
	a.SetPressure(true)
	if got := a.Effective(); got != 4*mib {
		t.Fatalf("Effective under pressure = %d, want %d", got, 4*mib)
	}
	if a.Reserve(5 * mib) {
		t.Fatal("5MiB must be refused under pressure")
	}
	a.SetPressure(false)
	if !a.Reserve(5 * mib) {
		t.Fatal("5MiB should fit once pressure clears")
	}
}

func TestUnlimited(t *testing.T) {
	a := New(0, 0)
	if !a.Reserve(1 << 40) {
		t.Fatal("zero limit means no ceiling")
	}
	if HeapLimit(0) != 0 {
		t.Error("HeapLimit(0) should be unlimited")
	}
	a.Release(1 << 41)
	if a.Used() != 0 {
		t.Errorf("over-release should clamp to zero, got %d", a.Used())
	}
}
