package imageservice

import "testing"

func TestAllocatorReserveWithinCapacity(t *testing.T) {
	a := NewAllocator(100)

	if !a.TryReserve(60) {
		t.Fatal("expected reservation within capacity to succeed")
	}
	if got := a.Used(); got != 60 {
		t.Fatalf("used = %d, want 60", got)
	}
}

func TestAllocatorRejectsOverCapacity(t *testing.T) {
	a := NewAllocator(100)

	if !a.TryReserve(90) {
		t.Fatal("expected first reservation to succeed")
	}
	if a.TryReserve(20) {
		t.Fatal("expected second reservation to fail: 90+20 > 100")
	}
	if got := a.Used(); got != 90 {
		t.Fatalf("used = %d, want 90 (failed reservation must not change usage)", got)
	}
}

func TestAllocatorReleaseFreesSpace(t *testing.T) {
	a := NewAllocator(100)

	a.TryReserve(80)
	a.Release(50)

	if got := a.Used(); got != 30 {
		t.Fatalf("used = %d, want 30", got)
	}
	if !a.TryReserve(70) {
		t.Fatal("expected reservation to fit after release")
	}
}

func TestAllocatorReleaseNeverGoesNegative(t *testing.T) {
	a := NewAllocator(100)

	a.Release(50)

	if got := a.Used(); got != 0 {
		t.Fatalf("used = %d, want 0 after releasing more than reserved", got)
	}
}

func TestAllocatorZeroCapacityDisablesAccounting(t *testing.T) {
	a := NewAllocator(0)

	if !a.TryReserve(1 << 40) {
		t.Fatal("expected a non-positive capacity to accept any reservation")
	}
}
