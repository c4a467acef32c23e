package metricsworker

import (
	"testing"
)

func TestDataSpaceTotalExtractsMatchingPair(t *testing.T) {
	pairs := [][2]string{
		{"Pool Name", "docker-thinpool"},
		{"Data Space Total", "107.4 GB"},
	}
	got := dataSpaceTotal(pairs)
	size := 107.4
	want := int64(size * (1 << 30))
	if got != want {
		t.Fatalf("dataSpaceTotal = %d, want %d", got, want)
	}
}

func TestDataSpaceTotalMissingReturnsZero(t *testing.T) {
	if got := dataSpaceTotal(nil); got != 0 {
		t.Fatalf("dataSpaceTotal(nil) = %d, want 0", got)
	}
}

func TestPercentOfZeroTotal(t *testing.T) {
	if got := percentOf(10, 0); got != 0 {
		t.Fatalf("percentOf with zero total = %f, want 0", got)
	}
}

func TestPercentOfNormal(t *testing.T) {
	if got := percentOf(50, 200); got != 25 {
		t.Fatalf("percentOf = %f, want 25", got)
	}
}

func TestIsFinite(t *testing.T) {
	if !isFinite(1.5) {
		t.Fatal("expected 1.5 to be finite")
	}
	if isFinite(1.0 / zero()) {
		t.Fatal("expected +Inf to be non-finite")
	}
}

func zero() float64 { return 0 }
