// Package testutil provides shared numeric assertions for the estimation
// packages' tests.
package testutil

import (
	"math"
	"testing"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Close reports whether a and b agree within tol. Two NaNs are equal.
func Close(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if a == b {
		return true
	}
	return math.Abs(a-b) <= tol
}

// AssertAllClose checks that got and want have the same length and agree
// element-wise within tol.
func AssertAllClose(t testing.TB, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("length = %d, want %d", len(got), len(want))
		return
	}
	for i := range got {
		if !Close(got[i], want[i], tol) {
			t.Errorf("[%d] = %g, want %g (tol %g)", i, got[i], want[i], tol)
		}
	}
}

// AssertVecClose is AssertAllClose for 3-vectors.
func AssertVecClose(t testing.TB, got, want [3]float64, tol float64) {
	t.Helper()
	AssertAllClose(t, got[:], want[:], tol)
}
