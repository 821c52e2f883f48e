package maskops

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestStableExp(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 1},
		{1, math.E},
		{100, math.Exp(SafetyBound)},
		{-100, math.Exp(-SafetyBound)},
	}
	for _, c := range cases {
		got := StableExp(c.in)
		if math.Abs(got-c.want) > 1e-9*c.want {
			t.Errorf("StableExp(%v) = %v, want %v", c.in, got, c.want)
		}
	}

	// Upper-only clamp keeps tiny values exact.
	if got := StableExpUpper(-100); got != math.Exp(-100) {
		t.Errorf("StableExpUpper(-100) = %v, want exact exp", got)
	}
	if got := StableExpUpper(100); got != math.Exp(SafetyBound) {
		t.Errorf("StableExpUpper(100) = %v, want saturated", got)
	}
}

func TestMaskedReductions(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	mask := mat.NewDense(2, 3, []float64{1, 1, 0, 1, 1, 1})

	if n := Count(mask); n != 5 {
		t.Fatalf("Count = %d, want 5", n)
	}
	if s := Sum(x, mask); math.Abs(s-18) > 1e-12 {
		t.Errorf("Sum = %v, want 18", s)
	}
	if m := Mean(x, mask); math.Abs(m-3.6) > 1e-12 {
		t.Errorf("Mean = %v, want 3.6", m)
	}

	rs := RowSum(x, mask)
	wantRS := []float64{3, 15}
	for i, w := range wantRS {
		if math.Abs(rs[i]-w) > 1e-12 {
			t.Errorf("RowSum[%d] = %v, want %v", i, rs[i], w)
		}
	}

	rm := RowMean(x, mask)
	wantRM := []float64{1.5, 5}
	for i, w := range wantRM {
		if math.Abs(rm[i]-w) > 1e-12 {
			t.Errorf("RowMean[%d] = %v, want %v", i, rm[i], w)
		}
	}

	// Masked-out 3 must not reach the reduction.
	sq := MeanFunc(x, mask, func(v float64) float64 { return v * v })
	want := (1.0 + 4 + 16 + 25 + 36) / 5
	if math.Abs(sq-want) > 1e-12 {
		t.Errorf("MeanFunc(square) = %v, want %v", sq, want)
	}

	maxv, minv := MaxMin(x, mask)
	if maxv != 6 || minv != 1 {
		t.Errorf("MaxMin = (%v, %v), want (6, 1)", maxv, minv)
	}
}

func TestMeanFunc2(t *testing.T) {
	a := mat.NewDense(1, 3, []float64{1, 2, 3})
	b := mat.NewDense(1, 3, []float64{3, 2, 1})
	mask := mat.NewDense(1, 3, []float64{1, 0, 1})

	got := MeanFunc2(a, b, mask, func(x, y float64) float64 { return x - y })
	if math.Abs(got-0) > 1e-12 {
		t.Errorf("MeanFunc2 = %v, want 0", got)
	}
}

func TestRowAny(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{-5, 0, 0, -5})
	mask := mat.NewDense(2, 2, []float64{1, 1, 1, 0})

	got := RowAny(x, mask, func(v float64) bool { return v < -1 })
	if !got[0] {
		t.Error("row 0 has a valid value below -1, want true")
	}
	if got[1] {
		t.Error("row 1's only hit is masked out, want false")
	}
}

func TestEmptyMaskPanics(t *testing.T) {
	x := mat.NewDense(1, 2, []float64{1, 2})
	mask := mat.NewDense(1, 2, []float64{0, 0})

	defer func() {
		if recover() == nil {
			t.Fatal("Mean over empty mask should panic")
		}
	}()
	Mean(x, mask)
}
