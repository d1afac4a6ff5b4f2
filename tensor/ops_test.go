package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/floats"
)

// TestMatMul verifies the tiled multiply against a hand-computed product
func TestMatMul(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromSlice([]float32{7, 8, 9, 10, 11, 12}, 3, 2)
	got := MatMul(a, b)
	want := []float32{58, 64, 139, 154}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Errorf("MatMul mismatch (-want +got):\n%s", diff)
	}
}

// TestMatMulLarge cross-checks the tiled path against a naive multiply on a
// shape that spans multiple tiles
func TestMatMulLarge(t *testing.T) {
	const m, k, n = 70, 65, 67
	a, b := New(m, k), New(k, n)
	for i := range a.Data {
		a.Data[i] = float32(i%13) - 6
	}
	for i := range b.Data {
		b.Data[i] = float32(i%7) - 3
	}
	got := MatMul(a, b)
	for i := 0; i < m; i += 23 {
		for j := 0; j < n; j += 19 {
			var want float32
			for x := 0; x < k; x++ {
				want += a.Data[i*k+x] * b.Data[x*n+j]
			}
			if math.Abs(float64(got.Data[i*n+j]-want)) > 1e-3 {
				t.Errorf("Expected %v at (%d,%d), got %v", want, i, j, got.Data[i*n+j])
			}
		}
	}
}

// TestTranspose2D verifies the transpose layout
func TestTranspose2D(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := Transpose2D(a)
	want := []float32{1, 4, 2, 5, 3, 6}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Errorf("Transpose2D mismatch (-want +got):\n%s", diff)
	}
}

// TestSoftmax verifies normalization and large-input stability
func TestSoftmax(t *testing.T) {
	got := Softmax([]float32{1, 2, 3})
	var sum float64
	for _, v := range got {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("Expected softmax to sum to 1, got %v", sum)
	}
	if !(got[2] > got[1] && got[1] > got[0]) {
		t.Errorf("Expected monotone softmax, got %v", got)
	}

	// max-shifted exponentials must not overflow
	big := Softmax([]float32{1000, 1001, 1002})
	for _, v := range big {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Errorf("Softmax not stable for large inputs: %v", big)
		}
	}
}

// TestSoftmaxRows verifies per-row normalization
func TestSoftmaxRows(t *testing.T) {
	a := FromSlice([]float32{0, 0, 10, -10}, 2, 2)
	got := SoftmaxRows(a)
	if math.Abs(float64(got.Data[0]-0.5)) > 1e-5 {
		t.Errorf("Expected uniform row to softmax to 0.5, got %v", got.Data[0])
	}
	if got.Data[2] < 0.999 {
		t.Errorf("Expected dominant logit near 1, got %v", got.Data[2])
	}
}

// TestReductions verifies Mean, AbsMean, MSE and L2Norm
func TestReductions(t *testing.T) {
	if got := Mean([]float32{1, 2, 3, 4}); got != 2.5 {
		t.Errorf("Expected mean 2.5, got %v", got)
	}
	if got := AbsMean([]float32{-1, 1, -3, 3}); got != 2 {
		t.Errorf("Expected abs mean 2, got %v", got)
	}
	if got := MSE([]float32{1, 2}, []float32{3, 2}); got != 2 {
		t.Errorf("Expected MSE 2, got %v", got)
	}
	if got := L2Norm([]float32{3, 4}); got != 5 {
		t.Errorf("Expected norm 5, got %v", got)
	}
}

// TestCosine verifies row-wise and column-wise cosine similarity
func TestCosine(t *testing.T) {
	a := FromSlice([]float32{1, 0, 0, 1}, 2, 2)
	rows := CosineRows(a, a)
	for i, v := range rows {
		if math.Abs(float64(v)-1) > 1e-5 {
			t.Errorf("Expected self row similarity 1 at %d, got %v", i, v)
		}
	}

	// orthogonal columns
	b := FromSlice([]float32{1, 0, 0, 1}, 2, 2)
	c := FromSlice([]float32{0, 1, 1, 0}, 2, 2)
	cols := CosineCols(b, c)
	if !floats.EqualApprox([]float64{0, 0}, []float64{float64(cols[0]), float64(cols[1])}, 1e-5) {
		t.Errorf("Expected orthogonal columns to score 0, got %v", cols)
	}
}

// TestClipAndCeilHalf verifies the scalar helpers
func TestClipAndCeilHalf(t *testing.T) {
	if got := Clip(5.0, 0.01); got != 0.01 {
		t.Errorf("Expected clip to 0.01, got %v", got)
	}
	if got := Clip(-5.0, 0.2); got != -0.2 {
		t.Errorf("Expected clip to -0.2, got %v", got)
	}
	if got := Clip(0.005, 0.01); got != 0.005 {
		t.Errorf("Expected 0.005 unchanged, got %v", got)
	}

	cases := [][2]int{{0, 0}, {1, 1}, {2, 1}, {3, 2}, {7, 4}, {64, 32}}
	for _, c := range cases {
		if got := CeilHalf(c[0]); got != c[1] {
			t.Errorf("Expected CeilHalf(%d)=%d, got %d", c[0], c[1], got)
		}
	}
}
