package tensor

import "math"

// MatMul computes C = A @ B for 2D tensors A [M, K] and B [K, N], using a
// cache-friendly tiled loop. Returns nil when the inner dimensions disagree.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		return nil
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	c := New(m, n)

	const ts = 64
	for i0 := 0; i0 < m; i0 += ts {
		for k0 := 0; k0 < k; k0 += ts {
			for j0 := 0; j0 < n; j0 += ts {
				iMax := min(i0+ts, m)
				kMax := min(k0+ts, k)
				jMax := min(j0+ts, n)
				for i := i0; i < iMax; i++ {
					for kk := k0; kk < kMax; kk++ {
						ai := a.Data[i*k+kk]
						rowC := i * n
						rowB := kk * n
						for j := j0; j < jMax; j++ {
							c.Data[rowC+j] += ai * b.Data[rowB+j]
						}
					}
				}
			}
		}
	}
	return c
}

// Transpose2D returns the transpose of a 2D tensor.
func Transpose2D(t *Tensor) *Tensor {
	m, n := t.Shape[0], t.Shape[1]
	out := New(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return out
}

// Softmax writes the max-shifted softmax of v into a new slice, accumulating
// the normalizer in float64.
func Softmax(v []float32) []float32 {
	out := make([]float32, len(v))
	if len(v) == 0 {
		return out
	}
	mx := v[0]
	for _, x := range v[1:] {
		if x > mx {
			mx = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - mx))
		out[i] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range out {
		out[i] *= inv
	}
	return out
}

// SoftmaxRows applies Softmax independently to every row of a 2D tensor.
func SoftmaxRows(t *Tensor) *Tensor {
	m, n := t.Shape[0], t.Shape[1]
	out := New(m, n)
	for i := 0; i < m; i++ {
		copy(out.Data[i*n:(i+1)*n], Softmax(t.Data[i*n:(i+1)*n]))
	}
	return out
}

// Mean returns the mean of all elements.
func Mean(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	return float32(sum / float64(len(v)))
}

// AbsMean returns the mean absolute value of all elements.
func AbsMean(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += math.Abs(float64(x))
	}
	return float32(sum / float64(len(v)))
}

// MSE returns the mean squared error between two equally sized slices.
func MSE(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return float32(sum / float64(len(a)))
}

// L2Norm returns the Euclidean norm of v.
func L2Norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// CosineRows computes the cosine similarity between matching rows of two
// [M, N] tensors, returning a length-M slice.
func CosineRows(a, b *Tensor) []float32 {
	m, n := a.Shape[0], a.Shape[1]
	out := make([]float32, m)
	for i := 0; i < m; i++ {
		var dot, na, nb float64
		for j := 0; j < n; j++ {
			x := float64(a.Data[i*n+j])
			y := float64(b.Data[i*n+j])
			dot += x * y
			na += x * x
			nb += y * y
		}
		den := math.Sqrt(na)*math.Sqrt(nb) + 1e-8
		out[i] = float32(dot / den)
	}
	return out
}

// CosineCols computes the cosine similarity between matching columns of two
// [M, N] tensors, returning a length-N slice. This is similarity along the
// channel axis when rows are channels.
func CosineCols(a, b *Tensor) []float32 {
	m, n := a.Shape[0], a.Shape[1]
	out := make([]float32, n)
	for j := 0; j < n; j++ {
		var dot, na, nb float64
		for i := 0; i < m; i++ {
			x := float64(a.Data[i*n+j])
			y := float64(b.Data[i*n+j])
			dot += x * y
			na += x * x
			nb += y * y
		}
		den := math.Sqrt(na)*math.Sqrt(nb) + 1e-8
		out[j] = float32(dot / den)
	}
	return out
}

// Clip limits v to the range [-bound, bound].
func Clip(v, bound float32) float32 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// CeilHalf returns ceil(v / 2) for non-negative integers.
func CeilHalf(v int) int { return (v + 1) / 2 }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
