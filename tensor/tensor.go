// Package tensor provides the flat row-major float32 tensor shared by the
// pixel samplers and the scene model. Shapes are explicit; data is a single
// contiguous slice addressed through strides.
package tensor

// Tensor is a row-major n-dimensional array.
type Tensor struct {
	Data    []float32
	Shape   []int
	Strides []int
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Data: make([]float32, n), Shape: append([]int(nil), shape...), Strides: strides(shape)}
}

// FromSlice wraps data in a tensor with the given shape. The slice is not
// copied; it must have exactly the number of elements the shape requires.
func FromSlice(data []float32, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(data) != n {
		return nil
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...), Strides: strides(shape)}
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = s
		s *= shape[i]
	}
	return st
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:    make([]float32, len(t.Data)),
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
	}
	copy(out.Data, t.Data)
	return out
}

// Reshape returns a view of the same data with a new shape, or nil when the
// element counts do not match.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != t.Size() {
		return nil
	}
	return &Tensor{Data: t.Data, Shape: append([]int(nil), shape...), Strides: strides(shape)}
}

// At reads the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offset(idx)]
}

// Set writes the element at the given multi-index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	off := 0
	for i, x := range idx {
		off += x * t.Strides[i]
	}
	return off
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// FirstChannels returns a view of the leading n channels of a [C, H, W]
// tensor. The prefix is contiguous in row-major order, so no copy is made.
func (t *Tensor) FirstChannels(n int) *Tensor {
	h, w := t.Shape[1], t.Shape[2]
	return &Tensor{Data: t.Data[:n*h*w], Shape: []int{n, h, w}, Strides: strides([]int{n, h, w})}
}

// ChannelsFrom returns a view of the channels of a [C, H, W] tensor starting
// at channel n.
func (t *Tensor) ChannelsFrom(n int) *Tensor {
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	return &Tensor{Data: t.Data[n*h*w:], Shape: []int{c - n, h, w}, Strides: strides([]int{c - n, h, w})}
}

// Row returns a view of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float32 {
	w := t.Shape[1]
	return t.Data[i*w : (i+1)*w]
}
