package model

import (
	"math"

	"github.com/chewxy/math32"
	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// convLayer is one 3x3 convolution with replicate padding and no bias.
type convLayer struct {
	inC, outC int
	stride    int
	kernel    []float32 // [outC][inC][3][3]
	reluIn    bool      // apply ReLU to the input before convolving
}

// ConvCompressor is the small per-scale convolutional stack that compresses
// a plane (or plane product) into a channel-rich, spatially-reduced feature
// map. Three strided stages halve the extent while doubling the channels.
type ConvCompressor struct {
	layers      []convLayer
	OutChannels int
}

// NewConvCompressor builds the compressor for planes with the given channel
// count, He-initialized.
func NewConvCompressor(channels int, rng *rand.Rand) *ConvCompressor {
	cc := &ConvCompressor{}
	cc.layers = append(cc.layers, newConvLayer(channels, channels, 1, false, rng))
	c := channels
	for i := 0; i < 3; i++ {
		cc.layers = append(cc.layers, newConvLayer(c, 2*c, 2, true, rng))
		cc.layers = append(cc.layers, newConvLayer(2*c, 2*c, 1, true, rng))
		c *= 2
	}
	cc.OutChannels = c
	return cc
}

func newConvLayer(inC, outC, stride int, reluIn bool, rng *rand.Rand) convLayer {
	kernel := make([]float32, outC*inC*9)
	stddev := float32(math.Sqrt(2.0 / float64(inC*9)))
	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64()) * stddev
	}
	return convLayer{inC: inC, outC: outC, stride: stride, kernel: kernel, reluIn: reluIn}
}

// Forward runs the stack over a [C, H, W] feature map.
func (cc *ConvCompressor) Forward(in *tensor.Tensor) *tensor.Tensor {
	cur := in
	for li := range cc.layers {
		cur = cc.layers[li].forward(cur)
	}
	return cur
}

// forward convolves one layer with replicate padding of 1.
func (l *convLayer) forward(in *tensor.Tensor) *tensor.Tensor {
	h, w := in.Shape[1], in.Shape[2]
	outH := (h+2-3)/l.stride + 1
	outW := (w+2-3)/l.stride + 1
	out := tensor.New(l.outC, outH, outW)

	for f := 0; f < l.outC; f++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				var sum float32
				for ic := 0; ic < l.inC; ic++ {
					for kh := 0; kh < 3; kh++ {
						for kw := 0; kw < 3; kw++ {
							ih := clampInt(oh*l.stride+kh-1, h-1)
							iw := clampInt(ow*l.stride+kw-1, w-1)
							v := in.Data[ic*h*w+ih*w+iw]
							if l.reluIn && v < 0 {
								v = 0
							}
							sum += v * l.kernel[f*l.inC*9+ic*9+kh*3+kw]
						}
					}
				}
				out.Data[f*outH*outW+oh*outW+ow] = sum
			}
		}
	}
	return out
}

func clampInt(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// LinearClassifier distinguishes genuine spatiotemporal cross-products from
// axis-aligned planes: a bias-free MLP that halves the feature width three
// times and softmaxes into two classes.
type LinearClassifier struct {
	weights [][]float32
	dims    []int
}

// NewLinearClassifier builds the classifier stack for inDim features.
func NewLinearClassifier(inDim int, rng *rand.Rand) *LinearClassifier {
	lc := &LinearClassifier{}
	dim := inDim
	lc.dims = append(lc.dims, dim)
	for i := 0; i < 3; i++ {
		next := dim / 2
		lc.weights = append(lc.weights, heVector(dim*next, rng))
		lc.dims = append(lc.dims, next)
		dim = next
	}
	lc.weights = append(lc.weights, heVector(dim*2, rng))
	lc.dims = append(lc.dims, 2)
	return lc
}

// Forward maps [M, inDim] features to [M, 2] class probabilities.
func (lc *LinearClassifier) Forward(features *tensor.Tensor) *tensor.Tensor {
	m := features.Shape[0]
	cur := features
	for li, w := range lc.weights {
		in, out := lc.dims[li], lc.dims[li+1]
		next := tensor.New(m, out)
		for r := 0; r < m; r++ {
			for o := 0; o < out; o++ {
				var sum float32
				for i := 0; i < in; i++ {
					v := cur.Data[r*in+i]
					if li > 0 && v < 0 {
						v = 0 // ReLU on the previous layer's output
					}
					sum += v * w[i*out+o]
				}
				next.Data[r*out+o] = sum
			}
		}
		cur = next
	}
	return tensor.SoftmaxRows(cur)
}

// CrossEntropy is the mean negative log-probability of the target class
// over every row of [M, 2] probabilities.
func (lc *LinearClassifier) CrossEntropy(probs *tensor.Tensor, target int) float32 {
	m := probs.Shape[0]
	if m == 0 {
		return 0
	}
	var sum float64
	for r := 0; r < m; r++ {
		sum += -float64(math32.Log(probs.Data[r*2+target] + 1e-8))
	}
	return float32(sum / float64(m))
}
