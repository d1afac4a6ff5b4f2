// Package model implements the dynamic-scene K-Planes volumetric model:
// proposal-driven importance sampling over a spatiotemporal planar feature
// field, per-camera pose correction, and the multi-term training objective.
//
// Ray generation, proposal-sampler iteration mechanics, compositing
// renderer internals and the interlevel/distortion/SSIM/LPIPS primitives
// are external collaborators consumed through the types in this file.
package model

import (
	"math"

	"github.com/openvolume/kplanes/tensor"
)

// RayBundle is a structured set of rays to render. Origins and Directions
// are [n, 3]; CameraIndices is required and holds absolute camera ids;
// Times is optional per-ray time in [0, 1].
type RayBundle struct {
	Origins       *tensor.Tensor
	Directions    *tensor.Tensor
	CameraIndices []int
	Times         []float32
}

// NumRays returns the ray count of the bundle.
func (b *RayBundle) NumRays() int { return b.Origins.Shape[0] }

// RaySamples is a set of per-ray sample points produced by a sampler.
// Positions is [n, s, 3]; SpacingStarts/SpacingEnds are normalized [n, s, 1]
// segment bounds; Deltas is the world-space segment length [n, s, 1].
type RaySamples struct {
	Positions     *tensor.Tensor
	SpacingStarts *tensor.Tensor
	SpacingEnds   *tensor.Tensor
	Deltas        *tensor.Tensor
	Times         []float32
}

// NumRays returns the ray count.
func (rs *RaySamples) NumRays() int { return rs.Positions.Shape[0] }

// SamplesPerRay returns the per-ray sample count.
func (rs *RaySamples) SamplesPerRay() int { return rs.Positions.Shape[1] }

// GetWeights converts per-sample density into volumetric rendering weights
// w_i = T_i * (1 - exp(-sigma_i * delta_i)) with transmittance accumulated
// front to back.
func (rs *RaySamples) GetWeights(density *tensor.Tensor) *tensor.Tensor {
	n, s := rs.NumRays(), rs.SamplesPerRay()
	weights := tensor.New(n, s, 1)
	for r := 0; r < n; r++ {
		trans := 1.0
		for i := 0; i < s; i++ {
			sigma := float64(density.Data[r*s+i])
			delta := float64(rs.Deltas.Data[r*s+i])
			alpha := 1 - math.Exp(-sigma*delta)
			weights.Data[r*s+i] = float32(trans * alpha)
			trans *= 1 - alpha
		}
	}
	return weights
}

// DensityFn evaluates per-sample density at positions [m, 3], optionally
// conditioned on per-sample times.
type DensityFn func(positions *tensor.Tensor, times []float32) *tensor.Tensor

// ProposalSampler produces nested ray-sample sets by iterating the proposal
// density functions. External; only its output contract matters here: the
// final sample set plus per-iteration weights and samples.
type ProposalSampler interface {
	Sample(bundle *RayBundle, densityFns []DensityFn) (*RaySamples, []*tensor.Tensor, []*RaySamples, error)
}

// RGBRenderer composites per-sample color [n, s, 3] with weights [n, s, 1]
// into an [n, 3] image-space tensor.
type RGBRenderer func(rgb, weights *tensor.Tensor) *tensor.Tensor

// DepthRenderer composites expected depth [n, 1] from weights and samples.
type DepthRenderer func(weights *tensor.Tensor, samples *RaySamples) *tensor.Tensor

// AccumulationRenderer composites accumulated opacity [n, 1] from weights.
type AccumulationRenderer func(weights *tensor.Tensor) *tensor.Tensor

// InterlevelLossFn and DistortionLossFn are the external proposal-network
// losses over nested sample sets.
type (
	InterlevelLossFn func(weightsList []*tensor.Tensor, samplesList []*RaySamples) float32
	DistortionLossFn func(weightsList []*tensor.Tensor, samplesList []*RaySamples) float32
)

// ImageMetricFn scores a rendered [n, 3] image against ground truth,
// e.g. SSIM or LPIPS supplied by the surrounding framework.
type ImageMetricFn func(rendered, truth *tensor.Tensor) float32

// Renderers bundles the compositing callables the model invokes.
type Renderers struct {
	RGB          RGBRenderer
	Depth        DepthRenderer
	Accumulation AccumulationRenderer
}

// DefaultRenderers returns plain weighted-sum compositors with a white
// background, matching the contracts above. Production deployments inject
// the framework's renderers instead.
func DefaultRenderers() Renderers {
	return Renderers{
		RGB: func(rgb, weights *tensor.Tensor) *tensor.Tensor {
			n, s := rgb.Shape[0], rgb.Shape[1]
			out := tensor.New(n, 3)
			for r := 0; r < n; r++ {
				acc := float32(0)
				for i := 0; i < s; i++ {
					w := weights.Data[r*s+i]
					acc += w
					for c := 0; c < 3; c++ {
						out.Data[r*3+c] += w * rgb.Data[(r*s+i)*3+c]
					}
				}
				for c := 0; c < 3; c++ {
					out.Data[r*3+c] += 1 - acc // white background
				}
			}
			return out
		},
		Depth: func(weights *tensor.Tensor, samples *RaySamples) *tensor.Tensor {
			n, s := samples.NumRays(), samples.SamplesPerRay()
			out := tensor.New(n, 1)
			for r := 0; r < n; r++ {
				var depth, acc float32
				for i := 0; i < s; i++ {
					w := weights.Data[r*s+i]
					mid := (samples.SpacingStarts.Data[r*s+i] + samples.SpacingEnds.Data[r*s+i]) / 2
					depth += w * mid
					acc += w
				}
				if acc > 1e-10 {
					depth /= acc
				}
				out.Data[r] = depth
			}
			return out
		},
		Accumulation: func(weights *tensor.Tensor) *tensor.Tensor {
			n, s := weights.Shape[0], weights.Shape[1]
			out := tensor.New(n, 1)
			for r := 0; r < n; r++ {
				for i := 0; i < s; i++ {
					out.Data[r] += weights.Data[r*s+i]
				}
			}
			return out
		},
	}
}
