package sampler

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/openvolume/kplanes/tensor"
)

// EquirectangularPixelSampler samples pixel batches from equirectangular
// images so that the draw is uniform on the sphere rather than uniform on
// the pixel grid.
type EquirectangularPixelSampler struct {
	PixelSampler
}

// NewEquirectangularPixelSampler returns a sphere-uniform pixel sampler.
func NewEquirectangularPixelSampler(numRaysPerBatch int, keepFullImage bool, seed uint64) *EquirectangularPixelSampler {
	s := &EquirectangularPixelSampler{PixelSampler: *NewPixelSampler(numRaysPerBatch, keepFullImage, seed)}
	s.sampleFn = s.SampleMethod
	return s
}

// SampleMethod draws theta uniformly over the width and phi over the height
// by inverse-CDF sampling of f(phi) = sin(phi)/2, which spreads samples
// uniformly over the sphere the image projects.
//
// With a mask, sampling reduces to the base uniform draw, which weights the
// poles more than the equator. All-pixels mode is not supported on this
// sampler.
func (s *EquirectangularPixelSampler) SampleMethod(batchSize, numImages, height, width int, mask *tensor.Tensor, allPixels bool) ([]Index, error) {
	if allPixels {
		return nil, errors.Wrap(ErrUnsupported, "equirectangular sampler has no all-pixels mode")
	}
	if mask != nil {
		return s.PixelSampler.SampleMethod(batchSize, numImages, height, width, mask, false)
	}

	indices := make([]Index, batchSize)
	for i := range indices {
		phi := math32.Acos(1-2*s.rng.Float32()) / math32.Pi
		indices[i] = Index{
			Image: s.rng.Intn(numImages),
			Row:   int(phi * float32(height)),
			Col:   s.rng.Intn(width),
		}
		if indices[i].Row >= height {
			indices[i].Row = height - 1
		}
	}
	return indices, nil
}
