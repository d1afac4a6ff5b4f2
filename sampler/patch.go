package sampler

import (
	"github.com/openvolume/kplanes/tensor"
)

// PatchPixelSampler samples contiguous square patches from the images,
// for patch-based losses. The ray budget is always kept a multiple of
// patchSize squared so batches reshape into whole patches.
type PatchPixelSampler struct {
	PixelSampler
	patchSize int
}

// NewPatchPixelSampler returns a patch sampler. numRaysPerBatch is rounded
// down to the nearest multiple of patchSize^2.
func NewPatchPixelSampler(numRaysPerBatch int, keepFullImage bool, patchSize int, seed uint64) *PatchPixelSampler {
	s := &PatchPixelSampler{patchSize: patchSize}
	rays := (numRaysPerBatch / (patchSize * patchSize)) * (patchSize * patchSize)
	s.PixelSampler = *NewPixelSampler(rays, keepFullImage, seed)
	s.sampleFn = s.SampleMethod
	return s
}

// PatchSize returns the configured patch side length.
func (s *PatchPixelSampler) PatchSize() int { return s.patchSize }

// SetNumRaysPerBatch sets the ray budget, rounded down to whole patches.
func (s *PatchPixelSampler) SetNumRaysPerBatch(n int) {
	p2 := s.patchSize * s.patchSize
	s.numRaysPerBatch = (n / p2) * p2
}

// SampleMethod draws batchSize/patchSize^2 random top-left anchors and
// expands each into a full patchSize x patchSize block. With a mask,
// sampling reduces to the base uniform-within-mask draw and the patch
// structure is lost.
func (s *PatchPixelSampler) SampleMethod(batchSize, numImages, height, width int, mask *tensor.Tensor, allPixels bool) ([]Index, error) {
	if mask != nil || allPixels {
		return s.PixelSampler.SampleMethod(batchSize, numImages, height, width, mask, allPixels)
	}

	p := s.patchSize
	numPatches := batchSize / (p * p)
	indices := make([]Index, 0, numPatches*p*p)
	for n := 0; n < numPatches; n++ {
		anchor := Index{
			Image: s.rng.Intn(numImages),
			Row:   intnOrZero(s.rng.Intn, height-p),
			Col:   intnOrZero(s.rng.Intn, width-p),
		}
		for dr := 0; dr < p; dr++ {
			for dc := 0; dc < p; dc++ {
				indices = append(indices, Index{Image: anchor.Image, Row: anchor.Row + dr, Col: anchor.Col + dc})
			}
		}
	}
	return indices, nil
}

// intnOrZero guards the degenerate case of a patch spanning the full extent.
func intnOrZero(intn func(int) int, n int) int {
	if n <= 0 {
		return 0
	}
	return intn(n)
}
