// Package sampler converts batches of images into structured ray/pixel
// training batches. The base PixelSampler draws uniform or mask-restricted
// pixel indices; the specialized samplers layer patch, spherical and tiered
// multi-resolution strategies on top of it.
package sampler

import (
	"github.com/pkg/errors"
	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// Sampler is the contract shared by every pixel sampling strategy.
type Sampler interface {
	// SampleMethod draws batchSize index triples over a
	// numImages x height x width index space, optionally restricted to
	// mask-true locations or covering every pixel exactly once.
	SampleMethod(batchSize, numImages, height, width int, mask *tensor.Tensor, allPixels bool) ([]Index, error)

	// Sample collates a full pixel batch from an image batch.
	Sample(batch *ImageBatch) (*PixelBatch, error)

	NumRaysPerBatch() int
	SetNumRaysPerBatch(n int)
}

// sampleFunc is the index-drawing strategy collation routes through. Samplers
// embedding PixelSampler must point it at their own SampleMethod, since the
// collate helpers cannot dispatch virtually through the embedded base.
type sampleFunc func(batchSize, numImages, height, width int, mask *tensor.Tensor, allPixels bool) ([]Index, error)

// PixelSampler samples pixel batches from image batches.
type PixelSampler struct {
	numRaysPerBatch int
	keepFullImage   bool
	rng             *rand.Rand
	sampleFn        sampleFunc
}

// NewPixelSampler returns a sampler drawing numRaysPerBatch pixels per call.
// The seed pins the random stream; samplers never share global RNG state.
func NewPixelSampler(numRaysPerBatch int, keepFullImage bool, seed uint64) *PixelSampler {
	s := &PixelSampler{
		numRaysPerBatch: numRaysPerBatch,
		keepFullImage:   keepFullImage,
		rng:             rand.New(seed),
	}
	s.sampleFn = s.SampleMethod
	return s
}

// NumRaysPerBatch returns the configured ray budget.
func (s *PixelSampler) NumRaysPerBatch() int { return s.numRaysPerBatch }

// SetNumRaysPerBatch sets the number of rays to sample per batch.
func (s *PixelSampler) SetNumRaysPerBatch(n int) { s.numRaysPerBatch = n }

// SampleMethod uniformly samples across all possible pixels of all images.
//
// With a mask, batchSize locations are drawn without replacement from the
// mask-true entries of the mask's first channel. With allPixels, every
// (image, row, col) triple is enumerated exactly once and batchSize must
// equal the full index-space size. Otherwise indices are drawn with
// replacement.
func (s *PixelSampler) SampleMethod(batchSize, numImages, height, width int, mask *tensor.Tensor, allPixels bool) ([]Index, error) {
	switch {
	case mask != nil:
		return s.sampleMasked(batchSize, mask)
	case allPixels:
		return allPixelIndices(batchSize, numImages, height, width)
	default:
		indices := make([]Index, batchSize)
		for i := range indices {
			indices[i] = Index{
				Image: s.rng.Intn(numImages),
				Row:   s.rng.Intn(height),
				Col:   s.rng.Intn(width),
			}
		}
		return indices, nil
	}
}

// sampleMasked draws without replacement from the true entries of channel 0.
// The mask is either [N, H, W, C] or a single-image [H, W, C].
func (s *PixelSampler) sampleMasked(batchSize int, mask *tensor.Tensor) ([]Index, error) {
	var valid []Index
	switch len(mask.Shape) {
	case 4:
		n, h, w := mask.Shape[0], mask.Shape[1], mask.Shape[2]
		for img := 0; img < n; img++ {
			for row := 0; row < h; row++ {
				for col := 0; col < w; col++ {
					if mask.At(img, row, col, 0) != 0 {
						valid = append(valid, Index{Image: img, Row: row, Col: col})
					}
				}
			}
		}
	case 3:
		h, w := mask.Shape[0], mask.Shape[1]
		for row := 0; row < h; row++ {
			for col := 0; col < w; col++ {
				if mask.At(row, col, 0) != 0 {
					valid = append(valid, Index{Row: row, Col: col})
				}
			}
		}
	default:
		return nil, errors.Wrapf(ErrInvalidBatch, "mask rank %d", len(mask.Shape))
	}

	if batchSize > len(valid) {
		return nil, errors.Wrapf(ErrInsufficientMask, "requested %d of %d valid pixels", batchSize, len(valid))
	}
	order := s.rng.Perm(len(valid))
	indices := make([]Index, batchSize)
	for i := 0; i < batchSize; i++ {
		indices[i] = valid[order[i]]
	}
	return indices, nil
}

// allPixelIndices enumerates the full index space exactly once, image-major
// then row-major, mirroring the interleaved arange construction.
func allPixelIndices(batchSize, numImages, height, width int) ([]Index, error) {
	total := numImages * height * width
	if batchSize != total {
		return nil, errors.Wrapf(ErrUnsupported, "all-pixels batch size %d does not cover %d pixels", batchSize, total)
	}
	indices := make([]Index, 0, total)
	for img := 0; img < numImages; img++ {
		for row := 0; row < height; row++ {
			for col := 0; col < width; col++ {
				indices = append(indices, Index{Image: img, Row: row, Col: col})
			}
		}
	}
	return indices, nil
}

// Sample collates a pixel batch, dispatching on the batch variant.
func (s *PixelSampler) Sample(batch *ImageBatch) (*PixelBatch, error) {
	switch batch.Kind {
	case BatchStacked:
		return s.collateStacked(batch)
	case BatchRagged:
		return s.collateRagged(batch, s.numRaysPerBatch)
	default:
		return nil, ErrInvalidBatch
	}
}

// collateStacked samples a stacked [N, H, W, C] batch. The ray budget is
// height*width so each call covers one frame's worth of pixels. Masked
// batches restrict the draw to valid pixels; unmasked batches enumerate the
// full stack once.
func (s *PixelSampler) collateStacked(batch *ImageBatch) (*PixelBatch, error) {
	numImages := batch.Stacked.Shape[0]
	height := batch.Stacked.Shape[1]
	width := batch.Stacked.Shape[2]
	numRays := height * width

	var indices []Index
	var err error
	if batch.Mask != nil {
		indices, err = s.sampleFn(numRays, numImages, height, width, batch.Mask, false)
	} else {
		indices, err = s.sampleFn(numImages*numRays, numImages, height, width, nil, true)
	}
	if err != nil {
		return nil, err
	}

	out := &PixelBatch{Indices: remapAbsolute(indices, batch.ImageIdx)}
	if s.keepFullImage {
		out.FullImage = batch.Stacked
	}
	return out, nil
}

// collateRagged samples a ragged image list, splitting the ray budget evenly
// across images with the last image absorbing the remainder. Per-pixel image
// and time-mask values are gathered, and image positions are remapped to
// absolute camera ids.
func (s *PixelSampler) collateRagged(batch *ImageBatch, numRaysPerBatch int) (*PixelBatch, error) {
	numImages := len(batch.Images)
	channels := batch.Images[0].Shape[2]

	perImage := numRaysPerBatch / numImages
	var allIndices []Index
	for i, img := range batch.Images {
		n := perImage
		if i == numImages-1 {
			n = numRaysPerBatch - (numImages-1)*perImage
		}
		height, width := img.Shape[0], img.Shape[1]

		var mask *tensor.Tensor
		if batch.Masks != nil {
			mask = batch.Masks[i]
		}
		indices, err := s.sampleFn(n, 1, height, width, mask, false)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		for j := range indices {
			indices[j].Image = i
		}
		allIndices = append(allIndices, indices...)
	}

	out := &PixelBatch{}
	out.Image = tensor.New(len(allIndices), channels)
	for r, idx := range allIndices {
		img := batch.Images[idx.Image]
		for c := 0; c < channels; c++ {
			out.Image.Data[r*channels+c] = img.At(idx.Row, idx.Col, c)
		}
	}
	if batch.TimeMasks != nil {
		mc := batch.TimeMasks[0].Shape[2]
		out.TimeMask = tensor.New(len(allIndices), mc)
		for r, idx := range allIndices {
			tm := batch.TimeMasks[idx.Image]
			for c := 0; c < mc; c++ {
				out.TimeMask.Data[r*mc+c] = tm.At(idx.Row, idx.Col, c)
			}
		}
	}

	out.Indices = remapAbsolute(allIndices, batch.ImageIdx)
	if s.keepFullImage {
		out.FullImages = batch.Images
	}
	return out, nil
}

// remapAbsolute rewrites batch-local image positions to dataset-wide camera
// ids through the batch's lookup table.
func remapAbsolute(indices []Index, imageIdx []int) []Index {
	out := make([]Index, len(indices))
	for i, idx := range indices {
		idx.Image = imageIdx[idx.Image]
		out[i] = idx
	}
	return out
}
