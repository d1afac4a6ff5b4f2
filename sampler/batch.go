package sampler

import (
	"github.com/pkg/errors"

	"github.com/openvolume/kplanes/tensor"
)

// Index is a single sampled pixel location: which image, which row, which
// column. Image holds the position within the batch until collation remaps
// it to the dataset-wide camera id.
type Index struct {
	Image int
	Row   int
	Col   int
}

// BatchKind tags how an ImageBatch stores its images.
type BatchKind int

const (
	BatchInvalid BatchKind = iota
	BatchStacked           // one [N, H, W, C] tensor
	BatchRagged            // per-image [H, W, C] tensors of varying size
)

// ImageBatch is a batch of training images plus optional aligned masks.
// The variant is fixed at construction; Sample dispatches on it once
// instead of inspecting tensor types per call.
type ImageBatch struct {
	Kind BatchKind

	// Stacked variant.
	Stacked  *tensor.Tensor
	Mask     *tensor.Tensor
	TimeMask *tensor.Tensor

	// Ragged variant.
	Images    []*tensor.Tensor
	Masks     []*tensor.Tensor
	TimeMasks []*tensor.Tensor

	// ImageIdx maps batch-local image positions to absolute camera ids.
	ImageIdx []int
}

// NewStackedBatch builds a stacked-variant batch from a [N, H, W, C] tensor.
func NewStackedBatch(images *tensor.Tensor, imageIdx []int) (*ImageBatch, error) {
	if images == nil || len(images.Shape) != 4 {
		return nil, errors.Wrap(ErrInvalidBatch, "stacked batch needs a [N, H, W, C] tensor")
	}
	if len(imageIdx) != images.Shape[0] {
		return nil, errors.Wrapf(ErrInvalidBatch, "imageIdx has %d entries for %d images", len(imageIdx), images.Shape[0])
	}
	return &ImageBatch{Kind: BatchStacked, Stacked: images, ImageIdx: append([]int(nil), imageIdx...)}, nil
}

// NewRaggedBatch builds a ragged-variant batch from per-image [H, W, C]
// tensors. Heights and widths may differ; the channel count may not.
func NewRaggedBatch(images []*tensor.Tensor, imageIdx []int) (*ImageBatch, error) {
	if len(images) == 0 {
		return nil, errors.Wrap(ErrInvalidBatch, "ragged batch needs at least one image")
	}
	if len(imageIdx) != len(images) {
		return nil, errors.Wrapf(ErrInvalidBatch, "imageIdx has %d entries for %d images", len(imageIdx), len(images))
	}
	channels := -1
	for i, img := range images {
		if img == nil || len(img.Shape) != 3 {
			return nil, errors.Wrapf(ErrInvalidBatch, "image %d is not [H, W, C]", i)
		}
		if channels < 0 {
			channels = img.Shape[2]
		} else if img.Shape[2] != channels {
			return nil, errors.Wrapf(ErrInvalidBatch, "image %d has %d channels, want %d", i, img.Shape[2], channels)
		}
	}
	return &ImageBatch{Kind: BatchRagged, Images: images, ImageIdx: append([]int(nil), imageIdx...)}, nil
}

// SetMask attaches a validity mask aligned 1:1 with the image layout.
func (b *ImageBatch) SetMask(mask *tensor.Tensor) error {
	if b.Kind != BatchStacked {
		return errors.Wrap(ErrInvalidBatch, "stacked mask on non-stacked batch")
	}
	if err := sameLeading(mask, b.Stacked); err != nil {
		return errors.Wrap(err, "mask")
	}
	b.Mask = mask
	return nil
}

// SetTimeMask attaches a per-pixel time-varying mask to a stacked batch.
func (b *ImageBatch) SetTimeMask(mask *tensor.Tensor) error {
	if b.Kind != BatchStacked {
		return errors.Wrap(ErrInvalidBatch, "stacked time mask on non-stacked batch")
	}
	if err := sameLeading(mask, b.Stacked); err != nil {
		return errors.Wrap(err, "time mask")
	}
	b.TimeMask = mask
	return nil
}

// SetMasks attaches per-image validity masks to a ragged batch.
func (b *ImageBatch) SetMasks(masks []*tensor.Tensor) error {
	if b.Kind != BatchRagged {
		return errors.Wrap(ErrInvalidBatch, "ragged masks on non-ragged batch")
	}
	if len(masks) != len(b.Images) {
		return errors.Wrapf(ErrInvalidBatch, "%d masks for %d images", len(masks), len(b.Images))
	}
	for i, m := range masks {
		if m == nil || m.Shape[0] != b.Images[i].Shape[0] || m.Shape[1] != b.Images[i].Shape[1] {
			return errors.Wrapf(ErrInvalidBatch, "mask %d does not match image extent", i)
		}
	}
	b.Masks = masks
	return nil
}

// SetTimeMasks attaches per-image time masks to a ragged batch.
func (b *ImageBatch) SetTimeMasks(masks []*tensor.Tensor) error {
	if b.Kind != BatchRagged {
		return errors.Wrap(ErrInvalidBatch, "ragged time masks on non-ragged batch")
	}
	if len(masks) != len(b.Images) {
		return errors.Wrapf(ErrInvalidBatch, "%d time masks for %d images", len(masks), len(b.Images))
	}
	b.TimeMasks = masks
	return nil
}

// NumImages returns the number of images in the batch.
func (b *ImageBatch) NumImages() int {
	switch b.Kind {
	case BatchStacked:
		return b.Stacked.Shape[0]
	case BatchRagged:
		return len(b.Images)
	}
	return 0
}

func sameLeading(mask, images *tensor.Tensor) error {
	if mask == nil || len(mask.Shape) != 4 {
		return errors.Wrap(ErrInvalidBatch, "needs a [N, H, W, C] tensor")
	}
	for i := 0; i < 3; i++ {
		if mask.Shape[i] != images.Shape[i] {
			return errors.Wrapf(ErrInvalidBatch, "extent %d is %d, want %d", i, mask.Shape[i], images.Shape[i])
		}
	}
	return nil
}

// PixelBatch is the collated output of a sampling step. Indices is always
// populated and holds absolute camera ids. The remaining fields are filled
// depending on the sampler and batch variant.
type PixelBatch struct {
	Indices []Index

	// Per-ray gathered fields (ragged collation).
	Image    *tensor.Tensor // [n, C]
	TimeMask *tensor.Tensor // [n, Cm]

	// Side channels (tiered collation with keep-full-image).
	FullImage    *tensor.Tensor // [k, patch, patch, C] cropped patches
	FullImages   []*tensor.Tensor
	PatchWeights []float32

	// Tier pyramid (tiered collation only).
	Tiers      [][]Index
	RowAnchors []int
	ColAnchors []int
	Select     []bool
	PatchSize  int
}
