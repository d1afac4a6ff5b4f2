package sampler

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// TieredConfig configures the tiered feature-patch sampler.
type TieredConfig struct {
	NumRaysPerBatch  int  `yaml:"num_rays_per_batch"`
	KeepFullImage    bool `yaml:"keep_full_image"`
	PatchSize        int  `yaml:"patch_size"`
	NumTiers         int  `yaml:"num_tiers"`
	FeaturePatchSize int  `yaml:"feature_patch_size"`
	NumImages        int  `yaml:"num_images"`
	FrameHeight      int  `yaml:"frame_height"`
	FrameWidth       int  `yaml:"frame_width"`
	NumToSelect      int  `yaml:"num_to_select"`
	Seed             uint64
}

// DefaultTieredConfig returns the deployment defaults: 153 cameras of
// 720x1280 frames, four halving tiers, one image selected per step.
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		NumRaysPerBatch:  4096,
		PatchSize:        64,
		NumTiers:         4,
		FeaturePatchSize: 8,
		NumImages:        153,
		FrameHeight:      720,
		FrameWidth:       1280,
		NumToSelect:      1,
	}
}

// anchorQueue hands out patch-aligned scanline offsets in shuffled
// permutation order. One cycle covers every non-overlapping tile position
// once, with a single random phase drawn at refill; the queue reshuffles
// itself only when exhausted.
type anchorQueue struct {
	rng     *rand.Rand
	step    int // patch size
	extent  int // frame extent along this axis
	offsets []int
}

func (q *anchorQueue) refill() {
	start := q.rng.Intn(q.step)
	n := q.extent/q.step - 1
	q.offsets = q.offsets[:0]
	for i := 0; i < n; i++ {
		q.offsets = append(q.offsets, start+i*q.step)
	}
	q.rng.Shuffle(len(q.offsets), func(i, j int) {
		q.offsets[i], q.offsets[j] = q.offsets[j], q.offsets[i]
	})
}

func (q *anchorQueue) next() int {
	if len(q.offsets) == 0 {
		q.refill()
	}
	v := q.offsets[0]
	q.offsets = q.offsets[1:]
	return v
}

// TierSample is one multi-resolution sampling step: co-registered index
// lists for every tier, the original anchors they were offset by, and the
// image selection they cover.
type TierSample struct {
	Tiers      [][]Index // tier k has resolution PatchSize >> k
	RowAnchors []int     // per selected image, ascending image order
	ColAnchors []int
	Select     []bool // over all NumImages cameras
	PatchSize  int
}

// TieredFeaturePatchPixelSampler produces pyramids of co-located patches at
// four decreasing resolution tiers, anchored at shared non-repeating
// offsets. It keeps a persistent rotation of which images to sample and
// permutation queues of row/column anchors; each call mutates that state,
// so a single training loop must own the instance.
type TieredFeaturePatchPixelSampler struct {
	PixelSampler
	cfg TieredConfig

	selectQueue []int
	rowQueues   []*anchorQueue
	colQueues   []*anchorQueue
	tierGrids   [][]Index // precomputed all-pixels grids, one per tier
}

// NewTieredFeaturePatchPixelSampler builds the sampler and precomputes the
// per-tier base index grids for the configured image count.
func NewTieredFeaturePatchPixelSampler(cfg TieredConfig) (*TieredFeaturePatchPixelSampler, error) {
	if cfg.NumTiers <= 0 || cfg.PatchSize <= 0 || cfg.PatchSize>>(cfg.NumTiers-1) == 0 {
		return nil, errors.Wrapf(ErrUnsupported, "patch size %d cannot halve across %d tiers", cfg.PatchSize, cfg.NumTiers)
	}
	// The anchor queues need at least one non-overlapping tile position per
	// axis beyond the phase, so each frame extent must fit two patches.
	if cfg.FrameHeight < 2*cfg.PatchSize || cfg.FrameWidth < 2*cfg.PatchSize {
		return nil, errors.Wrapf(ErrUnsupported, "frame %dx%d cannot anchor %d-pixel patches", cfg.FrameHeight, cfg.FrameWidth, cfg.PatchSize)
	}
	p2 := cfg.PatchSize * cfg.PatchSize
	s := &TieredFeaturePatchPixelSampler{cfg: cfg}
	s.PixelSampler = *NewPixelSampler((cfg.NumRaysPerBatch/p2)*p2, cfg.KeepFullImage, cfg.Seed)
	s.sampleFn = s.SampleMethod

	s.rowQueues = make([]*anchorQueue, cfg.NumToSelect)
	s.colQueues = make([]*anchorQueue, cfg.NumToSelect)
	for i := 0; i < cfg.NumToSelect; i++ {
		s.rowQueues[i] = &anchorQueue{rng: s.rng, step: cfg.PatchSize, extent: cfg.FrameHeight}
		s.colQueues[i] = &anchorQueue{rng: s.rng, step: cfg.PatchSize, extent: cfg.FrameWidth}
		s.rowQueues[i].refill()
		s.colQueues[i].refill()
	}
	s.selectQueue = s.rng.Perm(cfg.NumImages)

	dim := cfg.PatchSize
	for tier := 0; tier < cfg.NumTiers; tier++ {
		grid, err := s.PixelSampler.SampleMethod(cfg.NumImages*dim*dim, cfg.NumImages, dim, dim, nil, true)
		if err != nil {
			return nil, err
		}
		s.tierGrids = append(s.tierGrids, grid)
		dim /= 2
	}
	return s, nil
}

// SetNumRaysPerBatch sets the ray budget, rounded down to whole patches.
func (s *TieredFeaturePatchPixelSampler) SetNumRaysPerBatch(n int) {
	p2 := s.cfg.PatchSize * s.cfg.PatchSize
	s.numRaysPerBatch = (n / p2) * p2
}

// SampleTiers advances the sampler state by one step: it selects the next
// images from the rotation, pops one row and one column anchor per image,
// and offsets each precomputed tier grid by the (tier-halved) anchors.
func (s *TieredFeaturePatchPixelSampler) SampleTiers() (*TierSample, error) {
	cfg := s.cfg
	if len(s.selectQueue) < cfg.NumToSelect {
		s.selectQueue = s.rng.Perm(cfg.NumImages)
	}
	chosen := s.selectQueue[:cfg.NumToSelect]
	s.selectQueue = s.selectQueue[cfg.NumToSelect:]

	selected := make([]bool, cfg.NumImages)
	for _, idx := range chosen {
		selected[idx] = true
	}

	rowAnchors := make([]int, cfg.NumToSelect)
	colAnchors := make([]int, cfg.NumToSelect)
	for i := 0; i < cfg.NumToSelect; i++ {
		rowAnchors[i] = s.rowQueues[i].next()
		colAnchors[i] = s.colQueues[i].next()
	}

	out := &TierSample{
		RowAnchors: append([]int(nil), rowAnchors...),
		ColAnchors: append([]int(nil), colAnchors...),
		Select:     selected,
		PatchSize:  cfg.PatchSize,
	}

	// Anchor slot i applies to the i-th selected image in ascending
	// image order, matching the boolean-select gather below.
	dh := append([]int(nil), rowAnchors...)
	dw := append([]int(nil), colAnchors...)
	dim := cfg.PatchSize
	for tier := 0; tier < cfg.NumTiers; tier++ {
		grid := s.tierGrids[tier]
		perImage := dim * dim
		tierIndices := make([]Index, 0, cfg.NumToSelect*perImage)
		slot := -1
		for img := 0; img < cfg.NumImages; img++ {
			if !selected[img] {
				continue
			}
			slot++
			base := img * perImage
			for k := 0; k < perImage; k++ {
				idx := grid[base+k]
				idx.Row += dh[slot]
				idx.Col += dw[slot]
				tierIndices = append(tierIndices, idx)
			}
		}
		out.Tiers = append(out.Tiers, tierIndices)
		dim /= 2
		for i := range dh {
			dh[i] = tensor.CeilHalf(dh[i])
			dw[i] = tensor.CeilHalf(dw[i])
		}
	}
	return out, nil
}

// SampleMethod keeps the base behavior for the grid precomputation paths
// but refuses masked sampling outright: correct masked tiered semantics are
// not defined, and degrading silently would hide the misconfiguration.
func (s *TieredFeaturePatchPixelSampler) SampleMethod(batchSize, numImages, height, width int, mask *tensor.Tensor, allPixels bool) ([]Index, error) {
	if mask != nil {
		return nil, errors.Wrap(ErrUnsupported, "masked sampling not handled by the tiered feature sampler")
	}
	return s.PixelSampler.SampleMethod(batchSize, numImages, height, width, nil, allPixels)
}

// Sample collates a stacked batch into a tier pyramid batch. Indices holds
// the full-resolution tier with absolute camera ids; the remaining tiers,
// anchors and selection travel alongside so the caller can reconstruct the
// co-registered pyramid. Masked and ragged batches are unsupported.
func (s *TieredFeaturePatchPixelSampler) Sample(batch *ImageBatch) (*PixelBatch, error) {
	if batch.Kind != BatchStacked {
		return nil, errors.Wrap(ErrUnsupported, "tiered sampler needs a stacked batch")
	}
	if batch.Mask != nil {
		return nil, errors.Wrap(ErrUnsupported, "masked sampling not handled by the tiered feature sampler")
	}

	ts, err := s.SampleTiers()
	if err != nil {
		return nil, err
	}

	out := &PixelBatch{
		Indices:    remapAbsolute(ts.Tiers[0], batch.ImageIdx),
		RowAnchors: ts.RowAnchors,
		ColAnchors: ts.ColAnchors,
		Select:     ts.Select,
		PatchSize:  ts.PatchSize,
	}
	out.Tiers = make([][]Index, len(ts.Tiers))
	for i, tier := range ts.Tiers {
		out.Tiers[i] = remapAbsolute(tier, batch.ImageIdx)
	}

	if s.keepFullImage {
		out.FullImage = cropSelected(batch.Stacked, ts)
		out.PatchWeights = patchWeights(out.FullImage)
	}
	return out, nil
}

// cropSelected gathers the patchSize x patchSize crop of every selected
// image at its anchors, producing a [k, p, p, C] tensor.
func cropSelected(stacked *tensor.Tensor, ts *TierSample) *tensor.Tensor {
	p := ts.PatchSize
	channels := stacked.Shape[3]
	k := len(ts.RowAnchors)
	out := tensor.New(k, p, p, channels)

	slot := -1
	for img := 0; img < stacked.Shape[0]; img++ {
		if !ts.Select[img] {
			continue
		}
		slot++
		dh, dw := ts.RowAnchors[slot], ts.ColAnchors[slot]
		for r := 0; r < p; r++ {
			for c := 0; c < p; c++ {
				for ch := 0; ch < channels; ch++ {
					out.Set(stacked.At(img, dh+r, dw+c, ch), slot, r, c, ch)
				}
			}
		}
	}
	return out
}

// patchWeights scores each cropped patch by the L2 distance between its
// mean feature and the cross-patch mean, softmaxed over patches. Downstream
// logic uses the weights to emphasize patches that deviate from the batch.
func patchWeights(patches *tensor.Tensor) []float32 {
	k := patches.Shape[0]
	pixels := patches.Shape[1] * patches.Shape[2]
	channels := patches.Shape[3]

	means := make([][]float64, k)
	grand := make([]float64, channels)
	for i := 0; i < k; i++ {
		means[i] = make([]float64, channels)
		base := i * pixels * channels
		for px := 0; px < pixels; px++ {
			for ch := 0; ch < channels; ch++ {
				means[i][ch] += float64(patches.Data[base+px*channels+ch])
			}
		}
		floats.Scale(1/float64(pixels), means[i])
		floats.Add(grand, means[i])
	}
	floats.Scale(1/float64(k), grand)

	dists := make([]float32, k)
	for i := 0; i < k; i++ {
		floats.Sub(means[i], grand)
		dists[i] = float32(floats.Norm(means[i], 2))
	}
	return tensor.Softmax(dists)
}
