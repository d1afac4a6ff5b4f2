package sampler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/openvolume/kplanes/tensor"
)

func smallTieredConfig() TieredConfig {
	cfg := DefaultTieredConfig()
	cfg.NumRaysPerBatch = 256
	cfg.PatchSize = 16
	cfg.NumTiers = 4
	cfg.NumImages = 6
	cfg.FrameHeight = 64
	cfg.FrameWidth = 96
	cfg.NumToSelect = 1
	cfg.Seed = 42
	return cfg
}

// TestTieredConstruction verifies tier grid precomputation and the
// halving guard
func TestTieredConstruction(t *testing.T) {
	s, err := NewTieredFeaturePatchPixelSampler(smallTieredConfig())
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	if len(s.tierGrids) != 4 {
		t.Fatalf("Expected 4 tier grids, got %d", len(s.tierGrids))
	}
	dim := 16
	for tier, grid := range s.tierGrids {
		if len(grid) != 6*dim*dim {
			t.Errorf("Tier %d has %d indices, want %d", tier, len(grid), 6*dim*dim)
		}
		dim /= 2
	}

	bad := smallTieredConfig()
	bad.PatchSize = 4 // cannot halve across 4 tiers
	if _, err := NewTieredFeaturePatchPixelSampler(bad); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for unhalvable patch size, got %v", err)
	}
}

// TestTieredFrameTooSmall verifies each frame axis must fit two patches so
// the anchor queues always have an offset to hand out
func TestTieredFrameTooSmall(t *testing.T) {
	cfg := smallTieredConfig()
	cfg.FrameHeight = cfg.PatchSize
	if _, err := NewTieredFeaturePatchPixelSampler(cfg); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for frame height equal to the patch size, got %v", err)
	}

	cfg = smallTieredConfig()
	cfg.FrameWidth = 2*cfg.PatchSize - 1
	if _, err := NewTieredFeaturePatchPixelSampler(cfg); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for a sub-two-patch frame width, got %v", err)
	}
}

// TestAnchorQueueCycle verifies each non-overlapping tile offset is used
// exactly once per cycle with a single random phase
func TestAnchorQueueCycle(t *testing.T) {
	cfg := smallTieredConfig()
	s, err := NewTieredFeaturePatchPixelSampler(cfg)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	cycle := cfg.FrameHeight/cfg.PatchSize - 1
	seen := make(map[int]int)
	for i := 0; i < cycle; i++ {
		ts, err := s.SampleTiers()
		if err != nil {
			t.Fatalf("SampleTiers failed: %v", err)
		}
		seen[ts.RowAnchors[0]]++
	}
	if len(seen) != cycle {
		t.Fatalf("Expected %d distinct row anchors in one cycle, got %d", cycle, len(seen))
	}

	// all anchors share one phase modulo the patch size
	phase := -1
	for anchor, count := range seen {
		if count != 1 {
			t.Errorf("Anchor %d used %d times in one cycle", anchor, count)
		}
		if phase < 0 {
			phase = anchor % cfg.PatchSize
		} else if anchor%cfg.PatchSize != phase {
			t.Errorf("Anchor %d breaks the shared phase %d", anchor, phase)
		}
		if anchor < 0 || anchor+cfg.PatchSize > cfg.FrameHeight {
			t.Errorf("Anchor %d overruns the frame", anchor)
		}
	}
}

// TestSelectRotation verifies every image is selected once before repeats
func TestSelectRotation(t *testing.T) {
	cfg := smallTieredConfig()
	s, err := NewTieredFeaturePatchPixelSampler(cfg)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	seen := make(map[int]int)
	for i := 0; i < cfg.NumImages; i++ {
		ts, err := s.SampleTiers()
		if err != nil {
			t.Fatalf("SampleTiers failed: %v", err)
		}
		for img, sel := range ts.Select {
			if sel {
				seen[img]++
			}
		}
	}
	for img := 0; img < cfg.NumImages; img++ {
		if seen[img] != 1 {
			t.Errorf("Image %d selected %d times in one rotation", img, seen[img])
		}
	}
}

// TestTierPyramid verifies tier shapes and ceil-halved anchor offsets
func TestTierPyramid(t *testing.T) {
	cfg := smallTieredConfig()
	s, err := NewTieredFeaturePatchPixelSampler(cfg)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	ts, err := s.SampleTiers()
	if err != nil {
		t.Fatalf("SampleTiers failed: %v", err)
	}

	if len(ts.Tiers) != cfg.NumTiers {
		t.Fatalf("Expected %d tiers, got %d", cfg.NumTiers, len(ts.Tiers))
	}
	dim := cfg.PatchSize
	dh, dw := ts.RowAnchors[0], ts.ColAnchors[0]
	for tier, indices := range ts.Tiers {
		if len(indices) != dim*dim {
			t.Errorf("Tier %d has %d indices, want %d", tier, len(indices), dim*dim)
		}
		// the tier grid is the base enumeration shifted by the halved anchor
		if indices[0].Row != dh || indices[0].Col != dw {
			t.Errorf("Tier %d starts at (%d,%d), want anchor (%d,%d)", tier, indices[0].Row, indices[0].Col, dh, dw)
		}
		last := indices[len(indices)-1]
		if last.Row != dh+dim-1 || last.Col != dw+dim-1 {
			t.Errorf("Tier %d ends at (%d,%d), want (%d,%d)", tier, last.Row, last.Col, dh+dim-1, dw+dim-1)
		}
		dim /= 2
		dh, dw = tensor.CeilHalf(dh), tensor.CeilHalf(dw)
	}
}

// TestTieredSampleCollation verifies absolute remapping, crops and patch
// weights of the full collation
func TestTieredSampleCollation(t *testing.T) {
	cfg := smallTieredConfig()
	cfg.KeepFullImage = true
	s, err := NewTieredFeaturePatchPixelSampler(cfg)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	images := tensor.New(cfg.NumImages, cfg.FrameHeight, cfg.FrameWidth, 3)
	imageIdx := make([]int, cfg.NumImages)
	for i := range imageIdx {
		imageIdx[i] = 100 + i
		// constant per-image color so crops are attributable
		base := i * cfg.FrameHeight * cfg.FrameWidth * 3
		for j := 0; j < cfg.FrameHeight*cfg.FrameWidth*3; j++ {
			images.Data[base+j] = float32(i)
		}
	}
	batch, err := NewStackedBatch(images, imageIdx)
	if err != nil {
		t.Fatalf("NewStackedBatch failed: %v", err)
	}

	out, err := s.Sample(batch)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}

	var selected int
	for img, sel := range out.Select {
		if sel {
			selected = img
		}
	}
	for _, idx := range out.Indices {
		if idx.Image != 100+selected {
			t.Errorf("Index image %d, want absolute id %d", idx.Image, 100+selected)
		}
	}
	if diff := cmp.Diff([]int{cfg.NumToSelect, cfg.PatchSize, cfg.PatchSize, 3}, out.FullImage.Shape); diff != "" {
		t.Fatalf("Crop shape mismatch (-want +got):\n%s", diff)
	}
	if got := out.FullImage.At(0, 0, 0, 0); got != float32(selected) {
		t.Errorf("Crop value %v does not match selected image %d", got, selected)
	}
	if len(out.PatchWeights) != cfg.NumToSelect {
		t.Fatalf("Expected %d patch weights, got %d", cfg.NumToSelect, len(out.PatchWeights))
	}
	var sum float32
	for _, w := range out.PatchWeights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("Patch weights sum to %v, want 1", sum)
	}
}

// TestTieredMaskUnsupported verifies the hard masked-sampling failure
func TestTieredMaskUnsupported(t *testing.T) {
	cfg := smallTieredConfig()
	s, err := NewTieredFeaturePatchPixelSampler(cfg)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	mask := tensor.New(cfg.NumImages, cfg.FrameHeight, cfg.FrameWidth, 1)
	if _, err := s.SampleMethod(16, cfg.NumImages, cfg.FrameHeight, cfg.FrameWidth, mask, false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for masked SampleMethod, got %v", err)
	}

	images := tensor.New(cfg.NumImages, cfg.FrameHeight, cfg.FrameWidth, 3)
	imageIdx := make([]int, cfg.NumImages)
	batch, err := NewStackedBatch(images, imageIdx)
	if err != nil {
		t.Fatalf("NewStackedBatch failed: %v", err)
	}
	if err := batch.SetMask(mask); err != nil {
		t.Fatalf("SetMask failed: %v", err)
	}
	if _, err := s.Sample(batch); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for masked Sample, got %v", err)
	}
}
