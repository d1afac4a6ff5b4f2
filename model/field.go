package model

import (
	"github.com/chewxy/math32"
	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// FieldOutputs holds the per-sample field evaluation plus the per-plane
// feature side channel consumed only by the loss stage.
type FieldOutputs struct {
	Density *tensor.Tensor // [n, s, 1]
	RGB     *tensor.Tensor // [n, s, 3]

	// VolTVs[scale][plane] is the [n*s, C] tensor of plane features
	// sampled at every ray sample, keyed by sample index along the ray.
	VolTVs [][]*tensor.Tensor
}

// KPlanesField is the spatiotemporal planar feature field: a multiscale
// stack of plane sets decoded linearly into density and color.
type KPlanesField struct {
	scales   []*PlaneSet
	numComps int
	featDim  int
	concat   bool
	aabbMin  [3]float32
	aabbMax  [3]float32

	densityW []float32
	densityB float32
	colorW   []float32 // [3 * featDim]
	colorB   [3]float32
}

// NewKPlanesField builds the field from the model configuration.
func NewKPlanesField(cfg *ModelConfig, rng *rand.Rand) *KPlanesField {
	base := cfg.GridBaseResolution
	f := &KPlanesField{
		numComps: cfg.GridFeatureDim,
		aabbMin:  cfg.AABBMin,
		aabbMax:  cfg.AABBMax,
	}
	resT := 1
	if len(base) == 4 {
		resT = base[3]
	}
	for _, mult := range cfg.MultiscaleRes {
		f.scales = append(f.scales, NewPlaneSet(base[0]*mult, base[1]*mult, base[2]*mult, resT, cfg.GridFeatureDim, rng))
	}
	f.concat = cfg.ConcatFeaturesAcrossScales
	if f.concat {
		f.featDim = cfg.GridFeatureDim * len(f.scales)
	} else {
		f.featDim = cfg.GridFeatureDim
	}

	f.densityW = heVector(f.featDim, rng)
	f.colorW = heVector(3*f.featDim, rng)
	return f
}

func heVector(n int, rng *rand.Rand) []float32 {
	stddev := math32.Sqrt(2.0 / float32(n))
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(rng.NormFloat64()) * stddev
	}
	return w
}

// Grids exposes the multiscale plane sets for the regularizers.
func (f *KPlanesField) Grids() []*PlaneSet { return f.scales }

// NumComps returns the density feature channel count.
func (f *KPlanesField) NumComps() int { return f.numComps }

func (f *KPlanesField) normalize(x, y, z float32) (float32, float32, float32) {
	nx := clamp01((x - f.aabbMin[0]) / (f.aabbMax[0] - f.aabbMin[0]))
	ny := clamp01((y - f.aabbMin[1]) / (f.aabbMax[1] - f.aabbMin[1]))
	nz := clamp01((z - f.aabbMin[2]) / (f.aabbMax[2] - f.aabbMin[2]))
	return nx, ny, nz
}

// Evaluate samples every plane of every scale at the given ray samples,
// multiplies per-pair features into the density feature vector and decodes
// density and color through the linear heads.
func (f *KPlanesField) Evaluate(samples *RaySamples) *FieldOutputs {
	n, s := samples.NumRays(), samples.SamplesPerRay()
	total := n * s
	nc := f.numComps

	out := &FieldOutputs{
		Density: tensor.New(n, s, 1),
		RGB:     tensor.New(n, s, 3),
	}
	out.VolTVs = make([][]*tensor.Tensor, len(f.scales))
	for si, ps := range f.scales {
		out.VolTVs[si] = make([]*tensor.Tensor, len(ps.Planes))
		for p, plane := range ps.Planes {
			out.VolTVs[si][p] = tensor.New(total, plane.Shape[0])
		}
	}

	feat := make([]float32, f.featDim)
	prod := make([]float32, nc)
	scratch := make([]float32, 0, nc+1)
	for r := 0; r < n; r++ {
		t := float32(0)
		if samples.Times != nil {
			t = clamp01(samples.Times[r])
		}
		for i := 0; i < s; i++ {
			pt := (r*s + i) * 3
			x, y, z := f.normalize(samples.Positions.Data[pt], samples.Positions.Data[pt+1], samples.Positions.Data[pt+2])

			for fi := range feat {
				feat[fi] = 0
			}
			for si, ps := range f.scales {
				for fi := range prod {
					prod[fi] = 1
				}
				for p := range ps.Planes {
					row, col := planeCoord(p, x, y, z, t)
					scratch = ps.SamplePlane(p, row, col, scratch[:0])
					copy(out.VolTVs[si][p].Row(r*s+i), scratch)
					if p <= planeTZ {
						for fi := 0; fi < nc; fi++ {
							prod[fi] *= scratch[fi]
						}
					}
				}
				offset := 0
				if f.concat {
					offset = si * nc
				}
				for fi := 0; fi < nc; fi++ {
					feat[offset+fi] += prod[fi]
				}
			}

			sigma := f.densityB
			for fi, v := range feat {
				sigma += f.densityW[fi] * v
			}
			out.Density.Data[r*s+i] = softplus(sigma)
			for c := 0; c < 3; c++ {
				v := f.colorB[c]
				for fi, fv := range feat {
					v += f.colorW[c*f.featDim+fi] * fv
				}
				out.RGB.Data[(r*s+i)*3+c] = sigmoid(v)
			}
		}
	}
	return out
}

// DensityGrid is a density-only proposal field over a 3D plane set.
type DensityGrid struct {
	planes  *PlaneSet
	head    []float32
	headB   float32
	aabbMin [3]float32
	aabbMax [3]float32
}

// NewDensityGrid builds a proposal density grid from its config.
func NewDensityGrid(cfg ProposalNetConfig, aabbMin, aabbMax [3]float32, rng *rand.Rand) *DensityGrid {
	res := cfg.Resolution
	return &DensityGrid{
		planes:  NewSpatialPlaneSet(res[0], res[1], res[2], cfg.NumOutputCoords, rng),
		head:    heVector(cfg.NumOutputCoords, rng),
		aabbMin: aabbMin,
		aabbMax: aabbMax,
	}
}

// Grids exposes the plane set for the proposal regularizers.
func (g *DensityGrid) Grids() *PlaneSet { return g.planes }

// DensityFn returns the closure handed to the proposal sampler. The grid is
// purely spatial, so bound times are accepted and ignored.
func (g *DensityGrid) DensityFn() DensityFn {
	return func(positions *tensor.Tensor, _ []float32) *tensor.Tensor {
		m := positions.Shape[0]
		out := tensor.New(m, 1)
		nc := g.planes.NumComps
		prod := make([]float32, nc)
		scratch := make([]float32, 0, nc)
		for i := 0; i < m; i++ {
			x := clamp01((positions.Data[i*3] - g.aabbMin[0]) / (g.aabbMax[0] - g.aabbMin[0]))
			y := clamp01((positions.Data[i*3+1] - g.aabbMin[1]) / (g.aabbMax[1] - g.aabbMin[1]))
			z := clamp01((positions.Data[i*3+2] - g.aabbMin[2]) / (g.aabbMax[2] - g.aabbMin[2]))
			for fi := range prod {
				prod[fi] = 1
			}
			for p := range g.planes.Planes {
				row, col := planeCoord(p, x, y, z, 0)
				scratch = g.planes.SamplePlane(p, row, col, scratch[:0])
				for fi := 0; fi < nc; fi++ {
					prod[fi] *= scratch[fi]
				}
			}
			sigma := g.headB
			for fi, v := range prod {
				sigma += g.head[fi] * v
			}
			out.Data[i] = softplus(sigma)
		}
		return out
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func softplus(v float32) float32 {
	if v > 20 {
		return v
	}
	return math32.Log(1 + math32.Exp(v))
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}
