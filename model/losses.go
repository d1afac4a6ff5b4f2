package model

import (
	"math"

	"github.com/chewxy/math32"

	"github.com/openvolume/kplanes/tensor"
)

// maskPalette is the fixed color palette of the time-varying masks. A pixel
// belongs to a class only on exact equality with a palette entry; class 2
// (blue) doubles as the contrastive reference class.
var maskPalette = [10][3]float32{
	{255, 0, 0}, {0, 255, 0}, {0, 0, 255}, {255, 255, 0}, {255, 0, 255},
	{0, 255, 255}, {255, 255, 255}, {125, 125, 125}, {50, 50, 50}, {125, 0, 125},
}

const contrastiveClass = 2

// PSNR scores a rendered [n, 3] batch against ground truth on a unit data
// range.
func PSNR(rendered, truth *tensor.Tensor) float32 {
	mse := tensor.MSE(rendered.Data, truth.Data)
	if mse <= 0 {
		return float32(math.Inf(1))
	}
	return float32(-10 * math.Log10(float64(mse)))
}

// classifyMask buckets rays by exact palette match of their mask color and
// flags rays whose mask is bright enough to count as masked at all.
func classifyMask(timeMask *tensor.Tensor) (classes [len(maskPalette)][]int, maskBool []float32) {
	n := timeMask.Shape[0]
	maskBool = make([]float32, n)
	for r := 0; r < n; r++ {
		px := timeMask.Row(r)
		if px[0]+px[1]+px[2] > 10 {
			maskBool[r] = 1
		}
		for c := range maskPalette {
			if px[0] == maskPalette[c][0] && px[1] == maskPalette[c][1] && px[2] == maskPalette[c][2] {
				classes[c] = append(classes[c], r)
			}
		}
	}
	return classes, maskBool
}

// GetLossDict assembles the training objective for one step. Eval mode
// yields only the photometric term; training mode adds the coefficient-scaled
// metric losses, the time-mask supervision, the phase-gated cross-plane
// similarity terms and the pose-delta regularizer. Advances the phase machine
// and the regularization schedule as a side effect.
func (m *SceneModel) GetLossDict(outputs *Outputs, batch *TrainingBatch, metrics map[string]float32) map[string]float32 {
	loss := map[string]float32{"rgb": tensor.MSE(batch.Image.Data, outputs.RGB.Data)}
	m.step++
	if !m.training {
		return loss
	}

	for key := range m.cfg.LossCoefficients {
		if v, ok := metrics[key]; ok {
			loss[key] = v
		}
	}
	for key, coeff := range m.cfg.LossCoefficients {
		if _, ok := loss[key]; ok {
			loss[key] *= coeff
		}
	}

	classes, maskBool := classifyMask(batch.TimeMask)
	loss["time_masks"] = timeMaskLoss(outputs.VolTVs, maskBool)

	m.advancePhase()

	weights := outputs.WeightsList[len(outputs.WeightsList)-1]
	numScales := float32(len(outputs.VolTVs))
	local := m.localSimilarityLoss(outputs.VolTVs, weights, classes)
	convMLP, volTV, temporalSimm := m.gridSimilarityLosses()

	if m.step%3000 == 0 {
		m.volTVMult = minf(m.volTVMult*2, 0.01)
		m.convVolTVMult = minf(m.convVolTVMult*2, 0.01)
	}

	if m.phase == PhaseSimilarity {
		loss["vol_tvs"] = m.volTVMult * volTV / (3 * numScales)
		loss["temporal_simm"] = m.convVolTVMult * temporalSimm / (3 * numScales)
	} else {
		loss["conv_mlp"] = convMLP / (6 * numScales)
	}
	loss["camera_delts"] = m.poseDeltas.RegularizationLoss()
	loss["local_vol_tvs"] = 0.01 * local / (3 * numScales)
	return loss
}

// timeMaskLoss supervises the auxiliary channel of every time plane against
// the per-ray mask indicator, expanded over the per-ray samples.
func timeMaskLoss(volTVs [][]*tensor.Tensor, maskBool []float32) float32 {
	var total float32
	for _, planes := range volTVs {
		nc := planes[planeYX].Shape[1]
		samplesPerRay := planes[planeTX].Shape[0] / len(maskBool)
		for _, p := range []int{planeTX, planeTY, planeTZ} {
			rows, width := planes[p].Shape[0], planes[p].Shape[1]
			var sum float64
			for i := 0; i < rows; i++ {
				d := float64(planes[p].Data[i*width+nc] - maskBool[i/samplesPerRay])
				sum += d * d
			}
			total += float32(sum / float64(rows))
		}
	}
	return total
}

// localSimilarityLoss is the mask-guided contrastive term: within each of a
// few randomly chosen mask classes, per-sample triple products of aux-spatial
// and time plane features should be dissimilar from the contrastive class's
// (temporal term) while staying aligned with the plain spatial features
// (spatial term), both weighted by softmaxed products of rendering weights.
func (m *SceneModel) localSimilarityLoss(volTVs [][]*tensor.Tensor, weights *tensor.Tensor, classes [len(maskPalette)][]int) float32 {
	samplesPerRay := weights.Shape[1]
	var total float32
	for _, planes := range volTVs {
		nc := planes[planeYX].Shape[1]
		perm := m.rng.Perm(len(maskPalette))
		for _, c := range perm[:3] {
			for _, t := range [][4]int{
				{planeAuxYX, planeTX, planeTY, planeYX},
				{planeAuxZX, planeTX, planeTZ, planeZX},
				{planeAuxZY, planeTY, planeTZ, planeZY},
			} {
				spatial := planes[t[3]]
				temporal := samplewiseTriple(planes[t[0]], planes[t[1]], planes[t[2]], nc)

				rays := classes[c]
				altRays := classes[contrastiveClass]
				if len(altRays) == 0 {
					altRays = rays
				}
				if len(rays) == 0 {
					continue
				}

				selW := gatherWeights(weights, rays, samplesPerRay)
				selAltW := gatherWeights(weights, altRays, samplesPerRay)
				selT := gatherRows(temporal, rays, samplesPerRay)
				selAltT := gatherRows(temporal, altRays, samplesPerRay)
				selS := gatherRows(spatial, rays, samplesPerRay)

				wMat := outer(selW, selW)
				altWMat := outer(selW, selAltW)
				if c == contrastiveClass {
					zeroDiagonalBlocks(altWMat, samplesPerRay)
				}
				wMat = tensor.SoftmaxRows(wMat)
				altWMat = tensor.SoftmaxRows(altWMat)

				tn := rowNorms(selT)
				an := rowNorms(selAltT)
				sn := rowNorms(selS)

				tempSim := normalizedGram(selT, selAltT, tn, an, false)
				spatialSim := normalizedGram(selS, selT, sn, tn, true)

				total += -0.1*weightedMean(tempSim, altWMat) + weightedMean(spatialSim, wMat)
			}
		}
	}
	return total
}

// samplewiseTriple multiplies, per sample row, the aux-spatial plane features
// with the density channels of two time planes.
func samplewiseTriple(aux, timeA, timeB *tensor.Tensor, nc int) *tensor.Tensor {
	rows := aux.Shape[0]
	wa, wb := timeA.Shape[1], timeB.Shape[1]
	out := tensor.New(rows, nc)
	for i := 0; i < rows; i++ {
		for k := 0; k < nc; k++ {
			out.Data[i*nc+k] = aux.Data[i*nc+k] * timeA.Data[i*wa+k] * timeB.Data[i*wb+k]
		}
	}
	return out
}

// gatherRows stacks the per-sample feature rows of the selected rays.
func gatherRows(t *tensor.Tensor, rays []int, samplesPerRay int) *tensor.Tensor {
	width := t.Shape[1]
	out := tensor.New(len(rays)*samplesPerRay, width)
	for i, r := range rays {
		src := t.Data[r*samplesPerRay*width : (r+1)*samplesPerRay*width]
		copy(out.Data[i*samplesPerRay*width:], src)
	}
	return out
}

// gatherWeights flattens the rendering weights of the selected rays.
func gatherWeights(weights *tensor.Tensor, rays []int, samplesPerRay int) []float32 {
	out := make([]float32, 0, len(rays)*samplesPerRay)
	for _, r := range rays {
		out = append(out, weights.Data[r*samplesPerRay:(r+1)*samplesPerRay]...)
	}
	return out
}

func outer(a, b []float32) *tensor.Tensor {
	out := tensor.New(len(a), len(b))
	for i, x := range a {
		for j, y := range b {
			out.Data[i*len(b)+j] = x * y
		}
	}
	return out
}

// zeroDiagonalBlocks clears the per-ray self blocks so a class is not
// contrasted against its own samples.
func zeroDiagonalBlocks(t *tensor.Tensor, block int) {
	rows, cols := t.Shape[0], t.Shape[1]
	for start := 0; start < rows; start += block {
		for i := start; i < start+block && i < rows; i++ {
			for j := start; j < start+block && j < cols; j++ {
				t.Data[i*cols+j] = 0
			}
		}
	}
}

func rowNorms(t *tensor.Tensor) []float32 {
	out := make([]float32, t.Shape[0])
	for i := range out {
		out[i] = tensor.L2Norm(t.Row(i))
	}
	return out
}

// normalizedGram is (a · bᵀ)[i][j] / (na[i]*nb[j] + 1e-8), optionally in
// absolute value.
func normalizedGram(a, b *tensor.Tensor, na, nb []float32, abs bool) *tensor.Tensor {
	rows, cols, width := a.Shape[0], b.Shape[0], a.Shape[1]
	out := tensor.New(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			var dot float32
			for k := 0; k < width; k++ {
				dot += a.Data[i*width+k] * b.Data[j*width+k]
			}
			v := dot / (na[i]*nb[j] + 1e-8)
			if abs {
				v = math32.Abs(v)
			}
			out.Data[i*cols+j] = v
		}
	}
	return out
}

func weightedMean(values, weights *tensor.Tensor) float32 {
	var sum float64
	for i, v := range values.Data {
		sum += float64(v) * float64(weights.Data[i])
	}
	return float32(sum / float64(len(values.Data)))
}

// gridSimilarityLosses runs the whole-plane discriminator pipeline: for each
// scale, the three spatiotemporal cross-products (e.g. the ty/tx product
// collapses the time axis back onto the yx pairing) and the three plain
// spatial planes are compressed, then either classified (compressor phase)
// or scored by channel-axis cosine similarity (similarity phase).
func (m *SceneModel) gridSimilarityLosses() (convMLP, volTV, temporalSimm float32) {
	for si, ps := range m.field.Grids() {
		nc := ps.NumComps
		cc := m.compressors[si]
		clf := m.classifiers[si]

		products := []*tensor.Tensor{
			m.compressFlat(cc, planeTripleProduct(ps.Planes[planeTY], ps.Planes[planeTX], ps.Planes[planeAuxYX], nc)),
			m.compressFlat(cc, planeTripleProduct(ps.Planes[planeTZ], ps.Planes[planeTX], ps.Planes[planeAuxZX], nc)),
			m.compressFlat(cc, planeTripleProduct(ps.Planes[planeTZ], ps.Planes[planeTY], ps.Planes[planeAuxZY], nc)),
		}
		axes := []*tensor.Tensor{
			m.compressFlat(cc, ps.Planes[planeYX]),
			m.compressFlat(cc, ps.Planes[planeZX]),
			m.compressFlat(cc, ps.Planes[planeZY]),
		}

		if m.phase == PhaseCompressor {
			for _, p := range products {
				convMLP += clf.CrossEntropy(clf.Forward(tensor.Transpose2D(p)), 1)
			}
			for _, a := range axes {
				convMLP += clf.CrossEntropy(clf.Forward(tensor.Transpose2D(a)), 0)
			}
			continue
		}
		for i := range products {
			volTV += tensor.AbsMean(tensor.CosineCols(axes[i], products[i]))
			temporalSimm += -tensor.Mean(tensor.CosineCols(products[i], products[i]))
			temporalSimm += -tensor.Mean(tensor.CosineCols(axes[i], axes[i]))
		}
	}
	return convMLP, volTV, temporalSimm
}

// planeTripleProduct contracts two time planes over the time axis and gates
// the result with the matching aux-spatial plane: per density channel,
// (timeAᵀ · timeB) ⊙ aux.
func planeTripleProduct(timeA, timeB, aux *tensor.Tensor, nc int) *tensor.Tensor {
	rowsA, colsA := timeA.Shape[1], timeA.Shape[2]
	colsB := timeB.Shape[2]
	out := tensor.New(nc, colsA, colsB)
	for ch := 0; ch < nc; ch++ {
		a := tensor.FromSlice(timeA.Data[ch*rowsA*colsA:(ch+1)*rowsA*colsA], rowsA, colsA)
		b := tensor.FromSlice(timeB.Data[ch*rowsA*colsB:(ch+1)*rowsA*colsB], rowsA, colsB)
		prod := tensor.MatMul(tensor.Transpose2D(a), b)
		base := ch * colsA * colsB
		for i, v := range prod.Data {
			out.Data[base+i] = v * aux.Data[base+i]
		}
	}
	return out
}

// compressFlat runs the per-scale compressor and flattens the result to
// [channels, positions].
func (m *SceneModel) compressFlat(cc *ConvCompressor, plane *tensor.Tensor) *tensor.Tensor {
	out := cc.Forward(plane)
	return out.Reshape(out.Shape[0], out.Shape[1]*out.Shape[2])
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
