package model

import "github.com/openvolume/kplanes/tensor"

// computePlaneTV is the total variation of a [C, H, W] plane: mean squared
// difference of adjacent cells. With onlyW, variation is measured along the
// width axis alone; space-time planes use this since space is their last
// dimension.
func computePlaneTV(t *tensor.Tensor, onlyW bool) float32 {
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]

	var wSum float64
	if w > 1 {
		for ch := 0; ch < c; ch++ {
			base := ch * h * w
			for r := 0; r < h; r++ {
				for col := 1; col < w; col++ {
					d := float64(t.Data[base+r*w+col] - t.Data[base+r*w+col-1])
					wSum += d * d
				}
			}
		}
		wSum /= float64(c * h * (w - 1))
	}
	if onlyW {
		return float32(wSum)
	}

	var hSum float64
	if h > 1 {
		for ch := 0; ch < c; ch++ {
			base := ch * h * w
			for r := 1; r < h; r++ {
				for col := 0; col < w; col++ {
					d := float64(t.Data[base+r*w+col] - t.Data[base+(r-1)*w+col])
					hSum += d * d
				}
			}
		}
		hSum /= float64(c * (h - 1) * w)
	}
	return float32(hSum + wSum)
}

// spaceTVLoss averages total variation over every plane of every scale.
// Pure-spatial planes vary in both directions; space-time planes only along
// their spatial axis, restricted to the density channels.
func spaceTVLoss(grids []*PlaneSet) float32 {
	var total float64
	numPlanes := 0
	for _, ps := range grids {
		spatial := make(map[int]bool)
		for _, id := range ps.SpatialPlaneIDs() {
			spatial[id] = true
		}
		for id, plane := range ps.Planes {
			if spatial[id] {
				total += float64(computePlaneTV(plane, false))
			} else {
				total += float64(computePlaneTV(plane.FirstChannels(ps.NumComps), true))
			}
			numPlanes++
		}
	}
	if numPlanes == 0 {
		return 0
	}
	return float32(total / float64(numPlanes))
}

// l1TimePlanes penalizes the mean absolute magnitude of the density
// channels of the space-time planes and the auxiliary spatial planes,
// pulling unused capacity toward zero.
func l1TimePlanes(grids []*PlaneSet) float32 {
	var total float64
	numPlanes := 0
	for _, ps := range grids {
		ids := ps.TimePlaneIDs()
		if len(ps.Planes) == 9 {
			ids = []int{planeTX, planeTY, planeTZ, planeAuxYX, planeAuxZX, planeAuxZY}
		}
		for _, id := range ids {
			total += float64(tensor.AbsMean(ps.Planes[id].FirstChannels(ps.NumComps).Data))
			numPlanes++
		}
	}
	if numPlanes == 0 {
		return 0
	}
	return float32(total / float64(numPlanes))
}

// computePlaneSmoothness is the mean squared second finite difference along
// the temporal (row) axis of a [C, T, S] plane.
func computePlaneSmoothness(t *tensor.Tensor) float32 {
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	if h < 3 {
		return 0
	}
	var sum float64
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		for r := 0; r < h-2; r++ {
			for col := 0; col < w; col++ {
				first := t.Data[base+(r+1)*w+col] - t.Data[base+r*w+col]
				second := t.Data[base+(r+2)*w+col] - t.Data[base+(r+1)*w+col]
				d := float64(second - first)
				sum += d * d
			}
		}
	}
	return float32(sum / float64(c*(h-2)*w))
}

// timeSmoothness averages temporal smoothness over the density channels of
// every space-time plane.
func timeSmoothness(grids []*PlaneSet) float32 {
	var total float64
	numPlanes := 0
	for _, ps := range grids {
		for _, id := range ps.TimePlaneIDs() {
			total += float64(computePlaneSmoothness(ps.Planes[id].FirstChannels(ps.NumComps)))
			numPlanes++
		}
	}
	if numPlanes == 0 {
		return 0
	}
	return float32(total / float64(numPlanes))
}
