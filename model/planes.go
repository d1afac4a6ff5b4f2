package model

import (
	"github.com/chewxy/math32"
	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// Plane indices within a 4D plane set. The first six are the K-Planes axis
// pairings; the last three are auxiliary spatial planes that mirror the
// pure-spatial pairings and feed the cross-plane similarity losses.
const (
	planeYX    = 0
	planeZX    = 1
	planeTX    = 2
	planeZY    = 3
	planeTY    = 4
	planeTZ    = 5
	planeAuxYX = 6
	planeAuxZX = 7
	planeAuxZY = 8
)

// spatialPlanes4D and timePlanes4D partition the 4D plane set for the
// regularizers. Time planes carry the auxiliary mask channel past NumComps.
var (
	spatialPlanes4D = []int{planeYX, planeZX, planeZY, planeAuxYX, planeAuxZX, planeAuxZY}
	timePlanes4D    = []int{planeTX, planeTY, planeTZ}
)

// PlaneSet is one resolution scale of the multi-resolution decomposition:
// a fixed set of 2D feature planes over axis pairings, each [C, rows, cols].
type PlaneSet struct {
	Planes   []*tensor.Tensor
	NumComps int // leading density feature channels
	HasTime  bool
	resX     int
	resY     int
	resZ     int
	resT     int
}

// NewPlaneSet allocates a 4D (space+time) plane set at the given per-axis
// resolutions. Spatial planes get small random features; time planes start
// at the multiplicative identity on their density channels with zeroed
// auxiliary channels, so an untrained set is time-invariant.
func NewPlaneSet(resX, resY, resZ, resT, numComps int, rng *rand.Rand) *PlaneSet {
	ps := &PlaneSet{NumComps: numComps, HasTime: true, resX: resX, resY: resY, resZ: resZ, resT: resT}
	ps.Planes = make([]*tensor.Tensor, 9)
	ps.Planes[planeYX] = randomPlane(numComps, resY, resX, rng)
	ps.Planes[planeZX] = randomPlane(numComps, resZ, resX, rng)
	ps.Planes[planeZY] = randomPlane(numComps, resZ, resY, rng)
	ps.Planes[planeAuxYX] = randomPlane(numComps, resY, resX, rng)
	ps.Planes[planeAuxZX] = randomPlane(numComps, resZ, resX, rng)
	ps.Planes[planeAuxZY] = randomPlane(numComps, resZ, resY, rng)
	ps.Planes[planeTX] = identityTimePlane(numComps+1, numComps, resT, resX)
	ps.Planes[planeTY] = identityTimePlane(numComps+1, numComps, resT, resY)
	ps.Planes[planeTZ] = identityTimePlane(numComps+1, numComps, resT, resZ)
	return ps
}

// NewSpatialPlaneSet allocates a 3D plane set (proposal density grids).
func NewSpatialPlaneSet(resX, resY, resZ, numComps int, rng *rand.Rand) *PlaneSet {
	ps := &PlaneSet{NumComps: numComps, resX: resX, resY: resY, resZ: resZ}
	ps.Planes = []*tensor.Tensor{
		randomPlane(numComps, resY, resX, rng),
		randomPlane(numComps, resZ, resX, rng),
		randomPlane(numComps, resZ, resY, rng),
	}
	return ps
}

func randomPlane(c, rows, cols int, rng *rand.Rand) *tensor.Tensor {
	t := tensor.New(c, rows, cols)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * 0.1
	}
	return t
}

func identityTimePlane(c, numComps, rows, cols int) *tensor.Tensor {
	t := tensor.New(c, rows, cols)
	for ch := 0; ch < numComps; ch++ {
		for i := 0; i < rows*cols; i++ {
			t.Data[ch*rows*cols+i] = 1
		}
	}
	return t
}

// SpatialPlaneIDs returns the plane indices treated as pure-spatial by the
// total-variation regularizer.
func (ps *PlaneSet) SpatialPlaneIDs() []int {
	if len(ps.Planes) == 3 {
		return []int{0, 1, 2}
	}
	return spatialPlanes4D
}

// TimePlaneIDs returns the space-time plane indices.
func (ps *PlaneSet) TimePlaneIDs() []int {
	if len(ps.Planes) == 3 {
		return nil
	}
	return timePlanes4D
}

// planeCoord maps a normalized sample point to a plane's (row, col)
// coordinates in [0, 1]. x/y/z/t are all normalized.
func planeCoord(plane int, x, y, z, t float32) (row, col float32) {
	switch plane {
	case planeYX, planeAuxYX:
		return y, x
	case planeZX, planeAuxZX:
		return z, x
	case planeZY, planeAuxZY:
		return z, y
	case planeTX:
		return t, x
	case planeTY:
		return t, y
	default: // planeTZ
		return t, z
	}
}

// SamplePlane bilinearly interpolates every channel of plane p at the
// normalized (row, col) location, appending to dst.
func (ps *PlaneSet) SamplePlane(p int, row, col float32, dst []float32) []float32 {
	plane := ps.Planes[p]
	c, h, w := plane.Shape[0], plane.Shape[1], plane.Shape[2]

	fr := row * float32(h-1)
	fc := col * float32(w-1)
	r0 := int(math32.Floor(fr))
	c0 := int(math32.Floor(fc))
	r1 := min(r0+1, h-1)
	c1 := min(c0+1, w-1)
	ar := fr - float32(r0)
	ac := fc - float32(c0)

	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		v00 := plane.Data[base+r0*w+c0]
		v01 := plane.Data[base+r0*w+c1]
		v10 := plane.Data[base+r1*w+c0]
		v11 := plane.Data[base+r1*w+c1]
		top := v00 + (v01-v00)*ac
		bot := v10 + (v11-v10)*ac
		dst = append(dst, top+(bot-top)*ar)
	}
	return dst
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
