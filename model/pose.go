package model

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openvolume/kplanes/tensor"
)

// Pose-correction bounds: rotations are clipped to ±0.01 rad and position
// offsets to ±0.2 units before being applied, so the learned corrections
// fix small calibration errors without drifting the rig.
const (
	maxRotDelta = 0.01
	maxPosDelta = 0.2
)

// CameraPoseDeltas holds the learned per-camera pose corrections: a
// (roll, yaw, pitch) angle triple and a 3D position offset per camera,
// initialized to zero and updated by the external optimizer.
type CameraPoseDeltas struct {
	RotAngles *tensor.Tensor // [3, numCameras]
	PosDeltas *tensor.Tensor // [numCameras, 3]
}

// NewCameraPoseDeltas allocates zeroed corrections for numCameras cameras.
func NewCameraPoseDeltas(numCameras int) *CameraPoseDeltas {
	return &CameraPoseDeltas{
		RotAngles: tensor.New(3, numCameras),
		PosDeltas: tensor.New(numCameras, 3),
	}
}

// NumCameras returns the size of the correction tables.
func (d *CameraPoseDeltas) NumCameras() int { return d.RotAngles.Shape[1] }

// RotationMatrix composes the clipped correction rotation Rz(roll) *
// Ry(yaw) * Rx(pitch) for one camera.
func (d *CameraPoseDeltas) RotationMatrix(camera int) *mat.Dense {
	n := d.NumCameras()
	roll := tensor.Clip(d.RotAngles.Data[camera], maxRotDelta)
	yaw := tensor.Clip(d.RotAngles.Data[n+camera], maxRotDelta)
	pitch := tensor.Clip(d.RotAngles.Data[2*n+camera], maxRotDelta)

	cr, sr := float64(math32.Cos(roll)), float64(math32.Sin(roll))
	cy, sy := float64(math32.Cos(yaw)), float64(math32.Sin(yaw))
	cp, sp := float64(math32.Cos(pitch)), float64(math32.Sin(pitch))

	rz := mat.NewDense(3, 3, []float64{
		cr, -sr, 0,
		sr, cr, 0,
		0, 0, 1,
	})
	ry := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cp, -sp,
		0, sp, cp,
	})

	var zy, r mat.Dense
	zy.Mul(rz, ry)
	r.Mul(&zy, rx)
	return &r
}

// Apply rotates every ray direction by its camera's correction matrix and
// shifts every origin by the camera's clipped position offset, mutating the
// bundle in place.
func (d *CameraPoseDeltas) Apply(bundle *RayBundle) error {
	if bundle.CameraIndices == nil {
		return errors.New("ray bundle is missing camera indices")
	}
	n := bundle.NumRays()
	numCameras := d.NumCameras()

	// Rotation matrices are per camera, not per ray.
	cache := make(map[int]*mat.Dense, 8)
	for r := 0; r < n; r++ {
		cam := bundle.CameraIndices[r]
		if cam < 0 || cam >= numCameras {
			return errors.Errorf("camera index %d outside pose table of %d cameras", cam, numCameras)
		}
		rot, ok := cache[cam]
		if !ok {
			rot = d.RotationMatrix(cam)
			cache[cam] = rot
		}

		dir := bundle.Directions.Data[r*3 : r*3+3]
		v := mat.NewVecDense(3, []float64{float64(dir[0]), float64(dir[1]), float64(dir[2])})
		var out mat.VecDense
		out.MulVec(rot, v)
		for c := 0; c < 3; c++ {
			dir[c] = float32(out.AtVec(c))
		}

		for c := 0; c < 3; c++ {
			delta := tensor.Clip(d.PosDeltas.Data[cam*3+c], maxPosDelta)
			bundle.Origins.Data[r*3+c] += delta
		}
	}
	return nil
}

// RegularizationLoss is the mean absolute correction magnitude, penalizing
// large pose deltas.
func (d *CameraPoseDeltas) RegularizationLoss() float32 {
	return tensor.AbsMean(d.RotAngles.Data) + tensor.AbsMean(d.PosDeltas.Data)
}

// quatMul multiplies batches of quaternions stored as [n, 4] rows. The
// product's real component must vanish for the inputs this helper is used
// with; a non-zero real part means the rotation math upstream is wrong, so
// it panics rather than returning a corrupt rotation.
func quatMul(q1, q2 *tensor.Tensor) *tensor.Tensor {
	n := q1.Shape[0]
	out := tensor.New(n, 4)
	var realSum float64
	for i := 0; i < n; i++ {
		a := q1.Data[i*4+0]*q2.Data[i*4+0] - q1.Data[i*4+1]*q2.Data[i*4+1] - q1.Data[i*4+2]*q2.Data[i*4+2] - q1.Data[i*4+3]*q2.Data[i*4+3]
		b := q1.Data[i*4+0]*q2.Data[i*4+1] - q1.Data[i*4+1]*q2.Data[i*4+0] - q1.Data[i*4+2]*q2.Data[i*4+3] - q1.Data[i*4+3]*q2.Data[i*4+2]
		c := q1.Data[i*4+0]*q2.Data[i*4+2] - q1.Data[i*4+1]*q2.Data[i*4+3] - q1.Data[i*4+2]*q2.Data[i*4+0] - q1.Data[i*4+3]*q2.Data[i*4+1]
		e := q1.Data[i*4+0]*q2.Data[i*4+3] - q1.Data[i*4+1]*q2.Data[i*4+2] - q1.Data[i*4+2]*q2.Data[i*4+1] - q1.Data[i*4+3]*q2.Data[i*4+0]
		out.Data[i*4+0] = a
		out.Data[i*4+1] = b
		out.Data[i*4+2] = c
		out.Data[i*4+3] = e
		realSum += float64(math32.Abs(a))
	}
	if realSum > 1e-5 {
		panic("quaternion product has non-zero real part")
	}
	return out
}
