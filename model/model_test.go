package model

import (
	"math"
	"testing"

	"github.com/openvolume/kplanes/tensor"
)

// linearProposalSampler places samples uniformly between the near and far
// planes, standing in for the framework's proposal sampler.
type linearProposalSampler struct {
	near, far  float32
	numSamples int
}

func (p *linearProposalSampler) Sample(bundle *RayBundle, densityFns []DensityFn) (*RaySamples, []*tensor.Tensor, []*RaySamples, error) {
	var weightsList []*tensor.Tensor
	var samplesList []*RaySamples
	for range densityFns {
		rs := p.place(bundle)
		density := densityFns[0](rs.Positions.Reshape(rs.NumRays()*rs.SamplesPerRay(), 3), rs.Times)
		weightsList = append(weightsList, rs.GetWeights(density))
		samplesList = append(samplesList, rs)
	}
	return p.place(bundle), weightsList, samplesList, nil
}

func (p *linearProposalSampler) place(bundle *RayBundle) *RaySamples {
	n, s := bundle.NumRays(), p.numSamples
	rs := &RaySamples{
		Positions:     tensor.New(n, s, 3),
		SpacingStarts: tensor.New(n, s, 1),
		SpacingEnds:   tensor.New(n, s, 1),
		Deltas:        tensor.New(n, s, 1),
		Times:         bundle.Times,
	}
	step := (p.far - p.near) / float32(s)
	for r := 0; r < n; r++ {
		for i := 0; i < s; i++ {
			tv := p.near + step*(float32(i)+0.5)
			for c := 0; c < 3; c++ {
				rs.Positions.Data[(r*s+i)*3+c] = bundle.Origins.Data[r*3+c] + tv*bundle.Directions.Data[r*3+c]
			}
			rs.SpacingStarts.Data[r*s+i] = float32(i) / float32(s)
			rs.SpacingEnds.Data[r*s+i] = float32(i+1) / float32(s)
			rs.Deltas.Data[r*s+i] = step
		}
	}
	return rs
}

func testModelConfig() ModelConfig {
	cfg := DefaultModelConfig()
	cfg.GridBaseResolution = []int{16, 16, 16, 4}
	cfg.GridFeatureDim = 4
	cfg.MultiscaleRes = []int{1, 2}
	cfg.NumProposalIterations = 1
	cfg.NumProposalSamples = []int{8}
	cfg.NumSamples = 4
	cfg.ProposalNetArgs = []ProposalNetConfig{{NumOutputCoords: 4, Resolution: []int{8, 8, 8}}}
	cfg.NumCameras = 4
	cfg.Seed = 17
	return cfg
}

func testBundle(n int) *RayBundle {
	bundle := &RayBundle{
		Origins:       tensor.New(n, 3),
		Directions:    tensor.New(n, 3),
		CameraIndices: make([]int, n),
		Times:         make([]float32, n),
	}
	for r := 0; r < n; r++ {
		bundle.Origins.Data[r*3+2] = -0.5
		bundle.Directions.Data[r*3] = float32(r%3-1) * 0.1
		bundle.Directions.Data[r*3+2] = 1
		bundle.CameraIndices[r] = r % 4
		bundle.Times[r] = float32(r) / float32(n)
	}
	return bundle
}

func newTestModel(t *testing.T) *SceneModel {
	t.Helper()
	cfg := testModelConfig()
	m, err := NewSceneModel(cfg, SceneModelDeps{
		ProposalSampler: &linearProposalSampler{near: cfg.NearPlane, far: cfg.FarPlane, numSamples: cfg.NumSamples},
	})
	if err != nil {
		t.Fatalf("NewSceneModel failed: %v", err)
	}
	return m
}

// TestGetOutputsShapes verifies the rendered output layout in both modes
func TestGetOutputsShapes(t *testing.T) {
	m := newTestModel(t)
	const n = 12

	out, err := m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	if out.RGB.Shape[0] != n || out.RGB.Shape[1] != 3 {
		t.Errorf("Expected [%d, 3] rgb, got %v", n, out.RGB.Shape)
	}
	if out.Depth.Shape[0] != n || out.Accumulation.Shape[0] != n {
		t.Errorf("Expected %d depth/accumulation rays", n)
	}
	if len(out.PropDepths) != 1 {
		t.Errorf("Expected 1 proposal depth map, got %d", len(out.PropDepths))
	}
	if out.WeightsList != nil {
		t.Error("Eval mode must not retain the weights list")
	}
	for r := 0; r < n*3; r++ {
		v := float64(out.RGB.Data[r])
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Fatalf("RGB value %v outside [0, 1]", v)
		}
	}

	m.SetTraining(true)
	out, err = m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	if len(out.WeightsList) != 2 || len(out.RaySamplesList) != 2 {
		t.Errorf("Expected 2 retained weight/sample sets, got %d/%d", len(out.WeightsList), len(out.RaySamplesList))
	}
	if len(out.VolTVs) != 2 {
		t.Fatalf("Expected 2 scales of plane features, got %d", len(out.VolTVs))
	}
	if len(out.VolTVs[0]) != 9 {
		t.Errorf("Expected 9 planes per scale, got %d", len(out.VolTVs[0]))
	}
	rows := out.VolTVs[0][planeTX].Shape
	if rows[0] != n*4 || rows[1] != 5 {
		t.Errorf("Expected [%d, 5] time plane features, got %v", n*4, rows)
	}
}

// TestGetOutputsValidation verifies the camera-index requirement
func TestGetOutputsValidation(t *testing.T) {
	m := newTestModel(t)
	bundle := testBundle(4)
	bundle.CameraIndices = nil
	if _, err := m.GetOutputs(bundle); err == nil {
		t.Error("Expected an error for a bundle without camera indices")
	}
}

// TestMetricsDict verifies metric keys in eval and training modes
func TestMetricsDict(t *testing.T) {
	m := newTestModel(t)
	const n = 8
	out, err := m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	batch := &TrainingBatch{Image: out.RGB.Clone(), TimeMask: tensor.New(n, 3)}

	metrics := m.GetMetricsDict(out, batch)
	if !math.IsInf(float64(metrics["psnr"]), 1) {
		t.Errorf("Expected infinite PSNR against an identical image, got %v", metrics["psnr"])
	}
	if _, ok := metrics["plane_tv"]; ok {
		t.Error("Eval metrics must not include training regularizers")
	}

	m.SetTraining(true)
	out, err = m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	metrics = m.GetMetricsDict(out, batch)
	for _, key := range []string{"psnr", "plane_tv", "plane_tv_proposal_net", "l1_time_planes", "time_smoothness"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("Training metrics missing %q", key)
		}
	}
}

// TestPSNR verifies the PSNR computation on a known error
func TestPSNR(t *testing.T) {
	a := tensor.FromSlice([]float32{0.5, 0.5, 0.5}, 1, 3)
	b := tensor.FromSlice([]float32{0.4, 0.4, 0.4}, 1, 3)
	// mse = 0.01, psnr = -10*log10(0.01) = 20
	if got := PSNR(a, b); math.Abs(float64(got)-20) > 1e-3 {
		t.Errorf("Expected PSNR 20, got %v", got)
	}
}

// TestLossDictEval verifies eval mode yields only the photometric term
func TestLossDictEval(t *testing.T) {
	m := newTestModel(t)
	const n = 8
	out, err := m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	batch := &TrainingBatch{Image: tensor.New(n, 3), TimeMask: tensor.New(n, 3)}
	loss := m.GetLossDict(out, batch, nil)
	if len(loss) != 1 {
		t.Errorf("Expected only the rgb term in eval mode, got %v", loss)
	}
	if _, ok := loss["rgb"]; !ok {
		t.Error("Missing rgb loss")
	}
}

// TestLossDictTraining verifies the full training objective composition
func TestLossDictTraining(t *testing.T) {
	m := newTestModel(t)
	m.SetTraining(true)
	const n = 8

	out, err := m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}

	// two rays in the red class, two in the contrastive blue class
	timeMask := tensor.New(n, 3)
	for _, r := range []int{0, 1} {
		timeMask.Set(255, r, 0)
	}
	for _, r := range []int{2, 3} {
		timeMask.Set(255, r, 2)
	}
	batch := &TrainingBatch{Image: tensor.New(n, 3), TimeMask: timeMask}

	metrics := m.GetMetricsDict(out, batch)
	loss := m.GetLossDict(out, batch, metrics)

	for _, key := range []string{"rgb", "time_masks", "camera_delts", "local_vol_tvs", "conv_mlp", "plane_tv"} {
		if _, ok := loss[key]; !ok {
			t.Errorf("Training loss missing %q", key)
		}
	}
	if _, ok := loss["vol_tvs"]; ok {
		t.Error("Compressor phase must not produce similarity terms")
	}
	for key, v := range loss {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Errorf("Loss %q is not finite: %v", key, v)
		}
	}

	// metric losses are copied through scaled by their coefficients
	wantTV := metrics["plane_tv"] * m.cfg.LossCoefficients["plane_tv"]
	if math.Abs(float64(loss["plane_tv"]-wantTV)) > 1e-6 {
		t.Errorf("Expected plane_tv scaled to %v, got %v", wantTV, loss["plane_tv"])
	}
}

// TestTimeMaskSupervision verifies a perfect aux channel scores zero
func TestTimeMaskSupervision(t *testing.T) {
	// one scale, one plane set of [n*s, C] features with aux channel 1
	volTVs := [][]*tensor.Tensor{make([]*tensor.Tensor, 9)}
	const n, s, nc = 4, 2, 2
	for p := 0; p < 9; p++ {
		width := nc
		if p == planeTX || p == planeTY || p == planeTZ {
			width = nc + 1
		}
		volTVs[0][p] = tensor.New(n*s, width)
	}
	maskBool := []float32{1, 0, 1, 0}
	for _, p := range []int{planeTX, planeTY, planeTZ} {
		for i := 0; i < n*s; i++ {
			volTVs[0][p].Data[i*(nc+1)+nc] = maskBool[i/s]
		}
	}
	if got := timeMaskLoss(volTVs, maskBool); got != 0 {
		t.Errorf("Expected zero supervision loss for a perfect aux channel, got %v", got)
	}

	volTVs[0][planeTX].Data[nc] = 0 // flip one prediction
	if got := timeMaskLoss(volTVs, maskBool); got == 0 {
		t.Error("Expected non-zero loss for a wrong aux prediction")
	}
}

// TestPhaseMachine verifies the alternating 500/100 step windows
func TestPhaseMachine(t *testing.T) {
	m := newTestModel(t)
	if m.Phase() != PhaseCompressor {
		t.Fatal("Expected the compressor phase initially")
	}
	for i := 0; i < compressorWindow-1; i++ {
		m.advancePhase()
		if m.Phase() != PhaseCompressor {
			t.Fatalf("Phase flipped early at step %d", i+1)
		}
	}
	m.advancePhase()
	if m.Phase() != PhaseSimilarity {
		t.Fatal("Expected the similarity phase after the compressor window")
	}
	for i := 0; i < similarityWindow-1; i++ {
		m.advancePhase()
		if m.Phase() != PhaseSimilarity {
			t.Fatalf("Phase flipped early at step %d of the similarity window", i+1)
		}
	}
	m.advancePhase()
	if m.Phase() != PhaseCompressor {
		t.Fatal("Expected the compressor phase to resume")
	}
}

// TestSimilarityPhaseLosses verifies similarity-phase loss terms appear
func TestSimilarityPhaseLosses(t *testing.T) {
	m := newTestModel(t)
	m.SetTraining(true)
	m.phase = PhaseSimilarity
	m.convTrainIdx = 1 // keep the phase from flipping this step
	m.convSwitch = similarityWindow

	const n = 6
	out, err := m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	batch := &TrainingBatch{Image: tensor.New(n, 3), TimeMask: tensor.New(n, 3)}
	loss := m.GetLossDict(out, batch, m.GetMetricsDict(out, batch))

	for _, key := range []string{"vol_tvs", "temporal_simm"} {
		if _, ok := loss[key]; !ok {
			t.Errorf("Similarity phase missing %q", key)
		}
	}
	if _, ok := loss["conv_mlp"]; ok {
		t.Error("Similarity phase must not produce the classifier loss")
	}
}

// TestScheduleDoubling verifies the 3000-step multiplier doubling and cap
func TestScheduleDoubling(t *testing.T) {
	m := newTestModel(t)
	m.SetTraining(true)
	start := m.volTVMult

	const n = 4
	batch := &TrainingBatch{Image: tensor.New(n, 3), TimeMask: tensor.New(n, 3)}
	out, err := m.GetOutputs(testBundle(n))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}

	m.step = 2999 // the increment inside GetLossDict lands on 3000
	m.GetLossDict(out, batch, m.GetMetricsDict(out, batch))
	if math.Abs(float64(m.volTVMult-start*2)) > 1e-9 {
		t.Errorf("Expected multiplier to double to %v, got %v", start*2, m.volTVMult)
	}

	m.volTVMult = 0.009
	m.step = 5999
	m.GetLossDict(out, batch, m.GetMetricsDict(out, batch))
	if m.volTVMult != 0.01 {
		t.Errorf("Expected multiplier capped at 0.01, got %v", m.volTVMult)
	}
}
