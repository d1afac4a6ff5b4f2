package model

import (
	"github.com/pkg/errors"
	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// TrainingPhase is the state of the alternating similarity-training scheme:
// the compressor/classifier stacks and the similarity regularizers take
// turns receiving gradient flow.
type TrainingPhase int

const (
	// PhaseCompressor trains the per-scale conv compressors and linear
	// classifiers to distinguish genuine spatiotemporal cross-products
	// from axis-aligned planes.
	PhaseCompressor TrainingPhase = iota
	// PhaseSimilarity freezes the compressors and drives the
	// cosine-similarity regularizers through them.
	PhaseSimilarity
)

// Phase windows: the compressor trains for long stretches, the similarity
// regularizers for short ones.
const (
	compressorWindow = 500
	similarityWindow = 100
)

// Outputs is the rendered result of one model step.
type Outputs struct {
	RGB          *tensor.Tensor // [n, 3]
	Depth        *tensor.Tensor // [n, 1]
	Accumulation *tensor.Tensor // [n, 1]
	PropDepths   []*tensor.Tensor

	// Retained in training mode only; they hold GPU-sized sample state.
	WeightsList    []*tensor.Tensor
	RaySamplesList []*RaySamples
	VolTVs         [][]*tensor.Tensor
}

// TrainingBatch is the ground truth for one step: per-ray color and the
// per-ray time-varying mask colors (0..255 palette values).
type TrainingBatch struct {
	Image    *tensor.Tensor // [n, 3]
	TimeMask *tensor.Tensor // [n, 3]
}

// SceneModelDeps are the external collaborators injected into the model.
type SceneModelDeps struct {
	ProposalSampler ProposalSampler
	Renderers       *Renderers
	Interlevel      InterlevelLossFn
	Distortion      DistortionLossFn
	SSIM            ImageMetricFn
	LPIPS           ImageMetricFn
}

// SceneModel composes proposal-network importance sampling, the K-Planes
// field, per-camera pose correction, volumetric compositing and the
// multi-term training objective. A single training loop must own the
// instance; steps mutate phase and schedule state in place.
type SceneModel struct {
	cfg ModelConfig

	field            *KPlanesField
	proposalNetworks []*DensityGrid
	densityFns       []DensityFn
	poseDeltas       *CameraPoseDeltas
	compressors      []*ConvCompressor
	classifiers      []*LinearClassifier

	proposalSampler ProposalSampler
	renderers       Renderers
	interlevelLoss  InterlevelLossFn
	distortionLoss  DistortionLossFn
	ssim            ImageMetricFn
	lpips           ImageMetricFn

	rng      *rand.Rand
	training bool

	step          int
	phase         TrainingPhase
	convSwitch    int
	convTrainIdx  int
	volTVMult     float32
	convVolTVMult float32
}

// NewSceneModel builds the model and its learned state from the config.
func NewSceneModel(cfg ModelConfig, deps SceneModelDeps) (*SceneModel, error) {
	if deps.ProposalSampler == nil {
		return nil, errors.New("scene model needs a proposal sampler")
	}
	rng := rand.New(cfg.Seed)
	m := &SceneModel{
		cfg:             cfg,
		field:           NewKPlanesField(&cfg, rng),
		poseDeltas:      NewCameraPoseDeltas(cfg.NumCameras),
		proposalSampler: deps.ProposalSampler,
		renderers:       DefaultRenderers(),
		interlevelLoss:  deps.Interlevel,
		distortionLoss:  deps.Distortion,
		ssim:            deps.SSIM,
		lpips:           deps.LPIPS,
		rng:             rng,
		convSwitch:      compressorWindow,
		volTVMult:       0.0001,
		convVolTVMult:   0.0001,
	}
	if deps.Renderers != nil {
		m.renderers = *deps.Renderers
	}

	for i := 0; i < cfg.NumProposalIterations; i++ {
		args := cfg.ProposalNetArgs[min(i, len(cfg.ProposalNetArgs)-1)]
		net := NewDensityGrid(args, cfg.AABBMin, cfg.AABBMax, rng)
		m.proposalNetworks = append(m.proposalNetworks, net)
		m.densityFns = append(m.densityFns, net.DensityFn())
	}

	for range cfg.MultiscaleRes {
		cc := NewConvCompressor(cfg.GridFeatureDim, rng)
		m.compressors = append(m.compressors, cc)
		m.classifiers = append(m.classifiers, NewLinearClassifier(cc.OutChannels, rng))
	}
	return m, nil
}

// SetTraining switches between training and eval behavior.
func (m *SceneModel) SetTraining(training bool) { m.training = training }

// Training reports whether the model is in training mode.
func (m *SceneModel) Training() bool { return m.training }

// Phase returns the current similarity-training phase.
func (m *SceneModel) Phase() TrainingPhase { return m.phase }

// PoseDeltas exposes the learned camera corrections for the optimizer.
func (m *SceneModel) PoseDeltas() *CameraPoseDeltas { return m.poseDeltas }

// Field exposes the radiance field for the optimizer.
func (m *SceneModel) Field() *KPlanesField { return m.field }

// ProposalNetworks exposes the proposal density grids for the optimizer.
func (m *SceneModel) ProposalNetworks() []*DensityGrid { return m.proposalNetworks }

// GetOutputs runs one render step: time-conditioned proposal sampling of
// the pose-corrected bundle, field evaluation, and compositing.
func (m *SceneModel) GetOutputs(bundle *RayBundle) (*Outputs, error) {
	if bundle.CameraIndices == nil {
		return nil, errors.New("ray bundle is missing camera indices")
	}

	densityFns := m.densityFns
	if bundle.Times != nil {
		times := bundle.Times
		bound := make([]DensityFn, len(densityFns))
		for i, fn := range densityFns {
			fn := fn
			bound[i] = func(positions *tensor.Tensor, _ []float32) *tensor.Tensor {
				return fn(positions, times)
			}
		}
		densityFns = bound
	}

	if err := m.poseDeltas.Apply(bundle); err != nil {
		return nil, err
	}

	raySamples, weightsList, samplesList, err := m.proposalSampler.Sample(bundle, densityFns)
	if err != nil {
		return nil, errors.Wrap(err, "proposal sampling")
	}
	if raySamples.Times == nil {
		raySamples.Times = bundle.Times
	}

	fieldOutputs := m.field.Evaluate(raySamples)
	weights := raySamples.GetWeights(fieldOutputs.Density)
	weightsList = append(weightsList, weights)
	samplesList = append(samplesList, raySamples)

	out := &Outputs{
		RGB:          m.renderers.RGB(fieldOutputs.RGB, weights),
		Depth:        m.renderers.Depth(weights, raySamples),
		Accumulation: m.renderers.Accumulation(weights),
		VolTVs:       fieldOutputs.VolTVs,
	}
	for i := 0; i < m.cfg.NumProposalIterations; i++ {
		out.PropDepths = append(out.PropDepths, m.renderers.Depth(weightsList[i], samplesList[i]))
	}
	if m.training {
		out.WeightsList = weightsList
		out.RaySamplesList = samplesList
	}
	return out, nil
}

// GetMetricsDict computes scalar metrics for logging. Training mode adds
// the external proposal losses and the plane regularizer magnitudes.
func (m *SceneModel) GetMetricsDict(outputs *Outputs, batch *TrainingBatch) map[string]float32 {
	metrics := map[string]float32{
		"psnr": PSNR(outputs.RGB, batch.Image),
	}
	if !m.training {
		if m.ssim != nil {
			metrics["ssim"] = m.ssim(outputs.RGB, batch.Image)
		}
		if m.lpips != nil {
			metrics["lpips"] = m.lpips(outputs.RGB, batch.Image)
		}
		return metrics
	}

	if m.interlevelLoss != nil {
		metrics["interlevel"] = m.interlevelLoss(outputs.WeightsList, outputs.RaySamplesList)
	}
	if m.distortionLoss != nil {
		metrics["distortion"] = m.distortionLoss(outputs.WeightsList, outputs.RaySamplesList)
	}

	fieldGrids := m.field.Grids()
	var propGrids []*PlaneSet
	for _, p := range m.proposalNetworks {
		propGrids = append(propGrids, p.Grids())
	}
	metrics["plane_tv"] = spaceTVLoss(fieldGrids)
	metrics["plane_tv_proposal_net"] = spaceTVLoss(propGrids)
	if m.cfg.HasTime() {
		metrics["l1_time_planes"] = l1TimePlanes(fieldGrids)
		metrics["l1_time_planes_proposal_net"] = l1TimePlanes(propGrids)
		metrics["time_smoothness"] = timeSmoothness(fieldGrids)
		metrics["time_smoothness_proposal_net"] = timeSmoothness(propGrids)
	}
	return metrics
}

// advancePhase steps the two-state training phase machine on its window
// counter: long compressor windows alternate with short similarity windows.
func (m *SceneModel) advancePhase() {
	m.convTrainIdx = (m.convTrainIdx + 1) % m.convSwitch
	if m.convTrainIdx != 0 {
		return
	}
	if m.phase == PhaseCompressor {
		m.phase = PhaseSimilarity
		m.convSwitch = similarityWindow
	} else {
		m.phase = PhaseCompressor
		m.convSwitch = compressorWindow
	}
}
