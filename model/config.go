package model

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProposalNetConfig configures one proposal density grid.
type ProposalNetConfig struct {
	NumOutputCoords int   `yaml:"num_output_coords"`
	Resolution      []int `yaml:"resolution"`
}

// ModelConfig configures the K-Planes scene model.
type ModelConfig struct {
	NearPlane float32 `yaml:"near_plane"`
	FarPlane  float32 `yaml:"far_plane"`

	// GridBaseResolution is [x, y, z] or [x, y, z, t]; four entries enable
	// the spatiotemporal planes and their regularizers.
	GridBaseResolution []int `yaml:"grid_base_resolution"`

	// GridFeatureDim is the density feature channel count of each plane.
	// Time-axis planes carry one extra auxiliary mask-prediction channel.
	GridFeatureDim int `yaml:"grid_feature_dim"`

	MultiscaleRes              []int `yaml:"multiscale_res"`
	ConcatFeaturesAcrossScales bool  `yaml:"concat_features_across_scales"`

	NumProposalIterations int                 `yaml:"num_proposal_iterations"`
	NumProposalSamples    []int               `yaml:"num_proposal_samples"`
	NumSamples            int                 `yaml:"num_samples"`
	ProposalNetArgs       []ProposalNetConfig `yaml:"proposal_net_args"`

	// NumCameras sizes the learned per-camera pose-correction tables.
	NumCameras int `yaml:"num_cameras"`

	AABBMin [3]float32 `yaml:"aabb_min"`
	AABBMax [3]float32 `yaml:"aabb_max"`

	BackgroundColor string `yaml:"background_color"`

	LossCoefficients map[string]float32 `yaml:"loss_coefficients"`

	Seed uint64 `yaml:"seed"`
}

// DefaultModelConfig mirrors the deployment defaults: a contracted 153
// camera rig, three multiscale levels, two proposal iterations.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		NearPlane:                  2.0,
		FarPlane:                   6.0,
		GridBaseResolution:         []int{128, 128, 128, 25},
		GridFeatureDim:             32,
		MultiscaleRes:              []int{1, 2, 4},
		ConcatFeaturesAcrossScales: true,
		NumProposalIterations:      2,
		NumProposalSamples:         []int{256, 128},
		NumSamples:                 48,
		ProposalNetArgs: []ProposalNetConfig{
			{NumOutputCoords: 8, Resolution: []int{64, 64, 64}},
			{NumOutputCoords: 8, Resolution: []int{128, 128, 128}},
		},
		NumCameras:      153,
		AABBMin:         [3]float32{-1, -1, -1},
		AABBMax:         [3]float32{1, 1, 1},
		BackgroundColor: "white",
		LossCoefficients: map[string]float32{
			"rgb":                          1.0,
			"interlevel":                   1.0,
			"distortion":                   0.001,
			"plane_tv":                     0.0001,
			"plane_tv_proposal_net":        0.0001,
			"l1_time_planes":               0.0001,
			"l1_time_planes_proposal_net":  0.0001,
			"time_smoothness":              0.1,
			"time_smoothness_proposal_net": 0.001,
		},
	}
}

// LoadModelConfig reads a YAML config, layered over the defaults.
func LoadModelConfig(path string) (ModelConfig, error) {
	cfg := DefaultModelConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read model config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse model config")
	}
	return cfg, nil
}

// HasTime reports whether the grid resolution includes a temporal axis.
func (c *ModelConfig) HasTime() bool { return len(c.GridBaseResolution) == 4 }
