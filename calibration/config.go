// Package calibration estimates a camera's intrinsics and lens distortion from several views of
// a planar checkerboard.
package calibration

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/camcal/rimage/detection/chessboard"
)

// Pass-through identifiers copied into every record unless overridden.
const (
	ImageTopicKey     = "image_topic"
	PoseTopicKey      = "pose_topic"
	DefaultImageTopic = "/image_raw"
	DefaultPoseTopic  = "/pose"
)

// MinViews is the number of accepted views required before estimation.
const MinViews = 3

// PatternSize is the number of inner corners along each axis of the board.
type PatternSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Config holds every tunable of a calibration run. It is passed by value and never mutated by the
// pipeline.
type Config struct {
	PatternSize      PatternSize `json:"pattern_size"`
	SquareSize       float64     `json:"square_size"`
	SubpixelWindow   int         `json:"subpixel_window"`
	SubpixelMaxIters int         `json:"subpixel_max_iters"`
	SubpixelEpsilon  float64     `json:"subpixel_epsilon"`

	LMMaxIters        int     `json:"lm_max_iters"`
	LMInitLambda      float64 `json:"lm_init_lambda"`
	LMLambdaUp        float64 `json:"lm_lambda_up"`
	LMLambdaDown      float64 `json:"lm_lambda_down"`
	CostTolerance     float64 `json:"cost_tolerance"`
	GradientTolerance float64 `json:"gradient_tolerance"`
	RMSWarnThreshold  float64 `json:"rms_warn_threshold"`

	// DegeneracyThreshold is the smallest accepted ratio of minor to major spread of a view's points.
	DegeneracyThreshold float64 `json:"degeneracy_threshold"`
	// DuplicateThreshold is the RMS corner displacement in pixels under which a view repeats another.
	DuplicateThreshold float64 `json:"duplicate_threshold"`
	// MinOrientationSpread is the smallest accepted angle in degrees between the pattern normals
	// of the two most differently oriented views. Zero disables the check.
	MinOrientationSpread float64 `json:"min_orientation_spread"`

	// Workers bounds concurrent detection; zero means one per available processor.
	Workers           int               `json:"workers"`
	IncludeExtrinsics bool              `json:"include_extrinsics"`
	PassThrough       map[string]string `json:"pass_through"`
}

// DefaultConfig returns the configuration for a 7x5 board of unit squares.
func DefaultConfig() Config {
	return Config{
		PatternSize:          PatternSize{Cols: 7, Rows: 5},
		SquareSize:           1,
		SubpixelWindow:       chessboard.DefaultSubpixelConf.WindowSize,
		SubpixelMaxIters:     chessboard.DefaultSubpixelConf.MaxIterations,
		SubpixelEpsilon:      chessboard.DefaultSubpixelConf.Epsilon,
		LMMaxIters:           100,
		LMInitLambda:         1e-3,
		LMLambdaUp:           10,
		LMLambdaDown:         10,
		CostTolerance:        1e-10,
		GradientTolerance:    1e-12,
		RMSWarnThreshold:     1,
		DegeneracyThreshold:  0.01,
		DuplicateThreshold:   0.5,
		MinOrientationSpread: 5,
		PassThrough: map[string]string{
			ImageTopicKey: DefaultImageTopic,
			PoseTopicKey:  DefaultPoseTopic,
		},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.PatternSize.Cols < 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("pattern_size.cols must be at least 2, got %d", cfg.PatternSize.Cols))
	}
	if cfg.PatternSize.Rows < 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("pattern_size.rows must be at least 2, got %d", cfg.PatternSize.Rows))
	}
	positive := []struct {
		name  string
		value float64
	}{
		{"square_size", cfg.SquareSize},
		{"subpixel_epsilon", cfg.SubpixelEpsilon},
		{"lm_init_lambda", cfg.LMInitLambda},
		{"cost_tolerance", cfg.CostTolerance},
		{"gradient_tolerance", cfg.GradientTolerance},
		{"rms_warn_threshold", cfg.RMSWarnThreshold},
		{"degeneracy_threshold", cfg.DegeneracyThreshold},
	}
	for _, p := range positive {
		if !(p.value > 0) || math.IsInf(p.value, 0) {
			return utils.NewConfigValidationError(path, errors.Errorf("%s must be positive and finite, got %v", p.name, p.value))
		}
	}
	if cfg.DuplicateThreshold < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("duplicate_threshold cannot be negative, got %v", cfg.DuplicateThreshold))
	}
	if !(cfg.MinOrientationSpread >= 0 && cfg.MinOrientationSpread < 90) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("min_orientation_spread must be in [0, 90) degrees, got %v", cfg.MinOrientationSpread))
	}
	if cfg.SubpixelWindow < 3 {
		return utils.NewConfigValidationError(path, errors.Errorf("subpixel_window must be at least 3, got %d", cfg.SubpixelWindow))
	}
	if cfg.SubpixelMaxIters < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "subpixel_max_iters")
	}
	if cfg.LMMaxIters < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "lm_max_iters")
	}
	if cfg.LMLambdaUp <= 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("lm_lambda_up must be greater than 1, got %v", cfg.LMLambdaUp))
	}
	if cfg.LMLambdaDown <= 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("lm_lambda_down must be greater than 1, got %v", cfg.LMLambdaDown))
	}
	if cfg.Workers < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("workers cannot be negative, got %d", cfg.Workers))
	}
	for k := range cfg.PassThrough {
		if _, reserved := reservedRecordKeys[k]; reserved {
			return utils.NewConfigValidationError(fmt.Sprintf("%s.pass_through", path),
				errors.Errorf("%q is a reserved record key", k))
		}
	}
	return nil
}

// Pattern returns the board geometry described by the config.
func (cfg *Config) Pattern() (Pattern, error) {
	return NewPattern(cfg.PatternSize.Cols, cfg.PatternSize.Rows, cfg.SquareSize)
}

// DetectionConfiguration returns the detector settings for this config.
func (cfg *Config) DetectionConfiguration() chessboard.DetectionConfiguration {
	dc := chessboard.NewDetectionConfiguration(cfg.PatternSize.Cols, cfg.PatternSize.Rows)
	dc.Subpixel.WindowSize = cfg.SubpixelWindow
	dc.Subpixel.MaxIterations = cfg.SubpixelMaxIters
	dc.Subpixel.Epsilon = cfg.SubpixelEpsilon
	return dc
}

// relaxed returns the damping schedule used to retry a diverged refinement: heavier initial
// damping that is released more slowly.
func (cfg *Config) relaxed() Config {
	out := *cfg
	out.LMInitLambda = cfg.LMInitLambda * 1e3
	out.LMLambdaDown = math.Max(math.Sqrt(cfg.LMLambdaDown), 1.5)
	out.LMMaxIters = 2 * cfg.LMMaxIters
	return out
}

// ReadConfig reads a JSON config. Fields missing from the file keep their DefaultConfig value.
func ReadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	passThrough := cfg.PassThrough
	cfg.PassThrough = nil
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "error parsing calibration config")
	}
	if cfg.PassThrough == nil {
		cfg.PassThrough = passThrough
	}
	return cfg, nil
}

// ReadConfigFile reads a JSON config from a file.
func ReadConfigFile(path string) (Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "error opening config file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadConfig(f)
}
