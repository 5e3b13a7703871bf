// Package chessboard finds the inner corners of a planar checkerboard in a grayscale image.
package chessboard

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage"
)

// ErrPatternNotFound is returned when the full checkerboard cannot be located in an image.
var ErrPatternNotFound = errors.New("chessboard pattern not found")

// DetectionConfiguration stores the parameters necessary for chessboard detection in an image.
type DetectionConfiguration struct {
	Cols     int                   `json:"cols"` // inner corners per row
	Rows     int                   `json:"rows"` // inner corners per column
	Saddle   SaddleConfiguration   `json:"saddle"`
	Grid     GridConfiguration     `json:"grid"`
	Subpixel SubpixelConfiguration `json:"subpixel"`
}

// NewDetectionConfiguration returns the default configuration for a cols x rows inner corner pattern.
func NewDetectionConfiguration(cols, rows int) DetectionConfiguration {
	return DetectionConfiguration{
		Cols:     cols,
		Rows:     rows,
		Saddle:   DefaultSaddleConf,
		Grid:     DefaultGridConf,
		Subpixel: DefaultSubpixelConf,
	}
}

// CheckValid checks every part of the configuration.
func (cfg *DetectionConfiguration) CheckValid() error {
	if cfg.Cols < 2 || cfg.Rows < 2 {
		return errors.Errorf("pattern must have at least 2x2 inner corners, got %dx%d", cfg.Cols, cfg.Rows)
	}
	if err := cfg.Saddle.CheckValid(); err != nil {
		return errors.Wrap(err, "saddle")
	}
	if err := cfg.Grid.CheckValid(); err != nil {
		return errors.Wrap(err, "grid")
	}
	return errors.Wrap(cfg.Subpixel.CheckValid(), "subpixel")
}

// Detector finds chessboards with a fixed configuration.
type Detector struct {
	cfg    DetectionConfiguration
	logger logging.Logger
}

// NewDetector validates the configuration and returns a detector.
func NewDetector(cfg DetectionConfiguration, logger logging.Logger) (*Detector, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, logger: logger}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() DetectionConfiguration {
	return d.cfg
}

// detectCoarse returns the pixel-level corner grid, in canonical order, without refinement.
func (d *Detector) detectCoarse(im *mat.Dense) (*ChessGrid, error) {
	_, saddlePoints, err := GetSaddleMapPoints(im, &d.cfg.Saddle)
	if err != nil {
		return nil, err
	}
	d.logger.Debugw("saddle points", "count", len(saddlePoints))
	grid, err := fitGrid(saddlePoints, d.cfg.Cols, d.cfg.Rows, &d.cfg.Grid)
	if err != nil {
		d.logger.Debugw("grid assembly failed", "error", err)
		return nil, errors.Wrap(ErrPatternNotFound, err.Error())
	}
	grid.Grid = canonicalOrder(grid.Grid, d.cfg.Cols, d.cfg.Rows)
	return grid, nil
}

// Detect returns the Rows x Cols inner corners in row-major order with subpixel accuracy, or an
// error wrapping ErrPatternNotFound. A partial result is never returned.
func (d *Detector) Detect(ctx context.Context, img *image.Gray) ([]r2.Point, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.Wrap(ErrPatternNotFound, "empty image")
	}
	im := rimage.GrayToFloat64(img)
	grid, err := d.detectCoarse(im)
	if err != nil {
		return nil, err
	}
	corners, err := RefineCorners(ctx, im, grid.Grid, d.cfg.Subpixel)
	if err != nil {
		return nil, err
	}
	return corners, nil
}

// FindChessboard finds the chessboard corners in a grayscale image with the given configuration.
func FindChessboard(img *image.Gray, cfg DetectionConfiguration) ([]r2.Point, error) {
	d, err := NewDetector(cfg, logging.Global().Sublogger("chessboard"))
	if err != nil {
		return nil, err
	}
	return d.Detect(context.Background(), img)
}
