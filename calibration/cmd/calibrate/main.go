// Package main is a command that calibrates a camera from images of a checkerboard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	// image formats beyond the standard library.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"go.viam.com/camcal/calibration"
	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage"
	"go.viam.com/camcal/rimage/detection/chessboard"
	"go.viam.com/camcal/utils"
)

const (
	// Flags.
	flagConfig     = "config"
	flagOutput     = "output"
	flagImages     = "images"
	flagCols       = "cols"
	flagRows       = "rows"
	flagSquare     = "square"
	flagWorkers    = "workers"
	flagExtrinsics = "extrinsics"
	flagDebugDir   = "debug-dir"
	flagEnvFile    = "env-file"
	flagImageTopic = "image-topic"
	flagPoseTopic  = "pose-topic"
	flagDebug      = "debug"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.NewLogger("calibrate").Error(err)
		os.Exit(1)
	}
}

func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load calibration settings from JSON `FILE`",
		},
		&cli.StringFlag{
			Name:    flagOutput,
			Aliases: []string{"o"},
			Value:   "calibration.json",
			Usage:   "write the calibration record to `FILE`",
		},
		&cli.StringFlag{
			Name:  flagImages,
			Usage: "calibrate from every image in `DIR` in addition to the arguments",
		},
		&cli.IntFlag{Name: flagCols, Usage: "inner corners per pattern row"},
		&cli.IntFlag{Name: flagRows, Usage: "inner corners per pattern column"},
		&cli.Float64Flag{Name: flagSquare, Usage: "square edge length in world units"},
		&cli.IntFlag{Name: flagWorkers, Usage: "parallel workers, 0 for one per CPU"},
		&cli.BoolFlag{Name: flagExtrinsics, Usage: "include per view poses in the record"},
		&cli.StringFlag{
			Name:  flagDebugDir,
			Usage: "save detected corners drawn over each image to `DIR`",
		},
		&cli.StringFlag{
			Name:  flagEnvFile,
			Value: ".env",
			Usage: "load environment variables from `FILE` if it exists",
		},
		&cli.StringFlag{
			Name:  flagImageTopic,
			Usage: "image topic recorded with the calibration, overrides " + utils.ImageTopicEnvVar,
		},
		&cli.StringFlag{
			Name:  flagPoseTopic,
			Usage: "pose topic recorded with the calibration, overrides " + utils.PoseTopicEnvVar,
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	}
}

func newApp() *cli.App {
	var logger logging.Logger
	return &cli.App{
		Name:      "calibrate",
		Usage:     "estimate camera intrinsics and lens distortion from checkerboard images",
		ArgsUsage: "[image ...]",
		Flags:     appFlags(),
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("calibrate")
			} else {
				logger = logging.NewLogger("calibrate")
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return calibrate(c, logger)
		},
	}
}

// buildConfig layers the flags over the config file, or over the defaults when there is none.
// Topics come from the flags, then the environment, then the config.
func buildConfig(c *cli.Context, logger logging.Logger) (calibration.Config, error) {
	cfg := calibration.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = calibration.ReadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if c.IsSet(flagCols) {
		cfg.PatternSize.Cols = c.Int(flagCols)
	}
	if c.IsSet(flagRows) {
		cfg.PatternSize.Rows = c.Int(flagRows)
	}
	if c.IsSet(flagSquare) {
		cfg.SquareSize = c.Float64(flagSquare)
	}
	if c.IsSet(flagWorkers) {
		cfg.Workers = c.Int(flagWorkers)
	}
	if c.IsSet(flagExtrinsics) {
		cfg.IncludeExtrinsics = c.Bool(flagExtrinsics)
	}

	if err := utils.LoadDotEnv(logger, c.String(flagEnvFile)); err != nil {
		return cfg, err
	}
	if cfg.PassThrough == nil {
		cfg.PassThrough = map[string]string{}
	}
	for _, topic := range []struct{ flag, env, key string }{
		{flagImageTopic, utils.ImageTopicEnvVar, calibration.ImageTopicKey},
		{flagPoseTopic, utils.PoseTopicEnvVar, calibration.PoseTopicKey},
	} {
		val := c.String(topic.flag)
		if val == "" {
			val = utils.EnvOrDefault(topic.env, cfg.PassThrough[topic.key])
		}
		if val != "" {
			cfg.PassThrough[topic.key] = val
		}
	}
	return cfg, cfg.Validate("calibration")
}

// imagePaths lists the positional arguments followed by the images in dir, sorted by name.
func imagePaths(args []string, dir string) ([]string, error) {
	paths := append([]string(nil), args...)
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrap(err, "cannot list images")
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			found = append(found, filepath.Join(dir, e.Name()))
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, errors.New("no images given")
	}
	return paths, nil
}

// loadImages decodes every path. Unreadable files are logged and left nil so they are counted
// as rejected views.
func loadImages(paths []string, logger logging.Logger) ([]image.Image, []string) {
	images := make([]image.Image, len(paths))
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
		img, err := imaging.Open(p)
		if err != nil {
			logger.Warnw("cannot read image", "path", p, "error", err)
			continue
		}
		images[i] = img
	}
	return images, names
}

func writeOverlays(dir string, images []image.Image, views []*calibration.ObservedView, names []string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	var errs error
	for i, v := range views {
		if v == nil {
			continue
		}
		base := strings.TrimSuffix(names[i], filepath.Ext(names[i]))
		out := filepath.Join(dir, fmt.Sprintf("%03d_%s_corners.png", i, base))
		errs = multierr.Append(errs, chessboard.PlotCorners(rimage.GrayToFloat64(rimage.ToGray(images[i])), v.Points, out))
	}
	return errs
}

func writeRecord(path string, rec *calibration.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	//nolint:gosec
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func printSummary(w io.Writer, summary *calibration.Summary, rec *calibration.Record) {
	fmt.Fprintf(w, "views: %d accepted, %d rejected\n", summary.Accepted, summary.Rejected)
	for _, v := range summary.Views {
		if v.Err != nil {
			fmt.Fprintf(w, "  %s: %v\n", v.Name, v.Err)
		}
	}
	if rec == nil {
		return
	}
	intr, dist := rec.Intrinsics(), rec.Distortion()
	fmt.Fprintf(w, "fx=%.4f fy=%.4f cx=%.4f cy=%.4f\n", intr.Fx, intr.Fy, intr.Ppx, intr.Ppy)
	fmt.Fprintf(w, "k1=%.6f k2=%.6f k3=%.6f p1=%.6f p2=%.6f\n",
		dist.RadialK1, dist.RadialK2, dist.RadialK3, dist.TangentialP1, dist.TangentialP2)
	fmt.Fprintf(w, "rms=%.4f px after %d iterations\n", rec.RMS(), rec.Iterations())
	for _, warning := range rec.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func calibrate(c *cli.Context, logger logging.Logger) error {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := buildConfig(c, logger)
	if err != nil {
		return err
	}
	paths, err := imagePaths(c.Args().Slice(), c.String(flagImages))
	if err != nil {
		return err
	}
	images, names := loadImages(paths, logger)

	views, failures, err := calibration.DetectViews(ctx, images, names, cfg, logger)
	if err != nil {
		return err
	}
	if dir := c.String(flagDebugDir); dir != "" {
		if err := writeOverlays(dir, images, views, names); err != nil {
			logger.Warnw("cannot write corner overlays", "error", err)
		}
	}

	rec, summary, err := calibration.CalibrateDetected(ctx, views, failures, names, cfg, logger)
	if summary != nil {
		printSummary(c.App.Writer, summary, rec)
	}
	if err != nil {
		return errors.Wrap(err, "calibration failed")
	}
	if err := writeRecord(c.String(flagOutput), rec); err != nil {
		return errors.Wrap(err, "cannot write calibration record")
	}
	logger.Infow("wrote calibration", "path", c.String(flagOutput))
	return nil
}
