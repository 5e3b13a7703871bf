package utils

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"go.viam.com/camcal/logging"
)

const (
	// ImageTopicEnvVar overrides the image topic identifier copied into calibration records.
	ImageTopicEnvVar = "CAMCAL_IMAGE_TOPIC"
	// PoseTopicEnvVar overrides the pose topic identifier copied into calibration records.
	PoseTopicEnvVar = "CAMCAL_POSE_TOPIC"
)

// LoadDotEnv loads the given .env files into the process environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(logger logging.Logger, paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				logger.Debugw("no env file", "path", path)
				continue
			}
			return errors.Wrapf(err, "cannot stat env file %q", path)
		}
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "cannot load env file %q", path)
		}
		logger.Debugw("loaded env file", "path", path)
	}
	return nil
}

// EnvOrDefault returns the named environment variable, or def if it is unset or empty.
func EnvOrDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
