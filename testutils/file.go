package testutils

import (
	"fmt"
	"image"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"
)

// WriteImages saves the images as numbered png files in dir and returns their paths.
func WriteImages(t *testing.T, dir string, imgs []image.Image) []string {
	t.Helper()
	paths := make([]string, 0, len(imgs))
	for i, img := range imgs {
		path := filepath.Join(dir, fmt.Sprintf("view_%02d.png", i))
		test.That(t, imaging.Save(img, path), test.ShouldBeNil)
		paths = append(paths, path)
	}
	return paths
}
