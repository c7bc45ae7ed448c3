// Package visualization renders slices of projection images as grayscale
// previews.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"gatedigitizer/pkg/imageio"
)

// Viewer extracts and saves 2D slices of an image volume
type Viewer struct {
	// img holds the volume, indexed z*width*height + y*width + x
	img *imageio.Image

	// dimensions of the volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer over img. The image is not copied.
func NewViewer(img *imageio.Image) (*Viewer, error) {
	if img == nil || img.Len() == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return &Viewer{
		img:    img,
		width:  img.Size[0],
		height: img.Size[1],
		depth:  img.Size[2],
	}, nil
}

// plane describes the pixels of a slice along one axis
type plane struct {
	w, h  int
	index func(u, v int) int
}

func (v *Viewer) plane(axis string, position int) (plane, error) {
	if position < 0 {
		return plane{}, fmt.Errorf("position must be non-negative")
	}
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return plane{}, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		return plane{w: v.depth, h: v.height, index: func(z, y int) int { return v.img.Index(position, y, z) }}, nil
	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return plane{}, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		return plane{w: v.width, h: v.depth, index: func(x, z int) int { return v.img.Index(x, position, z) }}, nil
	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return plane{}, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		return plane{w: v.width, h: v.height, index: func(x, y int) int { return v.img.Index(x, y, position) }}, nil
	}
	return plane{}, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice along the specified axis. Values are
// scaled so that the maximum of the slice maps to white; an empty slice is
// black.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	pl, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}

	peak := 0.0
	for b := 0; b < pl.h; b++ {
		for a := 0; a < pl.w; a++ {
			peak = math.Max(peak, v.img.Data[pl.index(a, b)])
		}
	}

	img := image.NewGray16(image.Rect(0, 0, pl.w, pl.h))
	if peak <= 0 {
		return img, nil
	}
	for b := 0; b < pl.h; b++ {
		for a := 0; a < pl.w; a++ {
			value := uint16(math.Max(0, math.Min(65535, v.img.Data[pl.index(a, b)]/peak*65535)))
			img.SetGray16(a, b, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a Deflate-compressed TIFF image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence saves every slice along z as prefix_NNN.tif in outputDir
func (v *Viewer) SaveSliceSequence(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.depth; pos++ {
		img, err := v.ExtractSlice("z", pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%03d.tif", prefix, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
