package visualization

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"

	"gatedigitizer/pkg/imageio"
)

func testVolume(t *testing.T, width, height, depth int) *imageio.Image {
	t.Helper()
	img, err := imageio.New([3]int{width, height, depth}, [3]float64{1, 1, 1}, [3]float64{})
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	return img
}

// TestNewViewer verifies the dimensions are taken from the image
func TestNewViewer(t *testing.T) {
	viewer, err := NewViewer(testVolume(t, 10, 8, 5))
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}
	if viewer.width != 10 || viewer.height != 8 || viewer.depth != 5 {
		t.Errorf("Unexpected dimensions %dx%dx%d", viewer.width, viewer.height, viewer.depth)
	}

	if _, err := NewViewer(nil); err == nil {
		t.Error("Expected error for a nil image, got nil")
	}
}

// TestExtractSlice verifies dimensions and per-slice normalization
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 3
	img := testVolume(t, width, height, depth)

	// slice 1 has one hot pixel at twice the level of the rest
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, 1, 5)
		}
	}
	img.Set(2, 3, 1, 10)
	img.Set(0, 0, 2, 0.25)

	viewer, err := NewViewer(img)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	gray, err := viewer.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("Failed to extract Z slice: %v", err)
	}
	if b := gray.Bounds(); b.Dx() != width || b.Dy() != height {
		t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", width, height, b.Dx(), b.Dy())
	}
	if v := gray.Gray16At(2, 3).Y; v != 65535 {
		t.Errorf("Expected the maximum to be white, got %d", v)
	}
	if v := gray.Gray16At(5, 5).Y; v < 32766 || v > 32768 {
		t.Errorf("Expected mid gray, got %d", v)
	}

	// the maximum of slice 2 is 0.25, a volume-wide scale would make it dark
	gray, _ = viewer.ExtractSlice("z", 2)
	if v := gray.Gray16At(0, 0).Y; v != 65535 {
		t.Errorf("Expected the slice maximum to be white, got %d", v)
	}

	gray, _ = viewer.ExtractSlice("z", 0)
	if v := gray.Gray16At(0, 0).Y; v != 0 {
		t.Errorf("Expected an empty slice to be black, got %d", v)
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestSaveSliceSequence verifies that one TIFF per slice is written and decodes
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	width, height, depth := 5, 4, 3
	img := testVolume(t, width, height, depth)
	for i := range img.Data {
		img.Data[i] = float64(i % 7)
	}
	viewer, err := NewViewer(img)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence(outputDir, "slice"); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.tif", z))
		f, err := os.Open(filename)
		if err != nil {
			t.Fatalf("Expected slice file %s: %v", filename, err)
		}
		decoded, err := tiff.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", filename, err)
		}
		if b := decoded.Bounds(); b.Dx() != width || b.Dy() != height {
			t.Errorf("%s: expected %dx%d, got %dx%d", filename, width, height, b.Dx(), b.Dy())
		}
	}
}
