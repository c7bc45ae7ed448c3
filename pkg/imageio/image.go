// Package imageio holds the 3D image type shared by the projection and the
// voxelized source, and reads and writes it as MetaImage (MHD header plus a
// raw or zlib compressed raster).
package imageio

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Image is a 3D raster stored x fastest, then y, then z.
// Origin is the physical position of the center of voxel (0, 0, 0).
type Image struct {
	Size    [3]int
	Spacing [3]float64
	Origin  [3]float64
	Data    []float64
}

// New allocates a zero image
func New(size [3]int, spacing, origin [3]float64) (*Image, error) {
	for i, n := range size {
		if n <= 0 {
			return nil, fmt.Errorf("image size must be positive, got %d along axis %d", n, i)
		}
		if spacing[i] <= 0 {
			return nil, fmt.Errorf("image spacing must be positive, got %g along axis %d", spacing[i], i)
		}
	}
	return &Image{
		Size:    size,
		Spacing: spacing,
		Origin:  origin,
		Data:    make([]float64, size[0]*size[1]*size[2]),
	}, nil
}

// Len returns the number of voxels
func (img *Image) Len() int {
	return img.Size[0] * img.Size[1] * img.Size[2]
}

// Index returns the flat index of voxel (i, j, k)
func (img *Image) Index(i, j, k int) int {
	return k*img.Size[0]*img.Size[1] + j*img.Size[0] + i
}

// Contains reports whether (i, j, k) is inside the image
func (img *Image) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < img.Size[0] && j < img.Size[1] && k < img.Size[2]
}

// At returns the value of voxel (i, j, k)
func (img *Image) At(i, j, k int) float64 {
	return img.Data[img.Index(i, j, k)]
}

// Set sets the value of voxel (i, j, k)
func (img *Image) Set(i, j, k int, v float64) {
	img.Data[img.Index(i, j, k)] = v
}

// VoxelCenter returns the physical position of the center of voxel (i, j, k)
func (img *Image) VoxelCenter(i, j, k int) [3]float64 {
	return [3]float64{
		img.Origin[0] + float64(i)*img.Spacing[0],
		img.Origin[1] + float64(j)*img.Spacing[1],
		img.Origin[2] + float64(k)*img.Spacing[2],
	}
}

// Clone returns a deep copy
func (img *Image) Clone() *Image {
	c := *img
	c.Data = append([]float64(nil), img.Data...)
	return &c
}

// Sum returns the total of all voxels
func (img *Image) Sum() float64 {
	return floats.Sum(img.Data)
}

// SliceSum returns the total of slice k
func (img *Image) SliceSum(k int) float64 {
	n := img.Size[0] * img.Size[1]
	return floats.Sum(img.Data[k*n : (k+1)*n])
}

// SameGeometry reports whether two images share size, spacing and origin
func (img *Image) SameGeometry(o *Image) bool {
	return img.Size == o.Size && img.Spacing == o.Spacing && img.Origin == o.Origin
}

// AddImage adds o to img element-wise
func (img *Image) AddImage(o *Image) error {
	if img.Size != o.Size {
		return fmt.Errorf("image sizes differ: %v vs %v", img.Size, o.Size)
	}
	floats.Add(img.Data, o.Data)
	return nil
}
