// Package sampler draws decay positions from a voxelized activity image with
// probability proportional to the activity of each voxel.
package sampler

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/imageio"
)

// Sampler draws voxel indices (i, j, k) = (x, y, z)
type Sampler interface {
	SampleIndices(n int) [][3]int
}

// checkActivity rejects negative or non-finite voxels and returns the total
func checkActivity(img *imageio.Image) (float64, error) {
	if img == nil || len(img.Data) == 0 {
		return 0, &models.EmptySourceError{Reason: "no activity image"}
	}
	if len(img.Data) != img.Len() {
		return 0, &models.ConfigurationError{Stage: "voxelized_source", Param: "image", Reason: fmt.Sprintf("%d values for size %v", len(img.Data), img.Size)}
	}
	for idx, v := range img.Data {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &models.ConfigurationError{Stage: "voxelized_source", Param: "image", Reason: fmt.Sprintf("invalid activity %g at voxel %d", v, idx)}
		}
	}
	total := floats.Sum(img.Data)
	if total == 0 {
		return 0, &models.EmptySourceError{Reason: "activity image sums to zero"}
	}
	return total, nil
}

// VoxelizedSource samples with three levels of conditional CDFs: z, then y
// given z, then x given (y, z).
type VoxelizedSource struct {
	img  *imageio.Image
	cdfZ []float64
	cdfY [][]float64
	cdfX [][][]float64
	rng  *rand.Rand
}

// normalize turns a cumulative sum into a CDF ending exactly at 1. Rows with
// no mass are left all zero.
func normalize(cdf []float64) {
	last := cdf[len(cdf)-1]
	if last <= 0 {
		for i := range cdf {
			cdf[i] = 0
		}
		return
	}
	floats.Scale(1/last, cdf)
	cdf[len(cdf)-1] = 1
}

// NewVoxelizedSource builds the CDFs of img
func NewVoxelizedSource(img *imageio.Image, src rand.Source) (*VoxelizedSource, error) {
	total, err := checkActivity(img)
	if err != nil {
		return nil, err
	}
	nx, ny, nz := img.Size[0], img.Size[1], img.Size[2]

	pdf := make([]float64, len(img.Data))
	copy(pdf, img.Data)
	floats.Scale(1/total, pdf)

	s := &VoxelizedSource{
		img:  img,
		cdfZ: make([]float64, nz),
		cdfY: make([][]float64, nz),
		cdfX: make([][][]float64, nz),
		rng:  rand.New(src),
	}

	sliceMass := make([]float64, nz)
	for k := 0; k < nz; k++ {
		rowMass := make([]float64, ny)
		s.cdfX[k] = make([][]float64, ny)
		for j := 0; j < ny; j++ {
			start := k*nx*ny + j*nx
			row := make([]float64, nx)
			floats.CumSum(row, pdf[start:start+nx])
			rowMass[j] = row[nx-1]
			normalize(row)
			s.cdfX[k][j] = row
		}
		s.cdfY[k] = make([]float64, ny)
		floats.CumSum(s.cdfY[k], rowMass)
		sliceMass[k] = s.cdfY[k][ny-1]
		normalize(s.cdfY[k])
	}
	floats.CumSum(s.cdfZ, sliceMass)
	normalize(s.cdfZ)
	return s, nil
}

// search returns the first index whose CDF value exceeds u
func search(cdf []float64, u float64) int {
	i := sort.Search(len(cdf), func(i int) bool { return cdf[i] > u })
	if i >= len(cdf) {
		i = len(cdf) - 1
	}
	return i
}

// Sample draws one voxel index
func (s *VoxelizedSource) Sample() [3]int {
	k := search(s.cdfZ, s.rng.Float64())
	j := search(s.cdfY[k], s.rng.Float64())
	i := search(s.cdfX[k][j], s.rng.Float64())
	return [3]int{i, j, k}
}

// SampleIndices draws n voxel indices
func (s *VoxelizedSource) SampleIndices(n int) [][3]int {
	out := make([][3]int, n)
	for m := range out {
		out[m] = s.Sample()
	}
	return out
}

// SamplePositions draws n positions, uniformly jittered inside the voxels
func (s *VoxelizedSource) SamplePositions(n int) []models.Vec3 {
	out := make([]models.Vec3, n)
	for m := range out {
		idx := s.Sample()
		c := s.img.VoxelCenter(idx[0], idx[1], idx[2])
		out[m] = models.Vec3{
			X: c[0] + (s.rng.Float64()-0.5)*s.img.Spacing[0],
			Y: c[1] + (s.rng.Float64()-0.5)*s.img.Spacing[1],
			Z: c[2] + (s.rng.Float64()-0.5)*s.img.Spacing[2],
		}
	}
	return out
}

// CategoricalSampler draws directly from the flattened pdf
type CategoricalSampler struct {
	size    [3]int
	weights []float64
	w       sampleuv.Weighted
}

// NewCategoricalSampler builds a weighted sampler over every voxel of img
func NewCategoricalSampler(img *imageio.Image, src rand.Source) (*CategoricalSampler, error) {
	if _, err := checkActivity(img); err != nil {
		return nil, err
	}
	weights := append([]float64(nil), img.Data...)
	return &CategoricalSampler{
		size:    img.Size,
		weights: weights,
		w:       sampleuv.NewWeighted(weights, src),
	}, nil
}

// SampleIndices draws n voxel indices, with replacement
func (c *CategoricalSampler) SampleIndices(n int) [][3]int {
	nx, ny := c.size[0], c.size[1]
	out := make([][3]int, 0, n)
	for len(out) < n {
		idx, ok := c.w.Take()
		if !ok {
			break
		}
		// Take removes the item, put it back
		c.w.Reweight(idx, c.weights[idx])
		k := idx / (nx * ny)
		rem := idx % (nx * ny)
		out = append(out, [3]int{rem % nx, rem / nx, k})
	}
	return out
}
