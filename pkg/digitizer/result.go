package digitizer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/config"
	"gatedigitizer/pkg/imageio"
	"gatedigitizer/pkg/logging"
	"gatedigitizer/pkg/singles"
	"gatedigitizer/pkg/visualization"
)

// SliceInfo describes one slice of the projection image
type SliceInfo struct {
	Collection string
	Run        int

	// Total is the accumulated count or weight
	Total float64

	// Accepted and Dropped count singles on and outside the detector plane
	Accepted int64
	Dropped  int64
}

// RunStats summarizes a run
type RunStats struct {
	Workers int

	// Events counts runs of consecutive hits of one event in the source
	Events   int64
	HitsRead int64
	HitsKept int64

	// Singles counts the singles of every output collection
	Singles map[string]int64

	// EnergyMean and EnergyStd describe the spectrum of every collection
	EnergyMean map[string]float64
	EnergyStd  map[string]float64

	ZeroEnergyGroups int64
	Dropped          int64
	OffDetector      int64

	// EventsPerWorkerMean and EventsPerWorkerStd describe the load balance
	EventsPerWorkerMean float64
	EventsPerWorkerStd  float64

	Duration time.Duration

	perWorker []float64
}

// Result holds the output of a run
type Result struct {
	// Channels lists the output collections in configuration order
	Channels []string

	// Singles of every collection, sorted by event
	Singles map[string][]models.Single

	// Projection is the finalized image, nil without a projection stage
	Projection *imageio.Image
	Slices     []SliceInfo

	Stats RunStats
}

// Save writes the projection image, the singles table and the optional
// slice previews to the output directory
func (r *Result) Save(out config.OutputConfig, log logging.Logger) error {
	log = logging.OrDiscard(log)
	if err := os.MkdirAll(out.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if r.Projection != nil && out.ProjectionFile != "" {
		path := filepath.Join(out.Directory, out.ProjectionFile)
		log.Infof("Saving projection to %s...", path)
		opts := imageio.WriteOptions{ElementType: imageio.ElementType(out.ElementType), Compress: out.Compress}
		if err := imageio.WriteMHD(path, r.Projection, opts); err != nil {
			return fmt.Errorf("failed to save projection: %w", err)
		}
	}

	if out.SinglesFile != "" {
		path := filepath.Join(out.Directory, out.SinglesFile)
		log.Infof("Saving singles to %s...", path)
		if err := r.writeSingles(path); err != nil {
			return fmt.Errorf("failed to save singles: %w", err)
		}
	}

	if out.SavePreviews && r.Projection != nil {
		dir := filepath.Join(out.Directory, "previews")
		log.Infof("Saving %d slice previews to %s...", r.Projection.Size[2], dir)
		viewer, err := visualization.NewViewer(r.Projection)
		if err != nil {
			return fmt.Errorf("failed to create viewer: %w", err)
		}
		if err := viewer.SaveSliceSequence(dir, "slice"); err != nil {
			// previews are not part of the result
			log.Warningf("Failed to save previews: %v", err)
		}
	}
	return nil
}

func (r *Result) writeSingles(path string) error {
	w, err := singles.Create(path, 0)
	if err != nil {
		return err
	}
	for _, ch := range r.Channels {
		for _, s := range r.Singles[ch] {
			if err := w.Write(ch, s); err != nil {
				w.Close()
				return err
			}
		}
	}
	return w.Close()
}
