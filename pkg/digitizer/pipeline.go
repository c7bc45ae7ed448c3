// Package digitizer assembles the configured stages into a chain and runs
// it over a hit source.
//
// The run follows these steps:
// 1. Validating the configuration and building one chain per worker
// 2. Dispatching whole events from the source to the workers
// 3. Folding hits into singles, routing them and accumulating projections
// 4. Merging the per-worker projections and singles
//
// Each worker owns its own stage instances, so no stage state is shared
// between goroutines. The geometry table is frozen before the run and is
// only read.
package digitizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/adder"
	"gatedigitizer/pkg/blurring"
	"gatedigitizer/pkg/config"
	"gatedigitizer/pkg/hits"
	"gatedigitizer/pkg/logging"
	"gatedigitizer/pkg/projection"
	"gatedigitizer/pkg/readout"
	"gatedigitizer/pkg/volume"
)

// Pipeline is a validated digitizer chain. It can run any number of times;
// each Run builds fresh stage instances.
type Pipeline struct {
	cfg      *config.Config
	resolver *volume.Resolver
	chain    []Kind
	scale    config.Scale
	log      logging.Logger

	numWorkers int
	runStarts  []float64

	positionMode models.PositionMode
	adderCfg     adder.Config
	readoutCfg   readout.Config
	blurCfg      blurring.Config
	channels     []models.Channel
	projCfg      projection.Config

	// produced lists the channels reaching the end of the chain, in order
	produced []string
	inputs   map[string]bool
}

// NewPipeline validates the configuration against the geometry and prepares
// the stage parameters in internal units. A nil resolver is built from the
// geometry section of the configuration.
func NewPipeline(cfg *config.Config, resolver *volume.Resolver, log logging.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chain, err := ParseChain(cfg.Stages)
	if err != nil {
		return nil, err
	}
	scale, err := cfg.Units.Factors()
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		if resolver, err = BuildResolver(cfg); err != nil {
			return nil, err
		}
	}
	resolver.Freeze()

	p := &Pipeline{
		cfg:        cfg,
		resolver:   resolver,
		chain:      chain,
		scale:      scale,
		log:        logging.OrDiscard(log),
		numWorkers: cfg.Processing.NumWorkers,
		inputs:     make(map[string]bool),
	}
	for _, t := range cfg.Processing.RunBoundaries {
		p.runStarts = append(p.runStarts, t*scale.Time)
	}

	for _, v := range cfg.HitsCollection.AttachedVolumes {
		if !resolver.Has(v) {
			return nil, &models.UnknownVolumeError{Name: v}
		}
	}
	if err := p.prepareGrouping(); err != nil {
		return nil, err
	}
	if err := p.prepareSingles(); err != nil {
		return nil, err
	}
	if err := p.prepareProjection(); err != nil {
		return nil, err
	}

	// build one chain up front so stage errors surface before the run
	if _, err := p.newWorker(0); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) has(k Kind) bool {
	return indexOf(p.chain, k) >= 0
}

func (p *Pipeline) prepareGrouping() error {
	a := p.cfg.Adder
	var err error
	if p.positionMode, err = models.ParsePositionMode(a.PositionMode); err != nil {
		return err
	}
	policy, err := adder.ParsePolicy(a.Policy)
	if err != nil {
		return err
	}
	timePolicy, err := adder.ParseTimePolicy(a.TimePolicy)
	if err != nil {
		return err
	}

	depth := a.GroupByDepth
	if a.GroupByVolume != "" {
		if depth, err = p.resolver.DepthOf(a.GroupByVolume); err != nil {
			return err
		}
	}
	p.adderCfg = adder.Config{
		Name:           a.Name,
		GroupByDepth:   depth,
		Policy:         policy,
		TimePolicy:     timePolicy,
		PositionMode:   p.positionMode,
		TimeDifference: a.TimeDifference,
		NumberOfHits:   a.NumberOfHits,
		TimeWindow:     a.TimeWindow * p.scale.Time,
	}
	p.readoutCfg = readout.Config{
		Name:             p.cfg.Readout.Name,
		DiscretizeVolume: p.cfg.Readout.DiscretizeVolume,
		GroupVolume:      p.cfg.Readout.GroupVolume,
		Policy:           policy,
		TimePolicy:       timePolicy,
		PositionMode:     p.positionMode,
		TimeDifference:   a.TimeDifference,
		NumberOfHits:     a.NumberOfHits,
		TimeWindow:       p.adderCfg.TimeWindow,
	}
	return nil
}

func (p *Pipeline) prepareSingles() error {
	b := p.cfg.Blurring
	p.blurCfg = blurring.Config{
		Name:       b.Name,
		TimeFWHM:   b.TimeFWHM * p.scale.Time,
		Efficiency: b.Efficiency,
		Seed:       p.cfg.Processing.Seed,
	}
	if b.EnergyFWHM > 0 || b.Resolution > 0 {
		method, err := blurring.ParseMethod(b.EnergyMethod)
		if err != nil {
			return err
		}
		p.blurCfg.Energy = &blurring.EnergyConfig{
			Method:          method,
			FWHM:            b.EnergyFWHM * p.scale.Energy,
			Resolution:      b.Resolution,
			ReferenceEnergy: b.ReferenceEnergy * p.scale.Energy,
			Slope:           b.Slope / p.scale.Energy,
		}
	}

	for _, ch := range p.cfg.EnergyWindows.Channels {
		ch.Min *= p.scale.Energy
		ch.Max *= p.scale.Energy
		p.channels = append(p.channels, ch)
	}

	// singles that skip the energy windows keep the name of the last
	// stage that produced them
	switch {
	case p.has(KindEnergyWindow):
		for _, ch := range p.channels {
			p.produced = append(p.produced, ch.Name)
		}
	case p.has(KindBlurring):
		p.produced = []string{p.blurName()}
	case p.has(KindReadout):
		p.produced = []string{p.readoutName()}
	default:
		p.produced = []string{p.adderName()}
	}
	return nil
}

func (p *Pipeline) prepareProjection() error {
	if !p.has(KindProjection) {
		return nil
	}
	c := p.cfg.Projection
	axis, err := projection.ParseAxis(c.NormalAxis)
	if err != nil {
		return err
	}
	p.projCfg = projection.Config{
		Name:             c.Name,
		Size:             c.Size,
		Spacing:          [2]float64{c.Spacing[0] * p.scale.Length, c.Spacing[1] * p.scale.Length},
		InputCollections: c.InputCollections,
		NumRuns:          max(1, len(p.runStarts)),
		Weighted:         c.Weighted,
		NormalAxis:       axis,
	}
	if len(c.Origin) == 2 {
		p.projCfg.Origin = &[2]float64{c.Origin[0] * p.scale.Length, c.Origin[1] * p.scale.Length}
	}
	if c.Volume != "" {
		if p.projCfg.Frame, err = p.resolver.FrameOf(c.Volume); err != nil {
			return err
		}
	}

	produced := make(map[string]bool, len(p.produced))
	for _, n := range p.produced {
		produced[n] = true
	}
	for _, n := range c.InputCollections {
		if !produced[n] {
			return &models.ConfigurationError{
				Stage:  c.Name,
				Param:  "input_collections",
				Reason: fmt.Sprintf("collection %q is not produced by the chain (have %v)", n, p.produced),
			}
		}
		p.inputs[n] = true
	}
	return nil
}

func (p *Pipeline) adderName() string {
	if p.adderCfg.Name == "" {
		return "adder"
	}
	return p.adderCfg.Name
}

func (p *Pipeline) readoutName() string {
	if p.readoutCfg.Name == "" {
		return "readout"
	}
	return p.readoutCfg.Name
}

func (p *Pipeline) blurName() string {
	if p.blurCfg.Name == "" {
		return "blurring"
	}
	return p.blurCfg.Name
}

// Channels returns the names of the singles collections produced by a run
func (p *Pipeline) Channels() []string {
	return append([]string(nil), p.produced...)
}

// Chain returns the stage kinds, first to last
func (p *Pipeline) Chain() []Kind {
	return append([]Kind(nil), p.chain...)
}

// runIndex returns the timing run a time belongs to. Times before the
// first start belong to run 0.
func (p *Pipeline) runIndex(t float64) int {
	i := sort.Search(len(p.runStarts), func(i int) bool { return p.runStarts[i] > t }) - 1
	if i < 0 {
		return 0
	}
	return i
}

// partition splits a batch into runs of consecutive hits of one event and
// deals the runs to the workers by event. Every run is one group boundary,
// so an event whose hits are interleaved with another event's is folded the
// same way for any number of workers.
func partition(batch []models.HitRecord, n int) [][][]models.HitRecord {
	parts := make([][][]models.HitRecord, n)
	for start := 0; start < len(batch); {
		end := start + 1
		for end < len(batch) && batch[end].EventID == batch[start].EventID {
			end++
		}
		i := int(uint64(batch[start].EventID) % uint64(n))
		parts[i] = append(parts[i], batch[start:end])
		start = end
	}
	return parts
}

// Run digitizes every hit of the source. The first stage error aborts the
// run and is returned; cancelling ctx stops the run between events.
func (p *Pipeline) Run(ctx context.Context, src hits.Source) (*Result, error) {
	start := time.Now()

	// Step 1: Build one chain per worker
	p.log.Infof("Step 1: Building %d digitizer chains %v...", p.numWorkers, p.chain)
	workers := make([]*worker, p.numWorkers)
	inputs := make([]chan [][]models.HitRecord, p.numWorkers)
	for i := range workers {
		w, err := p.newWorker(i)
		if err != nil {
			return nil, fmt.Errorf("failed to build worker %d: %w", i, err)
		}
		workers[i] = w
		inputs[i] = make(chan [][]models.HitRecord, 4)
	}

	// Step 2: Dispatch events and digitize them in parallel
	p.log.Infof("Step 2: Digitizing hits...")
	g, gctx := errgroup.WithContext(ctx)
	var read int64
	g.Go(func() error {
		defer func() {
			for _, in := range inputs {
				close(in)
			}
		}()
		for {
			batch, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read hits: %w", err)
			}
			read += int64(len(batch))
			for i, part := range partition(batch, p.numWorkers) {
				if len(part) == 0 {
					continue
				}
				select {
				case inputs[i] <- part:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			return w.run(gctx, inputs[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// errgroup cancels gctx when it returns, the caller's context tells
	// whether the run was interrupted
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: Merge the worker results
	p.log.Infof("Step 3: Merging results of %d workers...", len(workers))
	res, err := p.merge(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to merge results: %w", err)
	}
	res.Stats.HitsRead = read
	res.Stats.Duration = time.Since(start)

	p.logStats(&res.Stats)
	return res, nil
}

func (p *Pipeline) merge(workers []*worker) (*Result, error) {
	res := &Result{
		Channels: p.Channels(),
		Singles:  make(map[string][]models.Single, len(p.produced)),
		Stats: RunStats{
			Workers:    len(workers),
			Singles:    make(map[string]int64),
			EnergyMean: make(map[string]float64),
			EnergyStd:  make(map[string]float64),
		},
	}

	var proj *projection.Projection
	for _, w := range workers {
		for ch, s := range w.singles {
			res.Singles[ch] = append(res.Singles[ch], s...)
		}
		w.addStats(&res.Stats)
		if w.proj == nil {
			continue
		}
		if proj == nil {
			proj = w.proj
			continue
		}
		if err := proj.Merge(w.proj); err != nil {
			return nil, err
		}
	}

	// each event was handled by one worker, so a stable sort on the event
	// keeps the emission order inside an event
	for ch, s := range res.Singles {
		sort.SliceStable(s, func(i, j int) bool { return s[i].EventID < s[j].EventID })
		res.Stats.Singles[ch] = int64(len(s))

		energies := make([]float64, len(s))
		for i := range s {
			energies[i] = s[i].Energy
		}
		res.Stats.EnergyMean[ch] = stat.Mean(energies, nil)
		if len(energies) > 1 {
			res.Stats.EnergyStd[ch] = stat.StdDev(energies, nil)
		}
	}

	if proj != nil {
		res.Projection = proj.Finalize()
		res.Slices = make([]SliceInfo, proj.NumSlices())
		for _, c := range p.projCfg.InputCollections {
			for run := 0; run < p.projCfg.NumRuns; run++ {
				k, _ := proj.SliceIndex(c, run)
				accepted, dropped := proj.Counts(k)
				res.Slices[k] = SliceInfo{Collection: c, Run: run, Total: proj.Total(k), Accepted: accepted, Dropped: dropped}
				res.Stats.OffDetector += dropped
			}
		}
	}
	return res, nil
}

func (p *Pipeline) logStats(s *RunStats) {
	p.log.Infof("Processed %s hits (%s kept) of %s events in %v",
		humanize.Comma(s.HitsRead), humanize.Comma(s.HitsKept), humanize.Comma(s.Events), s.Duration)
	p.log.Infof("Events per worker: %.1f +/- %.1f", s.EventsPerWorkerMean, s.EventsPerWorkerStd)
	for _, ch := range p.produced {
		p.log.Infof("Channel %s: %s singles, energy %.4f +/- %.4f MeV",
			ch, humanize.Comma(s.Singles[ch]), s.EnergyMean[ch], s.EnergyStd[ch])
	}
	if s.ZeroEnergyGroups > 0 {
		p.log.Warningf("%s groups had zero total energy", humanize.Comma(s.ZeroEnergyGroups))
	}
	if s.Dropped > 0 {
		p.log.Infof("%s singles lost to the detection efficiency", humanize.Comma(s.Dropped))
	}
	if s.OffDetector > 0 {
		p.log.Infof("%s singles fell outside the projection", humanize.Comma(s.OffDetector))
	}
}

// Digitize builds the geometry and pipeline from cfg and runs it over src
func Digitize(ctx context.Context, cfg *config.Config, src hits.Source, log logging.Logger) (*Result, error) {
	p, err := NewPipeline(cfg, nil, log)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, src)
}
