package digitizer

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/adder"
	"gatedigitizer/pkg/blurring"
	"gatedigitizer/pkg/energywindow"
	"gatedigitizer/pkg/hits"
	"gatedigitizer/pkg/projection"
	"gatedigitizer/pkg/readout"
)

// grouper folds hits into singles
type grouper interface {
	hits.HitSink
	Flush() error
	Emitted() int64
	ZeroEnergyGroups() int64
}

// worker owns one instance of every stage of the chain. Stages are wired
// last to first: each constructor reads the downstream sink left in the
// worker and replaces it with its own input.
type worker struct {
	id int
	p  *Pipeline

	collection *hits.Collection
	grouper    grouper
	blur       *blurring.Stage
	windows    *energywindow.Stage
	proj       *projection.Projection

	// downstream sinks while the chain is built
	routed func(channel string, s models.Single) error
	single adder.SingleSink
	hit    hits.HitSink

	singles map[string][]models.Single
	events  int64
}

type constructor func(p *Pipeline, w *worker) error

var constructors = map[Kind]constructor{
	KindHitsCollection: buildCollection,
	KindAdder:          buildAdder,
	KindReadout:        buildReadout,
	KindBlurring:       buildBlurring,
	KindEnergyWindow:   buildEnergyWindow,
	KindProjection:     buildProjection,
}

func (p *Pipeline) newWorker(id int) (*worker, error) {
	w := &worker{
		id:      id,
		p:       p,
		singles: make(map[string][]models.Single, len(p.produced)),
	}
	w.routed = w.record
	for i := len(p.chain) - 1; i >= 0; i-- {
		build, ok := constructors[p.chain[i]]
		if !ok {
			return nil, &models.ConfigurationError{Stage: "digitizer", Param: "stages", Reason: fmt.Sprintf("no constructor for %s", p.chain[i])}
		}
		if err := build(p, w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// record keeps a single in its output collection
func (w *worker) record(channel string, s models.Single) error {
	w.singles[channel] = append(w.singles[channel], s)
	return nil
}

// singleSink returns the singles input of the downstream part of the chain.
// Without a singles stage downstream, singles go out under name.
func (w *worker) singleSink(name string) adder.SingleSink {
	if w.single != nil {
		return w.single
	}
	routed := w.routed
	return adder.SingleSinkFunc(func(s models.Single) error {
		return routed(name, s)
	})
}

func buildProjection(p *Pipeline, w *worker) error {
	proj, err := projection.New(p.projCfg)
	if err != nil {
		return err
	}
	w.proj = proj
	next := w.routed
	w.routed = func(channel string, s models.Single) error {
		if p.inputs[channel] {
			if _, err := proj.Accumulate(channel, p.runIndex(s.GlobalTime), s); err != nil {
				return err
			}
		}
		return next(channel, s)
	}
	return nil
}

func buildEnergyWindow(p *Pipeline, w *worker) error {
	st, err := energywindow.New(p.channels)
	if err != nil {
		return err
	}
	w.windows = st
	next := w.routed
	w.single = adder.SingleSinkFunc(func(s models.Single) error {
		for _, r := range st.Route(s) {
			if err := next(r.Channel, r.Single); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func buildBlurring(p *Pipeline, w *worker) error {
	cfg := p.blurCfg
	// every worker draws from its own stream
	cfg.Seed += uint64(w.id)
	st, err := blurring.New(cfg, w.singleSink(p.blurName()))
	if err != nil {
		return err
	}
	w.blur = st
	w.single = st
	return nil
}

func buildAdder(p *Pipeline, w *worker) error {
	a, err := adder.New(p.adderCfg, w.singleSink(p.adderName()), p.log)
	if err != nil {
		return err
	}
	w.grouper = a
	w.hit = a
	return nil
}

func buildReadout(p *Pipeline, w *worker) error {
	r, err := readout.New(p.readoutCfg, p.resolver, w.singleSink(p.readoutName()), p.log)
	if err != nil {
		return err
	}
	w.grouper = r
	w.hit = r
	return nil
}

func buildCollection(p *Pipeline, w *worker) error {
	hc := p.cfg.HitsCollection
	c := hits.NewCollection(hc.Name, w.hit, p.log)
	c.ConfigureAttributes(hc.Attributes...)
	c.Attach(hc.AttachedVolumes...)
	c.SetSensitive(p.resolver)
	c.Require(hits.PositionAttributes(p.positionMode)...)
	if err := c.SetClearEvery(hc.ClearEvery); err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	w.collection = c
	return nil
}

// run digitizes the event runs sent to this worker, then flushes the chain
func (w *worker) run(ctx context.Context, in <-chan [][]models.HitRecord) error {
	last := int64(-1)
	first := true
	for runs := range in {
		for _, seq := range runs {
			if err := ctx.Err(); err != nil {
				return err
			}
			// the source moved to another event and back: the open group
			// ends here, as it would have with a single worker
			if !first && seq[0].EventID == last {
				if err := w.endGroup(); err != nil {
					return err
				}
			}
			first = false
			last = seq[0].EventID
			w.events++
			for _, h := range seq {
				if err := w.process(h); err != nil {
					return err
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.finish()
}

func (w *worker) endGroup() error {
	if err := w.collection.Flush(); err != nil {
		return err
	}
	return w.grouper.Flush()
}

// process resolves the volume of the hit, converts it to internal units
// and feeds it to the collection
func (w *worker) process(h models.HitRecord) error {
	id, err := w.p.resolver.Resolve(h.Volume)
	if err != nil {
		return fmt.Errorf("event %d: %w", h.EventID, err)
	}
	h.Volume = id
	return w.collection.Ingest(w.p.scale.Hit(h))
}

func (w *worker) finish() error {
	if err := w.collection.Close(); err != nil {
		return err
	}
	return w.grouper.Flush()
}

func (w *worker) addStats(s *RunStats) {
	s.Events += w.events
	_, kept := w.collection.Stats()
	s.HitsKept += kept
	s.ZeroEnergyGroups += w.grouper.ZeroEnergyGroups()
	if w.blur != nil {
		s.Dropped += w.blur.Dropped()
	}
	s.perWorker = append(s.perWorker, float64(w.events))
	s.EventsPerWorkerMean, s.EventsPerWorkerStd = stat.MeanStdDev(s.perWorker, nil)
	if len(s.perWorker) < 2 {
		s.EventsPerWorkerStd = 0
	}
}
