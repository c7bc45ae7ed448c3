// Package hits provides the hit stream sources and the HitsCollection stage,
// which restricts the raw stream to the attached volumes and retains the
// configured attributes before handing hits to the adder.
package hits

import (
	"fmt"
	"sort"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/logging"
)

// Attribute names recognised by ConfigureAttributes
const (
	AttrEventID       = "EventID"
	AttrTrackID       = "TrackID"
	AttrParentID      = "ParentID"
	AttrParticleName  = "ParticleName"
	AttrPrePosition   = "PrePosition"
	AttrPostPosition  = "PostPosition"
	AttrEnergyDeposit = "EnergyDeposit"
	AttrKineticEnergy = "KineticEnergy"
	AttrGlobalTime    = "GlobalTime"
	AttrVolumeID      = "VolumeID"
)

var knownAttributes = map[string]bool{
	AttrEventID: true, AttrTrackID: true, AttrParentID: true, AttrParticleName: true,
	AttrPrePosition: true, AttrPostPosition: true, AttrEnergyDeposit: true,
	AttrKineticEnergy: true, AttrGlobalTime: true, AttrVolumeID: true,
}

// requiredAttributes are always kept since the aggregation depends on them
var requiredAttributes = []string{AttrEventID, AttrVolumeID, AttrEnergyDeposit, AttrGlobalTime}

// HitSink receives hits in arrival order
type HitSink interface {
	Add(h models.HitRecord) error
}

// HitSinkFunc adapts a function to a HitSink
type HitSinkFunc func(h models.HitRecord) error

// Add calls f(h)
func (f HitSinkFunc) Add(h models.HitRecord) error { return f(h) }

// SensitiveChecker reports which volumes produce hits
type SensitiveChecker interface {
	IsSensitive(name string) bool
	HasSensitive() bool
}

// Collection is the HitsCollection stage
type Collection struct {
	name      string
	sink      HitSink
	log       logging.Logger
	sensitive SensitiveChecker
	// sensitiveOnly is fixed at Start, the geometry is frozen by then
	sensitiveOnly bool
	attached      map[string]bool
	attributes    map[string]bool
	required      []string
	clearEvery    int
	buffer        []models.HitRecord
	started       bool
	ingested      int64
	kept          int64
	flushes       int64
}

// NewCollection creates a collection forwarding accepted hits to sink
func NewCollection(name string, sink HitSink, log logging.Logger) *Collection {
	return &Collection{
		name:       name,
		sink:       sink,
		log:        logging.OrDiscard(log),
		attached:   make(map[string]bool),
		attributes: make(map[string]bool),
		clearEvery: 1,
	}
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// Attach restricts the collection to hits inside the named volumes
func (c *Collection) Attach(names ...string) {
	for _, n := range names {
		c.attached[n] = true
	}
}

// SetSensitive makes an unattached collection accept only hits whose leaf
// volume is registered as sensitive.
func (c *Collection) SetSensitive(s SensitiveChecker) {
	c.sensitive = s
}

// ConfigureAttributes sets the attributes retained for each hit
func (c *Collection) ConfigureAttributes(names ...string) {
	for _, n := range names {
		c.attributes[n] = true
	}
}

// Require marks attributes a downstream stage depends on. They are kept even
// when not listed by ConfigureAttributes.
func (c *Collection) Require(names ...string) {
	c.required = append(c.required, names...)
}

// PositionAttributes returns the attributes needed to compute a position
func PositionAttributes(mode models.PositionMode) []string {
	switch mode {
	case models.PreStep:
		return []string{AttrPrePosition}
	case models.MiddleStep:
		return []string{AttrPrePosition, AttrPostPosition}
	default:
		return []string{AttrPostPosition}
	}
}

// Attributes returns the configured attribute names, sorted
func (c *Collection) Attributes() []string {
	out := make([]string, 0, len(c.attributes))
	for n := range c.attributes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SetClearEvery sets how many hits are buffered before a write-through flush
func (c *Collection) SetClearEvery(n int) error {
	if n < 1 {
		return &models.ConfigurationError{Stage: c.name, Param: "clear_every", Reason: fmt.Sprintf("must be >= 1, got %d", n)}
	}
	c.clearEvery = n
	return nil
}

// Start validates the configuration at start of run
func (c *Collection) Start() error {
	if len(c.attributes) == 0 {
		return &models.ConfigurationError{Stage: c.name, Param: "attributes", Reason: "no attributes configured"}
	}
	for n := range c.attributes {
		if !knownAttributes[n] {
			return &models.ConfigurationError{Stage: c.name, Param: "attributes", Reason: fmt.Sprintf("unknown attribute %q", n)}
		}
	}
	if c.sink == nil {
		return &models.ConfigurationError{Stage: c.name, Param: "output", Reason: "no downstream stage"}
	}
	for _, n := range requiredAttributes {
		c.attributes[n] = true
	}
	for _, n := range c.required {
		if !knownAttributes[n] {
			return &models.ConfigurationError{Stage: c.name, Param: "attributes", Reason: fmt.Sprintf("unknown attribute %q", n)}
		}
		c.attributes[n] = true
	}
	c.sensitiveOnly = c.sensitive != nil && c.sensitive.HasSensitive()
	c.buffer = make([]models.HitRecord, 0, c.clearEvery)
	c.started = true
	return nil
}

func (c *Collection) accepts(h *models.HitRecord) bool {
	if len(c.attached) > 0 {
		for _, l := range h.Volume {
			if c.attached[l.Name] {
				return true
			}
		}
		return false
	}
	if c.sensitiveOnly {
		return c.sensitive.IsSensitive(h.Volume.Leaf())
	}
	return true
}

func (c *Collection) strip(h models.HitRecord) models.HitRecord {
	if !c.attributes[AttrTrackID] {
		h.TrackID = 0
	}
	if !c.attributes[AttrParentID] {
		h.ParentID = 0
	}
	if !c.attributes[AttrParticleName] {
		h.ParticleName = ""
	}
	if !c.attributes[AttrKineticEnergy] {
		h.KineticEnergy = 0
	}
	if !c.attributes[AttrPrePosition] {
		h.PrePosition = models.Vec3{}
	}
	if !c.attributes[AttrPostPosition] {
		h.PostPosition = models.Vec3{}
	}
	return h
}

// Ingest filters one hit and buffers it for the downstream stage
func (c *Collection) Ingest(h models.HitRecord) error {
	if !c.started {
		return &models.ConfigurationError{Stage: c.name, Param: "start", Reason: "collection used before Start"}
	}
	c.ingested++
	if !c.accepts(&h) {
		return nil
	}
	c.kept++
	c.buffer = append(c.buffer, c.strip(h))
	if len(c.buffer) >= c.clearEvery {
		return c.flush()
	}
	return nil
}

// Add implements HitSink
func (c *Collection) Add(h models.HitRecord) error {
	return c.Ingest(h)
}

// flush writes the buffered hits through, in arrival order
func (c *Collection) flush() error {
	if len(c.buffer) == 0 {
		return nil
	}
	if c.clearEvery > 1 && logging.DebugEnabled(c.log) {
		c.log.Debugf("%s: flushing %d buffered hits (%s)", c.name, len(c.buffer), humanize.Bytes(uint64(size.Of(c.buffer))))
	}
	for _, h := range c.buffer {
		if err := c.sink.Add(h); err != nil {
			return err
		}
	}
	c.buffer = c.buffer[:0]
	c.flushes++
	return nil
}

// Flush writes the buffered hits through without waiting for clear_every.
// The digitizer calls it where an event ends before its hits are complete.
func (c *Collection) Flush() error {
	if !c.started {
		return nil
	}
	return c.flush()
}

// Close flushes the remaining hits at end of run
func (c *Collection) Close() error {
	return c.Flush()
}

// Stats returns the number of ingested and retained hits
func (c *Collection) Stats() (ingested, kept int64) {
	return c.ingested, c.kept
}
