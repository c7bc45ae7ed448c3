// Package adder groups hits into singles. A single is produced for every
// maximal run of consecutive hits sharing the same event and the same volume
// chain truncated to the grouping depth.
package adder

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/logging"
)

// Policy selects how the position of a single is computed
type Policy int

const (
	// EnergyWeightedCentroidPosition averages hit positions weighted by energy
	EnergyWeightedCentroidPosition Policy = iota

	// EnergyWinnerPosition takes the position of the most energetic hit
	EnergyWinnerPosition
)

var policyNames = map[Policy]string{
	EnergyWeightedCentroidPosition: "EnergyWeightedCentroidPosition",
	EnergyWinnerPosition:           "EnergyWinnerPosition",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy converts a configuration name into a Policy
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, &models.ConfigurationError{Stage: "adder", Param: "policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// TimePolicy selects the global time attached to a single
type TimePolicy int

const (
	// TimeOfTrigger uses the first hit of the group for the centroid policy,
	// and the energy winner for the winner policy
	TimeOfTrigger TimePolicy = iota

	// EarliestTime uses the minimum hit time of the group
	EarliestTime

	// LatestTime uses the maximum hit time of the group
	LatestTime
)

var timePolicyNames = map[TimePolicy]string{
	TimeOfTrigger: "TimeOfTrigger",
	EarliestTime:  "EarliestTime",
	LatestTime:    "LatestTime",
}

func (p TimePolicy) String() string {
	if s, ok := timePolicyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("TimePolicy(%d)", int(p))
}

// ParseTimePolicy converts a configuration name into a TimePolicy. The empty
// string selects TimeOfTrigger.
func ParseTimePolicy(s string) (TimePolicy, error) {
	if s == "" {
		return TimeOfTrigger, nil
	}
	for p, name := range timePolicyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, &models.ConfigurationError{Stage: "adder", Param: "time_policy", Reason: fmt.Sprintf("unknown time policy %q", s)}
}

// Config holds the adder parameters
type Config struct {
	// Name identifies the stage in errors and logs
	Name string

	// GroupByDepth is the depth below the world of the volume that defines
	// a detector unit. Hits in the same instance at this depth are summed.
	GroupByDepth int

	Policy       Policy
	TimePolicy   TimePolicy
	PositionMode models.PositionMode

	// TimeDifference and NumberOfHits enable the optional Single outputs
	TimeDifference bool
	NumberOfHits   bool

	// TimeWindow, when positive, splits a group whose hits span more than
	// TimeWindow ns from its first hit
	TimeWindow float64
}

// SingleSink receives singles in emission order
type SingleSink interface {
	Emit(s models.Single) error
}

// SingleSinkFunc adapts a function to a SingleSink
type SingleSinkFunc func(s models.Single) error

// Emit calls f(s)
func (f SingleSinkFunc) Emit(s models.Single) error { return f(s) }

// group is the accumulator of the current run of hits
type group struct {
	eventID int64
	key     string

	energy      float64
	weightedSum models.Vec3
	positionSum models.Vec3
	count       int

	firstTime float64
	minTime   float64
	maxTime   float64

	winner       models.HitRecord
	winnerEnergy float64
	winnerPos    models.Vec3
}

// Adder converts a hit stream into singles
type Adder struct {
	cfg  Config
	sink SingleSink
	log  logging.Logger
	cur  *group

	emitted    int64
	zeroEnergy int64
}

// New creates an adder forwarding singles to sink
func New(cfg Config, sink SingleSink, log logging.Logger) (*Adder, error) {
	if cfg.Name == "" {
		cfg.Name = "adder"
	}
	if cfg.GroupByDepth < 0 {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "group_by_depth", Reason: fmt.Sprintf("must be >= 0, got %d", cfg.GroupByDepth)}
	}
	if _, ok := policyNames[cfg.Policy]; !ok {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "policy", Reason: cfg.Policy.String()}
	}
	if _, ok := timePolicyNames[cfg.TimePolicy]; !ok {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "time_policy", Reason: cfg.TimePolicy.String()}
	}
	if cfg.TimeWindow < 0 || math.IsNaN(cfg.TimeWindow) {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "time_window", Reason: fmt.Sprintf("must be >= 0, got %g", cfg.TimeWindow)}
	}
	if sink == nil {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "output", Reason: "no downstream stage"}
	}
	return &Adder{cfg: cfg, sink: sink, log: logging.OrDiscard(log)}, nil
}

// Config returns the adder parameters
func (a *Adder) Config() Config {
	return a.cfg
}

func (a *Adder) startGroup(h *models.HitRecord, key string) {
	pos := h.Position(a.cfg.PositionMode)
	a.cur = &group{
		eventID:      h.EventID,
		key:          key,
		energy:       h.EnergyDeposit,
		weightedSum:  r3.Scale(h.EnergyDeposit, pos),
		positionSum:  pos,
		count:        1,
		firstTime:    h.GlobalTime,
		minTime:      h.GlobalTime,
		maxTime:      h.GlobalTime,
		winner:       *h,
		winnerEnergy: h.EnergyDeposit,
		winnerPos:    pos,
	}
}

func (a *Adder) sameGroup(h *models.HitRecord, key string) bool {
	g := a.cur
	if g == nil || g.eventID != h.EventID || g.key != key {
		return false
	}
	if a.cfg.TimeWindow > 0 && h.GlobalTime-g.firstTime > a.cfg.TimeWindow {
		return false
	}
	return true
}

// Add folds one hit into the current group, emitting the previous group when
// the hit starts a new one.
func (a *Adder) Add(h models.HitRecord) error {
	if err := h.CheckEnergy(a.cfg.Name); err != nil {
		return err
	}

	key := h.Volume.Truncate(a.cfg.GroupByDepth).Key()
	if !a.sameGroup(&h, key) {
		if err := a.Flush(); err != nil {
			return err
		}
		a.startGroup(&h, key)
		return nil
	}

	g := a.cur
	pos := h.Position(a.cfg.PositionMode)
	g.energy += h.EnergyDeposit
	g.weightedSum = r3.Add(g.weightedSum, r3.Scale(h.EnergyDeposit, pos))
	g.positionSum = r3.Add(g.positionSum, pos)
	g.count++
	g.minTime = math.Min(g.minTime, h.GlobalTime)
	g.maxTime = math.Max(g.maxTime, h.GlobalTime)

	// strict comparison: the first hit with the maximal energy wins
	if h.EnergyDeposit > g.winnerEnergy {
		g.winner = h
		g.winnerEnergy = h.EnergyDeposit
		g.winnerPos = pos
	}
	return nil
}

func (a *Adder) single(g *group) models.Single {
	s := models.Single{
		EventID: g.eventID,
		Volume:  g.winner.Volume,
		Energy:  g.energy,
		Weight:  1,
	}

	switch a.cfg.Policy {
	case EnergyWinnerPosition:
		s.Position = g.winnerPos
	default:
		if g.energy > 0 {
			s.Position = r3.Scale(1/g.energy, g.weightedSum)
		} else {
			a.zeroEnergy++
			a.log.Warningf("%s: event %d in %s has zero total energy, using the unweighted centroid of %d hits",
				a.cfg.Name, g.eventID, g.key, g.count)
			s.Position = r3.Scale(1/float64(g.count), g.positionSum)
		}
	}

	switch a.cfg.TimePolicy {
	case EarliestTime:
		s.GlobalTime = g.minTime
	case LatestTime:
		s.GlobalTime = g.maxTime
	default:
		if a.cfg.Policy == EnergyWinnerPosition {
			s.GlobalTime = g.winner.GlobalTime
		} else {
			s.GlobalTime = g.firstTime
		}
	}

	if a.cfg.TimeDifference {
		s.TimeDifference = g.maxTime - g.minTime
		s.HasTimeDifference = true
	}
	if a.cfg.NumberOfHits {
		s.NumberOfHits = g.count
		s.HasNumberOfHits = true
	}
	return s
}

// Flush emits the open group, if any. It is called at end of run and
// whenever a hit starts a new group.
func (a *Adder) Flush() error {
	if a.cur == nil {
		return nil
	}
	g := a.cur
	a.cur = nil
	a.emitted++
	return a.sink.Emit(a.single(g))
}

// Emitted returns the number of singles produced so far
func (a *Adder) Emitted() int64 {
	return a.emitted
}

// ZeroEnergyGroups returns how many groups fell back to the unweighted centroid
func (a *Adder) ZeroEnergyGroups() int64 {
	return a.zeroEnergy
}

// Run aggregates a whole hit sequence and returns the singles
func Run(cfg Config, hits []models.HitRecord, log logging.Logger) ([]models.Single, error) {
	var out []models.Single
	a, err := New(cfg, SingleSinkFunc(func(s models.Single) error {
		out = append(out, s)
		return nil
	}), log)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		if err := a.Add(h); err != nil {
			return nil, err
		}
	}
	if err := a.Flush(); err != nil {
		return nil, err
	}
	return out, nil
}
