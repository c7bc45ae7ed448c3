package digitizer

import (
	"fmt"
	"strings"

	"gatedigitizer/internal/models"
)

// Kind is the closed set of digitizer stage kinds
type Kind int

const (
	KindHitsCollection Kind = iota
	KindAdder
	KindReadout
	KindBlurring
	KindEnergyWindow
	KindProjection
)

var kindNames = []string{
	KindHitsCollection: "HitsCollection",
	KindAdder:          "Adder",
	KindReadout:        "Readout",
	KindBlurring:       "Blurring",
	KindEnergyWindow:   "EnergyWindow",
	KindProjection:     "Projection",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// level is the record type a stage consumes
type level int

const (
	levelHits level = iota
	levelSingles
	levelChannels
)

func (k Kind) input() level {
	switch k {
	case KindHitsCollection, KindAdder, KindReadout:
		return levelHits
	case KindProjection:
		return levelChannels
	default:
		return levelSingles
	}
}

// ParseKind converts a stage name into its Kind
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(name, n) {
			return Kind(k), nil
		}
	}
	return 0, &models.ConfigurationError{Stage: "digitizer", Param: "stages", Reason: fmt.Sprintf("unknown stage kind %q", name)}
}

// ParseChain parses and checks the order of a stage list. A chain starts
// with a HitsCollection, has exactly one Adder or Readout, optional singles
// stages and at most one trailing Projection.
func ParseChain(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return nil, &models.ConfigurationError{Stage: "digitizer", Param: "stages", Reason: "no stage configured"}
	}
	chain := make([]Kind, len(names))
	seen := make(map[Kind]bool)
	for i, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, &models.ConfigurationError{Stage: "digitizer", Param: "stages", Reason: fmt.Sprintf("%s appears twice", k)}
		}
		seen[k] = true
		chain[i] = k
	}

	bad := func(reason string) error {
		return &models.ConfigurationError{Stage: "digitizer", Param: "stages", Reason: reason}
	}
	if chain[0] != KindHitsCollection {
		return nil, bad("the chain must start with a HitsCollection")
	}
	if seen[KindAdder] == seen[KindReadout] {
		return nil, bad("the chain needs exactly one of Adder or Readout")
	}
	if len(chain) < 2 || chain[1].input() != levelHits {
		return nil, bad("the grouping stage must follow the HitsCollection")
	}
	for i := 2; i < len(chain); i++ {
		if chain[i].input() < chain[i-1].input() {
			return nil, bad(fmt.Sprintf("%s cannot follow %s", chain[i], chain[i-1]))
		}
		if chain[i] == KindProjection && i != len(chain)-1 {
			return nil, bad("Projection must be the last stage")
		}
	}
	if i := indexOf(chain, KindBlurring); i >= 0 {
		if j := indexOf(chain, KindEnergyWindow); j >= 0 && j < i {
			return nil, bad("Blurring must come before EnergyWindow")
		}
	}
	return chain, nil
}

func indexOf(chain []Kind, k Kind) int {
	for i, c := range chain {
		if c == k {
			return i
		}
	}
	return -1
}
