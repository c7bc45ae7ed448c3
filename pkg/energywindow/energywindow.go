// Package energywindow routes singles into named energy channels.
// Channels are half-open intervals [min, max) and may overlap or leave gaps,
// so a single can be routed to any number of channels including none.
package energywindow

import (
	"math"

	"gatedigitizer/internal/models"
)

// Routed pairs a single with the channel it was routed to
type Routed struct {
	Channel string
	Single  models.Single
}

// Stage is a configured set of energy windows
type Stage struct {
	channels []models.Channel
	counts   []int64
}

// New validates channels and creates the stage. Channel order is preserved
// in the routing output.
func New(channels []models.Channel) (*Stage, error) {
	if len(channels) == 0 {
		return nil, &models.ConfigurationError{Stage: "energy_window", Param: "channels", Reason: "no channel configured"}
	}
	seen := make(map[string]bool, len(channels))
	for _, c := range channels {
		if c.Name == "" {
			return nil, &models.ConfigurationError{Stage: "energy_window", Param: "channels", Reason: "channel without a name"}
		}
		if seen[c.Name] {
			return nil, &models.ConfigurationError{Stage: "energy_window", Param: c.Name, Reason: "duplicate channel name"}
		}
		seen[c.Name] = true
		if math.IsNaN(c.Min) || math.IsNaN(c.Max) || c.Min >= c.Max {
			return nil, &models.InvalidChannelError{Channel: c.Name, Min: c.Min, Max: c.Max}
		}
	}
	return &Stage{
		channels: append([]models.Channel(nil), channels...),
		counts:   make([]int64, len(channels)),
	}, nil
}

// Channels returns the configured channels
func (s *Stage) Channels() []models.Channel {
	return append([]models.Channel(nil), s.channels...)
}

// Names returns the channel names in configuration order
func (s *Stage) Names() []string {
	out := make([]string, len(s.channels))
	for i, c := range s.channels {
		out[i] = c.Name
	}
	return out
}

// Route returns one entry per channel containing the single's energy
func (s *Stage) Route(single models.Single) []Routed {
	var out []Routed
	for i, c := range s.channels {
		if c.Contains(single.Energy) {
			s.counts[i]++
			out = append(out, Routed{Channel: c.Name, Single: single})
		}
	}
	return out
}

// Counts returns the number of singles routed to each channel so far
func (s *Stage) Counts() map[string]int64 {
	out := make(map[string]int64, len(s.channels))
	for i, c := range s.channels {
		out[c.Name] = s.counts[i]
	}
	return out
}
