package models

import "fmt"

// ConfigurationError is returned when a required parameter is left unset
// or invalid at start of run.
type ConfigurationError struct {
	Stage  string
	Param  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration for %q: %s", e.Stage, e.Param, e.Reason)
}

// UnknownVolumeError is returned when a hit or lookup references a volume
// that is not part of the geometry table.
type UnknownVolumeError struct {
	Name string
	Path string
}

func (e *UnknownVolumeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("unknown volume %q in path %s", e.Name, e.Path)
	}
	return fmt.Sprintf("unknown volume %q", e.Name)
}

// InvalidChannelError is returned for an energy window with min >= max
type InvalidChannelError struct {
	Channel string
	Min     float64
	Max     float64
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("energy window %q: min %g must be lower than max %g", e.Channel, e.Min, e.Max)
}

// InvalidRecordError is returned when a hit carries a non-finite or
// negative value that would poison aggregated quantities.
type InvalidRecordError struct {
	Stage   string
	EventID int64
	Volume  string
	Field   string
	Value   float64
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("%s: invalid %s %g in event %d (volume %s)", e.Stage, e.Field, e.Value, e.EventID, e.Volume)
}

// EmptySourceError is returned when a voxelized source has no activity
type EmptySourceError struct {
	Reason string
}

func (e *EmptySourceError) Error() string {
	return "empty source: " + e.Reason
}
