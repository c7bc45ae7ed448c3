package models

import (
	"strconv"
	"strings"
)

// Level is one step in a volume instantiation path
type Level struct {
	// Name is the logical volume name
	Name string

	// Copy is the copy (repeat) number of this instance within its mother
	Copy int
}

// VolumeID is the canonical identity of a physical volume instance.
// Levels are ordered from the hit volume (index 0) up to the world
// (last index), so the world always sits at depth 0.
type VolumeID []Level

// Depth returns the depth of the leaf volume below the world
func (v VolumeID) Depth() int {
	return len(v) - 1
}

// Leaf returns the name of the volume where the hit occurred
func (v VolumeID) Leaf() string {
	if len(v) == 0 {
		return ""
	}
	return v[0].Name
}

// At returns the level located at the given depth below the world
func (v VolumeID) At(depth int) (Level, bool) {
	if depth < 0 || depth >= len(v) {
		return Level{}, false
	}
	return v[len(v)-1-depth], true
}

// Truncate returns the ancestor chain starting at the given depth. If the
// chain is shallower than depth, the whole chain is returned.
func (v VolumeID) Truncate(depth int) VolumeID {
	if depth < 0 || depth >= len(v) {
		return v
	}
	return v[len(v)-1-depth:]
}

// Contains reports whether any level of the chain has the given name
func (v VolumeID) Contains(name string) bool {
	for _, l := range v {
		if l.Name == name {
			return true
		}
	}
	return false
}

// CheckVolumeName rejects names that would make Key ambiguous
func CheckVolumeName(name string) error {
	if name == "" {
		return &ConfigurationError{Stage: "geometry", Param: "name", Reason: "volume name is empty"}
	}
	if strings.ContainsAny(name, "/#") {
		return &ConfigurationError{Stage: "geometry", Param: name, Reason: "volume name must not contain '/' or '#'"}
	}
	return nil
}

// Key returns a comparable representation usable as a map or grouping key
func (v VolumeID) Key() string {
	var b strings.Builder
	for i := len(v) - 1; i >= 0; i-- {
		if i != len(v)-1 {
			b.WriteByte('/')
		}
		b.WriteString(v[i].Name)
		b.WriteByte('#')
		b.WriteString(strconv.Itoa(v[i].Copy))
	}
	return b.String()
}

// String formats the chain from the world down to the leaf
func (v VolumeID) String() string {
	return v.Key()
}

// Equal reports whether two chains identify the same instance
func (v VolumeID) Equal(o VolumeID) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// ParseVolumeID parses the output of Key back into a chain
func ParseVolumeID(s string) (VolumeID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	v := make(VolumeID, len(parts))
	for i, p := range parts {
		name, cp, ok := strings.Cut(p, "#")
		if !ok {
			return nil, &UnknownVolumeError{Name: p, Path: s}
		}
		n, err := strconv.Atoi(cp)
		if err != nil {
			return nil, &UnknownVolumeError{Name: p, Path: s}
		}
		v[len(parts)-1-i] = Level{Name: name, Copy: n}
	}
	return v, nil
}
