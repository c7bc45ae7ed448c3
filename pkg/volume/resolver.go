// Package volume resolves physical volume instantiation paths into canonical
// VolumeIDs and answers geometry queries (depths, centers, local frames)
// for the digitizer stages.
//
// The table is populated once while the geometry is built and frozen before
// the run starts. After Freeze the resolver is read-only and may be shared by
// any number of workers without locking.
package volume

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"gatedigitizer/internal/models"
)

// Lookup is the read-only geometry query interface used by the stages
type Lookup interface {
	// DepthOf returns the number of hops from the world down to a volume
	DepthOf(name string) (int, error)

	// Center returns the world position of the center of the instance
	// found at depth in the chain
	Center(id models.VolumeID, depth int) (models.Vec3, error)

	// LocalFrame returns the world transform of the instance at depth
	LocalFrame(id models.VolumeID, depth int) (Transform, error)
}

type entry struct {
	name      string
	mother    string
	depth     int
	transform Transform
	halfSize  models.Vec3
	repeats   []models.Vec3
	daughters []string
	sensitive bool
}

// Resolver holds the name -> volume table of the geometry
type Resolver struct {
	world   string
	volumes map[string]*entry
	frozen  bool
}

// NewResolver creates a resolver whose hierarchy is rooted at world
func NewResolver(world string) *Resolver {
	return &Resolver{
		world: world,
		volumes: map[string]*entry{
			world: {name: world, depth: 0},
		},
	}
}

// World returns the name of the root volume
func (r *Resolver) World() string {
	return r.world
}

// AddVolume places a new volume inside mother
func (r *Resolver) AddVolume(name, mother string, t Transform, halfSize models.Vec3) error {
	if r.frozen {
		return &models.ConfigurationError{Stage: "geometry", Param: name, Reason: "geometry table is frozen"}
	}
	if err := models.CheckVolumeName(name); err != nil {
		return err
	}
	if _, exists := r.volumes[name]; exists {
		return &models.ConfigurationError{Stage: "geometry", Param: name, Reason: "volume already defined"}
	}
	m, ok := r.volumes[mother]
	if !ok {
		return &models.UnknownVolumeError{Name: mother}
	}

	r.volumes[name] = &entry{
		name:      name,
		mother:    mother,
		depth:     m.depth + 1,
		transform: t,
		halfSize:  halfSize,
	}
	m.daughters = append(m.daughters, name)
	return nil
}

// AddRepeater declares that a volume is repeated: copy i is additionally
// translated by offsets[i] in the mother frame.
func (r *Resolver) AddRepeater(name string, offsets []models.Vec3) error {
	if r.frozen {
		return &models.ConfigurationError{Stage: "geometry", Param: name, Reason: "geometry table is frozen"}
	}
	e, ok := r.volumes[name]
	if !ok {
		return &models.UnknownVolumeError{Name: name}
	}
	if len(offsets) == 0 {
		return &models.ConfigurationError{Stage: "geometry", Param: name, Reason: "repeater needs at least one offset"}
	}
	e.repeats = append([]models.Vec3(nil), offsets...)
	return nil
}

// RegisterSensitive marks a volume as emitting hits. With propagate, all of
// its geometric descendants are marked as well.
func (r *Resolver) RegisterSensitive(name string, propagate bool) error {
	if r.frozen {
		return &models.ConfigurationError{Stage: "geometry", Param: name, Reason: "geometry table is frozen"}
	}
	e, ok := r.volumes[name]
	if !ok {
		return &models.UnknownVolumeError{Name: name}
	}
	e.sensitive = true
	if propagate {
		for _, d := range e.daughters {
			if err := r.RegisterSensitive(d, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// Freeze makes the table read-only
func (r *Resolver) Freeze() {
	r.frozen = true
}

// Frozen reports whether Freeze was called
func (r *Resolver) Frozen() bool {
	return r.frozen
}

// IsSensitive reports whether hits in the named volume are recorded
func (r *Resolver) IsSensitive(name string) bool {
	e, ok := r.volumes[name]
	return ok && e.sensitive
}

// HasSensitive reports whether any volume was registered as sensitive
func (r *Resolver) HasSensitive() bool {
	for _, e := range r.volumes {
		if e.sensitive {
			return true
		}
	}
	return false
}

// Has reports whether the volume is part of the geometry
func (r *Resolver) Has(name string) bool {
	_, ok := r.volumes[name]
	return ok
}

// Descendants returns name and every volume placed below it
func (r *Resolver) Descendants(name string) ([]string, error) {
	e, ok := r.volumes[name]
	if !ok {
		return nil, &models.UnknownVolumeError{Name: name}
	}
	out := []string{e.name}
	for _, d := range e.daughters {
		sub, _ := r.Descendants(d)
		out = append(out, sub...)
	}
	return out, nil
}

// DepthOf returns the number of ancestor hops from the world to the volume
func (r *Resolver) DepthOf(name string) (int, error) {
	e, ok := r.volumes[name]
	if !ok {
		return 0, &models.UnknownVolumeError{Name: name}
	}
	return e.depth, nil
}

// HalfSize returns the half extents of the volume's bounding box
func (r *Resolver) HalfSize(name string) (models.Vec3, error) {
	e, ok := r.volumes[name]
	if !ok {
		return models.Vec3{}, &models.UnknownVolumeError{Name: name}
	}
	return e.halfSize, nil
}

// Resolve turns a leaf-to-root instantiation path into a VolumeID. Missing
// ancestors up to the world are completed with copy number 0.
func (r *Resolver) Resolve(path []models.Level) (models.VolumeID, error) {
	if len(path) == 0 {
		return nil, &models.UnknownVolumeError{Name: "", Path: "empty path"}
	}

	id := make(models.VolumeID, 0, len(path)+2)
	for i, l := range path {
		e, ok := r.volumes[l.Name]
		if !ok {
			return nil, &models.UnknownVolumeError{Name: l.Name, Path: models.VolumeID(path).Key()}
		}
		if i > 0 && path[i-1].Name != "" {
			if prev := r.volumes[path[i-1].Name]; prev.mother != l.Name {
				return nil, &models.UnknownVolumeError{
					Name: path[i-1].Name,
					Path: fmt.Sprintf("%s (mother is %q, not %q)", models.VolumeID(path).Key(), prev.mother, l.Name),
				}
			}
		}
		if len(e.repeats) > 0 && (l.Copy < 0 || l.Copy >= len(e.repeats)) {
			return nil, &models.UnknownVolumeError{
				Name: l.Name,
				Path: fmt.Sprintf("%s (copy %d of %d)", models.VolumeID(path).Key(), l.Copy, len(e.repeats)),
			}
		}
		id = append(id, l)
	}

	// complete the chain up to the world
	for last := r.volumes[id[len(id)-1].Name]; last.name != r.world; last = r.volumes[last.mother] {
		id = append(id, models.Level{Name: last.mother, Copy: 0})
	}
	return id, nil
}

// PathTo returns the VolumeID of copy 0 of every level down to name
func (r *Resolver) PathTo(name string) (models.VolumeID, error) {
	e, ok := r.volumes[name]
	if !ok {
		return nil, &models.UnknownVolumeError{Name: name}
	}
	id := models.VolumeID{{Name: name}}
	for e.name != r.world {
		e = r.volumes[e.mother]
		id = append(id, models.Level{Name: e.name})
	}
	return id, nil
}

// LocalFrame composes the placements from the world down to the instance at
// depth in the chain.
func (r *Resolver) LocalFrame(id models.VolumeID, depth int) (Transform, error) {
	if depth < 0 || depth > id.Depth() {
		return Transform{}, &models.UnknownVolumeError{
			Name: fmt.Sprintf("<depth %d>", depth),
			Path: id.Key(),
		}
	}

	t := Identity()
	for d := 1; d <= depth; d++ {
		l, _ := id.At(d)
		e, ok := r.volumes[l.Name]
		if !ok {
			return Transform{}, &models.UnknownVolumeError{Name: l.Name, Path: id.Key()}
		}
		placement := e.transform
		if len(e.repeats) > 0 {
			if l.Copy < 0 || l.Copy >= len(e.repeats) {
				return Transform{}, &models.UnknownVolumeError{Name: l.Name, Path: id.Key()}
			}
			placement.Translation = r3.Add(placement.Translation, e.repeats[l.Copy])
		}
		t = t.Compose(placement)
	}
	return t, nil
}

// Center returns the world position of the center of the instance at depth
func (r *Resolver) Center(id models.VolumeID, depth int) (models.Vec3, error) {
	t, err := r.LocalFrame(id, depth)
	if err != nil {
		return models.Vec3{}, err
	}
	return t.ToWorld(models.Vec3{}), nil
}

// FrameOf returns the world transform of copy 0 of the named volume
func (r *Resolver) FrameOf(name string) (Transform, error) {
	id, err := r.PathTo(name)
	if err != nil {
		return Transform{}, err
	}
	return r.LocalFrame(id, id.Depth())
}
