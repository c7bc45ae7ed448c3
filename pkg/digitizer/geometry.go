package digitizer

import (
	"fmt"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/config"
	"gatedigitizer/pkg/volume"
)

// BuildResolver creates and freezes the geometry table described by the
// configuration. Volumes must be listed after their mother. Lengths are
// converted to mm with the configured units.
func BuildResolver(cfg *config.Config) (*volume.Resolver, error) {
	scale, err := cfg.Units.Factors()
	if err != nil {
		return nil, err
	}
	world := cfg.Geometry.World
	if world == "" {
		world = "world"
	}
	if err := models.CheckVolumeName(world); err != nil {
		return nil, err
	}
	r := volume.NewResolver(world)

	vec := func(v [3]float64) models.Vec3 {
		return models.Vec3{X: v[0] * scale.Length, Y: v[1] * scale.Length, Z: v[2] * scale.Length}
	}

	for _, v := range cfg.Geometry.Volumes {
		t := volume.Transform{Translation: vec(v.Translation)}
		if len(v.Rotation) > 0 {
			rot, err := volume.NewRotation(v.Rotation)
			if err != nil {
				return nil, &models.ConfigurationError{Stage: "geometry", Param: v.Name + ".rotation", Reason: err.Error()}
			}
			t.Rotation = rot
		}
		mother := v.Mother
		if mother == "" {
			mother = world
		}
		if err := r.AddVolume(v.Name, mother, t, vec(v.HalfSize)); err != nil {
			return nil, fmt.Errorf("failed to place volume %q: %w", v.Name, err)
		}
		if len(v.RepeatOffsets) > 0 {
			offsets := make([]models.Vec3, len(v.RepeatOffsets))
			for i, o := range v.RepeatOffsets {
				offsets[i] = vec(o)
			}
			if err := r.AddRepeater(v.Name, offsets); err != nil {
				return nil, fmt.Errorf("failed to repeat volume %q: %w", v.Name, err)
			}
		}
	}

	for _, s := range cfg.Geometry.Sensitive {
		if err := r.RegisterSensitive(s.Name, s.Propagate); err != nil {
			return nil, fmt.Errorf("failed to register sensitive volume %q: %w", s.Name, err)
		}
	}

	r.Freeze()
	return r, nil
}
