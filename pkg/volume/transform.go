package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"gatedigitizer/internal/models"
)

// Transform places a volume in the frame of its mother:
// world = Rotation * local + Translation. A nil Rotation is the identity.
type Transform struct {
	Translation models.Vec3
	Rotation    *mat.Dense
}

// Identity returns the identity transform
func Identity() Transform {
	return Transform{}
}

// Translate returns a pure translation
func Translate(x, y, z float64) Transform {
	return Transform{Translation: models.Vec3{X: x, Y: y, Z: z}}
}

// NewRotation builds a rotation matrix from 9 row-major values. The matrix
// must be orthonormal with determinant 1.
func NewRotation(rows []float64) (*mat.Dense, error) {
	if len(rows) != 9 {
		return nil, fmt.Errorf("rotation needs 9 values, got %d", len(rows))
	}
	m := mat.NewDense(3, 3, append([]float64(nil), rows...))

	if d := mat.Det(m); math.Abs(d-1) > 1e-6 {
		return nil, fmt.Errorf("rotation determinant is %g, expected 1", d)
	}
	var rtr mat.Dense
	rtr.Mul(m.T(), m)
	if !mat.EqualApprox(&rtr, identity3(), 1e-6) {
		return nil, fmt.Errorf("rotation matrix is not orthonormal")
	}
	return m, nil
}

// RotationZ returns a rotation of angle radians around the z axis
func RotationZ(angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func (t Transform) rotate(p models.Vec3, inverse bool) models.Vec3 {
	if t.Rotation == nil {
		return p
	}
	var m mat.Matrix = t.Rotation
	if inverse {
		// inverse of an orthonormal matrix is its transpose
		m = t.Rotation.T()
	}
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{p.X, p.Y, p.Z}))
	return models.Vec3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// ToWorld maps a point from the local frame to the outer frame
func (t Transform) ToWorld(p models.Vec3) models.Vec3 {
	return r3.Add(t.rotate(p, false), t.Translation)
}

// ToLocal maps a point from the outer frame to the local frame
func (t Transform) ToLocal(p models.Vec3) models.Vec3 {
	return t.rotate(r3.Sub(p, t.Translation), true)
}

// Compose returns the transform of a child placed with c inside a volume
// placed with t.
func (t Transform) Compose(c Transform) Transform {
	out := Transform{Translation: t.ToWorld(c.Translation)}
	switch {
	case t.Rotation == nil:
		out.Rotation = c.Rotation
	case c.Rotation == nil:
		out.Rotation = t.Rotation
	default:
		var r mat.Dense
		r.Mul(t.Rotation, c.Rotation)
		out.Rotation = &r
	}
	return out
}
