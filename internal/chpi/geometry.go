package chpi

import "math"

// Vec3 is a point or direction in metres.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

// Cross returns a × b.
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Norm() float64        { return math.Sqrt(a.Dot(a)) }
func (a Vec3) Dist(b Vec3) float64  { return a.Sub(b).Norm() }
func (a Vec3) IsFinite() bool       { return AllFinite(a[:]) }
func (a Vec3) Slice() []float64     { return []float64{a[0], a[1], a[2]} }
func VecFromSlice(s []float64) Vec3 { return Vec3{s[0], s[1], s[2]} }
func (a Vec3) Neg() Vec3            { return Vec3{-a[0], -a[1], -a[2]} }

// Unit returns a scaled to unit length. The zero vector is returned as is.
func (a Vec3) Unit() Vec3 {
	n := a.Norm()
	if n == 0 {
		return a
	}
	return a.Scale(1 / n)
}

// TransformValidationTolerance bounds |det(R) - 1| for a proper rigid
// transform.
const TransformValidationTolerance = 0.01

// Transform is a 4x4 row-major homogeneous rigid transform:
// m00,m01,m02,m03, m10,... The last row is [0 0 0 1].
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// NewTransform builds a transform from a row-major rotation and translation.
func NewTransform(R [9]float64, t Vec3) Transform {
	return Transform{
		R[0], R[1], R[2], t[0],
		R[3], R[4], R[5], t[1],
		R[6], R[7], R[8], t[2],
		0, 0, 0, 1,
	}
}

// Apply maps a point through the transform.
func (T Transform) Apply(p Vec3) Vec3 {
	return Vec3{
		T[0]*p[0] + T[1]*p[1] + T[2]*p[2] + T[3],
		T[4]*p[0] + T[5]*p[1] + T[6]*p[2] + T[7],
		T[8]*p[0] + T[9]*p[1] + T[10]*p[2] + T[11],
	}
}

// ApplyDir rotates a direction without translating it.
func (T Transform) ApplyDir(d Vec3) Vec3 {
	return Vec3{
		T[0]*d[0] + T[1]*d[1] + T[2]*d[2],
		T[4]*d[0] + T[5]*d[1] + T[6]*d[2],
		T[8]*d[0] + T[9]*d[1] + T[10]*d[2],
	}
}

// Rotation returns the row-major 3x3 rotation block.
func (T Transform) Rotation() [9]float64 {
	return [9]float64{T[0], T[1], T[2], T[4], T[5], T[6], T[8], T[9], T[10]}
}

// Translation returns the translation column.
func (T Transform) Translation() Vec3 { return Vec3{T[3], T[7], T[11]} }

// Compose returns T∘U, i.e. the transform applying U first, then T.
func (T Transform) Compose(U Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += T[r*4+k] * U[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform.
func (T Transform) Inverse() Transform {
	R := T.Rotation()
	Rt := [9]float64{R[0], R[3], R[6], R[1], R[4], R[7], R[2], R[5], R[8]}
	t := T.Translation()
	return NewTransform(Rt, Vec3{
		-(Rt[0]*t[0] + Rt[1]*t[1] + Rt[2]*t[2]),
		-(Rt[3]*t[0] + Rt[4]*t[1] + Rt[5]*t[2]),
		-(Rt[6]*t[0] + Rt[7]*t[1] + Rt[8]*t[2]),
	})
}

// IsValid reports whether T is a proper rigid transform.
func (T Transform) IsValid() bool {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > TransformValidationTolerance {
		return false
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// RotationAbout returns the rotation of angle radians about a unit axis.
func RotationAbout(axis Vec3, angle float64) [9]float64 {
	u := axis.Unit()
	c, s := math.Cos(angle), math.Sin(angle)
	C := 1 - c
	x, y, z := u[0], u[1], u[2]
	return [9]float64{
		c + x*x*C, x*y*C - z*s, x*z*C + y*s,
		y*x*C + z*s, c + y*y*C, y*z*C - x*s,
		z*x*C - y*s, z*y*C + x*s, c + z*z*C,
	}
}

// MulRot returns the row-major product a·b of two 3x3 matrices.
func MulRot(a, b [9]float64) [9]float64 {
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = a[r*3]*b[c] + a[r*3+1]*b[3+c] + a[r*3+2]*b[6+c]
		}
	}
	return out
}
