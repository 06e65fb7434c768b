package chpi

import "math"

// Rotations are stored as the vector part (q1, q2, q3) of a unit
// quaternion whose scalar part q0 = sqrt(1 - q1² - q2² - q3²) is
// non-negative. This picks one of the two quaternions that encode each
// rotation.

// quatScalar returns the implied scalar part of a vector quaternion.
func quatScalar(q [3]float64) float64 {
	return math.Sqrt(math.Max(0, 1-q[0]*q[0]-q[1]*q[1]-q[2]*q[2]))
}

// RotToQuat converts a row-major rotation matrix to a vector quaternion
// with a non-negative scalar part (Shepperd's method).
func RotToQuat(R [9]float64) [3]float64 {
	w, x, y, z := rotToQuat4(R)
	if w < 0 {
		x, y, z = -x, -y, -z
	}
	return [3]float64{x, y, z}
}

func rotToQuat4(R [9]float64) (w, x, y, z float64) {
	r00, r01, r02 := R[0], R[1], R[2]
	r10, r11, r12 := R[3], R[4], R[5]
	r20, r21, r22 := R[6], R[7], R[8]
	trace := r00 + r11 + r22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		w = s / 4
		x = (r21 - r12) / s
		y = (r02 - r20) / s
		z = (r10 - r01) / s
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		w = (r21 - r12) / s
		x = s / 4
		y = (r01 + r10) / s
		z = (r02 + r20) / s
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		w = (r02 - r20) / s
		x = (r01 + r10) / s
		y = s / 4
		z = (r12 + r21) / s
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		w = (r10 - r01) / s
		x = (r02 + r20) / s
		y = (r12 + r21) / s
		z = s / 4
	}
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	return w / n, x / n, y / n, z / n
}

// QuatToRot converts a vector quaternion to a row-major rotation matrix.
func QuatToRot(q [3]float64) [9]float64 {
	return quat4ToRot(quatScalar(q), q[0], q[1], q[2])
}

func quat4ToRot(w, x, y, z float64) [9]float64 {
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// AngleBetweenQuats returns the rotation angle in radians between two
// orientations. The angle is in [0, π].
func AngleBetweenQuats(a, b [3]float64) float64 {
	aw := quatScalar(a)
	bw := quatScalar(b)
	// conj(a) * b
	zw := aw*bw + a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	zx := aw*b[0] - a[0]*bw - (a[1]*b[2] - a[2]*b[1])
	zy := aw*b[1] - a[1]*bw - (a[2]*b[0] - a[0]*b[2])
	zz := aw*b[2] - a[2]*bw - (a[0]*b[1] - a[1]*b[0])
	return 2 * math.Atan2(math.Sqrt(zx*zx+zy*zy+zz*zz), math.Abs(zw))
}

// SlerpQuats interpolates between two orientations, f in [0, 1].
func SlerpQuats(a, b [3]float64, f float64) [3]float64 {
	qa := [4]float64{quatScalar(a), a[0], a[1], a[2]}
	qb := [4]float64{quatScalar(b), b[0], b[1], b[2]}
	dot := qa[0]*qb[0] + qa[1]*qb[1] + qa[2]*qb[2] + qa[3]*qb[3]
	if dot < 0 {
		dot = -dot
		for i := range qb {
			qb[i] = -qb[i]
		}
	}
	var wa, wb float64
	if dot > 0.9995 {
		wa, wb = 1-f, f
	} else {
		theta := math.Acos(dot)
		sin := math.Sin(theta)
		wa = math.Sin((1-f)*theta) / sin
		wb = math.Sin(f*theta) / sin
	}
	var out [4]float64
	var n float64
	for i := range out {
		out[i] = wa*qa[i] + wb*qb[i]
		n += out[i] * out[i]
	}
	n = math.Sqrt(n)
	if out[0] < 0 {
		n = -n
	}
	return [3]float64{out[1] / n, out[2] / n, out[3] / n}
}
