package forward

import (
	"gonum.org/v1/gonum/mat"
)

// Pinv returns the Moore-Penrose pseudo-inverse of A. Singular values
// below rcond times the largest are treated as zero.
func Pinv(A mat.Matrix, rcond float64) *mat.Dense {
	r, c := A.Dims()
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		return mat.NewDense(c, r, nil)
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	k := len(vals)
	out := mat.NewDense(c, r, nil)
	if k == 0 || vals[0] == 0 {
		return out
	}
	for j := 0; j < k; j++ {
		if vals[j] <= rcond*vals[0] {
			continue
		}
		inv := 1 / vals[j]
		for a := 0; a < c; a++ {
			va := v.At(a, j) * inv
			if va == 0 {
				continue
			}
			for b := 0; b < r; b++ {
				out.Set(a, b, out.At(a, b)+va*u.At(b, j))
			}
		}
	}
	return out
}
