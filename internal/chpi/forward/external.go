package forward

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// MaxExtOrder is the highest supported external-interference order.
const MaxExtOrder = 3

// extScale normalises coordinates so that basis columns of different
// order have comparable magnitude.
const extScale = 0.1

// harmonicGrads returns the gradients of the regular solid harmonics of
// degree 1..order at x, in Cartesian polynomial form. Each gradient is a
// homogeneous field with no sources inside the sensor volume.
func harmonicGrads(x chpi.Vec3, order int) []chpi.Vec3 {
	px, py, pz := x[0]/extScale, x[1]/extScale, x[2]/extScale
	var g []chpi.Vec3
	if order >= 1 {
		g = append(g,
			chpi.Vec3{1, 0, 0},
			chpi.Vec3{0, 1, 0},
			chpi.Vec3{0, 0, 1},
		)
	}
	if order >= 2 {
		g = append(g,
			chpi.Vec3{py, px, 0},                // xy
			chpi.Vec3{0, pz, py},                // yz
			chpi.Vec3{pz, 0, px},                // xz
			chpi.Vec3{2 * px, -2 * py, 0},       // x² - y²
			chpi.Vec3{-2 * px, -2 * py, 4 * pz}, // 2z² - x² - y²
		)
	}
	if order >= 3 {
		g = append(g,
			chpi.Vec3{3*px*px - 3*py*py, -6 * px * py, 0},                      // x³ - 3xy²
			chpi.Vec3{6 * px * py, 3*px*px - 3*py*py, 0},                       // 3x²y - y³
			chpi.Vec3{2 * px * pz, -2 * py * pz, px*px - py*py},                // z(x² - y²)
			chpi.Vec3{py * pz, px * pz, px * py},                               // xyz
			chpi.Vec3{4*pz*pz - 3*px*px - py*py, -2 * px * py, 8 * px * pz},    // x(4z² - x² - y²)
			chpi.Vec3{-2 * px * py, 4*pz*pz - px*px - 3*py*py, 8 * py * pz},    // y(4z² - x² - y²)
			chpi.Vec3{-6 * px * pz, -6 * py * pz, 6*pz*pz - 3*px*px - 3*py*py}, // z(2z² - 3x² - 3y²)
		)
	}
	return g
}

// NumExternal returns the number of basis columns for an order.
func NumExternal(order int) int {
	n := 0
	for l := 1; l <= order; l++ {
		n += 2*l + 1
	}
	return n
}

// ExternalBasis returns the nchan×n external-interference basis of the
// given order evaluated at the sensors. Order 0 returns nil.
func ExternalBasis(sensors []Sensor, order int) (*mat.Dense, error) {
	if order < 0 || order > MaxExtOrder {
		return nil, fmt.Errorf("%w: ext_order must be between 0 and %d, got %d", chpi.ErrInvalidConfig, MaxExtOrder, order)
	}
	if order == 0 || len(sensors) == 0 {
		return nil, nil
	}
	n := NumExternal(order)
	B := mat.NewDense(len(sensors), n, nil)
	for i, s := range sensors {
		for _, p := range s.Points {
			for k, grad := range harmonicGrads(p.R, order) {
				B.Set(i, k, B.At(i, k)+p.W*grad.Dot(p.N))
			}
		}
	}
	return B, nil
}
