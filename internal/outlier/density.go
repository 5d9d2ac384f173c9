package outlier

import (
	"math/rand/v2"
	"sort"
)

// maxDensityPoints bounds the quadratic neighbourhood computation at fit time.
const maxDensityPoints = 2048

// Density is a core-point model: a point far from every core point of the
// training data is noise.
type Density struct {
	Eps        float64     `json:"eps"`
	MinSamples int         `json:"minSamples"`
	Core       [][]float64 `json:"core"`
}

// fitDensity finds the core points of rows. eps <= 0 derives eps from the
// quantile of k-nearest-neighbour distances. Returns nil when no point
// qualifies as core.
func fitDensity(rows [][]float64, minSamples int, eps, epsQuantile float64, rng *rand.Rand) *Density {
	if minSamples < 2 {
		minSamples = 2
	}
	if len(rows) > maxDensityPoints {
		perm := rng.Perm(len(rows))[:maxDensityPoints]
		sample := make([][]float64, len(perm))
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
		rows = sample
	}
	n := len(rows)
	if n < minSamples {
		return nil
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := euclidean(rows[i], rows[j])
			dist[i][j], dist[j][i] = d, d
		}
	}

	if eps <= 0 {
		// Distance to the minSamples-th neighbour, counting the point itself.
		kdist := make([]float64, n)
		for i := range dist {
			sorted := make([]float64, n)
			copy(sorted, dist[i])
			sort.Float64s(sorted)
			kdist[i] = sorted[minSamples-1]
		}
		eps = quantile(kdist, epsQuantile)
		if eps <= 0 {
			return nil
		}
	}

	var core [][]float64
	for i := range dist {
		neighbours := 0
		for _, d := range dist[i] {
			if d <= eps {
				neighbours++
			}
		}
		if neighbours >= minSamples {
			core = append(core, rows[i])
		}
	}
	if len(core) == 0 {
		return nil
	}

	return &Density{Eps: eps, MinSamples: minSamples, Core: core}
}

// isNoise reports whether x lies outside eps of every core point.
func (d *Density) isNoise(x []float64) bool {
	for _, c := range d.Core {
		if euclidean(x, c) <= d.Eps {
			return false
		}
	}
	return true
}
