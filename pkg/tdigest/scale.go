package tdigest

import "math"

// The digest uses the k1 scale function
//
//	k(q) = compression / (2*pi) * asin(2q - 1)
//
// A centroid may grow while it spans at most one unit of k. k1 is steepest
// at q = 0 and q = 1, so centroids stay small in the tails and large around
// the median. The number of centroids is bounded by about compression/2.

func scaleK(q, compression float64) float64 {
	return compression / (2 * math.Pi) * math.Asin(2*q-1)
}

// scaleQ is the inverse of scaleK, clamped to [0,1].
func scaleQ(k, compression float64) float64 {
	x := 2 * math.Pi * k / compression
	switch {
	case x >= math.Pi/2:
		return 1
	case x <= -math.Pi/2:
		return 0
	}
	return (math.Sin(x) + 1) / 2
}
