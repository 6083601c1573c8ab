// Package geo is the frozen geodesy service used by the interference rule
// matcher. Distances must stay bit-compatible with previously approved
// studies, so the spherical law-of-cosines formula below is fixed and no
// datum conversion is performed here; coordinates are assumed to already be
// in the working datum.
package geo

import (
	"math"

	"ixstudy/pkg/domain"
)

// earthRadiusKM is the mean earth radius used by the legacy rule matcher.
const earthRadiusKM = 6371.0

// DistanceKM returns the great-circle distance between two sites using the
// spherical law of cosines.
func DistanceKM(a, b domain.Site) float64 {
	if a.LatDeg == b.LatDeg && a.LonDeg == b.LonDeg {
		return 0
	}
	lat1 := a.LatDeg * math.Pi / 180
	lat2 := b.LatDeg * math.Pi / 180
	dlon := (b.LonDeg - a.LonDeg) * math.Pi / 180
	c := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(dlon)
	// Guard rounding drift outside acos domain for near-identical points.
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return earthRadiusKM * math.Acos(c)
}

// MinDistanceKM returns the smallest site-to-site distance between two
// records. Distributed (DTS) facilities are minimized over their individual
// transmitter sites on both ends.
func MinDistanceKM(a, b domain.CandidateRecord) float64 {
	min := math.MaxFloat64
	for _, sa := range a.Sites {
		for _, sb := range b.Sites {
			if d := DistanceKM(sa, sb); d < min {
				min = d
			}
		}
	}
	if min == math.MaxFloat64 {
		return 0
	}
	return min
}
