package geo

import (
	"math"
	"testing"

	"ixstudy/pkg/domain"
)

func TestDistanceKMKnownPairs(t *testing.T) {
	tests := []struct {
		name   string
		a, b   domain.Site
		wantKM float64
		tolKM  float64
	}{
		{
			name:   "same point",
			a:      domain.Site{LatDeg: 40, LonDeg: -100},
			b:      domain.Site{LatDeg: 40, LonDeg: -100},
			wantKM: 0,
			tolKM:  0,
		},
		{
			name:   "one degree of latitude",
			a:      domain.Site{LatDeg: 40, LonDeg: -100},
			b:      domain.Site{LatDeg: 41, LonDeg: -100},
			wantKM: 111.19,
			tolKM:  0.1,
		},
		{
			name:   "empire state to willis tower",
			a:      domain.Site{LatDeg: 40.7484, LonDeg: -73.9857},
			b:      domain.Site{LatDeg: 41.8789, LonDeg: -87.6359},
			wantKM: 1145,
			tolKM:  5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKM(tt.a, tt.b)
			if math.Abs(got-tt.wantKM) > tt.tolKM {
				t.Fatalf("DistanceKM = %.3f, want %.3f±%.3f", got, tt.wantKM, tt.tolKM)
			}
		})
	}
}

func TestDistanceKMSymmetric(t *testing.T) {
	a := domain.Site{LatDeg: 33.1, LonDeg: -96.7}
	b := domain.Site{LatDeg: 35.9, LonDeg: -101.2}
	if DistanceKM(a, b) != DistanceKM(b, a) {
		t.Fatal("distance is not symmetric")
	}
}

func TestDistanceKMNearIdenticalPointsStaysFinite(t *testing.T) {
	a := domain.Site{LatDeg: 40, LonDeg: -100}
	b := domain.Site{LatDeg: 40, LonDeg: -100 + 1e-13}
	got := DistanceKM(a, b)
	if math.IsNaN(got) || got < 0 {
		t.Fatalf("DistanceKM = %v for near-identical points", got)
	}
}

func TestMinDistanceKMUsesClosestSites(t *testing.T) {
	dts := domain.CandidateRecord{Sites: []domain.Site{
		{LatDeg: 40, LonDeg: -100},
		{LatDeg: 42, LonDeg: -100},
	}}
	single := domain.CandidateRecord{Sites: []domain.Site{
		{LatDeg: 42.5, LonDeg: -100},
	}}
	got := MinDistanceKM(dts, single)
	direct := DistanceKM(dts.Sites[1], single.Sites[0])
	if got != direct {
		t.Fatalf("MinDistanceKM = %.3f, want nearest-site distance %.3f", got, direct)
	}
}

func TestMinDistanceKMEmptySites(t *testing.T) {
	if got := MinDistanceKM(domain.CandidateRecord{}, domain.CandidateRecord{}); got != 0 {
		t.Fatalf("MinDistanceKM with no sites = %v, want 0", got)
	}
}
