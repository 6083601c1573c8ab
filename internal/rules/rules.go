// Package rules carries the interference rule table: per-channel-delta
// protection distances, the fixed channel band gaps, and the reachable
// channel sets the search pipeline queries with.
package rules

import "sort"

// Direction selects which side of an interference relationship a channel
// search looks for.
type Direction int

const (
	// SearchDesireds finds stations the reference record may interfere
	// with (the protected side).
	SearchDesireds Direction = iota
	// SearchUndesireds finds stations that may interfere with the
	// reference record.
	SearchUndesireds
)

// Entry is one rule-table row: an interferer on channel desired+Delta is
// checked against DistanceKM (plus the per-record allowance). AnalogOnly
// rows apply only when the undesired record is analog.
type Entry struct {
	Delta      int
	DistanceKM float64
	AnalogOnly bool
}

// Table is an interference rule table. The zero value is unusable; build
// one with Default or from explicit entries with New.
type Table struct {
	entries []Entry
}

// New builds a table from explicit entries.
func New(entries []Entry) *Table {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return &Table{entries: out}
}

// Default returns the standard TV interference rule table: co-channel and
// first-adjacent rows for either modulation, plus the legacy analog UHF
// taboo deltas.
func Default() *Table {
	return New([]Entry{
		{Delta: 0, DistanceKM: 196.3},
		{Delta: 1, DistanceKM: 110.0},
		{Delta: -1, DistanceKM: 110.0},
		{Delta: 2, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: -2, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: 3, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: -3, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: 4, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: -4, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: 5, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: -5, DistanceKM: 95.7, AnalogOnly: true},
		{Delta: 7, DistanceKM: 96.5, AnalogOnly: true},
		{Delta: -7, DistanceKM: 96.5, AnalogOnly: true},
		{Delta: 8, DistanceKM: 96.5, AnalogOnly: true},
		{Delta: -8, DistanceKM: 96.5, AnalogOnly: true},
		{Delta: 14, DistanceKM: 121.0, AnalogOnly: true},
		{Delta: 15, DistanceKM: 96.5, AnalogOnly: true},
	})
}

// Channel band edges. A rule delta never reaches across the 4/5, 6/7, or
// 13/14 gaps, so both channels of a matched pair must share a band.
const (
	MinChannel = 2
	MaxChannel = 51
)

func band(ch int) int {
	switch {
	case ch >= 2 && ch <= 4:
		return 0
	case ch >= 5 && ch <= 6:
		return 1
	case ch >= 7 && ch <= 13:
		return 2
	case ch >= 14 && ch <= MaxChannel:
		return 3
	default:
		return -1
	}
}

// SameBand reports whether two channels sit in the same band.
func SameBand(a, b int) bool {
	ba, bb := band(a), band(b)
	return ba >= 0 && ba == bb
}

// candidateChannel maps a rule delta to the channel a search in the given
// direction must look at. Rule deltas are undesired-relative-to-desired, so
// the sign flips when searching for the protected side.
func candidateChannel(reference, delta int, dir Direction) int {
	if dir == SearchDesireds {
		return reference - delta
	}
	return reference + delta
}

// Reachable computes the two disjoint channel masks for a reference channel
// and direction: channels reachable through at least one either-modulation
// rule, and channels reachable only through analog-only rules.
func (t *Table) Reachable(reference int, dir Direction) (either, analogOnly []int) {
	any := map[int]bool{}  // channel -> seen at all
	full := map[int]bool{} // channel -> seen through an either-modulation rule
	for _, e := range t.entries {
		ch := candidateChannel(reference, e.Delta, dir)
		if ch < MinChannel || ch > MaxChannel || !SameBand(reference, ch) {
			continue
		}
		any[ch] = true
		if !e.AnalogOnly {
			full[ch] = true
		}
	}
	for ch := range any {
		if full[ch] {
			either = append(either, ch)
		} else {
			analogOnly = append(analogOnly, ch)
		}
	}
	sort.Ints(either)
	sort.Ints(analogOnly)
	return either, analogOnly
}

// Matches returns every rule row linking the reference channel to the
// candidate channel in the given direction. candidateAnalog gates the
// analog-only rows.
func (t *Table) Matches(reference, candidate int, dir Direction, candidateAnalog bool) []Entry {
	if !SameBand(reference, candidate) {
		return nil
	}
	var out []Entry
	for _, e := range t.entries {
		if candidateChannel(reference, e.Delta, dir) != candidate {
			continue
		}
		if e.AnalogOnly && !candidateAnalog {
			continue
		}
		out = append(out, e)
	}
	return out
}
