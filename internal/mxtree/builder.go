// Package mxtree builds the minimal complete set of interference-simulation
// scenarios for one desired record and its candidate undesireds, honoring
// pairwise mutual-exclusion (MX) relationships. The traversal is a binary
// decision tree, one level per undesired: the include branch force-excludes
// every MX partner, the exclude branch inherits. Branches provably unable to
// change engine output are pruned.
package mxtree

import (
	"fmt"

	"ixstudy/pkg/domain"
)

// Mode selects what the scenarios measure.
type Mode int

const (
	// ModeCoverage studies the proposal's own service: a constant before
	// scenario with no undesireds, one after scenario per leaf.
	ModeCoverage Mode = iota
	// ModeInterference studies a protected station: the proposal (or its
	// configured before record) is the permanent interferer slot.
	ModeInterference
)

// Ceilings on MX-entangled undesireds. Beyond WarnMXEntries the build
// proceeds with a warning; beyond MaxMXEntries it aborts before any engine
// invocation.
const (
	WarnMXEntries = 15
	MaxMXEntries  = 18
)

// Input is everything one tree build needs.
type Input struct {
	Mode       Mode
	Desired    domain.CandidateRecord
	Undesireds []domain.Undesired

	// Proposal is the record under study; in interference mode it fills
	// the permanent undesired slot of every after scenario.
	Proposal domain.CandidateRecord

	// Before, when non-nil and the mode is interference, substitutes for
	// the proposal in the before scenario.
	Before *domain.CandidateRecord
}

// Result carries the emitted scenario tree and its comparison pairs.
type Result struct {
	// Root is the top-level scenario; the before scenario and every after
	// leaf are its children.
	Root domain.Scenario
	// Pairs has one before/after registration per leaf, keyed by the
	// desired record.
	Pairs []domain.ScenarioPair
	// Leaves counts emitted after scenarios.
	Leaves int
}

// membership is an entry's resolved state during traversal.
type membership uint8

const (
	undecided membership = iota
	included
	excluded
)

// Build runs the traversal. The abort flag is polled at every tree node;
// diagnostics (the explosion warning) go to the collector.
func Build(in Input, abort *domain.AbortFlag, collector *domain.ErrorCollector) (Result, error) {
	n := len(in.Undesireds)

	// Forward exclusion sets: excludes[i] = {j > i : i MX j}. Symmetric
	// closure first so a one-sided MXWith declaration still binds both.
	mx := make([][]bool, n)
	for i := range mx {
		mx[i] = make([]bool, n)
	}
	for i, u := range in.Undesireds {
		for _, j := range u.MXWith {
			if j >= 0 && j < n && j != i {
				mx[i][j] = true
				mx[j][i] = true
			}
		}
	}
	entangled := 0
	excludes := make([][]int, n)
	for i := 0; i < n; i++ {
		linked := false
		for j := 0; j < n; j++ {
			if !mx[i][j] {
				continue
			}
			linked = true
			if j > i {
				excludes[i] = append(excludes[i], j)
			}
		}
		if linked {
			entangled++
		}
	}
	if entangled > MaxMXEntries {
		return Result{}, domain.CombinationLimitError{
			DesiredKey: in.Desired.Key,
			MXCount:    entangled,
			Limit:      MaxMXEntries,
		}
	}
	if entangled > WarnMXEntries && collector != nil {
		collector.Reportf("desired %s: %d mutually-exclusive undesireds, scenario count may be large", in.Desired.Key, entangled)
	}

	b := &builder{in: in, mx: mx, excludes: excludes, abort: abort}
	if err := b.descend(0, make([]membership, n)); err != nil {
		return Result{}, err
	}
	return b.finish(), nil
}

type builder struct {
	in       Input
	mx       [][]bool
	excludes [][]int
	abort    *domain.AbortFlag

	leaves [][]int // inclusion index sets, in emission order
}

// descend resolves entry i and recurses. state is never mutated in place:
// each branch clones it, so pruning conditions see exact inherited values.
func (b *builder) descend(i int, state []membership) error {
	if err := b.abort.Check(); err != nil {
		return err
	}
	if i == len(b.in.Undesireds) {
		b.emit(state)
		return nil
	}
	if state[i] == excluded {
		return b.descend(i+1, state)
	}
	u := b.in.Undesireds[i]
	if !b.linked(i) {
		// No MX entanglement: membership is fixed by the interference
		// flag, branching would only duplicate leaves.
		next := clone(state)
		if u.CausesInterference {
			next[i] = included
		} else {
			next[i] = excluded
		}
		return b.descend(i+1, next)
	}
	// Include branch, unless it cannot change output: it adds i's signal
	// (if it interferes) and removes whichever of excludes(i) still could.
	if b.includeHasEffect(i, state) {
		next := clone(state)
		next[i] = included
		for _, j := range b.excludes[i] {
			next[j] = excluded
		}
		if err := b.descend(i+1, next); err != nil {
			return err
		}
	}
	next := clone(state)
	next[i] = excluded
	return b.descend(i+1, next)
}

func (b *builder) linked(i int) bool {
	for j := range b.mx[i] {
		if b.mx[i][j] {
			return true
		}
	}
	return false
}

func (b *builder) includeHasEffect(i int, state []membership) bool {
	if b.in.Undesireds[i].CausesInterference {
		return true
	}
	for _, j := range b.excludes[i] {
		if state[j] != excluded && b.in.Undesireds[j].CausesInterference {
			return true
		}
	}
	return false
}

func (b *builder) emit(state []membership) {
	var set []int
	for i, m := range state {
		if m == included {
			set = append(set, i)
		}
	}
	b.leaves = append(b.leaves, set)
}

func clone(state []membership) []membership {
	out := make([]membership, len(state))
	copy(out, state)
	return out
}

// finish assembles the scenario tree and pair registrations from the
// collected leaves. Leaf order is the traversal order, so scenario numbering
// is reproducible for a given undesired list order.
func (b *builder) finish() Result {
	prefix := scenarioPrefix(b.in)
	root := domain.Scenario{
		Name:        prefix,
		Description: rootDescription(b.in),
	}

	before := domain.Scenario{
		Name:    prefix + "_before",
		Members: []domain.ScenarioMember{{Key: b.in.Desired.Key, IsDesired: true, IsPermanent: true}},
	}
	if b.in.Mode == ModeInterference {
		if b.in.Before != nil {
			before.Members = append(before.Members, domain.ScenarioMember{
				Key: b.in.Before.Key, IsUndesired: true, IsPermanent: true,
			})
		}
	}
	root.Children = append(root.Children, before)

	var pairs []domain.ScenarioPair
	for ord, set := range b.leaves {
		after := domain.Scenario{
			Name:    fmt.Sprintf("%s_after_%03d", prefix, ord+1),
			Members: []domain.ScenarioMember{{Key: b.in.Desired.Key, IsDesired: true, IsPermanent: true}},
		}
		if b.in.Mode == ModeInterference {
			after.Members = append(after.Members, domain.ScenarioMember{
				Key: b.in.Proposal.Key, IsUndesired: true, IsPermanent: true,
			})
		}
		for _, i := range set {
			after.Members = append(after.Members, domain.ScenarioMember{
				Key: b.in.Undesireds[i].Record.Key, IsUndesired: true,
			})
		}
		root.Children = append(root.Children, after)
		pairs = append(pairs, domain.ScenarioPair{
			DesiredKey: b.in.Desired.Key,
			BeforeName: before.Name,
			AfterName:  after.Name,
		})
	}
	return Result{Root: root, Pairs: pairs, Leaves: len(b.leaves)}
}

func scenarioPrefix(in Input) string {
	if in.Mode == ModeCoverage {
		return "coverage"
	}
	return "ix_" + string(in.Desired.Key)
}

func rootDescription(in Input) string {
	if in.Mode == ModeCoverage {
		return fmt.Sprintf("coverage study for %s channel %d", in.Desired.CallSign, in.Desired.Channel)
	}
	return fmt.Sprintf("interference to %s channel %d", in.Desired.CallSign, in.Desired.Channel)
}
