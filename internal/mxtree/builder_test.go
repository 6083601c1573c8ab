package mxtree

import (
	"errors"
	"reflect"
	"testing"

	"ixstudy/pkg/domain"
)

func record(key string, channel int) domain.CandidateRecord {
	return domain.CandidateRecord{
		Key:      domain.RecordKey(key),
		CallSign: "K" + key,
		Channel:  channel,
		Sites:    []domain.Site{{LatDeg: 40, LonDeg: -100}},
	}
}

func leafSets(root domain.Scenario, desired domain.RecordKey) [][]string {
	var out [][]string
	for _, child := range root.Children {
		if child.Name == root.Name+"_before" {
			continue
		}
		set := []string{}
		for _, m := range child.Members {
			if m.IsUndesired && !m.IsPermanent {
				set = append(set, string(m.Key))
			}
		}
		out = append(out, set)
	}
	return out
}

func TestMutuallyExclusivePairNeverBothIncluded(t *testing.T) {
	desired := record("D1", 30)
	in := Input{
		Mode:     ModeCoverage,
		Desired:  desired,
		Proposal: desired,
		Undesireds: []domain.Undesired{
			{Record: record("U1", 30), CausesInterference: true, MXWith: []int{1}},
			{Record: record("U2", 31), CausesInterference: true, MXWith: []int{0}},
		},
	}
	res, err := Build(in, &domain.AbortFlag{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Leaves != 3 {
		t.Fatalf("leaves = %d, want 3", res.Leaves)
	}
	got := leafSets(res.Root, desired.Key)
	want := [][]string{
		{"U1"}, // include first, force-exclude its partner
		{"U2"},
		{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("leaf sets = %v, want %v", got, want)
	}
}

func TestEntangledCeilingAborts(t *testing.T) {
	// 19 entries, each MX-linked to a distinct partner, all entangled.
	var und []domain.Undesired
	for i := 0; i < 19; i++ {
		partner := i + 1
		if i == 18 {
			partner = 0
		}
		und = append(und, domain.Undesired{
			Record:             record(string(rune('A'+i)), 30),
			CausesInterference: true,
			MXWith:             []int{partner},
		})
	}
	_, err := Build(Input{Mode: ModeCoverage, Desired: record("D", 30), Proposal: record("D", 30), Undesireds: und}, &domain.AbortFlag{}, nil)
	var limitErr domain.CombinationLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("err = %v, want CombinationLimitError", err)
	}
	if limitErr.MXCount != 19 || limitErr.Limit != MaxMXEntries {
		t.Fatalf("limit error = %+v", limitErr)
	}
}

func TestEntangledWarningReported(t *testing.T) {
	var und []domain.Undesired
	for i := 0; i < 16; i++ {
		partner := i ^ 1 // pair up neighbors
		und = append(und, domain.Undesired{
			Record:             record(string(rune('A'+i)), 14),
			CausesInterference: i%4 == 0,
			MXWith:             []int{partner},
		})
	}
	collector := &domain.ErrorCollector{}
	if _, err := Build(Input{Mode: ModeCoverage, Desired: record("D", 14), Proposal: record("D", 14), Undesireds: und}, &domain.AbortFlag{}, collector); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !collector.HasErrors() {
		t.Fatal("expected entanglement warning in collector")
	}
}

func TestNonLinkedMembershipFollowsInterferenceFlag(t *testing.T) {
	desired := record("D1", 22)
	in := Input{
		Mode:     ModeCoverage,
		Desired:  desired,
		Proposal: desired,
		Undesireds: []domain.Undesired{
			{Record: record("U1", 22), CausesInterference: true},
			{Record: record("U2", 23), CausesInterference: false},
		},
	}
	res, err := Build(in, &domain.AbortFlag{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Leaves != 1 {
		t.Fatalf("leaves = %d, want 1", res.Leaves)
	}
	got := leafSets(res.Root, desired.Key)
	if !reflect.DeepEqual(got, [][]string{{"U1"}}) {
		t.Fatalf("leaf sets = %v, want [[U1]]", got)
	}
}

func TestIncludeBranchPrunedWhenNothingInterferes(t *testing.T) {
	// Both MX partners classified non-interfering: including either cannot
	// change output, so only the all-excluded leaf survives.
	desired := record("D1", 30)
	in := Input{
		Mode:     ModeCoverage,
		Desired:  desired,
		Proposal: desired,
		Undesireds: []domain.Undesired{
			{Record: record("U1", 30), CausesInterference: false, MXWith: []int{1}},
			{Record: record("U2", 31), CausesInterference: false, MXWith: []int{0}},
		},
	}
	res, err := Build(in, &domain.AbortFlag{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Leaves != 1 {
		t.Fatalf("leaves = %d, want 1", res.Leaves)
	}
	if got := leafSets(res.Root, desired.Key); len(got[0]) != 0 {
		t.Fatalf("leaf sets = %v, want one empty set", got)
	}
}

func TestOneSidedMXDeclarationBindsBothEntries(t *testing.T) {
	desired := record("D1", 30)
	in := Input{
		Mode:     ModeCoverage,
		Desired:  desired,
		Proposal: desired,
		Undesireds: []domain.Undesired{
			{Record: record("U1", 30), CausesInterference: true, MXWith: []int{1}},
			{Record: record("U2", 31), CausesInterference: true}, // no back link
		},
	}
	res, err := Build(in, &domain.AbortFlag{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, set := range leafSets(res.Root, desired.Key) {
		if len(set) == 2 {
			t.Fatalf("MX-linked pair both included in leaf %v", set)
		}
	}
}

func TestDeterministicLeafOrder(t *testing.T) {
	desired := record("D1", 30)
	in := Input{
		Mode:     ModeCoverage,
		Desired:  desired,
		Proposal: desired,
		Undesireds: []domain.Undesired{
			{Record: record("U1", 30), CausesInterference: true, MXWith: []int{1, 2}},
			{Record: record("U2", 29), CausesInterference: true, MXWith: []int{0}},
			{Record: record("U3", 31), CausesInterference: true, MXWith: []int{0}},
		},
	}
	first, err := Build(in, &domain.AbortFlag{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Build(in, &domain.AbortFlag{}, nil)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if !reflect.DeepEqual(leafSets(first.Root, desired.Key), leafSets(again.Root, desired.Key)) {
			t.Fatal("leaf order changed between identical builds")
		}
	}
}

func TestInterferenceModePairsAndPermanentSlots(t *testing.T) {
	desired := record("D1", 30)
	proposal := record("P1", 31)
	before := record("B1", 29)
	in := Input{
		Mode:     ModeInterference,
		Desired:  desired,
		Proposal: proposal,
		Before:   &before,
		Undesireds: []domain.Undesired{
			{Record: record("U1", 30), CausesInterference: true},
		},
	}
	res, err := Build(in, &domain.AbortFlag{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Pairs) != res.Leaves {
		t.Fatalf("pairs = %d, leaves = %d", len(res.Pairs), res.Leaves)
	}
	for _, p := range res.Pairs {
		if p.DesiredKey != desired.Key {
			t.Fatalf("pair desired = %s, want %s", p.DesiredKey, desired.Key)
		}
	}
	beforeSc := res.Root.Children[0]
	if len(beforeSc.Members) != 2 || beforeSc.Members[1].Key != before.Key {
		t.Fatalf("before scenario members = %+v, want before record slot", beforeSc.Members)
	}
	after := res.Root.Children[1]
	foundProposal := false
	for _, m := range after.Members {
		if m.Key == proposal.Key && m.IsUndesired && m.IsPermanent {
			foundProposal = true
		}
	}
	if !foundProposal {
		t.Fatalf("after scenario %+v missing permanent proposal slot", after.Members)
	}
}

func TestAbortStopsTraversal(t *testing.T) {
	abort := &domain.AbortFlag{}
	abort.Abort()
	_, err := Build(Input{
		Mode:     ModeCoverage,
		Desired:  record("D1", 30),
		Proposal: record("D1", 30),
		Undesireds: []domain.Undesired{
			{Record: record("U1", 30), CausesInterference: true},
		},
	}, abort, nil)
	if !errors.Is(err, domain.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}
