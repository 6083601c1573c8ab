package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"ixstudy/internal/engine"
	"ixstudy/internal/infra/persistence/memory"
	"ixstudy/internal/studylock"
	"ixstudy/pkg/domain"
)

func fakeEngine(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine script requires a POSIX shell")
	}
	script := "#!/bin/sh\n" +
		"printf 'Password: '\n" +
		"read pw\n" +
		"echo \"$pw\"\n" +
		body
	path := filepath.Join(t.TempDir(), "fake-engine")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake engine: %v", err)
	}
	return path
}

func engineConfig(binary string) engine.Config {
	return engine.Config{
		Binary:        binary,
		WorkDir:       ".",
		OutDir:        ".",
		Host:          "localhost",
		DBName:        "db1",
		User:          "study",
		Password:      "secret",
		MaxProcesses:  1,
		OutputFormats: []domain.OutputFormat{domain.OutputCoverageMap},
	}
}

func record(key string, channel int) domain.CandidateRecord {
	return domain.CandidateRecord{
		Key:      domain.RecordKey(key),
		CallSign: "K" + key,
		Channel:  channel,
		Sites:    []domain.Site{{LatDeg: 40, LonDeg: -100}},
	}
}

func testStations() []domain.ProtectedStation {
	return []domain.ProtectedStation{
		{
			Record:               record("D1", 30),
			ReceivesInterference: true,
			Undesireds: []domain.Undesired{
				{Record: record("U1", 30), CausesInterference: true},
				{Record: record("U2", 31), CausesInterference: true},
			},
		},
	}
}

func setupStudy(t *testing.T, store *memory.Store, locks *studylock.Manager) (domain.StudyKey, domain.StudyLock) {
	t.Helper()
	ctx := context.Background()
	study, err := store.CreateStudy(ctx, "probe-test", 1, 1)
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	held, err := locks.AcquireEdit(ctx, study)
	if err != nil {
		t.Fatalf("AcquireEdit: %v", err)
	}
	return study, held
}

func TestClassifyAppliesEngineResults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	locks := studylock.NewManager(store)
	study, held := setupStudy(t, store, locks)

	bin := fakeEngine(t, strings.Join([]string{
		"echo '##RESULT=D1,U1,1'",
		"echo '##RESULT=D1,U2,0'",
		"exit 0",
	}, "\n"))
	r := NewRunner(store, locks, engine.NewDriver(nil, nil), nil)

	stations := testStations()
	after, err := r.Classify(ctx, study, held, stations, engineConfig(bin), &domain.AbortFlag{}, nil, &domain.ErrorCollector{})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !stations[0].Undesireds[0].CausesInterference {
		t.Fatal("U1 classification lost")
	}
	if stations[0].Undesireds[1].CausesInterference {
		t.Fatal("U2 still flagged after engine cleared it")
	}

	// The lock is back at EDIT with an advanced generation.
	if after.State != domain.LockEdit {
		t.Fatalf("lock state = %s, want EDIT", after.State)
	}
	if after.Generation != held.Generation+2 {
		t.Fatalf("generation = %d, want %d", after.Generation, held.Generation+2)
	}

	// The throwaway scenario is gone.
	scenarios, err := store.Scenarios(ctx, study)
	if err != nil {
		t.Fatalf("Scenarios: %v", err)
	}
	if len(scenarios) != 0 {
		t.Fatalf("scenarios = %+v, want probe scenario removed", scenarios)
	}
}

func TestClassifyDualRoleStations(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	locks := studylock.NewManager(store)
	study, held := setupStudy(t, store, locks)

	bin := fakeEngine(t, strings.Join([]string{
		"echo '##RESULT=D1,U1,1'",
		"echo '##RESULT=U1,D1,1'",
		"exit 0",
	}, "\n"))
	r := NewRunner(store, locks, engine.NewDriver(nil, nil), nil)

	stations := []domain.ProtectedStation{
		{Record: record("D1", 30), Undesireds: []domain.Undesired{{Record: record("U1", 30)}}},
		{Record: record("U1", 30), Undesireds: []domain.Undesired{{Record: record("D1", 30)}}},
	}
	if _, err := r.Classify(ctx, study, held, stations, engineConfig(bin), &domain.AbortFlag{}, nil, &domain.ErrorCollector{}); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !stations[0].Undesireds[0].CausesInterference {
		t.Fatal("D1's pairing against U1 lost")
	}
	if !stations[1].Undesireds[0].CausesInterference {
		t.Fatal("U1's pairing against D1 lost")
	}
	scenarios, err := store.Scenarios(ctx, study)
	if err != nil {
		t.Fatalf("Scenarios: %v", err)
	}
	if len(scenarios) != 0 {
		t.Fatalf("scenarios = %+v, want all probe scenarios removed", scenarios)
	}
}

func TestClassifyStaleLockFailsLoudly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	locks := studylock.NewManager(store)
	study, held := setupStudy(t, store, locks)

	// Another actor advances the lock behind our back.
	if _, err := locks.Transition(ctx, study, held, domain.LockRunExclusive); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	bin := fakeEngine(t, "exit 0")
	r := NewRunner(store, locks, engine.NewDriver(nil, nil), nil)
	_, err := r.Classify(ctx, study, held, testStations(), engineConfig(bin), &domain.AbortFlag{}, nil, &domain.ErrorCollector{})
	var conflict domain.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want LockConflictError", err)
	}
	// No throwaway scenario may survive the failure.
	scenarios, serr := store.Scenarios(ctx, study)
	if serr != nil {
		t.Fatalf("Scenarios: %v", serr)
	}
	if len(scenarios) != 0 {
		t.Fatalf("scenarios = %+v, want none after failed probe", scenarios)
	}
}

func TestClassifyEngineFailureReleasesLock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	locks := studylock.NewManager(store)
	study, held := setupStudy(t, store, locks)

	bin := fakeEngine(t, "exit 2")
	r := NewRunner(store, locks, engine.NewDriver(nil, nil), nil)
	_, err := r.Classify(ctx, study, held, testStations(), engineConfig(bin), &domain.AbortFlag{}, nil, &domain.ErrorCollector{})
	var procErr domain.EngineProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("err = %v, want EngineProcessError", err)
	}
	lock, lerr := locks.Read(ctx, study)
	if lerr != nil {
		t.Fatalf("Read: %v", lerr)
	}
	if lock.State != domain.LockEdit {
		t.Fatalf("lock state = %s, want EDIT restored after failure", lock.State)
	}
}

func TestClassifyNoStationsIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	locks := studylock.NewManager(store)
	study, held := setupStudy(t, store, locks)

	r := NewRunner(store, locks, engine.NewDriver(nil, nil), nil)
	after, err := r.Classify(ctx, study, held, nil, engineConfig("unused"), &domain.AbortFlag{}, nil, &domain.ErrorCollector{})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if after != held {
		t.Fatalf("lock changed with no stations: %+v", after)
	}
}

func TestBuildProbeScenariosOnePerStation(t *testing.T) {
	stations := []domain.ProtectedStation{
		{Record: record("D1", 30), Undesireds: []domain.Undesired{
			{Record: record("U1", 30)},
			{Record: record("U2", 31)},
		}},
		{Record: record("D2", 31), Undesireds: []domain.Undesired{
			{Record: record("U1", 30)},
		}},
	}
	scenarios := buildProbeScenarios(stations)
	if len(scenarios) != 2 {
		t.Fatalf("scenarios = %d, want one per station", len(scenarios))
	}
	if scenarios[0].Name == scenarios[1].Name {
		t.Fatalf("scenario names collide: %s", scenarios[0].Name)
	}
	first := scenarios[0].Members
	if len(first) != 3 || !first[0].IsDesired || first[0].Key != "D1" {
		t.Fatalf("first scenario members = %+v", first)
	}
	for _, m := range first[1:] {
		if !m.IsUndesired || m.IsDesired {
			t.Fatalf("undesired member mis-flagged: %+v", m)
		}
	}
	second := scenarios[1].Members
	if len(second) != 2 || second[0].Key != "D2" || second[1].Key != "U1" {
		t.Fatalf("second scenario members = %+v", second)
	}
}

func TestBuildProbeScenariosKeepDualRoles(t *testing.T) {
	// D1 and U1 each protect against the other, so each must appear as a
	// desired in its own scenario and an undesired in the other's.
	stations := []domain.ProtectedStation{
		{Record: record("D1", 30), Undesireds: []domain.Undesired{{Record: record("U1", 30)}}},
		{Record: record("U1", 30), Undesireds: []domain.Undesired{{Record: record("D1", 30)}}},
	}
	scenarios := buildProbeScenarios(stations)
	if len(scenarios) != 2 {
		t.Fatalf("scenarios = %d, want 2", len(scenarios))
	}
	roles := map[domain.RecordKey]struct{ desired, undesired bool }{}
	for _, sc := range scenarios {
		for _, m := range sc.Members {
			r := roles[m.Key]
			r.desired = r.desired || m.IsDesired
			r.undesired = r.undesired || m.IsUndesired
			roles[m.Key] = r
		}
	}
	for _, key := range []domain.RecordKey{"D1", "U1"} {
		if r := roles[key]; !r.desired || !r.undesired {
			t.Fatalf("%s roles = %+v, want both desired and undesired", key, r)
		}
	}
}
