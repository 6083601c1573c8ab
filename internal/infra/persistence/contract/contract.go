// Package contract holds the behavioral suite every persistence driver must
// pass. Driver test packages call Run with a factory for a fresh store, so
// lock compare-and-set, cache index, and study document semantics stay
// identical across the memory, sqlite, and postgres backends.
package contract

import (
	"context"
	"testing"
	"time"

	"ixstudy/pkg/domain"
)

// SeedFunc injects a station record into the backing table. The RecordStore
// interface is read-only, so each driver supplies its own write path (the
// SQL drivers wrap ImportRecord, the memory driver SeedRecord).
type SeedFunc func(table domain.RecordTable, rec domain.CandidateRecord)

// Run executes the suite, opening a fresh store per subtest.
func Run(t *testing.T, open func(t *testing.T) (domain.PersistentStore, SeedFunc)) {
	t.Run("RecordByKey", func(t *testing.T) {
		s, seed := open(t)
		recordByKey(t, s, seed)
	})
	t.Run("StudyLifecycle", func(t *testing.T) {
		s, _ := open(t)
		studyLifecycle(t, s)
	})
	t.Run("LockCompareAndSet", func(t *testing.T) {
		s, _ := open(t)
		lockCompareAndSet(t, s)
	})
	t.Run("CacheIndex", func(t *testing.T) {
		s, _ := open(t)
		cacheIndex(t, s)
	})
	t.Run("SequencePerDatabase", func(t *testing.T) {
		s, _ := open(t)
		sequencePerDatabase(t, s)
	})
}

func recordByKey(t *testing.T, s domain.PersistentStore, seed SeedFunc) {
	ctx := context.Background()
	seed(domain.TableCurrent, domain.CandidateRecord{
		Key:          "K100",
		CallSign:     "WXYZ",
		FacilityID:   9,
		Service:      domain.ServiceDTV,
		Status:       domain.StatusLicense,
		Channel:      22,
		Country:      "US",
		Sites:        []domain.Site{{LatDeg: 39.5, LonDeg: -98.25}},
		SequenceDate: time.Date(2021, 2, 3, 0, 0, 0, 0, time.UTC),
	})

	got, ok, err := s.FindByKey(ctx, domain.TableCurrent, "K100")
	if err != nil || !ok {
		t.Fatalf("FindByKey = %v %v", ok, err)
	}
	if got.CallSign != "WXYZ" || got.Channel != 22 || len(got.Sites) != 1 {
		t.Fatalf("round-trip lost fields: %+v", got)
	}
	if _, ok, err := s.FindByKey(ctx, domain.TableBaseline, "K100"); err != nil || ok {
		t.Fatalf("table isolation broken: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.FindByKey(ctx, domain.TableCurrent, "K999"); err != nil || ok {
		t.Fatalf("missing key reported present: ok=%v err=%v", ok, err)
	}
}

func studyLifecycle(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	study, err := s.CreateStudy(ctx, "ix_K100", 3, 7)
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}

	if err := s.AddScenario(ctx, study, domain.Scenario{Name: "proposed", Description: "first"}); err != nil {
		t.Fatalf("AddScenario: %v", err)
	}
	// Same name replaces the scenario instead of duplicating it.
	if err := s.AddScenario(ctx, study, domain.Scenario{Name: "proposed", Description: "replaced"}); err != nil {
		t.Fatalf("replace scenario: %v", err)
	}
	scenarios, err := s.Scenarios(ctx, study)
	if err != nil {
		t.Fatalf("Scenarios: %v", err)
	}
	if len(scenarios) != 1 || scenarios[0].Description != "replaced" {
		t.Fatalf("scenario replacement broken: %+v", scenarios)
	}

	if err := s.RegisterPair(ctx, study, domain.ScenarioPair{DesiredKey: "K100"}); err != nil {
		t.Fatalf("RegisterPair: %v", err)
	}
	pairs, err := s.Pairs(ctx, study)
	if err != nil || len(pairs) != 1 || pairs[0].DesiredKey != "K100" {
		t.Fatalf("pairs = %+v %v", pairs, err)
	}

	if err := s.SetParameter(ctx, study, "cellsize", "2.0"); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	if v, ok, err := s.Parameter(ctx, study, "cellsize"); err != nil || !ok || v != "2.0" {
		t.Fatalf("Parameter = %q %v %v", v, ok, err)
	}
	if _, ok, err := s.Parameter(ctx, study, "absent"); err != nil || ok {
		t.Fatalf("absent parameter reported present: %v %v", ok, err)
	}
	if err := s.SaveStudy(ctx, study, "report body"); err != nil {
		t.Fatalf("SaveStudy: %v", err)
	}

	if err := s.RemoveScenario(ctx, study, "proposed"); err != nil {
		t.Fatalf("RemoveScenario: %v", err)
	}
	if err := s.RemoveScenario(ctx, study, "proposed"); err != nil {
		t.Fatalf("repeat RemoveScenario: %v", err)
	}
	if scenarios, _ := s.Scenarios(ctx, study); len(scenarios) != 0 {
		t.Fatalf("scenarios after removal = %+v", scenarios)
	}

	if err := s.DeleteStudy(ctx, study); err != nil {
		t.Fatalf("DeleteStudy: %v", err)
	}
	if err := s.DeleteStudy(ctx, study); err == nil {
		t.Fatal("deleting a missing study succeeded")
	}
}

func lockCompareAndSet(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	study := domain.StudyKey("study-locks")

	zero, err := s.ReadLock(ctx, study)
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	if zero.State != domain.LockNone || zero.Generation != 0 {
		t.Fatalf("absent row must read as the zero lock, got %+v", zero)
	}

	edit := domain.StudyLock{State: domain.LockEdit, Generation: 1}
	got, ok, err := s.CompareAndSetLock(ctx, study, zero, edit)
	if err != nil || !ok || got != edit {
		t.Fatalf("insert CAS = %+v %v %v", got, ok, err)
	}

	actual, ok, err := s.CompareAndSetLock(ctx, study, zero, domain.StudyLock{State: domain.LockAdmin, Generation: 1})
	if err != nil || ok {
		t.Fatalf("stale CAS = %v %v", ok, err)
	}
	if actual != edit {
		t.Fatalf("stale holder shown %+v, want the real row %+v", actual, edit)
	}

	run := domain.StudyLock{State: domain.LockRunExclusive, Generation: 2}
	if _, ok, err := s.CompareAndSetLock(ctx, study, edit, run); err != nil || !ok {
		t.Fatalf("advance CAS = %v %v", ok, err)
	}
	if cur, err := s.ReadLock(ctx, study); err != nil || cur != run {
		t.Fatalf("lock = %+v %v, want %+v", cur, err, run)
	}
}

func cacheIndex(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	entries := []domain.RunCacheEntry{
		{DatabaseID: "db1", Name: "run_000002", Fingerprint: "fpA", RunAt: base.Add(time.Hour), OutputDir: "/out/run_000002"},
		{DatabaseID: "db1", Name: "run_000001", Fingerprint: "fpA", RunAt: base, OutputDir: "/out/run_000001"},
		{DatabaseID: "db2", Name: "run_000001", Fingerprint: "fpA", RunAt: base, OutputDir: "/other/run_000001"},
	}
	for _, e := range entries {
		if err := s.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry %s/%s: %v", e.DatabaseID, e.Name, err)
		}
	}

	rows, err := s.EntriesByFingerprint(ctx, "db1", "fpA")
	if err != nil {
		t.Fatalf("EntriesByFingerprint: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "run_000002" || rows[1].Name != "run_000001" {
		t.Fatalf("fingerprint rows not newest-first: %+v", rows)
	}
	if !rows[1].RunAt.Equal(base) {
		t.Fatalf("run_at not preserved: %v", rows[1].RunAt)
	}
	if rows, _ := s.EntriesByFingerprint(ctx, "db1", "fpB"); len(rows) != 0 {
		t.Fatalf("unknown fingerprint matched rows: %+v", rows)
	}

	all, err := s.ListEntries(ctx, "db1")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListEntries = %+v %v", all, err)
	}

	if err := s.RemoveEntry(ctx, "db1", "run_000002"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if err := s.RemoveEntry(ctx, "db1", "run_000002"); err != nil {
		t.Fatalf("repeat RemoveEntry: %v", err)
	}
	if rows, _ := s.ListEntries(ctx, "db1"); len(rows) != 1 || rows[0].Name != "run_000001" {
		t.Fatalf("rows after removal = %+v", rows)
	}
	if rows, _ := s.ListEntries(ctx, "db2"); len(rows) != 1 {
		t.Fatalf("databases not isolated: %+v", rows)
	}
}

func sequencePerDatabase(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := s.NextSequence(ctx, "db1")
		if err != nil || n != want {
			t.Fatalf("NextSequence(db1) = %d %v, want %d", n, err, want)
		}
	}
	if n, err := s.NextSequence(ctx, "db2"); err != nil || n != 1 {
		t.Fatalf("NextSequence(db2) = %d %v, want independent counter", n, err)
	}
}
