package studylock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ixstudy/internal/infra/persistence/memory"
	"ixstudy/pkg/domain"
)

func TestAcquireEditIncrementsGeneration(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewStore())
	held, err := m.AcquireEdit(ctx, "study-1")
	if err != nil {
		t.Fatalf("AcquireEdit: %v", err)
	}
	if held.State != domain.LockEdit || held.Generation != 1 {
		t.Fatalf("held = %+v, want EDIT gen 1", held)
	}
	if _, err := m.AcquireEdit(ctx, "study-1"); err == nil {
		t.Fatal("second AcquireEdit succeeded, want conflict")
	}
}

func TestStaleGenerationFailsLoudly(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewStore())

	// Advance the lock to (EDIT, gen=5).
	held, err := m.AcquireEdit(ctx, "study-1")
	if err != nil {
		t.Fatalf("AcquireEdit: %v", err)
	}
	for _, to := range []domain.LockState{
		domain.LockRunExclusive, domain.LockEdit,
		domain.LockRunExclusive, domain.LockEdit,
	} {
		if held, err = m.Transition(ctx, "study-1", held, to); err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
	}
	if held.Generation != 5 {
		t.Fatalf("generation = %d, want 5", held.Generation)
	}

	stale := domain.StudyLock{State: domain.LockEdit, Generation: 4}
	_, err = m.Transition(ctx, "study-1", stale, domain.LockRunExclusive)
	var conflict domain.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want LockConflictError", err)
	}
	if conflict.Actual.Generation != 5 {
		t.Fatalf("conflict actual = %+v, want gen 5", conflict.Actual)
	}

	got, err := m.Transition(ctx, "study-1", held, domain.LockRunExclusive)
	if err != nil {
		t.Fatalf("Transition with current snapshot: %v", err)
	}
	if got.State != domain.LockRunExclusive || got.Generation != 6 {
		t.Fatalf("lock = %+v, want RUN_EXCLUSIVE gen 6", got)
	}
}

func TestConcurrentCompareAndSwapAdmitsExactlyOne(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	// Two managers simulate two processes sharing the table: the in-process
	// mutex does not protect across them, only the table CAS does.
	a := NewManager(store)
	b := NewManager(store)

	const rounds = 50
	for i := 0; i < rounds; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		locks := make([]domain.StudyLock, 2)
		for n, m := range []*Manager{a, b} {
			n, m := n, m
			wg.Add(1)
			go func() {
				defer wg.Done()
				locks[n], errs[n] = m.AcquireEdit(ctx, "study-1")
			}()
		}
		wg.Wait()

		winners := 0
		var winner domain.StudyLock
		for n := range errs {
			if errs[n] == nil {
				winners++
				winner = locks[n]
				continue
			}
			var conflict domain.LockConflictError
			if !errors.As(errs[n], &conflict) {
				t.Fatalf("loser error = %v, want LockConflictError", errs[n])
			}
		}
		if winners != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", i, winners)
		}
		if _, err := a.Transition(ctx, "study-1", winner, domain.LockNone); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestDisallowedTransitionRejected(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewStore())
	held, err := m.AcquireEdit(ctx, "study-1")
	if err != nil {
		t.Fatalf("AcquireEdit: %v", err)
	}
	if _, err := m.Transition(ctx, "study-1", held, domain.LockAdmin); err == nil {
		t.Fatal("EDIT -> ADMIN allowed, want conflict")
	}
}

func TestSharedLockCounting(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewStore())

	first, err := m.AcquireShared(ctx, "study-1")
	if err != nil {
		t.Fatalf("first AcquireShared: %v", err)
	}
	if first.ShareCount != 1 {
		t.Fatalf("share count = %d, want 1", first.ShareCount)
	}
	second, err := m.AcquireShared(ctx, "study-1")
	if err != nil {
		t.Fatalf("second AcquireShared: %v", err)
	}
	if second.ShareCount != 2 {
		t.Fatalf("share count = %d, want 2", second.ShareCount)
	}

	after, err := m.ReleaseShared(ctx, "study-1", second)
	if err != nil {
		t.Fatalf("ReleaseShared: %v", err)
	}
	if after.State != domain.LockRunShared || after.ShareCount != 1 {
		t.Fatalf("lock = %+v, want RUN_SHARED count 1", after)
	}
	final, err := m.ReleaseShared(ctx, "study-1", after)
	if err != nil {
		t.Fatalf("final ReleaseShared: %v", err)
	}
	if final.State != domain.LockNone || final.ShareCount != 0 {
		t.Fatalf("lock = %+v, want NONE count 0", final)
	}

	// An exclusive acquire must refuse while shared holders remain.
	shared, err := m.AcquireShared(ctx, "study-1")
	if err != nil {
		t.Fatalf("AcquireShared: %v", err)
	}
	if _, err := m.AcquireEdit(ctx, "study-1"); err == nil {
		t.Fatal("AcquireEdit under RUN_SHARED succeeded, want conflict")
	}
	if _, err := m.ReleaseShared(ctx, "study-1", shared); err != nil {
		t.Fatalf("ReleaseShared: %v", err)
	}
}
