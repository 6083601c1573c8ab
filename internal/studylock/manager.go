// Package studylock enforces the study lock state machine over the
// persisted lock table. Every transition is one atomic read-compare-write:
// the manager serializes in-process callers with a mutex, reads the
// persisted row, compares it against the caller's held snapshot, writes the
// new state, and increments the generation. Conflicts are reported as
// LockConflictError and never retried here.
package studylock

import (
	"context"
	"sync"

	"ixstudy/pkg/domain"
)

// Manager linearizes lock transitions for the studies of one database.
type Manager struct {
	table domain.LockTable
	mu    sync.Mutex
}

// NewManager wraps a lock table.
func NewManager(table domain.LockTable) *Manager {
	return &Manager{table: table}
}

// Read returns the current lock row without transitioning.
func (m *Manager) Read(ctx context.Context, study domain.StudyKey) (domain.StudyLock, error) {
	return m.table.ReadLock(ctx, study)
}

// allowed enumerates the exclusive-state transitions the machine permits.
// RUN_SHARED is handled by AcquireShared/ReleaseShared with its counter.
var allowed = map[domain.LockState]map[domain.LockState]bool{
	domain.LockNone:         {domain.LockEdit: true, domain.LockAdmin: true},
	domain.LockEdit:         {domain.LockRunExclusive: true, domain.LockNone: true},
	domain.LockRunExclusive: {domain.LockEdit: true, domain.LockNone: true},
	domain.LockAdmin:        {domain.LockNone: true},
}

// AcquireEdit takes the edit lock on an unlocked study and returns the held
// snapshot. The returned generation must accompany every later transition.
func (m *Manager) AcquireEdit(ctx context.Context, study domain.StudyKey) (domain.StudyLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.table.ReadLock(ctx, study)
	if err != nil {
		return domain.StudyLock{}, err
	}
	expect := domain.StudyLock{State: domain.LockNone, Generation: cur.Generation}
	if cur.State != domain.LockNone {
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: expect, Actual: cur}
	}
	next := domain.StudyLock{State: domain.LockEdit, Generation: cur.Generation + 1}
	actual, ok, err := m.table.CompareAndSetLock(ctx, study, cur, next)
	if err != nil {
		return domain.StudyLock{}, err
	}
	if !ok {
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: expect, Actual: actual}
	}
	return next, nil
}

// Transition moves the lock from the caller's held snapshot to a new
// exclusive state, validating the machine's edges. to=NONE releases.
func (m *Manager) Transition(ctx context.Context, study domain.StudyKey, held domain.StudyLock, to domain.LockState) (domain.StudyLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !allowed[held.State][to] {
		actual, _ := m.table.ReadLock(ctx, study)
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: held, Actual: actual}
	}
	next := domain.StudyLock{State: to, Generation: held.Generation + 1}
	actual, ok, err := m.table.CompareAndSetLock(ctx, study, held, next)
	if err != nil {
		return domain.StudyLock{}, err
	}
	if !ok {
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: held, Actual: actual}
	}
	return next, nil
}

// AcquireShared joins (or starts) the shared run-lock population.
func (m *Manager) AcquireShared(ctx context.Context, study domain.StudyKey) (domain.StudyLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.table.ReadLock(ctx, study)
	if err != nil {
		return domain.StudyLock{}, err
	}
	var next domain.StudyLock
	switch cur.State {
	case domain.LockNone:
		next = domain.StudyLock{State: domain.LockRunShared, Generation: cur.Generation + 1, ShareCount: 1}
	case domain.LockRunShared:
		next = domain.StudyLock{State: domain.LockRunShared, Generation: cur.Generation + 1, ShareCount: cur.ShareCount + 1}
	default:
		return domain.StudyLock{}, domain.LockConflictError{
			Study:    study,
			Expected: domain.StudyLock{State: domain.LockRunShared, Generation: cur.Generation},
			Actual:   cur,
		}
	}
	actual, ok, err := m.table.CompareAndSetLock(ctx, study, cur, next)
	if err != nil {
		return domain.StudyLock{}, err
	}
	if !ok {
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: cur, Actual: actual}
	}
	return next, nil
}

// ReleaseShared leaves the shared population; the state clears to NONE only
// when the share counter reaches zero.
func (m *Manager) ReleaseShared(ctx context.Context, study domain.StudyKey, held domain.StudyLock) (domain.StudyLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held.State != domain.LockRunShared || held.ShareCount < 1 {
		actual, _ := m.table.ReadLock(ctx, study)
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: held, Actual: actual}
	}
	next := domain.StudyLock{State: domain.LockRunShared, Generation: held.Generation + 1, ShareCount: held.ShareCount - 1}
	if next.ShareCount == 0 {
		next.State = domain.LockNone
	}
	actual, ok, err := m.table.CompareAndSetLock(ctx, study, held, next)
	if err != nil {
		return domain.StudyLock{}, err
	}
	if !ok {
		return domain.StudyLock{}, domain.LockConflictError{Study: study, Expected: held, Actual: actual}
	}
	return next, nil
}
