package domain

// LockState enumerates the study lock states.
type LockState string

// Lock states. At most one EDIT, RUN_EXCLUSIVE, or ADMIN holder may exist at
// a time; RUN_SHARED admits multiple holders tracked by ShareCount.
const (
	LockNone         LockState = "NONE"
	LockEdit         LockState = "EDIT"
	LockRunExclusive LockState = "RUN_EXCLUSIVE"
	LockRunShared    LockState = "RUN_SHARED"
	LockAdmin        LockState = "ADMIN"
)

// StudyLock is the persisted lock row for one study. Every successful
// transition increments Generation, so a stale holder's next compare fails
// explicitly instead of racing.
type StudyLock struct {
	State      LockState `json:"state"`
	Generation int64     `json:"generation"`
	ShareCount int       `json:"share_count"`
}
