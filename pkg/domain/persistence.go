package domain

import "context"

// RecordStore is the station-data query service. Implementations are
// read-only from the core's point of view; writes happen upstream.
type RecordStore interface {
	// FindByChannels returns every record in the table whose channel is in
	// the set. With analogOnly set, digital-service records are excluded at
	// the query layer (the analog-only rule mask of the search pipeline).
	FindByChannels(ctx context.Context, table RecordTable, channels []int, analogOnly bool) ([]CandidateRecord, error)
	// FindByKey fetches one record; the second result reports existence.
	FindByKey(ctx context.Context, table RecordTable, key RecordKey) (CandidateRecord, bool, error)
}

// StudyStore is the persistent study-document store.
type StudyStore interface {
	// CreateStudy creates a study document from a template and returns its key.
	CreateStudy(ctx context.Context, name string, templateID, dataVersionID int) (StudyKey, error)
	// AddSource adds or replaces a source record in the study document.
	AddSource(ctx context.Context, study StudyKey, rec CandidateRecord) error
	// AddScenario adds or replaces a scenario, including its children.
	AddScenario(ctx context.Context, study StudyKey, sc Scenario) error
	// RemoveScenario deletes a scenario (and its children) by name.
	RemoveScenario(ctx context.Context, study StudyKey, name string) error
	// RegisterPair records a before/after comparison pairing.
	RegisterPair(ctx context.Context, study StudyKey, pair ScenarioPair) error
	// Scenarios lists the study's top-level scenarios in insertion order.
	Scenarios(ctx context.Context, study StudyKey) ([]Scenario, error)
	// Pairs lists the registered comparison pairs in insertion order.
	Pairs(ctx context.Context, study StudyKey) ([]ScenarioPair, error)
	// SetParameter stores a named study parameter.
	SetParameter(ctx context.Context, study StudyKey, name, value string) error
	// Parameter fetches a named study parameter.
	Parameter(ctx context.Context, study StudyKey, name string) (string, bool, error)
	// SaveStudy persists the document together with its report text.
	SaveStudy(ctx context.Context, study StudyKey, reportText string) error
	// DeleteStudy removes the study document entirely.
	DeleteStudy(ctx context.Context, study StudyKey) error
}

// LockTable is the persisted lock-state table. Reading a study with no row
// yields the zero lock (NONE, generation 0).
type LockTable interface {
	// ReadLock returns the current lock row for the study.
	ReadLock(ctx context.Context, study StudyKey) (StudyLock, error)
	// CompareAndSetLock atomically replaces the lock row when it still
	// equals expect. On mismatch it returns the actual row and false; the
	// caller must not retry silently.
	CompareAndSetLock(ctx context.Context, study StudyKey, expect, next StudyLock) (StudyLock, bool, error)
}

// CacheIndex is the run-cache index table shared by all studies of one
// database.
type CacheIndex interface {
	// InsertEntry adds an index row; the reservation step calls this before
	// the engine is invoked.
	InsertEntry(ctx context.Context, e RunCacheEntry) error
	// EntriesByFingerprint returns rows for a fingerprint, most recent first.
	EntriesByFingerprint(ctx context.Context, databaseID, fingerprint string) ([]RunCacheEntry, error)
	// ListEntries returns every row for the database, most recent first.
	ListEntries(ctx context.Context, databaseID string) ([]RunCacheEntry, error)
	// RemoveEntry deletes one index row by name.
	RemoveEntry(ctx context.Context, databaseID, name string) error
	// NextSequence allocates the next output-name sequence number.
	NextSequence(ctx context.Context, databaseID string) (int64, error)
}

// PersistentStore bundles every table a deployment backs with one database.
type PersistentStore interface {
	RecordStore
	StudyStore
	LockTable
	CacheIndex
	Close() error
}
