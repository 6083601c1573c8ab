// Package memory provides an in-memory PersistentStore used by tests and as
// the reference semantics for the durable drivers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ixstudy/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type studyDoc struct {
	name          string
	templateID    int
	dataVersionID int
	sources       map[domain.RecordKey]domain.CandidateRecord
	scenarios     []domain.Scenario
	pairs         []domain.ScenarioPair
	params        map[string]string
	report        string
}

// Store keeps every table in process memory. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	records  map[domain.RecordTable]map[domain.RecordKey]domain.CandidateRecord
	studies  map[domain.StudyKey]*studyDoc
	locks    map[domain.StudyKey]domain.StudyLock
	cache    map[string][]domain.RunCacheEntry
	seq      map[string]int64
	studySeq int64
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		records: map[domain.RecordTable]map[domain.RecordKey]domain.CandidateRecord{
			domain.TableCurrent:  {},
			domain.TableBaseline: {},
		},
		studies: map[domain.StudyKey]*studyDoc{},
		locks:   map[domain.StudyKey]domain.StudyLock{},
		cache:   map[string][]domain.RunCacheEntry{},
		seq:     map[string]int64{},
	}
}

// SeedRecord loads a station record into a table. Test and import helper.
func (s *Store) SeedRecord(table domain.RecordTable, rec domain.CandidateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[table][rec.Key] = rec
}

// FindByChannels returns records whose channel is in the set, sorted by key
// for reproducible downstream ordering.
func (s *Store) FindByChannels(ctx context.Context, table domain.RecordTable, channels []int, analogOnly bool) ([]domain.CandidateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[int]bool, len(channels))
	for _, ch := range channels {
		wanted[ch] = true
	}
	var out []domain.CandidateRecord
	for _, rec := range s.records[table] {
		if !wanted[rec.Channel] {
			continue
		}
		if analogOnly && rec.Service.Digital() {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// FindByKey fetches one record.
func (s *Store) FindByKey(ctx context.Context, table domain.RecordTable, key domain.RecordKey) (domain.CandidateRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[table][key]
	return rec, ok, nil
}

// CreateStudy creates a study document from a template.
func (s *Store) CreateStudy(ctx context.Context, name string, templateID, dataVersionID int) (domain.StudyKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studySeq++
	key := domain.StudyKey(fmt.Sprintf("study-%d", s.studySeq))
	s.studies[key] = &studyDoc{
		name:          name,
		templateID:    templateID,
		dataVersionID: dataVersionID,
		sources:       map[domain.RecordKey]domain.CandidateRecord{},
		params:        map[string]string{},
	}
	return key, nil
}

func (s *Store) study(key domain.StudyKey) (*studyDoc, error) {
	doc, ok := s.studies[key]
	if !ok {
		return nil, fmt.Errorf("study %s not found", key)
	}
	return doc, nil
}

// AddSource adds or replaces a source record.
func (s *Store) AddSource(ctx context.Context, study domain.StudyKey, rec domain.CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.study(study)
	if err != nil {
		return err
	}
	doc.sources[rec.Key] = rec
	return nil
}

// AddScenario adds or replaces a scenario by name.
func (s *Store) AddScenario(ctx context.Context, study domain.StudyKey, sc domain.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.study(study)
	if err != nil {
		return err
	}
	for i, existing := range doc.scenarios {
		if existing.Name == sc.Name {
			doc.scenarios[i] = sc
			return nil
		}
	}
	doc.scenarios = append(doc.scenarios, sc)
	return nil
}

// RemoveScenario deletes a scenario by name; removing an absent scenario is
// not an error.
func (s *Store) RemoveScenario(ctx context.Context, study domain.StudyKey, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.study(study)
	if err != nil {
		return err
	}
	for i, existing := range doc.scenarios {
		if existing.Name == name {
			doc.scenarios = append(doc.scenarios[:i], doc.scenarios[i+1:]...)
			return nil
		}
	}
	return nil
}

// RegisterPair records a before/after comparison pairing.
func (s *Store) RegisterPair(ctx context.Context, study domain.StudyKey, pair domain.ScenarioPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.study(study)
	if err != nil {
		return err
	}
	doc.pairs = append(doc.pairs, pair)
	return nil
}

// Scenarios lists top-level scenarios in insertion order.
func (s *Store) Scenarios(ctx context.Context, study domain.StudyKey) ([]domain.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.study(study)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Scenario, len(doc.scenarios))
	copy(out, doc.scenarios)
	return out, nil
}

// Pairs lists registered comparison pairs in insertion order.
func (s *Store) Pairs(ctx context.Context, study domain.StudyKey) ([]domain.ScenarioPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.study(study)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ScenarioPair, len(doc.pairs))
	copy(out, doc.pairs)
	return out, nil
}

// SetParameter stores a named study parameter.
func (s *Store) SetParameter(ctx context.Context, study domain.StudyKey, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.study(study)
	if err != nil {
		return err
	}
	doc.params[name] = value
	return nil
}

// Parameter fetches a named study parameter.
func (s *Store) Parameter(ctx context.Context, study domain.StudyKey, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.study(study)
	if err != nil {
		return "", false, err
	}
	v, ok := doc.params[name]
	return v, ok, nil
}

// SaveStudy persists the report text.
func (s *Store) SaveStudy(ctx context.Context, study domain.StudyKey, reportText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.study(study)
	if err != nil {
		return err
	}
	doc.report = reportText
	return nil
}

// DeleteStudy removes the study document entirely.
func (s *Store) DeleteStudy(ctx context.Context, study domain.StudyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[study]; !ok {
		return fmt.Errorf("study %s not found", study)
	}
	delete(s.studies, study)
	return nil
}

// ReadLock returns the lock row; absent rows read as the zero lock.
func (s *Store) ReadLock(ctx context.Context, study domain.StudyKey) (domain.StudyLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lk, ok := s.locks[study]
	if !ok {
		return domain.StudyLock{State: domain.LockNone}, nil
	}
	return lk, nil
}

// CompareAndSetLock replaces the row when (state, generation) still match.
func (s *Store) CompareAndSetLock(ctx context.Context, study domain.StudyKey, expect, next domain.StudyLock) (domain.StudyLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[study]
	if !ok {
		cur = domain.StudyLock{State: domain.LockNone}
	}
	if cur.State != expect.State || cur.Generation != expect.Generation {
		return cur, false, nil
	}
	s.locks[study] = next
	return next, true, nil
}

// InsertEntry adds a run-cache index row.
func (s *Store) InsertEntry(ctx context.Context, e domain.RunCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[e.DatabaseID] = append(s.cache[e.DatabaseID], e)
	return nil
}

func sortRecent(entries []domain.RunCacheEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RunAt.Equal(entries[j].RunAt) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].RunAt.After(entries[j].RunAt)
	})
}

// EntriesByFingerprint returns matching rows, most recent first.
func (s *Store) EntriesByFingerprint(ctx context.Context, databaseID, fingerprint string) ([]domain.RunCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RunCacheEntry
	for _, e := range s.cache[databaseID] {
		if e.Fingerprint == fingerprint {
			out = append(out, e)
		}
	}
	sortRecent(out)
	return out, nil
}

// ListEntries returns every row for the database, most recent first.
func (s *Store) ListEntries(ctx context.Context, databaseID string) ([]domain.RunCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RunCacheEntry, len(s.cache[databaseID]))
	copy(out, s.cache[databaseID])
	sortRecent(out)
	return out, nil
}

// RemoveEntry deletes one index row by name.
func (s *Store) RemoveEntry(ctx context.Context, databaseID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cache[databaseID]
	for i, e := range entries {
		if e.Name == name {
			s.cache[databaseID] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// NextSequence allocates the next output-name sequence number.
func (s *Store) NextSequence(ctx context.Context, databaseID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[databaseID]++
	return s.seq[databaseID], nil
}

// Close releases nothing; it exists to satisfy the store contract.
func (s *Store) Close() error { return nil }
