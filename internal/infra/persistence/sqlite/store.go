// Package sqlite provides the default durable PersistentStore on a single
// SQLite database file: station-record tables, study documents as JSON
// payload rows, the lock-state table, and the run-cache index.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ixstudy/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// Store is a SQLite-backed persistent store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes lock CAS and sequence allocation
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS station_record (
	tbl TEXT NOT NULL,
	key TEXT NOT NULL,
	channel INTEGER NOT NULL,
	digital INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (tbl, key)
);
CREATE INDEX IF NOT EXISTS station_record_channel ON station_record(tbl, channel);
CREATE TABLE IF NOT EXISTS study (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS study_lock (
	study TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	generation INTEGER NOT NULL,
	share_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_cache (
	database_id TEXT NOT NULL,
	name TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	run_at INTEGER NOT NULL,
	output_dir TEXT NOT NULL,
	PRIMARY KEY (database_id, name)
);
CREATE INDEX IF NOT EXISTS run_cache_fp ON run_cache(database_id, fingerprint);
CREATE TABLE IF NOT EXISTS seq (
	name TEXT PRIMARY KEY,
	next INTEGER NOT NULL
);`

// NewStore opens (creating if needed) the database file and applies the
// schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "ixstudy.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ImportRecord upserts a station record. Import and test helper; the core
// only reads.
func (s *Store) ImportRecord(ctx context.Context, table domain.RecordTable, rec domain.CandidateRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	digital := 0
	if rec.Service.Digital() {
		digital = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO station_record(tbl,key,channel,digital,payload) VALUES(?,?,?,?,?)
		 ON CONFLICT(tbl,key) DO UPDATE SET channel=excluded.channel, digital=excluded.digital, payload=excluded.payload`,
		string(table), string(rec.Key), rec.Channel, digital, payload)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// FindByChannels returns records on the given channels, ordered by key.
func (s *Store) FindByChannels(ctx context.Context, table domain.RecordTable, channels []int, analogOnly bool) ([]domain.CandidateRecord, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	query := `SELECT payload FROM station_record WHERE tbl=? AND channel IN (`
	args := []any{string(table)}
	for i, ch := range channels {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, ch)
	}
	query += ")"
	if analogOnly {
		query += " AND digital=0"
	}
	query += " ORDER BY key"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.CandidateRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec domain.CandidateRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindByKey fetches one record.
func (s *Store) FindByKey(ctx context.Context, table domain.RecordTable, key domain.RecordKey) (domain.CandidateRecord, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM station_record WHERE tbl=? AND key=?`,
		string(table), string(key)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CandidateRecord{}, false, nil
	}
	if err != nil {
		return domain.CandidateRecord{}, false, fmt.Errorf("select record: %w", err)
	}
	var rec domain.CandidateRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.CandidateRecord{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

// studyDoc is the JSON payload of one study row.
type studyDoc struct {
	Name          string                                        `json:"name"`
	TemplateID    int                                           `json:"template_id"`
	DataVersionID int                                           `json:"data_version_id"`
	Sources       map[domain.RecordKey]domain.CandidateRecord   `json:"sources"`
	Scenarios     []domain.Scenario                             `json:"scenarios"`
	Pairs         []domain.ScenarioPair                         `json:"pairs"`
	Params        map[string]string                             `json:"params"`
	Report        string                                        `json:"report,omitempty"`
}

func (s *Store) loadStudy(ctx context.Context, key domain.StudyKey) (studyDoc, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM study WHERE key=?`, string(key)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return studyDoc{}, fmt.Errorf("study %s not found", key)
	}
	if err != nil {
		return studyDoc{}, fmt.Errorf("select study: %w", err)
	}
	var doc studyDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return studyDoc{}, fmt.Errorf("decode study: %w", err)
	}
	return doc, nil
}

func (s *Store) saveStudyDoc(ctx context.Context, key domain.StudyKey, doc studyDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode study: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO study(key,payload) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET payload=excluded.payload`,
		string(key), payload)
	if err != nil {
		return fmt.Errorf("upsert study: %w", err)
	}
	return nil
}

func (s *Store) mutateStudy(ctx context.Context, key domain.StudyKey, fn func(*studyDoc)) error {
	doc, err := s.loadStudy(ctx, key)
	if err != nil {
		return err
	}
	fn(&doc)
	return s.saveStudyDoc(ctx, key, doc)
}

// CreateStudy creates a study document from a template.
func (s *Store) CreateStudy(ctx context.Context, name string, templateID, dataVersionID int) (domain.StudyKey, error) {
	n, err := s.NextSequence(ctx, "_study")
	if err != nil {
		return "", err
	}
	key := domain.StudyKey(fmt.Sprintf("study-%d", n))
	doc := studyDoc{
		Name:          name,
		TemplateID:    templateID,
		DataVersionID: dataVersionID,
		Sources:       map[domain.RecordKey]domain.CandidateRecord{},
		Params:        map[string]string{},
	}
	if err := s.saveStudyDoc(ctx, key, doc); err != nil {
		return "", err
	}
	return key, nil
}

// AddSource adds or replaces a source record.
func (s *Store) AddSource(ctx context.Context, study domain.StudyKey, rec domain.CandidateRecord) error {
	return s.mutateStudy(ctx, study, func(doc *studyDoc) {
		if doc.Sources == nil {
			doc.Sources = map[domain.RecordKey]domain.CandidateRecord{}
		}
		doc.Sources[rec.Key] = rec
	})
}

// AddScenario adds or replaces a scenario by name.
func (s *Store) AddScenario(ctx context.Context, study domain.StudyKey, sc domain.Scenario) error {
	return s.mutateStudy(ctx, study, func(doc *studyDoc) {
		for i, existing := range doc.Scenarios {
			if existing.Name == sc.Name {
				doc.Scenarios[i] = sc
				return
			}
		}
		doc.Scenarios = append(doc.Scenarios, sc)
	})
}

// RemoveScenario deletes a scenario by name.
func (s *Store) RemoveScenario(ctx context.Context, study domain.StudyKey, name string) error {
	return s.mutateStudy(ctx, study, func(doc *studyDoc) {
		for i, existing := range doc.Scenarios {
			if existing.Name == name {
				doc.Scenarios = append(doc.Scenarios[:i], doc.Scenarios[i+1:]...)
				return
			}
		}
	})
}

// RegisterPair records a before/after comparison pairing.
func (s *Store) RegisterPair(ctx context.Context, study domain.StudyKey, pair domain.ScenarioPair) error {
	return s.mutateStudy(ctx, study, func(doc *studyDoc) {
		doc.Pairs = append(doc.Pairs, pair)
	})
}

// Scenarios lists top-level scenarios in insertion order.
func (s *Store) Scenarios(ctx context.Context, study domain.StudyKey) ([]domain.Scenario, error) {
	doc, err := s.loadStudy(ctx, study)
	if err != nil {
		return nil, err
	}
	return doc.Scenarios, nil
}

// Pairs lists registered comparison pairs in insertion order.
func (s *Store) Pairs(ctx context.Context, study domain.StudyKey) ([]domain.ScenarioPair, error) {
	doc, err := s.loadStudy(ctx, study)
	if err != nil {
		return nil, err
	}
	return doc.Pairs, nil
}

// SetParameter stores a named study parameter.
func (s *Store) SetParameter(ctx context.Context, study domain.StudyKey, name, value string) error {
	return s.mutateStudy(ctx, study, func(doc *studyDoc) {
		if doc.Params == nil {
			doc.Params = map[string]string{}
		}
		doc.Params[name] = value
	})
}

// Parameter fetches a named study parameter.
func (s *Store) Parameter(ctx context.Context, study domain.StudyKey, name string) (string, bool, error) {
	doc, err := s.loadStudy(ctx, study)
	if err != nil {
		return "", false, err
	}
	v, ok := doc.Params[name]
	return v, ok, nil
}

// SaveStudy persists the document with its report text.
func (s *Store) SaveStudy(ctx context.Context, study domain.StudyKey, reportText string) error {
	return s.mutateStudy(ctx, study, func(doc *studyDoc) {
		doc.Report = reportText
	})
}

// DeleteStudy removes the study document entirely.
func (s *Store) DeleteStudy(ctx context.Context, study domain.StudyKey) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM study WHERE key=?`, string(study))
	if err != nil {
		return fmt.Errorf("delete study: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("study %s not found", study)
	}
	return nil
}

// ReadLock returns the lock row; absent rows read as the zero lock.
func (s *Store) ReadLock(ctx context.Context, study domain.StudyKey) (domain.StudyLock, error) {
	var lk domain.StudyLock
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, generation, share_count FROM study_lock WHERE study=?`,
		string(study)).Scan(&state, &lk.Generation, &lk.ShareCount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StudyLock{State: domain.LockNone}, nil
	}
	if err != nil {
		return domain.StudyLock{}, fmt.Errorf("select lock: %w", err)
	}
	lk.State = domain.LockState(state)
	return lk, nil
}

// CompareAndSetLock replaces the lock row when (state, generation) still
// match the caller's snapshot. A missing row compares as the zero lock.
func (s *Store) CompareAndSetLock(ctx context.Context, study domain.StudyKey, expect, next domain.StudyLock) (domain.StudyLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE study_lock SET state=?, generation=?, share_count=?
		 WHERE study=? AND state=? AND generation=?`,
		string(next.State), next.Generation, next.ShareCount,
		string(study), string(expect.State), expect.Generation)
	if err != nil {
		return domain.StudyLock{}, false, fmt.Errorf("update lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.StudyLock{}, false, fmt.Errorf("update lock: %w", err)
	} else if n == 1 {
		return next, true, nil
	}
	// No row matched: either the row is absent (zero-lock expectation may
	// still succeed via insert) or the snapshot is stale.
	if expect.State == domain.LockNone && expect.Generation == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO study_lock(study,state,generation,share_count) VALUES(?,?,?,?)
			 ON CONFLICT(study) DO NOTHING`,
			string(study), string(next.State), next.Generation, next.ShareCount)
		if err != nil {
			return domain.StudyLock{}, false, fmt.Errorf("insert lock: %w", err)
		}
		actual, rerr := s.ReadLock(ctx, study)
		if rerr != nil {
			return domain.StudyLock{}, false, rerr
		}
		if actual == next {
			return next, true, nil
		}
		return actual, false, nil
	}
	actual, rerr := s.ReadLock(ctx, study)
	if rerr != nil {
		return domain.StudyLock{}, false, rerr
	}
	return actual, false, nil
}

// InsertEntry adds a run-cache index row.
func (s *Store) InsertEntry(ctx context.Context, e domain.RunCacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_cache(database_id,name,fingerprint,run_at,output_dir) VALUES(?,?,?,?,?)`,
		e.DatabaseID, e.Name, e.Fingerprint, e.RunAt.UTC().UnixNano(), e.OutputDir)
	if err != nil {
		return fmt.Errorf("insert cache row: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]domain.RunCacheEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []domain.RunCacheEntry
	for rows.Next() {
		var e domain.RunCacheEntry
		var runAt int64
		if err := rows.Scan(&e.DatabaseID, &e.Name, &e.Fingerprint, &runAt, &e.OutputDir); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		e.RunAt = time.Unix(0, runAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesByFingerprint returns matching rows, most recent first.
func (s *Store) EntriesByFingerprint(ctx context.Context, databaseID, fingerprint string) ([]domain.RunCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT database_id,name,fingerprint,run_at,output_dir FROM run_cache
		 WHERE database_id=? AND fingerprint=? ORDER BY run_at DESC, name DESC`,
		databaseID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("select cache rows: %w", err)
	}
	return scanEntries(rows)
}

// ListEntries returns every row for the database, most recent first.
func (s *Store) ListEntries(ctx context.Context, databaseID string) ([]domain.RunCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT database_id,name,fingerprint,run_at,output_dir FROM run_cache
		 WHERE database_id=? ORDER BY run_at DESC, name DESC`,
		databaseID)
	if err != nil {
		return nil, fmt.Errorf("select cache rows: %w", err)
	}
	return scanEntries(rows)
}

// RemoveEntry deletes one index row by name.
func (s *Store) RemoveEntry(ctx context.Context, databaseID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_cache WHERE database_id=? AND name=?`, databaseID, name)
	if err != nil {
		return fmt.Errorf("delete cache row: %w", err)
	}
	return nil
}

// NextSequence allocates the next sequence number for a name.
func (s *Store) NextSequence(ctx context.Context, databaseID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO seq(name,next) VALUES(?,1)
		 ON CONFLICT(name) DO UPDATE SET next=next+1
		 RETURNING next`, databaseID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return next, nil
}
