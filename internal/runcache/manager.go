// Package runcache manages the disk-backed result cache: fingerprint
// derivation, pre-run output reservation, fingerprint lookup, and the
// self-healing maintenance that reconciles the index table against the
// cache directory tree.
package runcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ixstudy/internal/blob"
	"ixstudy/internal/logging"
	"ixstudy/internal/observability"
	"ixstudy/pkg/domain"
)

// Status document states written into each output directory.
const (
	StatusInProgress = "in-progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// statusFileName is the index document inside every output directory.
const statusFileName = "status.json"

// currentFileName is the per-database pointer at the newest cache entry.
const currentFileName = "current"

// StatusDoc is the per-run index document. It is written as in-progress at
// reservation time and finalized (or failed) when the run ends, so a
// crashed run is distinguishable from a queued one.
type StatusDoc struct {
	State       string    `json:"state"`
	Study       string    `json:"study,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	RunAt       time.Time `json:"run_at"`
	Message     string    `json:"message,omitempty"`
	Report      string    `json:"report,omitempty"`
	Files       []string  `json:"files,omitempty"`
	Archive     string    `json:"archive,omitempty"`
}

// Reservation is a pre-run output allocation: the directory exists and the
// index row is inserted before the engine runs.
type Reservation struct {
	Entry domain.RunCacheEntry
	Study domain.StudyKey
}

// Dir returns the reserved output directory.
func (r Reservation) Dir() string { return r.Entry.OutputDir }

// Name returns the allocated output name.
func (r Reservation) Name() string { return r.Entry.Name }

// Manager owns one database's cache subtree under the output root.
type Manager struct {
	root       string
	databaseID string
	index      domain.CacheIndex
	archive    blob.Store // optional; final outputs are mirrored when set
	log        logging.Logger
	metrics    observability.MetricsRecorder
	now        func() time.Time
}

// NewManager builds a cache manager. archive may be nil; nil log/metrics
// default to no-ops.
func NewManager(root, databaseID string, index domain.CacheIndex, archive blob.Store, log logging.Logger, metrics observability.MetricsRecorder) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	return &Manager{
		root:       root,
		databaseID: databaseID,
		index:      index,
		archive:    archive,
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (m *Manager) dbDir() string {
	return filepath.Join(m.root, m.databaseID)
}

// Reserve allocates the next sequential output name, creates its directory,
// inserts the index row, and writes the in-progress status document. The
// row insert precedes any engine invocation so even a crashed run leaves
// discoverable output.
func (m *Manager) Reserve(ctx context.Context, study domain.StudyKey, fingerprint string) (Reservation, error) {
	seq, err := m.index.NextSequence(ctx, m.databaseID)
	if err != nil {
		return Reservation{}, fmt.Errorf("allocating output name: %w", err)
	}
	name := OutputName(seq)
	dir := filepath.Join(m.dbDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Reservation{}, fmt.Errorf("creating output directory: %w", err)
	}
	entry := domain.RunCacheEntry{
		DatabaseID:  m.databaseID,
		Name:        name,
		Fingerprint: fingerprint,
		RunAt:       m.now().UTC(),
		OutputDir:   dir,
	}
	if err := m.index.InsertEntry(ctx, entry); err != nil {
		_ = os.RemoveAll(dir)
		return Reservation{}, fmt.Errorf("inserting cache index row: %w", err)
	}
	doc := StatusDoc{
		State:       StatusInProgress,
		Study:       string(study),
		Fingerprint: fingerprint,
		RunAt:       entry.RunAt,
	}
	if err := m.writeStatus(dir, doc); err != nil {
		return Reservation{}, err
	}
	m.log.Info(ctx, "cache entry reserved",
		logging.String("name", name),
		logging.String("fingerprint", fingerprint))
	return Reservation{Entry: entry, Study: study}, nil
}

// Finalize marks a reservation complete, recording the produced files and
// report text, and mirrors the directory to the archive store when one is
// configured.
func (m *Manager) Finalize(ctx context.Context, res Reservation, files []string, report string) error {
	doc := StatusDoc{
		State:       StatusComplete,
		Study:       string(res.Study),
		Fingerprint: res.Entry.Fingerprint,
		RunAt:       res.Entry.RunAt,
		Report:      report,
		Files:       files,
	}
	if m.archive != nil {
		doc.Archive = m.databaseID + "/" + res.Name() + "/"
	}
	if err := m.writeStatus(res.Dir(), doc); err != nil {
		return err
	}
	m.repoint(res.Name())
	if m.archive != nil {
		if err := m.archiveDir(ctx, res); err != nil {
			// Archival is best-effort; the local directory stays
			// authoritative.
			m.log.Warn(ctx, "archive upload failed",
				logging.String("name", res.Name()), logging.Err(err))
		}
	}
	return nil
}

// Fail marks a reservation failed. The directory and any engine log stay on
// disk for post-mortem; the status document stops reading as queued.
func (m *Manager) Fail(ctx context.Context, res Reservation, msg string) error {
	doc := StatusDoc{
		State:       StatusFailed,
		Study:       string(res.Study),
		Fingerprint: res.Entry.Fingerprint,
		RunAt:       res.Entry.RunAt,
		Message:     msg,
	}
	return m.writeStatus(res.Dir(), doc)
}

// Lookup returns the cache rows for a fingerprint, most recent first. On a
// hit the current pointer is repointed at the newest entry.
func (m *Manager) Lookup(ctx context.Context, fingerprint string) ([]domain.RunCacheEntry, error) {
	entries, err := m.index.EntriesByFingerprint(ctx, m.databaseID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	outcome := "miss"
	if len(entries) > 0 {
		outcome = "hit"
	}
	m.metrics.CacheLookup(outcome)
	if len(entries) > 0 {
		m.repoint(entries[0].Name)
	}
	return entries, nil
}

// Cleanup reconciles the index against the filesystem in both directions:
// rows whose directory is gone are dropped, directories absent from the
// index are deleted. Mismatches are the steady-state condition this repairs,
// reported informationally through the collector, never as failure.
func (m *Manager) Cleanup(ctx context.Context, collector *domain.ErrorCollector) (removedRows, removedDirs int, err error) {
	if collector == nil {
		collector = &domain.ErrorCollector{}
	}
	entries, err := m.index.ListEntries(ctx, m.databaseID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing cache index: %w", err)
	}
	indexed := map[string]bool{}
	for _, e := range entries {
		if _, statErr := os.Stat(e.OutputDir); os.IsNotExist(statErr) {
			collector.Collect(domain.CacheInconsistencyError{Name: e.Name, Detail: "index row without output directory"})
			if rmErr := m.index.RemoveEntry(ctx, m.databaseID, e.Name); rmErr != nil {
				return removedRows, removedDirs, fmt.Errorf("removing stale index row %s: %w", e.Name, rmErr)
			}
			removedRows++
			continue
		}
		indexed[e.Name] = true
	}
	dirents, readErr := os.ReadDir(m.dbDir())
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return removedRows, removedDirs, nil
		}
		return removedRows, removedDirs, fmt.Errorf("reading cache root: %w", readErr)
	}
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if indexed[d.Name()] {
			continue
		}
		collector.Collect(domain.CacheInconsistencyError{Name: d.Name(), Detail: "output directory without index row"})
		if rmErr := os.RemoveAll(filepath.Join(m.dbDir(), d.Name())); rmErr != nil {
			return removedRows, removedDirs, fmt.Errorf("removing orphan directory %s: %w", d.Name(), rmErr)
		}
		removedDirs++
	}
	m.prunePointer(indexed)
	return removedRows, removedDirs, nil
}

// prunePointer drops the current pointer when its target entry is gone.
func (m *Manager) prunePointer(indexed map[string]bool) {
	path := filepath.Join(m.dbDir(), currentFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if name := string(bytes.TrimSpace(data)); !indexed[name] {
		_ = os.Remove(path)
	}
}

// Delete purges rows older than the day threshold, removes their
// directories, then runs the same reconciliation pass so directories
// orphaned by the purge disappear in the same call. days of zero empties
// the cache entirely.
func (m *Manager) Delete(ctx context.Context, days int, collector *domain.ErrorCollector) (removedRows, removedDirs int, err error) {
	threshold := m.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	entries, err := m.index.ListEntries(ctx, m.databaseID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing cache index: %w", err)
	}
	for _, e := range entries {
		if e.RunAt.After(threshold) {
			continue
		}
		if rmErr := m.index.RemoveEntry(ctx, m.databaseID, e.Name); rmErr != nil {
			return removedRows, removedDirs, fmt.Errorf("removing expired index row %s: %w", e.Name, rmErr)
		}
		removedRows++
		m.purgeArchive(ctx, e.Name)
		m.log.Info(ctx, "cache entry expired", logging.String("name", e.Name))
	}
	_, dirs, err := m.Cleanup(ctx, collector)
	return removedRows, removedDirs + dirs, err
}

func (m *Manager) writeStatus(dir string, doc StatusDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, statusFileName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing status document: %w", err)
	}
	return nil
}

// ReadStatus loads the status document of one output directory.
func ReadStatus(dir string) (StatusDoc, error) {
	data, err := os.ReadFile(filepath.Join(dir, statusFileName))
	if err != nil {
		return StatusDoc{}, err
	}
	var doc StatusDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return StatusDoc{}, fmt.Errorf("decoding status document: %w", err)
	}
	return doc, nil
}

// repoint records the newest entry name in the per-database pointer file.
// Best-effort; a missing pointer only costs the next reader a lookup.
func (m *Manager) repoint(name string) {
	_ = os.WriteFile(filepath.Join(m.dbDir(), currentFileName), []byte(name+"\n"), 0o644)
}

// archiveDir uploads every regular file of a finished run under
// <databaseID>/<name>/ in the archive store.
func (m *Manager) archiveDir(ctx context.Context, res Reservation) error {
	dirents, err := os.ReadDir(res.Dir())
	if err != nil {
		return err
	}
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(res.Dir(), d.Name()))
		if err != nil {
			return err
		}
		key := m.databaseID + "/" + res.Name() + "/" + d.Name()
		if _, err := m.archive.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// purgeArchive drops the archived copies of an expired entry. Best-effort,
// same as the upload.
func (m *Manager) purgeArchive(ctx context.Context, name string) {
	if m.archive == nil {
		return
	}
	prefix := m.databaseID + "/" + name + "/"
	infos, err := m.archive.List(ctx, prefix)
	if err != nil {
		m.log.Warn(ctx, "archive listing failed",
			logging.String("name", name), logging.Err(err))
		return
	}
	for _, info := range infos {
		if _, err := m.archive.Delete(ctx, info.Key); err != nil {
			m.log.Warn(ctx, "archive purge failed",
				logging.String("key", info.Key), logging.Err(err))
		}
	}
}
