package domain

import "time"

// RunCacheEntry is one row of the run-cache index table. A row is inserted
// by the pre-run reservation step, before the engine is invoked, so even a
// crashed run leaves discoverable output.
type RunCacheEntry struct {
	DatabaseID  string    `json:"database_id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	RunAt       time.Time `json:"run_at"`
	OutputDir   string    `json:"output_dir"`
}
