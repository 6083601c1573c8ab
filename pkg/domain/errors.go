package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrAborted is returned when a build observes its abort flag.
var ErrAborted = errors.New("study build aborted")

// ConfigurationError reports an invalid study configuration field. It is
// surfaced immediately and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// SearchError reports a station-data query failure. The build aborts and the
// partial study is deleted.
type SearchError struct {
	Op  string
	Err error
}

func (e SearchError) Error() string {
	return fmt.Sprintf("record search failed: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying query error.
func (e SearchError) Unwrap() error { return e.Err }

// LockConflictError reports a compare-and-swap failure on the study lock:
// the persisted state no longer matches the caller's snapshot, meaning
// another actor mutated the study.
type LockConflictError struct {
	Study    StudyKey
	Expected StudyLock
	Actual   StudyLock
}

func (e LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on study %s: held %s@%d, table has %s@%d",
		e.Study, e.Expected.State, e.Expected.Generation, e.Actual.State, e.Actual.Generation)
}

// EngineProcessError reports a subprocess failure: spawn or handshake error,
// unexpected diagnostic output, or a nonzero exit.
type EngineProcessError struct {
	Stage    string // spawn, handshake, protocol, exit
	ExitCode int
	Detail   string
	Err      error
}

func (e EngineProcessError) Error() string {
	msg := fmt.Sprintf("engine process failed (%s)", e.Stage)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying process error.
func (e EngineProcessError) Unwrap() error { return e.Err }

// CombinationLimitError reports that a scenario build exceeded the hard
// ceiling on mutually-exclusive undesired entries.
type CombinationLimitError struct {
	DesiredKey RecordKey
	MXCount    int
	Limit      int
}

func (e CombinationLimitError) Error() string {
	return fmt.Sprintf("too many mutually-exclusive undesireds for %s: %d exceeds limit %d",
		e.DesiredKey, e.MXCount, e.Limit)
}

// CacheInconsistencyError reports an index/filesystem mismatch found during
// cache maintenance. It is informational: maintenance self-heals the
// mismatch and never treats it as fatal.
type CacheInconsistencyError struct {
	Name   string
	Detail string
}

func (e CacheInconsistencyError) Error() string {
	return fmt.Sprintf("cache inconsistency at %s: %s", e.Name, e.Detail)
}

// ErrorCollector accumulates diagnostics across build phases so non-fatal
// problems reach the caller as one consolidated report instead of crossing
// phase boundaries as errors. It is safe for concurrent use.
type ErrorCollector struct {
	mu   sync.Mutex
	msgs []string
}

// Reportf records a formatted diagnostic message.
func (c *ErrorCollector) Reportf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, fmt.Sprintf(format, args...))
}

// Collect records a non-fatal error. Nil errors are ignored.
func (c *ErrorCollector) Collect(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, err.Error())
}

// HasErrors reports whether any diagnostic has been recorded.
func (c *ErrorCollector) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs) > 0
}

// Messages returns a copy of the recorded diagnostics in order.
func (c *ErrorCollector) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Consolidated joins every recorded diagnostic into one report string.
func (c *ErrorCollector) Consolidated() string {
	return strings.Join(c.Messages(), "\n")
}
