// Package engine spawns and speaks to the external propagation engine
// subprocess. The protocol is line oriented on the subprocess's merged
// stdout/stderr: after a password handshake, lines carrying the sentinel
// prefix hold key=value status tokens; anything else non-blank is an
// unexpected diagnostic. The process exit code is authoritative regardless
// of what was seen on the stream.
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"ixstudy/internal/logging"
	"ixstudy/internal/observability"
	"ixstudy/pkg/domain"
)

// Sentinel is the fixed prefix of protocol status lines.
const Sentinel = "##"

// DefaultProgressInterval is the minimum spacing between externally visible
// run-count progress updates.
const DefaultProgressInterval = 2 * time.Second

// StatusCallback receives human-readable progress strings and raw log lines.
type StatusCallback interface {
	Progress(msg string)
	LogLine(line string)
}

// NopStatus is a StatusCallback that drops everything.
type NopStatus struct{}

func (NopStatus) Progress(string) {}
func (NopStatus) LogLine(string)  {}

// ProbeResult is one desired/undesired interference classification reported
// by a probe-mode run.
type ProbeResult struct {
	DesiredKey         domain.RecordKey
	UndesiredKey       domain.RecordKey
	CausesInterference bool
}

// Output collects everything a run reported.
type Output struct {
	Files    []string
	Reports  []string
	Results  []ProbeResult
	RunCount int
}

// Config is one engine invocation. The argument vector is fixed and
// positional; every field before Probe is required.
type Config struct {
	Binary         string
	WorkDir        string
	OutDir         string
	Host           string
	DBName         string
	User           string
	Password       string
	LockGeneration int64
	MaxProcesses   int
	OutputFormats  []domain.OutputFormat
	Study          domain.StudyKey
	Probe          bool

	// ProgressInterval debounces RUNCOUNT progress callbacks; zero uses
	// DefaultProgressInterval.
	ProgressInterval time.Duration
}

func (c Config) args() []string {
	formats := make([]string, len(c.OutputFormats))
	for i, f := range c.OutputFormats {
		formats[i] = string(f)
	}
	args := []string{
		c.WorkDir,
		c.OutDir,
		c.Host,
		c.DBName,
		c.User,
		strconv.FormatInt(c.LockGeneration, 10),
		strconv.Itoa(c.MaxProcesses),
		strings.Join(formats, ","),
		string(c.Study),
	}
	if c.Probe {
		args = append(args, "probe")
	}
	return args
}

// Driver runs engine subprocesses.
type Driver struct {
	log     logging.Logger
	metrics observability.MetricsRecorder
}

// NewDriver constructs a driver. Nil arguments default to no-ops.
func NewDriver(log logging.Logger, metrics observability.MetricsRecorder) *Driver {
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	return &Driver{log: log, metrics: metrics}
}

// Run spawns the engine, performs the handshake, consumes the status stream
// until exit, and returns the collected output. The abort flag is polled
// once per output line; on detection the subprocess is killed and
// ErrAborted returned. Non-fatal protocol diagnostics (ERROR tokens,
// unexpected lines) accumulate in the collector.
func (d *Driver) Run(cfg Config, abort *domain.AbortFlag, status StatusCallback, collector *domain.ErrorCollector) (Output, error) {
	if status == nil {
		status = NopStatus{}
	}
	if collector == nil {
		collector = &domain.ErrorCollector{}
	}
	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	started := time.Now()
	out, err := d.run(cfg, abort, status, collector, interval)
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	d.metrics.EngineRun(outcome, time.Since(started))
	return out, err
}

func (d *Driver) run(cfg Config, abort *domain.AbortFlag, status StatusCallback, collector *domain.ErrorCollector, interval time.Duration) (Output, error) {
	cmd := exec.Command(cfg.Binary, cfg.args()...)
	cmd.Dir = cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Output{}, domain.EngineProcessError{Stage: "spawn", Err: err}
	}
	// stdout and stderr are merged into a single pipe; the protocol and
	// diagnostics interleave on one stream.
	pr, pw, err := os.Pipe()
	if err != nil {
		return Output{}, domain.EngineProcessError{Stage: "spawn", Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return Output{}, domain.EngineProcessError{Stage: "spawn", Err: err}
	}
	_ = pw.Close() // parent keeps only the read end
	defer func() { _ = pr.Close() }()

	d.metrics.EngineProcesses(1)
	defer d.metrics.EngineProcesses(-1)

	reader := bufio.NewReader(pr)
	if err := handshake(reader, stdin, cfg.Password); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Output{}, err
	}
	_ = stdin.Close()

	out, readErr := d.consume(reader, abort, status, collector, interval)
	if errors.Is(readErr, domain.ErrAborted) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return out, domain.ErrAborted
	}

	waitErr := cmd.Wait()
	if readErr != nil {
		return out, domain.EngineProcessError{Stage: "protocol", Err: readErr}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out, domain.EngineProcessError{
				Stage:    "exit",
				ExitCode: exitErr.ExitCode(),
				Detail:   collector.Consolidated(),
			}
		}
		return out, domain.EngineProcessError{Stage: "exit", Err: waitErr}
	}
	return out, nil
}

// handshake reads raw bytes until a case-insensitive "password" substring
// appears, then writes the credential. EOF before the prompt is a failure.
func handshake(r *bufio.Reader, stdin io.WriteCloser, password string) error {
	var window []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return domain.EngineProcessError{Stage: "handshake", Detail: "stream ended before password prompt", Err: err}
		}
		window = append(window, b)
		if len(window) > 64 {
			window = window[len(window)-64:]
		}
		if strings.Contains(strings.ToLower(string(window)), "password") {
			break
		}
	}
	if _, err := io.WriteString(stdin, password+"\n"); err != nil {
		return domain.EngineProcessError{Stage: "handshake", Detail: "writing credential", Err: err}
	}
	return nil
}

func (d *Driver) consume(r *bufio.Reader, abort *domain.AbortFlag, status StatusCallback, collector *domain.ErrorCollector, interval time.Duration) (Output, error) {
	var out Output
	first := true
	var lastProgress time.Time
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		// The abort flag is polled once per output line, blank or not.
		if aerr := abort.Check(); aerr != nil {
			return out, aerr
		}
		if line != "" {
			status.LogLine(line)
			if first {
				// The first post-handshake line may be a credential
				// echo; it is never protocol.
				first = false
			} else {
				d.parseLine(line, &out, status, collector, interval, &lastProgress)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		if line == "" && first {
			first = false
		}
	}
}

func (d *Driver) parseLine(line string, out *Output, status StatusCallback, collector *domain.ErrorCollector, interval time.Duration, lastProgress *time.Time) {
	if !strings.HasPrefix(line, Sentinel) {
		collector.Collect(domain.EngineProcessError{Stage: "protocol", Detail: "unexpected output: " + line})
		return
	}
	body := strings.TrimPrefix(line, Sentinel)
	key, value, _ := strings.Cut(body, "=")
	switch key {
	case "FILE":
		out.Files = append(out.Files, value)
	case "REPORT":
		out.Reports = append(out.Reports, value)
	case "RUNCOUNT":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			collector.Collect(domain.EngineProcessError{Stage: "protocol", Detail: "bad RUNCOUNT: " + value})
			return
		}
		out.RunCount = n
		if time.Since(*lastProgress) >= interval {
			*lastProgress = time.Now()
			status.Progress(fmt.Sprintf("%d engine runs completed", n))
		}
	case "RESULT":
		res, err := parseResult(value)
		if err != nil {
			collector.Collect(domain.EngineProcessError{Stage: "protocol", Detail: err.Error()})
			return
		}
		out.Results = append(out.Results, res)
	case "ERROR":
		collector.Collect(domain.EngineProcessError{Stage: "protocol", Detail: value})
	case "PROGRESS":
		status.Progress(value)
	default:
		collector.Collect(domain.EngineProcessError{Stage: "protocol", Detail: "unknown token: " + line})
	}
}

func parseResult(value string) (ProbeResult, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return ProbeResult{}, fmt.Errorf("bad RESULT: %s", value)
	}
	var causes bool
	switch strings.TrimSpace(parts[2]) {
	case "0":
		causes = false
	case "1":
		causes = true
	default:
		return ProbeResult{}, fmt.Errorf("bad RESULT flag: %s", value)
	}
	return ProbeResult{
		DesiredKey:         domain.RecordKey(strings.TrimSpace(parts[0])),
		UndesiredKey:       domain.RecordKey(strings.TrimSpace(parts[1])),
		CausesInterference: causes,
	}, nil
}
