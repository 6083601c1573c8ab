// Package build sequences one study from configuration to cached output:
// validate, cache lookup, search and filter, probe classification, MX tree
// construction, engine run, cache record. One logical build runs on a
// single worker; a weighted admission gate bounds how many run at once.
package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ixstudy/internal/engine"
	"ixstudy/internal/gate"
	"ixstudy/internal/logging"
	"ixstudy/internal/mxtree"
	"ixstudy/internal/observability"
	"ixstudy/internal/probe"
	"ixstudy/internal/runcache"
	"ixstudy/internal/rules"
	"ixstudy/internal/search"
	"ixstudy/internal/studylock"
	"ixstudy/pkg/domain"
)

// Result is what one completed build hands back to the caller.
type Result struct {
	Study     domain.StudyKey
	OutputDir string
	Files     []string
	Reports   []string
	RunCount  int
	Scenarios int
	// Reused is set when a cache hit satisfied the build without an
	// engine run.
	Reused bool
}

// Orchestrator wires the pipeline stages together. Safe for concurrent
// builds; per-build mutable state lives in per-call values.
type Orchestrator struct {
	store     domain.PersistentStore
	locks     *studylock.Manager
	prober    *probe.Runner
	driver    *engine.Driver
	cache     *runcache.Manager
	gate      *gate.Gate
	table     *rules.Table
	engCfg    engine.Config
	skipCache bool
	log       logging.Logger
	metrics   observability.MetricsRecorder
}

// Options carries the orchestrator's fixed collaborators and settings.
type Options struct {
	Store domain.PersistentStore
	Cache *runcache.Manager
	Gate  *gate.Gate
	// Engine is the base subprocess configuration; per-run fields (output
	// directory, study key, lock generation, probe flag) are filled by the
	// orchestrator.
	Engine engine.Config
	// Rules defaults to the standard table when nil.
	Rules *rules.Table
	// SkipCache forces a fresh engine run even when a completed run with
	// the same fingerprint exists.
	SkipCache bool
	Log       logging.Logger
	Metrics   observability.MetricsRecorder
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Noop{}
	}
	if opts.Rules == nil {
		opts.Rules = rules.Default()
	}
	locks := studylock.NewManager(opts.Store)
	driver := engine.NewDriver(opts.Log, opts.Metrics)
	return &Orchestrator{
		store:     opts.Store,
		locks:     locks,
		prober:    probe.NewRunner(opts.Store, locks, driver, opts.Log),
		driver:    driver,
		cache:     opts.Cache,
		gate:      opts.Gate,
		table:     opts.Rules,
		engCfg:    opts.Engine,
		skipCache: opts.SkipCache,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
}

// Run executes one full build. Failures before the engine run delete the
// partial study and return a consolidated message; a failed engine run
// keeps the output directory and log for post-mortem but marks its status
// document failed.
func (o *Orchestrator) Run(ctx context.Context, cfg domain.StudyConfiguration, abort *domain.AbortFlag, status engine.StatusCallback) (Result, error) {
	if status == nil {
		status = engine.NopStatus{}
	}
	if abort == nil {
		abort = &domain.AbortFlag{}
	}
	started := time.Now()
	res, err := o.run(ctx, cfg, abort, status)
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	o.metrics.BuildCompleted(outcome, time.Since(started))
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, cfg domain.StudyConfiguration, abort *domain.AbortFlag, status engine.StatusCallback) (Result, error) {
	if err := validate(cfg); err != nil {
		return Result{}, err
	}

	fingerprint := runcache.Fingerprint(cfg)
	if !o.skipCache {
		if hit, res, err := o.tryReuse(ctx, fingerprint); err != nil {
			return Result{}, err
		} else if hit {
			status.Progress("reusing cached study output " + res.OutputDir)
			return res, nil
		}
	}

	if err := o.gate.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer o.gate.Release(1)
	if err := abort.Check(); err != nil {
		return Result{}, err
	}

	collector := &domain.ErrorCollector{}
	res, err := o.build(ctx, cfg, fingerprint, abort, status, collector)
	if err != nil {
		if msg := collector.Consolidated(); msg != "" {
			return Result{}, fmt.Errorf("%w (%s)", err, msg)
		}
		return Result{}, err
	}
	return res, nil
}

// tryReuse serves the build from the cache when a completed run with the
// same fingerprint exists.
func (o *Orchestrator) tryReuse(ctx context.Context, fingerprint string) (bool, Result, error) {
	entries, err := o.cache.Lookup(ctx, fingerprint)
	if err != nil {
		return false, Result{}, err
	}
	for _, e := range entries {
		doc, err := runcache.ReadStatus(e.OutputDir)
		if err != nil || doc.State != runcache.StatusComplete {
			continue
		}
		return true, Result{
			Study:     domain.StudyKey(doc.Study),
			OutputDir: e.OutputDir,
			Files:     doc.Files,
			Reused:    true,
		}, nil
	}
	return false, Result{}, nil
}

func (o *Orchestrator) build(ctx context.Context, cfg domain.StudyConfiguration, fingerprint string, abort *domain.AbortFlag, status engine.StatusCallback, collector *domain.ErrorCollector) (Result, error) {
	proposal, before, err := o.loadRecords(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	status.Progress("creating study for " + proposal.CallSign)
	study, err := o.store.CreateStudy(ctx, studyName(cfg), cfg.TemplateID, cfg.DataVersionID)
	if err != nil {
		return Result{}, fmt.Errorf("creating study: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if delErr := o.store.DeleteStudy(ctx, study); delErr != nil {
				o.log.Warn(ctx, "partial study not deleted",
					logging.String("study", string(study)), logging.Err(delErr))
			}
		}
	}()
	if err := o.store.AddSource(ctx, study, proposal); err != nil {
		return Result{}, fmt.Errorf("adding source record: %w", err)
	}
	if before != nil {
		if err := o.store.AddSource(ctx, study, *before); err != nil {
			return Result{}, fmt.Errorf("adding before record: %w", err)
		}
	}

	held, err := o.locks.AcquireEdit(ctx, study)
	if err != nil {
		return Result{}, err
	}
	released := false
	defer func() {
		if !released {
			if _, relErr := o.locks.Transition(ctx, study, held, domain.LockNone); relErr != nil {
				o.log.Warn(ctx, "study lock not released",
					logging.String("study", string(study)), logging.Err(relErr))
			}
		}
	}()

	// Search and filter.
	status.Progress("searching for affected stations")
	sctx := search.NewContext(cfg, o.store, o.table, o.log)
	stations, err := sctx.FindProtected(ctx, proposal)
	if err != nil {
		return Result{}, err
	}
	coverage, err := coverageStation(ctx, sctx, proposal)
	if err != nil {
		return Result{}, err
	}
	if err := abort.Check(); err != nil {
		return Result{}, err
	}

	// Probe classification over every station, the proposal's own included.
	probeSet := append([]domain.ProtectedStation{coverage}, stations...)
	status.Progress(fmt.Sprintf("probing %d stations", len(probeSet)))
	held, err = o.prober.Classify(ctx, study, held, probeSet, o.engCfg, abort, status, collector)
	if err != nil {
		return Result{}, err
	}
	coverage = probeSet[0]
	stations = probeSet[1:]

	// Tree construction.
	status.Progress("building scenario combinations")
	scenarios, err := o.buildTrees(ctx, study, cfg, proposal, before, coverage, stations, abort, collector)
	if err != nil {
		return Result{}, err
	}
	report := buildReport(proposal, stations, scenarios)
	if err := o.store.SaveStudy(ctx, study, report); err != nil {
		return Result{}, fmt.Errorf("saving study: %w", err)
	}

	// Reservation precedes the engine run so a crash leaves discoverable
	// output.
	reservation, err := o.cache.Reserve(ctx, study, fingerprint)
	if err != nil {
		return Result{}, err
	}

	released = true // runEngine releases on every path
	out, runErr := o.runEngine(ctx, study, held, reservation, abort, status, collector)
	if runErr != nil {
		failMsg := runErr.Error()
		if msg := collector.Consolidated(); msg != "" {
			failMsg += "; " + msg
		}
		if failErr := o.cache.Fail(ctx, reservation, failMsg); failErr != nil {
			o.log.Warn(ctx, "failure status not recorded", logging.Err(failErr))
		}
		// The output directory and engine log stay for post-mortem; the
		// study document does too.
		committed = true
		return Result{}, runErr
	}
	if err := o.cache.Finalize(ctx, reservation, out.Files, strings.Join(out.Reports, "\n")); err != nil {
		return Result{}, err
	}
	committed = true

	o.log.Info(ctx, "study build complete",
		logging.String("study", string(study)),
		logging.Int("scenarios", scenarios),
		logging.Int("runs", out.RunCount))
	return Result{
		Study:     study,
		OutputDir: reservation.Dir(),
		Files:     out.Files,
		Reports:   out.Reports,
		RunCount:  out.RunCount,
		Scenarios: scenarios,
	}, nil
}

// runEngine holds RUN_EXCLUSIVE for the final engine invocation and releases
// to NONE afterwards on every path.
func (o *Orchestrator) runEngine(ctx context.Context, study domain.StudyKey, held domain.StudyLock, reservation runcache.Reservation, abort *domain.AbortFlag, status engine.StatusCallback, collector *domain.ErrorCollector) (engine.Output, error) {
	running, err := o.locks.Transition(ctx, study, held, domain.LockRunExclusive)
	if err != nil {
		return engine.Output{}, err
	}
	cfg := o.engCfg
	cfg.Study = study
	cfg.OutDir = reservation.Dir()
	cfg.LockGeneration = running.Generation
	out, runErr := o.driver.Run(cfg, abort, status, collector)
	if _, relErr := o.locks.Transition(ctx, study, running, domain.LockNone); relErr != nil {
		o.log.Warn(ctx, "run lock not released",
			logging.String("study", string(study)), logging.Err(relErr))
	}
	if runErr != nil {
		return out, runErr
	}
	if collector.HasErrors() {
		return out, domain.EngineProcessError{Stage: "run", Detail: collector.Consolidated()}
	}
	return out, nil
}

// buildTrees emits the coverage tree plus one interference tree per
// protected station, persisting scenarios and pair registrations as it goes.
// Returns the total scenario count.
func (o *Orchestrator) buildTrees(ctx context.Context, study domain.StudyKey, cfg domain.StudyConfiguration, proposal domain.CandidateRecord, before *domain.CandidateRecord, coverage domain.ProtectedStation, stations []domain.ProtectedStation, abort *domain.AbortFlag, collector *domain.ErrorCollector) (int, error) {
	total := 0
	emit := func(in mxtree.Input) error {
		res, err := mxtree.Build(in, abort, collector)
		if err != nil {
			return err
		}
		if err := o.store.AddScenario(ctx, study, res.Root); err != nil {
			return fmt.Errorf("adding scenario %s: %w", res.Root.Name, err)
		}
		for _, p := range res.Pairs {
			if err := o.store.RegisterPair(ctx, study, p); err != nil {
				return fmt.Errorf("registering pair for %s: %w", p.DesiredKey, err)
			}
		}
		total += res.Leaves + 1
		return nil
	}

	if err := emit(mxtree.Input{
		Mode:       mxtree.ModeCoverage,
		Desired:    proposal,
		Undesireds: coverage.Undesireds,
		Proposal:   proposal,
	}); err != nil {
		return 0, err
	}
	for _, st := range stations {
		in := mxtree.Input{
			Mode:       mxtree.ModeInterference,
			Desired:    st.Record,
			Undesireds: st.Undesireds,
			Proposal:   proposal,
		}
		// The before record substitutes for the proposal only when it can
		// reach the protected station at all.
		if before != nil && rules.SameBand(before.Channel, st.Record.Channel) {
			in.Before = before
		}
		if err := emit(in); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// coverageStation assembles the proposal's own undesired list for the
// coverage tree.
func coverageStation(ctx context.Context, sctx *search.Context, proposal domain.CandidateRecord) (domain.ProtectedStation, error) {
	interferers, err := sctx.Search(ctx, proposal, rules.SearchUndesireds, domain.TableCurrent)
	if err != nil {
		return domain.ProtectedStation{}, err
	}
	var und []domain.Undesired
	for _, u := range interferers {
		if u.FacilityID == proposal.FacilityID {
			continue
		}
		und = append(und, domain.Undesired{Record: u, CausesInterference: true})
	}
	search.LinkMX(und)
	return domain.ProtectedStation{Record: proposal, ReceivesInterference: true, Undesireds: und}, nil
}

func (o *Orchestrator) loadRecords(ctx context.Context, cfg domain.StudyConfiguration) (domain.CandidateRecord, *domain.CandidateRecord, error) {
	proposal, ok, err := o.store.FindByKey(ctx, domain.TableCurrent, cfg.TargetKey)
	if err != nil {
		return domain.CandidateRecord{}, nil, domain.SearchError{Op: "loading target record", Err: err}
	}
	if !ok {
		return domain.CandidateRecord{}, nil, domain.ConfigurationError{Field: "target", Reason: "record not found"}
	}
	if cfg.ReplicationChannel != 0 {
		proposal.Channel = cfg.ReplicationChannel
	}
	var before *domain.CandidateRecord
	if cfg.BeforeKey != "" {
		rec, ok, err := o.store.FindByKey(ctx, domain.TableCurrent, cfg.BeforeKey)
		if err != nil {
			return domain.CandidateRecord{}, nil, domain.SearchError{Op: "loading before record", Err: err}
		}
		if !ok {
			return domain.CandidateRecord{}, nil, domain.ConfigurationError{Field: "before", Reason: "record not found"}
		}
		before = &rec
	}
	return proposal, before, nil
}

func validate(cfg domain.StudyConfiguration) error {
	if cfg.TargetKey == "" {
		return domain.ConfigurationError{Field: "target", Reason: "required"}
	}
	if cfg.TemplateID <= 0 {
		return domain.ConfigurationError{Field: "template", Reason: "invalid selection"}
	}
	if cfg.DataVersionID <= 0 {
		return domain.ConfigurationError{Field: "dataVersion", Reason: "invalid selection"}
	}
	if len(cfg.OutputFormats) == 0 {
		return domain.ConfigurationError{Field: "outputFormats", Reason: "at least one required"}
	}
	for _, f := range cfg.OutputFormats {
		switch f {
		case domain.OutputCoverageMap, domain.OutputCellFile, domain.OutputCSVSummary, domain.OutputPairReport:
		default:
			return domain.ConfigurationError{Field: "outputFormats", Reason: "unknown format " + string(f)}
		}
	}
	if cfg.ReplicationChannel != 0 &&
		(cfg.ReplicationChannel < rules.MinChannel || cfg.ReplicationChannel > rules.MaxChannel) {
		return domain.ConfigurationError{Field: "replicationChannel", Reason: "out of range"}
	}
	return nil
}

func studyName(cfg domain.StudyConfiguration) string {
	name := "ix_" + string(cfg.TargetKey)
	if cfg.ReplicationChannel != 0 {
		name += fmt.Sprintf("_ch%d", cfg.ReplicationChannel)
	}
	return name
}

// buildReport renders the study's human-readable summary text.
func buildReport(proposal domain.CandidateRecord, stations []domain.ProtectedStation, scenarios int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Interference check for %s (facility %d) channel %d\n",
		proposal.CallSign, proposal.FacilityID, proposal.Channel)
	fmt.Fprintf(&b, "Protected stations: %d\n", len(stations))
	for _, st := range stations {
		causing := 0
		for _, u := range st.Undesireds {
			if u.CausesInterference {
				causing++
			}
		}
		fmt.Fprintf(&b, "  %s channel %d: %d undesireds, %d causing interference\n",
			st.Record.CallSign, st.Record.Channel, len(st.Undesireds), causing)
	}
	fmt.Fprintf(&b, "Scenarios: %d\n", scenarios)
	return b.String()
}
