// Package probe classifies which desired/undesired pairs actually produce
// interference before full scenario construction. It builds one throwaway
// scenario per protected station carrying the desired plus every candidate
// undesired, runs the engine in probe mode under an exclusive run lock, and
// applies the reported classifications back onto the undesired lists.
package probe

import (
	"context"
	"fmt"

	"ixstudy/internal/engine"
	"ixstudy/internal/logging"
	"ixstudy/internal/studylock"
	"ixstudy/pkg/domain"
)

// probeScenarioPrefix names the throwaway scenarios, one per protected
// station, all removed before the runner returns.
const probeScenarioPrefix = "probe_classify"

// Runner drives one probe classification pass.
type Runner struct {
	studies domain.StudyStore
	locks   *studylock.Manager
	driver  *engine.Driver
	log     logging.Logger
}

// NewRunner builds a probe runner.
func NewRunner(studies domain.StudyStore, locks *studylock.Manager, driver *engine.Driver, log logging.Logger) *Runner {
	if log == nil {
		log = logging.Noop()
	}
	return &Runner{studies: studies, locks: locks, driver: driver, log: log}
}

// Classify runs the probe for every protected station and rewrites each
// undesired's interference flag from the engine's classifications. The held
// lock must be the EDIT snapshot taken at build start; a generation mismatch
// means another actor mutated the study and aborts the pass. On success the
// lock is back at EDIT and the returned snapshot replaces the caller's.
// Any failure leaves no partial state authoritative: the throwaway scenario
// is removed on every path that created it.
func (r *Runner) Classify(ctx context.Context, study domain.StudyKey, held domain.StudyLock, stations []domain.ProtectedStation, engCfg engine.Config, abort *domain.AbortFlag, status engine.StatusCallback, collector *domain.ErrorCollector) (domain.StudyLock, error) {
	if err := abort.Check(); err != nil {
		return held, err
	}
	if len(stations) == 0 {
		return held, nil
	}

	scenarios := buildProbeScenarios(stations)
	added := make([]string, 0, len(scenarios))
	for _, sc := range scenarios {
		if err := r.studies.AddScenario(ctx, study, sc); err != nil {
			return held, fmt.Errorf("adding probe scenario %s: %w", sc.Name, err)
		}
		added = append(added, sc.Name)
	}
	removed := false
	defer func() {
		if removed {
			return
		}
		for _, name := range added {
			if err := r.studies.RemoveScenario(ctx, study, name); err != nil {
				r.log.Warn(ctx, "probe scenario not removed",
					logging.String("study", string(study)), logging.Err(err))
			}
		}
	}()

	if err := r.studies.SaveStudy(ctx, study, ""); err != nil {
		return held, fmt.Errorf("persisting study for probe: %w", err)
	}

	running, err := r.locks.Transition(ctx, study, held, domain.LockRunExclusive)
	if err != nil {
		return held, err
	}

	engCfg.Study = study
	engCfg.Probe = true
	engCfg.LockGeneration = running.Generation
	out, runErr := r.driver.Run(engCfg, abort, status, collector)

	released, relErr := r.locks.Transition(ctx, study, running, domain.LockEdit)
	if runErr != nil {
		return held, runErr
	}
	if relErr != nil {
		return held, relErr
	}

	applyResults(stations, out.Results)
	r.log.Info(ctx, "probe classification complete",
		logging.String("study", string(study)),
		logging.Int("results", len(out.Results)))

	for _, name := range added {
		if err := r.studies.RemoveScenario(ctx, study, name); err != nil {
			return released, fmt.Errorf("removing probe scenario %s: %w", name, err)
		}
	}
	removed = true
	return released, nil
}

// buildProbeScenarios emits one scenario per protected station: that
// station as the desired plus all of its candidate undesireds. Roles stay
// scoped to the station, so a record that is another station's undesired is
// still a desired in its own scenario.
func buildProbeScenarios(stations []domain.ProtectedStation) []domain.Scenario {
	out := make([]domain.Scenario, 0, len(stations))
	for i, st := range stations {
		members := make([]domain.ScenarioMember, 0, len(st.Undesireds)+1)
		members = append(members, domain.ScenarioMember{Key: st.Record.Key, IsDesired: true})
		for _, u := range st.Undesireds {
			members = append(members, domain.ScenarioMember{Key: u.Record.Key, IsUndesired: true})
		}
		out = append(out, domain.Scenario{
			Name:        fmt.Sprintf("%s_%03d", probeScenarioPrefix, i+1),
			Description: "temporary interference classification scenario for " + string(st.Record.Key),
			Members:     members,
		})
	}
	return out
}

// applyResults rewrites the interference flags from the engine's triples.
// Pairs the engine did not report keep their provisional flag.
func applyResults(stations []domain.ProtectedStation, results []engine.ProbeResult) {
	type pair struct{ desired, undesired domain.RecordKey }
	classified := make(map[pair]bool, len(results))
	for _, res := range results {
		classified[pair{res.DesiredKey, res.UndesiredKey}] = res.CausesInterference
	}
	for si := range stations {
		st := &stations[si]
		for ui := range st.Undesireds {
			key := pair{st.Record.Key, st.Undesireds[ui].Record.Key}
			if causes, ok := classified[key]; ok {
				st.Undesireds[ui].CausesInterference = causes
			}
		}
	}
}
