// Package search implements the record search and filter pipeline: given a
// reference record and a direction, it computes the legally reachable
// channel set from the rule table, queries the station-data collaborator,
// and filters the results through the policy exclusion chain and the
// geometric rule match.
//
// All mutable state (channel memoization, the superseded facility+channel
// index) lives in a Context owned by a single build; concurrent builds each
// carry their own.
package search

import (
	"context"

	"ixstudy/internal/geo"
	"ixstudy/internal/logging"
	"ixstudy/internal/rules"
	"ixstudy/pkg/domain"
)

type memoKey struct {
	channel int
	dir     rules.Direction
	table   domain.RecordTable
}

type facilityChannel struct {
	facility domain.FacilityID
	channel  int
}

// Context holds one build's search state. Not safe for concurrent use.
type Context struct {
	cfg   domain.StudyConfiguration
	store domain.RecordStore
	table *rules.Table
	log   logging.Logger

	memo       map[memoKey][]domain.CandidateRecord
	superseded map[facilityChannel]bool

	includeSet  map[domain.RecordKey]bool
	excludeSet  map[domain.RecordKey]bool
	excludeFac  map[domain.FacilityID]bool
	excludeSign map[string]bool
}

// NewContext builds a search context for one study configuration. A nil rule
// table uses the default table; a nil logger discards.
func NewContext(cfg domain.StudyConfiguration, store domain.RecordStore, table *rules.Table, log logging.Logger) *Context {
	if table == nil {
		table = rules.Default()
	}
	if log == nil {
		log = logging.Noop()
	}
	c := &Context{
		cfg:         cfg,
		store:       store,
		table:       table,
		log:         log,
		memo:        map[memoKey][]domain.CandidateRecord{},
		superseded:  map[facilityChannel]bool{},
		includeSet:  map[domain.RecordKey]bool{},
		excludeSet:  map[domain.RecordKey]bool{},
		excludeFac:  map[domain.FacilityID]bool{},
		excludeSign: map[string]bool{},
	}
	for _, k := range cfg.IncludeKeys {
		c.includeSet[k] = true
	}
	for _, k := range cfg.ExcludeKeys {
		c.excludeSet[k] = true
	}
	for _, f := range cfg.ExcludeFacility {
		c.excludeFac[f] = true
	}
	for _, s := range cfg.ExcludeCallSigns {
		c.excludeSign[s] = true
	}
	return c
}

// Search returns every record in the table that an interference rule links
// to the reference record in the given direction, after the full exclusion
// chain. Results are memoized per (channel, direction, table) for the
// context's lifetime.
func (c *Context) Search(ctx context.Context, ref domain.CandidateRecord, dir rules.Direction, table domain.RecordTable) ([]domain.CandidateRecord, error) {
	key := memoKey{channel: ref.Channel, dir: dir, table: table}
	if cached, ok := c.memo[key]; ok {
		return cached, nil
	}

	either, analogOnly := c.table.Reachable(ref.Channel, dir)
	raw, err := c.query(ctx, table, either, analogOnly)
	if err != nil {
		return nil, domain.SearchError{Op: "channel query", Err: err}
	}

	var out []domain.CandidateRecord
	for _, cand := range raw {
		if cand.Key == ref.Key {
			continue
		}
		if c.includeSet[cand.Key] {
			out = append(out, cand)
			continue
		}
		keep, err := c.admit(ctx, cand, table)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		if !c.ruleMatch(ref, cand, dir) {
			continue
		}
		out = append(out, cand)
	}
	if table == domain.TableCurrent {
		c.indexSuperseded(raw)
	}
	c.log.Debug(ctx, "channel search",
		logging.Int("channel", ref.Channel),
		logging.Int("candidates", len(raw)),
		logging.Int("kept", len(out)))

	c.memo[key] = out
	return out, nil
}

// query issues the two merged range queries: one over the either-modulation
// channel mask, one analog-restricted over the analog-only mask. Results are
// deduplicated by record key preserving query order.
func (c *Context) query(ctx context.Context, table domain.RecordTable, either, analogOnly []int) ([]domain.CandidateRecord, error) {
	var merged []domain.CandidateRecord
	seen := map[domain.RecordKey]bool{}
	if len(either) > 0 {
		recs, err := c.store.FindByChannels(ctx, table, either, false)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !seen[r.Key] {
				seen[r.Key] = true
				merged = append(merged, r)
			}
		}
	}
	if len(analogOnly) > 0 {
		recs, err := c.store.FindByChannels(ctx, table, analogOnly, true)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !seen[r.Key] {
				seen[r.Key] = true
				merged = append(merged, r)
			}
		}
	}
	return merged, nil
}

// admit runs the ordered exclusion chain: record-type exclusion,
// post-transition exclusion, explicit block lists, filing cutoff, baseline
// eligibility, and the superseded index for baseline searches.
func (c *Context) admit(ctx context.Context, cand domain.CandidateRecord, table domain.RecordTable) (bool, error) {
	switch cand.Status {
	case domain.StatusSTA, domain.StatusExperimental, domain.StatusAmendment:
		return false, nil
	case domain.StatusApplication:
		if c.cfg.ExcludeApps {
			return false, nil
		}
	}
	if cand.Service == domain.ServiceTV {
		// Full-service analog is deprecated post-transition.
		return false, nil
	}
	if isLPTV(cand.Service) && !c.cfg.ProtectLPTV {
		return false, nil
	}
	if cand.Country != "" && cand.Country != "US" && !c.cfg.IncludeForeign {
		return false, nil
	}
	if table == domain.TableBaseline && cand.PostTransition {
		return false, nil
	}
	if c.excludeSet[cand.Key] || c.excludeFac[cand.FacilityID] || c.excludeSign[cand.CallSign] {
		return false, nil
	}
	if !c.cfg.FilingCutoff.IsZero() && cand.SequenceDate.After(c.cfg.FilingCutoff) {
		return false, nil
	}
	if table == domain.TableBaseline {
		if c.superseded[facilityChannel{cand.FacilityID, cand.Channel}] {
			return false, nil
		}
		return true, nil
	}
	pre, err := c.preBaseline(ctx, cand)
	if err != nil {
		return false, domain.SearchError{Op: "sharing host lookup", Err: err}
	}
	if pre && !c.cfg.ProtectPreBaseline {
		return false, nil
	}
	return true, nil
}

// preBaseline reports whether the record is still a pre-transition
// assignment. A channel-sharing guest follows its host's transition state.
func (c *Context) preBaseline(ctx context.Context, rec domain.CandidateRecord) (bool, error) {
	if rec.SharingHostKey != "" {
		host, ok, err := c.store.FindByKey(ctx, domain.TableCurrent, rec.SharingHostKey)
		if err != nil {
			return false, err
		}
		if ok {
			rec = host
		}
	}
	if rec.PostTransition {
		return false, nil
	}
	return rec.BaselineChannel != 0 && rec.Channel == rec.BaselineChannel, nil
}

// ruleMatch reports whether any rule row links the pair within its distance
// limit plus the candidate's allowance. Distance is minimized over
// transmitter sites when either side is distributed.
func (c *Context) ruleMatch(ref, cand domain.CandidateRecord, dir rules.Direction) bool {
	entries := c.table.Matches(ref.Channel, cand.Channel, dir, !cand.Service.Digital())
	if len(entries) == 0 {
		return false
	}
	dist := geo.MinDistanceKM(ref, cand)
	for _, e := range entries {
		if dist <= e.DistanceKM+cand.DistanceAllowanceKM {
			return true
		}
	}
	return false
}

// indexSuperseded records every facility+channel already superseded by a
// license (or, under the pending-permit policy, a construction permit) so a
// later legacy-baseline search does not reintroduce superseded records.
func (c *Context) indexSuperseded(recs []domain.CandidateRecord) {
	for _, r := range recs {
		if r.Status == domain.StatusLicense ||
			(c.cfg.TrustPendingPermits && r.Status == domain.StatusPermit) {
			c.superseded[facilityChannel{r.FacilityID, r.Channel}] = true
			if r.BaselineChannel != 0 {
				c.superseded[facilityChannel{r.FacilityID, r.BaselineChannel}] = true
			}
		}
	}
}

// Superseded reports whether a facility+channel pair has been observed as
// superseded during this build.
func (c *Context) Superseded(facility domain.FacilityID, channel int) bool {
	return c.superseded[facilityChannel{facility, channel}]
}

func isLPTV(s domain.ServiceClass) bool {
	return s == domain.ServiceLPTVDigital || s == domain.ServiceLPTVAnalog
}

// FindProtected enumerates the stations the proposal must protect, each with
// its candidate undesired list. Undesireds start flagged as causing
// interference; the probe phase refines the flags. Legacy baseline
// protection, when requested, adds baseline-table records not superseded by
// a current license.
func (c *Context) FindProtected(ctx context.Context, proposal domain.CandidateRecord) ([]domain.ProtectedStation, error) {
	desireds, err := c.Search(ctx, proposal, rules.SearchDesireds, domain.TableCurrent)
	if err != nil {
		return nil, err
	}
	if c.cfg.ProtectPreBaseline {
		baseline, err := c.Search(ctx, proposal, rules.SearchDesireds, domain.TableBaseline)
		if err != nil {
			return nil, err
		}
		seen := map[domain.RecordKey]bool{}
		for _, d := range desireds {
			seen[d.Key] = true
		}
		for _, b := range baseline {
			if !seen[b.Key] {
				desireds = append(desireds, b)
			}
		}
	}

	out := make([]domain.ProtectedStation, 0, len(desireds))
	for _, d := range desireds {
		interferers, err := c.Search(ctx, d, rules.SearchUndesireds, domain.TableCurrent)
		if err != nil {
			return nil, err
		}
		var und []domain.Undesired
		for _, u := range interferers {
			if u.FacilityID == proposal.FacilityID {
				continue // the proposal itself enters scenarios explicitly
			}
			und = append(und, domain.Undesired{Record: u, CausesInterference: true})
		}
		LinkMX(und)
		out = append(out, domain.ProtectedStation{
			Record:               d,
			ReceivesInterference: true,
			Undesireds:           und,
		})
	}
	return out, nil
}

// LinkMX fills the pairwise mutual-exclusion links in an undesired list.
// Two entries are MX when they are competing records for the same facility.
func LinkMX(list []domain.Undesired) {
	for i := range list {
		list[i].MXWith = nil
	}
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			if list[i].Record.FacilityID == list[j].Record.FacilityID {
				list[i].MXWith = append(list[i].MXWith, j)
				list[j].MXWith = append(list[j].MXWith, i)
			}
		}
	}
}
