package domain

import (
	"sort"
	"time"
)

// StudyKey identifies a persisted study document.
type StudyKey string

// OutputFormat is one engine output selector code.
type OutputFormat string

// Engine output format codes passed positionally to the engine process.
const (
	OutputCoverageMap OutputFormat = "map"
	OutputCellFile    OutputFormat = "cell"
	OutputCSVSummary  OutputFormat = "csv"
	OutputPairReport  OutputFormat = "pair"
)

// StudyConfiguration captures every input of one study build. It is
// immutable once a build starts; the fingerprint in the run cache is derived
// from its result-affecting fields.
type StudyConfiguration struct {
	DatabaseID         string
	TargetKey          RecordKey
	BeforeKey          RecordKey // optional explicit "before" record
	ReplicationChannel int       // zero means no replication
	TemplateID         int
	DataVersionID      int
	OutputFormats      []OutputFormat
	CellSizeKM         string // decimal text, canonicalized by the fingerprint
	ProfileResolution  string // points per kilometer, decimal text

	// Protection policy flags.
	ProtectPreBaseline  bool // legacy baseline protection requested
	ProtectLPTV         bool
	IncludeForeign      bool
	ExcludeApps         bool // drop APP filings from the candidate search
	TrustPendingPermits bool // treat pending CPs as superseding licenses

	FilingCutoff time.Time

	// Explicit record inclusion/exclusion, matched before policy filters.
	IncludeKeys      []RecordKey
	ExcludeKeys      []RecordKey
	ExcludeFacility  []FacilityID
	ExcludeCallSigns []string
}

// SortedIncludeKeys returns the inclusion list in stable order.
func (c StudyConfiguration) SortedIncludeKeys() []RecordKey {
	return sortedKeys(c.IncludeKeys)
}

// SortedExcludeKeys returns the exclusion list in stable order.
func (c StudyConfiguration) SortedExcludeKeys() []RecordKey {
	return sortedKeys(c.ExcludeKeys)
}

func sortedKeys(keys []RecordKey) []RecordKey {
	out := make([]RecordKey, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ScenarioMember is one record's role inside a scenario.
type ScenarioMember struct {
	Key         RecordKey `json:"key"`
	IsDesired   bool      `json:"is_desired"`
	IsUndesired bool      `json:"is_undesired"`
	IsPermanent bool      `json:"is_permanent"`
}

// Scenario is a named set of member records the engine simulates together.
// Scenarios form a shallow tree: a top-level scenario may carry children.
type Scenario struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Members     []ScenarioMember `json:"members"`
	Children    []Scenario       `json:"children,omitempty"`
}

// ScenarioPair registers a before/after comparison keyed by the desired
// record whose interference change the pair measures.
type ScenarioPair struct {
	DesiredKey RecordKey `json:"desired_key"`
	BeforeName string    `json:"before_name"`
	AfterName  string    `json:"after_name"`
}
