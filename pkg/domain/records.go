// Package domain defines the core value types, error taxonomy, and
// persistence interfaces used by the interference-study engine.
package domain

import "time"

// RecordKey uniquely identifies a station record within one station-data
// version (the application reference number in external data sets).
type RecordKey string

// FacilityID identifies a licensed facility; several records (applications,
// permits, licenses, baseline entries) may share one facility.
type FacilityID int

// ServiceClass identifies the broadcast service a record authorizes.
type ServiceClass string

// Supported service class identifiers.
const (
	// ServiceDTV is full-service digital television.
	ServiceDTV ServiceClass = "DT"
	// ServiceTV is full-service analog television (deprecated post-transition).
	ServiceTV ServiceClass = "TV"
	// ServiceClassADigital is digital Class A.
	ServiceClassADigital ServiceClass = "DC"
	// ServiceClassAAnalog is analog Class A.
	ServiceClassAAnalog ServiceClass = "CA"
	// ServiceLPTVDigital is digital low-power television.
	ServiceLPTVDigital ServiceClass = "LD"
	// ServiceLPTVAnalog is analog low-power television.
	ServiceLPTVAnalog ServiceClass = "TX"
)

// Digital reports whether the service class uses digital modulation.
func (s ServiceClass) Digital() bool {
	switch s {
	case ServiceDTV, ServiceClassADigital, ServiceLPTVDigital:
		return true
	default:
		return false
	}
}

// RecordStatus enumerates the filing statuses a station record may carry.
type RecordStatus string

// Canonical record statuses used by the exclusion filters.
const (
	StatusLicense      RecordStatus = "LIC"
	StatusPermit       RecordStatus = "CP"
	StatusApplication  RecordStatus = "APP"
	StatusSTA          RecordStatus = "STA"
	StatusExperimental RecordStatus = "EXP"
	StatusAmendment    RecordStatus = "AMD"
)

// RecordTable selects which station-data table a query runs against.
type RecordTable string

// Station-data tables.
const (
	// TableCurrent holds current and pending records.
	TableCurrent RecordTable = "current"
	// TableBaseline holds pre-transition reference channel assignments.
	TableBaseline RecordTable = "baseline"
)

// Site is one transmitter location. Non-DTS records carry exactly one site.
type Site struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
}

// CandidateRecord is a read-only station record sourced from the
// station-data collaborator. Distributed (DTS) facilities list every
// transmitter site; Sites is never empty for a well-formed record.
type CandidateRecord struct {
	Key          RecordKey    `json:"key"`
	CallSign     string       `json:"call_sign"`
	FacilityID   FacilityID   `json:"facility_id"`
	Service      ServiceClass `json:"service"`
	Status       RecordStatus `json:"status"`
	Channel      int          `json:"channel"`
	Country      string       `json:"country"`
	Sites        []Site       `json:"sites"`
	SequenceDate time.Time    `json:"sequence_date"`

	// ReplicatedFrom is the analog channel a digital record replicates,
	// zero when not a replication record.
	ReplicatedFrom int `json:"replicated_from,omitempty"`

	// BaselineChannel is the facility's pre-transition reference channel,
	// zero when the facility has no baseline entry.
	BaselineChannel int `json:"baseline_channel,omitempty"`

	// SharingHostKey is set when this record operates on a channel-sharing
	// host; eligibility follows the host's transition state.
	SharingHostKey RecordKey `json:"sharing_host_key,omitempty"`

	// PostTransition marks records filed after the transition completion
	// date for their facility.
	PostTransition bool `json:"post_transition,omitempty"`

	// DistanceAllowanceKM widens the rule-table distance for this record
	// (site-tolerance allowance); zero means the service-class default.
	DistanceAllowanceKM float64 `json:"distance_allowance_km,omitempty"`
}

// Location returns the record's primary site.
func (r CandidateRecord) Location() Site {
	if len(r.Sites) == 0 {
		return Site{}
	}
	return r.Sites[0]
}

// Undesired is a candidate interferer attached to a protected station.
// MXWith holds indices of other entries in the same list that are mutually
// exclusive with this one.
type Undesired struct {
	Record             CandidateRecord
	CausesInterference bool
	MXWith             []int
}

// ProtectedStation is a station that must be protected from the proposal,
// together with every record that may interfere with it.
type ProtectedStation struct {
	Record               CandidateRecord
	ReceivesInterference bool
	Undesireds           []Undesired
}
