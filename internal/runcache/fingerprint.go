package runcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"ixstudy/pkg/domain"
)

// Fingerprint derives the stable cache key for a configuration. Every
// result-affecting field enters the serialization; two configurations with
// equal fingerprints produce interchangeable engine output.
func Fingerprint(cfg domain.StudyConfiguration) string {
	sum := sha256.Sum256([]byte(Canonical(cfg)))
	return hex.EncodeToString(sum[:])
}

// Canonical serializes the result-affecting fields into one deterministic
// string. Decimal fields canonicalize numerically ("1.00" and "1.0" agree);
// list fields sort.
func Canonical(cfg domain.StudyConfiguration) string {
	formats := make([]string, len(cfg.OutputFormats))
	for i, f := range cfg.OutputFormats {
		formats[i] = string(f)
	}
	sort.Strings(formats)

	facilities := make([]string, len(cfg.ExcludeFacility))
	for i, f := range cfg.ExcludeFacility {
		facilities[i] = strconv.Itoa(int(f))
	}
	sort.Strings(facilities)

	signs := make([]string, len(cfg.ExcludeCallSigns))
	copy(signs, cfg.ExcludeCallSigns)
	sort.Strings(signs)

	parts := []string{
		"target=" + string(cfg.TargetKey),
		"before=" + string(cfg.BeforeKey),
		"repl=" + strconv.Itoa(cfg.ReplicationChannel),
		"template=" + strconv.Itoa(cfg.TemplateID),
		"dataver=" + strconv.Itoa(cfg.DataVersionID),
		"formats=" + strings.Join(formats, ","),
		"cell=" + canonDecimal(cfg.CellSizeKM),
		"res=" + canonDecimal(cfg.ProfileResolution),
		"prebaseline=" + boolStr(cfg.ProtectPreBaseline),
		"lptv=" + boolStr(cfg.ProtectLPTV),
		"foreign=" + boolStr(cfg.IncludeForeign),
		"noapps=" + boolStr(cfg.ExcludeApps),
		"pendingcp=" + boolStr(cfg.TrustPendingPermits),
		"cutoff=" + canonDate(cfg.FilingCutoff),
		"include=" + joinKeys(cfg.SortedIncludeKeys()),
		"exclude=" + joinKeys(cfg.SortedExcludeKeys()),
		"exfac=" + strings.Join(facilities, ","),
		"exsign=" + strings.Join(signs, ","),
	}
	return strings.Join(parts, "|")
}

// canonDecimal normalizes decimal text so numerically equal values
// serialize identically. Unparseable text passes through verbatim.
func canonDecimal(s string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func canonDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func joinKeys(keys []domain.RecordKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// OutputName formats a sequential output directory name.
func OutputName(seq int64) string {
	return fmt.Sprintf("run_%06d", seq)
}
