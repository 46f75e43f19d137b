package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/ssn-tools/cve-mirror/pkg/model"
)

// ErrMissingID is returned when a record payload carries no cve id.
// The validator catches this earlier in the pipeline, but Normalize
// re-checks since it may be used on its own.
var ErrMissingID = errors.New("record missing cve id")

// Upstream timestamps come without a zone suffix; RFC3339 is accepted
// as a fallback for API variants that include one.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// Normalize maps one raw upstream record into the storage schema.
// It is a pure function of (raw, now): identical inputs yield identical
// records. IngestedAt is always set from now, never from upstream.
func Normalize(raw RawVuln, now time.Time) (model.CveRecord, error) {
	cve, ok := mapField(raw, "cve")
	if !ok {
		return model.CveRecord{}, fmt.Errorf("%w: no cve object", ErrMissingID)
	}

	id, ok := stringField(cve, "id")
	if !ok || id == "" {
		return model.CveRecord{}, ErrMissingID
	}

	rec := model.CveRecord{
		ID:         id,
		Raw:        cve,
		IngestedAt: now.UTC(),
	}

	if published, ok := stringField(cve, "published"); ok {
		rec.Published = parseTime(published)
	}
	if modified, ok := stringField(cve, "lastModified"); ok {
		rec.LastModified = parseTime(modified)
	}

	rec.Description = englishDescription(cve)
	rec.Severity = severityBlock(cve)

	return rec, nil
}

// englishDescription picks the english advisory text, falling back to
// the first description when no english one is present.
func englishDescription(cve map[string]interface{}) string {
	descs, ok := sliceField(cve, "descriptions")
	if !ok || len(descs) == 0 {
		return ""
	}

	first := ""
	for _, d := range descs {
		entry, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		value, ok := stringField(entry, "value")
		if !ok {
			continue
		}
		if first == "" {
			first = value
		}
		if lang, _ := stringField(entry, "lang"); lang == "en" {
			return value
		}
	}
	return first
}

// severityBlock extracts the best available CVSS metric, preferring
// newer scoring versions. Returns nil when upstream carries none.
func severityBlock(cve map[string]interface{}) *model.Severity {
	metrics, ok := mapField(cve, "metrics")
	if !ok {
		return nil
	}

	for _, key := range []string{"cvssMetricV31", "cvssMetricV30", "cvssMetricV2"} {
		entries, ok := sliceField(metrics, key)
		if !ok || len(entries) == 0 {
			continue
		}
		entry, ok := entries[0].(map[string]interface{})
		if !ok {
			continue
		}
		data, ok := mapField(entry, "cvssData")
		if !ok {
			continue
		}

		sev := &model.Severity{}
		if score, ok := data["baseScore"].(float64); ok {
			sev.Score = score
		}
		sev.Severity, _ = stringField(data, "baseSeverity")
		if sev.Severity == "" {
			// CVSS v2 keeps the severity label outside cvssData.
			sev.Severity, _ = stringField(entry, "baseSeverity")
		}
		sev.Vector, _ = stringField(data, "vectorString")
		sev.Version, _ = stringField(data, "version")
		return sev
	}
	return nil
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
