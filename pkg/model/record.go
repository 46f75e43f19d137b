// Package model defines the storage schema for mirrored CVE records.
package model

import "time"

// Severity is the score block extracted from the best available CVSS
// metric on the advisory. Upstream may omit scoring entirely (recently
// published CVEs are often unscored), so records carry it as a pointer.
type Severity struct {
	Score    float64 `bson:"score" json:"score"`
	Severity string  `bson:"severity" json:"severity"`
	Vector   string  `bson:"vector,omitempty" json:"vector,omitempty"`
	Version  string  `bson:"version" json:"version"`
}

// CveRecord is one vulnerability advisory as persisted in the document
// store. Records are upserted keyed by CveID; an existing document with
// the same id is fully replaced, never merged.
type CveRecord struct {
	// ID is the globally unique CVE identifier, e.g. "CVE-2024-12345".
	ID string `bson:"cveId" json:"cveId"`

	// Published and LastModified come from upstream.
	Published    time.Time `bson:"published" json:"published"`
	LastModified time.Time `bson:"lastModified" json:"lastModified"`

	// Description is the english advisory text.
	Description string `bson:"description" json:"description"`

	// Severity is nil when upstream carries no CVSS metrics.
	Severity *Severity `bson:"severity,omitempty" json:"severity,omitempty"`

	// Raw is the upstream cve object, kept verbatim so consumers can
	// reach fields the typed schema does not surface.
	Raw map[string]interface{} `bson:"data" json:"data"`

	// IngestedAt is stamped by the normalizer at processing time (UTC).
	// It is never copied from upstream.
	IngestedAt time.Time `bson:"ingestedAt" json:"ingestedAt"`
}
