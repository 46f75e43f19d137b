// Package feed is the untrusted-input boundary for upstream CVE API
// payloads. The fetcher hands over loosely-typed decoded pages; the
// validator narrows them into typed Pages and the normalizer maps
// individual records into the storage schema.
package feed

// RawPage is a decoded upstream response body before validation.
// Field access goes through the validator, never directly.
type RawPage map[string]interface{}

// RawVuln is one element of the upstream vulnerabilities array.
type RawVuln map[string]interface{}

// Page is a validated upstream response unit. It is consumed by the
// paginator and discarded; pages are never persisted.
type Page struct {
	// StartIndex is the offset this page was served at.
	StartIndex int

	// Count is the number of records returned on this page.
	Count int

	// Total is the declared total number of available records. Upstream
	// may revise it mid-run; the paginator trusts the latest value.
	Total int

	// Vulnerabilities holds the raw record payloads in upstream order.
	Vulnerabilities []RawVuln
}

// intField reads a numeric field from a raw payload. JSON numbers
// decode as float64, so both forms are accepted.
func intField(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// stringField reads a string field from a raw payload.
func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// mapField reads a nested object field from a raw payload.
func mapField(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]interface{})
	return nested, ok
}

// sliceField reads an array field from a raw payload.
func sliceField(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	s, ok := v.([]interface{})
	return s, ok
}
