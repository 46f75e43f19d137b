package feed

import "fmt"

// Check identifies which validation step a page failed.
type Check string

const (
	// CheckPagePresent fails when the page is nil or not decodable
	// into an object.
	CheckPagePresent Check = "page_present"

	// CheckVulnerabilitiesField fails when the vulnerabilities array
	// is missing or not an array.
	CheckVulnerabilitiesField Check = "vulnerabilities_field"

	// CheckTotalField fails when the declared total count is missing.
	CheckTotalField Check = "total_field"

	// CheckEmptyPage fails when a page is empty although the declared
	// total says more records remain.
	CheckEmptyPage Check = "empty_page"

	// CheckRecordID fails when a record payload has no cve id.
	CheckRecordID Check = "record_id"
)

// Failure describes a failed validation check. It satisfies error so
// the paginator can escalate it, but Validate itself never panics and
// never returns a Go error for the legal empty-final-page case.
type Failure struct {
	Check  Check
	Offset int
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("page validation failed at offset %d: %s (%s)", f.Offset, f.Check, f.Detail)
}

// Validate inspects a raw page fetched at offset for structural
// completeness and narrows it into a typed Page. A page with an empty
// record array is valid only when offset has reached the declared
// total, i.e. on the conceptually-last page.
func Validate(raw RawPage, offset int) (*Page, *Failure) {
	if raw == nil {
		return nil, &Failure{Check: CheckPagePresent, Offset: offset, Detail: "nil page"}
	}

	total, ok := intField(raw, "totalResults")
	if !ok {
		return nil, &Failure{Check: CheckTotalField, Offset: offset, Detail: "totalResults missing"}
	}

	rawVulns, ok := sliceField(raw, "vulnerabilities")
	if !ok {
		return nil, &Failure{Check: CheckVulnerabilitiesField, Offset: offset, Detail: "vulnerabilities array missing"}
	}

	if len(rawVulns) == 0 && offset < total {
		return nil, &Failure{
			Check:  CheckEmptyPage,
			Offset: offset,
			Detail: fmt.Sprintf("empty page but %d of %d records remain", total-offset, total),
		}
	}

	vulns := make([]RawVuln, 0, len(rawVulns))
	for i, rv := range rawVulns {
		entry, ok := rv.(map[string]interface{})
		if !ok {
			return nil, &Failure{
				Check:  CheckRecordID,
				Offset: offset,
				Detail: fmt.Sprintf("record %d is not an object", i),
			}
		}
		cve, ok := mapField(entry, "cve")
		if !ok {
			return nil, &Failure{
				Check:  CheckRecordID,
				Offset: offset,
				Detail: fmt.Sprintf("record %d has no cve object", i),
			}
		}
		if id, ok := stringField(cve, "id"); !ok || id == "" {
			return nil, &Failure{
				Check:  CheckRecordID,
				Offset: offset,
				Detail: fmt.Sprintf("record %d has no cve id", i),
			}
		}
		vulns = append(vulns, RawVuln(entry))
	}

	startIndex, ok := intField(raw, "startIndex")
	if !ok {
		startIndex = offset
	}

	return &Page{
		StartIndex:      startIndex,
		Count:           len(vulns),
		Total:           total,
		Vulnerabilities: vulns,
	}, nil
}
