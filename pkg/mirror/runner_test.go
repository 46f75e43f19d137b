package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssn-tools/cve-mirror/pkg/feed"
	"github.com/ssn-tools/cve-mirror/pkg/model"
	"github.com/ssn-tools/cve-mirror/pkg/store"
)

// fakePager yields a scripted sequence of pages, then an optional
// terminal error or exhaustion.
type fakePager struct {
	pages  []*feed.Page
	err    error
	offset int
	i      int
}

func (p *fakePager) Next(ctx context.Context) (*feed.Page, error) {
	if p.i < len(p.pages) {
		page := p.pages[p.i]
		p.i++
		p.offset = page.StartIndex + page.Count
		return page, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	return nil, nil
}

func (p *fakePager) Offset() int { return p.offset }

// fakeLoader records every upsert and fails the scripted ids.
type fakeLoader struct {
	failIDs map[string]bool
	loaded  []model.CveRecord
	calls   int
}

func (l *fakeLoader) UpsertMany(ctx context.Context, recs []model.CveRecord) []store.AckResult {
	l.calls++
	results := make([]store.AckResult, 0, len(recs))
	for _, rec := range recs {
		if l.failIDs[rec.ID] {
			results = append(results, store.AckResult{ID: rec.ID, Err: errors.New("write failed")})
			continue
		}
		l.loaded = append(l.loaded, rec)
		results = append(results, store.AckResult{ID: rec.ID})
	}
	return results
}

func page(startIndex, total int, ids ...string) *feed.Page {
	vulns := make([]feed.RawVuln, 0, len(ids))
	for _, id := range ids {
		vulns = append(vulns, feed.RawVuln{
			"cve": map[string]interface{}{"id": id},
		})
	}
	return &feed.Page{
		StartIndex:      startIndex,
		Count:           len(vulns),
		Total:           total,
		Vulnerabilities: vulns,
	}
}

func TestRun_CleanTwoPages(t *testing.T) {
	pager := &fakePager{pages: []*feed.Page{
		page(0, 4, "CVE-2024-0001", "CVE-2024-0002"),
		page(2, 4, "CVE-2024-0003", "CVE-2024-0004"),
	}}
	loader := &fakeLoader{}

	r := NewRunner(pager, loader, zerolog.Nop())
	summary := r.Run(context.Background())

	if summary.Fetched != 4 || summary.Validated != 4 || summary.Normalized != 4 || summary.Loaded != 4 {
		t.Errorf("Counts = fetched %d validated %d normalized %d loaded %d, want 4 each",
			summary.Fetched, summary.Validated, summary.Normalized, summary.Loaded)
	}
	if summary.Failed != 0 {
		t.Errorf("Failed = %d, want 0", summary.Failed)
	}
	if !summary.Clean() {
		t.Error("Summary should be clean")
	}
	if summary.Aborted() {
		t.Error("Summary should not be aborted")
	}
}

func TestRun_IngestedAtWithinRunBounds(t *testing.T) {
	pager := &fakePager{pages: []*feed.Page{
		page(0, 2, "CVE-2024-0001", "CVE-2024-0002"),
	}}
	loader := &fakeLoader{}

	before := time.Now().UTC()
	r := NewRunner(pager, loader, zerolog.Nop())
	summary := r.Run(context.Background())
	after := time.Now().UTC()

	if len(loader.loaded) != 2 {
		t.Fatalf("Loaded %d records, want 2", len(loader.loaded))
	}
	for _, rec := range loader.loaded {
		if rec.IngestedAt.IsZero() {
			t.Errorf("Record %s has no IngestedAt", rec.ID)
		}
		if rec.IngestedAt.Before(before) || rec.IngestedAt.After(after) {
			t.Errorf("IngestedAt %v outside run bounds [%v, %v]", rec.IngestedAt, before, after)
		}
		if rec.IngestedAt.Before(summary.StartedAt) {
			t.Errorf("IngestedAt %v before run start %v", rec.IngestedAt, summary.StartedAt)
		}
	}
}

func TestRun_AbortKeepsPartialCounts(t *testing.T) {
	abortErr := errors.New("retry attempts exhausted")
	pager := &fakePager{
		pages: []*feed.Page{page(0, 4, "CVE-2024-0001", "CVE-2024-0002")},
		err:   abortErr,
	}
	loader := &fakeLoader{}

	r := NewRunner(pager, loader, zerolog.Nop())
	summary := r.Run(context.Background())

	if !summary.Aborted() {
		t.Fatal("Summary should be aborted")
	}
	if !errors.Is(summary.Err, abortErr) {
		t.Errorf("Err = %v, want the abort cause", summary.Err)
	}
	// Page 1 was processed before the abort.
	if summary.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2 from page 1", summary.Loaded)
	}
	if summary.AbortOffset != 2 {
		t.Errorf("AbortOffset = %d, want 2", summary.AbortOffset)
	}
}

func TestRun_PerRecordLoadFailureContinues(t *testing.T) {
	pager := &fakePager{pages: []*feed.Page{
		page(0, 4, "CVE-2024-0001", "CVE-2024-0002"),
		page(2, 4, "CVE-2024-0003", "CVE-2024-0004"),
	}}
	loader := &fakeLoader{failIDs: map[string]bool{"CVE-2024-0002": true}}

	r := NewRunner(pager, loader, zerolog.Nop())
	summary := r.Run(context.Background())

	if summary.Aborted() {
		t.Fatal("Per-record failure must not abort the run")
	}
	if summary.Loaded != 3 {
		t.Errorf("Loaded = %d, want 3", summary.Loaded)
	}
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	// The second page was still processed.
	if loader.calls != 2 {
		t.Errorf("Loader called %d times, want 2", loader.calls)
	}
	if summary.Clean() {
		t.Error("Summary with failures must not be clean")
	}
}

func TestRun_NormalizationFaultCountedAsFailed(t *testing.T) {
	bad := &feed.Page{
		StartIndex: 0,
		Count:      2,
		Total:      2,
		Vulnerabilities: []feed.RawVuln{
			{"cve": map[string]interface{}{"id": "CVE-2024-0001"}},
			{"cve": map[string]interface{}{}}, // no id
		},
	}
	pager := &fakePager{pages: []*feed.Page{bad}}
	loader := &fakeLoader{}

	r := NewRunner(pager, loader, zerolog.Nop())
	summary := r.Run(context.Background())

	if summary.Normalized != 1 {
		t.Errorf("Normalized = %d, want 1", summary.Normalized)
	}
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if summary.Loaded != 1 {
		t.Errorf("Loaded = %d, want 1", summary.Loaded)
	}
}

func TestRun_DryRunSkipsLoading(t *testing.T) {
	pager := &fakePager{pages: []*feed.Page{
		page(0, 2, "CVE-2024-0001", "CVE-2024-0002"),
	}}
	loader := &fakeLoader{}

	r := NewRunner(pager, loader, zerolog.Nop(), WithDryRun(true))
	summary := r.Run(context.Background())

	if loader.calls != 0 {
		t.Errorf("Loader called %d times in dry run, want 0", loader.calls)
	}
	if summary.Normalized != 2 {
		t.Errorf("Normalized = %d, want 2", summary.Normalized)
	}
	if summary.Loaded != 0 {
		t.Errorf("Loaded = %d, want 0", summary.Loaded)
	}
}

func TestRun_EmptyUpstream(t *testing.T) {
	pager := &fakePager{}
	loader := &fakeLoader{}

	r := NewRunner(pager, loader, zerolog.Nop())
	summary := r.Run(context.Background())

	if !summary.Clean() {
		t.Error("Empty upstream should produce a clean summary")
	}
	if summary.Fetched != 0 || summary.Loaded != 0 {
		t.Errorf("Counts = %+v, want zeros", summary)
	}
}
