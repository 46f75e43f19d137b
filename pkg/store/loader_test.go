package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ssn-tools/cve-mirror/pkg/model"
)

// fakeCollection scripts per-id outcomes and records the documents it
// received.
type fakeCollection struct {
	// failures maps cve id -> number of attempts that fail before one
	// succeeds. A negative count fails forever.
	failures map[string]int
	// unacknowledged ids return a nil result with no error.
	unacknowledged map[string]int

	calls    int
	replaced []model.CveRecord
}

func (f *fakeCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{},
	opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	f.calls++

	rec, ok := replacement.(model.CveRecord)
	if !ok {
		return nil, errors.New("unexpected replacement type")
	}

	if n, ok := f.failures[rec.ID]; ok && n != 0 {
		if n > 0 {
			f.failures[rec.ID] = n - 1
		}
		return nil, errors.New("write failed")
	}
	if n, ok := f.unacknowledged[rec.ID]; ok && n != 0 {
		if n > 0 {
			f.unacknowledged[rec.ID] = n - 1
		}
		return nil, nil
	}

	f.replaced = append(f.replaced, rec)
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func testRecord(id string) model.CveRecord {
	return model.CveRecord{
		ID:          id,
		Description: "test advisory",
		IngestedAt:  time.Now().UTC(),
	}
}

func TestUpsert_Success(t *testing.T) {
	coll := &fakeCollection{}
	l := NewLoader(coll, 3, time.Millisecond, zerolog.Nop())

	if err := l.Upsert(context.Background(), testRecord("CVE-2024-0001")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if coll.calls != 1 {
		t.Errorf("Calls = %d, want 1", coll.calls)
	}
	if len(coll.replaced) != 1 || coll.replaced[0].ID != "CVE-2024-0001" {
		t.Errorf("Replaced = %+v, want the record", coll.replaced)
	}
}

func TestUpsert_MissingID(t *testing.T) {
	l := NewLoader(&fakeCollection{}, 3, time.Millisecond, zerolog.Nop())

	if err := l.Upsert(context.Background(), model.CveRecord{}); err == nil {
		t.Error("Expected error for record without id")
	}
}

func TestUpsert_RetriesThenSucceeds(t *testing.T) {
	coll := &fakeCollection{failures: map[string]int{"CVE-2024-0001": 2}}
	l := NewLoader(coll, 3, time.Millisecond, zerolog.Nop())

	if err := l.Upsert(context.Background(), testRecord("CVE-2024-0001")); err != nil {
		t.Fatalf("Upsert should succeed on third attempt: %v", err)
	}
	if coll.calls != 3 {
		t.Errorf("Calls = %d, want 3", coll.calls)
	}
}

func TestUpsert_UnacknowledgedWriteIsFault(t *testing.T) {
	coll := &fakeCollection{unacknowledged: map[string]int{"CVE-2024-0001": -1}}
	l := NewLoader(coll, 2, time.Millisecond, zerolog.Nop())

	err := l.Upsert(context.Background(), testRecord("CVE-2024-0001"))
	if !errors.Is(err, ErrUnacknowledgedWrite) {
		t.Errorf("Expected ErrUnacknowledgedWrite, got %v", err)
	}
	if coll.calls != 2 {
		t.Errorf("Calls = %d, want 2 (bounded retries)", coll.calls)
	}
}

func TestUpsert_ExhaustedRetries(t *testing.T) {
	coll := &fakeCollection{failures: map[string]int{"CVE-2024-0001": -1}}
	l := NewLoader(coll, 3, time.Millisecond, zerolog.Nop())

	if err := l.Upsert(context.Background(), testRecord("CVE-2024-0001")); err == nil {
		t.Error("Expected error after exhausted retries")
	}
	if coll.calls != 3 {
		t.Errorf("Calls = %d, want 3", coll.calls)
	}
}

func TestUpsertMany_PartialFailure(t *testing.T) {
	// Record 2 of 3 never acknowledges; the other two must load.
	coll := &fakeCollection{unacknowledged: map[string]int{"CVE-2024-0002": -1}}
	l := NewLoader(coll, 2, time.Millisecond, zerolog.Nop())

	recs := []model.CveRecord{
		testRecord("CVE-2024-0001"),
		testRecord("CVE-2024-0002"),
		testRecord("CVE-2024-0003"),
	}

	results := l.UpsertMany(context.Background(), recs)
	if len(results) != 3 {
		t.Fatalf("Results length = %d, want 3", len(results))
	}

	if results[0].Err != nil {
		t.Errorf("Record 1 should load, got %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrUnacknowledgedWrite) {
		t.Errorf("Record 2 should fail with ErrUnacknowledgedWrite, got %v", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("Record 3 should load despite record 2 failing, got %v", results[2].Err)
	}

	if results[1].ID != "CVE-2024-0002" {
		t.Errorf("Result 2 ID = %q, want CVE-2024-0002", results[1].ID)
	}
}

func TestUpsertMany_PreservesOrder(t *testing.T) {
	coll := &fakeCollection{}
	l := NewLoader(coll, 1, 0, zerolog.Nop())

	recs := []model.CveRecord{
		testRecord("CVE-2024-0003"),
		testRecord("CVE-2024-0001"),
		testRecord("CVE-2024-0002"),
	}

	l.UpsertMany(context.Background(), recs)

	for i, rec := range recs {
		if coll.replaced[i].ID != rec.ID {
			t.Errorf("Replaced[%d] = %s, want %s (upstream order)", i, coll.replaced[i].ID, rec.ID)
		}
	}
}

func TestUpsert_FilterUsesNaturalKey(t *testing.T) {
	var captured bson.M
	coll := &captureCollection{onReplace: func(filter interface{}) {
		captured, _ = filter.(bson.M)
	}}
	l := NewLoader(coll, 1, 0, zerolog.Nop())

	if err := l.Upsert(context.Background(), testRecord("CVE-2024-0042")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if captured["cveId"] != "CVE-2024-0042" {
		t.Errorf("Filter = %v, want cveId keyed to the record id", captured)
	}
}

type captureCollection struct {
	onReplace func(filter interface{})
}

func (c *captureCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{},
	opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	c.onReplace(filter)
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}
