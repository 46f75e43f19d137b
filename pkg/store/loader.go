package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ssn-tools/cve-mirror/pkg/model"
)

// Prometheus metrics for load operations.
var (
	recordsLoadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_records_loaded_total",
		Help: "Total records upserted with write acknowledgment",
	})

	loadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_load_failures_total",
		Help: "Total records that failed to load after retries",
	})
)

// ErrUnacknowledgedWrite marks a write the store accepted but did not
// acknowledge durably. It is retried like any other store fault.
var ErrUnacknowledgedWrite = errors.New("store write not acknowledged")

// Replacer is the slice of the driver's collection API the loader
// needs. *mongo.Collection satisfies it; tests substitute fakes.
type Replacer interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{},
		opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// AckResult is the per-record outcome of a batch upsert.
type AckResult struct {
	ID  string
	Err error
}

// Loader upserts records keyed by CVE id. An existing document with
// the same id is fully replaced; there is no partial-field merge.
type Loader struct {
	coll    Replacer
	retries int
	backoff time.Duration
	logger  zerolog.Logger
}

// NewLoader creates a Loader with bounded fixed-backoff retries per
// record.
func NewLoader(coll Replacer, retries int, backoff time.Duration, logger zerolog.Logger) *Loader {
	if retries <= 0 {
		retries = 1
	}
	return &Loader{
		coll:    coll,
		retries: retries,
		backoff: backoff,
		logger:  logger,
	}
}

// Upsert writes one record and confirms acknowledgment before
// reporting success. Unacknowledged or failed writes are retried up to
// the configured attempt budget with a fixed backoff.
func (l *Loader) Upsert(ctx context.Context, rec model.CveRecord) error {
	if rec.ID == "" {
		loadFailuresTotal.Inc()
		return fmt.Errorf("record has no cve id")
	}

	filter := bson.M{"cveId": rec.ID}
	opts := options.Replace().SetUpsert(true)

	var lastErr error
	for attempt := 1; attempt <= l.retries; attempt++ {
		res, err := l.coll.ReplaceOne(ctx, filter, rec, opts)
		switch {
		case err != nil:
			lastErr = err
		case res == nil:
			lastErr = ErrUnacknowledgedWrite
		default:
			recordsLoadedTotal.Inc()
			l.logger.Debug().
				Str("cve_id", rec.ID).
				Int64("modified", res.ModifiedCount).
				Int64("upserted", upsertedCount(res)).
				Msg("Record upserted")
			return nil
		}

		l.logger.Warn().
			Err(lastErr).
			Str("cve_id", rec.ID).
			Int("attempt", attempt).
			Msg("Record upsert failed")

		if attempt < l.retries {
			select {
			case <-ctx.Done():
				loadFailuresTotal.Inc()
				return fmt.Errorf("upsert %s: %w", rec.ID, ctx.Err())
			case <-time.After(l.backoff):
			}
		}
	}

	loadFailuresTotal.Inc()
	return fmt.Errorf("upsert %s: %w", rec.ID, lastErr)
}

// UpsertMany applies Upsert to each record and reports a per-record
// result list. One bad record never fails the whole batch.
func (l *Loader) UpsertMany(ctx context.Context, recs []model.CveRecord) []AckResult {
	results := make([]AckResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, AckResult{
			ID:  rec.ID,
			Err: l.Upsert(ctx, rec),
		})
	}
	return results
}

func upsertedCount(res *mongo.UpdateResult) int64 {
	if res.UpsertedID != nil {
		return 1
	}
	return 0
}
