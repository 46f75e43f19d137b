// Package mirror wires the pipeline into one run: drive the paginator,
// normalize each page's records, hand them to the loader, and report a
// final run summary.
package mirror

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ssn-tools/cve-mirror/pkg/feed"
	"github.com/ssn-tools/cve-mirror/pkg/model"
	"github.com/ssn-tools/cve-mirror/pkg/store"
)

// Prometheus metrics for mirror runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_runs_total",
		Help: "Total mirror runs by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mirror_run_duration_seconds",
		Help:    "Mirror run duration in seconds",
		Buckets: []float64{1, 10, 60, 300, 1800, 7200},
	})
)

// Pager is the validated-page sequence the runner consumes.
// *pagination.Paginator satisfies it.
type Pager interface {
	Next(ctx context.Context) (*feed.Page, error)
	Offset() int
}

// Loader persists normalized records. *store.Loader satisfies it.
type Loader interface {
	UpsertMany(ctx context.Context, recs []model.CveRecord) []store.AckResult
}

// Runner executes one mirror pass. Pages are processed in upstream
// order; per-record faults are counted and skipped, page-level faults
// abort the run.
type Runner struct {
	pager  Pager
	loader Loader
	logger zerolog.Logger
	now    func() time.Time
	dryRun bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock injects the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithDryRun fetches, validates, and normalizes without loading.
func WithDryRun(dry bool) Option {
	return func(r *Runner) { r.dryRun = dry }
}

// NewRunner creates a Runner.
func NewRunner(pager Pager, loader Loader, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		pager:  pager,
		loader: loader,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the paginator to exhaustion or abort and always returns a
// RunSummary. It never resumes automatically: a partial summary plus
// idempotent upserts make manual re-invocation safe.
func (r *Runner) Run(ctx context.Context) *RunSummary {
	summary := &RunSummary{StartedAt: r.now().UTC()}

	r.logger.Info().Bool("dry_run", r.dryRun).Msg("Mirror run starting")

	for {
		page, err := r.pager.Next(ctx)
		if err != nil {
			summary.Err = err
			summary.AbortOffset = r.pager.Offset()
			break
		}
		if page == nil {
			break
		}

		summary.Fetched += page.Count
		summary.Validated += page.Count

		r.processPage(ctx, page, summary)
	}

	summary.Elapsed = r.now().UTC().Sub(summary.StartedAt)
	runDuration.Observe(summary.Elapsed.Seconds())
	runsTotal.WithLabelValues(outcomeLabel(summary)).Inc()
	summary.Log(r.logger)

	return summary
}

// processPage normalizes and loads one page's records in upstream
// order. Per-record failures are recorded and the page continues.
func (r *Runner) processPage(ctx context.Context, page *feed.Page, summary *RunSummary) {
	recs := make([]model.CveRecord, 0, page.Count)
	for _, raw := range page.Vulnerabilities {
		rec, err := feed.Normalize(raw, r.now())
		if err != nil {
			summary.Failed++
			r.logger.Warn().
				Err(err).
				Int("offset", page.StartIndex).
				Msg("Record normalization failed")
			continue
		}
		summary.Normalized++
		recs = append(recs, rec)
	}

	if r.dryRun || len(recs) == 0 {
		return
	}

	for _, res := range r.loader.UpsertMany(ctx, recs) {
		if res.Err != nil {
			summary.Failed++
			r.logger.Warn().
				Err(res.Err).
				Str("cve_id", res.ID).
				Msg("Record load failed")
			continue
		}
		summary.Loaded++
	}
}

func outcomeLabel(s *RunSummary) string {
	switch {
	case s.Aborted():
		return "aborted"
	case s.Failed > 0:
		return "partial"
	default:
		return "clean"
	}
}
