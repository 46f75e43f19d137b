// Package pagination drives the fetcher across the full upstream
// result set using the offset / page-size / declared-total contract.
// Fetches are strictly sequential: upstream rate limits make parallel
// page requests counter-productive.
package pagination

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ssn-tools/cve-mirror/pkg/feed"
)

// State is the paginator's position in its lifecycle.
type State string

const (
	// StatePending means the cursor points at the next page to fetch.
	StatePending State = "pending"

	// StateFetching means a fetch is in flight.
	StateFetching State = "fetching"

	// StateDone is terminal: the result set is exhausted.
	StateDone State = "done"

	// StateAborted is terminal: a fetch or validation fault stopped
	// the walk.
	StateAborted State = "aborted"
)

// PageFetcher is the single-page fetch seam the paginator drives.
// *client.Fetcher satisfies it.
type PageFetcher interface {
	FetchPage(ctx context.Context, offset, pageSize int) (feed.RawPage, error)
}

// Paginator produces a lazy, non-restartable sequence of validated
// pages. The cursor advances only after a page validates; consuming the
// sequence fully drives it to Done or Aborted.
type Paginator struct {
	fetcher  PageFetcher
	pageSize int
	logger   zerolog.Logger

	offset int
	total  int // -1 until the first page reports it
	state  State
	err    error
}

// New creates a Paginator starting at offset 0.
func New(fetcher PageFetcher, pageSize int, logger zerolog.Logger) *Paginator {
	return &Paginator{
		fetcher:  fetcher,
		pageSize: pageSize,
		logger:   logger,
		total:    -1,
		state:    StatePending,
	}
}

// Next fetches, validates, and yields the next page. It returns
// (nil, nil) once the result set is exhausted and (nil, err) after an
// abort; terminal states are sticky. Cancellation is checked at the
// transition boundary, never mid-request.
func (p *Paginator) Next(ctx context.Context) (*feed.Page, error) {
	switch p.state {
	case StateDone:
		return nil, nil
	case StateAborted:
		return nil, p.err
	}

	if err := ctx.Err(); err != nil {
		return nil, p.abort(fmt.Errorf("run cancelled at offset %d: %w", p.offset, err))
	}

	p.state = StateFetching
	raw, err := p.fetcher.FetchPage(ctx, p.offset, p.pageSize)
	if err != nil {
		return nil, p.abort(fmt.Errorf("fetch page at offset %d: %w", p.offset, err))
	}

	page, failure := feed.Validate(raw, p.offset)
	if failure != nil {
		return nil, p.abort(failure)
	}

	// Trust the most recently observed total: upstream data may mutate
	// mid-run, and a stale total either terminates early or loops.
	if p.total != page.Total && p.total != -1 {
		p.logger.Info().
			Int("previous_total", p.total).
			Int("total", page.Total).
			Msg("Declared total changed mid-run")
	}
	p.total = page.Total

	if page.Count == 0 {
		p.state = StateDone
		p.logger.Debug().Int("offset", p.offset).Msg("Result set exhausted")
		return nil, nil
	}

	p.offset += page.Count
	if p.offset >= p.total {
		p.state = StateDone
	} else {
		p.state = StatePending
	}

	p.logger.Debug().
		Int("offset", p.offset).
		Int("total", p.total).
		Int("count", page.Count).
		Msg("Page validated")

	return page, nil
}

// State returns the current lifecycle state.
func (p *Paginator) State() State {
	return p.state
}

// Err returns the abort cause, or nil.
func (p *Paginator) Err() error {
	return p.err
}

// Offset returns the cursor position: the offset at which the next
// fetch would happen, or where the walk stopped.
func (p *Paginator) Offset() int {
	return p.offset
}

// Total returns the most recently observed declared total, or -1
// before the first page.
func (p *Paginator) Total() int {
	return p.total
}

func (p *Paginator) abort(err error) error {
	p.state = StateAborted
	p.err = err
	p.logger.Error().Err(err).Int("offset", p.offset).Msg("Pagination aborted")
	return err
}
