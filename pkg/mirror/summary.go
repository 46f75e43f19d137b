package mirror

import (
	"time"

	"github.com/rs/zerolog"
)

// RunSummary aggregates one mirror execution. It is the run's sole
// externally observable output besides the stored records.
type RunSummary struct {
	// Per-stage record counts.
	Fetched    int
	Validated  int
	Normalized int
	Loaded     int
	Failed     int

	StartedAt time.Time
	Elapsed   time.Duration

	// Err is the terminal error when the run aborted, nil otherwise.
	Err error

	// AbortOffset is the pagination offset at which the run aborted.
	AbortOffset int
}

// Aborted reports whether the run stopped on a fatal error.
func (s *RunSummary) Aborted() bool {
	return s.Err != nil
}

// Clean reports whether every fetched record made it into the store.
// Only clean runs may advance the sync watermark.
func (s *RunSummary) Clean() bool {
	return s.Err == nil && s.Failed == 0
}

// Log writes the summary as one structured event.
func (s *RunSummary) Log(logger zerolog.Logger) {
	evt := logger.Info()
	if s.Aborted() {
		evt = logger.Error().Err(s.Err).Int("abort_offset", s.AbortOffset)
	} else if s.Failed > 0 {
		evt = logger.Warn()
	}

	evt.
		Int("fetched", s.Fetched).
		Int("validated", s.Validated).
		Int("normalized", s.Normalized).
		Int("loaded", s.Loaded).
		Int("failed", s.Failed).
		Time("started_at", s.StartedAt).
		Dur("elapsed", s.Elapsed).
		Msg("Mirror run finished")
}
