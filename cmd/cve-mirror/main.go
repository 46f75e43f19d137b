// Command cve-mirror runs one fetch-and-load pass: pull CVE records
// from the upstream API and upsert them into the document store. It
// never resumes an aborted run; re-invoke it instead, the upserts are
// idempotent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ssn-tools/cve-mirror/pkg/client"
	"github.com/ssn-tools/cve-mirror/pkg/config"
	"github.com/ssn-tools/cve-mirror/pkg/logging"
	"github.com/ssn-tools/cve-mirror/pkg/mirror"
	"github.com/ssn-tools/cve-mirror/pkg/pagination"
	"github.com/ssn-tools/cve-mirror/pkg/ratelimit"
	"github.com/ssn-tools/cve-mirror/pkg/store"
	"github.com/ssn-tools/cve-mirror/pkg/watermark"
)

var (
	flagDryRun     bool
	flagFull       bool
	flagPageSize   int
	flagPrettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "cve-mirror",
	Short: "Mirror CVE records from the NVD API into MongoDB",
	Long: `cve-mirror performs one synchronization pass: it pages through the
upstream CVE API under the published rate limits, validates and
normalizes each record, and upserts it into MongoDB keyed by CVE id.

Runs are idempotent. An aborted run leaves already-loaded records in
place; simply invoke the command again.

Configuration comes from the environment (NVD_API_URL, NVD_API_KEY,
MONGO_URI, MONGO_DB, MONGO_COLLECTION, REDIS_ADDR, MIRROR_PAGE_SIZE,
LOG_LEVEL). When REDIS_ADDR is set, the time of the last clean run is
kept in Redis and subsequent runs fetch only records modified since.

Examples:
  # Full pull with defaults
  cve-mirror

  # Validate the pipeline without writing to the store
  cve-mirror --dry-run

  # Ignore the sync watermark and pull everything
  cve-mirror --full`,
	SilenceUsage: true,
	RunE:         runMirror,
}

func init() {
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Fetch, validate, and normalize without loading")
	rootCmd.Flags().BoolVar(&flagFull, "full", false, "Ignore the sync watermark and fetch everything")
	rootCmd.Flags().IntVar(&flagPageSize, "page-size", 0, "Records per page (default from MIRROR_PAGE_SIZE or 1000)")
	rootCmd.Flags().BoolVar(&flagPrettyLogs, "pretty-logs", false, "Human-readable console logs instead of JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMirror(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}
	if flagPageSize > 0 {
		cfg.PageSize = flagPageSize
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: flagPrettyLogs,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(cfg.RateBudget, cfg.RateWindow, cfg.RateMaxWait, logging.NewLogger("ratelimit"))

	clientCfg := client.DefaultConfig(cfg.APIBaseURL)
	clientCfg.APIKey = cfg.APIKey
	clientCfg.Retry = client.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    cfg.RetryBackoff,
		MaxBackoff:        cfg.RetryBackoffMax,
		BackoffMultiplier: 2.0,
	}
	fetcher, err := client.New(clientCfg, limiter, logging.NewLogger("client"))
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	st, err := store.Connect(ctx, store.Config{
		URI:            cfg.MongoURI,
		Database:       cfg.MongoDB,
		Collection:     cfg.MongoCollection,
		ConnectTimeout: 10 * time.Second,
	}, logging.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("Store close failed")
		}
	}()

	loader := store.NewLoader(st.Collection(), cfg.LoadRetries, cfg.LoadBackoff, logging.NewLogger("loader"))

	runStart := time.Now().UTC()

	// Incremental sync: narrow the fetch window to records modified
	// since the last clean run.
	var marks *watermark.Store
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		marks = watermark.NewStore(redisClient, logging.NewLogger("watermark"))

		if !flagFull {
			last, ok, err := marks.Get(ctx)
			if err != nil {
				return fmt.Errorf("read watermark: %w", err)
			}
			if ok {
				fetcher.SetWindow(last, runStart)
				logger.Info().
					Time("since", last).
					Time("until", runStart).
					Msg("Incremental sync window applied")
			}
		}
	}

	pager := pagination.New(fetcher, cfg.PageSize, logging.NewLogger("pagination"))
	runner := mirror.NewRunner(pager, loader, logging.NewLogger("mirror"), mirror.WithDryRun(flagDryRun))

	summary := runner.Run(ctx)

	if marks != nil && summary.Clean() && !flagDryRun {
		if err := marks.Set(ctx, runStart); err != nil {
			logger.Warn().Err(err).Msg("Watermark advance failed, next run repeats this window")
		}
	}

	if summary.Aborted() {
		return fmt.Errorf("mirror run aborted at offset %d: %w", summary.AbortOffset, summary.Err)
	}
	return nil
}
