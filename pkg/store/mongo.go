// Package store persists normalized CVE records into MongoDB and
// enforces the write-acknowledgment contract the pipeline depends on.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds the document store configuration.
type Config struct {
	URI        string
	Database   string
	Collection string

	// ConnectTimeout bounds server selection during Connect.
	ConnectTimeout time.Duration
}

// Store is a scoped connection to the document store. It is acquired
// once per run and must be released via Close on every exit path.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

// Connect establishes and verifies the store connection. A store that
// cannot be pinged is reported immediately rather than failing on the
// first write.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store URI is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping store: %w", err)
	}

	logger.Info().
		Str("database", cfg.Database).
		Str("collection", cfg.Collection).
		Msg("Connected to document store")

	return &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}, nil
}

// Collection exposes the record collection as the loader's write seam.
func (s *Store) Collection() Replacer {
	return s.coll
}

// Close releases the connection.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect store: %w", err)
	}
	return nil
}
