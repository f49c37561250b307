// Package mongo implements the document store backends over MongoDB. Every
// mutation the invariants depend on (claim, reserve, release, terminal
// transition) is a single conditional update, so no multi-document
// transactions are needed.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names within the configured database.
const (
	jobsCollection       = "jobs"
	publishersCollection = "publishers"
	resultsCollection    = "results"
)

// Config holds connection settings.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Store owns the client and the collection handles.
type Store struct {
	client     *mongo.Client
	jobs       *mongo.Collection
	publishers *mongo.Collection
	results    *mongo.Collection
}

// NewStore connects, pings, and ensures the indexes the invariants rely on.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:     client,
		jobs:       db.Collection(jobsCollection),
		publishers: db.Collection(publishersCollection),
		results:    db.Collection(resultsCollection),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

// ensureIndexes creates the duplicate-prevention and lookup indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	// At most one active job per (publisher, blog URL): a unique partial
	// index over live jobs backs the admission invariant at the storage
	// layer, on top of the insert-then-recheck in the controller.
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "publisher_id", Value: 1}, {Key: "blog_url", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("jobs indexes: %w", err)
	}

	_, err = s.publishers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "api_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("publishers index: %w", err)
	}

	_, err = s.results.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "blog_url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("results index: %w", err)
	}
	return nil
}

// Jobs returns the engine.JobStore view.
func (s *Store) Jobs() *JobStore { return &JobStore{coll: s.jobs} }

// Publishers returns the engine.PublisherStore view.
func (s *Store) Publishers() *PublisherStore { return &PublisherStore{coll: s.publishers} }

// Results returns the engine.ResultStore view.
func (s *Store) Results() *ResultStore { return &ResultStore{coll: s.results} }

// Ping reports whether the database is reachable; the readiness probe
// uses it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
