package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/askpage/askpage/internal/engine"
)

// PublisherStore implements engine.PublisherStore over the publishers
// collection. Reserve and release are filtered $inc updates, so the quota
// bounds hold without a read-then-write window.
type PublisherStore struct {
	coll *mongo.Collection
}

// GetByAPIKey resolves a credential to a publisher.
func (p *PublisherStore) GetByAPIKey(ctx context.Context, apiKey string) (engine.Publisher, error) {
	if apiKey == "" {
		return engine.Publisher{}, engine.ErrNotFound
	}
	var pub engine.Publisher
	err := p.coll.FindOne(ctx, bson.M{"api_key": apiKey}).Decode(&pub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Publisher{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Publisher{}, fmt.Errorf("get publisher by api key: %w", err)
	}
	return pub, nil
}

// Get loads a publisher by id.
func (p *PublisherStore) Get(ctx context.Context, id string) (engine.Publisher, error) {
	var pub engine.Publisher
	err := p.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&pub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Publisher{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Publisher{}, fmt.Errorf("get publisher: %w", err)
	}
	return pub, nil
}

// ReserveSlot increments blog_slots_reserved only while it is below the
// daily maximum.
func (p *PublisherStore) ReserveSlot(ctx context.Context, publisherID string) (bool, error) {
	filter := bson.M{
		"_id":   publisherID,
		"$expr": bson.M{"$lt": bson.A{"$blog_slots_reserved", "$max_blogs_per_day"}},
	}
	res, err := p.coll.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"blog_slots_reserved": 1}})
	if err != nil {
		return false, fmt.Errorf("reserve slot: %w", err)
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	// Distinguish an exhausted quota from a missing publisher.
	if _, err := p.Get(ctx, publisherID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseSlot decrements blog_slots_reserved, clamping at zero. A release
// at zero reports an InvariantViolationError for the caller to log.
func (p *PublisherStore) ReleaseSlot(ctx context.Context, publisherID string) error {
	filter := bson.M{"_id": publisherID, "blog_slots_reserved": bson.M{"$gt": 0}}
	res, err := p.coll.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"blog_slots_reserved": -1}})
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}
	if _, err := p.Get(ctx, publisherID); err != nil {
		return err
	}
	return &engine.InvariantViolationError{
		Detail: "release at zero reserved slots for publisher " + publisherID,
	}
}
