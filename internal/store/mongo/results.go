package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/askpage/askpage/internal/engine"
)

// ResultStore implements engine.ResultStore over the results collection.
type ResultStore struct {
	coll *mongo.Collection
}

// GetByBlogURL returns the question set for a normalized URL.
func (r *ResultStore) GetByBlogURL(ctx context.Context, blogURL string) (engine.QuestionSet, error) {
	var set engine.QuestionSet
	err := r.coll.FindOne(ctx, bson.M{"blog_url": blogURL}).Decode(&set)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.QuestionSet{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.QuestionSet{}, fmt.Errorf("get results: %w", err)
	}
	return set, nil
}

// Save upserts the question set for a completed job, keyed by blog URL. The
// _id of an existing document is kept so a reprocessed job refreshes the set
// in place.
func (r *ResultStore) Save(ctx context.Context, set engine.QuestionSet) error {
	update := bson.M{
		"$set": bson.M{
			"publisher_id": set.PublisherID,
			"job_id":       set.JobID,
			"blog_info":    set.BlogInfo,
			"questions":    set.Questions,
			"summary":      set.Summary,
			"embedding":    set.Embedding,
			"created_at":   set.CreatedAt,
		},
		"$setOnInsert": bson.M{"_id": set.ID, "blog_url": set.BlogURL},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.coll.UpdateOne(ctx, bson.M{"blog_url": set.BlogURL}, update, opts); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}
