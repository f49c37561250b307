package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/askpage/askpage/internal/engine"
)

// JobStore implements engine.JobStore over the jobs collection.
type JobStore struct {
	coll *mongo.Collection
}

// Insert stores a new job. The unique partial index turns a concurrent
// insert for the same active key into ErrDuplicateJob.
func (j *JobStore) Insert(ctx context.Context, job engine.Job) error {
	job.Active = job.Status.Active()
	if _, err := j.coll.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return engine.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get loads one job by id.
func (j *JobStore) Get(ctx context.Context, id string) (engine.Job, error) {
	var job engine.Job
	err := j.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Job{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindActive returns the queued or processing job for the key.
func (j *JobStore) FindActive(ctx context.Context, publisherID, blogURL string) (engine.Job, error) {
	var job engine.Job
	filter := bson.M{"publisher_id": publisherID, "blog_url": blogURL, "active": true}
	err := j.coll.FindOne(ctx, filter).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Job{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Job{}, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// ListActive returns active jobs for the key ordered by creation time.
func (j *JobStore) ListActive(ctx context.Context, publisherID, blogURL string) ([]engine.Job, error) {
	filter := bson.M{"publisher_id": publisherID, "blog_url": blogURL, "active": true}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := j.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	var jobs []engine.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode active jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job by id.
func (j *JobStore) Delete(ctx context.Context, id string) error {
	res, err := j.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if res.DeletedCount == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// ClaimOldest atomically claims the oldest queued job. The conditional
// find-and-update is the whole dequeue concurrency contract: with many
// workers polling, each queued job is returned to exactly one of them.
func (j *JobStore) ClaimOldest(ctx context.Context) (engine.Job, error) {
	now := time.Now().UTC()
	filter := bson.M{"status": engine.JobStatusQueued}
	update := bson.M{
		"$set": bson.M{"status": engine.JobStatusProcessing, "updated_at": now},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var job engine.Job
	err := j.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.Job{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkTerminal conditionally finishes an active job. ModifiedCount of zero
// means another worker already finished it, so the caller must not release
// the quota slot again.
func (j *JobStore) MarkTerminal(ctx context.Context, id string, status engine.JobStatus, errText string) error {
	filter := bson.M{"_id": id, "active": true}
	update := bson.M{"$set": bson.M{
		"status":     status,
		"active":     false,
		"error":      errText,
		"updated_at": time.Now().UTC(),
	}}
	res, err := j.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mark job terminal: %w", err)
	}
	if res.ModifiedCount == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// RequeueStale returns processing jobs untouched since the cutoff to queued.
// Each job is requeued with a conditional update so a worker that finishes
// at the same moment wins.
func (j *JobStore) RequeueStale(ctx context.Context, cutoff time.Time) ([]engine.Job, error) {
	filter := bson.M{
		"status":     engine.JobStatusProcessing,
		"updated_at": bson.M{"$lt": cutoff},
	}
	cursor, err := j.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	var stale []engine.Job
	if err := cursor.All(ctx, &stale); err != nil {
		return nil, fmt.Errorf("decode stale jobs: %w", err)
	}

	var requeued []engine.Job
	for _, job := range stale {
		res, err := j.coll.UpdateOne(ctx,
			bson.M{
				"_id":        job.ID,
				"status":     engine.JobStatusProcessing,
				"updated_at": bson.M{"$lt": cutoff},
			},
			bson.M{"$set": bson.M{
				"status":     engine.JobStatusQueued,
				"updated_at": time.Now().UTC(),
			}},
		)
		if err != nil {
			return requeued, fmt.Errorf("requeue stale job %s: %w", job.ID, err)
		}
		if res.ModifiedCount == 1 {
			job.Status = engine.JobStatusQueued
			requeued = append(requeued, job)
		}
	}
	return requeued, nil
}
