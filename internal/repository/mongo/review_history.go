package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reviewstream/internal/domain"
)

type reviewPositionDoc struct {
	ID        string  `bson:"_id"` // asset key
	Position  float64 `bson:"position"`
	Duration  float64 `bson:"duration"`
	Note      string  `bson:"note,omitempty"`
	UpdatedAt int64   `bson:"updatedAt"`
}

// ReviewHistoryRepository persists per-asset playback positions so a
// reviewer can resume where they left off.
type ReviewHistoryRepository struct {
	collection *mongo.Collection
}

func NewReviewHistoryRepository(client *mongo.Client, dbName string) *ReviewHistoryRepository {
	return &ReviewHistoryRepository{collection: client.Database(dbName).Collection("review_history")}
}

func (r *ReviewHistoryRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	})
	return err
}

func (r *ReviewHistoryRepository) Upsert(ctx context.Context, pos domain.ReviewPosition) error {
	update := bson.M{
		"$set": bson.M{
			"position":  pos.Position,
			"duration":  pos.Duration,
			"note":      pos.Note,
			"updatedAt": time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(pos.Key)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *ReviewHistoryRepository) Get(ctx context.Context, key domain.AssetKey) (domain.ReviewPosition, error) {
	var doc reviewPositionDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(key)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ReviewPosition{}, domain.ErrNotFound
		}
		return domain.ReviewPosition{}, err
	}
	return fromReviewDoc(doc), nil
}

func (r *ReviewHistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.ReviewPosition, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []reviewPositionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.ReviewPosition, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromReviewDoc(doc))
	}
	return out, nil
}

func (r *ReviewHistoryRepository) Delete(ctx context.Context, key domain.AssetKey) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(key)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func fromReviewDoc(doc reviewPositionDoc) domain.ReviewPosition {
	return domain.ReviewPosition{
		Key:       domain.AssetKey(doc.ID),
		Position:  doc.Position,
		Duration:  doc.Duration,
		Note:      doc.Note,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}
