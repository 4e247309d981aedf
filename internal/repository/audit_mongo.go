package repository

import (
	"context"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAuditStore keeps one document per record, keyed by the record id.
type MongoAuditStore struct {
	coll *mongo.Collection
}

func NewMongoAuditStore(coll *mongo.Collection) *MongoAuditStore {
	return &MongoAuditStore{coll: coll}
}

// EnsureIndexes mirrors the SQL composite indexes.
func (s *MongoAuditStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "method", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "status_code", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "ip_address", Value: 1}}},
	}
	_, err := s.coll.Indexes().CreateMany(ctx, models)
	return storeError(s.Name(), err)
}

func (s *MongoAuditStore) Name() string { return "mongo" }

func (s *MongoAuditStore) Create(ctx context.Context, rec *model.AuditRecord) (string, error) {
	_, err := s.coll.InsertOne(ctx, rec)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", storeError(s.Name(), err)
	}
	// duplicate id: an earlier attempt already landed
	return rec.ID, nil
}

func (s *MongoAuditStore) List(ctx context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error) {
	q := bson.M{}
	if filter.Method != "" {
		q["method"] = filter.Method
	}
	if filter.StatusCode != 0 {
		q["status_code"] = filter.StatusCode
	}
	if filter.UserID != "" {
		q["user_id"] = filter.UserID
	}
	if filter.IPAddress != "" {
		q["ip_address"] = filter.IPAddress
	}
	if filter.From != nil || filter.To != nil {
		ts := bson.M{}
		if filter.From != nil {
			ts["$gte"] = *filter.From
		}
		if filter.To != nil {
			ts["$lte"] = *filter.To
		}
		q["timestamp"] = ts
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(filter.EffectiveLimit()))
	cur, err := s.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, storeError(s.Name(), err)
	}
	defer cur.Close(ctx)

	var records []*model.AuditRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, storeError(s.Name(), err)
	}
	return records, nil
}
