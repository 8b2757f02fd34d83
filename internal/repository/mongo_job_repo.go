package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/trendboard/internal/model"
)

// MongoJobRepo はMongoDBを使用したエンリッチメントキュー。
type MongoJobRepo struct {
	coll *mongo.Collection
}

// NewMongoJobRepo はMongoJobRepoを生成する。
func NewMongoJobRepo(coll *mongo.Collection) *MongoJobRepo {
	return &MongoJobRepo{coll: coll}
}

// EnsureIndexes は(status, createdAt)の複合インデックスを作成する。
func (r *MongoJobRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	return wrapMongoError("インデックスの作成", err)
}

// Create はジョブを登録する。
func (r *MongoJobRepo) Create(ctx context.Context, job *model.EnrichmentJob) error {
	_, err := r.coll.InsertOne(ctx, job)
	return wrapMongoError("ジョブの登録", err)
}

// ListPending はpendingのジョブをcreatedAt昇順で最大n件返す。
func (r *MongoJobRepo) ListPending(ctx context.Context, n int) ([]*model.EnrichmentJob, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(n))
	cur, err := r.coll.Find(ctx, bson.M{"status": string(model.StatusPending)}, opts)
	if err != nil {
		return nil, wrapMongoError("pendingジョブの取得", err)
	}
	defer cur.Close(ctx)

	var jobs []*model.EnrichmentJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, wrapMongoError("pendingジョブの読み取り", err)
	}
	return jobs, nil
}

// Claim はジョブをpendingからprocessingへ条件付きで遷移させる。
func (r *MongoJobRepo) Claim(ctx context.Context, id string, now int64) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(model.StatusPending)},
		bson.M{"$set": bson.M{
			"status":    string(model.StatusProcessing),
			"startedAt": now,
			"updatedAt": now,
		}},
	)
	if err != nil {
		return false, wrapMongoError("ジョブの取得(claim)", err)
	}
	return res.ModifiedCount == 1, nil
}

// RecordFailure は失敗回数・エラー内容・次の状態を記録する。
func (r *MongoJobRepo) RecordFailure(ctx context.Context, id string, attempts int, status model.Status, lastError string, now int64) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"attempts":  attempts,
		"status":    string(status),
		"lastError": lastError,
		"updatedAt": now,
	}})
	return wrapMongoError("ジョブ失敗の記録", err)
}

// Delete はジョブを削除する。
func (r *MongoJobRepo) Delete(ctx context.Context, id string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	return wrapMongoError("ジョブの削除", err)
}

// ResetStale は長時間processingのままのジョブをpendingに戻す。
func (r *MongoJobRepo) ResetStale(ctx context.Context, olderThan int64, now int64) (int, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"status": string(model.StatusProcessing), "startedAt": bson.M{"$lt": olderThan}},
		bson.M{"$set": bson.M{"status": string(model.StatusPending), "updatedAt": now}},
	)
	if err != nil {
		return 0, wrapMongoError("滞留ジョブのリセット", err)
	}
	return int(res.ModifiedCount), nil
}

// CountByStatus は状態ごとのジョブ数を返す。
func (r *MongoJobRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	cur, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, wrapMongoError("ジョブ数の集計", err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrapMongoError("ジョブ数の集計", err)
	}

	counts := make(map[model.Status]int, len(rows))
	for _, row := range rows {
		counts[model.Status(row.Status)] = row.Count
	}
	return counts, nil
}
