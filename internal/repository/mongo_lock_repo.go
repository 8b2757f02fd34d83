package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/trendboard/internal/model"
)

// MongoLockRepo はMongoDBを使用したロックストア。
type MongoLockRepo struct {
	coll *mongo.Collection
}

// NewMongoLockRepo はMongoLockRepoを生成する。
func NewMongoLockRepo(coll *mongo.Collection) *MongoLockRepo {
	return &MongoLockRepo{coll: coll}
}

// TryAcquire はリース切れ条件付きのFindOneAndUpdate(upsert)でロックを取得する。
// 有効なリースが存在する場合、フィルタに一致せずupsertが_id重複で失敗するため、
// 重複キーエラーは取得失敗(false)として扱う。
func (r *MongoLockRepo) TryAcquire(ctx context.Context, lock *model.Lock, now int64) (bool, error) {
	filter := bson.M{"_id": lock.Key, "leaseUntil": bson.M{"$lt": now}}
	update := bson.M{"$set": bson.M{
		"owner":      lock.Owner,
		"leaseUntil": lock.LeaseUntil,
		"createdAt":  lock.CreatedAt,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var got model.Lock
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&got)
	if mongo.IsDuplicateKeyError(err) || err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, wrapMongoError("ロックの取得", err)
	}
	return got.Owner == lock.Owner, nil
}

// Release は所有者に関係なくロックを削除する。
func (r *MongoLockRepo) Release(ctx context.Context, key string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": key})
	return wrapMongoError("ロックの解放", err)
}

// Get は現在のロックを返す。存在しない場合はnilを返す。
func (r *MongoLockRepo) Get(ctx context.Context, key string) (*model.Lock, error) {
	var l model.Lock
	err := r.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&l)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMongoError("ロックの取得", err)
	}
	return &l, nil
}
