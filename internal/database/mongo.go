package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoClient はMongoDBクライアントと対象データベースを保持する。
// 明示的にConnectで生成し、Closeで切断する。
type MongoClient struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo はMongoDBに接続し、Pingで疎通を確認する。
func ConnectMongo(ctx context.Context, uri, database string) (*MongoClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoClient{client: client, db: client.Database(database)}, nil
}

// Collection は指定名のコレクションを返す。
func (m *MongoClient) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Ping は接続を確認する。ヘルスチェックで使う。
func (m *MongoClient) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close は接続を切断する。
func (m *MongoClient) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
