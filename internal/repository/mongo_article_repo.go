package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/trendboard/internal/model"
)

// MongoArticleRepo はMongoDBを使用した記事リポジトリ。
// ドキュメントの_idに記事IDを使うため、IDの一意性はストア側で保証される。
type MongoArticleRepo struct {
	coll *mongo.Collection
}

// NewMongoArticleRepo はMongoArticleRepoを生成する。
func NewMongoArticleRepo(coll *mongo.Collection) *MongoArticleRepo {
	return &MongoArticleRepo{coll: coll}
}

// EnsureIndexes はdatetimeとcategoryのインデックスを作成する。
func (r *MongoArticleRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "datetime", Value: -1}}},
		{Keys: bson.D{{Key: "category", Value: 1}}},
	})
	return wrapMongoError("インデックスの作成", err)
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *MongoArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	var a model.Article
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMongoError("記事の取得", err)
	}
	normalizeArticle(&a)
	return &a, nil
}

// Exists は指定IDの記事が存在するかを返す。
func (r *MongoArticleRepo) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, wrapMongoError("記事の存在確認", err)
	}
	return n > 0, nil
}

// literal はパイプライン更新中の値が$始まりでもフィールド参照と解釈されないようにする。
func literal(v any) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

// keepExisting は既存値があればそれを、無ければvを使う式を返す。
func keepExisting(field string, v any) bson.D {
	return bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, literal(v)}}}
}

// Upsert はIDをキーに記事を作成または項目単位でマージ更新する。
func (r *MongoArticleRepo) Upsert(ctx context.Context, a *model.Article, opts UpsertOptions) error {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}

	var update any
	if opts.PreserveEnrichment {
		update = mongo.Pipeline{{{Key: "$set", Value: bson.D{
			{Key: "title", Value: literal(a.Title)},
			{Key: "summary", Value: literal(a.Summary)},
			{Key: "source", Value: literal(a.Source)},
			{Key: "url", Value: literal(a.URL)},
			{Key: "image", Value: literal(a.Image)},
			{Key: "category", Value: literal(string(a.Category))},
			{Key: "datetime", Value: literal(a.Datetime)},
			{Key: "fetchedAt", Value: literal(a.FetchedAt)},
			{Key: "aiSummary", Value: keepExisting("aiSummary", a.AISummary)},
			{Key: "sentiment", Value: keepExisting("sentiment", string(a.Sentiment))},
			{Key: "impact", Value: keepExisting("impact", string(a.Impact))},
			{Key: "tags", Value: keepExisting("tags", tags)},
			{Key: "processedAt", Value: keepExisting("processedAt", a.ProcessedAt)},
			{Key: "status", Value: keepExisting("status", string(a.Status))},
		}}}}
	} else {
		update = bson.M{"$set": bson.M{
			"title":       a.Title,
			"summary":     a.Summary,
			"aiSummary":   a.AISummary,
			"source":      a.Source,
			"url":         a.URL,
			"image":       a.Image,
			"category":    string(a.Category),
			"sentiment":   string(a.Sentiment),
			"impact":      string(a.Impact),
			"tags":        tags,
			"datetime":    a.Datetime,
			"fetchedAt":   a.FetchedAt,
			"processedAt": a.ProcessedAt,
			"status":      string(a.Status),
		}}
	}

	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": a.ID}, update, options.Update().SetUpsert(true))
	return wrapMongoError("記事のUpsert", err)
}

// List は条件に一致する記事を返す。
func (r *MongoArticleRepo) List(ctx context.Context, filter ListFilter) ([]*model.Article, error) {
	q := bson.M{}
	if !filter.Category.IsAll() {
		q["category"] = string(filter.Category)
	}
	opts := options.Find()
	if filter.NewestFirst {
		opts.SetSort(bson.D{{Key: "datetime", Value: -1}})
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return r.find(ctx, "記事一覧の取得", q, opts)
}

// ListAll は全記事を返す。
func (r *MongoArticleRepo) ListAll(ctx context.Context) ([]*model.Article, error) {
	return r.find(ctx, "全記事の取得", bson.M{}, options.Find())
}

func (r *MongoArticleRepo) find(ctx context.Context, op string, q bson.M, opts *options.FindOptions) ([]*model.Article, error) {
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, wrapMongoError(op, err)
	}
	defer cur.Close(ctx)

	var articles []*model.Article
	for cur.Next(ctx) {
		var a model.Article
		if err := cur.Decode(&a); err != nil {
			return nil, wrapMongoError(op, err)
		}
		normalizeArticle(&a)
		articles = append(articles, &a)
	}
	if err := cur.Err(); err != nil {
		return nil, wrapMongoError(op, err)
	}
	return articles, nil
}

// Count は全記事数を返す。
func (r *MongoArticleRepo) Count(ctx context.Context) (int, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, wrapMongoError("記事数の取得", err)
	}
	return int(n), nil
}

// ListOldestIDs はdatetime昇順で先頭n件の記事IDを返す。
func (r *MongoArticleRepo) ListOldestIDs(ctx context.Context, n int) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "datetime", Value: 1}}).
		SetLimit(int64(n)).
		SetProjection(bson.M{"_id": 1})
	return findIDs(ctx, r.coll, "古い記事IDの取得", bson.M{}, opts)
}

// ListIDsOlderThan はdatetimeがcutoffより前の記事IDを最大n件返す。
func (r *MongoArticleRepo) ListIDsOlderThan(ctx context.Context, cutoff int64, n int) ([]string, error) {
	opts := options.Find().SetLimit(int64(n)).SetProjection(bson.M{"_id": 1})
	return findIDs(ctx, r.coll, "保持期間切れ記事IDの取得", bson.M{"datetime": bson.M{"$lt": cutoff}}, opts)
}

// DeleteByIDs は指定IDの記事をまとめて削除する。
func (r *MongoArticleRepo) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, wrapMongoError("記事の一括削除", err)
	}
	return int(res.DeletedCount), nil
}

// UpdateEnrichment はエンリッチメント結果を書き戻す。
func (r *MongoArticleRepo) UpdateEnrichment(ctx context.Context, id string, u model.EnrichmentUpdate) error {
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	return r.updateOne(ctx, "エンリッチメントの更新", id, bson.M{
		"aiSummary":   u.AISummary,
		"sentiment":   string(u.Sentiment),
		"impact":      string(u.Impact),
		"tags":        tags,
		"category":    string(u.Category),
		"processedAt": u.ProcessedAt,
		"status":      string(u.Status),
	})
}

// UpdateSentiment はセンチメントのみを更新する。
func (r *MongoArticleRepo) UpdateSentiment(ctx context.Context, id string, sentiment model.Sentiment) error {
	return r.updateOne(ctx, "センチメントの更新", id, bson.M{"sentiment": string(sentiment)})
}

func (r *MongoArticleRepo) updateOne(ctx context.Context, op, id string, set bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return wrapMongoError(op, err)
	}
	if res.MatchedCount == 0 {
		return model.NewStoreError(model.StoreErrNotFound, op, nil)
	}
	return nil
}

// findIDs は_idのみを射影したクエリを実行する。
func findIDs(ctx context.Context, coll *mongo.Collection, op string, q bson.M, opts *options.FindOptions) ([]string, error) {
	cur, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, wrapMongoError(op, err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapMongoError(op, err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, wrapMongoError(op, err)
	}
	return ids, nil
}

// normalizeArticle はnilスライスを空スライスに揃える。
func normalizeArticle(a *model.Article) {
	if a.Tags == nil {
		a.Tags = []string{}
	}
}
