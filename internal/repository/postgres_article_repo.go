package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/hitoshi/trendboard/internal/model"
)

// psql はPostgreSQL用のプレースホルダ($1, $2...)を使うクエリビルダ。
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var articleColumns = []string{
	"id", "title", "summary", "ai_summary", "source", "url", "image",
	"category", "sentiment", "impact", "tags",
	"datetime", "fetched_at", "processed_at", "status",
}

// 常に上書きする項目
const articleMergeSet = `title = EXCLUDED.title,
	summary = EXCLUDED.summary,
	source = EXCLUDED.source,
	url = EXCLUDED.url,
	image = EXCLUDED.image,
	category = EXCLUDED.category,
	datetime = EXCLUDED.datetime,
	fetched_at = EXCLUDED.fetched_at`

// エンリッチメント項目を上書きする場合
const articleEnrichmentOverwrite = `,
	ai_summary = EXCLUDED.ai_summary,
	sentiment = EXCLUDED.sentiment,
	impact = EXCLUDED.impact,
	tags = EXCLUDED.tags,
	processed_at = EXCLUDED.processed_at,
	status = EXCLUDED.status`

// 既存のエンリッチメント項目を保持する場合（ai_summaryは既存がNULLなら埋める）
const articleEnrichmentPreserve = `,
	ai_summary = COALESCE(articles.ai_summary, EXCLUDED.ai_summary)`

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*model.Article, error) {
	a := &model.Article{}
	var aiSummary sql.NullString
	var tags pq.StringArray
	var category, sentiment, impact, status string

	if err := row.Scan(
		&a.ID, &a.Title, &a.Summary, &aiSummary, &a.Source, &a.URL, &a.Image,
		&category, &sentiment, &impact, &tags,
		&a.Datetime, &a.FetchedAt, &a.ProcessedAt, &status,
	); err != nil {
		return nil, err
	}

	if aiSummary.Valid {
		a.AISummary = &aiSummary.String
	}
	a.Category = model.Category(category)
	a.Sentiment = model.Sentiment(sentiment)
	a.Impact = model.Impact(impact)
	a.Status = model.Status(status)
	a.Tags = []string(tags)
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a, nil
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	query, args, err := psql.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("記事取得クエリの構築に失敗しました: %w", err)
	}

	a, err := scanArticle(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresError("記事の取得", err)
	}
	return a, nil
}

// Exists は指定IDの記事が存在するかを返す。
func (r *PostgresArticleRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM articles WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, wrapPostgresError("記事の存在確認", err)
	}
	return exists, nil
}

// buildUpsert はINSERT ... ON CONFLICT DO UPDATE文を構築する。
func buildUpsert(a *model.Article, opts UpsertOptions) (string, []any, error) {
	var aiSummary sql.NullString
	if a.AISummary != nil {
		aiSummary = sql.NullString{String: *a.AISummary, Valid: true}
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}

	suffix := "ON CONFLICT (id) DO UPDATE SET " + articleMergeSet
	if opts.PreserveEnrichment {
		suffix += articleEnrichmentPreserve
	} else {
		suffix += articleEnrichmentOverwrite
	}

	return psql.Insert("articles").
		Columns(articleColumns...).
		Values(
			a.ID, a.Title, a.Summary, aiSummary, a.Source, a.URL, a.Image,
			string(a.Category), string(a.Sentiment), string(a.Impact), pq.StringArray(tags),
			a.Datetime, a.FetchedAt, a.ProcessedAt, string(a.Status),
		).
		Suffix(suffix).
		ToSql()
}

// Upsert はIDをキーに記事を作成または項目単位でマージ更新する。
func (r *PostgresArticleRepo) Upsert(ctx context.Context, a *model.Article, opts UpsertOptions) error {
	query, args, err := buildUpsert(a, opts)
	if err != nil {
		return fmt.Errorf("Upsertクエリの構築に失敗しました: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapPostgresError("記事のUpsert", err)
	}
	return nil
}

// buildList は一覧取得のSELECT文を構築する。
func buildList(filter ListFilter) (string, []any, error) {
	b := psql.Select(articleColumns...).From("articles")
	if !filter.Category.IsAll() {
		b = b.Where(sq.Eq{"category": string(filter.Category)})
	}
	if filter.NewestFirst {
		b = b.OrderBy("datetime DESC")
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	return b.ToSql()
}

// List は条件に一致する記事を返す。
func (r *PostgresArticleRepo) List(ctx context.Context, filter ListFilter) ([]*model.Article, error) {
	query, args, err := buildList(filter)
	if err != nil {
		return nil, fmt.Errorf("一覧クエリの構築に失敗しました: %w", err)
	}
	return r.queryArticles(ctx, "記事一覧の取得", query, args...)
}

// ListAll は全記事を返す。
func (r *PostgresArticleRepo) ListAll(ctx context.Context) ([]*model.Article, error) {
	query, args, err := psql.Select(articleColumns...).From("articles").ToSql()
	if err != nil {
		return nil, fmt.Errorf("全件クエリの構築に失敗しました: %w", err)
	}
	return r.queryArticles(ctx, "全記事の取得", query, args...)
}

func (r *PostgresArticleRepo) queryArticles(ctx context.Context, op, query string, args ...any) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgresError(op, err)
	}
	defer rows.Close()

	var articles []*model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, wrapPostgresError(op, err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError(op, err)
	}
	return articles, nil
}

// Count は全記事数を返す。
func (r *PostgresArticleRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		return 0, wrapPostgresError("記事数の取得", err)
	}
	return n, nil
}

// ListOldestIDs はdatetime昇順で先頭n件の記事IDを返す。
func (r *PostgresArticleRepo) ListOldestIDs(ctx context.Context, n int) ([]string, error) {
	query, args, err := psql.Select("id").From("articles").
		OrderBy("datetime ASC").Limit(uint64(n)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("古い記事クエリの構築に失敗しました: %w", err)
	}
	return r.queryIDs(ctx, "古い記事IDの取得", query, args...)
}

// ListIDsOlderThan はdatetimeがcutoffより前の記事IDを最大n件返す。
func (r *PostgresArticleRepo) ListIDsOlderThan(ctx context.Context, cutoff int64, n int) ([]string, error) {
	query, args, err := psql.Select("id").From("articles").
		Where(sq.Lt{"datetime": cutoff}).Limit(uint64(n)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("保持期間クエリの構築に失敗しました: %w", err)
	}
	return r.queryIDs(ctx, "保持期間切れ記事IDの取得", query, args...)
}

func (r *PostgresArticleRepo) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgresError(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPostgresError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError(op, err)
	}
	return ids, nil
}

// DeleteByIDs は指定IDの記事を1トランザクションで削除する。
func (r *PostgresArticleRepo) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM articles WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, wrapPostgresError("記事の一括削除", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapPostgresError("削除件数の取得", err)
	}
	return int(n), nil
}

// UpdateEnrichment はエンリッチメント結果を書き戻す。
func (r *PostgresArticleRepo) UpdateEnrichment(ctx context.Context, id string, u model.EnrichmentUpdate) error {
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	query, args, err := psql.Update("articles").
		Set("ai_summary", u.AISummary).
		Set("sentiment", string(u.Sentiment)).
		Set("impact", string(u.Impact)).
		Set("tags", pq.StringArray(tags)).
		Set("category", string(u.Category)).
		Set("processed_at", u.ProcessedAt).
		Set("status", string(u.Status)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("更新クエリの構築に失敗しました: %w", err)
	}
	return r.execOne(ctx, "エンリッチメントの更新", query, args...)
}

// UpdateSentiment はセンチメントのみを更新する。
func (r *PostgresArticleRepo) UpdateSentiment(ctx context.Context, id string, sentiment model.Sentiment) error {
	return r.execOne(ctx, "センチメントの更新",
		`UPDATE articles SET sentiment = $1 WHERE id = $2`, string(sentiment), id)
}

// execOne は1行を更新するUPDATEを実行し、対象が無ければNotFoundを返す。
func (r *PostgresArticleRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapPostgresError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return wrapPostgresError(op, err)
	}
	if n == 0 {
		return model.NewStoreError(model.StoreErrNotFound, op, nil)
	}
	return nil
}
