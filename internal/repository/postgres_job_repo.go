package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/trendboard/internal/model"
)

var jobColumns = []string{
	"id", "article_id", "status", "attempts", "last_error", "created_at", "updated_at", "started_at",
}

// PostgresJobRepo はPostgreSQLを使用したエンリッチメントキュー。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

// Create はジョブを登録する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.EnrichmentJob) error {
	query, args, err := psql.Insert("enrichment_jobs").
		Columns(jobColumns...).
		Values(job.ID, job.ArticleID, string(job.Status), job.Attempts, job.LastError,
			job.CreatedAt, job.UpdatedAt, job.StartedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("ジョブ登録クエリの構築に失敗しました: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapPostgresError("ジョブの登録", err)
	}
	return nil
}

// ListPending はpendingのジョブをcreated_at昇順で最大n件返す。
func (r *PostgresJobRepo) ListPending(ctx context.Context, n int) ([]*model.EnrichmentJob, error) {
	query, args, err := psql.Select(jobColumns...).From("enrichment_jobs").
		Where(sq.Eq{"status": string(model.StatusPending)}).
		OrderBy("created_at ASC").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("ジョブ取得クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgresError("pendingジョブの取得", err)
	}
	defer rows.Close()

	var jobs []*model.EnrichmentJob
	for rows.Next() {
		j := &model.EnrichmentJob{}
		var status string
		if err := rows.Scan(&j.ID, &j.ArticleID, &status, &j.Attempts, &j.LastError,
			&j.CreatedAt, &j.UpdatedAt, &j.StartedAt); err != nil {
			return nil, wrapPostgresError("pendingジョブの読み取り", err)
		}
		j.Status = model.Status(status)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError("pendingジョブの取得", err)
	}
	return jobs, nil
}

// Claim はジョブをpendingからprocessingへ条件付きで遷移させる。
func (r *PostgresJobRepo) Claim(ctx context.Context, id string, now int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = $1, started_at = $2, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StatusProcessing), now, id, string(model.StatusPending),
	)
	if err != nil {
		return false, wrapPostgresError("ジョブの取得(claim)", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, wrapPostgresError("ジョブの取得(claim)", err)
	}
	return n == 1, nil
}

// RecordFailure は失敗回数・エラー内容・次の状態を記録する。
func (r *PostgresJobRepo) RecordFailure(ctx context.Context, id string, attempts int, status model.Status, lastError string, now int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET attempts = $1, status = $2, last_error = $3, updated_at = $4
		 WHERE id = $5`,
		attempts, string(status), lastError, now, id,
	)
	if err != nil {
		return wrapPostgresError("ジョブ失敗の記録", err)
	}
	return nil
}

// Delete はジョブを削除する。
func (r *PostgresJobRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM enrichment_jobs WHERE id = $1`, id); err != nil {
		return wrapPostgresError("ジョブの削除", err)
	}
	return nil
}

// ResetStale は長時間processingのままのジョブをpendingに戻す。
func (r *PostgresJobRepo) ResetStale(ctx context.Context, olderThan int64, now int64) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = $1, updated_at = $2
		 WHERE status = $3 AND started_at < $4`,
		string(model.StatusPending), now, string(model.StatusProcessing), olderThan,
	)
	if err != nil {
		return 0, wrapPostgresError("滞留ジョブのリセット", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapPostgresError("滞留ジョブのリセット", err)
	}
	return int(n), nil
}

// CountByStatus は状態ごとのジョブ数を返す。
func (r *PostgresJobRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM enrichment_jobs GROUP BY status`)
	if err != nil {
		return nil, wrapPostgresError("ジョブ数の集計", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapPostgresError("ジョブ数の集計", err)
		}
		counts[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError("ジョブ数の集計", err)
	}
	return counts, nil
}
