package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/trendboard/internal/model"
)

// acquireLockSQL は「存在しない」または「リース切れ」の場合にのみ書き込む。
// 有効なリースが存在する場合はWHERE句で更新が抑止され、RETURNINGが0行になる。
const acquireLockSQL = `INSERT INTO locks (key, owner, lease_until, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET
	owner = EXCLUDED.owner,
	lease_until = EXCLUDED.lease_until,
	created_at = EXCLUDED.created_at
WHERE locks.lease_until < $5
RETURNING key`

// PostgresLockRepo はPostgreSQLを使用したロックストア。
type PostgresLockRepo struct {
	db *sql.DB
}

// NewPostgresLockRepo はPostgresLockRepoを生成する。
func NewPostgresLockRepo(db *sql.DB) *PostgresLockRepo {
	return &PostgresLockRepo{db: db}
}

// TryAcquire は条件付きUpsertでロックを原子的に取得する。
func (r *PostgresLockRepo) TryAcquire(ctx context.Context, lock *model.Lock, now int64) (bool, error) {
	var key string
	err := r.db.QueryRowContext(ctx, acquireLockSQL,
		lock.Key, lock.Owner, lock.LeaseUntil, lock.CreatedAt, now,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapPostgresError("ロックの取得", err)
	}
	return true, nil
}

// Release は所有者に関係なくロックを削除する。
func (r *PostgresLockRepo) Release(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM locks WHERE key = $1`, key); err != nil {
		return wrapPostgresError("ロックの解放", err)
	}
	return nil
}

// Get は現在のロックを返す。存在しない場合はnilを返す。
func (r *PostgresLockRepo) Get(ctx context.Context, key string) (*model.Lock, error) {
	l := &model.Lock{}
	err := r.db.QueryRowContext(ctx,
		`SELECT key, owner, lease_until, created_at FROM locks WHERE key = $1`, key,
	).Scan(&l.Key, &l.Owner, &l.LeaseUntil, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresError("ロックの取得", err)
	}
	return l, nil
}
