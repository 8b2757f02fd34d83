// Package repository はデータ永続化のインターフェースと、
// PostgreSQL・MongoDB・インメモリの各実装を提供する。
//
// すべての実装はドライバ固有のエラーを model.StoreError に変換して返す。
package repository

import (
	"context"

	"github.com/hitoshi/trendboard/internal/model"
)

// UpsertOptions は記事のUpsert時の挙動を指定する。
type UpsertOptions struct {
	// PreserveEnrichment がtrueの場合、既存ドキュメントのエンリッチメント項目
	// (aiSummary, sentiment, impact, tags, status, processedAt) を上書きしない。
	// 新規作成時は渡された値がそのまま使われる。
	PreserveEnrichment bool
}

// ListFilter は記事一覧取得の条件。
type ListFilter struct {
	// Category が空の場合は全カテゴリが対象。
	Category model.Category
	// NewestFirst がtrueの場合、ストア側でdatetime降順に並べる。
	NewestFirst bool
	// Limit はストア側で適用する上限件数。0以下は無制限。
	Limit int
}

// ArticleRepository は記事データの永続化インターフェース。
type ArticleRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)

	// Exists は指定IDの記事が存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)

	// Upsert はIDをキーに記事を作成または項目単位でマージ更新する。
	Upsert(ctx context.Context, article *model.Article, opts UpsertOptions) error

	// List は条件に一致する記事を返す。
	List(ctx context.Context, filter ListFilter) ([]*model.Article, error)

	// ListAll は全記事を返す。ストレージ統計の算出に使う。
	ListAll(ctx context.Context) ([]*model.Article, error)

	// Count は全記事数を返す。
	Count(ctx context.Context) (int, error)

	// ListOldestIDs はdatetime昇順で先頭n件の記事IDを返す。
	ListOldestIDs(ctx context.Context, n int) ([]string, error)

	// ListIDsOlderThan はdatetimeがcutoff(epoch ms)より前の記事IDを最大n件返す。
	ListIDsOlderThan(ctx context.Context, cutoff int64, n int) ([]string, error)

	// DeleteByIDs は指定IDの記事をまとめて削除し、削除件数を返す。
	DeleteByIDs(ctx context.Context, ids []string) (int, error)

	// UpdateEnrichment はキューワーカーによるエンリッチメント結果を書き戻す。
	UpdateEnrichment(ctx context.Context, id string, update model.EnrichmentUpdate) error

	// UpdateSentiment はセンチメントのみを更新する。再分析バッチで使う。
	UpdateSentiment(ctx context.Context, id string, sentiment model.Sentiment) error
}

// JobRepository はエンリッチメントキューの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを登録する。
	Create(ctx context.Context, job *model.EnrichmentJob) error

	// ListPending はpendingのジョブをcreatedAt昇順で最大n件返す。
	ListPending(ctx context.Context, n int) ([]*model.EnrichmentJob, error)

	// Claim はジョブをpendingからprocessingへ条件付きで遷移させる。
	// 他のワーカーが先に取得していた場合はfalseを返す。
	Claim(ctx context.Context, id string, now int64) (bool, error)

	// RecordFailure は失敗回数・エラー内容・次の状態を記録する。
	RecordFailure(ctx context.Context, id string, attempts int, status model.Status, lastError string, now int64) error

	// Delete はジョブを削除する。
	Delete(ctx context.Context, id string) error

	// ResetStale はstartedAtがolderThanより前のprocessingジョブをpendingに戻す。
	ResetStale(ctx context.Context, olderThan int64, now int64) (int, error)

	// CountByStatus は状態ごとのジョブ数を返す。
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// LockRepository は分散ロックドキュメントの永続化インターフェース。
type LockRepository interface {
	// TryAcquire はロックが存在しないか、リースがnow(epoch ms)時点で切れている場合にのみ
	// 原子的にlockを書き込みtrueを返す。有効なリースが存在する場合はfalseを返す。
	TryAcquire(ctx context.Context, lock *model.Lock, now int64) (bool, error)

	// Release は所有者に関係なくロックを削除する。
	Release(ctx context.Context, key string) error

	// Get は現在のロックを返す。存在しない場合はnilを返す。
	Get(ctx context.Context, key string) (*model.Lock, error)
}
