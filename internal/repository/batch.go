package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/trendboard/internal/retry"
)

// DefaultDeleteBatchSize はバッチ削除1回あたりの上限件数。
const DefaultDeleteBatchSize = 500

// IDSelector は削除対象のIDを最大n件返す関数。
type IDSelector func(ctx context.Context, n int) ([]string, error)

// DeleteInBatches はselectが空を返すまで、batchSize件ずつ記事を削除する。
// バッチ間にはpauseだけ待機する。削除件数の合計を返す。
func DeleteInBatches(ctx context.Context, repo ArticleRepository, selectIDs IDSelector, batchSize int, pause time.Duration) (int, error) {
	if batchSize <= 0 || batchSize > DefaultDeleteBatchSize {
		batchSize = DefaultDeleteBatchSize
	}

	total := 0
	for {
		ids, err := selectIDs(ctx, batchSize)
		if err != nil {
			return total, fmt.Errorf("削除対象の取得に失敗しました: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		n, err := repo.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("バッチ削除に失敗しました: %w", err)
		}
		total += n

		// 1件も消えない場合は同じIDを返し続けるため打ち切る
		if n == 0 || len(ids) < batchSize {
			return total, nil
		}

		if err := retry.Sleep(ctx, pause); err != nil {
			return total, err
		}
	}
}
