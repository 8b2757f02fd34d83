package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

// seed はdaysAgo日前のdatetimeを持つ記事を保存する。
func seed(t *testing.T, repo repository.ArticleRepository, id string, daysAgo int, category model.Category) {
	t.Helper()
	a := &model.Article{
		ID:       id,
		Title:    "title " + id,
		Category: category,
		Tags:     []string{},
		Datetime: fixedNow.Add(-time.Duration(daysAgo) * 24 * time.Hour).UnixMilli(),
	}
	if err := repo.Upsert(context.Background(), a, repository.UpsertOptions{}); err != nil {
		t.Fatalf("記事の準備に失敗しました: %v", err)
	}
}

func newTestEnforcer(repo repository.ArticleRepository, opts Options) (*Enforcer, *bytes.Buffer) {
	var buf bytes.Buffer
	e := NewEnforcer(repo, nil, newTestLogger(&buf), opts)
	e.Now = func() time.Time { return fixedNow }
	return e, &buf
}

// countingRepo はDeleteByIDsの呼び出しを数えるラッパー。
type countingRepo struct {
	repository.ArticleRepository
	deleteCalls int
	lastBatch   int
}

func (r *countingRepo) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	r.deleteCalls++
	r.lastBatch = len(ids)
	return r.ArticleRepository.DeleteByIDs(ctx, ids)
}

// failingRepo は指定したメソッドだけエラーを返すラッパー。
type failingRepo struct {
	repository.ArticleRepository
	countErr   error
	listAllErr error
}

func (r *failingRepo) Count(ctx context.Context) (int, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.ArticleRepository.Count(ctx)
}

func (r *failingRepo) ListAll(ctx context.Context) ([]*model.Article, error) {
	if r.listAllErr != nil {
		return nil, r.listAllErr
	}
	return r.ArticleRepository.ListAll(ctx)
}

func TestNewEnforcer_Defaults(t *testing.T) {
	e, _ := newTestEnforcer(repository.NewMemoryArticleRepo(), Options{})

	if e.MaxTotalArticles() != 500 {
		t.Errorf("MaxTotalArticles = %d, want 500", e.MaxTotalArticles())
	}
	if e.RetentionDays() != 30 {
		t.Errorf("RetentionDays = %d, want 30", e.RetentionDays())
	}
	if e.opts.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", e.opts.BatchSize)
	}
}

func TestNewEnforcer_BatchSizeCapped(t *testing.T) {
	e, _ := newTestEnforcer(repository.NewMemoryArticleRepo(), Options{BatchSize: 10000})
	if e.opts.BatchSize != 500 {
		t.Errorf("BatchSize = %d, 500件に丸められるべき", e.opts.BatchSize)
	}
}

func TestEnforceRetention_DeletesOnlyExpired(t *testing.T) {
	repo := repository.NewMemoryArticleRepo()
	seed(t, repo, "fresh", 1, model.CategoryStocks)
	seed(t, repo, "edge", 29, model.CategoryStocks)
	seed(t, repo, "old1", 31, model.CategoryCrypto)
	seed(t, repo, "old2", 90, model.CategoryIPOs)

	e, buf := newTestEnforcer(repo, Options{RetentionDays: 30})

	deleted, err := e.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	cutoff := fixedNow.Add(-30 * 24 * time.Hour).UnixMilli()
	remaining, _ := repo.ListAll(context.Background())
	for _, a := range remaining {
		if a.Datetime < cutoff {
			t.Errorf("保持期間を超えた記事 %s が残っている", a.ID)
		}
	}
	if len(remaining) != 2 {
		t.Errorf("残存件数 = %d, want 2", len(remaining))
	}

	var logEntry map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "deleted_count") {
			if err := json.Unmarshal([]byte(line), &logEntry); err != nil {
				t.Fatalf("ログのパースに失敗しました: %v", err)
			}
		}
	}
	if logEntry == nil {
		t.Fatal("deleted_count を含むログが出力されていない")
	}
	if logEntry["deleted_count"] != float64(2) {
		t.Errorf("deleted_count = %v, want 2", logEntry["deleted_count"])
	}
}

func TestEnforceRetention_Idempotent(t *testing.T) {
	repo := repository.NewMemoryArticleRepo()
	seed(t, repo, "old", 40, model.CategoryStocks)
	e, _ := newTestEnforcer(repo, Options{})

	if _, err := e.EnforceRetention(context.Background()); err != nil {
		t.Fatalf("1回目でエラー: %v", err)
	}
	deleted, err := e.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("2回目でエラー: %v", err)
	}
	if deleted != 0 {
		t.Errorf("2回目の削除件数 = %d, want 0", deleted)
	}
}

func TestEnforceRetention_Batches(t *testing.T) {
	mem := repository.NewMemoryArticleRepo()
	for i := 0; i < 7; i++ {
		seed(t, mem, fmt.Sprintf("old-%d", i), 60+i, model.CategoryStocks)
	}
	repo := &countingRepo{ArticleRepository: mem}
	e, _ := newTestEnforcer(repo, Options{BatchSize: 3})

	deleted, err := e.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if deleted != 7 {
		t.Errorf("deleted = %d, want 7", deleted)
	}
	if repo.deleteCalls != 3 {
		t.Errorf("DeleteByIDs呼び出し回数 = %d, want 3", repo.deleteCalls)
	}
}

func TestEnforceTotalLimit_DeletesExcessOldest(t *testing.T) {
	repo := repository.NewMemoryArticleRepo()
	for i := 0; i < 8; i++ {
		// a-0 が最新、a-7 が最古
		seed(t, repo, fmt.Sprintf("a-%d", i), i, model.CategoryStocks)
	}
	e, _ := newTestEnforcer(repo, Options{MaxTotalArticles: 5, BatchSize: 2})

	deleted, err := e.EnforceTotalLimit(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	count, _ := repo.Count(context.Background())
	if count != 5 {
		t.Errorf("残存件数 = %d, want 5", count)
	}
	for _, id := range []string{"a-5", "a-6", "a-7"} {
		if ok, _ := repo.Exists(context.Background(), id); ok {
			t.Errorf("最古の記事 %s が削除されていない", id)
		}
	}
	for _, id := range []string{"a-0", "a-4"} {
		if ok, _ := repo.Exists(context.Background(), id); !ok {
			t.Errorf("新しい記事 %s が削除されている", id)
		}
	}
}

func TestEnforceTotalLimit_UnderLimitNoop(t *testing.T) {
	mem := repository.NewMemoryArticleRepo()
	seed(t, mem, "a", 1, model.CategoryStocks)
	repo := &countingRepo{ArticleRepository: mem}
	e, _ := newTestEnforcer(repo, Options{MaxTotalArticles: 1})

	deleted, err := e.EnforceTotalLimit(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if deleted != 0 || repo.deleteCalls != 0 {
		t.Errorf("上限以内では削除しないべき: deleted=%d calls=%d", deleted, repo.deleteCalls)
	}
}

func TestEnforceTotalLimit_CountError(t *testing.T) {
	countErr := errors.New("connection refused")
	repo := &failingRepo{ArticleRepository: repository.NewMemoryArticleRepo(), countErr: countErr}
	e, _ := newTestEnforcer(repo, Options{})

	_, err := e.EnforceTotalLimit(context.Background())
	if !errors.Is(err, countErr) {
		t.Errorf("エラーがラップされていない: %v", err)
	}
}

func TestGetStorageStats(t *testing.T) {
	repo := repository.NewMemoryArticleRepo()
	seed(t, repo, "s1", 1, model.CategoryStocks)
	seed(t, repo, "s2", 3, model.CategoryStocks)
	seed(t, repo, "c1", 2, model.CategoryCrypto)
	seed(t, repo, "u1", 5, "")

	e, _ := newTestEnforcer(repo, Options{MaxTotalArticles: 8})

	stats, err := e.GetStorageStats(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if stats.TotalDocuments != 4 {
		t.Errorf("TotalDocuments = %d, want 4", stats.TotalDocuments)
	}
	if stats.PercentOfLimit != 50 {
		t.Errorf("PercentOfLimit = %v, want 50", stats.PercentOfLimit)
	}
	if stats.EstimatedBytes <= 0 {
		t.Errorf("EstimatedBytes = %d, 正の値であるべき", stats.EstimatedBytes)
	}
	if stats.CategoryCounts["Stocks"] != 2 || stats.CategoryCounts["Crypto"] != 1 || stats.CategoryCounts["Unknown"] != 1 {
		t.Errorf("CategoryCounts = %v", stats.CategoryCounts)
	}

	wantOldest := fixedNow.Add(-5 * 24 * time.Hour).UTC().Format(isoMillis)
	wantNewest := fixedNow.Add(-1 * 24 * time.Hour).UTC().Format(isoMillis)
	if stats.OldestArticle == nil || *stats.OldestArticle != wantOldest {
		t.Errorf("OldestArticle = %v, want %s", stats.OldestArticle, wantOldest)
	}
	if stats.NewestArticle == nil || *stats.NewestArticle != wantNewest {
		t.Errorf("NewestArticle = %v, want %s", stats.NewestArticle, wantNewest)
	}
}

func TestGetStorageStats_Empty(t *testing.T) {
	e, _ := newTestEnforcer(repository.NewMemoryArticleRepo(), Options{})

	stats, err := e.GetStorageStats(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if stats.TotalDocuments != 0 || stats.EstimatedSizeMB != 0 || stats.PercentOfLimit != 0 {
		t.Errorf("空のストアの統計が不正: %+v", stats)
	}
	if stats.OldestArticle != nil || stats.NewestArticle != nil {
		t.Error("空のストアではOldest/Newestはnilであるべき")
	}
	if stats.CategoryCounts == nil {
		t.Error("CategoryCountsはnilではなく空マップであるべき")
	}
}

func TestEnforceAll_Order(t *testing.T) {
	repo := repository.NewMemoryArticleRepo()
	seed(t, repo, "expired", 45, model.CategoryStocks)
	for i := 0; i < 4; i++ {
		seed(t, repo, fmt.Sprintf("a-%d", i), i, model.CategoryStocks)
	}
	e, _ := newTestEnforcer(repo, Options{MaxTotalArticles: 3})

	result, err := e.EnforceAll(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	// 期限切れを先に消すため、上限超過分は1件だけになる
	if result.RetentionDeleted != 1 {
		t.Errorf("RetentionDeleted = %d, want 1", result.RetentionDeleted)
	}
	if result.LimitDeleted != 1 {
		t.Errorf("LimitDeleted = %d, want 1", result.LimitDeleted)
	}
	if result.Stats == nil || result.Stats.TotalDocuments != 3 {
		t.Errorf("Stats = %+v, TotalDocuments 3 を期待", result.Stats)
	}
}

func TestEnforceAll_StopsOnError(t *testing.T) {
	listErr := errors.New("boom")
	repo := &failingRepo{ArticleRepository: repository.NewMemoryArticleRepo(), listAllErr: listErr}
	e, _ := newTestEnforcer(repo, Options{})

	result, err := e.EnforceAll(context.Background())
	if !errors.Is(err, listErr) {
		t.Fatalf("統計取得のエラーが返されるべき: %v", err)
	}
	if result.Stats != nil {
		t.Error("失敗時はStatsがnilであるべき")
	}
}

// countingCountRepo はCountの呼び出し回数を数える。
type countingCountRepo struct {
	repository.ArticleRepository
	calls atomic.Int32
}

func (r *countingCountRepo) Count(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return r.ArticleRepository.Count(ctx)
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	repo := &countingCountRepo{ArticleRepository: repository.NewMemoryArticleRepo()}
	e, _ := newTestEnforcer(repo, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for repo.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("起動直後にEnforceAllが実行されていない")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にStartが終了しない")
	}
}
