package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/trendboard/internal/model"
)

// MemoryStore はインメモリ実装の記事・ジョブ・ロックリポジトリをまとめたもの。
// 単一プロセスでの開発用途とテストに使う。
type MemoryStore struct {
	Articles *MemoryArticleRepo
	Jobs     *MemoryJobRepo
	Locks    *MemoryLockRepo
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Articles: NewMemoryArticleRepo(),
		Jobs:     NewMemoryJobRepo(),
		Locks:    NewMemoryLockRepo(),
	}
}

// MemoryArticleRepo はインメモリの記事リポジトリ。
type MemoryArticleRepo struct {
	mu       sync.RWMutex
	articles map[string]*model.Article

	// QuotaLimit が正の場合、記事数がこの値に達した状態での新規作成は
	// クォータ超過エラーになる。
	QuotaLimit int
}

// NewMemoryArticleRepo はMemoryArticleRepoを生成する。
func NewMemoryArticleRepo() *MemoryArticleRepo {
	return &MemoryArticleRepo{articles: make(map[string]*model.Article)}
}

func cloneArticle(a *model.Article) *model.Article {
	c := *a
	if a.AISummary != nil {
		c.AISummary = model.StringPtr(*a.AISummary)
	}
	c.Tags = append([]string{}, a.Tags...)
	return &c
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *MemoryArticleRepo) FindByID(_ context.Context, id string) (*model.Article, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.articles[id]
	if !ok {
		return nil, nil
	}
	return cloneArticle(a), nil
}

// Exists は指定IDの記事が存在するかを返す。
func (r *MemoryArticleRepo) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.articles[id]
	return ok, nil
}

// Upsert はIDをキーに記事を作成または項目単位でマージ更新する。
func (r *MemoryArticleRepo) Upsert(_ context.Context, a *model.Article, opts UpsertOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.articles[a.ID]
	if !ok {
		if r.QuotaLimit > 0 && len(r.articles) >= r.QuotaLimit {
			return model.NewStoreError(model.StoreErrQuotaExceeded, "記事のUpsert", nil)
		}
		r.articles[a.ID] = cloneArticle(a)
		return nil
	}

	merged := cloneArticle(a)
	if opts.PreserveEnrichment {
		if existing.AISummary != nil {
			merged.AISummary = model.StringPtr(*existing.AISummary)
		}
		merged.Sentiment = existing.Sentiment
		merged.Impact = existing.Impact
		merged.Tags = append([]string{}, existing.Tags...)
		merged.ProcessedAt = existing.ProcessedAt
		merged.Status = existing.Status
	}
	r.articles[a.ID] = merged
	return nil
}

// List は条件に一致する記事を返す。
func (r *MemoryArticleRepo) List(_ context.Context, filter ListFilter) ([]*model.Article, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Article
	for _, a := range r.articles {
		if !filter.Category.IsAll() && a.Category != filter.Category {
			continue
		}
		out = append(out, cloneArticle(a))
	}
	if filter.NewestFirst {
		sortNewestFirst(out)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListAll は全記事を返す。
func (r *MemoryArticleRepo) ListAll(ctx context.Context) ([]*model.Article, error) {
	return r.List(ctx, ListFilter{})
}

// Count は全記事数を返す。
func (r *MemoryArticleRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.articles), nil
}

// ListOldestIDs はdatetime昇順で先頭n件の記事IDを返す。
func (r *MemoryArticleRepo) ListOldestIDs(_ context.Context, n int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*model.Article, 0, len(r.articles))
	for _, a := range r.articles {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Datetime == all[j].Datetime {
			return all[i].ID < all[j].ID
		}
		return all[i].Datetime < all[j].Datetime
	})

	var ids []string
	for _, a := range all {
		if len(ids) >= n {
			break
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// ListIDsOlderThan はdatetimeがcutoffより前の記事IDを最大n件返す。
func (r *MemoryArticleRepo) ListIDsOlderThan(_ context.Context, cutoff int64, n int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, a := range r.articles {
		if len(ids) >= n {
			break
		}
		if a.Datetime < cutoff {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteByIDs は指定IDの記事をまとめて削除する。
func (r *MemoryArticleRepo) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := r.articles[id]; ok {
			delete(r.articles, id)
			n++
		}
	}
	return n, nil
}

// UpdateEnrichment はエンリッチメント結果を書き戻す。
func (r *MemoryArticleRepo) UpdateEnrichment(_ context.Context, id string, u model.EnrichmentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.articles[id]
	if !ok {
		return model.NewStoreError(model.StoreErrNotFound, "エンリッチメントの更新", nil)
	}
	a.AISummary = model.StringPtr(u.AISummary)
	a.Sentiment = u.Sentiment
	a.Impact = u.Impact
	a.Tags = append([]string{}, u.Tags...)
	a.Category = u.Category
	a.ProcessedAt = u.ProcessedAt
	a.Status = u.Status
	return nil
}

// UpdateSentiment はセンチメントのみを更新する。
func (r *MemoryArticleRepo) UpdateSentiment(_ context.Context, id string, sentiment model.Sentiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.articles[id]
	if !ok {
		return model.NewStoreError(model.StoreErrNotFound, "センチメントの更新", nil)
	}
	a.Sentiment = sentiment
	return nil
}

func sortNewestFirst(articles []*model.Article) {
	sort.SliceStable(articles, func(i, j int) bool {
		if articles[i].Datetime == articles[j].Datetime {
			return articles[i].ID < articles[j].ID
		}
		return articles[i].Datetime > articles[j].Datetime
	})
}

// MemoryJobRepo はインメモリのエンリッチメントキュー。
type MemoryJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.EnrichmentJob
}

// NewMemoryJobRepo はMemoryJobRepoを生成する。
func NewMemoryJobRepo() *MemoryJobRepo {
	return &MemoryJobRepo{jobs: make(map[string]*model.EnrichmentJob)}
}

// Create はジョブを登録する。
func (r *MemoryJobRepo) Create(_ context.Context, job *model.EnrichmentJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *job
	r.jobs[job.ID] = &c
	return nil
}

// Get は指定IDのジョブを返す。存在しない場合はnilを返す。
func (r *MemoryJobRepo) Get(id string) *model.EnrichmentJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	c := *j
	return &c
}

// ListPending はpendingのジョブをcreatedAt昇順で最大n件返す。
func (r *MemoryJobRepo) ListPending(_ context.Context, n int) ([]*model.EnrichmentJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.EnrichmentJob
	for _, j := range r.jobs {
		if j.Status == model.StatusPending {
			c := *j
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt == out[k].CreatedAt {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt < out[k].CreatedAt
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Claim はジョブをpendingからprocessingへ条件付きで遷移させる。
func (r *MemoryJobRepo) Claim(_ context.Context, id string, now int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != model.StatusPending {
		return false, nil
	}
	j.Status = model.StatusProcessing
	j.StartedAt = now
	j.UpdatedAt = now
	return true, nil
}

// RecordFailure は失敗回数・エラー内容・次の状態を記録する。
func (r *MemoryJobRepo) RecordFailure(_ context.Context, id string, attempts int, status model.Status, lastError string, now int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return model.NewStoreError(model.StoreErrNotFound, "ジョブ失敗の記録", nil)
	}
	j.Attempts = attempts
	j.Status = status
	j.LastError = lastError
	j.UpdatedAt = now
	return nil
}

// Delete はジョブを削除する。
func (r *MemoryJobRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

// ResetStale は長時間processingのままのジョブをpendingに戻す。
func (r *MemoryJobRepo) ResetStale(_ context.Context, olderThan int64, now int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if j.Status == model.StatusProcessing && j.StartedAt < olderThan {
			j.Status = model.StatusPending
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// CountByStatus は状態ごとのジョブ数を返す。
func (r *MemoryJobRepo) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[model.Status]int)
	for _, j := range r.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// MemoryLockRepo はインメモリのロックストア。
type MemoryLockRepo struct {
	mu    sync.Mutex
	locks map[string]model.Lock
}

// NewMemoryLockRepo はMemoryLockRepoを生成する。
func NewMemoryLockRepo() *MemoryLockRepo {
	return &MemoryLockRepo{locks: make(map[string]model.Lock)}
}

// TryAcquire はロックが存在しないかリース切れの場合のみ書き込む。
func (r *MemoryLockRepo) TryAcquire(_ context.Context, lock *model.Lock, now int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.locks[lock.Key]; ok && !cur.Expired(now) {
		return false, nil
	}
	r.locks[lock.Key] = *lock
	return true, nil
}

// Release はロックを削除する。
func (r *MemoryLockRepo) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, key)
	return nil
}

// Get は現在のロックを返す。存在しない場合はnilを返す。
func (r *MemoryLockRepo) Get(_ context.Context, key string) (*model.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		return nil, nil
	}
	return &l, nil
}
