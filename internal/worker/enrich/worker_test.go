package enrich

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/trendboard/internal/ai"
	"github.com/hitoshi/trendboard/internal/classifier"
	"github.com/hitoshi/trendboard/internal/model"
	"github.com/hitoshi/trendboard/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockCompleter はclassifier.Completerのテスト用モック。
type mockCompleter struct {
	completeFunc func(ctx context.Context, req ai.Request) (string, error)

	mu    sync.Mutex
	calls int
	last  ai.Request
}

func (m *mockCompleter) Complete(ctx context.Context, req ai.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	m.mu.Unlock()
	return m.completeFunc(ctx, req)
}

func reply(content string) *mockCompleter {
	return &mockCompleter{completeFunc: func(context.Context, ai.Request) (string, error) {
		return content, nil
	}}
}

var fixedNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type workerFixture struct {
	worker *Worker
	store  *repository.MemoryStore
	logs   *bytes.Buffer
	sleeps []time.Duration
}

func newFixture(completer *mockCompleter) *workerFixture {
	f := &workerFixture{store: repository.NewMemoryStore(), logs: &bytes.Buffer{}}
	var c classifier.Completer
	if completer != nil {
		c = completer
	}
	f.worker = NewWorker(f.store.Jobs, f.store.Articles, c, nil, newTestLogger(f.logs), Options{})
	f.worker.Now = func() time.Time { return fixedNow }
	f.worker.Sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	f.worker.SetRetrySleep(func(context.Context, time.Duration) error { return nil })
	return f
}

func (f *workerFixture) addArticle(t *testing.T, id string) {
	t.Helper()
	err := f.store.Articles.Upsert(context.Background(), &model.Article{
		ID:        id,
		Title:     "Bitcoin rallies",
		Summary:   "Crypto markets surge after ETF approval.",
		Category:  model.CategoryStocks,
		Sentiment: model.SentimentNeutral,
		Impact:    model.ImpactMedium,
		Tags:      []string{},
		Datetime:  fixedNow.UnixMilli(),
		Status:    model.StatusPending,
	}, repository.UpsertOptions{})
	if err != nil {
		t.Fatalf("記事の準備に失敗しました: %v", err)
	}
}

func (f *workerFixture) addJob(t *testing.T, id, articleID string, createdAt int64, attempts int) {
	t.Helper()
	err := f.store.Jobs.Create(context.Background(), &model.EnrichmentJob{
		ID:        id,
		ArticleID: articleID,
		Status:    model.StatusPending,
		Attempts:  attempts,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("ジョブの準備に失敗しました: %v", err)
	}
}

func TestDefaultOptions(t *testing.T) {
	o := Options{}.withDefaults()
	if o.BatchSize != 3 || o.PollInterval != 3*time.Second || o.JobGap != time.Second || o.StaleAfter != 10*time.Minute {
		t.Errorf("デフォルト値が不正: %+v", o)
	}
}

func TestRunOnce_EnrichesArticleAndDeletesJob(t *testing.T) {
	completer := reply("```json\n{\"summary\":\"BTC up\",\"sentiment\":\"Positive\",\"impact\":\"high\",\"tags\":[\"btc\",\" eth \",\"\",\"sol\",\"ada\",\"xrp\",\"doge\"],\"category\":\"Crypto\"}\n```")
	f := newFixture(completer)
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)

	n, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if n != 1 {
		t.Errorf("処理件数 = %d, want 1", n)
	}

	a, _ := f.store.Articles.FindByID(context.Background(), "a1")
	if a.AISummary == nil || *a.AISummary != "BTC up" {
		t.Errorf("AISummary = %v", a.AISummary)
	}
	if a.Sentiment != model.SentimentPositive || a.Impact != model.ImpactHigh {
		t.Errorf("Sentiment/Impact = %s/%s", a.Sentiment, a.Impact)
	}
	if a.Category != model.CategoryCrypto {
		t.Errorf("Category = %s, want Crypto", a.Category)
	}
	wantTags := []string{"BTC", "ETH", "SOL", "ADA"}
	if strings.Join(a.Tags, ",") != strings.Join(wantTags, ",") {
		t.Errorf("Tags = %v, want %v", a.Tags, wantTags)
	}
	if a.Status != model.StatusEnriched || a.ProcessedAt != fixedNow.UnixMilli() {
		t.Errorf("Status/ProcessedAt = %s/%d", a.Status, a.ProcessedAt)
	}
	if f.store.Jobs.Get("j1") != nil {
		t.Error("成功したジョブは削除されるべき")
	}

	req := completer.last
	if len(req.Messages) != 2 || req.Messages[0].Content != "Return ONLY valid JSON." {
		t.Errorf("systemプロンプトが不正: %+v", req.Messages)
	}
	if !strings.HasPrefix(req.Messages[1].Content, "Analyze: Bitcoin rallies\n\nCrypto markets surge") ||
		!strings.HasSuffix(req.Messages[1].Content, ". Return JSON with summary, sentiment, impact, tags, category.") {
		t.Errorf("userプロンプトが不正: %q", req.Messages[1].Content)
	}
	if req.Temperature != 0.2 || req.MaxTokens != 350 {
		t.Errorf("Temperature/MaxTokens = %v/%d", req.Temperature, req.MaxTokens)
	}
}

func TestRunOnce_InvalidJSONUsesDefaults(t *testing.T) {
	f := newFixture(reply("I cannot answer that"))
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	a, _ := f.store.Articles.FindByID(context.Background(), "a1")
	if a.AISummary == nil || *a.AISummary != "Crypto markets surge after ETF approval." {
		t.Errorf("AISummaryは元の要約になるべき: %v", a.AISummary)
	}
	if a.Sentiment != model.SentimentNeutral || a.Impact != model.ImpactMedium {
		t.Errorf("既定値を期待: %s/%s", a.Sentiment, a.Impact)
	}
	if a.Category != model.CategoryStocks {
		t.Errorf("カテゴリは維持されるべき: %s", a.Category)
	}
	if len(a.Tags) != 0 || a.Status != model.StatusEnriched {
		t.Errorf("Tags/Status = %v/%s", a.Tags, a.Status)
	}
	if f.store.Jobs.Get("j1") != nil {
		t.Error("不正なJSONでもジョブは完了扱いで削除されるべき")
	}
}

func TestRunOnce_MissingArticleDeletesJob(t *testing.T) {
	completer := reply("{}")
	f := newFixture(completer)
	f.addJob(t, "j1", "gone", 1, 0)

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if f.store.Jobs.Get("j1") != nil {
		t.Error("記事がないジョブは削除されるべき")
	}
	if completer.calls != 0 {
		t.Error("記事がない場合はAIを呼び出さない")
	}
}

func TestRunOnce_FailureIncrementsAttempts(t *testing.T) {
	completer := &mockCompleter{completeFunc: func(context.Context, ai.Request) (string, error) {
		return "", errors.New("upstream 502")
	}}
	f := newFixture(completer)
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("ジョブの失敗はRunOnceのエラーにしない: %v", err)
	}

	job := f.store.Jobs.Get("j1")
	if job == nil {
		t.Fatal("失敗したジョブは残るべき")
	}
	if job.Attempts != 1 || job.Status != model.StatusPending {
		t.Errorf("Attempts/Status = %d/%s, want 1/pending", job.Attempts, job.Status)
	}
	if job.LastError != "upstream 502" {
		t.Errorf("LastError = %q", job.LastError)
	}
	if completer.calls != 2 {
		t.Errorf("AI呼び出し回数 = %d, want 2 (1回リトライ)", completer.calls)
	}

	a, _ := f.store.Articles.FindByID(context.Background(), "a1")
	if a.Status != model.StatusPending {
		t.Error("失敗時に記事を更新してはならない")
	}
}

func TestRunOnce_ThirdFailureIsTerminal(t *testing.T) {
	completer := &mockCompleter{completeFunc: func(context.Context, ai.Request) (string, error) {
		return "", ai.ErrUnauthorized
	}}
	f := newFixture(completer)
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 2)

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	job := f.store.Jobs.Get("j1")
	if job == nil || job.Attempts != 3 || job.Status != model.StatusFailed {
		t.Fatalf("3回目の失敗でfailedになるべき: %+v", job)
	}
	if completer.calls != 1 {
		t.Errorf("認証エラーはリトライしない: calls=%d", completer.calls)
	}

	// failedのジョブは再度取得されない
	n, _ := f.worker.RunOnce(context.Background())
	if n != 0 {
		t.Errorf("failedのジョブが再取得された: %d", n)
	}
}

func TestRunOnce_OrderAndBatchSize(t *testing.T) {
	var order []string
	f := newFixture(reply("{}"))
	for i, id := range []string{"a", "b", "c", "d"} {
		f.addArticle(t, id)
		f.addJob(t, "job-"+id, id, int64(10-i), 0) // dが最も古い
	}
	f.worker.articles = &recordingArticles{ArticleRepository: f.store.Articles, order: &order}

	n, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if n != 3 {
		t.Errorf("処理件数 = %d, want 3", n)
	}
	if strings.Join(order, ",") != "d,c,b" {
		t.Errorf("処理順 = %v, want [d c b]", order)
	}
	if f.store.Jobs.Get("job-a") == nil {
		t.Error("バッチサイズを超えたジョブは次回に残るべき")
	}
	// ジョブ間の待機は2回
	gaps := 0
	for _, d := range f.sleeps {
		if d == time.Second {
			gaps++
		}
	}
	if gaps != 2 {
		t.Errorf("ジョブ間の待機回数 = %d, want 2", gaps)
	}
}

// recordingArticles はUpdateEnrichmentの呼び出し順を記録する。
type recordingArticles struct {
	repository.ArticleRepository
	order *[]string
}

func (r *recordingArticles) UpdateEnrichment(ctx context.Context, id string, u model.EnrichmentUpdate) error {
	*r.order = append(*r.order, id)
	return r.ArticleRepository.UpdateEnrichment(ctx, id, u)
}

func TestRunOnce_ResetsStaleJobs(t *testing.T) {
	f := newFixture(reply("{}"))
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)

	// 別のワーカーが取得したまま停止した状態を作る
	startedAt := fixedNow.Add(-11 * time.Minute).UnixMilli()
	if ok, _ := f.store.Jobs.Claim(context.Background(), "j1", startedAt); !ok {
		t.Fatal("事前のClaimに失敗しました")
	}

	n, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if n != 1 || f.store.Jobs.Get("j1") != nil {
		t.Errorf("滞留ジョブは復旧されて処理されるべき: n=%d", n)
	}
}

func TestRunOnce_RecentProcessingJobIsNotReset(t *testing.T) {
	f := newFixture(reply("{}"))
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)
	if ok, _ := f.store.Jobs.Claim(context.Background(), "j1", fixedNow.Add(-time.Minute).UnixMilli()); !ok {
		t.Fatal("事前のClaimに失敗しました")
	}

	n, _ := f.worker.RunOnce(context.Background())
	if n != 0 {
		t.Errorf("処理中のジョブを横取りしてはならない: n=%d", n)
	}
}

// lostClaimJobs はClaimで常に競合に負けるJobRepository。
type lostClaimJobs struct {
	repository.JobRepository
}

func (lostClaimJobs) Claim(context.Context, string, int64) (bool, error) { return false, nil }

func TestRunOnce_LostClaimSkipsJob(t *testing.T) {
	completer := reply("{}")
	f := newFixture(completer)
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)
	f.worker.jobs = lostClaimJobs{JobRepository: f.store.Jobs}

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if completer.calls != 0 {
		t.Error("Claimに負けたジョブを処理してはならない")
	}
	if job := f.store.Jobs.Get("j1"); job == nil || job.Attempts != 0 {
		t.Errorf("Claimに負けたジョブは変更しない: %+v", job)
	}
}

func TestRunOnce_NotConfiguredFails(t *testing.T) {
	f := newFixture(nil)
	f.addArticle(t, "a1")
	f.addJob(t, "j1", "a1", 1, 0)

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	job := f.store.Jobs.Get("j1")
	if job == nil || job.Attempts != 1 || !strings.Contains(job.LastError, ai.ErrNotConfigured.Error()) {
		t.Errorf("AI未設定は失敗として記録されるべき: %+v", job)
	}
}

// failingJobs はListPendingが失敗するJobRepository。
type failingJobs struct {
	repository.JobRepository
}

func (failingJobs) ListPending(context.Context, int) ([]*model.EnrichmentJob, error) {
	return nil, errors.New("connection reset")
}

func TestStart_BacksOffOnErrorAndStops(t *testing.T) {
	f := newFixture(reply("{}"))
	f.worker.jobs = failingJobs{JobRepository: f.store.Jobs}

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	f.worker.Sleep = func(_ context.Context, d time.Duration) error {
		polls++
		if d != 6*time.Second {
			t.Errorf("エラー時の待機 = %v, want 6s", d)
		}
		if polls == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		f.worker.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にStartが終了しない")
	}
	if !strings.Contains(f.logs.String(), "キューのポーリングに失敗しました") {
		t.Error("ポーリングエラーがログに記録されていない")
	}
}

func TestStart_IdlePollInterval(t *testing.T) {
	f := newFixture(reply("{}"))

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	f.worker.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		cancel()
		return context.Canceled
	}

	f.worker.Start(ctx)

	if len(waits) != 1 || waits[0] != 3*time.Second {
		t.Errorf("空のキューでの待機 = %v, want [3s]", waits)
	}
}

func TestRunOnce_InFlightJobFinishesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	completer := &mockCompleter{completeFunc: func(c context.Context, _ ai.Request) (string, error) {
		cancel()
		if c.Err() != nil {
			return "", c.Err()
		}
		return `{"sentiment":"negative"}`, nil
	}}
	f := newFixture(completer)
	f.addArticle(t, "a1")
	f.addArticle(t, "a2")
	f.addJob(t, "j1", "a1", 1, 0)
	f.addJob(t, "j2", "a2", 2, 0)

	n, err := f.worker.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセル後は次のジョブに進まずエラーを返すべき: %v", err)
	}
	if n != 1 {
		t.Errorf("処理件数 = %d, want 1", n)
	}

	a, _ := f.store.Articles.FindByID(context.Background(), "a1")
	if a.Sentiment != model.SentimentNegative || f.store.Jobs.Get("j1") != nil {
		t.Error("開始済みのジョブは最後まで処理されるべき")
	}
	if f.store.Jobs.Get("j2") == nil {
		t.Error("キャンセル後に新しいジョブを処理してはならない")
	}
}
