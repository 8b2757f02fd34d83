package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule はニュース取得の既定スケジュール（6時間ごと）。
const DefaultSchedule = "0 */6 * * *"

// Runner はパイプラインの実行インターフェース。
type Runner interface {
	Run(ctx context.Context) RunResult
	IsRunning() bool
	LastRun() time.Time
}

// CronStatus はスケジューラの状態。ヘルスチェックとステータスAPIで返す。
type CronStatus struct {
	Healthy   bool    `json:"healthy"`
	Enabled   bool    `json:"enabled"`
	Scheduled bool    `json:"scheduled"`
	Running   bool    `json:"running"`
	LastRun   *string `json:"lastRun"`
	Schedule  string  `json:"schedule"`
}

// SchedulerOptions はSchedulerの設定。
type SchedulerOptions struct {
	Enabled         bool
	Schedule        string
	RunInitialFetch bool
}

// Scheduler はcron式に従ってパイプラインを定期実行する。
type Scheduler struct {
	runner Runner
	logger *slog.Logger
	opts   SchedulerOptions

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
	wg   sync.WaitGroup
}

// NewScheduler はSchedulerを生成する。Scheduleが空の場合は6時間ごとになる。
func NewScheduler(runner Runner, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if strings.TrimSpace(opts.Schedule) == "" {
		opts.Schedule = DefaultSchedule
	}
	return &Scheduler{
		runner: runner,
		logger: logger,
		opts:   opts,
	}
}

// disabledSchedule はスケジュール文字列が無効化指定かどうかを返す。
func disabledSchedule(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disabled":
		return true
	}
	return false
}

// Start はcronジョブを登録して開始する。
// 無効化されている場合は何もせずnilを返す。不正なcron式はエラーになる。
// 各実行にはctxが渡され、ctxのキャンセルで実行中のパイプラインも中断する。
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.opts.Enabled {
		s.logger.Info("cronは無効です")
		return nil
	}
	if disabledSchedule(s.opts.Schedule) {
		s.logger.Info("cronスケジュールが設定されていません",
			slog.String("schedule", s.opts.Schedule),
		)
		return nil
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		s.logger.Info("cronは既に登録されています")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.runScheduled() }); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron式が不正です: %q: %w", s.opts.Schedule, err)
	}
	s.cron = c
	s.ctx = ctx
	s.mu.Unlock()

	c.Start()
	s.logger.Info("cronを登録しました", slog.String("schedule", s.opts.Schedule))

	if s.opts.RunInitialFetch {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("初回のニュース取得を実行します")
			s.logResult(s.runner.Run(ctx))
		}()
	}
	return nil
}

func (s *Scheduler) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.logResult(s.runner.Run(ctx))
}

func (s *Scheduler) logResult(res RunResult) {
	switch {
	case res.Skipped:
		s.logger.Info("定期実行をスキップしました", slog.String("reason", res.Reason))
	case !res.Success:
		s.logger.Error("定期実行が失敗しました", slog.String("error", res.Error))
	}
}

// Stop はcronを停止し、実行中のジョブの終了を待つ。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.logger.Info("cronを停止しました")
	}
	s.wg.Wait()
}

// RunNow はスケジュールとは別にパイプラインを即時実行する。手動トリガー用。
func (s *Scheduler) RunNow(ctx context.Context) RunResult {
	return s.runner.Run(ctx)
}

// IsRunning はパイプラインが実行中かどうかを返す。
func (s *Scheduler) IsRunning() bool {
	return s.runner.IsRunning()
}

// LastRun は最後に実行を開始した時刻を返す。
func (s *Scheduler) LastRun() time.Time {
	return s.runner.LastRun()
}

// Status は現在のスケジューラの状態を返す。
func (s *Scheduler) Status() CronStatus {
	s.mu.Lock()
	scheduled := s.cron != nil
	s.mu.Unlock()

	status := CronStatus{
		Healthy:   true,
		Enabled:   s.opts.Enabled,
		Scheduled: scheduled,
		Running:   s.runner.IsRunning(),
		Schedule:  s.opts.Schedule,
	}
	if last := s.runner.LastRun(); !last.IsZero() {
		ts := last.UTC().Format("2006-01-02T15:04:05.000Z")
		status.LastRun = &ts
	}
	return status
}
