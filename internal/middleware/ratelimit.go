package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/trendboard/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
// Window あたり Max リクエストを、トークンバケット(rate = Max/Window, burst = Max)で近似する。
type RateLimiterConfig struct {
	Window          time.Duration // API全般のウィンドウ（RATE_LIMIT_WINDOW_MS）
	Max             int           // API全般のウィンドウあたり上限（RATE_LIMIT_MAX）
	StrictWindow    time.Duration // 手動フェッチ用のウィンドウ
	StrictMax       int           // 手動フェッチ用のウィンドウあたり上限
	ExemptPaths     []string      // API全般の制限対象外パス
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 100 req/15min/IP、手動フェッチ 10 req/hour/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Window:          15 * time.Minute,
		Max:             100,
		StrictWindow:    time.Hour,
		StrictMax:       10,
		ExemptPaths:     []string{"/api/health"},
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はクライアントIPごとのリミッターの集合。
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*clientLimiter
}

func newLimiterSet(window time.Duration, n int) *limiterSet {
	if n <= 0 {
		n = 1
	}
	return &limiterSet{
		limit:    rate.Every(window / time.Duration(n)),
		burst:    n,
		limiters: make(map[string]*clientLimiter),
	}
}

// get はクライアントのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cl, ok := s.limiters[key]; ok {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &clientLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// API全般のレート制限と手動フェッチ用の厳しいレート制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	logger  *slog.Logger
	general *limiterSet
	strict  *limiterSet
	exempt  map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	d := DefaultRateLimiterConfig()
	if config.Window <= 0 {
		config.Window = d.Window
	}
	if config.StrictWindow <= 0 {
		config.StrictWindow = d.StrictWindow
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}

	rl := &RateLimiter{
		config:  config,
		logger:  logger,
		general: newLimiterSet(config.Window, config.Max),
		strict:  newLimiterSet(config.StrictWindow, config.StrictMax),
		exempt:  make(map[string]bool, len(config.ExemptPaths)),
		stopCh:  make(chan struct{}),
	}
	for _, p := range config.ExemptPaths {
		rl.exempt[p] = true
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// ExemptPathsに含まれるパスは制限しない。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			if !rl.general.get(ip).Allow() {
				rl.logger.Warn("rate limit exceeded",
					slog.String("ip", ip),
					slog.String("limit_type", "general"),
				)
				writeRateLimitResponse(w, rl.config.Window, ErrorDetail{
					Code:     model.ErrCodeRateLimitExceeded,
					Message:  "Too many requests. Please try again later.",
					Category: "system",
					Action:   "Please wait and retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StrictMiddleware は手動フェッチ専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) StrictMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !rl.strict.get(ip).Allow() {
				rl.logger.Warn("rate limit exceeded",
					slog.String("ip", ip),
					slog.String("limit_type", "strict"),
				)
				writeRateLimitResponse(w, rl.config.StrictWindow, ErrorDetail{
					Code:     model.ErrCodeStrictRateLimit,
					Message:  "Rate limit exceeded for this operation.",
					Category: "system",
					Action:   "Please wait and retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.size()
}

// StrictLimiterCount は現在管理されている手動フェッチ用リミッターのエントリ数を返す。
func (rl *RateLimiter) StrictLimiterCount() int {
	return rl.strict.size()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからウィンドウ以上経過したエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.general.evictIdle(now, max(rl.config.Window, rl.config.CleanupInterval*2))
	rl.strict.evictIdle(now, max(rl.config.StrictWindow, rl.config.CleanupInterval*2))
}

// ClientIP はリクエスト元のIPアドレスを返す。
// chiのRealIPミドルウェアの後に配置すると、X-Forwarded-For等が反映される。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーとボディにはウィンドウの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, window time.Duration, detail ErrorDetail) {
	retryAfterSec := int(math.Ceil(window.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	detail.RetryAfter = retryAfterSec

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	writeError(w, http.StatusTooManyRequests, detail)
}
