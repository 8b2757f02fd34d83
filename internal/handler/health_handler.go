package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/trendboard/internal/middleware"
	"github.com/hitoshi/trendboard/internal/worker/fetch"
)

// healthCheckTimeout はストア疎通確認のタイムアウト。
const healthCheckTimeout = 3 * time.Second

// StorePinger はストアの疎通を確認する。
type StorePinger func(ctx context.Context) error

// CronStatusProvider はスケジューラの状態を返す。
type CronStatusProvider interface {
	Status() fetch.CronStatus
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	ping        StorePinger
	cron        CronStatusProvider
	environment string
	startedAt   time.Time
	logger      *slog.Logger

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。pingがnilの場合はストアを常に正常とみなす。
func NewHealthHandler(ping StorePinger, cron CronStatusProvider, environment string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		ping:        ping,
		cron:        cron,
		environment: environment,
		startedAt:   time.Now(),
		logger:      logger,
		Now:         time.Now,
	}
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status      string           `json:"status"`
	Timestamp   string           `json:"timestamp"`
	Uptime      int64            `json:"uptime"`
	Environment string           `json:"environment"`
	Store       bool             `json:"store"`
	Cron        fetch.CronStatus `json:"cron"`
}

// Health はストアの疎通とcronの状態を返す。ストアに接続できない場合は503を返す。
// GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	storeOK := true
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("health check: store unreachable", slog.String("error", err.Error()))
			storeOK = false
		}
	}

	var cron fetch.CronStatus
	if h.cron != nil {
		cron = h.cron.Status()
	}

	now := h.Now()
	resp := healthResponse{
		Status:      "ok",
		Timestamp:   now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Uptime:      int64(now.Sub(h.startedAt).Seconds()),
		Environment: h.environment,
		Store:       storeOK,
		Cron:        cron,
	}

	status := http.StatusOK
	if !storeOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, resp)
}
