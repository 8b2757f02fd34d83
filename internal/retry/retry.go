// Package retry は外部呼び出し向けの指数バックオフ付きリトライを提供する。
package retry

import (
	"context"
	"errors"
	"time"
)

const (
	defaultRetries    = 3
	defaultMinTimeout = 1 * time.Second
	defaultMaxTimeout = 30 * time.Second
)

// Options はリトライの挙動を指定する。
type Options struct {
	// Retries は初回を含む総試行回数。
	Retries int
	// MinTimeout は1回目の待機時間。以降は2倍ずつ増える。
	MinTimeout time.Duration
	// MaxTimeout は待機時間の上限。
	MaxTimeout time.Duration
	// OnRetry は各待機の直前に呼ばれる。attemptは失敗した試行の番号(1始まり)。
	OnRetry func(attempt int, err error)
	// Retryable がfalseを返したエラーは即座に返す。nilの場合はすべてリトライ対象。
	Retryable func(err error) bool
	// Sleep は待機処理。テストで差し替える。nilの場合はctxでキャンセル可能なタイマーを使う。
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = defaultRetries
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = defaultMinTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = defaultMaxTimeout
	}
	if o.MaxTimeout < o.MinTimeout {
		o.MaxTimeout = o.MinTimeout
	}
	if o.Sleep == nil {
		o.Sleep = Sleep
	}
	return o
}

// CalculateBackoff はattempt回目(1始まり)の失敗後の待機時間を返す。
// min * 2^(attempt-1) を max で打ち切る。ジッターは入れない。
func CalculateBackoff(attempt int, min, max time.Duration) time.Duration {
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Do はopを最大Retries回実行し、最初の成功で返る。
// すべて失敗した場合は最後のエラーを返す。
// 待機中にctxがキャンセルされた場合はctx.Err()と最後のエラーを結合して返す。
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.Retries {
			break
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr)
		}
		if err := opts.Sleep(ctx, CalculateBackoff(attempt, opts.MinTimeout, opts.MaxTimeout)); err != nil {
			return errors.Join(err, lastErr)
		}
	}
	return lastErr
}

// Value はDoの値を返す版。
func Value[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var result T
	err := Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, opts)
	return result, err
}

// Sleep はdだけ待機する。ctxがキャンセルされた場合はctx.Err()を返す。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
