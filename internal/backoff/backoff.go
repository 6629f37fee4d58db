// Package backoff は再試行間隔の計算を提供します。
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy は n 回目（1 始まり）の再試行までの待ち時間を返します。
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential は Initial * 2^(attempt-1) を Max で頭打ちにした範囲からランダムに待ち時間を選びます（full jitter）。
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// NoJitter が true の場合は上限値そのものを返します。
	NoJitter bool
}

// NewExponential は full jitter 付きの指数バックオフを作ります。
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay は attempt 回目の待ち時間を返します。
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.NoJitter {
		return time.Duration(base)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // ジッターに暗号論的乱数は不要
}

// Sleep は d だけ待ちます。ctx が先に終わった場合はそのエラーを返します。
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
