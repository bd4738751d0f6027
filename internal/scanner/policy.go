package scanner

import (
	"slices"
	"time"

	"quizscan/internal/camera"
)

// RetryPolicy はデバイス取得の再試行方針
type RetryPolicy struct {
	MaxAttempts int                 // 初回を含む試行回数
	Delay       time.Duration       // 再試行までの待機時間
	Classes     []camera.FaultClass // 再試行の対象となる失敗分類
}

// DefaultRetryPolicy は一時的な失敗のみを120ms後に1回だけ再試行する
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Delay:       120 * time.Millisecond,
		Classes:     []camera.FaultClass{camera.FaultTransient},
	}
}

// Retryable はエラーが再試行の対象か判定する
func (p RetryPolicy) Retryable(err error) bool {
	class := camera.FaultClassOf(err)
	return class != "" && slices.Contains(p.Classes, class)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
