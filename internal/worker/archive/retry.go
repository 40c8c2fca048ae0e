package archive

import "time"

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 5 * time.Second
	// DefaultMaxAttempts は1レコードあたりの最大保存試行回数。
	DefaultMaxAttempts = 3
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回200ms、2倍ずつ増加、最大5秒。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
