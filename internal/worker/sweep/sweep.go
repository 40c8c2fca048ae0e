// Package sweep はセッションレジストリの定期スイープジョブを提供する。
// アイドルタイムアウトを超えたセッションを中断し、
// 猶予期間を過ぎた終端セッションをレジストリから削除する。
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/breathwork/internal/session"
)

// DefaultInterval はスイープ間隔のデフォルト値。
const DefaultInterval = 60 * time.Second

// Sweeper はスイープ対象のインターフェース。*session.Engine が実装する。
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) session.SweepResult
}

// SweepJob はレジストリの定期スイープジョブ。
type SweepJob struct {
	target Sweeper
	logger *slog.Logger
	Now    func() time.Time
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(target Sweeper, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		target: target,
		logger: logger,
		Now:    time.Now,
	}
}

// Start は指定間隔のティッカーでスイープを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションスイープを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションスイープを停止しました")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce はスイープを1回実行する。
func (j *SweepJob) RunOnce(ctx context.Context) session.SweepResult {
	start := time.Now()
	result := j.target.Sweep(ctx, j.Now())

	level := slog.LevelDebug
	if result.Aborted > 0 || result.Evicted > 0 {
		level = slog.LevelInfo
	}
	j.logger.Log(ctx, level, "セッションスイープが完了しました",
		slog.Int("aborted_count", result.Aborted),
		slog.Int("evicted_count", result.Evicted),
		slog.Int("live_count", result.Live),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result
}
