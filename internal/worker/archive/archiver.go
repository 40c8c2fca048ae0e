// Package archive は終了済みセッションの非同期永続化を提供する。
// セッションエンジンのホットパスでI/Oを行わないよう、
// 有界キューでレコードを受け取り、単一のゴルーチンでリポジトリに保存する。
package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/breathwork/internal/model"
	"github.com/hitoshi/breathwork/internal/repository"
)

const (
	// DefaultQueueSize は永続化キューのデフォルト容量。
	DefaultQueueSize = 256
	// DefaultDrainTimeout は停止時にキューを排出する時間の上限。
	DefaultDrainTimeout = 10 * time.Second
)

// Recorder は永続化結果のメトリクス記録インターフェース。
type Recorder interface {
	RecordArchiveSaved()
	RecordArchiveFailure()
}

// Archiver は終了済みセッションを非同期に永続化する。
type Archiver struct {
	repo    repository.MeditationSessionRepository
	logger  *slog.Logger
	metrics Recorder

	mu     sync.RWMutex
	queue  chan model.SessionRecord
	closed bool

	MaxAttempts  int
	DrainTimeout time.Duration
	// Sleep はリトライ間の待機。テストで差し替える。
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewArchiver は新しいArchiverを生成する。queueSizeが0以下の場合はデフォルト値を使用する。
func NewArchiver(repo repository.MeditationSessionRepository, queueSize int, metrics Recorder, logger *slog.Logger) *Archiver {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Archiver{
		repo:         repo,
		logger:       logger,
		metrics:      metrics,
		queue:        make(chan model.SessionRecord, queueSize),
		MaxAttempts:  DefaultMaxAttempts,
		DrainTimeout: DefaultDrainTimeout,
		Sleep:        sleepContext,
	}
}

// Enqueue はレコードを永続化キューに投入する。ブロックしない。
// キューが満杯、または停止済みの場合はfalseを返す。
func (a *Archiver) Enqueue(rec model.SessionRecord) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}
	select {
	case a.queue <- rec:
		return true
	default:
		a.recordFailure()
		a.logger.Error("永続化キューが満杯のためレコードを破棄しました",
			slog.String("session_id", rec.ID),
			slog.Int("queue_size", cap(a.queue)),
		)
		return false
	}
}

// Pending はキューに残っているレコード数を返す。
func (a *Archiver) Pending() int {
	return len(a.queue)
}

// Run はキューのレコードを保存し続ける。
// コンテキストがキャンセルされると新規の受け付けを停止し、
// DrainTimeoutを上限として残りのレコードを保存してから戻る。
func (a *Archiver) Run(ctx context.Context) {
	a.logger.Info("セッション永続化ワーカーを開始しました",
		slog.Int("queue_size", cap(a.queue)),
	)

	for {
		select {
		case <-ctx.Done():
			a.drain(ctx)
			return
		case rec := <-a.queue:
			a.save(ctx, rec)
		}
	}
}

func (a *Archiver) drain(ctx context.Context) {
	a.mu.Lock()
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.DrainTimeout)
	defer cancel()

	drained := 0
	for rec := range a.queue {
		if drainCtx.Err() != nil {
			a.recordFailure()
			a.logger.Error("停止時のキュー排出がタイムアウトしました",
				slog.String("session_id", rec.ID),
			)
			continue
		}
		a.save(drainCtx, rec)
		drained++
	}

	a.logger.Info("セッション永続化ワーカーを停止しました",
		slog.Int("drained_count", drained),
	)
}

// save はレコードを保存する。失敗時は指数バックオフで最大MaxAttempts回まで試行する。
func (a *Archiver) save(ctx context.Context, rec model.SessionRecord) {
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := a.Sleep(ctx, CalculateBackoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		inserted, err := a.repo.Save(ctx, &rec)
		if err == nil {
			if a.metrics != nil {
				a.metrics.RecordArchiveSaved()
			}
			a.logger.Debug("セッションを保存しました",
				slog.String("session_id", rec.ID),
				slog.String("state", string(rec.State)),
				slog.Bool("inserted", inserted),
			)
			return
		}
		lastErr = err
		a.logger.Warn("セッションの保存に失敗しました",
			slog.String("session_id", rec.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	a.recordFailure()
	a.logger.Error("セッションの保存を断念しました",
		slog.String("session_id", rec.ID),
		slog.Int("max_attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
}

func (a *Archiver) recordFailure() {
	if a.metrics != nil {
		a.metrics.RecordArchiveFailure()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
