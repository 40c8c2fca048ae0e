package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/breathwork/internal/model"
)

const (
	// DefaultIdleTimeout はサンプル未受信のセッションを中断するまでの時間のデフォルト値。
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultCompletedGrace は終端セッションを最終統計の読み取り用に残す時間のデフォルト値。
	DefaultCompletedGrace = 30 * time.Second
)

// 中断理由
const (
	AbortReasonIdleTimeout = "idle_timeout"
	AbortReasonDisconnect  = "client_disconnect"
	AbortReasonShutdown    = "shutdown"
)

// Archiver は終端セッションの永続化を非同期に引き受けるインターフェース。
// Enqueueはブロックしてはならない。受け付けられなかった場合はfalseを返す。
type Archiver interface {
	Enqueue(rec model.SessionRecord) bool
}

// Recorder はエンジンのメトリクス記録インターフェース。
type Recorder interface {
	RecordSessionStarted(sessionType string)
	RecordSessionFinished(outcome string)
	RecordSamplesIngested(count int)
	RecordCycleCompleted(score float64)
	RecordFrameDropped()
	SetActiveSessions(count int)
}

// EngineConfig はEngineの設定。
type EngineConfig struct {
	Session        Config
	IdleTimeout    time.Duration
	CompletedGrace time.Duration
}

// DefaultEngineConfig はデフォルトのEngine設定を返す。
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Session:        DefaultConfig(),
		IdleTimeout:    DefaultIdleTimeout,
		CompletedGrace: DefaultCompletedGrace,
	}
}

// SweepResult は1回のスイープの結果。
type SweepResult struct {
	Aborted int
	Evicted int
	Live    int
}

// Engine はセッションエンジンのトップレベル。
// レジストリを所有し、開始・サンプル取り込み・完了・統計・購読・退避のすべての操作の入口となる。
// 起動時に空のレジストリで生成し、Shutdownで進行中のセッションを中断して永続化に引き渡す。
type Engine struct {
	cfg      EngineConfig
	registry *Registry
	archiver Archiver
	metrics  Recorder
	logger   *slog.Logger

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
	// NewID はセッションIDを生成する。テストで差し替える。
	NewID func() string
}

// NewEngine は新しいEngineを生成する。archiverとmetricsはnilでもよい。
func NewEngine(cfg EngineConfig, archiver Archiver, metrics Recorder, logger *slog.Logger) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CompletedGrace < 0 {
		cfg.CompletedGrace = DefaultCompletedGrace
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		registry: NewRegistry(),
		archiver: archiver,
		metrics:  metrics,
		logger:   logger,
		Now:      time.Now,
		NewID:    func() string { return uuid.New().String() },
	}
}

// Len はレジストリに登録されているセッション数を返す。
func (e *Engine) Len() int {
	return e.registry.Len()
}

// Start は新しいセッションを作成してレジストリに登録する。
// 目標呼吸周期が0以下の場合はセッションを作成せずINVALID_ARGUMENTを返す。
func (e *Engine) Start(ctx context.Context, ownerID string, req model.StartRequest) (model.Session, error) {
	if ownerID == "" {
		return model.Session{}, model.NewInvalidArgumentError("ユーザーIDがありません")
	}
	if req.TargetBreathDuration <= 0 {
		return model.Session{}, model.NewInvalidArgumentError("target_breath_duration は0より大きい値を指定してください")
	}
	if !req.Type.Valid() {
		return model.Session{}, model.NewInvalidArgumentError(fmt.Sprintf("未知のsession_typeです: %s", req.Type))
	}

	desc := model.Session{
		ID:                   e.NewID(),
		OwnerID:              ownerID,
		Type:                 req.Type,
		ContentID:            req.ContentID,
		TargetBreathDuration: req.TargetBreathDuration,
		StartedAt:            e.Now(),
	}

	m := NewMachine(desc, e.cfg.Session, e.dropHandler())
	if err := e.registry.Add(m); err != nil {
		return model.Session{}, fmt.Errorf("failed to register session: %w", err)
	}

	e.metrics.RecordSessionStarted(string(desc.Type))
	e.metrics.SetActiveSessions(e.registry.Len())

	e.logger.InfoContext(ctx, "セッションを開始しました",
		slog.String("session_id", desc.ID),
		slog.String("user_id", ownerID),
		slog.String("session_type", string(desc.Type)),
		slog.Float64("target_breath_duration", desc.TargetBreathDuration.Seconds()),
	)

	return desc, nil
}

// Ingest はサンプルをセッションに取り込む。
// 未登録・他ユーザー所有・終端状態のセッションにはUNKNOWN_SESSIONを返す。
func (e *Engine) Ingest(ctx context.Context, ownerID, sessionID string, samples []model.Sample) (IngestResult, error) {
	m, err := e.lookup(ownerID, sessionID)
	if err != nil {
		return IngestResult{}, err
	}

	result, err := m.Ingest(samples, e.Now())
	if err != nil {
		return IngestResult{}, err
	}

	e.metrics.RecordSamplesIngested(result.Accepted)
	for _, c := range result.Cycles {
		e.metrics.RecordCycleCompleted(c.Score)
	}
	return result, nil
}

// Complete はセッションを完了させ、最終サマリーを返す。
// 同じセッションへの繰り返しの完了要求は最初の結果を返す。
func (e *Engine) Complete(ctx context.Context, ownerID, sessionID string, req model.CompletionRequest) (model.CompletionSummary, error) {
	if req.DurationSeconds < 0 {
		return model.CompletionSummary{}, model.NewInvalidArgumentError("duration_seconds は0以上を指定してください")
	}
	if req.TotalBreaths < 0 {
		return model.CompletionSummary{}, model.NewInvalidArgumentError("total_breaths は0以上を指定してください")
	}

	m, err := e.lookup(ownerID, sessionID)
	if err != nil {
		return model.CompletionSummary{}, err
	}

	summary, rec, err := m.Complete(req, e.Now())
	if err != nil {
		return model.CompletionSummary{}, err
	}
	if rec != nil {
		e.metrics.RecordSessionFinished(string(model.StateCompleted))
		e.handOff(*rec)
		e.logger.InfoContext(ctx, "セッションが完了しました",
			slog.String("session_id", sessionID),
			slog.String("user_id", ownerID),
			slog.Int("breath_count", summary.BreathCount),
			slog.Int("total_breaths", summary.TotalBreaths),
		)
	}
	return summary, nil
}

// Stats はセッションの現在（終端後は最終）のスナップショットを返す。
func (e *Engine) Stats(ctx context.Context, ownerID, sessionID string) (model.SessionSnapshot, error) {
	m, err := e.lookup(ownerID, sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	return m.Snapshot(), nil
}

// Subscribe はセッションのpushストリームを購読する。
// 呼び出し側は不要になった時点でSubscription.Closeを呼ぶこと。
func (e *Engine) Subscribe(ctx context.Context, ownerID, sessionID string) (*Subscription, error) {
	m, err := e.lookup(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.Subscribe(), nil
}

// Abort は進行中のセッションを中断する。既に終端状態の場合は何もしない。
func (e *Engine) Abort(ctx context.Context, ownerID, sessionID, reason string) error {
	m, err := e.lookup(ownerID, sessionID)
	if err != nil {
		return err
	}
	e.abort(ctx, m, reason, e.Now())
	return nil
}

// Sweep はアイドルタイムアウトを超えたセッションを中断し、猶予期間を過ぎた終端セッションをレジストリから削除する。
func (e *Engine) Sweep(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	e.registry.Range(func(m *Machine) bool {
		snap := m.Snapshot()
		if snap.State.IsTerminal() {
			if now.Sub(snap.EndedAt) >= e.cfg.CompletedGrace {
				if e.registry.Remove(m) {
					result.Evicted++
				}
			}
			return true
		}
		// スナップショットでは候補を絞るだけで、中断の可否はMachineのロック下で再判定する
		if now.Sub(snap.LastActivityAt) >= e.cfg.IdleTimeout {
			rec, ok := m.AbortIfIdle(AbortReasonIdleTimeout, e.cfg.IdleTimeout, now)
			if ok {
				e.finishAbort(ctx, rec)
				result.Aborted++
			}
		}
		return true
	})

	result.Live = e.registry.Len()
	e.metrics.SetActiveSessions(result.Live)
	return result
}

// Shutdown は進行中のセッションをすべて中断して永続化に引き渡し、レジストリを空にする。
func (e *Engine) Shutdown(ctx context.Context) int {
	aborted := 0
	e.registry.Range(func(m *Machine) bool {
		if e.abort(ctx, m, AbortReasonShutdown, e.Now()) {
			aborted++
		}
		e.registry.Remove(m)
		return true
	})
	e.metrics.SetActiveSessions(e.registry.Len())
	e.logger.InfoContext(ctx, "セッションエンジンを停止しました", slog.Int("aborted", aborted))
	return aborted
}

func (e *Engine) abort(ctx context.Context, m *Machine, reason string, now time.Time) bool {
	rec, ok := m.Abort(reason, now)
	if !ok {
		return false
	}
	e.finishAbort(ctx, rec)
	return true
}

func (e *Engine) finishAbort(ctx context.Context, rec *model.SessionRecord) {
	e.metrics.RecordSessionFinished(string(model.StateAborted))
	e.handOff(*rec)
	e.logger.InfoContext(ctx, "セッションを中断しました",
		slog.String("session_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("reason", rec.EndReason),
		slog.Int("breath_count", rec.BreathCount),
	)
}

// lookup はセッションを取得する。他ユーザーのセッションは存在しないものとして扱う。
func (e *Engine) lookup(ownerID, sessionID string) (*Machine, error) {
	m, ok := e.registry.Get(sessionID)
	if !ok {
		return nil, model.NewUnknownSessionError(sessionID)
	}
	if ownerID != "" && m.Session().OwnerID != ownerID {
		return nil, model.NewUnknownSessionError(sessionID)
	}
	return m, nil
}

// handOff は終端セッションを永続化キューに引き渡す。ホットパスでI/Oを行わない。
func (e *Engine) handOff(rec model.SessionRecord) {
	if e.archiver == nil {
		return
	}
	if !e.archiver.Enqueue(rec) {
		e.logger.Error("セッションレコードの永続化キュー投入に失敗しました",
			slog.String("session_id", rec.ID),
			slog.String("state", string(rec.State)),
		)
	}
}

// dropHandler はHubとMachineのロック下で呼ばれるため、メトリクスの加算のみを行う。
// 破棄数のログは購読の終了時に購読者側がSubscription.Droppedから集計して出力する。
func (e *Engine) dropHandler() DropFunc {
	return func(*Subscription, model.StreamFrame) {
		e.metrics.RecordFrameDropped()
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStarted(string)  {}
func (nopRecorder) RecordSessionFinished(string) {}
func (nopRecorder) RecordSamplesIngested(int)    {}
func (nopRecorder) RecordCycleCompleted(float64) {}
func (nopRecorder) RecordFrameDropped()          {}
func (nopRecorder) SetActiveSessions(int)        {}
