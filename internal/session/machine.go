// Package session はセッションエンジンを提供する。
// セッション単位の状態機械、プロセス全体のレジストリ、統計ストリームの配信、
// それらを束ねるEngineを含む。
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/breathwork/internal/breath"
	"github.com/hitoshi/breathwork/internal/model"
)

// DefaultTimestampEpsilon は単調増加でないタイムスタンプを補正する際の加算幅。
const DefaultTimestampEpsilon = time.Millisecond

// Config はセッション単位の解析設定。
type Config struct {
	Classifier        breath.ClassifierConfig
	CalibrationCycles int
	Alpha             float64
	StreamBuffer      int
	TimestampEpsilon  time.Duration
}

// DefaultConfig はデフォルトの解析設定を返す。
func DefaultConfig() Config {
	return Config{
		Classifier:        breath.DefaultClassifierConfig(),
		CalibrationCycles: breath.DefaultCalibrationCycles,
		Alpha:             breath.DefaultAlpha,
		StreamBuffer:      DefaultStreamBuffer,
		TimestampEpsilon:  DefaultTimestampEpsilon,
	}
}

// IngestResult はサンプル取り込みの結果。
type IngestResult struct {
	Snapshot model.SessionSnapshot
	Accepted int
	Cycles   []model.BreathCycle
}

// Machine は1セッションのライフサイクルを所有する状態機械。
// 状態の変更はすべてmuの下で行い、セッションの唯一の書き込み手となる。
// 読み取りはatomicに公開される不変スナップショットを参照するため、書き込み途中の状態は見えない。
type Machine struct {
	desc model.Session
	cfg  Config

	mu           sync.Mutex
	state        model.SessionState
	breathCount  int
	phase        model.Phase
	confidence   float64
	calibrated   bool
	baseline     time.Duration
	lastSample   time.Time
	lastActivity time.Time
	endedAt      time.Time
	endReason    string
	reported     model.CompletionRequest
	summary      *model.CompletionSummary

	classifier *breath.Classifier
	calibrator *breath.Calibrator
	scorer     *breath.Scorer

	hub  *Hub
	snap atomic.Pointer[model.SessionSnapshot]
}

// NewMachine はIdle状態のMachineを生成する。
func NewMachine(desc model.Session, cfg Config, onDrop DropFunc) *Machine {
	if cfg.TimestampEpsilon <= 0 {
		cfg.TimestampEpsilon = DefaultTimestampEpsilon
	}
	m := &Machine{
		desc:         desc,
		cfg:          cfg,
		state:        model.StateIdle,
		phase:        model.PhaseIdle,
		lastActivity: desc.StartedAt,
		classifier:   breath.NewClassifier(cfg.Classifier),
		calibrator:   breath.NewCalibrator(cfg.CalibrationCycles),
		scorer:       breath.NewScorer(cfg.Alpha),
		hub:          NewHub(cfg.StreamBuffer, onDrop),
	}
	m.storeSnapshotLocked()
	return m
}

// Session はセッションの不変属性を返す。
func (m *Machine) Session() model.Session {
	return m.desc
}

// Snapshot は直近に公開されたスナップショットを返す。ロックを取らない。
func (m *Machine) Snapshot() model.SessionSnapshot {
	return *m.snap.Load()
}

// Subscribe はpushストリームの購読を登録する。
func (m *Machine) Subscribe() *Subscription {
	return m.hub.Subscribe()
}

// Subscribers は現在の購読者数を返す。
func (m *Machine) Subscribers() int {
	return m.hub.Len()
}

// Ingest はサンプルを到着順に取り込む。
// 終端状態のセッションはサンプルを受け付けずUNKNOWN_SESSIONを返す。
// 直前に受理したサンプル以下のタイムスタンプは直前+epsilonに補正する。
func (m *Machine) Ingest(samples []model.Sample, now time.Time) (IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsTerminal() {
		return IngestResult{}, model.NewUnknownSessionError(m.desc.ID)
	}

	m.lastActivity = now

	var result IngestResult
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		if !m.lastSample.IsZero() && !s.Timestamp.After(m.lastSample) {
			s.Timestamp = m.lastSample.Add(m.cfg.TimestampEpsilon)
		}
		m.lastSample = s.Timestamp
		m.confidence = s.DetectionConfidence()
		result.Accepted++

		if m.state == model.StateIdle {
			m.state = model.StateStarted
		}

		tr, ok := m.classifier.Process(s)
		if !ok {
			continue
		}
		m.phase = tr.To
		if tr.Cycle == nil {
			continue
		}
		// サイクルフレームはそのサイクル完了直後の状態を運ぶ
		cycle := m.completeCycleLocked(*tr.Cycle)
		result.Cycles = append(result.Cycles, cycle)
		m.hub.Publish(model.StreamFrame{
			Kind:     model.FrameCycle,
			Snapshot: m.storeSnapshotLocked(),
			Cycle:    &cycle,
		})
	}

	result.Snapshot = m.storeSnapshotLocked()
	return result, nil
}

// completeCycleLocked は完了サイクルを採点し、キャリブレーションを進める。
// 採点はキャリブレーション更新より先に行うため、キャリブレーションを完了させたサイクル自体は目標周期で採点される。
func (m *Machine) completeCycleLocked(c model.BreathCycle) model.BreathCycle {
	m.breathCount++
	c.Number = m.breathCount
	c.Reference = m.referenceLocked()
	c.Score = breath.CycleScore(c.Duration, c.Reference)
	m.scorer.Observe(c.Score)

	if m.state == model.StateStarted {
		m.state = model.StateCalibrating
	}
	if m.state == model.StateCalibrating {
		if baseline, done := m.calibrator.Observe(c.Duration); done {
			m.calibrated = true
			m.baseline = baseline
			m.state = model.StateActive
		}
	}
	return c
}

func (m *Machine) referenceLocked() time.Duration {
	if m.calibrated {
		return m.baseline
	}
	return m.desc.TargetBreathDuration
}

// Complete はセッションを明示的に完了させる。
// 完了済みのセッションに対しては最初の完了結果をそのまま返し、状態を変更しない（冪等）。
// 中断済みのセッションはALREADY_COMPLETEDを返す。
// 初回完了時のみ永続化用のレコードを返す。
func (m *Machine) Complete(req model.CompletionRequest, now time.Time) (model.CompletionSummary, *model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case model.StateCompleted:
		return *m.summary, nil, nil
	case model.StateAborted:
		return model.CompletionSummary{}, nil, model.NewAlreadyCompletedError(m.desc.ID)
	}

	m.reported = req
	m.terminateLocked(model.StateCompleted, "completed", now)

	snap := m.Snapshot()
	m.summary = &model.CompletionSummary{
		SessionID:        m.desc.ID,
		UserID:           m.desc.OwnerID,
		SessionType:      m.desc.Type,
		ContentID:        m.desc.ContentID,
		StartedAt:        m.desc.StartedAt,
		CompletedAt:      now,
		DurationSeconds:  req.DurationSeconds,
		TotalBreaths:     req.TotalBreaths,
		BreathCount:      m.breathCount,
		AvgConsistency:   snap.Consistency,
		IsCalibrated:     m.calibrated,
		BaselineDuration: m.baseline,
	}

	rec := m.recordLocked()
	return *m.summary, &rec, nil
}

// Abort は非終端のセッションを中断する。
// 既に終端状態の場合は何もせずfalseを返す。
func (m *Machine) Abort(reason string, now time.Time) (*model.SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsTerminal() {
		return nil, false
	}
	m.terminateLocked(model.StateAborted, reason, now)
	rec := m.recordLocked()
	return &rec, true
}

// AbortIfIdle は最終アクティビティからtimeout以上経過している場合にのみセッションを中断する。
// 判定はmuの下で行うため、判定直前に届いたサンプルで更新された最終アクティビティが反映される。
func (m *Machine) AbortIfIdle(reason string, timeout time.Duration, now time.Time) (*model.SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsTerminal() || now.Sub(m.lastActivity) < timeout {
		return nil, false
	}
	m.terminateLocked(model.StateAborted, reason, now)
	rec := m.recordLocked()
	return &rec, true
}

// terminateLocked は終端状態に遷移し、終端フレームを配信して購読をすべて閉じる。
func (m *Machine) terminateLocked(state model.SessionState, reason string, now time.Time) {
	m.state = state
	m.endedAt = now
	m.endReason = reason
	m.lastActivity = now

	snap := m.storeSnapshotLocked()
	m.hub.Close(model.StreamFrame{
		Kind:     model.FrameTerminal,
		Snapshot: snap,
	})
}

func (m *Machine) storeSnapshotLocked() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		SessionID:        m.desc.ID,
		OwnerID:          m.desc.OwnerID,
		Type:             m.desc.Type,
		State:            m.state,
		BreathCount:      m.breathCount,
		CurrentPhase:     m.phase,
		SignalConfidence: m.confidence,
		IsCalibrated:     m.calibrated,
		BaselineDuration: m.baseline,
		Completed:        m.state == model.StateCompleted,
		StartedAt:        m.desc.StartedAt,
		LastActivityAt:   m.lastActivity,
		EndedAt:          m.endedAt,
		EndReason:        m.endReason,
	}
	if avg, ok := m.scorer.Average(); ok {
		snap.Consistency = &avg
	}
	m.snap.Store(&snap)
	return snap
}

func (m *Machine) recordLocked() model.SessionRecord {
	snap := m.Snapshot()
	return model.SessionRecord{
		ID:                   m.desc.ID,
		UserID:               m.desc.OwnerID,
		SessionType:          m.desc.Type,
		ContentID:            m.desc.ContentID,
		TargetBreathDuration: m.desc.TargetBreathDuration,
		State:                m.state,
		EndReason:            m.endReason,
		BreathCount:          m.breathCount,
		ReportedBreaths:      m.reported.TotalBreaths,
		ReportedDuration:     m.reported.DurationSeconds,
		AvgConsistency:       snap.Consistency,
		IsCalibrated:         m.calibrated,
		BaselineDuration:     m.baseline,
		StartedAt:            m.desc.StartedAt,
		EndedAt:              m.endedAt,
	}
}
