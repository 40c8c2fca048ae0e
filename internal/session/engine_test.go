package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/breathwork/internal/model"
)

// mockArchiver はArchiverのモック実装。
type mockArchiver struct {
	mu      sync.Mutex
	records []model.SessionRecord
	reject  bool
}

func (m *mockArchiver) Enqueue(rec model.SessionRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.records = append(m.records, rec)
	return true
}

func (m *mockArchiver) saved() []model.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SessionRecord(nil), m.records...)
}

// mockRecorder はRecorderのモック実装。
type mockRecorder struct {
	mu       sync.Mutex
	started  map[string]int
	finished map[string]int
	samples  int
	cycles   []float64
	dropped  int
	active   int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{started: map[string]int{}, finished: map[string]int{}}
}

func (m *mockRecorder) RecordSessionStarted(sessionType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[sessionType]++
}

func (m *mockRecorder) RecordSessionFinished(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[outcome]++
}

func (m *mockRecorder) RecordSamplesIngested(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples += count
}

func (m *mockRecorder) RecordCycleCompleted(score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, score)
}

func (m *mockRecorder) RecordFrameDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *mockRecorder) SetActiveSessions(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = count
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type engineFixture struct {
	engine   *Engine
	archiver *mockArchiver
	metrics  *mockRecorder
	logs     *bytes.Buffer
	now      time.Time
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	f := &engineFixture{
		archiver: &mockArchiver{},
		metrics:  newMockRecorder(),
		logs:     &bytes.Buffer{},
		now:      t0,
	}
	f.engine = NewEngine(cfg, f.archiver, f.metrics, newTestLogger(f.logs))
	f.engine.Now = func() time.Time { return f.now }
	seq := 0
	f.engine.NewID = func() string {
		seq++
		return fmt.Sprintf("session-%d", seq)
	}
	return f
}

func (f *engineFixture) start(t *testing.T, owner string) model.Session {
	t.Helper()
	s, err := f.engine.Start(context.Background(), owner, model.StartRequest{
		Type:                 model.SessionTypeFreePractice,
		TargetBreathDuration: 4 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func TestEngine_StartRegistersSession(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())

	s := f.start(t, "user-1")

	if s.ID != "session-1" || s.OwnerID != "user-1" || !s.StartedAt.Equal(t0) {
		t.Errorf("session = %+v", s)
	}
	snap, err := f.engine.Stats(context.Background(), "user-1", s.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if snap.State != model.StateIdle {
		t.Errorf("State = %q, want idle", snap.State)
	}
	if f.metrics.started["free_practice"] != 1 || f.metrics.active != 1 {
		t.Errorf("metrics = %+v", f.metrics)
	}
}

func TestEngine_StartValidation(t *testing.T) {
	tests := []struct {
		name  string
		owner string
		req   model.StartRequest
	}{
		{"zero target", "user-1", model.StartRequest{Type: model.SessionTypeGuided, TargetBreathDuration: 0}},
		{"negative target", "user-1", model.StartRequest{Type: model.SessionTypeGuided, TargetBreathDuration: -time.Second}},
		{"unknown type", "user-1", model.StartRequest{Type: "yoga", TargetBreathDuration: time.Second}},
		{"missing owner", "", model.StartRequest{Type: model.SessionTypeGuided, TargetBreathDuration: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, DefaultEngineConfig())
			_, err := f.engine.Start(context.Background(), tt.owner, tt.req)
			if !model.HasCode(err, model.ErrCodeInvalidArgument) {
				t.Errorf("err = %v, want INVALID_ARGUMENT", err)
			}
			if f.engine.Len() != 0 {
				t.Errorf("Len() = %d, want 0", f.engine.Len())
			}
		})
	}
}

func TestEngine_UnknownSession(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	ctx := context.Background()

	if _, err := f.engine.Stats(ctx, "user-1", "missing"); !model.IsUnknownSession(err) {
		t.Errorf("Stats err = %v, want UNKNOWN_SESSION", err)
	}
	if _, err := f.engine.Ingest(ctx, "user-1", "missing", nil); !model.IsUnknownSession(err) {
		t.Errorf("Ingest err = %v, want UNKNOWN_SESSION", err)
	}
	if _, err := f.engine.Complete(ctx, "user-1", "missing", model.CompletionRequest{}); !model.IsUnknownSession(err) {
		t.Errorf("Complete err = %v, want UNKNOWN_SESSION", err)
	}
	if _, err := f.engine.Subscribe(ctx, "user-1", "missing"); !model.IsUnknownSession(err) {
		t.Errorf("Subscribe err = %v, want UNKNOWN_SESSION", err)
	}
}

func TestEngine_OtherOwnerSeesUnknownSession(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	s := f.start(t, "user-1")

	if _, err := f.engine.Stats(context.Background(), "user-2", s.ID); !model.IsUnknownSession(err) {
		t.Errorf("err = %v, want UNKNOWN_SESSION", err)
	}
}

func TestEngine_IngestRecordsMetrics(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	s := f.start(t, "user-1")

	res, err := f.engine.Ingest(context.Background(), "user-1", s.ID, cycleSamples(0, 5, 4))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Cycles) != 2 {
		t.Fatalf("len(Cycles) = %d, want 2", len(res.Cycles))
	}
	if f.metrics.samples != 5 {
		t.Errorf("samples = %d, want 5", f.metrics.samples)
	}
	if len(f.metrics.cycles) != 2 || f.metrics.cycles[0] != 0.75 || f.metrics.cycles[1] != 1 {
		t.Errorf("cycles = %v, want [0.75 1]", f.metrics.cycles)
	}
}

func TestEngine_CompleteHandsOffOnce(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	ctx := context.Background()
	s := f.start(t, "user-1")
	f.engine.Ingest(ctx, "user-1", s.ID, cycleSamples(0, 4, 4))

	first, err := f.engine.Complete(ctx, "user-1", s.ID, model.CompletionRequest{DurationSeconds: 8, TotalBreaths: 2})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	second, err := f.engine.Complete(ctx, "user-1", s.ID, model.CompletionRequest{DurationSeconds: 8, TotalBreaths: 2})
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}

	if first.BreathCount != 2 || second.BreathCount != 2 {
		t.Errorf("BreathCount = %d/%d, want 2/2", first.BreathCount, second.BreathCount)
	}
	if got := len(f.archiver.saved()); got != 1 {
		t.Errorf("archived records = %d, want 1", got)
	}
	if f.metrics.finished["completed"] != 1 {
		t.Errorf("finished = %v", f.metrics.finished)
	}

	// 完了後も猶予期間中は最終統計を読める
	snap, err := f.engine.Stats(ctx, "user-1", s.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !snap.Completed {
		t.Error("Completed = false, want true")
	}
}

func TestEngine_CompleteValidation(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	s := f.start(t, "user-1")

	_, err := f.engine.Complete(context.Background(), "user-1", s.ID, model.CompletionRequest{TotalBreaths: -1})
	if !model.HasCode(err, model.ErrCodeInvalidArgument) {
		t.Errorf("err = %v, want INVALID_ARGUMENT", err)
	}
	snap, _ := f.engine.Stats(context.Background(), "user-1", s.ID)
	if snap.State.IsTerminal() {
		t.Error("不正な完了要求でセッションが終了してはならない")
	}
}

func TestEngine_SessionsDoNotCrossContaminate(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.start(t, fmt.Sprintf("user-%d", i)).ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			owner := fmt.Sprintf("user-%d", i)
			// セッションiはi+1サイクル
			seconds := make([]int, i+1)
			for j := range seconds {
				seconds[j] = 4
			}
			if _, err := f.engine.Ingest(ctx, owner, id, cycleSamples(0, seconds...)); err != nil {
				t.Errorf("Ingest(%s): %v", id, err)
			}
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		snap, err := f.engine.Stats(ctx, fmt.Sprintf("user-%d", i), id)
		if err != nil {
			t.Fatalf("Stats(%s): %v", id, err)
		}
		if snap.BreathCount != i+1 {
			t.Errorf("session %s BreathCount = %d, want %d", id, snap.BreathCount, i+1)
		}
	}
}

func TestEngine_SweepAbortsIdleSessions(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.IdleTimeout = time.Minute
	cfg.CompletedGrace = 30 * time.Second
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	idle := f.start(t, "user-1")
	f.now = t0.Add(50 * time.Second)
	busy := f.start(t, "user-2")
	f.engine.Ingest(ctx, "user-2", busy.ID, []model.Sample{{Signal: 0.5}})

	sub, _ := f.engine.Subscribe(ctx, "user-1", idle.ID)

	res := f.engine.Sweep(ctx, t0.Add(61*time.Second))
	if res.Aborted != 1 || res.Evicted != 0 || res.Live != 2 {
		t.Errorf("result = %+v, want {Aborted:1 Evicted:0 Live:2}", res)
	}

	snap, _ := f.engine.Stats(ctx, "user-1", idle.ID)
	if snap.State != model.StateAborted || snap.EndReason != AbortReasonIdleTimeout {
		t.Errorf("idle session = %q/%q", snap.State, snap.EndReason)
	}
	frames := drain(sub.Frames())
	if len(frames) != 1 || frames[0].Kind != model.FrameTerminal {
		t.Errorf("subscriber frames = %+v, want terminal frame", frames)
	}

	recs := f.archiver.saved()
	if len(recs) != 1 || recs[0].State != model.StateAborted || recs[0].ID != idle.ID {
		t.Errorf("archived = %+v", recs)
	}

	// 猶予期間後に削除される
	res = f.engine.Sweep(ctx, t0.Add(92*time.Second))
	if res.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", res.Evicted)
	}
	if _, err := f.engine.Stats(ctx, "user-1", idle.ID); !model.IsUnknownSession(err) {
		t.Errorf("err = %v, want UNKNOWN_SESSION after eviction", err)
	}
	if f.metrics.active != res.Live {
		t.Errorf("active gauge = %d, want %d", f.metrics.active, res.Live)
	}
}

func TestEngine_AbortIsNoopOnTerminal(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	ctx := context.Background()
	s := f.start(t, "user-1")
	f.engine.Complete(ctx, "user-1", s.ID, model.CompletionRequest{})

	if err := f.engine.Abort(ctx, "user-1", s.ID, AbortReasonDisconnect); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	snap, _ := f.engine.Stats(ctx, "user-1", s.ID)
	if snap.State != model.StateCompleted {
		t.Errorf("State = %q, want completed", snap.State)
	}
	if len(f.archiver.saved()) != 1 {
		t.Errorf("archived = %d, want 1", len(f.archiver.saved()))
	}
}

func TestEngine_ShutdownAbortsEverything(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	ctx := context.Background()
	f.start(t, "user-1")
	f.start(t, "user-2")
	done := f.start(t, "user-3")
	f.engine.Complete(ctx, "user-3", done.ID, model.CompletionRequest{})

	aborted := f.engine.Shutdown(ctx)

	if aborted != 2 {
		t.Errorf("aborted = %d, want 2", aborted)
	}
	if f.engine.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.engine.Len())
	}
	if got := len(f.archiver.saved()); got != 3 {
		t.Errorf("archived = %d, want 3", got)
	}
}

func TestEngine_HandOffFailureIsLogged(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig())
	f.archiver.reject = true
	s := f.start(t, "user-1")

	if _, err := f.engine.Complete(context.Background(), "user-1", s.ID, model.CompletionRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(f.logs.String(), "セッションレコードの永続化キュー投入に失敗しました") {
		t.Errorf("log = %s", f.logs.String())
	}
}

func TestEngine_FrameDropIsCountedWithoutLogging(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Session.StreamBuffer = 1
	f := newEngineFixture(t, cfg)
	ctx := context.Background()
	s := f.start(t, "user-1")

	sub, err := f.engine.Subscribe(ctx, "user-1", s.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// 購読者が読まないまま3サイクル分配信する
	f.engine.Ingest(ctx, "user-1", s.ID, cycleSamples(0, 4, 4, 4))

	if f.metrics.dropped != 2 {
		t.Errorf("dropped = %d, want 2", f.metrics.dropped)
	}
	if sub.Dropped() != 2 {
		t.Errorf("sub.Dropped() = %d, want 2", sub.Dropped())
	}
	// 配信のホットパスではログを書かない
	if logs := f.logs.String(); strings.Contains(logs, "TRANSPORT_DROPPED") || strings.Contains(logs, `"level":"WARN"`) {
		t.Errorf("log = %s", logs)
	}

	// セッション自体は影響を受けない
	snap, _ := f.engine.Stats(ctx, "user-1", s.ID)
	if snap.BreathCount != 3 {
		t.Errorf("BreathCount = %d, want 3", snap.BreathCount)
	}
}
