package handler

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/breathwork/internal/model"
	"github.com/hitoshi/breathwork/internal/session"
)

// --- テストヘルパー ---

type wsTestFrame struct {
	Type    string                 `json:"type"`
	Data    map[string]interface{} `json:"data"`
	Cycle   map[string]interface{} `json:"cycle"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
}

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newStreamTestServer は実際のEngineを使ったテスト用サーバーを起動する。
func newStreamTestServer(t *testing.T, stream StreamConfig) (*session.Engine, *httptest.Server) {
	t.Helper()

	engine := session.NewEngine(session.DefaultEngineConfig(), nil, nil, newDiscardLogger())
	router := NewRouter(&RouterDeps{
		Engine:            engine,
		Logger:            newDiscardLogger(),
		CORSAllowedOrigin: "http://localhost:3000",
		IdentityHeader:    "X-User-ID",
		Stream:            stream,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return engine, srv
}

func dialStream(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	conn, err := dialStreamWithOrigin(srv, userID, srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialStreamWithOrigin(srv *httptest.Server, userID, origin string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/meditation/ws/breath"
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("X-User-ID", userID)
	return websocket.DialConfig(cfg)
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	if err := websocket.JSON.Send(conn, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func readStreamFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	return got
}

// expectClosed はサーバーが接続を閉じたことを検証する。
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var raw []byte
	if err := websocket.Message.Receive(conn, &raw); err == nil {
		t.Fatalf("接続が閉じられていない: received %s", raw)
	}
}

// expectAttached は接続完了フレームを受信したことを検証する。
func expectAttached(t *testing.T, conn *websocket.Conn, sessionID string) wsTestFrame {
	t.Helper()
	frame := readStreamFrame(t, conn)
	if frame.Type != "attached" || frame.Data["session_id"] != sessionID {
		t.Fatalf("frame = %+v, want attached for %s", frame, sessionID)
	}
	return frame
}

// waitFor は条件が満たされるまで待機する。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("条件が満たされないままタイムアウトした")
}

func startTestSession(t *testing.T, engine *session.Engine, userID string) string {
	t.Helper()
	sess, err := engine.Start(context.Background(), userID, model.StartRequest{
		Type:                 model.SessionTypeFreePractice,
		TargetBreathDuration: 4 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess.ID
}

var streamT0 = time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)

func markerFrame(offset time.Duration, phase string) map[string]interface{} {
	return map[string]interface{}{
		"action":    "sample",
		"timestamp": streamT0.Add(offset),
		"phase":     phase,
	}
}

// pcmBuffer は振幅ampの矩形波からなる16bit PCMバッファ（4096サンプル）を返す。RMSはamp/32768になる。
func pcmBuffer(amp int16) []byte {
	buf := make([]byte, 4096*2)
	for i := 0; i < 4096; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// breathingPCM は振幅が8バッファかけて増え、8バッファかけて減る呼吸音をcycles回分返す。
func breathingPCM(cycles int) [][]byte {
	var bufs [][]byte
	for n := 0; n < cycles; n++ {
		amp := 500.0
		for k := 1; k <= 8; k++ {
			amp *= 1.5
			bufs = append(bufs, pcmBuffer(int16(amp)))
		}
		for k := 7; k >= 0; k-- {
			amp /= 1.5
			bufs = append(bufs, pcmBuffer(int16(amp)))
		}
	}
	return bufs
}

// --- テスト ---

func TestStreamHandler_ProducerReceivesBreathEvent(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: true})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{"action": "start", "session_id": sessionID})
	attached := expectAttached(t, conn, sessionID)
	if attached.Data["state"] != "idle" || attached.Data["live"] != true {
		t.Errorf("attached data = %v", attached.Data)
	}

	sendFrame(t, conn, markerFrame(0, "inhale"))
	sendFrame(t, conn, markerFrame(2*time.Second, "exhale"))
	sendFrame(t, conn, markerFrame(4*time.Second, "inhale"))

	frame := readStreamFrame(t, conn)
	if frame.Type != "breath_event" {
		t.Fatalf("type = %q, want breath_event (frame = %+v)", frame.Type, frame)
	}
	if frame.Cycle["breath_number"] != 1.0 || frame.Cycle["duration_ms"] != 4000.0 {
		t.Errorf("cycle = %v", frame.Cycle)
	}
	if frame.Cycle["score"] != 1.0 || frame.Cycle["is_consistent"] != true {
		t.Errorf("score/is_consistent = %v/%v", frame.Cycle["score"], frame.Cycle["is_consistent"])
	}
	if frame.Data["session_id"] != sessionID || frame.Data["breath_count"] != 1.0 {
		t.Errorf("data = %v", frame.Data)
	}
	if frame.Data["state"] != "calibrating" {
		t.Errorf("state = %v, want calibrating", frame.Data["state"])
	}
	// 呼吸検出クライアントが参照するイベント項目
	if frame.Data["phase"] != "inhaling" || frame.Data["breath_number"] != 1.0 || frame.Data["confidence"] != 1.0 {
		t.Errorf("phase/breath_number/confidence = %v/%v/%v", frame.Data["phase"], frame.Data["breath_number"], frame.Data["confidence"])
	}
	if frame.Data["duration_ms"] != 4000.0 || frame.Data["is_consistent"] != true {
		t.Errorf("data = %v", frame.Data)
	}
}

func TestStreamHandler_SubscriberReceivesTerminalFrame(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: true})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{"action": "subscribe", "session_id": sessionID})
	expectAttached(t, conn, sessionID)

	if _, err := engine.Complete(context.Background(), "user-1", sessionID, model.CompletionRequest{DurationSeconds: 60}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	frame := readStreamFrame(t, conn)
	if frame.Type != "session_end" {
		t.Fatalf("type = %q, want session_end", frame.Type)
	}
	if frame.Data["completed"] != true || frame.Data["live"] != false {
		t.Errorf("data = %v", frame.Data)
	}
	expectClosed(t, conn)
}

func TestStreamHandler_ProducerDisconnectAbortsSession(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: true})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{"action": "start", "session_id": sessionID})
	sendFrame(t, conn, markerFrame(0, "inhale"))
	waitFor(t, func() bool {
		snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
		return snap.State == model.StateStarted
	})

	conn.Close()

	waitFor(t, func() bool {
		snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
		return snap.State == model.StateAborted
	})
	snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
	if snap.EndReason != session.AbortReasonDisconnect {
		t.Errorf("EndReason = %q, want %q", snap.EndReason, session.AbortReasonDisconnect)
	}
}

func TestStreamHandler_ProducerDisconnectKeepsSessionWhenDisabled(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: false})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{"action": "start", "session_id": sessionID})
	sendFrame(t, conn, markerFrame(0, "inhale"))
	waitFor(t, func() bool {
		snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
		return snap.State == model.StateStarted
	})
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
	if !snap.Live() {
		t.Errorf("State = %q, セッションは継続しているべき", snap.State)
	}
}

func TestStreamHandler_StopDetachesWithoutAbort(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: true})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{"action": "start", "session_id": sessionID})
	expectAttached(t, conn, sessionID)
	sendFrame(t, conn, map[string]interface{}{"action": "stop"})

	expectClosed(t, conn)
	time.Sleep(50 * time.Millisecond)

	snap, err := engine.Stats(context.Background(), "user-1", sessionID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !snap.Live() {
		t.Errorf("State = %q, stop後もセッションは継続しているべき", snap.State)
	}
}

func TestStreamHandler_SubscriberDisconnectDoesNotAffectSession(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: true})
	sessionID := startTestSession(t, engine, "user-1")

	producer := dialStream(t, srv, "user-1")
	sendFrame(t, producer, map[string]interface{}{"action": "start", "session_id": sessionID})
	expectAttached(t, producer, sessionID)

	watcher := dialStream(t, srv, "user-1")
	sendFrame(t, watcher, map[string]interface{}{"action": "subscribe", "session_id": sessionID})
	expectAttached(t, watcher, sessionID)

	sendFrame(t, producer, markerFrame(0, "inhale"))
	sendFrame(t, producer, markerFrame(2*time.Second, "exhale"))
	sendFrame(t, producer, markerFrame(4*time.Second, "inhale"))
	if frame := readStreamFrame(t, producer); frame.Type != "breath_event" {
		t.Fatalf("type = %q, want breath_event", frame.Type)
	}

	watcher.Close()

	sendFrame(t, producer, markerFrame(6*time.Second, "exhale"))
	sendFrame(t, producer, markerFrame(8*time.Second, "inhale"))
	frame := readStreamFrame(t, producer)
	if frame.Type != "breath_event" || frame.Data["breath_count"] != 2.0 {
		t.Errorf("frame = %+v, want breath_event with breath_count 2", frame)
	}

	snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
	if !snap.Live() || snap.BreathCount != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStreamHandler_ProtocolErrors(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{})
	sessionID := startTestSession(t, engine, "user-1")

	tests := []struct {
		name     string
		userID   string
		frames   []map[string]interface{}
		wantCode string
	}{
		{
			name:     "sample without start",
			userID:   "user-1",
			frames:   []map[string]interface{}{{"action": "sample", "signal": 0.5}},
			wantCode: "INVALID_ARGUMENT",
		},
		{
			name:     "unknown session",
			userID:   "user-1",
			frames:   []map[string]interface{}{{"action": "start", "session_id": "missing"}},
			wantCode: "UNKNOWN_SESSION",
		},
		{
			name:     "other user's session",
			userID:   "user-2",
			frames:   []map[string]interface{}{{"action": "subscribe", "session_id": sessionID}},
			wantCode: "UNKNOWN_SESSION",
		},
		{
			name:     "missing session id",
			userID:   "user-1",
			frames:   []map[string]interface{}{{"action": "subscribe"}},
			wantCode: "INVALID_ARGUMENT",
		},
		{
			name:     "unknown action",
			userID:   "user-1",
			frames:   []map[string]interface{}{{"action": "dance"}},
			wantCode: "INVALID_ARGUMENT",
		},
		{
			name:   "invalid phase",
			userID: "user-1",
			frames: []map[string]interface{}{
				{"action": "start", "session_id": sessionID},
				{"action": "sample", "phase": "sprint"},
			},
			wantCode: "INVALID_ARGUMENT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialStream(t, srv, tt.userID)
			for _, f := range tt.frames {
				sendFrame(t, conn, f)
			}

			frame := readStreamFrame(t, conn)
			for frame.Type == "attached" {
				frame = readStreamFrame(t, conn)
			}
			if frame.Type != "error" || frame.Code != tt.wantCode {
				t.Errorf("frame = %+v, want error %s", frame, tt.wantCode)
			}
			sendFrame(t, conn, map[string]interface{}{"action": "stop"})
		})
	}
}

func TestStreamHandler_ClosesAfterRepeatedInvalidFrames(t *testing.T) {
	_, srv := newStreamTestServer(t, StreamConfig{})
	conn := dialStream(t, srv, "user-1")

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if err := websocket.Message.Send(conn, "not json"); err != nil {
			t.Fatalf("send: %v", err)
		}
		frame := readStreamFrame(t, conn)
		if frame.Type != "error" || frame.Code != "INVALID_ARGUMENT" {
			t.Fatalf("frame %d = %+v, want INVALID_ARGUMENT error", i+1, frame)
		}
	}

	expectClosed(t, conn)
}

func TestStreamHandler_SampleRateLimited(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{SampleRate: rate.Limit(0.01), SampleBurst: 1})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{"action": "start", "session_id": sessionID})
	expectAttached(t, conn, sessionID)
	sendFrame(t, conn, markerFrame(0, "inhale"))
	sendFrame(t, conn, markerFrame(time.Second, "exhale"))

	frame := readStreamFrame(t, conn)
	if frame.Type != "error" || frame.Code != "RATE_LIMITED" {
		t.Errorf("frame = %+v, want RATE_LIMITED error", frame)
	}
}

func TestStreamHandler_RejectsForeignOrigin(t *testing.T) {
	_, srv := newStreamTestServer(t, StreamConfig{AllowedOrigin: "http://localhost:3000"})

	if _, err := dialStreamWithOrigin(srv, "user-1", "http://evil.example"); err == nil {
		t.Error("許可されていないOriginからの接続は拒否されるべき")
	}

	conn, err := dialStreamWithOrigin(srv, "user-1", "http://localhost:3000")
	if err != nil {
		t.Fatalf("設定済みOriginからの接続は許可されるべき: %v", err)
	}
	conn.Close()
}

func TestStreamHandler_RequiresIdentity(t *testing.T) {
	_, srv := newStreamTestServer(t, StreamConfig{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/meditation/ws/breath"
	if _, err := websocket.Dial(wsURL, "", srv.URL); err == nil {
		t.Error("ユーザーIDなしの接続は拒否されるべき")
	}

	// クエリパラメータのユーザーIDは信用しない
	if _, err := websocket.Dial(wsURL+"?user_id=user-1", "", srv.URL); err == nil {
		t.Error("クエリパラメータのみのユーザーIDで接続できてはならない")
	}
}

func TestStreamHandler_PCMFramesProduceBreathEvents(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{AbortOnDisconnect: true})
	sessionID := startTestSession(t, engine, "user-1")
	conn := dialStream(t, srv, "user-1")

	sendFrame(t, conn, map[string]interface{}{
		"action":                 "start",
		"session_id":             sessionID,
		"user_id":                "user-1",
		"target_breath_duration": 4,
	})
	expectAttached(t, conn, sessionID)

	// 4回分の呼吸音で、最初の吸気を除く3サイクルが完了する
	for _, buf := range breathingPCM(4) {
		if err := websocket.Message.Send(conn, buf); err != nil {
			t.Fatalf("send pcm: %v", err)
		}
	}

	for want := 1; want <= 3; want++ {
		frame := readStreamFrame(t, conn)
		if frame.Type != "breath_event" {
			t.Fatalf("type = %q, want breath_event (frame = %+v)", frame.Type, frame)
		}
		if frame.Data["breath_number"] != float64(want) || frame.Data["breath_count"] != float64(want) {
			t.Errorf("breath_number/breath_count = %v/%v, want %d", frame.Data["breath_number"], frame.Data["breath_count"], want)
		}
		if frame.Data["phase"] != "inhaling" {
			t.Errorf("phase = %v, want inhaling", frame.Data["phase"])
		}
		confidence, ok := frame.Data["confidence"].(float64)
		if !ok || confidence <= 0 || confidence > 1 {
			t.Errorf("confidence = %v, want (0,1]", frame.Data["confidence"])
		}
	}

	snap, err := engine.Stats(context.Background(), "user-1", sessionID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if snap.BreathCount != 3 || !snap.Live() {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStreamHandler_PCMProtocolErrors(t *testing.T) {
	engine, srv := newStreamTestServer(t, StreamConfig{})
	sessionID := startTestSession(t, engine, "user-1")

	t.Run("subscriber sends audio", func(t *testing.T) {
		conn := dialStream(t, srv, "user-1")
		sendFrame(t, conn, map[string]interface{}{"action": "subscribe", "session_id": sessionID})
		expectAttached(t, conn, sessionID)

		if err := websocket.Message.Send(conn, pcmBuffer(1000)); err != nil {
			t.Fatalf("send pcm: %v", err)
		}
		frame := readStreamFrame(t, conn)
		if frame.Type != "error" || frame.Code != "INVALID_ARGUMENT" {
			t.Errorf("frame = %+v, want INVALID_ARGUMENT error", frame)
		}
	})

	t.Run("odd length buffer", func(t *testing.T) {
		conn := dialStream(t, srv, "user-1")
		sendFrame(t, conn, map[string]interface{}{"action": "start", "session_id": sessionID})
		expectAttached(t, conn, sessionID)

		if err := websocket.Message.Send(conn, []byte{0x01, 0x02, 0x03}); err != nil {
			t.Fatalf("send pcm: %v", err)
		}
		frame := readStreamFrame(t, conn)
		if frame.Type != "error" || frame.Code != "INVALID_ARGUMENT" {
			t.Errorf("frame = %+v, want INVALID_ARGUMENT error", frame)
		}
		sendFrame(t, conn, map[string]interface{}{"action": "stop"})
	})

	snap, _ := engine.Stats(context.Background(), "user-1", sessionID)
	if snap.State.IsTerminal() {
		t.Errorf("State = %q, 音声フレームのエラーでセッションは終了しない", snap.State)
	}
}
