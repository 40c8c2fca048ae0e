package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/breathwork/internal/breath"
	"github.com/hitoshi/breathwork/internal/middleware"
	"github.com/hitoshi/breathwork/internal/model"
	"github.com/hitoshi/breathwork/internal/session"
)

const (
	// maxDecodeErrorsPerConn 回連続で解析できないフレームを受信したら接続を閉じる。
	maxDecodeErrorsPerConn = 5
	// maxClientFrameBytes はクライアントから受け付けるフレームの最大サイズ。
	// 44.1kHzで4096サンプルの16bit PCMバッファ（8KiB）が収まる。
	maxClientFrameBytes = 16 << 10
)

// ストリームのクライアントアクション
const (
	actionStart     = "start"
	actionSubscribe = "subscribe"
	actionSample    = "sample"
	actionStop      = "stop"
)

// サーバーフレームの種別。サイクルと終端フレームの種別はmodel.FrameKindを使う。
const (
	frameTypeAttached = "attached"
	frameTypeError    = "error"
)

// StreamEngine はストリームハンドラーが必要とするエンジンのインターフェース。
type StreamEngine interface {
	Ingest(ctx context.Context, ownerID, sessionID string, samples []model.Sample) (session.IngestResult, error)
	Subscribe(ctx context.Context, ownerID, sessionID string) (*session.Subscription, error)
	Stats(ctx context.Context, ownerID, sessionID string) (model.SessionSnapshot, error)
	Abort(ctx context.Context, ownerID, sessionID, reason string) error
}

// StreamConfig はストリームハンドラーの設定。
type StreamConfig struct {
	// AllowedOrigin はハンドシェイクを許可するOrigin。同一ホストからの接続は常に許可する。
	AllowedOrigin string
	// AbortOnDisconnect がtrueの場合、stopを送らずに切断したプロデューサーのセッションを中断する。
	AbortOnDisconnect bool
	// SampleRate と SampleBurst は接続ごとのサンプル受信レート。
	SampleRate  rate.Limit
	SampleBurst int
}

// StreamHandler は呼吸サンプルの受信とセッションフレームのpush配信を行うWebSocketハンドラー。
//
// 1つの接続は1つのセッションに対して、プロデューサー（start）または購読者（subscribe）として接続する。
// 購読者のみの接続はセッションの状態に一切影響しない。
type StreamHandler struct {
	engine StreamEngine
	cfg    StreamConfig
	logger *slog.Logger
}

// NewStreamHandler はStreamHandlerを生成する。
func NewStreamHandler(engine StreamEngine, cfg StreamConfig, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = rate.Inf
	}
	if cfg.SampleBurst <= 0 {
		cfg.SampleBurst = 1
	}
	return &StreamHandler{engine: engine, cfg: cfg, logger: logger}
}

// clientFrame はクライアントから受信するテキストフレーム。
// バイナリフレームはstartで接続したプロデューサーが送る16bit PCMバッファとして扱う。
type clientFrame struct {
	Action     string     `json:"action"`
	SessionID  string     `json:"session_id"`
	Timestamp  *time.Time `json:"timestamp"`
	Signal     *float64   `json:"signal"`
	Phase      string     `json:"phase"`
	SampleRate int        `json:"sample_rate"` // startで後続のPCMバッファのサンプルレートを指定する。省略時は44100
}

// inboundMessage はフレーム種別を保ったまま受信したメッセージ。
type inboundMessage struct {
	payload []byte
	binary  bool
}

// inboundCodec はテキストとバイナリのフレームを区別して受信するためのCodec。
var inboundCodec = websocket.Codec{
	Unmarshal: func(data []byte, payloadType byte, v interface{}) error {
		msg, ok := v.(*inboundMessage)
		if !ok {
			return fmt.Errorf("unexpected receive target %T", v)
		}
		msg.payload = data
		msg.binary = payloadType == websocket.BinaryFrame
		return nil
	},
}

// serverFrame はクライアントへ送信するフレーム。
// dataはbreath_eventではbreathEventResponse、それ以外ではstatsResponse。
type serverFrame struct {
	Type    string         `json:"type"`
	Data    interface{}    `json:"data,omitempty"`
	Cycle   *cycleResponse `json:"cycle,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

func toServerFrame(f model.StreamFrame) serverFrame {
	if f.Cycle != nil {
		c := toCycleResponse(*f.Cycle)
		event := toBreathEventResponse(f.Snapshot, c)
		return serverFrame{Type: string(f.Kind), Data: &event, Cycle: &c}
	}
	stats := toStatsResponse(f.Snapshot)
	return serverFrame{Type: string(f.Kind), Data: &stats}
}

// ServeHTTP はWebSocketハンドシェイクを行い、接続を処理する。
// GET /api/meditation/ws/breath
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return
	}

	server := websocket.Server{
		Handshake: h.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			h.serveConn(conn, userID)
		},
	}
	server.ServeHTTP(w, r)
}

// checkOrigin は設定されたOriginまたは同一ホストからのハンドシェイクのみを許可する。
// Originヘッダーを送らないブラウザ以外のクライアントは許可する。
func (h *StreamHandler) checkOrigin(cfg *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	cfg.Origin = u

	if strings.EqualFold(u.Host, r.Host) {
		return nil
	}
	if h.cfg.AllowedOrigin != "" && strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(h.cfg.AllowedOrigin, "/")) {
		return nil
	}
	h.logger.Warn("websocket origin rejected",
		slog.String("origin", origin),
		slog.String("host", r.Host),
	)
	return fmt.Errorf("origin %q is not allowed", origin)
}

// streamConn は1本のWebSocket接続の状態を保持する。
// sessionID・producer・subは読み取りループのゴルーチンのみが変更する。
type streamConn struct {
	h       *StreamHandler
	conn    *websocket.Conn
	userID  string
	limiter *rate.Limiter

	writeMu sync.Mutex

	sessionID   string
	producer    bool
	pcm         *breath.PCMAnalyzer
	stopped     bool
	sub         *session.Subscription
	forwardDone chan struct{}
}

func (h *StreamHandler) serveConn(conn *websocket.Conn, userID string) {
	// http.Serverのタイムアウトで設定された期限を解除する。長時間接続を前提とする。
	_ = conn.SetDeadline(time.Time{})
	conn.MaxPayloadBytes = maxClientFrameBytes

	c := &streamConn{
		h:       h,
		conn:    conn,
		userID:  userID,
		limiter: rate.NewLimiter(h.cfg.SampleRate, h.cfg.SampleBurst),
	}
	ctx := conn.Request().Context()
	defer c.close(ctx)

	c.readLoop(ctx)
}

func (c *streamConn) readLoop(ctx context.Context) {
	decodeErrors := 0
	for {
		var msg inboundMessage
		if err := inboundCodec.Receive(c.conn, &msg); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				decodeErrors++
				c.writeError(model.ErrCodeInvalidArgument, "フレームが大きすぎます")
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.h.logger.Debug("websocket receive failed",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if msg.binary {
			if c.ingestPCM(ctx, msg.payload) {
				decodeErrors = 0
				continue
			}
			decodeErrors++
			if c.tooManyInvalidFrames(decodeErrors) {
				return
			}
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(msg.payload, &frame); err != nil {
			decodeErrors++
			c.writeError(model.ErrCodeInvalidArgument, "フレームの解析に失敗しました")
			if c.tooManyInvalidFrames(decodeErrors) {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Action {
		case actionStart:
			c.attach(ctx, frame, true)
		case actionSubscribe:
			c.attach(ctx, frame, false)
		case actionSample:
			c.ingest(ctx, frame)
		case actionStop:
			c.stopped = true
			return
		default:
			c.writeError(model.ErrCodeInvalidArgument, fmt.Sprintf("未知のactionです: %s", frame.Action))
		}
	}
}

func (c *streamConn) tooManyInvalidFrames(decodeErrors int) bool {
	if decodeErrors < maxDecodeErrorsPerConn {
		return false
	}
	c.h.logger.Warn("websocket closed after repeated invalid frames",
		slog.String("user_id", c.userID),
		slog.Int("decode_errors", decodeErrors),
	)
	return true
}

// attach はセッションに購読者として接続する。producerがtrueの場合はサンプル送信も許可する。
func (c *streamConn) attach(ctx context.Context, frame clientFrame, producer bool) {
	if c.sub != nil {
		c.writeError(model.ErrCodeInvalidArgument, "この接続は既にセッションに接続しています")
		return
	}
	if frame.SampleRate < 0 {
		c.writeError(model.ErrCodeInvalidArgument, "sample_rate は0より大きい値を指定してください")
		return
	}
	sessionID := strings.TrimSpace(frame.SessionID)
	if sessionID == "" {
		c.writeError(model.ErrCodeInvalidArgument, "session_id を指定してください")
		return
	}

	sub, err := c.h.engine.Subscribe(ctx, c.userID, sessionID)
	if err != nil {
		c.writeAPIError(err)
		return
	}

	c.sessionID = sessionID
	c.producer = producer
	c.sub = sub
	if producer {
		c.pcm = breath.NewPCMAnalyzer(breath.PCMConfig{SampleRate: frame.SampleRate})
	}
	c.forwardDone = make(chan struct{})

	// 接続完了の応答は配信フレームより先に送る
	if snap, err := c.h.engine.Stats(ctx, c.userID, sessionID); err == nil {
		stats := toStatsResponse(snap)
		_ = c.writeFrame(serverFrame{Type: frameTypeAttached, Data: &stats})
	}
	go c.forward(sub)

	c.h.logger.Info("stream attached",
		slog.String("session_id", sessionID),
		slog.String("user_id", c.userID),
		slog.Bool("producer", producer),
		slog.Uint64("subscription_id", sub.ID()),
	)
}

// forward は購読したフレームをクライアントへ送信する。
// 終端フレームの送信後は接続を閉じる。
func (c *streamConn) forward(sub *session.Subscription) {
	defer close(c.forwardDone)

	for f := range sub.Frames() {
		if err := c.writeFrame(toServerFrame(f)); err != nil {
			sub.Close()
			return
		}
	}
	// チャネルのクローズは終端フレームの配信後か購読解除後のいずれか
	_ = c.conn.Close()
}

func (c *streamConn) ingest(ctx context.Context, frame clientFrame) {
	if !c.producer {
		c.writeError(model.ErrCodeInvalidArgument, "sample を送信するには start で接続してください")
		return
	}
	if !c.limiter.Allow() {
		c.writeAPIError(model.NewRateLimitedError())
		return
	}

	sample, err := sampleRequest{
		Timestamp: frame.Timestamp,
		Signal:    frame.Signal,
		Phase:     frame.Phase,
	}.toSample()
	if err != nil {
		c.writeAPIError(err)
		return
	}

	if _, err := c.h.engine.Ingest(ctx, c.userID, c.sessionID, []model.Sample{sample}); err != nil {
		if model.IsUnknownSession(err) {
			c.producer = false
		}
		c.writeAPIError(err)
	}
}

// ingestPCM はPCMバッファを呼吸信号サンプルに変換して取り込む。
// バッファとして解釈できなかった場合はfalseを返す。
func (c *streamConn) ingestPCM(ctx context.Context, buf []byte) bool {
	if !c.producer || c.pcm == nil {
		c.writeError(model.ErrCodeInvalidArgument, "音声データを送信するには start で接続してください")
		return true
	}
	if !c.limiter.Allow() {
		c.writeAPIError(model.NewRateLimitedError())
		return true
	}

	frame, err := c.pcm.Analyze(buf, time.Now())
	if err != nil {
		c.writeError(model.ErrCodeInvalidArgument, "音声データの解析に失敗しました")
		return false
	}

	sample := model.Sample{
		Timestamp:  frame.Timestamp,
		Signal:     frame.Signal,
		Confidence: frame.Confidence,
	}
	if _, err := c.h.engine.Ingest(ctx, c.userID, c.sessionID, []model.Sample{sample}); err != nil {
		if model.IsUnknownSession(err) {
			c.producer = false
		}
		c.writeAPIError(err)
	}
	return true
}

// close は接続を閉じて購読を解放する。
// stopを受信せずに切断したプロデューサーのセッションは設定に応じて中断する。
func (c *streamConn) close(ctx context.Context) {
	_ = c.conn.Close()
	if c.sub != nil {
		c.sub.Close()
		<-c.forwardDone
	}

	if c.sub == nil {
		return
	}
	c.h.logger.Info("stream detached",
		slog.String("session_id", c.sessionID),
		slog.String("user_id", c.userID),
		slog.Bool("producer", c.producer),
		slog.Bool("stopped", c.stopped),
		slog.Uint64("dropped_frames", c.sub.Dropped()),
	)
	if dropped := c.sub.Dropped(); dropped > 0 {
		dropErr := model.NewTransportDroppedError(c.sessionID)
		c.h.logger.Warn("stream frames dropped",
			slog.String("code", dropErr.Code),
			slog.String("session_id", c.sessionID),
			slog.Uint64("subscription_id", c.sub.ID()),
			slog.Uint64("dropped_frames", dropped),
		)
	}

	if !c.producer || c.stopped || !c.h.cfg.AbortOnDisconnect {
		return
	}
	err := c.h.engine.Abort(context.WithoutCancel(ctx), c.userID, c.sessionID, session.AbortReasonDisconnect)
	if err != nil && !model.IsUnknownSession(err) {
		c.h.logger.Error("failed to abort session after disconnect",
			slog.String("session_id", c.sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *streamConn) writeFrame(frame serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.JSON.Send(c.conn, frame)
}

func (c *streamConn) writeError(code, message string) {
	_ = c.writeFrame(serverFrame{Type: frameTypeError, Code: code, Message: message})
}

func (c *streamConn) writeAPIError(err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		c.writeError(apiErr.Code, apiErr.Message)
		return
	}
	c.h.logger.Error("internal stream error",
		slog.String("session_id", c.sessionID),
		slog.String("error", err.Error()),
	)
	c.writeError(model.ErrCodeInternal, "内部エラーが発生しました。")
}
