package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/breathwork/internal/middleware"
	"github.com/hitoshi/breathwork/internal/model"
	"github.com/hitoshi/breathwork/internal/session"
)

const (
	// MaxSamplesPerRequest はREST経由の1リクエストで受け付けるサンプル数の上限。
	MaxSamplesPerRequest = 500
	// maxRequestBodyBytes はリクエストボディの上限サイズ。
	maxRequestBodyBytes = 1 << 20

	defaultTargetBreathSeconds = 4.0
)

// MeditationEngine は瞑想セッションハンドラーが必要とするエンジンのインターフェース。
type MeditationEngine interface {
	Start(ctx context.Context, ownerID string, req model.StartRequest) (model.Session, error)
	Ingest(ctx context.Context, ownerID, sessionID string, samples []model.Sample) (session.IngestResult, error)
	Complete(ctx context.Context, ownerID, sessionID string, req model.CompletionRequest) (model.CompletionSummary, error)
	Stats(ctx context.Context, ownerID, sessionID string) (model.SessionSnapshot, error)
}

// MeditationHandler は瞑想セッションのコマンドAPIのHTTPハンドラー。
type MeditationHandler struct {
	engine MeditationEngine
}

// NewMeditationHandler はMeditationHandlerを生成する。
func NewMeditationHandler(engine MeditationEngine) *MeditationHandler {
	return &MeditationHandler{engine: engine}
}

// startSessionRequest はセッション開始リクエストのボディ。
// 省略されたフィールドにはクライアントと同じデフォルト値を使う。
type startSessionRequest struct {
	SessionType          *string  `json:"session_type"`
	TargetBreathDuration *float64 `json:"target_breath_duration"`
	ContentID            string   `json:"content_id"`
}

// completeSessionRequest はセッション完了リクエストのボディ。
type completeSessionRequest struct {
	DurationSeconds float64 `json:"duration_seconds"`
	TotalBreaths    int     `json:"total_breaths"`
}

// sampleRequest は1件のサンプル。timestampを省略した場合はサーバー受信時刻を使う。
type sampleRequest struct {
	Timestamp *time.Time `json:"timestamp"`
	Signal    *float64   `json:"signal"`
	Phase     string     `json:"phase"`
}

// ingestSamplesRequest はサンプル投入リクエストのボディ。
type ingestSamplesRequest struct {
	Samples []sampleRequest `json:"samples"`
}

// StartSession は新しいセッションを開始する。
// POST /api/meditation/sessions/start
func (h *MeditationHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return
	}

	var req startSessionRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		middleware.WriteError(w, err)
		return
	}

	startReq := model.StartRequest{
		Type:                 model.SessionTypeFreePractice,
		TargetBreathDuration: secondsToDuration(defaultTargetBreathSeconds),
		ContentID:            req.ContentID,
	}
	if req.SessionType != nil {
		startReq.Type = model.SessionType(*req.SessionType)
	}
	if req.TargetBreathDuration != nil {
		if *req.TargetBreathDuration <= 0 {
			middleware.WriteError(w, model.NewInvalidArgumentError("target_breath_duration は0より大きい値を指定してください"))
			return
		}
		startReq.TargetBreathDuration = secondsToDuration(*req.TargetBreathDuration)
	}

	sess, err := h.engine.Start(r.Context(), userID, startReq)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toStartSessionResponse(sess))
}

// CompleteSession はセッションを完了させ、最終サマリーを返す。
// POST /api/meditation/sessions/{id}/complete
func (h *MeditationHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return
	}
	sessionID := chi.URLParam(r, "id")

	var req completeSessionRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		middleware.WriteError(w, err)
		return
	}

	summary, err := h.engine.Complete(r.Context(), userID, sessionID, model.CompletionRequest{
		DurationSeconds: req.DurationSeconds,
		TotalBreaths:    req.TotalBreaths,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCompletionResponse(summary))
}

// GetStats はセッションの現在の統計を返す。
// GET /api/meditation/sessions/{id}/stats
func (h *MeditationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return
	}

	snap, err := h.engine.Stats(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsResponse(snap))
}

// IngestSamples はサンプルのバッチを取り込み、取り込み後の統計を返す。
// POST /api/meditation/sessions/{id}/samples
func (h *MeditationHandler) IngestSamples(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return
	}
	sessionID := chi.URLParam(r, "id")

	var req ingestSamplesRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if len(req.Samples) == 0 {
		middleware.WriteError(w, model.NewInvalidArgumentError("samples が空です"))
		return
	}
	if len(req.Samples) > MaxSamplesPerRequest {
		middleware.WriteError(w, model.NewInvalidArgumentError(
			fmt.Sprintf("1リクエストのサンプル数は%d件までです", MaxSamplesPerRequest)))
		return
	}

	samples := make([]model.Sample, 0, len(req.Samples))
	for _, s := range req.Samples {
		sample, err := s.toSample()
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		samples = append(samples, sample)
	}

	result, err := h.engine.Ingest(r.Context(), userID, sessionID, samples)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsResponse(result.Snapshot))
}

// toSample はリクエストのサンプルをドメインのサンプルに変換する。
func (s sampleRequest) toSample() (model.Sample, error) {
	var sample model.Sample
	if s.Timestamp != nil {
		sample.Timestamp = *s.Timestamp
	}
	if s.Signal != nil {
		sample.Signal = *s.Signal
	}
	if s.Phase != "" {
		phase, ok := model.ParsePhase(s.Phase)
		if !ok {
			return model.Sample{}, model.NewInvalidArgumentError(fmt.Sprintf("未知のphaseです: %s", s.Phase))
		}
		sample.Marker = phase
	}
	return sample, nil
}

// decodeBody はJSONリクエストボディをデコードする。
// allowEmptyがtrueの場合、空のボディは全フィールド省略として扱う。
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewInvalidArgumentError("リクエストボディの解析に失敗しました")
	}
	return nil
}

// handleServiceError はエンジンから返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		// APIError以外のエラーは内部サーバーエラーとして扱う
		slog.Error("internal server error", slog.String("error", err.Error()))
	}
	middleware.WriteError(w, err)
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
