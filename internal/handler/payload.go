package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/breathwork/internal/breath"
	"github.com/hitoshi/breathwork/internal/model"
)

// startSessionResponse はセッション開始のAPIレスポンス。
type startSessionResponse struct {
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id"`
	SessionType          string    `json:"session_type"`
	ContentID            string    `json:"content_id,omitempty"`
	TargetBreathDuration float64   `json:"target_breath_duration"`
	StartedAt            time.Time `json:"started_at"`
}

// statsResponse はセッション統計のAPIレスポンス。pushストリームのdataにも使用する。
// avg_consistencyは最初のサイクル完了まで、baseline_durationはキャリブレーション完了まで省略する。
type statsResponse struct {
	SessionID        string   `json:"session_id"`
	Live             bool     `json:"live"`
	State            string   `json:"state"`
	BreathCount      int      `json:"breath_count"`
	CurrentPhase     string   `json:"current_phase"`
	AvgConsistency   *float64 `json:"avg_consistency,omitempty"`
	IsCalibrated     bool     `json:"is_calibrated"`
	BaselineDuration *float64 `json:"baseline_duration,omitempty"`
	Completed        bool     `json:"completed"`
}

// completionResponse はセッション完了のAPIレスポンス。
// duration_secondsとtotal_breathsはクライアント申告値、breath_countはサーバー計測値。
type completionResponse struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	SessionType      string    `json:"session_type"`
	ContentID        string    `json:"content_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationSeconds  float64   `json:"duration_seconds"`
	TotalBreaths     int       `json:"total_breaths"`
	BreathCount      int       `json:"breath_count"`
	AvgConsistency   *float64  `json:"avg_consistency,omitempty"`
	IsCalibrated     bool      `json:"is_calibrated"`
	BaselineDuration *float64  `json:"baseline_duration,omitempty"`
}

// cycleResponse はpushストリームで配信する完了サイクル。
type cycleResponse struct {
	BreathNumber        int       `json:"breath_number"`
	DurationMs          int64     `json:"duration_ms"`
	Phases              []string  `json:"phases"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
	Score               float64   `json:"score"`
	IsConsistent        bool      `json:"is_consistent"`
	DeviationFromTarget float64   `json:"deviation_from_target"`
}

// breathEventResponse はbreath_eventフレームのdata。
// 統計ペイロードに、呼吸検出クライアントが参照するイベント項目を同じ階層で加える。
type breathEventResponse struct {
	statsResponse
	Phase               string    `json:"phase"`
	Confidence          float64   `json:"confidence"`
	Timestamp           time.Time `json:"timestamp"`
	BreathNumber        int       `json:"breath_number"`
	DurationMs          int64     `json:"duration_ms"`
	IsConsistent        bool      `json:"is_consistent"`
	DeviationFromTarget float64   `json:"deviation_from_target"`
}

func toStartSessionResponse(s model.Session) startSessionResponse {
	return startSessionResponse{
		SessionID:            s.ID,
		UserID:               s.OwnerID,
		SessionType:          string(s.Type),
		ContentID:            s.ContentID,
		TargetBreathDuration: s.TargetBreathDuration.Seconds(),
		StartedAt:            s.StartedAt,
	}
}

func toStatsResponse(snap model.SessionSnapshot) statsResponse {
	phase := snap.CurrentPhase
	if phase == "" {
		phase = model.PhaseIdle
	}
	return statsResponse{
		SessionID:        snap.SessionID,
		Live:             snap.Live(),
		State:            string(snap.State),
		BreathCount:      snap.BreathCount,
		CurrentPhase:     string(phase),
		AvgConsistency:   snap.Consistency,
		IsCalibrated:     snap.IsCalibrated,
		BaselineDuration: optionalSeconds(snap.IsCalibrated, snap.BaselineDuration),
		Completed:        snap.Completed,
	}
}

func toCompletionResponse(s model.CompletionSummary) completionResponse {
	return completionResponse{
		SessionID:        s.SessionID,
		UserID:           s.UserID,
		SessionType:      string(s.SessionType),
		ContentID:        s.ContentID,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		DurationSeconds:  s.DurationSeconds,
		TotalBreaths:     s.TotalBreaths,
		BreathCount:      s.BreathCount,
		AvgConsistency:   s.AvgConsistency,
		IsCalibrated:     s.IsCalibrated,
		BaselineDuration: optionalSeconds(s.IsCalibrated, s.BaselineDuration),
	}
}

func toCycleResponse(c model.BreathCycle) cycleResponse {
	phases := make([]string, len(c.Phases))
	for i, p := range c.Phases {
		phases[i] = string(p)
	}

	return cycleResponse{
		BreathNumber:        c.Number,
		DurationMs:          c.Duration.Milliseconds(),
		Phases:              phases,
		StartedAt:           c.StartedAt,
		EndedAt:             c.EndedAt,
		Score:               c.Score,
		IsConsistent:        c.Score >= breath.ConsistentScore,
		DeviationFromTarget: breath.Deviation(c.Duration, c.Reference),
	}
}

func toBreathEventResponse(snap model.SessionSnapshot, c cycleResponse) breathEventResponse {
	return breathEventResponse{
		statsResponse:       toStatsResponse(snap),
		Phase:               snap.CurrentPhase.Progressive(),
		Confidence:          snap.SignalConfidence,
		Timestamp:           c.EndedAt,
		BreathNumber:        c.BreathNumber,
		DurationMs:          c.DurationMs,
		IsConsistent:        c.IsConsistent,
		DeviationFromTarget: c.DeviationFromTarget,
	}
}

func optionalSeconds(defined bool, d time.Duration) *float64 {
	if !defined {
		return nil
	}
	s := d.Seconds()
	return &s
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
