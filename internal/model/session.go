// Package model はドメインモデルを定義する。
package model

import "time"

// SessionType はセッションの種別を表す。作成時に固定される。
type SessionType string

const (
	// SessionTypeGuided はガイド付きセッション。
	SessionTypeGuided SessionType = "guided"
	// SessionTypeFreePractice はフリープラクティスセッション。
	SessionTypeFreePractice SessionType = "free_practice"
)

// Valid は定義済みのセッション種別かどうかを返す。
func (t SessionType) Valid() bool {
	return t == SessionTypeGuided || t == SessionTypeFreePractice
}

// SessionState はセッションのライフサイクル状態を表す。
type SessionState string

const (
	// StateIdle はセッション作成直後でサンプル未受信の状態。
	StateIdle SessionState = "idle"
	// StateStarted は最初のサンプルを受信した状態。
	StateStarted SessionState = "started"
	// StateCalibrating はキャリブレーション中の状態。
	StateCalibrating SessionState = "calibrating"
	// StateActive はベースライン確立後の定常状態。
	StateActive SessionState = "active"
	// StateCompleted は明示的な完了による終端状態。
	StateCompleted SessionState = "completed"
	// StateAborted はアイドルタイムアウトや切断による終端状態。
	StateAborted SessionState = "aborted"
)

// IsTerminal は終端状態かどうかを返す。
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Session はセッション作成時に確定する不変の属性を保持する。
// 可変な状態はsession.Machineが単独で所有する。
type Session struct {
	ID                   string
	OwnerID              string
	Type                 SessionType
	ContentID            string
	TargetBreathDuration time.Duration
	StartedAt            time.Time
}

// StartRequest はセッション開始リクエストを表す。
type StartRequest struct {
	Type                 SessionType
	TargetBreathDuration time.Duration
	ContentID            string
}

// CompletionRequest はセッション完了リクエストを表す。
// 値はクライアント申告であり、サーバー計測値とは別に記録する。
type CompletionRequest struct {
	DurationSeconds float64
	TotalBreaths    int
}

// SessionSnapshot はある時点のセッション状態の不変コピー。
// 読み取り側はこのスナップショットのみを参照する。
type SessionSnapshot struct {
	SessionID        string
	OwnerID          string
	Type             SessionType
	State            SessionState
	BreathCount      int
	CurrentPhase     Phase
	SignalConfidence float64 // 直近に取り込んだサンプルの検出の確からしさ [0,1]
	IsCalibrated     bool
	BaselineDuration time.Duration // キャリブレーション完了までは0
	Consistency      *float64      // 最初のサイクル完了まではnil
	Completed        bool
	StartedAt        time.Time
	LastActivityAt   time.Time
	EndedAt          time.Time // 終端状態に遷移するまではゼロ値
	EndReason        string
}

// Live はセッションがまだ進行中かどうかを返す。
func (s SessionSnapshot) Live() bool {
	return !s.State.IsTerminal()
}

// CompletionSummary は完了したセッションの最終サマリー。
// 完了リクエストを繰り返しても同じ値を返す。
type CompletionSummary struct {
	SessionID        string
	UserID           string
	SessionType      SessionType
	ContentID        string
	StartedAt        time.Time
	CompletedAt      time.Time
	DurationSeconds  float64
	TotalBreaths     int
	BreathCount      int
	AvgConsistency   *float64
	IsCalibrated     bool
	BaselineDuration time.Duration
}

// SessionRecord は終端状態に達したセッションの永続化用レコード。
type SessionRecord struct {
	ID                   string
	UserID               string
	SessionType          SessionType
	ContentID            string
	TargetBreathDuration time.Duration
	State                SessionState
	EndReason            string
	BreathCount          int
	ReportedBreaths      int
	ReportedDuration     float64
	AvgConsistency       *float64
	IsCalibrated         bool
	BaselineDuration     time.Duration
	StartedAt            time.Time
	EndedAt              time.Time
}
