package model

import "time"

// Phase は呼吸フェーズを表す。
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseInhale Phase = "inhale"
	PhaseHold   Phase = "hold"
	PhaseExhale Phase = "exhale"
)

// ParsePhase は文字列をPhaseに変換する。
// クライアント互換のため inhaling/exhaling/holding も受け付ける。
func ParsePhase(s string) (Phase, bool) {
	switch s {
	case "inhale", "inhaling":
		return PhaseInhale, true
	case "exhale", "exhaling":
		return PhaseExhale, true
	case "hold", "holding":
		return PhaseHold, true
	case "idle":
		return PhaseIdle, true
	default:
		return "", false
	}
}

// Progressive はクライアント向けの進行形のフェーズ名（inhaling/exhaling/holding/idle）を返す。
func (p Phase) Progressive() string {
	switch p {
	case PhaseInhale:
		return "inhaling"
	case PhaseExhale:
		return "exhaling"
	case PhaseHold:
		return "holding"
	default:
		return string(PhaseIdle)
	}
}

// Sample はクライアントから受信した1件の呼吸信号サンプル。
// Markerが設定されている場合はクライアント側で検出済みのフェーズ遷移として扱う。
type Sample struct {
	Timestamp  time.Time
	Signal     float64
	Marker     Phase
	// Confidence は検出の確からしさ。0の場合はMarkerなら1、それ以外は|Signal|から求める。
	Confidence float64
}

// DetectionConfidence はサンプルの検出の確からしさを[0,1]で返す。
func (s Sample) DetectionConfidence() float64 {
	c := s.Confidence
	if c <= 0 {
		if s.Marker != "" {
			return 1
		}
		c = s.Signal
		if c < 0 {
			c = -c
		}
	}
	if c > 1 {
		return 1
	}
	return c
}

// BreathCycle は完了した1呼吸サイクル。スコアリング窓の外では保持しない。
type BreathCycle struct {
	Number    int
	Phases    []Phase
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Score     float64
	Reference time.Duration
}

// FrameKind はストリームフレームの種別。
type FrameKind string

const (
	// FrameCycle はサイクル完了ごとのフレーム。
	FrameCycle FrameKind = "breath_event"
	// FrameTerminal は完了または中断時の最終フレーム。
	FrameTerminal FrameKind = "session_end"
)

// StreamFrame はpush購読者に配信されるフレーム。
type StreamFrame struct {
	Kind     FrameKind
	Snapshot SessionSnapshot
	Cycle    *BreathCycle
}
