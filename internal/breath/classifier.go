// Package breath は呼吸信号の解析を提供する。
// フェーズ分類、キャリブレーション、一貫性スコアリングを含む。
// いずれもセッション単位で単一のゴルーチンから呼ばれることを前提とし、内部で排他制御は行わない。
package breath

import (
	"time"

	"github.com/hitoshi/breathwork/internal/model"
)

const (
	// DefaultThreshold は信号のフェーズ判定閾値のデフォルト値。
	DefaultThreshold = 0.2
	// DefaultDebounce はフェーズ遷移を確定させる最小継続時間のデフォルト値。
	DefaultDebounce = 150 * time.Millisecond
)

// ClassifierConfig はフェーズ分類器の設定。
type ClassifierConfig struct {
	// Threshold は信号を吸気/呼気とみなす絶対値の閾値。
	// signal >= Threshold で吸気、signal <= -Threshold で呼気、それ以外は保持。
	Threshold float64
	// Debounce は候補フェーズが遷移として確定するまでの最小継続時間。
	Debounce time.Duration
}

// DefaultClassifierConfig はデフォルトの分類器設定を返す。
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Threshold: DefaultThreshold,
		Debounce:  DefaultDebounce,
	}
}

// Transition は分類器が確定したフェーズ遷移。
// 呼気から吸気への遷移ではCycleに完了したサイクルが入る。
type Transition struct {
	From  model.Phase
	To    model.Phase
	At    time.Time
	Cycle *model.BreathCycle
}

// Classifier はサンプル列を呼吸フェーズ遷移とサイクル完了イベントに変換する。
type Classifier struct {
	cfg ClassifierConfig

	phase          model.Phase
	lastTransition time.Time
	lastActive     model.Phase // 直近の保持以外のフェーズ

	cycleStart  time.Time
	cyclePhases []model.Phase

	candidate      model.Phase
	candidateSince time.Time
}

// NewClassifier は新しいClassifierを生成する。
// 閾値が0以下の場合はデフォルト値を使用する。Debounceが負の場合は0として扱う。
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Classifier{
		cfg:        cfg,
		phase:      model.PhaseIdle,
		lastActive: model.PhaseIdle,
	}
}

// Phase は現在確定しているフェーズを返す。
func (c *Classifier) Phase() model.Phase {
	return c.phase
}

// Process はサンプルを1件処理し、フェーズ遷移が確定した場合にそれを返す。
// サンプルのタイムスタンプは単調増加であることを前提とする（Sample Ingestで補正済み）。
func (c *Classifier) Process(s model.Sample) (Transition, bool) {
	if s.Marker != "" {
		return c.processMarker(s)
	}
	return c.processSignal(s)
}

// processMarker はクライアント側で検出済みのフェーズ遷移を処理する。
// 直前の遷移からDebounce未満で届いたマーカーはちらつきとして破棄する。
func (c *Classifier) processMarker(s model.Sample) (Transition, bool) {
	if s.Marker == c.phase || s.Marker == model.PhaseIdle {
		return Transition{}, false
	}
	if !c.lastTransition.IsZero() && s.Timestamp.Sub(c.lastTransition) < c.cfg.Debounce {
		return Transition{}, false
	}
	c.candidate = ""
	return c.accept(s.Marker, s.Timestamp), true
}

// processSignal は生の信号値を閾値で分類し、Debounce以上継続した候補を遷移として確定する。
// 候補の継続時間は次に分類の異なるサンプルが届いた時点までで測るため、
// 1フェーズに1サンプルしか届かない低レートの入力でも遷移が確定する。
func (c *Classifier) processSignal(s model.Sample) (Transition, bool) {
	next := c.classify(s.Signal)

	// 吸気/呼気が一度も現れていない間の保持はidleのまま
	if c.phase == model.PhaseIdle && next == model.PhaseHold {
		next = model.PhaseIdle
	}

	if c.candidate != "" && next != c.candidate && s.Timestamp.Sub(c.candidateSince) >= c.cfg.Debounce {
		pending, since := c.candidate, c.candidateSince
		c.candidate = ""
		tr := c.accept(pending, since)
		if next == model.PhaseIdle {
			next = model.PhaseHold
		}
		if next != c.phase {
			c.candidate = next
			c.candidateSince = s.Timestamp
		}
		return tr, true
	}

	if next == c.phase {
		c.candidate = ""
		return Transition{}, false
	}

	if next != c.candidate {
		c.candidate = next
		c.candidateSince = s.Timestamp
	}

	if s.Timestamp.Sub(c.candidateSince) < c.cfg.Debounce {
		return Transition{}, false
	}

	at := c.candidateSince
	c.candidate = ""
	return c.accept(next, at), true
}

func (c *Classifier) classify(signal float64) model.Phase {
	switch {
	case signal >= c.cfg.Threshold:
		return model.PhaseInhale
	case signal <= -c.cfg.Threshold:
		return model.PhaseExhale
	default:
		return model.PhaseHold
	}
}

// accept はフェーズ遷移を確定する。
// 呼気の後に吸気が始まった時点でサイクル境界とみなし、前回の吸気開始から今回の吸気開始までを1サイクルとする。
// セッション最初の遷移は閉じるべき前サイクルがないため、フェーズの更新のみを行う。
func (c *Classifier) accept(to model.Phase, at time.Time) Transition {
	tr := Transition{From: c.phase, To: to, At: at}

	if to == model.PhaseInhale {
		if c.lastActive == model.PhaseExhale && !c.cycleStart.IsZero() {
			tr.Cycle = &model.BreathCycle{
				Phases:    c.cyclePhases,
				StartedAt: c.cycleStart,
				EndedAt:   at,
				Duration:  at.Sub(c.cycleStart),
			}
		}
		c.cycleStart = at
		c.cyclePhases = []model.Phase{model.PhaseInhale}
	} else if !c.cycleStart.IsZero() {
		c.cyclePhases = append(c.cyclePhases, to)
	}

	if to != model.PhaseHold {
		c.lastActive = to
	}
	c.phase = to
	c.lastTransition = at

	return tr
}
