package breath

import (
	"math"
	"time"
)

const (
	// DefaultAlpha は指数移動平均の平滑化係数のデフォルト値。
	DefaultAlpha = 0.3
	// ConsistentScore はサイクルを「一貫している」とみなすスコアの下限。
	ConsistentScore = 0.8
)

// CycleScore は1サイクルの一貫性スコアを返す。
// max(0, 1 - |duration - reference| / reference) で、常に[0,1]に収まる。
func CycleScore(duration, reference time.Duration) float64 {
	if reference <= 0 {
		return 0
	}
	ref := reference.Seconds()
	score := 1 - math.Abs(duration.Seconds()-ref)/ref
	return math.Max(0, math.Min(1, score))
}

// Deviation は基準周期からの相対偏差を返す。基準より長ければ正。
func Deviation(duration, reference time.Duration) float64 {
	if reference <= 0 {
		return 0
	}
	return (duration.Seconds() - reference.Seconds()) / reference.Seconds()
}

// Scorer はサイクルごとのスコアの指数移動平均を保持する。
// 最初のサイクルのスコアで初期化し、以降は新しいサイクルほど重く反映する。
type Scorer struct {
	alpha   float64
	average float64
	count   int
}

// NewScorer は新しいScorerを生成する。alphaが(0,1]の範囲外ならデフォルト値を使用する。
func NewScorer(alpha float64) *Scorer {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Scorer{alpha: alpha}
}

// Observe はサイクルスコアを取り込み、更新後の移動平均を返す。
func (s *Scorer) Observe(score float64) float64 {
	score = math.Max(0, math.Min(1, score))
	if s.count == 0 {
		s.average = score
	} else {
		s.average = s.alpha*score + (1-s.alpha)*s.average
	}
	s.count++
	return s.average
}

// Average は現在の移動平均を返す。サイクルが1件もない場合はfalse。
func (s *Scorer) Average() (float64, bool) {
	if s.count == 0 {
		return 0, false
	}
	return s.average, true
}
