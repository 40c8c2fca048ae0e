package breath

import (
	"sort"
	"time"
)

const (
	// DefaultCalibrationCycles はベースライン算出に使うサイクル数のデフォルト値（ウォームアップを除く）。
	DefaultCalibrationCycles = 5
	// warmupCycles は開始直後のバイアスを除くために捨てるサイクル数。
	warmupCycles = 1
)

// Calibrator はセッション冒頭のサイクルから個人のベースライン周期を確立する。
// 最初の1サイクルはウォームアップとして捨て、続くcycles件の中央値をベースラインとする。
// 中央値を使うため、咳などによる単発の外れ値に引きずられない。
type Calibrator struct {
	cycles    int
	seen      int
	durations []time.Duration
	baseline  time.Duration
	done      bool
}

// NewCalibrator は新しいCalibratorを生成する。cyclesが0以下の場合はデフォルト値を使用する。
func NewCalibrator(cycles int) *Calibrator {
	if cycles <= 0 {
		cycles = DefaultCalibrationCycles
	}
	return &Calibrator{
		cycles:    cycles,
		durations: make([]time.Duration, 0, cycles),
	}
}

// Observe は完了したサイクルの周期を1件取り込む。
// このサイクルでベースラインが確立した場合に限りtrueを返す。確立後の呼び出しは無視される。
func (c *Calibrator) Observe(d time.Duration) (time.Duration, bool) {
	if c.done {
		return c.baseline, false
	}

	c.seen++
	if c.seen <= warmupCycles {
		return 0, false
	}

	c.durations = append(c.durations, d)
	if len(c.durations) < c.cycles {
		return 0, false
	}

	c.baseline = Median(c.durations)
	c.done = true
	c.durations = nil
	return c.baseline, true
}

// Done はベースラインが確立済みかどうかを返す。
func (c *Calibrator) Done() bool {
	return c.done
}

// Baseline は確立済みのベースラインを返す。未確立の場合は0。
func (c *Calibrator) Baseline() time.Duration {
	return c.baseline
}

// Median は周期の中央値を返す。偶数件の場合は中央2件の平均。空の場合は0。
func Median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
