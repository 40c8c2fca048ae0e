package breath

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	// DefaultPCMSampleRate はブラウザのAudioContextが送るPCMのサンプルレート。
	DefaultPCMSampleRate = 44100
	// DefaultEnvelopeAlpha は振幅包絡線の平滑化係数。
	DefaultEnvelopeAlpha = 0.3
	// DefaultSilenceFloor はこれ未満のRMS（フルスケール比）を無音とみなす閾値。約-60dBFS。
	DefaultSilenceFloor = 1e-3
)

// ErrInvalidPCM はPCMバッファが16bitリトルエンディアンとして解釈できない場合のエラー。
var ErrInvalidPCM = errors.New("pcm buffer must be a non-empty sequence of 16-bit samples")

// PCMConfig はPCM解析器の設定。
type PCMConfig struct {
	SampleRate    int
	EnvelopeAlpha float64
	SilenceFloor  float64
}

// PCMFrame は1バッファ分の解析結果。
type PCMFrame struct {
	Timestamp  time.Time
	RMS        float64 // フルスケールを1とした二乗平均平方根
	Signal     float64 // 振幅の増減を符号付きで表した呼吸信号。[-1,1]に収まる
	Confidence float64 // 信号の確からしさ。無音時は0
}

// PCMAnalyzer はマイク入力の16bit PCMバッファを呼吸信号サンプルに変換する。
// 吸気/呼気の呼吸音は振幅の増減として現れるため、バッファのRMSを平滑化した包絡線と比べ、
// 包絡線より大きければ正、小さければ負の信号とする。
// タイムスタンプは最初のバッファの受信時刻を起点に、受信済みサンプル数から求める音声クロックで付与する。
type PCMAnalyzer struct {
	cfg PCMConfig

	origin   time.Time
	consumed int64
	envelope float64
	primed   bool
}

// NewPCMAnalyzer は新しいPCMAnalyzerを生成する。0以下の設定値はデフォルト値で補う。
func NewPCMAnalyzer(cfg PCMConfig) *PCMAnalyzer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultPCMSampleRate
	}
	if cfg.EnvelopeAlpha <= 0 || cfg.EnvelopeAlpha > 1 {
		cfg.EnvelopeAlpha = DefaultEnvelopeAlpha
	}
	if cfg.SilenceFloor <= 0 {
		cfg.SilenceFloor = DefaultSilenceFloor
	}
	return &PCMAnalyzer{cfg: cfg}
}

// Analyze はPCMバッファを1件解析する。receivedAtは最初のバッファでのみ音声クロックの起点として使う。
func (a *PCMAnalyzer) Analyze(buf []byte, receivedAt time.Time) (PCMFrame, error) {
	if len(buf) == 0 || len(buf)%2 != 0 {
		return PCMFrame{}, ErrInvalidPCM
	}
	if a.origin.IsZero() {
		a.origin = receivedAt
	}

	n := len(buf) / 2
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(buf[2*i:]))) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))

	frame := PCMFrame{
		Timestamp: a.origin.Add(time.Duration(a.consumed) * time.Second / time.Duration(a.cfg.SampleRate)),
		RMS:       rms,
	}
	a.consumed += int64(n)

	if rms < a.cfg.SilenceFloor {
		return frame, nil
	}
	if !a.primed {
		a.envelope = rms
		a.primed = true
		return frame, nil
	}

	signal := (rms - a.envelope) / math.Max(a.envelope, a.cfg.SilenceFloor)
	frame.Signal = math.Max(-1, math.Min(1, signal))
	frame.Confidence = math.Abs(frame.Signal)
	a.envelope += a.cfg.EnvelopeAlpha * (rms - a.envelope)
	return frame, nil
}
