package focus

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidDistance は距離が負または有限でない場合のエラー
	ErrInvalidDistance = errors.New("無効なフォーカス距離です")
	// ErrOutOfRange は目標ティック数が表現可能な範囲を超えた場合のエラー
	ErrOutOfRange = errors.New("目標ティック数が範囲外です")
)

// レンズに合わせた較正曲線の係数
const (
	curveOffset = 1713.77551373
	curveScale  = 1.45669321e+05
)

// TicksForDistance は距離（デバイス単位）から目標ティック数を求める
//
// distanceは正の有限値であること。結果は最近接偶数丸めで整数化し、16ビット符号付き整数の範囲に収まらなければエラーを返す。
func TicksForDistance(distance float64) (int, error) {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDistance, distance)
	}
	ticks := math.RoundToEven(curveOffset - curveScale/distance)
	if err := checkRange(ticks); err != nil {
		return 0, err
	}
	return int(ticks), nil
}

func checkRange(ticks float64) error {
	if ticks < math.MinInt16 || ticks > math.MaxInt16 {
		return fmt.Errorf("%w: %v", ErrOutOfRange, ticks)
	}
	return nil
}
