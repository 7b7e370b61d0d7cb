package focus

import (
	"fmt"

	"shoten/internal/device"
)

// Ledger はステップ量ごとに発行したコマンド数を記録する
//
// 表示用の値で、位置の計算には使わない。
type Ledger struct {
	Near [device.MaxMagnitude]int
	Far  [device.MaxMagnitude]int
}

// record はコマンド1回分を該当するカウンタに加える
func (l *Ledger) record(cmd device.StepCommand) {
	i := cmd.Magnitude - 1
	if i < 0 || i >= device.MaxMagnitude {
		return
	}
	switch cmd.Direction {
	case device.Near:
		l.Near[i]++
	case device.Far:
		l.Far[i]++
	}
}

// Count は方向とステップ量に対応するカウンタを返す
func (l Ledger) Count(dir device.Direction, magnitude int) int {
	i := magnitude - 1
	if i < 0 || i >= device.MaxMagnitude {
		return 0
	}
	if dir == device.Far {
		return l.Far[i]
	}
	return l.Near[i]
}

// Net はステップ量ごとの正味の移動量（Farが正）を返す
func (l Ledger) Net(magnitude int) int {
	return l.Count(device.Far, magnitude) - l.Count(device.Near, magnitude)
}

// Map は "near1" 〜 "far3" をキーとする表示用のマップを返す
func (l Ledger) Map() map[string]int {
	m := make(map[string]int, 2*device.MaxMagnitude)
	for i := 0; i < device.MaxMagnitude; i++ {
		m[fmt.Sprintf("near%d", i+1)] = l.Near[i]
		m[fmt.Sprintf("far%d", i+1)] = l.Far[i]
	}
	return m
}
