// Package burst は一定間隔で指定枚数を撮影するバースト撮影を管理する
package burst

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrLocked はロックダウン中に撮影計画を設定しようとした場合のエラー
	ErrLocked = errors.New("ロックダウン中のため操作できません")
	// ErrInvalidPlan は撮影間隔または枚数が不正な場合のエラー
	ErrInvalidPlan = errors.New("無効な撮影計画です")
)

// stallWarnEvery は連続失敗の警告ログを出す間隔（周期数）
const stallWarnEvery = 10

// Capturer は非同期の撮影要求を出す
type Capturer interface {
	TakePhotoAsync() error
}

// Gate はエラーの報告先とロックダウン状態
type Gate interface {
	Report(message string, severe bool)
	Locked() bool
}

// Pacer は撮影周期の起動と停止
type Pacer interface {
	Reset(interval time.Duration)
	Stop()
}

// Plan はバースト撮影の計画と進捗
type Plan struct {
	IntervalMillis int `json:"interval_ms"`
	TargetCount    int `json:"target_count"`
	TakenCount     int `json:"taken_count"`
	// FailedTicks は直近の成功以降に撮影要求が失敗した周期数
	FailedTicks int `json:"failed_ticks"`
}

// Done は計画枚数に到達したかを返す
func (p Plan) Done() bool {
	return p.TakenCount >= p.TargetCount
}

// Scheduler は周期ごとに1回の撮影要求を出す
//
// 計画枚数に到達した後も周期は止めず、以降の周期は何もしない。
// 撮影要求が失敗した周期は枚数を進めないため、失敗が続くと進捗しないまま周期が続く。
type Scheduler struct {
	capturer Capturer
	gate     Gate

	mu    sync.Mutex
	plan  Plan
	pacer Pacer
}

// NewScheduler は新しいSchedulerを作成する
func NewScheduler(capturer Capturer, gate Gate) *Scheduler {
	return &Scheduler{
		capturer: capturer,
		gate:     gate,
	}
}

// AttachPacer はOnTickを呼び出す周期を登録する
func (s *Scheduler) AttachPacer(p Pacer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pacer = p
}

// Arm は実行中の周期を止め、新しい計画で再開する
func (s *Scheduler) Arm(intervalMillis, count int) error {
	if intervalMillis <= 0 || count < 0 {
		return fmt.Errorf("%w: interval=%dms count=%d", ErrInvalidPlan, intervalMillis, count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate != nil && s.gate.Locked() {
		return ErrLocked
	}

	if s.pacer != nil {
		s.pacer.Stop()
	}
	s.plan = Plan{IntervalMillis: intervalMillis, TargetCount: count}
	armsTotal.Inc()
	takenGauge.Set(0)
	targetGauge.Set(float64(count))

	if s.pacer != nil {
		s.pacer.Reset(time.Duration(intervalMillis) * time.Millisecond)
	}
	log.Printf("バースト撮影を開始しました: %dms間隔で%d枚", intervalMillis, count)
	return nil
}

// OnTick は計画枚数に達していなければ撮影要求を1回出す
func (s *Scheduler) OnTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan.Done() {
		return
	}
	if s.gate != nil && s.gate.Locked() {
		return
	}

	if err := s.capturer.TakePhotoAsync(); err != nil {
		s.plan.FailedTicks++
		captureFailures.Inc()
		if s.gate != nil {
			s.gate.Report(fmt.Sprintf("撮影要求に失敗: %v", err), false)
		}
		if s.plan.FailedTicks%stallWarnEvery == 0 {
			stalledPlans.Inc()
			log.Printf("バースト撮影が進捗していません: %d周期連続で失敗（%d/%d枚）",
				s.plan.FailedTicks, s.plan.TakenCount, s.plan.TargetCount)
		}
		return
	}

	s.plan.FailedTicks = 0
	s.plan.TakenCount++
	capturesTotal.Inc()
	takenGauge.Set(float64(s.plan.TakenCount))

	if s.plan.Done() {
		log.Printf("バースト撮影が完了しました: %d枚", s.plan.TakenCount)
	}
}

// Plan は現在の計画と進捗を返す
func (s *Scheduler) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Stop は周期を停止する。計画と進捗は保持する
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer != nil {
		s.pacer.Stop()
	}
}
