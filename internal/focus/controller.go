package focus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kapetan-io/tackle/clock"

	"shoten/internal/device"
)

var (
	// ErrLocked はロックダウン中に駆動しようとした場合のエラー
	ErrLocked = errors.New("ロックダウン中のため操作できません")
	// ErrBusy は較正の実行中に駆動しようとした場合のエラー
	ErrBusy = errors.New("レンズの較正中です")
)

// Stepper はレンズへステップコマンドを送る
type Stepper interface {
	SendStepCommand(cmd device.StepCommand) error
}

// Gate はエラーの報告先とロックダウン状態
type Gate interface {
	Report(message string, severe bool)
	Locked() bool
}

// Pacer はペーシング周期の起動と停止
type Pacer interface {
	Reset(interval time.Duration)
	Stop()
}

// Config はフォーカス駆動の設定
type Config struct {
	PacingInterval     time.Duration `yaml:"pacing_interval"`
	CalibrationCadence time.Duration `yaml:"calibration_cadence"`
	FarWindow          time.Duration `yaml:"far_window"`
	NearWindow         time.Duration `yaml:"near_window"`
}

// DefaultConfig は実機で調整した既定値を返す
func DefaultConfig() Config {
	return Config{
		PacingInterval:     70 * time.Millisecond,
		CalibrationCadence: 70 * time.Millisecond,
		FarWindow:          3 * time.Second,
		NearWindow:         time.Second,
	}
}

// State は推定位置のスナップショット
type State struct {
	Current     int  `json:"current"`
	Target      int  `json:"target"`
	Pending     int  `json:"pending"`
	Reliable    bool `json:"reliable"`
	Calibrating bool `json:"calibrating"`
}

// Controller はコマンド履歴からレンズ位置を推定し、目標位置へ駆動する
type Controller struct {
	stepper Stepper
	gate    Gate
	cfg     Config

	mu          sync.Mutex
	current     int
	target      int
	reliable    bool
	calibrating bool
	ledger      Ledger
	pacer       Pacer
}

// NewController は新しいControllerを作成する
//
// 位置は0（較正済みの最小位置）から始まる。
func NewController(stepper Stepper, gate Gate, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = def.PacingInterval
	}
	if cfg.CalibrationCadence <= 0 {
		cfg.CalibrationCadence = def.CalibrationCadence
	}
	if cfg.FarWindow <= 0 {
		cfg.FarWindow = def.FarWindow
	}
	if cfg.NearWindow <= 0 {
		cfg.NearWindow = def.NearWindow
	}

	c := &Controller{
		stepper:  stepper,
		gate:     gate,
		cfg:      cfg,
		reliable: true,
	}
	c.publishLocked()
	return c
}

// AttachPacer はOnPacingTickを呼び出す周期を登録する
func (c *Controller) AttachPacer(p Pacer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pacer = p
}

// Config は有効な設定を返す
func (c *Controller) Config() Config {
	return c.cfg
}

// PlanDistance は距離から目標位置を計算し、ペーシングを開始する
//
// distanceが0の場合は何もしない。
func (c *Controller) PlanDistance(distance float64) error {
	if distance == 0 {
		return nil
	}
	ticks, err := TicksForDistance(distance)
	if err != nil {
		return err
	}
	return c.plan(ticks)
}

// PlanTicks は目標位置を直接指定し、ペーシングを開始する
//
// ticksが0の場合は最小位置への較正を行い、完了まで戻らない。
func (c *Controller) PlanTicks(ctx context.Context, ticks int) error {
	if ticks == 0 {
		return c.DriveToMinimum(ctx)
	}
	if err := checkRange(float64(ticks)); err != nil {
		return err
	}
	return c.plan(ticks)
}

func (c *Controller) plan(ticks int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return err
	}

	c.target = ticks
	c.publishLocked()
	plansTotal.Inc()
	log.Printf("フォーカス目標を設定しました: 現在 %d, 目標 %d", c.current, c.target)

	if c.pacer != nil {
		c.pacer.Reset(c.cfg.PacingInterval)
	}
	return nil
}

// OnPacingTick は目標へ向けて1ステップだけ駆動する
//
// 目標に到達済み、較正中、ロックダウン中の場合は何もしない。
func (c *Controller) OnPacingTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == c.target || c.calibrating {
		return
	}
	if c.gate != nil && c.gate.Locked() {
		return
	}

	dir := device.Far
	if c.target < c.current {
		dir = device.Near
	}
	c.stepLocked(device.StepCommand{Direction: dir, Magnitude: 1})
}

// Nudge はペーシングとは別に1回だけステップコマンドを送る
//
// 手動ジョグは進行中の収束を打ち切り、移動後の位置を新しい目標とする。
func (c *Controller) Nudge(dir device.Direction, magnitude int) error {
	cmd := device.StepCommand{Direction: dir, Magnitude: magnitude}
	if err := cmd.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return err
	}
	c.stepLocked(cmd)
	c.target = c.current
	c.publishLocked()
	return nil
}

// DriveToMinimum はレンズを機械的な端点に押し当てて位置を0に戻す
//
// 最大ステップのFarをFarWindowの間、続いて最大ステップのNearをNearWindowの間、
// CalibrationCadenceごとに送り続ける。完了まで呼び出し元をブロックするため、
// 制御ループ以外のゴルーチンから呼ぶこと。
func (c *Controller) DriveToMinimum(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.calibrating = true
	c.mu.Unlock()

	start := clock.Now()
	log.Printf("レンズの較正を開始します")

	err := c.drivePhase(ctx, device.Far, c.cfg.FarWindow)
	if err == nil {
		err = c.drivePhase(ctx, device.Near, c.cfg.NearWindow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calibrating = false

	if err != nil {
		c.reliable = false
		c.publishLocked()
		log.Printf("レンズの較正を中断しました: %v", err)
		return err
	}

	c.current = 0
	c.target = 0
	c.reliable = true
	c.publishLocked()
	calibrationsTotal.Inc()
	calibrationDuration.Observe(clock.Now().Sub(start).Seconds())
	log.Printf("レンズの較正が完了しました（%v）", clock.Now().Sub(start))
	return nil
}

// drivePhase はwindowの間、cadenceごとに最大ステップのコマンドを送る
func (c *Controller) drivePhase(ctx context.Context, dir device.Direction, window time.Duration) error {
	cmd := device.StepCommand{Direction: dir, Magnitude: device.MaxMagnitude}
	cadence := c.cfg.CalibrationCadence
	start := clock.Now()
	count := 1

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.gate != nil && c.gate.Locked() {
			return ErrLocked
		}

		elapsed := clock.Now().Sub(start)
		if elapsed >= window {
			return nil
		}

		due := cadence * time.Duration(count)
		if elapsed < due {
			wait := due - elapsed
			if rest := window - elapsed; rest < wait {
				wait = rest
			}
			clock.Sleep(wait)
			continue
		}

		if err := c.stepper.SendStepCommand(cmd); err != nil {
			stepFailures.Inc()
			c.report(fmt.Sprintf("較正中のレンズ駆動 %s に失敗: %v", cmd, err))
		}
		stepsTotal.WithLabelValues(string(cmd.Direction), fmt.Sprint(cmd.Magnitude)).Inc()

		c.mu.Lock()
		c.ledger.record(cmd)
		c.mu.Unlock()
		count++
	}
}

// ClearLedger はコマンド数の記録を0に戻す。位置と目標は変更しない
func (c *Controller) ClearLedger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger = Ledger{}
}

// Ledger はコマンド数の記録を返す
func (c *Controller) Ledger() Ledger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger
}

// State は推定位置のスナップショットを返す
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Current:     c.current,
		Target:      c.target,
		Pending:     abs(c.target - c.current),
		Reliable:    c.reliable,
		Calibrating: c.calibrating,
	}
}

// Stop はペーシングを停止する
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pacer != nil {
		c.pacer.Stop()
	}
}

// stepLocked はコマンドを送り、成否にかかわらず位置と記録を更新する（ロック済み前提）
func (c *Controller) stepLocked(cmd device.StepCommand) {
	if err := c.stepper.SendStepCommand(cmd); err != nil {
		stepFailures.Inc()
		c.reliable = false
		c.report(fmt.Sprintf("レンズ駆動 %s に失敗: %v", cmd, err))
	}
	stepsTotal.WithLabelValues(string(cmd.Direction), fmt.Sprint(cmd.Magnitude)).Inc()

	c.current += cmd.Sign()
	c.ledger.record(cmd)
	c.publishLocked()
}

// checkLocked はロックダウンと較正中を検査する（ロック済み前提）
func (c *Controller) checkLocked() error {
	if c.gate != nil && c.gate.Locked() {
		return ErrLocked
	}
	if c.calibrating {
		return ErrBusy
	}
	return nil
}

func (c *Controller) publishLocked() {
	positionGauge.Set(float64(c.current))
	targetGauge.Set(float64(c.target))
	if c.reliable {
		reliableGauge.Set(1)
	} else {
		reliableGauge.Set(0)
	}
}

func (c *Controller) report(message string) {
	if c.gate != nil {
		c.gate.Report(message, false)
		return
	}
	log.Printf("%s", message)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
