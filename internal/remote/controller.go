// Package remote はカメラセッションと制御部品を組み合わせる
//
// # 責務
// - カメラ一覧の更新とセッションの開閉
// - 露出設定（Av/Tv/ISO）、保存先、動画記録の操作
// - ライブビューの開始・停止と、開始時のレンズ較正
// - フォーカス駆動とバースト撮影の呼び出し窓口
// - ダウンロード先ディレクトリなど表示側の状態の保持
//
// # 仕様
// - セッションに関わる状態は全て制御ループ上でのみ変更する
// - ファイル転送は転送用のループで順に実行する
// - 較正は制御ループを塞がないよう別のゴルーチンで実行し、完了のみをループへ通知する
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kapetan-io/tackle/clock"

	"shoten/internal/burst"
	"shoten/internal/device"
	"shoten/internal/errorgate"
	"shoten/internal/focus"
	"shoten/internal/marshal"
)

var (
	// ErrNoSession はセッションが開いていない場合のエラー
	ErrNoSession = errors.New("セッションが開いていません")
	// ErrCameraNotFound は指定されたカメラが見つからない場合のエラー
	ErrCameraNotFound = errors.New("指定されたカメラが見つかりません")
	// ErrInvalidSetting は設定値が候補にない場合のエラー
	ErrInvalidSetting = errors.New("無効な設定値です")
)

// ホスト保存時にカメラへ通知する空き容量
const (
	hostBytesPerSector = 4096
	hostFreeClusters   = math.MaxInt32
)

// Mirror はダウンロードしたファイルを外部ストレージへ複製する
type Mirror interface {
	Upload(ctx context.Context, path string) error
}

// Notifier はダウンロード完了を通知する
type Notifier interface {
	DownloadCompleted(info device.DownloadInfo, path string)
}

// Options はControllerの設定
type Options struct {
	Focus          focus.Config
	DestinationDir string
	FrameQuality   int
	MirrorTimeout  time.Duration
}

// Settings は露出設定の候補と現在値
type Settings struct {
	Options    map[device.PropertyID][]device.SettingOption `json:"options"`
	Values     map[device.PropertyID]int                    `json:"values"`
	SaveTarget string                                       `json:"save_target"`
	Recording  bool                                         `json:"recording"`
}

// Snapshot は表示用の状態一式
type Snapshot struct {
	SessionOpen    bool           `json:"session_open"`
	CameraID       string         `json:"camera_id,omitempty"`
	CameraName     string         `json:"camera_name,omitempty"`
	LiveView       bool           `json:"live_view"`
	Focus          focus.State    `json:"focus"`
	Ledger         map[string]int `json:"ledger"`
	Burst          burst.Plan     `json:"burst"`
	Locked         bool           `json:"locked"`
	ActiveErrors   int            `json:"active_errors"`
	Progress       int            `json:"progress"`
	DestinationDir string         `json:"destination_dir"`
	SaveTarget     string         `json:"save_target"`
	Downloads      int            `json:"downloads"`
	LastDownload   string         `json:"last_download,omitempty"`
	Calibrated     time.Time      `json:"calibrated,omitempty"`
	Display        DisplayStatus  `json:"display"`
}

// Controller はカメラセッションと制御部品を束ねる
type Controller struct {
	manager   *device.Manager
	gate      *errorgate.Gate
	control   *marshal.Loop
	transfers *marshal.Loop
	marshaler *marshal.Marshaler
	display   *Display
	opts      Options
	mirror    Mirror
	notifier  Notifier

	// sessMuはsessionの参照を転送ループから読むためのロック
	sessMu  sync.RWMutex
	session device.Session

	// 以下は制御ループ上でのみ触る
	cameraID      string
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	focus         *focus.Controller
	burst         *burst.Scheduler
	focusTicker   *marshal.Ticker
	burstTicker   *marshal.Ticker
	options       map[device.PropertyID][]device.SettingOption
	saveTarget    device.SaveTarget
	destDir       string
	progress      int
	downloads     int
	lastDownload  string
	calibrated    time.Time
}

// New は新しいControllerを作成する
//
// controlとtransfersのRunは呼び出し側で開始すること。
func New(manager *device.Manager, gate *errorgate.Gate, control, transfers *marshal.Loop, opts Options) *Controller {
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 30 * time.Second
	}
	c := &Controller{
		manager:    manager,
		gate:       gate,
		control:    control,
		transfers:  transfers,
		display:    NewDisplay(opts.FrameQuality),
		opts:       opts,
		saveTarget: device.SaveToCamera,
		destDir:    opts.DestinationDir,
	}
	c.marshaler = marshal.NewMarshaler(control, transfers, loopTarget{c}, gate)

	gate.OnLockdown(func() {
		c.control.Post(c.haltTickers)
	})
	return c
}

// SetMirror はダウンロード後の複製先を設定する
func (c *Controller) SetMirror(m Mirror) {
	c.mirror = m
}

// SetNotifier はダウンロード完了の通知先を設定する
func (c *Controller) SetNotifier(n Notifier) {
	c.notifier = n
}

// Display は表示面を返す
func (c *Controller) Display() *Display {
	return c.display
}

// Gate はエラーゲートを返す
func (c *Controller) Gate() *errorgate.Gate {
	return c.gate
}

// Cameras は検出済みのカメラ一覧を返す
func (c *Controller) Cameras() []device.Camera {
	return c.manager.GetCameras()
}

// Refresh はカメラを再検出する
func (c *Controller) Refresh(ctx context.Context) ([]device.Camera, error) {
	return c.manager.Refresh(ctx)
}

// OpenSession は指定カメラのセッションを開く。開いているセッションは先に閉じる
//
// セッションを開くとロックダウンは解除される。
func (c *Controller) OpenSession(ctx context.Context, cameraID string) error {
	return c.control.Call(ctx, func() error {
		if c.currentSession() != nil {
			c.closeSession()
		}

		s, ok := c.manager.Session(cameraID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
		}

		s.SetEventHandler(c.marshaler.Handle)
		if err := s.OpenSession(); err != nil {
			s.SetEventHandler(nil)
			return fmt.Errorf("セッションの開始に失敗: %w", err)
		}
		c.gate.Unlock()

		c.sessMu.Lock()
		c.session = s
		c.sessMu.Unlock()
		c.cameraID = cameraID
		c.sessionCtx, c.sessionCancel = context.WithCancel(context.Background())

		c.loadOptions(s)
		if v, err := s.GetIntegerProperty(device.PropertySaveTo); err == nil {
			c.saveTarget = device.SaveTarget(v)
		}

		c.focus = focus.NewController(s, c.gate, c.opts.Focus)
		c.focusTicker = marshal.NewTicker(c.control, c.focus.OnPacingTick)
		c.focus.AttachPacer(c.focusTicker)

		c.burst = burst.NewScheduler(s, c.gate)
		c.burstTicker = marshal.NewTicker(c.control, c.burst.OnTick)
		c.burst.AttachPacer(c.burstTicker)

		log.Printf("セッションを開始しました: %s", s.Name())
		return nil
	})
}

// CloseSession は開いているセッションを閉じる
func (c *Controller) CloseSession(ctx context.Context) error {
	return c.control.Call(ctx, func() error {
		if c.currentSession() == nil {
			return ErrNoSession
		}
		c.closeSession()
		return nil
	})
}

// loadOptions はAv/Tv/ISOの候補一覧を取得する
func (c *Controller) loadOptions(s device.Session) {
	c.options = make(map[device.PropertyID][]device.SettingOption)
	for _, id := range []device.PropertyID{device.PropertyAv, device.PropertyTv, device.PropertyISO} {
		opts, err := s.GetSettingOptions(id)
		if err != nil {
			c.gate.Report(fmt.Sprintf("%s の候補一覧の取得に失敗: %v", id, err), false)
			continue
		}
		c.options[id] = opts
	}
}

// closeSession はセッションを閉じ、依存する状態を解放する（制御ループ上で呼ぶ）
func (c *Controller) closeSession() {
	s := c.currentSession()
	if s == nil {
		return
	}

	c.haltTickers()
	if c.sessionCancel != nil {
		c.sessionCancel()
	}

	if s.LiveViewOn() {
		if err := s.StopLiveView(); err != nil {
			log.Printf("ライブビューの停止に失敗: %v", err)
		}
	}
	if err := s.CloseSession(); err != nil {
		c.gate.Report(fmt.Sprintf("セッションの終了に失敗: %v", err), false)
	}
	s.SetEventHandler(nil)

	c.sessMu.Lock()
	c.session = nil
	c.sessMu.Unlock()

	c.cameraID = ""
	c.options = nil
	c.focus = nil
	c.burst = nil
	c.focusTicker = nil
	c.burstTicker = nil
	c.display.Clear()
	log.Printf("セッションを終了しました: %s", s.Name())
}

// haltTickers はフォーカスと撮影の周期を止める（制御ループ上で呼ぶ）
func (c *Controller) haltTickers() {
	if c.focusTicker != nil {
		c.focusTicker.Stop()
	}
	if c.burstTicker != nil {
		c.burstTicker.Stop()
	}
}

// Settings は露出設定の候補と現在値を返す
func (c *Controller) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	err := c.control.Call(ctx, func() error {
		s := c.currentSession()
		if s == nil {
			return ErrNoSession
		}

		out.Options = make(map[device.PropertyID][]device.SettingOption, len(c.options))
		out.Values = make(map[device.PropertyID]int, len(c.options))
		for id, opts := range c.options {
			out.Options[id] = slices.Clone(opts)
			if v, err := s.GetIntegerProperty(id); err == nil {
				out.Values[id] = v
			}
		}
		out.SaveTarget = c.saveTarget.String()
		if v, err := s.GetIntegerProperty(device.PropertyRecord); err == nil {
			out.Recording = v == device.RecordingOn
		}
		return nil
	})
	return out, err
}

// SetProperty はAv/Tv/ISOのいずれかを候補の値に設定する
func (c *Controller) SetProperty(ctx context.Context, id device.PropertyID, value int) error {
	return c.control.Call(ctx, func() error {
		s := c.currentSession()
		if s == nil {
			return ErrNoSession
		}

		valid := slices.ContainsFunc(c.options[id], func(o device.SettingOption) bool {
			return o.Value == value
		})
		if !valid {
			return fmt.Errorf("%w: %s=%d", ErrInvalidSetting, id, value)
		}
		if err := s.SetIntegerProperty(id, value); err != nil {
			return fmt.Errorf("%s の設定に失敗: %w", id, err)
		}
		return nil
	})
}

// SetSaveTarget は撮影画像の保存先を設定する
//
// ホストへ保存する場合はカメラに十分な空き容量を通知する。
func (c *Controller) SetSaveTarget(ctx context.Context, target device.SaveTarget) error {
	return c.control.Call(ctx, func() error {
		s := c.currentSession()
		if s == nil {
			return ErrNoSession
		}
		if err := s.SetIntegerProperty(device.PropertySaveTo, int(target)); err != nil {
			return fmt.Errorf("保存先の設定に失敗: %w", err)
		}
		if target.IncludesHost() {
			if err := s.SetCapacity(hostBytesPerSector, hostFreeClusters); err != nil {
				return fmt.Errorf("空き容量の通知に失敗: %w", err)
			}
		}
		c.saveTarget = target
		return nil
	})
}

// ToggleRecording は動画記録を開始または停止し、記録中かを返す
//
// 停止時は保存先がホストを含む場合のみ動画を転送する。
func (c *Controller) ToggleRecording(ctx context.Context) (bool, error) {
	var recording bool
	err := c.control.Call(ctx, func() error {
		s := c.currentSession()
		if s == nil {
			return ErrNoSession
		}

		state, err := s.GetIntegerProperty(device.PropertyRecord)
		if err != nil {
			return fmt.Errorf("記録状態の取得に失敗: %w", err)
		}
		if state != device.RecordingOn {
			if err := s.StartFilming(); err != nil {
				return fmt.Errorf("動画記録の開始に失敗: %w", err)
			}
			recording = true
			return nil
		}
		if err := s.StopFilming(c.saveTarget.IncludesHost()); err != nil {
			return fmt.Errorf("動画記録の停止に失敗: %w", err)
		}
		recording = false
		return nil
	})
	return recording, err
}

// StartLiveView はライブビューとペーシングを開始し、レンズを較正する
//
// 較正は別のゴルーチンで実行され、この呼び出しは完了を待たない。
func (c *Controller) StartLiveView(ctx context.Context) error {
	return c.control.Call(ctx, func() error {
		s := c.currentSession()
		if s == nil {
			return ErrNoSession
		}
		if s.LiveViewOn() {
			return nil
		}
		if err := s.StartLiveView(); err != nil {
			return fmt.Errorf("ライブビューの開始に失敗: %w", err)
		}

		fc := c.focus
		c.focusTicker.Reset(fc.Config().PacingInterval)
		c.calibrate(c.sessionCtx, fc)
		return nil
	})
}

// calibrate は較正をワーカーで実行し、完了だけを制御ループへ通知する
func (c *Controller) calibrate(ctx context.Context, fc *focus.Controller) {
	go func() {
		err := fc.DriveToMinimum(ctx)
		switch {
		case err == nil:
			c.control.Post(func() {
				if c.focus == fc {
					c.calibrated = clock.Now()
				}
			})
		case errors.Is(err, context.Canceled), errors.Is(err, focus.ErrLocked), errors.Is(err, focus.ErrBusy):
			log.Printf("レンズの較正を実行しませんでした: %v", err)
		default:
			c.gate.Report(fmt.Sprintf("レンズの較正に失敗: %v", err), false)
		}
	}()
}

// StopLiveView はライブビューとペーシングを停止する
func (c *Controller) StopLiveView(ctx context.Context) error {
	return c.control.Call(ctx, func() error {
		s := c.currentSession()
		if s == nil {
			return ErrNoSession
		}
		if err := s.StopLiveView(); err != nil {
			return fmt.Errorf("ライブビューの停止に失敗: %w", err)
		}
		c.focusTicker.Stop()
		return nil
	})
}

// SetDestinationDir はダウンロード先ディレクトリを設定する
func (c *Controller) SetDestinationDir(ctx context.Context, dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: 保存先ディレクトリが空です", ErrInvalidSetting)
	}
	dir = filepath.Clean(dir)
	return c.control.Call(ctx, func() error {
		c.destDir = dir
		return nil
	})
}

// PlanDistance は距離からフォーカス目標を設定する
func (c *Controller) PlanDistance(ctx context.Context, distance float64) error {
	return c.withFocus(ctx, func(fc *focus.Controller) error {
		return fc.PlanDistance(distance)
	})
}

// PlanTicks はフォーカス目標をティック数で設定する
//
// 0の場合は較正を行い、完了まで戻らない。
func (c *Controller) PlanTicks(ctx context.Context, ticks int) error {
	if ticks == 0 {
		return c.DriveToMinimum(ctx)
	}
	return c.withFocus(ctx, func(fc *focus.Controller) error {
		return fc.PlanTicks(ctx, ticks)
	})
}

// DriveToMinimum はレンズを較正し、完了まで待つ
//
// 較正は呼び出し元のゴルーチンで実行され、制御ループは塞がない。
// セッションが閉じられると中断する。
func (c *Controller) DriveToMinimum(ctx context.Context) error {
	var (
		fc      *focus.Controller
		sessCtx context.Context
	)
	err := c.control.Call(ctx, func() error {
		if c.focus == nil {
			return ErrNoSession
		}
		fc = c.focus
		sessCtx = c.sessionCtx
		return nil
	})
	if err != nil {
		return err
	}

	if err := fc.DriveToMinimum(sessCtx); err != nil {
		return err
	}
	c.control.Post(func() {
		if c.focus == fc {
			c.calibrated = clock.Now()
		}
	})
	return nil
}

// Nudge はレンズを手動で1回駆動する
func (c *Controller) Nudge(ctx context.Context, dir device.Direction, magnitude int) error {
	return c.withFocus(ctx, func(fc *focus.Controller) error {
		return fc.Nudge(dir, magnitude)
	})
}

// ClearLedger はステップ数の記録を消去する
func (c *Controller) ClearLedger(ctx context.Context) error {
	return c.withFocus(ctx, func(fc *focus.Controller) error {
		fc.ClearLedger()
		return nil
	})
}

// ArmBurst はバースト撮影を開始する
func (c *Controller) ArmBurst(ctx context.Context, intervalMillis, count int) error {
	return c.control.Call(ctx, func() error {
		if c.burst == nil {
			return ErrNoSession
		}
		return c.burst.Arm(intervalMillis, count)
	})
}

// BurstPlan はバースト撮影の計画と進捗を返す
func (c *Controller) BurstPlan(ctx context.Context) (burst.Plan, error) {
	var plan burst.Plan
	err := c.control.Call(ctx, func() error {
		if c.burst == nil {
			return ErrNoSession
		}
		plan = c.burst.Plan()
		return nil
	})
	return plan, err
}

// FocusState はフォーカス位置の推定値と記録を返す
func (c *Controller) FocusState(ctx context.Context) (focus.State, focus.Ledger, error) {
	var (
		st     focus.State
		ledger focus.Ledger
	)
	err := c.withFocus(ctx, func(fc *focus.Controller) error {
		st = fc.State()
		ledger = fc.Ledger()
		return nil
	})
	return st, ledger, err
}

// Snapshot は表示用の状態一式を返す
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.control.Call(ctx, func() error {
		s := c.currentSession()
		snap = Snapshot{
			SessionOpen:    s != nil && s.SessionOpen(),
			CameraID:       c.cameraID,
			Locked:         c.gate.Locked(),
			ActiveErrors:   c.gate.Active(),
			Progress:       c.progress,
			DestinationDir: c.destDir,
			SaveTarget:     c.saveTarget.String(),
			Downloads:      c.downloads,
			LastDownload:   c.lastDownload,
			Calibrated:     c.calibrated,
			Display:        c.display.Status(),
		}
		if s != nil {
			snap.CameraName = s.Name()
			snap.LiveView = s.LiveViewOn()
		}
		if c.focus != nil {
			snap.Focus = c.focus.State()
			snap.Ledger = c.focus.Ledger().Map()
		}
		if c.burst != nil {
			snap.Burst = c.burst.Plan()
		}
		return nil
	})
	return snap, err
}

// Close はセッションを閉じる（終了時）
func (c *Controller) Close(ctx context.Context) error {
	err := c.CloseSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// withFocus は制御ループ上でフォーカス制御を呼び出す
func (c *Controller) withFocus(ctx context.Context, fn func(fc *focus.Controller) error) error {
	return c.control.Call(ctx, func() error {
		if c.focus == nil {
			return ErrNoSession
		}
		return fn(c.focus)
	})
}

func (c *Controller) currentSession() device.Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.session
}
