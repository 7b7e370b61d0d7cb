package device

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapetan-io/tackle/clock"
)

// Operation はシミュレーターで失敗を注入できる操作
type Operation string

const (
	OpOpen     Operation = "open"
	OpProperty Operation = "property"
	OpStep     Operation = "step"
	OpCapture  Operation = "capture"
	OpDownload Operation = "download"
	OpLiveView Operation = "live_view"
)

// SimulatorConfig はシミュレーターの動作設定
type SimulatorConfig struct {
	Serial        string
	Name          string
	LensRange     int           // レンズ駆動範囲（ステップ数）
	FrameInterval time.Duration // ライブビューのフレーム間隔
	CaptureDelay  time.Duration // 撮影からDownloadReadyまでの遅延
	FrameWidth    int
	FrameHeight   int
}

// DefaultSimulatorConfig はデフォルトのシミュレーター設定を返す
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Serial:        "SIM-0001",
		Name:          "Simulated EOS",
		LensRange:     1800,
		FrameInterval: 100 * time.Millisecond,
		CaptureDelay:  200 * time.Millisecond,
		FrameWidth:    320,
		FrameHeight:   240,
	}
}

// Simulator はインプロセスで動作するSession実装
//
// コールバックは内部ゴルーチンから発火し、SDK所有スレッドからの呼び出しを再現する。
type Simulator struct {
	config SimulatorConfig
	sink   ErrorSink

	mu          sync.RWMutex
	open        bool
	liveView    bool
	properties  map[PropertyID]int
	lensPos     int
	commands    []StepCommand
	captures    int
	handler     func(Event)
	shouldFail  map[Operation]bool
	liveStopCh  chan struct{}
	wg          sync.WaitGroup
	framePool   sync.Pool
	framesOut   int
	framesFreed int
}

// NewSimulator は新しいSimulatorを作成する
func NewSimulator(config SimulatorConfig, sink ErrorSink) *Simulator {
	return &Simulator{
		config: config,
		sink:   sink,
		properties: map[PropertyID]int{
			PropertyAv:     avOptions[3].Value,
			PropertyTv:     tvOptions[5].Value,
			PropertyISO:    isoOptions[1].Value,
			PropertySaveTo: int(SaveToHost),
			PropertyRecord: RecordingOff,
		},
		shouldFail: make(map[Operation]bool),
	}
}

var (
	avOptions = []SettingOption{
		{"1.8", 0x15}, {"2.8", 0x20}, {"4.0", 0x28}, {"5.6", 0x30}, {"8.0", 0x38}, {"11", 0x40}, {"16", 0x48},
	}
	tvOptions = []SettingOption{
		{"Bulb", 0x0C}, {"1\"", 0x38}, {"1/4", 0x48}, {"1/15", 0x58}, {"1/60", 0x68}, {"1/125", 0x70}, {"1/500", 0x80}, {"1/4000", 0x98},
	}
	isoOptions = []SettingOption{
		{"Auto", 0x00}, {"100", 0x48}, {"200", 0x50}, {"400", 0x58}, {"800", 0x60}, {"1600", 0x68}, {"3200", 0x70},
	}
)

// ID はデバイスのシリアルを返す
func (s *Simulator) ID() string { return s.config.Serial }

// Name はデバイス名を返す
func (s *Simulator) Name() string { return s.config.Name }

// OpenSession はセッションを開く
func (s *Simulator) OpenSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shouldFail[OpOpen] {
		return fmt.Errorf("シミュレーター: セッションを開けません")
	}
	s.open = true
	return nil
}

// CloseSession はセッションを閉じる
func (s *Simulator) CloseSession() error {
	s.mu.Lock()
	s.open = false
	stopCh := s.liveStopCh
	s.liveStopCh = nil
	s.liveView = false
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
	return nil
}

// SessionOpen はセッションが開いているかを返す
func (s *Simulator) SessionOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// SetIntegerProperty はプロパティを設定する
func (s *Simulator) SetIntegerProperty(id PropertyID, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpProperty); err != nil {
		return err
	}
	s.properties[id] = value
	return nil
}

// GetIntegerProperty はプロパティを取得する
func (s *Simulator) GetIntegerProperty(id PropertyID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(OpProperty); err != nil {
		return 0, err
	}
	v, ok := s.properties[id]
	if !ok {
		return 0, fmt.Errorf("シミュレーター: 不明なプロパティ %s", id)
	}
	return v, nil
}

// GetSettingOptions は設定候補一覧を取得する
func (s *Simulator) GetSettingOptions(id PropertyID) ([]SettingOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(OpProperty); err != nil {
		return nil, err
	}

	var src []SettingOption
	switch id {
	case PropertyAv:
		src = avOptions
	case PropertyTv:
		src = tvOptions
	case PropertyISO:
		src = isoOptions
	default:
		return nil, fmt.Errorf("シミュレーター: %s は候補一覧を持ちません", id)
	}

	out := make([]SettingOption, len(src))
	copy(out, src)
	return out, nil
}

// SetCapacity はホスト側の空き容量を通知する
func (s *Simulator) SetCapacity(_, _ int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(OpProperty)
}

// SendStepCommand はレンズを相対駆動する。駆動範囲の端で止まる
func (s *Simulator) SendStepCommand(cmd StepCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpStep); err != nil {
		return err
	}

	s.commands = append(s.commands, cmd)
	s.lensPos += cmd.Sign()
	if s.lensPos < 0 {
		s.lensPos = 0
	}
	if s.lensPos > s.config.LensRange {
		s.lensPos = s.config.LensRange
	}
	return nil
}

// TakePhotoAsync は撮影を要求する。完了はDownloadReadyで通知される
func (s *Simulator) TakePhotoAsync() error {
	s.mu.Lock()
	if err := s.checkLocked(OpCapture); err != nil {
		s.mu.Unlock()
		return err
	}
	s.captures++
	info := DownloadInfo{
		RequestID: uuid.New().String(),
		FileName:  fmt.Sprintf("IMG_%04d.JPG", s.captures),
	}
	delay := s.config.CaptureDelay
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		clock.Sleep(delay)
		info.CreatedAt = clock.Now()
		s.emit(DownloadReady{Info: info})
	}()
	return nil
}

// StartFilming は動画記録を開始する
func (s *Simulator) StartFilming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpCapture); err != nil {
		return err
	}
	s.properties[PropertyRecord] = RecordingOn
	return nil
}

// StopFilming は動画記録を停止する
func (s *Simulator) StopFilming(save bool) error {
	s.mu.Lock()
	if err := s.checkLocked(OpCapture); err != nil {
		s.mu.Unlock()
		return err
	}
	s.properties[PropertyRecord] = RecordingOff
	if !save {
		s.mu.Unlock()
		return nil
	}
	s.captures++
	info := DownloadInfo{
		RequestID: uuid.New().String(),
		FileName:  fmt.Sprintf("MVI_%04d.MOV", s.captures),
		CreatedAt: clock.Now(),
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.emit(DownloadReady{Info: info})
	}()
	return nil
}

// DownloadFile はファイルをdirへ転送し、保存先パスを返す
func (s *Simulator) DownloadFile(info DownloadInfo, dir string) (string, error) {
	s.mu.RLock()
	err := s.checkLocked(OpDownload)
	width, height := s.config.FrameWidth, s.config.FrameHeight
	s.mu.RUnlock()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	data, err := renderJPEG(width, height, len(info.FileName))
	if err != nil {
		return "", err
	}

	for p := 0; p <= 100; p += 25 {
		s.emit(ProgressChanged{Percent: p})
	}

	path := filepath.Join(dir, info.FileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}
	return path, nil
}

// StartLiveView はライブビューを開始する
func (s *Simulator) StartLiveView() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpLiveView); err != nil {
		return err
	}
	if s.liveView {
		return nil
	}

	s.liveView = true
	s.liveStopCh = make(chan struct{})
	s.wg.Add(1)
	go s.streamFrames(s.liveStopCh)
	return nil
}

// StopLiveView はライブビューを停止する
func (s *Simulator) StopLiveView() error {
	s.mu.Lock()
	stopCh := s.liveStopCh
	s.liveStopCh = nil
	s.liveView = false
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	return nil
}

// LiveViewOn はライブビュー中かを返す
func (s *Simulator) LiveViewOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveView
}

// SetEventHandler はコールバックの受け口を登録する
func (s *Simulator) SetEventHandler(handler func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Disconnect はデバイスの切断を再現する
func (s *Simulator) Disconnect() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emit(StateChanged{ID: StateShutdown})
		if s.sink != nil {
			s.sink.Report(fmt.Sprintf("デバイス %s が切断されました", s.config.Name), true)
		}
	}()
}

// EmitFrame は任意のデータをライブビューフレームとして発火する（テスト用）
func (s *Simulator) EmitFrame(data []byte) {
	s.mu.Lock()
	s.framesOut++
	s.mu.Unlock()
	s.emit(NewLiveViewFrame(data, s.releaseFrame))
}

// EmitEvent は任意のイベントを発火する（テスト用）
func (s *Simulator) EmitEvent(ev Event) {
	s.emit(ev)
}

// SetShouldFail はテスト用に操作の失敗を設定する
func (s *Simulator) SetShouldFail(op Operation, shouldFail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldFail[op] = shouldFail
}

// LensPosition はシミュレーター内部の実レンズ位置を返す
func (s *Simulator) LensPosition() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lensPos
}

// Commands は受理したステップコマンドの履歴を返す
func (s *Simulator) Commands() []StepCommand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StepCommand, len(s.commands))
	copy(out, s.commands)
	return out
}

// Captures は受理した撮影要求の数を返す
func (s *Simulator) Captures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captures
}

// OutstandingFrames は未解放のフレーム数を返す
func (s *Simulator) OutstandingFrames() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framesOut - s.framesFreed
}

// Wait は発火中のコールバックゴルーチンの終了を待つ
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// checkLocked はセッション状態と失敗注入を確認する（ロック済み前提）
func (s *Simulator) checkLocked(op Operation) error {
	if !s.open {
		return ErrSessionClosed
	}
	if s.shouldFail[op] {
		return fmt.Errorf("シミュレーター: %s に失敗 (0x%X)", op, 0x8D)
	}
	return nil
}

func (s *Simulator) emit(ev Event) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		if f, ok := ev.(*LiveViewFrame); ok {
			f.Release()
		}
		return
	}
	handler(ev)
}

// streamFrames はライブビューフレームを定期的に発火する
func (s *Simulator) streamFrames(stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := clock.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			seq++
			data, err := s.nextFrame(seq)
			if err != nil {
				if s.sink != nil {
					s.sink.Report(fmt.Sprintf("ライブビューフレームの生成に失敗: %v", err), false)
				}
				continue
			}
			s.mu.Lock()
			s.framesOut++
			s.mu.Unlock()
			s.emit(NewLiveViewFrame(data, s.releaseFrame))
		}
	}
}

// nextFrame はプールしたバッファにフレームを描画する
func (s *Simulator) nextFrame(seq int) ([]byte, error) {
	s.mu.RLock()
	width, height := s.config.FrameWidth, s.config.FrameHeight
	shade := s.lensPos
	s.mu.RUnlock()

	encoded, err := renderJPEG(width, height, seq+shade)
	if err != nil {
		return nil, err
	}

	var buf []byte
	if p, ok := s.framePool.Get().(*[]byte); ok {
		buf = *p
	}
	buf = append(buf[:0], encoded...)
	return buf, nil
}

func (s *Simulator) releaseFrame(buf []byte) {
	s.mu.Lock()
	s.framesFreed++
	s.mu.Unlock()
	if buf != nil {
		buf = buf[:0]
		s.framePool.Put(&buf)
	}
}

// renderJPEG はグラデーション画像をJPEGで生成する
func renderJPEG(width, height, seed int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y + seed) % 256)})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
