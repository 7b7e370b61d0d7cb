package marshal

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync"

	"shoten/internal/device"
)

// Target はLoop上でイベントを受け取る状態の持ち主
//
// ShowFrame, SetProgress, SessionOpen, CloseSession, Session, DestinationDir はLoop上で呼ばれる。
// Download は転送用のLoop上で呼ばれ、DownloadReadyの到着時に開いていたセッションを受け取る。
type Target interface {
	ShowFrame(img image.Image)
	SetProgress(percent int)
	SessionOpen() bool
	CloseSession()
	Session() device.Session
	DestinationDir() string
	Download(s device.Session, info device.DownloadInfo, dir string) error
}

// Marshaler はSDKイベントをLoopへ受け渡す
type Marshaler struct {
	control   *Loop
	transfers *Loop
	target    Target
	sink      device.ErrorSink

	progressMu      sync.Mutex
	progressPending bool
	progressLatest  int
}

// NewMarshaler は新しいMarshalerを作成する
//
// transfersはファイル転送を順に実行するためのLoopで、controlとは別に動かす。
func NewMarshaler(control, transfers *Loop, target Target, sink device.ErrorSink) *Marshaler {
	return &Marshaler{
		control:   control,
		transfers: transfers,
		target:    target,
		sink:      sink,
	}
}

// Handle はSDKのコールバックを受け取る。呼び出し元をブロックしない
func (m *Marshaler) Handle(ev device.Event) {
	eventsTotal.WithLabelValues(string(ev.Kind())).Inc()

	switch e := ev.(type) {
	case *device.LiveViewFrame:
		m.handleFrame(e)
	case device.ProgressChanged:
		m.deliverProgress(e.Percent)
	case device.StateChanged:
		m.handleState(e)
	case device.DownloadReady:
		m.handleDownload(e)
	}
}

// handleFrame はフレームをLoop上でデコードして表示する
func (m *Marshaler) handleFrame(frame *device.LiveViewFrame) {
	posted := m.control.Post(func() {
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		frame.Release()
		if err != nil {
			decodeFailures.Inc()
			m.report(fmt.Sprintf("ライブビュー画像のデコードに失敗: %v", err))
			return
		}
		m.target.ShowFrame(img)
	})
	if !posted {
		frame.Release()
	}
}

// deliverProgress は最新の進捗値だけをLoopへ届ける
func (m *Marshaler) deliverProgress(percent int) {
	m.progressMu.Lock()
	if m.progressPending {
		m.progressLatest = percent
		m.progressMu.Unlock()
		progressDropped.Inc()
		return
	}
	m.progressPending = true
	m.progressLatest = percent
	m.progressMu.Unlock()

	posted := m.control.Post(func() {
		m.progressMu.Lock()
		value := m.progressLatest
		m.progressPending = false
		m.progressMu.Unlock()

		m.target.SetProgress(value)
	})
	if !posted {
		m.progressMu.Lock()
		m.progressPending = false
		m.progressMu.Unlock()
	}
}

// handleState はシャットダウン通知でセッションを閉じる
func (m *Marshaler) handleState(e device.StateChanged) {
	m.control.Post(func() {
		if e.ID == device.StateShutdown && m.target.SessionOpen() {
			m.target.CloseSession()
		}
	})
}

// handleDownload はセッションと保存先をLoop上で読み、転送Loopでダウンロードする
//
// セッションが既に閉じていればファイルは取得しない。
func (m *Marshaler) handleDownload(e device.DownloadReady) {
	m.control.Post(func() {
		s := m.target.Session()
		if s == nil {
			log.Printf("セッション終了後のため %s を取得しません", e.Info.FileName)
			return
		}
		dir := m.target.DestinationDir()
		m.transfers.Post(func() {
			if err := m.target.Download(s, e.Info, dir); err != nil {
				m.report(fmt.Sprintf("%s のダウンロードに失敗: %v", e.Info.FileName, err))
			}
			m.deliverProgress(0)
		})
	})
}

func (m *Marshaler) report(message string) {
	if m.sink != nil {
		m.sink.Report(message, false)
	}
}
