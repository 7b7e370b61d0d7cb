package device

import "sync"

// Event はSDKから届くコールバックを表す閉じた型
//
// 実装はこのパッケージの4種類のみ:
// LiveViewFrame, ProgressChanged, StateChanged, DownloadReady
type Event interface {
	Kind() EventKind
	isEvent()
}

// EventKind はイベントの種類
type EventKind string

const (
	KindLiveViewFrame   EventKind = "live_view_frame"
	KindProgressChanged EventKind = "progress_changed"
	KindStateChanged    EventKind = "state_changed"
	KindDownloadReady   EventKind = "download_ready"
)

// LiveViewFrame はライブビュー1枚分の生データ
//
// 受け取った側がバッファの所有権を持ち、使用後に必ずReleaseを呼ぶ。
type LiveViewFrame struct {
	Data []byte

	once    sync.Once
	release func([]byte)
}

// NewLiveViewFrame は解放関数付きのフレームを作成する
func NewLiveViewFrame(data []byte, release func([]byte)) *LiveViewFrame {
	return &LiveViewFrame{Data: data, release: release}
}

// Release はバッファを解放する。複数回呼んでも安全
func (f *LiveViewFrame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release(f.Data)
		}
		f.Data = nil
	})
}

func (*LiveViewFrame) Kind() EventKind { return KindLiveViewFrame }
func (*LiveViewFrame) isEvent()        {}

// ProgressChanged は転送進捗（0〜100）
type ProgressChanged struct {
	Percent int
}

func (ProgressChanged) Kind() EventKind { return KindProgressChanged }
func (ProgressChanged) isEvent()        {}

// StateEventID はセッション状態イベントの種類
type StateEventID int

const (
	StateShutdown StateEventID = iota + 1
	StateJobStatusChanged
	StateWillSoonShutDown
	StateInternalError
)

func (id StateEventID) String() string {
	switch id {
	case StateShutdown:
		return "shutdown"
	case StateJobStatusChanged:
		return "job_status_changed"
	case StateWillSoonShutDown:
		return "will_soon_shutdown"
	case StateInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// StateChanged はセッション状態の変化
type StateChanged struct {
	ID        StateEventID
	Parameter int
}

func (StateChanged) Kind() EventKind { return KindStateChanged }
func (StateChanged) isEvent()        {}

// DownloadReady は撮影ファイルの転送準備完了
type DownloadReady struct {
	Info DownloadInfo
}

func (DownloadReady) Kind() EventKind { return KindDownloadReady }
func (DownloadReady) isEvent()        {}
