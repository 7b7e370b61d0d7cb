package remote

import (
	"bytes"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"github.com/kapetan-io/tackle/clock"
)

// DisplayStatus は表示面の状態
type DisplayStatus struct {
	Frames      int       `json:"frames"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	LastFrame   time.Time `json:"last_frame"`
	Subscribers int       `json:"subscribers"`
}

// Display はライブビュー画像の表示面
//
// ShowFrameは制御ループ上で呼ばれ、JPEGに再エンコードした画像を購読者へ配る。
// 受信が追いつかない購読者には古いフレームを破棄して最新を渡す。
type Display struct {
	quality int

	mu     sync.RWMutex
	latest []byte
	status DisplayStatus
	subs   map[int]chan []byte
	nextID int
}

// NewDisplay は新しいDisplayを作成する。qualityはJPEG品質（1〜100）
func NewDisplay(quality int) *Display {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Display{
		quality: quality,
		subs:    make(map[int]chan []byte),
	}
}

// ShowFrame はデコード済みの画像を表示する
func (d *Display) ShowFrame(img image.Image) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.quality}); err != nil {
		log.Printf("ライブビュー画像のエンコードに失敗: %v", err)
		return
	}
	frame := buf.Bytes()
	bounds := img.Bounds()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.latest = frame
	d.status.Frames++
	d.status.Width = bounds.Dx()
	d.status.Height = bounds.Dy()
	d.status.LastFrame = clock.Now()

	for _, ch := range d.subs {
		select {
		case ch <- frame:
		default:
			// 古いフレームを破棄して最新を入れる
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// Latest は最後に表示したJPEGフレームを返す
func (d *Display) Latest() ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest, d.latest != nil
}

// Subscribe はフレームの購読を開始する。戻り値の関数で購読を解除する
func (d *Display) Subscribe() (<-chan []byte, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	ch := make(chan []byte, 2)
	d.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.subs, id)
		})
	}
}

// Clear は表示中の画像を消去する（セッション終了時）
func (d *Display) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest = nil
	d.status.Width = 0
	d.status.Height = 0
}

// Status は表示面の状態を返す
func (d *Display) Status() DisplayStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := d.status
	st.Subscribers = len(d.subs)
	return st
}
