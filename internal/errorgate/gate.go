// Package errorgate はエラー報告の直列化とロックダウンを担う
//
// 同時に処理中のエラー報告数を数え、一定数を超えた報告の提示を抑制する。
// 重大なエラーは以降の操作を無効化し（ロックダウン）、明示的に解除されるまで維持する。
package errorgate

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapetan-io/tackle/clock"
)

// DefaultThreshold は個別提示をやめて集約通知に切り替える件数
const DefaultThreshold = 4

// AggregateMessage は閾値到達時に一度だけ提示するメッセージ
const AggregateMessage = "多数のエラーが発生しました"

// Report は1件のエラー報告
type Report struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severe    bool      `json:"severe"`
	Aggregate bool      `json:"aggregate"`
	At        time.Time `json:"at"`
}

// Presenter はエラーの提示先
//
// Presentは報告元のゴルーチンで呼ばれ、戻るまでその報告は処理中として数えられる。
type Presenter interface {
	Present(r Report)
}

// PresenterFunc は関数をPresenterとして扱う
type PresenterFunc func(r Report)

// Present はfを呼び出す
func (f PresenterFunc) Present(r Report) { f(r) }

// Gate はエラー報告を直列化し、ロックダウン状態を管理する
type Gate struct {
	mu        sync.Mutex
	active    int
	locked    bool
	threshold int
	presenter Presenter
	onLock    []func()

	subsMu sync.RWMutex
	subs   map[int]chan Report
	nextID int
}

// New は新しいGateを作成する。presenterはnilでもよい
func New(threshold int, presenter Presenter) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Gate{
		threshold: threshold,
		presenter: presenter,
		subs:      make(map[int]chan Report),
	}
}

// Report はエラーを報告する。任意のゴルーチンから呼んでよい
func (g *Gate) Report(message string, severe bool) {
	g.mu.Lock()
	g.active++
	count := g.active
	var hooks []func()
	if severe && !g.locked {
		g.locked = true
		hooks = append(hooks, g.onLock...)
		lockdownGauge.Set(1)
	}
	activeGauge.Set(float64(count))
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		activeGauge.Set(float64(g.active))
		g.mu.Unlock()
	}()

	reportsTotal.WithLabelValues(severityLabel(severe)).Inc()
	for _, hook := range hooks {
		hook()
	}

	r := Report{
		ID:      uuid.New().String(),
		Message: message,
		Severe:  severe,
		At:      clock.Now(),
	}

	switch {
	case count < g.threshold:
		g.present(r)
	case count == g.threshold:
		r.Message = AggregateMessage
		r.Aggregate = true
		g.present(r)
	default:
		suppressedTotal.Inc()
		log.Printf("エラー提示を抑制しました (処理中 %d 件): %s", count, message)
	}
}

// Locked はロックダウン中かを返す
func (g *Gate) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// Unlock はロックダウンを解除する（セッションの開き直し時）
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locked {
		log.Println("ロックダウンを解除しました")
	}
	g.locked = false
	lockdownGauge.Set(0)
}

// Active は処理中の報告数を返す
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// OnLockdown はロックダウン発生時に呼ばれる関数を登録する
func (g *Gate) OnLockdown(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLock = append(g.onLock, fn)
}

// Subscribe は提示されたエラーのストリームを購読する
//
// 受信が追いつかない購読者への配信は破棄される。
func (g *Gate) Subscribe() (<-chan Report, func()) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	id := g.nextID
	g.nextID++
	ch := make(chan Report, 16)
	g.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subsMu.Lock()
			delete(g.subs, id)
			g.subsMu.Unlock()
			close(ch)
		})
	}
}

func (g *Gate) present(r Report) {
	if r.Severe {
		log.Printf("重大なエラー: %s", r.Message)
	} else {
		log.Printf("エラー: %s", r.Message)
	}

	g.subsMu.RLock()
	for _, ch := range g.subs {
		select {
		case ch <- r:
		default:
		}
	}
	g.subsMu.RUnlock()

	if g.presenter != nil {
		g.presenter.Present(r)
	}
}

func severityLabel(severe bool) string {
	if severe {
		return "severe"
	}
	return "non_severe"
}
