package marshal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kapetan-io/tackle/clock"
)

// Ticker はコールバックをLoop上で周期的に実行する
//
// 前回のコールバックがまだLoopで待機中の場合、その周期は投入しない。
type Ticker struct {
	loop *Loop
	fn   func()

	mu       sync.Mutex
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	pending  atomic.Bool
}

// NewTicker は停止状態のTickerを作成する
func NewTicker(loop *Loop, fn func()) *Ticker {
	return &Ticker{loop: loop, fn: fn}
}

// Reset は実行中の周期を止め、新しい間隔で再開する
func (t *Ticker) Reset(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	if interval <= 0 {
		return
	}

	t.interval = interval
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.run(interval, t.stopCh)
}

// Stop は周期を停止する
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Running は周期が動作中かを返す
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCh != nil
}

// Interval は現在の間隔を返す
func (t *Ticker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// stopLocked は周期ゴルーチンを停止する（ロック済み前提）
func (t *Ticker) stopLocked() {
	if t.stopCh == nil {
		return
	}
	close(t.stopCh)
	t.stopCh = nil
	t.wg.Wait()
}

func (t *Ticker) run(interval time.Duration, stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-t.loop.Done():
			return
		case <-ticker.C():
			if !t.pending.CompareAndSwap(false, true) {
				continue
			}
			posted := t.loop.Post(func() {
				t.pending.Store(false)
				select {
				case <-stopCh:
					// 停止後に残っていた周期は実行しない
					return
				default:
				}
				t.fn()
			})
			if !posted {
				return
			}
		}
	}
}
