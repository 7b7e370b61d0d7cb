package marshal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrStopped はLoopが停止済みの場合のエラー
var ErrStopped = errors.New("制御ループは停止しています")

// Loop は投入された関数を1つのゴルーチンで順に実行する
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

// NewLoop は新しいLoopを作成する
func NewLoop(name string) *Loop {
	return &Loop{
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post はfnを実行待ちに追加する。停止済みの場合はfalseを返す
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	depth := len(l.queue)
	l.mu.Unlock()

	queueDepth.WithLabelValues(l.name).Set(float64(depth))

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Call はfnをLoop上で実行し、結果を待つ
//
// Loop上で実行中の関数から呼ぶとデッドロックする。
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// 停止直前に実行された場合は結果を優先する
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Run はctxが終了するまで投入された関数を実行する
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.signal:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			depth := len(l.queue)
			l.mu.Unlock()

			queueDepth.WithLabelValues(l.name).Set(float64(depth))
			l.execute(fn)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Done はLoopの停止時にクローズされるチャンネルを返す
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Len は実行待ちの関数の数を返す
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// execute は1つの関数を実行し、パニックを回収する
func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			panicsTotal.WithLabelValues(l.name).Inc()
			log.Printf("制御ループ %s でパニックを回収しました: %v", l.name, fmt.Sprint(r))
		}
	}()
	fn()
}
