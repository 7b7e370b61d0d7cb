package errorgate

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// blockingPresenter は解放されるまで提示を保持する
type blockingPresenter struct {
	entered chan Report
	release chan struct{}
}

func newBlockingPresenter() *blockingPresenter {
	return &blockingPresenter{
		entered: make(chan Report, 16),
		release: make(chan struct{}),
	}
}

func (p *blockingPresenter) Present(r Report) {
	p.entered <- r
	<-p.release
}

func TestGate_ThresholdAggregatesThenSuppresses(t *testing.T) {
	presenter := newBlockingPresenter()
	gate := New(DefaultThreshold, presenter)

	var wg sync.WaitGroup
	for i := 0; i < DefaultThreshold; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Report("device busy", false)
		}()

		select {
		case r := <-presenter.entered:
			if i < DefaultThreshold-1 && r.Aggregate {
				t.Errorf("report %d should be presented individually", i+1)
			}
			if i == DefaultThreshold-1 {
				if !r.Aggregate || r.Message != AggregateMessage {
					t.Errorf("report %d should be the aggregate notice, got %+v", i+1, r)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("report %d was not presented", i+1)
		}
	}

	// 閾値を超えた報告は提示されずに即座に戻る
	done := make(chan struct{})
	go func() {
		gate.Report("suppressed", false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("suppressed report should not block")
	}
	select {
	case r := <-presenter.entered:
		t.Errorf("unexpected presentation: %+v", r)
	default:
	}

	if gate.Active() != DefaultThreshold {
		t.Errorf("expected %d active reports, got %d", DefaultThreshold, gate.Active())
	}

	close(presenter.release)
	wg.Wait()

	if gate.Active() != 0 {
		t.Errorf("expected no active reports, got %d", gate.Active())
	}
}

func TestGate_SequentialReportsAreAlwaysPresented(t *testing.T) {
	var presented []Report
	gate := New(DefaultThreshold, PresenterFunc(func(r Report) {
		presented = append(presented, r)
	}))

	for i := 0; i < 10; i++ {
		gate.Report("step failed", false)
	}

	if len(presented) != 10 {
		t.Fatalf("expected 10 presentations, got %d", len(presented))
	}
	for _, r := range presented {
		if r.Aggregate {
			t.Error("sequential reports must not be aggregated")
		}
		if r.ID == "" {
			t.Error("report id should be set")
		}
	}
}

func TestGate_SevereLocksDownUntilUnlock(t *testing.T) {
	gate := New(DefaultThreshold, nil)

	hookCalls := 0
	gate.OnLockdown(func() { hookCalls++ })

	gate.Report("non severe", false)
	if gate.Locked() {
		t.Fatal("non-severe report must not lock down")
	}

	gate.Report("device lost", true)
	if !gate.Locked() {
		t.Fatal("severe report must lock down")
	}
	if got := testutil.ToFloat64(lockdownGauge); got != 1 {
		t.Errorf("lockdown gauge = %v, want 1", got)
	}

	// 処理中の報告が0に戻ってもロックダウンは維持される
	if gate.Active() != 0 {
		t.Fatalf("expected no active reports, got %d", gate.Active())
	}
	if !gate.Locked() {
		t.Error("lockdown must be sticky")
	}

	gate.Report("another severe", true)
	if hookCalls != 1 {
		t.Errorf("lockdown hook should run once, ran %d times", hookCalls)
	}

	gate.Unlock()
	if gate.Locked() {
		t.Error("Unlock should lift lockdown")
	}
	if got := testutil.ToFloat64(lockdownGauge); got != 0 {
		t.Errorf("lockdown gauge = %v, want 0", got)
	}
}

func TestGate_ConcurrentReportsReturnToZero(t *testing.T) {
	gate := New(DefaultThreshold, PresenterFunc(func(Report) {
		time.Sleep(time.Millisecond)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gate.Report("concurrent", i%10 == 0)
		}(i)
	}
	wg.Wait()

	if gate.Active() != 0 {
		t.Errorf("active count should return to 0, got %d", gate.Active())
	}
	if !gate.Locked() {
		t.Error("severe reports should have locked the gate")
	}
}

func TestGate_Subscribe(t *testing.T) {
	gate := New(DefaultThreshold, nil)

	ch, cancel := gate.Subscribe()
	gate.Report("hello", false)

	select {
	case r := <-ch:
		if r.Message != "hello" || r.Severe {
			t.Errorf("unexpected report: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive report")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// 購読解除後の報告でパニックしない
	gate.Report("after cancel", false)
}
