package marshal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"shoten/internal/device"
)

func startLoop(t *testing.T, name string) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(name)
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func flush(t *testing.T, loop *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Call(ctx, func() error { return nil }); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

type fakeTarget struct {
	mu        sync.Mutex
	frames    int
	progress  []int
	open      bool
	closed    int
	dir       string
	session   device.Session
	sessions  []device.Session
	downloads []string
	failDL    bool
}

func newFakeTarget(dir string) *fakeTarget {
	return &fakeTarget{dir: dir, session: device.NewSimulator(device.DefaultSimulatorConfig(), nil)}
}

func (f *fakeTarget) ShowFrame(image.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
}

func (f *fakeTarget) SetProgress(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
}

func (f *fakeTarget) SessionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTarget) CloseSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed++
}

func (f *fakeTarget) Session() device.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeTarget) DestinationDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir
}

func (f *fakeTarget) Download(s device.Session, info device.DownloadInfo, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDL {
		return errors.New("transfer failed")
	}
	f.sessions = append(f.sessions, s)
	f.downloads = append(f.downloads, dir+"/"+info.FileName)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	reports []string
}

func (s *fakeSink) Report(message string, severe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, message)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	loop := startLoop(t, "test")

	var got []int
	for i := 0; i < 100; i++ {
		loop.Post(func() { got = append(got, i) })
	}
	flush(t, loop)

	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 thunks, got %d", len(got))
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	loop := startLoop(t, "panic")

	loop.Post(func() { panic("boom") })
	ran := false
	loop.Post(func() { ran = true })
	flush(t, loop)

	if !ran {
		t.Error("loop should keep running after a panic")
	}
}

func TestLoop_CallAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop("stopped")
	go loop.Run(ctx)
	cancel()
	<-loop.Done()

	if loop.Post(func() {}) {
		t.Error("Post should fail after stop")
	}
	if err := loop.Call(context.Background(), func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestTicker_RunsOnLoopAndStops(t *testing.T) {
	loop := startLoop(t, "ticker")

	var ticks atomic.Int32
	ticker := NewTicker(loop, func() { ticks.Add(1) })
	ticker.Reset(5 * time.Millisecond)
	if !ticker.Running() || ticker.Interval() != 5*time.Millisecond {
		t.Fatal("ticker should be running at 5ms")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}

	ticker.Stop()
	flush(t, loop)
	stopped := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	flush(t, loop)
	if ticks.Load() != stopped {
		t.Errorf("ticker kept running after Stop: %d -> %d", stopped, ticks.Load())
	}
	if ticker.Running() {
		t.Error("ticker should report stopped")
	}
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestMarshaler_FramesReleasedRegardlessOfDecode(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := &fakeTarget{}
	sink := &fakeSink{}
	m := NewMarshaler(control, transfers, target, sink)

	var released atomic.Int32
	release := func([]byte) { released.Add(1) }

	m.Handle(device.NewLiveViewFrame(encodeJPEG(t), release))
	m.Handle(device.NewLiveViewFrame([]byte("not a jpeg"), release))
	flush(t, control)

	if released.Load() != 2 {
		t.Errorf("expected 2 releases, got %d", released.Load())
	}
	if target.frames != 1 {
		t.Errorf("expected 1 displayed frame, got %d", target.frames)
	}
	if sink.count() != 1 {
		t.Errorf("expected 1 decode error report, got %d", sink.count())
	}
}

func TestMarshaler_ProgressCoalesces(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := &fakeTarget{}
	m := NewMarshaler(control, transfers, target, nil)

	before := testutil.ToFloat64(progressDropped)

	// Loopを塞いでいる間に届いた進捗は最新値だけが残る
	block := make(chan struct{})
	control.Post(func() { <-block })
	m.Handle(device.ProgressChanged{Percent: 10})
	m.Handle(device.ProgressChanged{Percent: 20})
	m.Handle(device.ProgressChanged{Percent: 30})
	close(block)
	flush(t, control)

	target.mu.Lock()
	got := append([]int(nil), target.progress...)
	target.mu.Unlock()
	if len(got) != 1 || got[0] != 30 {
		t.Errorf("expected [30], got %v", got)
	}
	if d := testutil.ToFloat64(progressDropped) - before; d != 2 {
		t.Errorf("expected 2 dropped updates, got %v", d)
	}
}

func TestMarshaler_ShutdownClosesOpenSessionOnly(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := &fakeTarget{open: true}
	m := NewMarshaler(control, transfers, target, nil)

	m.Handle(device.StateChanged{ID: device.StateJobStatusChanged})
	flush(t, control)
	if target.closed != 0 {
		t.Fatal("non-shutdown state must not close the session")
	}

	m.Handle(device.StateChanged{ID: device.StateShutdown})
	m.Handle(device.StateChanged{ID: device.StateShutdown})
	flush(t, control)
	if target.closed != 1 {
		t.Errorf("expected exactly one close, got %d", target.closed)
	}
}

func TestMarshaler_DownloadUsesDestinationAndResetsProgress(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := newFakeTarget("/photos")
	sink := &fakeSink{}
	m := NewMarshaler(control, transfers, target, sink)

	m.Handle(device.DownloadReady{Info: device.DownloadInfo{FileName: "IMG_0001.JPG"}})
	m.Handle(device.DownloadReady{Info: device.DownloadInfo{FileName: "IMG_0002.JPG"}})
	flush(t, control)
	flush(t, transfers)
	flush(t, control)

	target.mu.Lock()
	downloads := append([]string(nil), target.downloads...)
	progress := append([]int(nil), target.progress...)
	target.mu.Unlock()

	want := []string{"/photos/IMG_0001.JPG", "/photos/IMG_0002.JPG"}
	if len(downloads) != 2 || downloads[0] != want[0] || downloads[1] != want[1] {
		t.Errorf("downloads = %v, want %v", downloads, want)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 0 {
		t.Errorf("progress should end at 0, got %v", progress)
	}

	target.mu.Lock()
	target.failDL = true
	target.mu.Unlock()
	m.Handle(device.DownloadReady{Info: device.DownloadInfo{FileName: "IMG_0003.JPG"}})
	flush(t, control)
	flush(t, transfers)
	if sink.count() != 1 {
		t.Errorf("expected download failure report, got %d", sink.count())
	}
}

func TestMarshaler_DownloadUsesSessionAtArrival(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := newFakeTarget("/photos")
	sink := &fakeSink{}
	m := NewMarshaler(control, transfers, target, sink)

	original := target.Session()

	// 転送ループを止めておき、到着後にセッションを差し替える
	release := make(chan struct{})
	transfers.Post(func() { <-release })

	m.Handle(device.DownloadReady{Info: device.DownloadInfo{FileName: "IMG_0001.JPG"}})
	flush(t, control)

	target.mu.Lock()
	target.session = device.NewSimulator(device.DefaultSimulatorConfig(), nil)
	target.mu.Unlock()

	close(release)
	flush(t, transfers)

	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.sessions) != 1 || target.sessions[0] != original {
		t.Errorf("download should use the session open at arrival")
	}
}

func TestMarshaler_DownloadAfterCloseIsSkipped(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := &fakeTarget{dir: "/photos"}
	sink := &fakeSink{}
	m := NewMarshaler(control, transfers, target, sink)

	m.Handle(device.DownloadReady{Info: device.DownloadInfo{FileName: "IMG_0009.JPG"}})
	flush(t, control)
	flush(t, transfers)

	target.mu.Lock()
	downloads := len(target.downloads)
	target.mu.Unlock()
	if downloads != 0 {
		t.Errorf("expected no download without a session, got %d", downloads)
	}
	if sink.count() != 0 {
		t.Errorf("closed session should not be reported as an error, got %d reports", sink.count())
	}
}

func TestMarshaler_DownloadsKeepArrivalOrder(t *testing.T) {
	control := startLoop(t, "control")
	transfers := startLoop(t, "transfers")
	target := newFakeTarget("d")
	m := NewMarshaler(control, transfers, target, &fakeSink{})

	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				name := fmt.Sprintf("%d-%03d", p, i)
				m.Handle(device.DownloadReady{Info: device.DownloadInfo{FileName: name}})
			}
		}(p)
	}
	wg.Wait()
	flush(t, control)
	flush(t, transfers)

	target.mu.Lock()
	downloads := append([]string(nil), target.downloads...)
	target.mu.Unlock()

	if len(downloads) != producers*perProducer {
		t.Fatalf("downloads = %d, want %d", len(downloads), producers*perProducer)
	}

	// 各呼び出し元から見た順序が保たれている
	next := make([]int, producers)
	for _, d := range downloads {
		var p, i int
		if _, err := fmt.Sscanf(d, "d/%d-%d", &p, &i); err != nil {
			t.Fatalf("unexpected download %q: %v", d, err)
		}
		if i != next[p] {
			t.Fatalf("producer %d: got %d, want %d", p, i, next[p])
		}
		next[p]++
	}
}
