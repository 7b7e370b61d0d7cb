package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapetan-io/tackle/clock"
)

// Camera は検出済みカメラの情報
type Camera struct {
	ID       string    `json:"id"`        // 管理用の一意識別子
	Name     string    `json:"name"`      // 表示名
	Serial   string    `json:"serial"`    // デバイス固有のID
	LastSeen time.Time `json:"last_seen"` // 最後に確認された時刻
}

// Discovery は接続中のカメラを列挙するインターフェース
type Discovery interface {
	// ScanDevices は現在接続されているカメラのハンドル一覧を返す
	ScanDevices(ctx context.Context) ([]Session, error)
}

// Manager はカメラの検出と管理を担う
type Manager struct {
	discovery Discovery
	cameras   map[string]*Camera
	sessions  map[string]Session
	mu        sync.RWMutex

	// 新しいカメラを検出したときの通知
	onAdded func(Camera)

	// 制御用
	stopCh       chan struct{}
	wg           sync.WaitGroup
	scanInterval time.Duration
}

// NewManager は新しいManagerを作成する
func NewManager(discovery Discovery, scanInterval time.Duration) *Manager {
	return &Manager{
		discovery:    discovery,
		cameras:      make(map[string]*Camera),
		sessions:     make(map[string]Session),
		stopCh:       make(chan struct{}),
		scanInterval: scanInterval,
	}
}

// OnCameraAdded は新規カメラ検出時のコールバックを設定する
func (m *Manager) OnCameraAdded(fn func(Camera)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAdded = fn
}

// Start は初期スキャンを行い、バックグラウンドスキャンを開始する
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	if m.scanInterval > 0 {
		m.wg.Add(1)
		go m.backgroundScan(ctx)
	}
	return nil
}

// Stop はバックグラウンドスキャンを停止する
func (m *Manager) Stop() {
	m.mu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Refresh はカメラを再検出し、現在の一覧を返す
func (m *Manager) Refresh(ctx context.Context) ([]Camera, error) {
	sessions, err := m.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("カメラの検出に失敗: %w", err)
	}

	m.mu.Lock()
	var added []Camera
	seen := make(map[string]bool, len(sessions))
	now := clock.Now()

	for _, s := range sessions {
		seen[s.ID()] = true
		if cam := m.findBySerialLocked(s.ID()); cam != nil {
			cam.LastSeen = now
			continue
		}

		cam := &Camera{
			ID:       uuid.New().String(),
			Name:     s.Name(),
			Serial:   s.ID(),
			LastSeen: now,
		}
		m.cameras[cam.ID] = cam
		m.sessions[cam.ID] = s
		added = append(added, *cam)
	}

	// 存在しなくなったカメラを削除（セッション中のものは残す）
	for id, cam := range m.cameras {
		if seen[cam.Serial] || m.sessions[id].SessionOpen() {
			continue
		}
		delete(m.cameras, id)
		delete(m.sessions, id)
	}
	onAdded := m.onAdded
	m.mu.Unlock()

	if onAdded != nil {
		for _, cam := range added {
			onAdded(cam)
		}
	}

	return m.GetCameras(), nil
}

// GetCameras は現在管理されているカメラ一覧を取得する
func (m *Manager) GetCameras() []Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cameras := make([]Camera, 0, len(m.cameras))
	for _, cam := range m.cameras {
		cameras = append(cameras, *cam)
	}
	return cameras
}

// Session は指定されたIDのカメラハンドルを取得する
func (m *Manager) Session(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// findBySerialLocked はシリアルからカメラを探す（ロック済み前提）
func (m *Manager) findBySerialLocked(serial string) *Camera {
	for _, cam := range m.cameras {
		if cam.Serial == serial {
			return cam
		}
	}
	return nil
}

// backgroundScan は定期的なデバイススキャンを実行する
func (m *Manager) backgroundScan(ctx context.Context) {
	defer m.wg.Done()

	ticker := clock.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := m.Refresh(ctx); err != nil {
				continue
			}
		}
	}
}

// StaticDiscovery は固定のセッション一覧を返すDiscovery実装
type StaticDiscovery struct {
	mu       sync.RWMutex
	sessions []Session
}

// NewStaticDiscovery は新しいStaticDiscoveryを作成する
func NewStaticDiscovery(sessions ...Session) *StaticDiscovery {
	return &StaticDiscovery{sessions: sessions}
}

// ScanDevices は登録済みのセッション一覧を返す
func (d *StaticDiscovery) ScanDevices(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Session, len(d.sessions))
	copy(out, d.sessions)
	return out, nil
}

// Attach はセッションを追加する（カメラ接続の再現）
func (d *StaticDiscovery) Attach(s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, s)
}

// Detach はセッションを取り除く（カメラ取り外しの再現）
func (d *StaticDiscovery) Detach(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.sessions[:0]
	for _, s := range d.sessions {
		if s.ID() != serial {
			kept = append(kept, s)
		}
	}
	d.sessions = kept
}
