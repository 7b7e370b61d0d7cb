package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	// 設定を読み込む
	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// フォーカス駆動の既定値
	if cfg.Focus.PacingInterval != 70*time.Millisecond {
		t.Errorf("ペーシング間隔が既定値ではありません: %v", cfg.Focus.PacingInterval)
	}
	if cfg.Focus.FarWindow != 3*time.Second || cfg.Focus.NearWindow != time.Second {
		t.Errorf("較正時間が既定値ではありません: %v / %v", cfg.Focus.FarWindow, cfg.Focus.NearWindow)
	}
	if cfg.ErrorGate.Threshold != 4 {
		t.Errorf("エラー閾値が既定値ではありません: %d", cfg.ErrorGate.Threshold)
	}
	if cfg.Capture.DestinationDir == "" {
		t.Error("ダウンロード先が設定されていません")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "ペーシング間隔が0",
			modify:    func(c *Config) { c.Focus.PacingInterval = 0 },
			expectErr: true,
		},
		{
			name:      "較正時間が負",
			modify:    func(c *Config) { c.Focus.NearWindow = -time.Second },
			expectErr: true,
		},
		{
			name:      "ダウンロード先なし",
			modify:    func(c *Config) { c.Capture.DestinationDir = "" },
			expectErr: true,
		},
		{
			name:      "JPEG品質が範囲外",
			modify:    func(c *Config) { c.Capture.FrameQuality = 101 },
			expectErr: true,
		},
		{
			name:      "エラー閾値が0",
			modify:    func(c *Config) { c.ErrorGate.Threshold = 0 },
			expectErr: true,
		},
		{
			name: "MQTT有効でブローカーなし",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = ""
			},
			expectErr: true,
		},
		{
			name: "ストレージ有効で認証情報なし",
			modify: func(c *Config) {
				c.Storage.Enabled = true
				c.Storage.Endpoint = "http://localhost:9000"
				c.Storage.Bucket = "captures"
			},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestLoadFile はYAMLファイルからの読み込みをテストする
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shoten.yaml")
	content := `
server:
  port: 9090
focus:
  pacing_interval: 50ms
  far_window: 2s
capture:
  destination_dir: /srv/photos
error_gate:
  threshold: 6
mqtt:
  enabled: true
  broker: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("設定ファイルの読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("ポートが反映されていません: %d", cfg.Server.Port)
	}
	if cfg.Focus.PacingInterval != 50*time.Millisecond || cfg.Focus.FarWindow != 2*time.Second {
		t.Errorf("フォーカス設定が反映されていません: %+v", cfg.Focus)
	}
	// ファイルにない項目はデフォルト値のまま
	if cfg.Focus.NearWindow != time.Second {
		t.Errorf("未指定の項目がデフォルト値ではありません: %v", cfg.Focus.NearWindow)
	}
	if cfg.Capture.DestinationDir != "/srv/photos" || cfg.ErrorGate.Threshold != 6 {
		t.Errorf("撮影設定が反映されていません: %+v %+v", cfg.Capture, cfg.ErrorGate)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT設定が反映されていません: %+v", cfg.MQTT)
	}
}

// TestLoadFileErrors は不正な設定ファイルをテストする
func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーが発生しませんでした")
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("server: [\n"), 0644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	if _, err := LoadFile(broken); err == nil {
		t.Error("不正なYAMLでエラーが発生しませんでした")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("server:\n  port: 0\n"), 0644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	if _, err := LoadFile(invalid); err == nil {
		t.Error("検証エラーが発生しませんでした")
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
// 注意: このテストは環境変数を変更するため、parallelは使わない
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("SHOTEN_SIMULATED", "false")
	t.Setenv("SHOTEN_ERROR_THRESHOLD", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Device.Simulated {
		t.Error("環境変数のシミュレーター設定が反映されていません")
	}
	if cfg.ErrorGate.Threshold != 8 {
		t.Errorf("環境変数のエラー閾値が反映されていません: got %d", cfg.ErrorGate.Threshold)
	}
}
