package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"shoten/internal/errorgate"
	"shoten/internal/focus"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Focus     focus.Config    `yaml:"focus"`
	Capture   CaptureConfig   `yaml:"capture"`
	ErrorGate ErrorGateConfig `yaml:"error_gate"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// DeviceConfig はカメラ検出の設定
type DeviceConfig struct {
	Simulated    bool          `yaml:"simulated"`     // シミュレーターを使用する
	ScanInterval time.Duration `yaml:"scan_interval"` // 再検出の間隔（0で無効）

	// シミュレーター固有の設定
	SimulatorSerial string        `yaml:"simulator_serial"`
	SimulatorName   string        `yaml:"simulator_name"`
	FrameInterval   time.Duration `yaml:"frame_interval"`
	CaptureDelay    time.Duration `yaml:"capture_delay"`
}

// CaptureConfig は撮影画像の保存とライブビューの設定
type CaptureConfig struct {
	DestinationDir string `yaml:"destination_dir"` // ダウンロード先
	FrameQuality   int    `yaml:"frame_quality"`   // ライブビュー配信のJPEG品質 (1-100)
}

// ErrorGateConfig はエラー提示の設定
type ErrorGateConfig struct {
	Threshold int `yaml:"threshold"` // 集約通知に切り替える件数
}

// MQTTConfig はイベント配信先のブローカー設定
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // 例: tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// StorageConfig は撮影画像の複製先（S3互換ストレージ）の設定
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"` // http(s)://host:port または host:port
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	AccessKeyFile string        `yaml:"access_key_file"`
	SecretKeyFile string        `yaml:"secret_key_file"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Device: DeviceConfig{
			Simulated:       true,
			ScanInterval:    5 * time.Second,
			SimulatorSerial: "SIM-0001",
			SimulatorName:   "Simulated EOS",
			FrameInterval:   100 * time.Millisecond,
			CaptureDelay:    200 * time.Millisecond,
		},
		Focus: focus.DefaultConfig(),
		Capture: CaptureConfig{
			DestinationDir: defaultDestinationDir(),
			FrameQuality:   80,
		},
		ErrorGate: ErrorGateConfig{
			Threshold: errorgate.DefaultThreshold,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "shoten",
			TopicPrefix: "shoten",
		},
		Storage: StorageConfig{
			Prefix:  "shoten/captures",
			Timeout: 30 * time.Second,
		},
	}
}

// Load はデフォルト設定に環境変数を反映して読み込む
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// LoadFile はYAMLファイルを読み込み、環境変数を反映する
//
// ファイルに記載のない項目はデフォルト値のまま残る。
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Device.Simulated = getEnvAsBoolOrDefault("SHOTEN_SIMULATED", c.Device.Simulated)
	c.Capture.DestinationDir = getEnvOrDefault("SHOTEN_DESTINATION_DIR", c.Capture.DestinationDir)
	c.ErrorGate.Threshold = getEnvAsIntOrDefault("SHOTEN_ERROR_THRESHOLD", c.ErrorGate.Threshold)
	c.MQTT.Enabled = getEnvAsBoolOrDefault("SHOTEN_MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.Broker = getEnvOrDefault("SHOTEN_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnvOrDefault("SHOTEN_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnvOrDefault("SHOTEN_MQTT_PASSWORD", c.MQTT.Password)
	c.Storage.Enabled = getEnvAsBoolOrDefault("SHOTEN_STORAGE_ENABLED", c.Storage.Enabled)
	c.Storage.Endpoint = getEnvOrDefault("SHOTEN_STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Bucket = getEnvOrDefault("SHOTEN_STORAGE_BUCKET", c.Storage.Bucket)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// フォーカス駆動の検証
	if c.Focus.PacingInterval <= 0 || c.Focus.CalibrationCadence <= 0 {
		return fmt.Errorf("フォーカス駆動の間隔は正の値である必要があります")
	}
	if c.Focus.FarWindow <= 0 || c.Focus.NearWindow <= 0 {
		return fmt.Errorf("較正の駆動時間は正の値である必要があります")
	}

	if c.Capture.DestinationDir == "" {
		return fmt.Errorf("ダウンロード先ディレクトリが設定されていません")
	}
	if c.Capture.FrameQuality < 1 || c.Capture.FrameQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Capture.FrameQuality)
	}
	if c.ErrorGate.Threshold < 1 {
		return fmt.Errorf("無効なエラー閾値: %d", c.ErrorGate.Threshold)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("MQTTブローカーが設定されていません")
	}
	if c.Storage.Enabled {
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("ストレージのエンドポイントとバケットが必要です")
		}
		if c.Storage.AccessKeyFile == "" || c.Storage.SecretKeyFile == "" {
			return fmt.Errorf("ストレージの認証情報ファイルが必要です")
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// defaultDestinationDir はホームディレクトリ配下の既定の保存先を返す
func defaultDestinationDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "RemotePhoto")
	}
	return filepath.Join(home, "Pictures", "RemotePhoto")
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得する
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
