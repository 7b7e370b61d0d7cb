package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed はセッションが開いていない状態で操作した場合のエラー
var ErrSessionClosed = errors.New("セッションが開いていません")

// Direction はレンズ駆動の方向を表す
type Direction string

const (
	Near Direction = "near" // 至近側
	Far  Direction = "far"  // 無限遠側
)

// ParseDirection は文字列から方向を解釈する
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Near, Far:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("無効な方向: %q", s)
	}
}

// MaxMagnitude はデバイスが提供する最大ステップ量
const MaxMagnitude = 3

// StepCommand は1回分の相対レンズ駆動コマンド
type StepCommand struct {
	Direction Direction
	Magnitude int // 1〜3
}

// Validate はコマンドの妥当性を検証する
func (c StepCommand) Validate() error {
	if c.Direction != Near && c.Direction != Far {
		return fmt.Errorf("無効な方向: %q", c.Direction)
	}
	if c.Magnitude < 1 || c.Magnitude > MaxMagnitude {
		return fmt.Errorf("無効なステップ量: %d", c.Magnitude)
	}
	return nil
}

// Sign は位置カウンタに対する符号付きの移動量を返す（Farが正）
func (c StepCommand) Sign() int {
	if c.Direction == Far {
		return c.Magnitude
	}
	return -c.Magnitude
}

// Code はSDKのDriveLens値を返す
func (c StepCommand) Code() int {
	if c.Direction == Far {
		return 0x8000 | c.Magnitude
	}
	return c.Magnitude
}

func (c StepCommand) String() string {
	return fmt.Sprintf("%s%d", c.Direction, c.Magnitude)
}

// PropertyID はカメラのプロパティ識別子
type PropertyID string

const (
	PropertyAv     PropertyID = "av"
	PropertyTv     PropertyID = "tv"
	PropertyISO    PropertyID = "iso"
	PropertySaveTo PropertyID = "save_to"
	PropertyRecord PropertyID = "record"
)

// ParsePropertyID は露出設定のプロパティ名を解釈する
func ParsePropertyID(s string) (PropertyID, error) {
	switch PropertyID(s) {
	case PropertyAv, PropertyTv, PropertyISO:
		return PropertyID(s), nil
	default:
		return "", fmt.Errorf("未対応のプロパティ: %q", s)
	}
}

// SaveTarget は撮影画像の保存先
type SaveTarget int

const (
	SaveToCamera SaveTarget = 1
	SaveToHost   SaveTarget = 2
	SaveToBoth   SaveTarget = 3
)

// ParseSaveTarget は保存先の名前を解釈する
func ParseSaveTarget(s string) (SaveTarget, error) {
	switch s {
	case "camera":
		return SaveToCamera, nil
	case "host":
		return SaveToHost, nil
	case "both":
		return SaveToBoth, nil
	default:
		return 0, fmt.Errorf("無効な保存先: %q", s)
	}
}

// IncludesHost はホストへの転送を伴うかを返す
func (t SaveTarget) IncludesHost() bool {
	return t == SaveToHost || t == SaveToBoth
}

func (t SaveTarget) String() string {
	switch t {
	case SaveToCamera:
		return "camera"
	case SaveToHost:
		return "host"
	case SaveToBoth:
		return "both"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Recording は動画記録状態（PropertyRecordの値）
const (
	RecordingOff = 0
	RecordingOn  = 4
)

// SettingOption は設定候補の1項目
type SettingOption struct {
	Label string `json:"label"` // 表示文字列（例: "1/125"）
	Value int    `json:"value"` // SDKの整数値
}

// DownloadInfo はダウンロード待ちファイルの情報
type DownloadInfo struct {
	RequestID string    `json:"request_id"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Session はベンダーSDKのカメラハンドルを表すインターフェース
type Session interface {
	// 識別情報
	ID() string
	Name() string

	// セッション制御
	OpenSession() error
	CloseSession() error
	SessionOpen() bool

	// プロパティ
	SetIntegerProperty(id PropertyID, value int) error
	GetIntegerProperty(id PropertyID) (int, error)
	GetSettingOptions(id PropertyID) ([]SettingOption, error)
	SetCapacity(bytesPerSector, numberOfFreeClusters int) error

	// レンズ駆動（相対ステップのみ）
	SendStepCommand(cmd StepCommand) error

	// 撮影
	TakePhotoAsync() error
	StartFilming() error
	StopFilming(save bool) error
	DownloadFile(info DownloadInfo, dir string) (string, error)

	// ライブビュー
	StartLiveView() error
	StopLiveView() error
	LiveViewOn() bool

	// SetEventHandler は全コールバックの受け口を1つ登録する
	SetEventHandler(handler func(Event))
}

// ErrorSink はセッションに依存しないプロセス全体のエラー報告経路
type ErrorSink interface {
	Report(message string, severe bool)
}
