// Package device はカメラSDKとの境界を定義する
//
// # 責務
// - カメラセッション（DeviceSession）の抽象インターフェース
// - SDKコールバックを表す閉じたイベント型（Event）
// - レンズ駆動ステップコマンドのエンコード
// - 利用可能なカメラの検出とID管理（Manager）
// - 実機なしで動作するインプロセスのシミュレーター
//
// # 仕様
// - SDKのコールバックは任意のゴルーチンから呼ばれる前提
// - ステップコマンドは相対移動のみで、位置のフィードバックは返らない
// - 撮影要求は非同期で、完了はDownloadReadyイベントで通知される
// - SDKのエラーコードはErrorSinkを通じてプロセス全体で報告される
package device
