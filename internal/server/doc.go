// Package server はカメラ制御をHTTP APIとして公開する
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - セッション・露出設定・フォーカス・バースト撮影の操作窓口
//   - ライブビューのMJPEG配信
//   - エラー報告のServer-Sent Events配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはgin、メトリクスはpromhttpを使用
//   - 操作は全てremote.Controller経由で制御ループ上に渡す
//   - エラーは {error, message, timestamp} のJSONで返す
package server
