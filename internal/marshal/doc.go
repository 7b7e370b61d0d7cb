// Package marshal はSDKコールバックを制御ゴルーチンへ受け渡す
//
// # 責務
// - 制御ゴルーチン（Loop）: 全ての可変状態に触れてよい唯一の実行系列
// - SDKゴルーチンからのイベントをLoopへ投入するMarshaler
// - コールバックをLoop上で実行する周期ティッカー（Ticker）
//
// # 仕様
// - Postは呼び出し元をブロックしない（上限なしのFIFO）
// - 同じ種類のイベントは到着順に処理される。種類をまたぐ順序は保証しない
// - 進捗イベントは最新値のみを届ける（途中の値は破棄してよい）
// - Loop上のパニックは回収してログに残し、Loopは動作を続ける
package marshal
