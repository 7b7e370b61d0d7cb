// Package focus はレンズのフォーカス駆動を制御する
//
// # 責務
// - 距離またはティック数から目標位置を計画する
// - ペーシングティッカーの周期ごとに1ステップずつ目標へ近づける
// - 手動ジョグ（Nudge）と、機械的な端点に押し当てる較正（DriveToMinimum）
// - 発行したコマンドの履歴だけから位置を推定する（フィードバックはない）
//
// # 仕様
// - 位置はステップコマンド1回ごとに±1（Nudgeは±ステップ量）だけ変化する
// - ステップの失敗はエラーゲートへ報告し、位置の更新は巻き戻さない
// - 失敗後の推定位置は信頼できないものとして扱い、較正でのみ回復する
// - ロックダウン中は全ての駆動操作を拒否する
package focus
