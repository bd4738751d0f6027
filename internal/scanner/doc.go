// Package scanner キャプチャデバイスの取得・解放とデコードループを制御する
//
// # 責務
// - キャプチャセッションの状態遷移（Idle / Starting / Running / Stopping / Failed）
// - デバイスハンドルの単一取得の保証と確実な解放
// - 一時的な取得失敗の再試行
// - 利用者が指定した状態（有効・選択デバイス）との突き合わせ
// - デコード結果の重複抑止と通知
//
// # 仕様
// - Session: 1つのデバイス取得を所有する。取得・解放は常に1つずつ実行される
// - Controller: Session を1つだけ持ち、要求を直列化して状態を収束させる
// - Stop 完了後にデコード結果が通知されることはない
// - デコード結果を通知した時点で要求は消費済みとなり、再度有効化されるまで再開しない
// - 遅延はすべて注入された clock.Clock で計測する
package scanner
