// Package server は、読み取りコントローラーを操作するHTTP APIを提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - 読み取り状態の取得と変更（有効化・デバイス選択・再起動）
//   - デバイス一覧の提供
//   - WebSocketによるデコード結果と状態の配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - Ginを使用
//   - 状態の変更は非同期に反映され、202 Accepted を返す
//   - コントローラーが無い場合は no-instance を 503 で返す
//   - デバイスが無い場合は no_camera を 404 で返す
package server
