// Package camera キャプチャデバイスの列挙と取得を担う
//
// # 責務
// - V4L2デバイスの列挙と表示名の取得
// - 表示名からのカメラの向きの推定と優先デバイスの選択
// - ffmpeg経由でのフレームの取得とデバイスの解放
// - 取得失敗の分類（使用中・権限なし・一時的・利用不可）
//
// # 使い分け
// このパッケージはデバイスとの入出力だけを扱う
// 取得・解放の順序や再試行はscannerパッケージが決める
//
// # 仕様
// - Registry: 呼び出しごとに新しい列挙結果を返す（一度だけ走査できる）
// - Driver: Open が成功したら Handle.Close を呼ぶまでデバイスを保持する
// - Handle.Close は冪等で、中断による終了はエラーとして扱わない
// - MockRegistry / MockDriver: テスト用の実装
//
// # 前提要件
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//     Red Hat/Fedora: sudo dnf install v4l-utils
//   - ffmpeg: フレームの取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//     Red Hat/Fedora: sudo dnf install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
