package camera

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// DeviceID はキャプチャデバイスの不透明な識別子（Linuxではデバイスパス）
type DeviceID string

// Facing はラベルから推定したカメラの向き
type Facing string

const (
	FacingUnknown Facing = "unknown" // 推定できない
	FacingBack    Facing = "back"    // 背面・環境側
	FacingFront   Facing = "front"   // 前面・ユーザー側
)

// Device は列挙で得られたキャプチャデバイス
// 列挙のたびに新しく生成され、変更されない
type Device struct {
	ID     DeviceID `json:"id"`     // デバイスの識別子
	Label  string   `json:"label"`  // 表示名（権限取得前は空の場合がある）
	Facing Facing   `json:"facing"` // ラベルから推定した向き
}

// DisplayName は表示用の名前を返す
// ラベルが空の場合は識別子から生成する
func (d Device) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(string(d.ID)))
}

// Settings はキャプチャ設定
type Settings struct {
	FPS    int // フレームレート
	Width  int // 画像幅
	Height int // 画像高さ
}

// Frame はデバイスから取得した1フレーム
type Frame struct {
	Device     DeviceID  // 取得元デバイス
	Data       []byte    // JPEG画像データ
	CapturedAt time.Time // 取得時刻
}

// Registry はキャプチャデバイスの列挙を担うインターフェース
type Registry interface {
	// Enumerate は利用可能なデバイスを列挙する
	// 呼び出しごとに新しい一度きりのシーケンスを返す。キャッシュはしない
	// デバイスが0件、または権限がない場合は NoDeviceError を返す
	Enumerate(ctx context.Context) (iter.Seq[Device], error)
}

// Driver はデバイスの排他的な取得を担うインターフェース
type Driver interface {
	// Open はデバイスを取得し、フレームの供給を開始する
	// 失敗時はハンドルを保持していないことが保証される
	Open(ctx context.Context, id DeviceID) (Handle, error)
}

// Handle は取得済みデバイスのハンドル
type Handle interface {
	// Device は取得元のデバイスIDを返す
	Device() DeviceID

	// Frames はフレームチャンネルを返す。ストリーム終了時にクローズされる
	Frames() <-chan Frame

	// Close はデバイスを解放する
	Close(ctx context.Context) error
}
