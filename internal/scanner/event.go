package scanner

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"quizscan/internal/camera"
)

var (
	// ErrSessionBusy は Starting / Running / Stopping 中に開始しようとした場合のエラー
	ErrSessionBusy = errors.New("セッションは既に使用中です")

	// ErrControllerClosed は停止済みのコントローラーへの要求
	ErrControllerClosed = errors.New("コントローラーは停止済みです")

	errStreamClosed   = errors.New("フレームストリームが終了しました")
	errAcquireTimeout = errors.New("デバイスの取得がタイムアウトしました")
)

// DecodeEvent はデコードに成功した1回分の結果
type DecodeEvent struct {
	ID         uuid.UUID       `json:"id"`
	Payload    string          `json:"payload"`
	Device     camera.DeviceID `json:"device"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Decoder はフレームから文字列を読み取る
type Decoder interface {
	Decode(frame camera.Frame) (string, bool)
}

// DecoderFunc は関数を Decoder として扱うアダプター
type DecoderFunc func(frame camera.Frame) (string, bool)

func (f DecoderFunc) Decode(frame camera.Frame) (string, bool) { return f(frame) }

// Snapshot はある時点のセッション状態
type Snapshot struct {
	State        State
	ActiveDevice camera.DeviceID
	LastDecodeAt time.Time
	Failure      error
}
