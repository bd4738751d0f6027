// Package decode キャプチャフレームからQRコードを読み取る
package decode

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	"github.com/go-logr/logr"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"quizscan/internal/camera"
)

// QR はJPEGフレームからQRコードを読み取るデコーダー
type QR struct {
	mu     sync.Mutex
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
	log    logr.Logger
}

// NewQR は新しいQRデコーダーを作成する
func NewQR(log logr.Logger) *QR {
	return &QR{
		reader: qrcode.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
		log: log.WithName("qr"),
	}
}

// Decode はフレームを復号してQRコードを探す
// 見つからない場合や画像として読めない場合は false を返す
func (q *QR) Decode(frame camera.Frame) (string, bool) {
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		q.log.V(2).Info("skipping undecodable frame", "device", frame.Device, "error", err.Error())
		return "", false
	}
	return q.DecodeImage(img)
}

// DecodeImage は画像からQRコードを探す
func (q *QR) DecodeImage(img image.Image) (string, bool) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.reader.Reset()

	result, err := q.reader.Decode(bmp, q.hints)
	if err != nil {
		// 見つからないのが通常のケース
		return "", false
	}
	text := result.GetText()
	return text, text != ""
}
