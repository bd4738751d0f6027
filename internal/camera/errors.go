package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBenignCancellation は解放処理が進行中の取得と競合した際のキャンセル
// 呼び出し元に報告されることはない
var ErrBenignCancellation = errors.New("benign cancellation")

// NoDeviceError は列挙結果が空、または権限がない場合のエラー
type NoDeviceError struct {
	Reason string
	Err    error
}

func (e *NoDeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("キャプチャデバイスがありません: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("キャプチャデバイスがありません: %s", e.Reason)
}

func (e *NoDeviceError) Unwrap() error { return e.Err }

// FaultClass はデバイス取得失敗の分類
type FaultClass string

const (
	FaultBusy             FaultClass = "busy"              // 他プロセスが使用中
	FaultPermissionDenied FaultClass = "permission_denied" // 権限がない
	FaultTransient        FaultClass = "transient"         // レイアウト・タイミング起因（再試行対象）
	FaultUnavailable      FaultClass = "unavailable"       // デバイスが存在しない等
)

// AcquireError はデバイス取得の失敗を表す
type AcquireError struct {
	Class  FaultClass
	Device DeviceID
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("デバイス %s の取得に失敗 (%s): %v", e.Device, e.Class, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// FaultClassOf はエラーの分類を返す。AcquireError でなければ空文字を返す
func FaultClassOf(err error) FaultClass {
	var acqErr *AcquireError
	if errors.As(err, &acqErr) {
		return acqErr.Class
	}
	return ""
}

// IsBenignCancellation はプロセス停止やキャンセルに伴う無害なエラーか判定する
func IsBenignCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBenignCancellation) || errors.Is(err, context.Canceled) {
		return true
	}
	// ffmpegをkillした際の終了ステータス
	msg := err.Error()
	return strings.Contains(msg, "signal: killed") || strings.Contains(msg, "signal: interrupt")
}

// classifyStderr はffmpegの標準エラー出力から失敗を分類する
func classifyStderr(stderr string) FaultClass {
	switch {
	case strings.Contains(stderr, "Device or resource busy"):
		return FaultBusy
	case strings.Contains(stderr, "Permission denied"):
		return FaultPermissionDenied
	case strings.Contains(stderr, "Resource temporarily unavailable"),
		strings.Contains(stderr, "Invalid argument"):
		// フォーマットネゴシエーション時にデバイスの準備が整っていない
		return FaultTransient
	default:
		return FaultUnavailable
	}
}
