package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultDevicePattern はV4L2デバイスの検索パターン
const DefaultDevicePattern = "/dev/video*"

// LinuxRegistry はLinux環境でのキャプチャデバイス列挙を実装する
type LinuxRegistry struct {
	pattern  string
	v4l2ctl  string
	probeTTL time.Duration
}

// NewLinuxRegistry は新しいLinuxRegistryを作成する
func NewLinuxRegistry(pattern, v4l2ctl string) *LinuxRegistry {
	if pattern == "" {
		pattern = DefaultDevicePattern
	}
	if v4l2ctl == "" {
		v4l2ctl = "v4l2-ctl"
	}
	return &LinuxRegistry{
		pattern:  pattern,
		v4l2ctl:  v4l2ctl,
		probeTTL: 5 * time.Second,
	}
}

// Enumerate はシステム内のキャプチャデバイスを列挙する
// ラベルの取得は遅延して行い、シーケンスは一度しか走査できない
func (r *LinuxRegistry) Enumerate(ctx context.Context) (iter.Seq[Device], error) {
	matches, err := filepath.Glob(r.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	if len(matches) == 0 {
		return nil, &NoDeviceError{Reason: "デバイスが見つかりません"}
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	readable := make([]string, 0, len(matches))
	var permErr error
	for _, path := range matches {
		if err := checkReadable(path); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				permErr = err
			}
			continue
		}
		readable = append(readable, path)
	}
	if len(readable) == 0 {
		if permErr != nil {
			return nil, &NoDeviceError{Reason: "デバイスへのアクセス権限がありません", Err: permErr}
		}
		return nil, &NoDeviceError{Reason: "利用可能なデバイスがありません"}
	}

	seq := func(yield func(Device) bool) {
		for _, path := range readable {
			if ctx.Err() != nil {
				return
			}
			// メタデータ専用ノード等は除外
			if !r.isCaptureNode(ctx, path) {
				continue
			}
			label := r.deviceLabel(ctx, path)
			dev := Device{
				ID:     DeviceID(path),
				Label:  label,
				Facing: InferFacing(label),
			}
			if !yield(dev) {
				return
			}
		}
	}
	return singleUse(seq), nil
}

// checkReadable はデバイスファイルが読み取り可能か確認する
func checkReadable(path string) error {
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return file.Close()
}

// deviceLabel はv4l2-ctlの "Card type" からカメラ名を取得する
// 取得できない場合は空文字を返す
func (r *LinuxRegistry) deviceLabel(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, r.probeTTL)
	defer cancel()

	output, err := exec.CommandContext(ctx, r.v4l2ctl, "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

// isCaptureNode はカラーフォーマットを持つキャプチャノードか判定する
// v4l2-ctlが使えない場合は判定せずに含める
func (r *LinuxRegistry) isCaptureNode(ctx context.Context, device string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.probeTTL)
	defer cancel()

	output, err := exec.CommandContext(ctx, r.v4l2ctl, "--device", device, "--list-formats-ext").Output()
	if err != nil {
		return true
	}
	return hasColorFormat(string(output))
}

// parseCardType はv4l2-ctl --info の出力からカード名を抽出する
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// hasColorFormat はフォーマット一覧にカラーフォーマットが含まれるか判定する
// フォーマットが1つも無いノード（メタデータ用）は除外する
func hasColorFormat(output string) bool {
	return strings.Contains(output, "YUYV") || strings.Contains(output, "MJPG")
}

var deviceNumberRe = regexp.MustCompile(`video(\d+)`)

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// singleUse は一度だけ走査できるシーケンスに変換する
func singleUse[T any](seq iter.Seq[T]) iter.Seq[T] {
	var used atomic.Bool
	return func(yield func(T) bool) {
		if used.Swap(true) {
			return
		}
		seq(yield)
	}
}
