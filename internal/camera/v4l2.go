package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const (
	frameBufferSize = 4
	readChunkSize   = 64 * 1024
	stderrTailLimit = 4096
)

// V4L2Driver はffmpeg経由でV4L2デバイスを取得する Driver 実装
// ffmpegプロセスの生存期間がデバイスハンドルの保持期間に対応する
type V4L2Driver struct {
	ffmpeg   string
	settings Settings
	log      logr.Logger
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(ffmpegPath string, settings Settings, log logr.Logger) *V4L2Driver {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &V4L2Driver{
		ffmpeg:   ffmpegPath,
		settings: settings,
		log:      log.WithName("v4l2"),
	}
}

// args はMJPEGをパイプ出力するffmpegの引数を組み立てる
func (d *V4L2Driver) args(id DeviceID) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if d.settings.Width > 0 && d.settings.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", d.settings.Width, d.settings.Height))
	}
	if d.settings.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(d.settings.FPS))
	}
	return append(args,
		"-i", string(id),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

// Open はffmpegを起動し、最初のフレームが届いた時点で取得完了とみなす
// ctx がキャンセルされた場合はプロセスの終了を待ってから戻る
func (d *V4L2Driver) Open(ctx context.Context, id DeviceID) (Handle, error) {
	// ストリームの寿命は Open の ctx とは独立させる
	streamCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(streamCtx, d.ffmpeg, d.args(id)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &AcquireError{Class: FaultUnavailable, Device: id, Err: fmt.Errorf("stdoutパイプの作成に失敗: %w", err)}
	}
	stderr := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &AcquireError{Class: FaultUnavailable, Device: id, Err: fmt.Errorf("ffmpegの起動に失敗: %w", err)}
	}

	h := &v4l2Handle{
		device: id,
		cancel: cancel,
		frames: make(chan Frame, frameBufferSize),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		h.pump(stdout)
		h.exitErr = cmd.Wait()
		close(h.exited)
	}()

	select {
	case <-h.ready:
		d.log.V(1).Info("device acquired", "device", id)
		return h, nil
	case <-h.exited:
		cancel()
		msg := strings.TrimSpace(stderr.String())
		return nil, &AcquireError{
			Class:  classifyStderr(msg),
			Device: id,
			Err:    fmt.Errorf("ffmpegが終了しました: %v: %s", h.exitErr, msg),
		}
	case <-ctx.Done():
		cancel()
		<-h.exited
		return nil, ctx.Err()
	}
}

// v4l2Handle はffmpegプロセスで保持しているデバイスハンドル
type v4l2Handle struct {
	device    DeviceID
	cancel    context.CancelFunc
	frames    chan Frame
	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	exitErr   error
}

func (h *v4l2Handle) Device() DeviceID { return h.device }

func (h *v4l2Handle) Frames() <-chan Frame { return h.frames }

// Close はffmpegを停止し、プロセスの終了を待つ
func (h *v4l2Handle) Close(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.exitErr != nil && !IsBenignCancellation(h.exitErr) {
		return fmt.Errorf("ffmpegの終了に失敗: %w", h.exitErr)
	}
	return nil
}

// pump は標準出力からJPEGフレームを切り出して送信する
func (h *v4l2Handle) pump(r io.Reader) {
	defer close(h.frames)

	chunk := make([]byte, readChunkSize)
	var buf []byte
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var frames [][]byte
			var rest []byte
			frames, rest = splitJPEG(buf)
			buf = append(buf[:0], rest...)
			for _, data := range frames {
				h.readyOnce.Do(func() { close(h.ready) })
				h.send(Frame{Device: h.device, Data: data, CapturedAt: time.Now()})
			}
		}
		if err != nil {
			return
		}
	}
}

// send はフレームを送信する。チャンネルがフルの場合は古いフレームを破棄する
func (h *v4l2Handle) send(frame Frame) {
	select {
	case h.frames <- frame:
		return
	default:
	}
	select {
	case <-h.frames:
	default:
	}
	select {
	case h.frames <- frame:
	default:
	}
}

// splitJPEG はバッファから完全なJPEGフレームを切り出し、残りを返す
func splitJPEG(data []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// マーカーが読み込み境界で分割されている可能性
			if n := len(data); n > 0 && data[n-1] == 0xFF {
				return frames, data[n-1:]
			}
			return frames, nil
		}
		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			return frames, data[start:]
		}
		end += start + 2 + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		data = data[end:]
	}
}

// tailBuffer は末尾の一定量のみ保持する書き込み先
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Validate はffmpegが利用可能かチェックする
func (d *V4L2Driver) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, d.ffmpeg, "-version").Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}
