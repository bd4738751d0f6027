package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"quizscan/internal/camera"
)

// SessionOptions はセッションの生成オプション
type SessionOptions struct {
	Driver         camera.Driver
	Decoder        Decoder
	Clock          clock.Clock
	StartDelay     time.Duration // 取得前の待機。0 の場合は待たない
	SettleDelay    time.Duration // 切り替え時の停止から開始までの待機
	Cooldown       time.Duration // デコード後に解放するまでの待機（重複抑止の期間）
	AcquireTimeout time.Duration // 1回の取得の上限。0 の場合は無制限
	OnDecode       func(DecodeEvent)
	OnStateChange  func(Snapshot)
	Logger         logr.Logger
}

// Session は1つのデバイス取得を所有するキャプチャセッション
type Session struct {
	driver         camera.Driver
	decoder        Decoder
	clock          clock.Clock
	startDelay     time.Duration
	settleDelay    time.Duration
	cooldown       time.Duration
	acquireTimeout time.Duration
	onDecode       func(DecodeEvent)
	onStateChange  func(Snapshot)
	log            logr.Logger

	// opMu はデバイスに対する取得・解放を1つずつに制限する
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	failure      error
	activeDevice camera.DeviceID
	lastDecodeAt time.Time
	lastPayload  string
	handle       camera.Handle
	abort        context.CancelCauseFunc
	loopCancel   context.CancelFunc
	loopDone     chan struct{}

	// generation は Stop のたびに進み、古いデコードループの通知を無効にする
	generation atomic.Uint64
}

// NewSession は新しいSessionを作成する
func NewSession(opts SessionOptions) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.OnDecode == nil {
		opts.OnDecode = func(DecodeEvent) {}
	}
	if opts.OnStateChange == nil {
		opts.OnStateChange = func(Snapshot) {}
	}
	recordState(StateIdle)
	return &Session{
		driver:         opts.Driver,
		decoder:        opts.Decoder,
		clock:          opts.Clock,
		startDelay:     opts.StartDelay,
		settleDelay:    opts.SettleDelay,
		cooldown:       opts.Cooldown,
		acquireTimeout: opts.AcquireTimeout,
		onDecode:       opts.OnDecode,
		onStateChange:  opts.OnStateChange,
		log:            opts.Logger.WithName("session"),
		state:          StateIdle,
	}
}

// Snapshot は現在の状態を返す
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:        s.state,
		ActiveDevice: s.activeDevice,
		LastDecodeAt: s.lastDecodeAt,
		Failure:      s.failure,
	}
}

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start はデバイスを取得してデコードループを開始する
//
// Idle または Failed からのみ開始でき、それ以外は ErrSessionBusy を返す。
// 取得中に Stop された場合はハンドルを解放して Idle に戻り、nil を返す。
func (s *Session) Start(ctx context.Context, id camera.DeviceID, policy RetryPolicy) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	actx, cancel := s.abortable(ctx)
	defer cancel(nil)

	return s.startLocked(actx, id, policy)
}

// Stop はデコードループを止めてデバイスを解放する
// 何度呼んでもよく、取得中であれば取得の完了を待ってから解放する
func (s *Session) Stop(ctx context.Context) {
	s.Abort()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopLocked(ctx, nil)
}

// SwitchDevice は停止、待機、開始の順に別のデバイスへ切り替える
func (s *Session) SwitchDevice(ctx context.Context, id camera.DeviceID, policy RetryPolicy) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	actx, cancel := s.abortable(ctx)
	defer cancel(nil)

	s.stopLocked(context.WithoutCancel(actx), nil)

	if err := s.sleep(actx, s.settleDelay); err != nil {
		return abortResult(actx)
	}
	return s.startLocked(actx, id, policy)
}

// Abort は進行中の Start / SwitchDevice の取得を中断する
// 取得が済んでいなければハンドルは保持されないまま Idle に戻る
func (s *Session) Abort() {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort(camera.ErrBenignCancellation)
	}
}

// MarkFailed はデバイスを保持していない状態で失敗を記録する
// 取得中・実行中の場合は何もしない
func (s *Session) MarkFailed(err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failure = err
	s.activeDevice = ""
	s.mu.Unlock()
	s.notify()
}

// abortable は Abort で中断できるコンテキストを登録する
func (s *Session) abortable(ctx context.Context) (context.Context, context.CancelCauseFunc) {
	actx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.abort = cancel
	s.mu.Unlock()
	return actx, func(cause error) {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
		cancel(cause)
	}
}

// abortResult は中断されたコンテキストから呼び出し元に返すエラーを決める
// Stop による中断は無害なキャンセルとして扱う
func abortResult(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), camera.ErrBenignCancellation) {
		return nil
	}
	return ctx.Err()
}

// startLocked は opMu を保持した状態で呼ぶ
func (s *Session) startLocked(ctx context.Context, id camera.DeviceID, policy RetryPolicy) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFailed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, state)
	}
	s.state = StateStarting
	s.failure = nil
	s.activeDevice = id
	s.mu.Unlock()
	s.notify()

	// デバイス側の準備が整うまで待つ
	if s.startDelay > 0 {
		if err := s.sleep(ctx, s.startDelay); err != nil {
			s.settle(StateIdle, nil)
			return abortResult(ctx)
		}
	}

	handle, err := s.acquire(ctx, id, policy)
	if err == nil && ctx.Err() != nil {
		// 取得完了と中断が競合した
		s.closeHandle(context.WithoutCancel(ctx), handle)
		handle, err = nil, ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			s.settle(StateIdle, nil)
			return abortResult(ctx)
		}
		s.log.Info("failed to acquire device", "device", id, "class", camera.FaultClassOf(err), "error", err.Error())
		s.settle(StateFailed, err)
		return err
	}

	gen := s.generation.Add(1)
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.handle = handle
	s.loopCancel = cancel
	s.loopDone = done
	s.state = StateRunning
	s.mu.Unlock()
	s.notify()

	s.log.V(1).Info("session running", "device", id)
	go s.runLoop(loopCtx, gen, handle, done)
	return nil
}

// acquire は再試行方針に従ってデバイスを取得する
func (s *Session) acquire(ctx context.Context, id camera.DeviceID, policy RetryPolicy) (camera.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		if attempt > 1 {
			acquireRetries.Inc()
			s.log.V(1).Info("retrying acquisition", "device", id, "attempt", attempt, "delay", policy.Delay)
			if err := s.sleep(ctx, policy.Delay); err != nil {
				return nil, err
			}
		}

		handle, err := s.openOnce(ctx, id)
		if err == nil {
			acquireAttempts.WithLabelValues("success").Inc()
			return handle, nil
		}
		if ctx.Err() != nil {
			acquireAttempts.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		acquireAttempts.WithLabelValues(resultLabel(err)).Inc()

		lastErr = err
		if !policy.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// openOnce は1回分の取得を行う。AcquireTimeout が設定されていれば上限を設ける
func (s *Session) openOnce(ctx context.Context, id camera.DeviceID) (camera.Handle, error) {
	if s.acquireTimeout <= 0 {
		return s.driver.Open(ctx, id)
	}
	octx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	handle, err := s.driver.Open(octx, id)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &camera.AcquireError{Class: camera.FaultUnavailable, Device: id, Err: errAcquireTimeout}
	}
	return handle, err
}

// stopLocked は opMu を保持した状態で呼ぶ
// cause が nil でなければ解放後に Failed とする
func (s *Session) stopLocked(ctx context.Context, cause error) {
	// 解放より先に世代を進め、実行中のループからの通知を無効にする
	s.generation.Add(1)

	s.mu.Lock()
	if s.state == StateIdle || (s.state == StateFailed && cause == nil) {
		changed := s.state != StateIdle
		s.state = StateIdle
		s.failure = nil
		s.activeDevice = ""
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return
	}
	handle := s.handle
	loopCancel, loopDone := s.loopCancel, s.loopDone
	s.handle, s.loopCancel, s.loopDone = nil, nil, nil
	s.state = StateStopping
	s.mu.Unlock()
	s.notify()

	if loopCancel != nil {
		loopCancel()
		<-loopDone
	}
	if handle != nil {
		s.closeHandle(ctx, handle)
	}

	if cause != nil {
		s.settle(StateFailed, cause)
		return
	}
	s.settle(StateIdle, nil)
}

func (s *Session) closeHandle(ctx context.Context, handle camera.Handle) {
	if err := handle.Close(ctx); err != nil && !camera.IsBenignCancellation(err) {
		s.log.Error(err, "failed to release device", "device", handle.Device())
	}
}

// settle はハンドルを保持しない状態へ遷移する
func (s *Session) settle(state State, failure error) {
	s.mu.Lock()
	s.state = state
	s.failure = failure
	s.activeDevice = ""
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	recordState(snap.State)
	s.onStateChange(snap)
}

// sleep は注入されたクロックで待機する。ctx が終了した場合はエラーを返す
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-s.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop はフレームをデコードし、最初の結果を通知して終了する
func (s *Session) runLoop(ctx context.Context, gen uint64, handle camera.Handle, done chan struct{}) {
	defer close(done)

	frames := handle.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				s.log.Info("frame stream ended", "device", handle.Device())
				go s.releaseAfter(ctx, gen, 0, errStreamClosed)
				return
			}

			payload, found := s.decoder.Decode(frame)
			if !found || payload == "" {
				continue
			}
			if ctx.Err() != nil || s.generation.Load() != gen {
				return
			}
			if !s.accept(payload) {
				decodeSuppressed.Inc()
				continue
			}

			event := DecodeEvent{
				ID:         uuid.New(),
				Payload:    payload,
				Device:     handle.Device(),
				ObservedAt: s.clock.Now(),
			}
			decodeEvents.Inc()
			s.log.V(1).Info("decoded", "device", event.Device, "id", event.ID)
			s.onDecode(event)

			go s.releaseAfter(ctx, gen, s.cooldown, nil)
			return
		}
	}
}

// accept は同じ内容がクールダウン内に再度読み取られた場合に false を返す
func (s *Session) accept(payload string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if payload == s.lastPayload && !s.lastDecodeAt.IsZero() && now.Sub(s.lastDecodeAt) < s.cooldown {
		return false
	}
	s.lastPayload = payload
	s.lastDecodeAt = now
	return true
}

// releaseAfter は待機後、世代が変わっていなければセッションを解放する
func (s *Session) releaseAfter(ctx context.Context, gen uint64, delay time.Duration, cause error) {
	if err := s.sleep(ctx, delay); err != nil {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.generation.Load() != gen {
		return
	}
	s.stopLocked(context.Background(), cause)
}
