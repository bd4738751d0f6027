package scanner

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"quizscan/internal/camera"
)

const shutdownTimeout = 5 * time.Second

// DesiredState は利用者が要求する状態
type DesiredState struct {
	Active         bool            `json:"active"`
	SelectedDevice camera.DeviceID `json:"selected_device,omitempty"`
}

// StatusReport は表示用の状態
type StatusReport struct {
	Status       Status          `json:"status"`
	State        string          `json:"state"`
	ActiveDevice camera.DeviceID `json:"active_device,omitempty"`
	LastDecodeAt *time.Time      `json:"last_decode_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Desired      DesiredState    `json:"desired"`
}

// ControllerOptions はコントローラーの生成オプション
type ControllerOptions struct {
	Driver         camera.Driver
	Decoder        Decoder
	Registry       camera.Registry
	Clock          clock.Clock
	Retry          RetryPolicy
	StartDelay     time.Duration
	SettleDelay    time.Duration
	Cooldown       time.Duration
	AcquireTimeout time.Duration
	OnDecode       func(DecodeEvent) // 受理したデコード結果の通知先
	OnStatus       func(StatusReport)
	Logger         logr.Logger
}

// Controller は要求された状態とセッションを突き合わせる
// セッションに対する操作は Run のワーカーで直列に実行される
type Controller struct {
	session  *Session
	registry camera.Registry
	clock    clock.Clock
	retry    RetryPolicy
	onDecode func(DecodeEvent)
	onStatus func(StatusReport)
	log      logr.Logger

	kick chan struct{}
	done chan struct{}

	mu         sync.Mutex
	desired    DesiredState
	deferred   bool
	started    bool
	closed     bool
	abortStart context.CancelCauseFunc // デバイスの決定から開始までを取り消す
}

// NewController は新しいControllerを作成する。セッションは1つだけ生成される
func NewController(opts ControllerOptions) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.OnDecode == nil {
		opts.OnDecode = func(DecodeEvent) {}
	}
	if opts.OnStatus == nil {
		opts.OnStatus = func(StatusReport) {}
	}

	c := &Controller{
		registry: opts.Registry,
		clock:    opts.Clock,
		retry:    opts.Retry,
		onDecode: opts.OnDecode,
		onStatus: opts.OnStatus,
		log:      opts.Logger.WithName("controller"),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.session = NewSession(SessionOptions{
		Driver:         opts.Driver,
		Decoder:        opts.Decoder,
		Clock:          opts.Clock,
		StartDelay:     opts.StartDelay,
		SettleDelay:    opts.SettleDelay,
		Cooldown:       opts.Cooldown,
		AcquireTimeout: opts.AcquireTimeout,
		OnDecode:       c.handleDecode,
		OnStateChange:  c.handleStateChange,
		Logger:         opts.Logger,
	})
	return c
}

// Session はコントローラーが所有するセッションを返す
func (c *Controller) Session() *Session {
	return c.session
}

// Desired は現在の要求状態を返す
func (c *Controller) Desired() DesiredState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

// Reconcile は要求状態を更新し、ワーカーに突き合わせを依頼する
// 無効化の要求は進行中の取得を直ちに中断する
func (c *Controller) Reconcile(desired DesiredState) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.desired = desired
	abortStart := c.abortStart
	c.mu.Unlock()

	if !desired.Active {
		if abortStart != nil {
			abortStart(camera.ErrBenignCancellation)
		}
		c.session.Abort()
	}
	c.signal()
	return nil
}

// Restart は一度無効化し、delay 後に直前の選択で再度有効化する
func (c *Controller) Restart(ctx context.Context, delay time.Duration) error {
	selected := c.Desired().SelectedDevice
	if err := c.Reconcile(DesiredState{Active: false, SelectedDevice: selected}); err != nil {
		return err
	}

	if delay > 0 {
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrControllerClosed
		}
	}
	return c.Reconcile(DesiredState{Active: true, SelectedDevice: selected})
}

func (c *Controller) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run は突き合わせのワーカーを実行する。ctx が終了するとデバイスを解放して戻る
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()

	c.signal()
	for {
		select {
		case <-ctx.Done():
			c.session.Abort()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			c.session.Stop(stopCtx)
			cancel()
			c.log.Info("controller stopped")
			return nil
		case <-c.kick:
			c.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce は要求状態とセッション状態から1つの遷移を実行する
func (c *Controller) reconcileOnce(ctx context.Context) {
	c.mu.Lock()
	desired := c.desired
	c.deferred = false
	c.mu.Unlock()

	snap := c.session.Snapshot()

	switch {
	case !desired.Active:
		if snap.State != StateIdle {
			c.log.V(1).Info("stopping session", "state", snap.State)
		}
		c.session.Stop(ctx)

	case snap.State == StateIdle || snap.State == StateFailed:
		c.startTarget(ctx)

	case snap.State == StateStarting || snap.State == StateStopping:
		// 遷移が落ち着いてから再評価する
		c.mu.Lock()
		c.deferred = true
		c.mu.Unlock()
		if st := c.session.State(); st != StateStarting && st != StateStopping {
			c.signal()
		}

	case desired.SelectedDevice != "" && desired.SelectedDevice != snap.ActiveDevice:
		c.log.V(1).Info("switching device", "from", snap.ActiveDevice, "to", desired.SelectedDevice)
		if err := c.session.SwitchDevice(ctx, desired.SelectedDevice, c.retry); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error(err, "failed to switch device", "device", desired.SelectedDevice)
		}
	}

	// 操作中に要求が変わっていれば再評価する
	if c.Desired() != desired {
		c.signal()
	}
}

// startTarget は開始するデバイスを決めてセッションを開始する
// デバイスの決定中に無効化された場合は開始しない
func (c *Controller) startTarget(ctx context.Context) {
	sctx, cancel := context.WithCancelCause(ctx)
	defer func() {
		c.mu.Lock()
		c.abortStart = nil
		c.mu.Unlock()
		cancel(nil)
	}()

	c.mu.Lock()
	if !c.desired.Active {
		c.mu.Unlock()
		return
	}
	selected := c.desired.SelectedDevice
	c.abortStart = cancel
	c.mu.Unlock()

	target, err := c.resolveTarget(sctx, selected)
	if sctx.Err() != nil {
		c.log.V(1).Info("start cancelled before acquisition")
		return
	}
	if err != nil {
		c.log.Info("no capture device", "error", err.Error())
		c.session.MarkFailed(err)
		return
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	if err := c.session.Start(sctx, target, c.retry); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error(err, "failed to start session", "device", target)
	}
}

// resolveTarget は選択済みデバイス、または列挙結果から開始するデバイスを決める
func (c *Controller) resolveTarget(ctx context.Context, selected camera.DeviceID) (camera.DeviceID, error) {
	if selected != "" {
		return selected, nil
	}
	seq, err := c.registry.Enumerate(ctx)
	if err != nil {
		return "", err
	}
	target, ok := camera.SelectPreferred(slices.Collect(seq))
	if !ok {
		return "", &camera.NoDeviceError{Reason: "選択できるデバイスがありません"}
	}
	return target, nil
}

// handleDecode はデコード結果を受理し、要求を消費済みにしてから通知する
// 無効化された後に届いた結果は破棄する
func (c *Controller) handleDecode(event DecodeEvent) {
	c.mu.Lock()
	if !c.desired.Active {
		c.mu.Unlock()
		decodeSuppressed.Inc()
		c.log.V(1).Info("dropping decode after deactivation", "id", event.ID)
		return
	}
	c.desired.Active = false
	c.mu.Unlock()

	c.onDecode(event)
}

// handleStateChange は保留中の要求、またはクールダウン中に再度有効化された要求を再評価する
func (c *Controller) handleStateChange(snap Snapshot) {
	settled := snap.State != StateStarting && snap.State != StateStopping

	c.mu.Lock()
	wake := settled && (c.deferred || (snap.State == StateIdle && c.desired.Active))
	if wake {
		c.deferred = false
	}
	c.mu.Unlock()

	if wake {
		c.signal()
	}
	c.onStatus(c.report(snap))
}

// Status は表示用の状態を返す
func (c *Controller) Status() StatusReport {
	return c.report(c.session.Snapshot())
}

func (c *Controller) report(snap Snapshot) StatusReport {
	c.mu.Lock()
	desired := c.desired
	started := c.started
	c.mu.Unlock()

	r := StatusReport{
		Status:       displayStatus(snap, started),
		State:        snap.State.String(),
		ActiveDevice: snap.ActiveDevice,
		Desired:      desired,
	}
	if !snap.LastDecodeAt.IsZero() {
		t := snap.LastDecodeAt
		r.LastDecodeAt = &t
	}
	if snap.Failure != nil {
		r.LastError = snap.Failure.Error()
	}
	return r
}

// displayStatus はセッション状態を表示用の状態に変換する
func displayStatus(snap Snapshot, started bool) Status {
	switch snap.State {
	case StateStarting:
		return StatusStarting
	case StateRunning:
		return StatusRunning
	case StateStopping:
		// 解放が終わるまではデバイスを保持している
		return StatusRunning
	case StateFailed:
		var noDev *camera.NoDeviceError
		if errors.As(snap.Failure, &noDev) {
			return StatusNoCamera
		}
		return StatusError
	default:
		if started {
			return StatusStopped
		}
		return StatusReady
	}
}
