package scanner

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"quizscan/internal/camera"
)

type controllerHarness struct {
	driver   *camera.MockDriver
	registry *camera.MockRegistry
	clock    *testclock.FakeClock
	events   *eventRecorder
	ctrl     *Controller
}

func newControllerHarness(t *testing.T, devices ...camera.Device) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		driver:   camera.NewMockDriver(),
		registry: camera.NewMockRegistry(devices...),
		clock:    testclock.NewFakeClock(time.Now()),
		events:   &eventRecorder{},
	}
	h.ctrl = NewController(ControllerOptions{
		Driver:      h.driver,
		Decoder:     payloadDecoder,
		Registry:    h.registry,
		Clock:       h.clock,
		Retry:       DefaultRetryPolicy(),
		SettleDelay: testSettle,
		Cooldown:    testCooldown,
		OnDecode:    h.events.record,
		Logger:      testr.New(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, 0, h.driver.Held(), "device must be released on shutdown")
	})
	return h
}

func (h *controllerHarness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Session().State() == state }, waitFor, tick,
		"expected session state %s", state)
}

func TestController_StartsPreferredDevice(t *testing.T) {
	h := newControllerHarness(t,
		camera.Device{ID: "/dev/video0", Label: "front camera"},
		camera.Device{ID: "/dev/video2", Label: "back camera"},
	)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	h.waitState(t, StateRunning)

	assert.Equal(t, []string{"open:/dev/video2"}, h.driver.Ops())
	status := h.ctrl.Status()
	assert.Equal(t, StatusRunning, status.Status)
	assert.Equal(t, camera.DeviceID("/dev/video2"), status.ActiveDevice)
}

func TestController_ExplicitSelectionSkipsRegistry(t *testing.T) {
	h := newControllerHarness(t)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "x"}))
	h.waitState(t, StateRunning)

	assert.Equal(t, []string{"open:x"}, h.driver.Ops())
	assert.Equal(t, 0, h.registry.Calls())
}

func TestController_DeactivateWhileStarting(t *testing.T) {
	h := newControllerHarness(t, camera.Device{ID: "a"})
	release := h.driver.BlockOpen("a")
	defer release()

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	require.Eventually(t, func() bool { return h.driver.Opens() == 1 }, waitFor, tick)
	assert.Equal(t, StatusStarting, h.ctrl.Status().Status)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: false}))
	h.waitState(t, StateIdle)

	// 解除しても取得は再開されない
	release()
	assert.Never(t, func() bool { return h.driver.Acquired() > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, 0, h.events.Len())
	assert.Equal(t, StatusStopped, h.ctrl.Status().Status)
}

// blockingRegistry は解除されるまで列挙を返さない
type blockingRegistry struct {
	devices []camera.Device
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRegistry(devices ...camera.Device) *blockingRegistry {
	return &blockingRegistry{
		devices: devices,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *blockingRegistry) Enumerate(_ context.Context) (iter.Seq[camera.Device], error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return slices.Values(r.devices), nil
}

func TestController_DeactivateWhileResolvingDevice(t *testing.T) {
	driver := camera.NewMockDriver()
	registry := newBlockingRegistry(camera.Device{ID: "a"})
	events := &eventRecorder{}
	ctrl := NewController(ControllerOptions{
		Driver:   driver,
		Decoder:  payloadDecoder,
		Registry: registry,
		OnDecode: events.record,
		Logger:   testr.New(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, ctrl.Reconcile(DesiredState{Active: true}))
	select {
	case <-registry.entered:
	case <-time.After(waitFor):
		t.Fatal("enumeration did not start")
	}

	// 列挙中に無効化してから列挙を完了させる
	require.NoError(t, ctrl.Reconcile(DesiredState{Active: false}))
	close(registry.release)

	assert.Never(t, func() bool { return driver.Opens() > 0 }, 200*time.Millisecond, tick,
		"device must not be opened after deactivation")
	assert.Equal(t, StateIdle, ctrl.Session().State())
	assert.Empty(t, driver.Ops())
	assert.Equal(t, 0, events.Len())
}

func TestController_DropsDecodeAfterDeactivation(t *testing.T) {
	events := &eventRecorder{}
	ctrl := NewController(ControllerOptions{
		Driver:   camera.NewMockDriver(),
		Decoder:  payloadDecoder,
		Registry: camera.NewMockRegistry(),
		OnDecode: events.record,
		Logger:   testr.New(t),
	})

	ctrl.handleDecode(DecodeEvent{Payload: "late"})
	assert.Equal(t, 0, events.Len())

	require.NoError(t, ctrl.Reconcile(DesiredState{Active: true}))
	ctrl.handleDecode(DecodeEvent{Payload: "QUIZ-1"})
	assert.Equal(t, []string{"QUIZ-1"}, events.Payloads())
	assert.False(t, ctrl.Desired().Active)
}

func TestController_ConcurrentReconcileHoldsAtMostOneHandle(t *testing.T) {
	h := newControllerHarness(t, camera.Device{ID: "a"}, camera.Device{ID: "b"})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			desired := DesiredState{Active: i%3 != 0}
			if i%2 == 0 {
				desired.SelectedDevice = "a"
			}
			_ = h.ctrl.Reconcile(desired)
		}()
	}
	wg.Wait()

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "a"}))
	stepUntil(t, h.clock, testSettle, func() bool {
		snap := h.ctrl.Session().Snapshot()
		return snap.State == StateRunning && snap.ActiveDevice == "a"
	})

	assert.LessOrEqual(t, h.driver.MaxHeld(), 1)
	assert.Equal(t, 1, h.driver.Held())
}

func TestController_SwitchDevice(t *testing.T) {
	h := newControllerHarness(t)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "a"}))
	h.waitState(t, StateRunning)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "b"}))
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(testSettle)

	require.Eventually(t, func() bool {
		snap := h.ctrl.Session().Snapshot()
		return snap.State == StateRunning && snap.ActiveDevice == "b"
	}, waitFor, tick)
	assert.Equal(t, []string{"open:a", "close:a", "open:b"}, h.driver.Ops())
}

func TestController_SwitchCoalescesToLatestSelection(t *testing.T) {
	h := newControllerHarness(t)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "a"}))
	h.waitState(t, StateRunning)

	release := h.driver.BlockOpen("b")
	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "b"}))
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(testSettle)
	require.Eventually(t, func() bool { return h.driver.Opens() == 2 }, waitFor, tick)

	// b の取得中に続けて切り替えが要求される
	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "c"}))
	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "d"}))
	release()

	stepUntil(t, h.clock, testSettle, func() bool {
		snap := h.ctrl.Session().Snapshot()
		return snap.State == StateRunning && snap.ActiveDevice == "d"
	})
	assert.Equal(t, []string{"open:a", "close:a", "open:b", "close:b", "open:d"}, h.driver.Ops())
	assert.Equal(t, 1, h.driver.MaxHeld())
}

func TestController_DecodeConsumesDesiredState(t *testing.T) {
	h := newControllerHarness(t, camera.Device{ID: "a"})

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	h.waitState(t, StateRunning)

	h.driver.Handle("a").Push([]byte("QUIZ-1"))
	require.Eventually(t, func() bool { return h.events.Len() == 1 }, waitFor, tick)
	assert.False(t, h.ctrl.Desired().Active, "decode should consume the desired state")

	stepUntil(t, h.clock, testCooldown, func() bool { return h.ctrl.Session().State() == StateIdle })
	assert.Never(t, func() bool { return h.driver.Acquired() > 1 }, 100*time.Millisecond, tick,
		"scanner must not resume on its own")

	// 再度有効化すると次の読み取りができる
	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	require.Eventually(t, func() bool { return h.driver.Acquired() == 2 }, waitFor, tick)
	h.waitState(t, StateRunning)
	h.driver.Handle("a").Push([]byte("QUIZ-2"))
	require.Eventually(t, func() bool { return h.events.Len() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"QUIZ-1", "QUIZ-2"}, h.events.Payloads())
}

func TestController_RearmDuringCooldown(t *testing.T) {
	h := newControllerHarness(t, camera.Device{ID: "a"})

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	h.waitState(t, StateRunning)
	h.driver.Handle("a").Push([]byte("QUIZ-1"))
	require.Eventually(t, func() bool { return h.events.Len() == 1 }, waitFor, tick)

	// クールダウン中に再度有効化された要求は解放後に反映される
	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	stepUntil(t, h.clock, testCooldown, func() bool { return h.driver.Acquired() == 2 })
	h.waitState(t, StateRunning)
}

func TestController_NoCamera(t *testing.T) {
	h := newControllerHarness(t)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	h.waitState(t, StateFailed)

	status := h.ctrl.Status()
	assert.Equal(t, StatusNoCamera, status.Status)
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, 0, h.driver.Opens())

	// デバイスが接続された後の要求で開始できる
	h.registry.SetDevices(camera.Device{ID: "a"})
	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	h.waitState(t, StateRunning)
}

func TestController_AcquireFailureReportsError(t *testing.T) {
	h := newControllerHarness(t, camera.Device{ID: "a"})
	h.driver.FailNext(&camera.AcquireError{Class: camera.FaultBusy, Device: "a", Err: errors.New("busy")})

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true}))
	h.waitState(t, StateFailed)

	assert.Equal(t, StatusError, h.ctrl.Status().Status)
	assert.Never(t, func() bool { return h.driver.Opens() > 1 }, 100*time.Millisecond, tick,
		"failed session must not be retried without a new request")
}

func TestController_IdenticalReconcileIsNoop(t *testing.T) {
	h := newControllerHarness(t, camera.Device{ID: "a"})

	desired := DesiredState{Active: true, SelectedDevice: "a"}
	require.NoError(t, h.ctrl.Reconcile(desired))
	h.waitState(t, StateRunning)

	for range 10 {
		require.NoError(t, h.ctrl.Reconcile(desired))
	}
	assert.Never(t, func() bool { return len(h.driver.Ops()) != 1 }, 100*time.Millisecond, tick)
}

func TestController_Restart(t *testing.T) {
	h := newControllerHarness(t)

	require.NoError(t, h.ctrl.Reconcile(DesiredState{Active: true, SelectedDevice: "a"}))
	h.waitState(t, StateRunning)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Restart(context.Background(), 300*time.Millisecond) }()

	h.waitState(t, StateIdle)
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(300 * time.Millisecond)
	require.NoError(t, <-errCh)

	h.waitState(t, StateRunning)
	assert.Equal(t, DesiredState{Active: true, SelectedDevice: "a"}, h.ctrl.Desired())
	assert.Equal(t, []string{"open:a", "close:a", "open:a"}, h.driver.Ops())
}

func TestController_ReconcileAfterShutdown(t *testing.T) {
	ctrl := NewController(ControllerOptions{
		Driver:   camera.NewMockDriver(),
		Decoder:  payloadDecoder,
		Registry: camera.NewMockRegistry(),
		Logger:   testr.New(t),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ctrl.Run(ctx))

	assert.ErrorIs(t, ctrl.Reconcile(DesiredState{Active: true}), ErrControllerClosed)
}

func TestDisplayStatus(t *testing.T) {
	tests := []struct {
		name    string
		snap    Snapshot
		started bool
		want    Status
	}{
		{"initial", Snapshot{State: StateIdle}, false, StatusReady},
		{"stopped", Snapshot{State: StateIdle}, true, StatusStopped},
		{"starting", Snapshot{State: StateStarting}, true, StatusStarting},
		{"running", Snapshot{State: StateRunning}, true, StatusRunning},
		{"releasing", Snapshot{State: StateStopping}, true, StatusRunning},
		{"acquire error", Snapshot{State: StateFailed, Failure: errors.New("boom")}, true, StatusError},
		{"no camera", Snapshot{State: StateFailed, Failure: &camera.NoDeviceError{Reason: "none"}}, true, StatusNoCamera},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, displayStatus(tt.snap, tt.started))
		})
	}
}
