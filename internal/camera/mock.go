package camera

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

// MockRegistry はテスト用のRegistry実装
type MockRegistry struct {
	mu      sync.Mutex
	devices []Device
	err     error
	calls   int
}

// NewMockRegistry は新しいMockRegistryを作成する
func NewMockRegistry(devices ...Device) *MockRegistry {
	return &MockRegistry{devices: devices}
}

// SetDevices は列挙結果を差し替える（デバイスの抜き差しを模擬）
func (m *MockRegistry) SetDevices(devices ...Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// SetError は列挙時に返すエラーを設定する
func (m *MockRegistry) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls は Enumerate の呼び出し回数を返す
func (m *MockRegistry) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Enumerate は設定されたデバイスを列挙する
func (m *MockRegistry) Enumerate(_ context.Context) (iter.Seq[Device], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.err != nil {
		return nil, m.err
	}
	if len(m.devices) == 0 {
		return nil, &NoDeviceError{Reason: "デバイスが見つかりません"}
	}
	return singleUse(slices.Values(slices.Clone(m.devices))), nil
}

// MockDriver はテスト用のDriver実装
// 取得・解放の順序と同時保持数を記録する
type MockDriver struct {
	mu       sync.Mutex
	failures []error
	gates    map[DeviceID]chan struct{}
	handles  map[DeviceID]*MockHandle
	ops      []string
	opens    int
	acquired int
	released int
	held     int
	maxHeld  int
}

// NewMockDriver は新しいMockDriverを作成する
func NewMockDriver() *MockDriver {
	return &MockDriver{
		gates:   make(map[DeviceID]chan struct{}),
		handles: make(map[DeviceID]*MockHandle),
	}
}

// FailNext は次回以降の Open で順に返すエラーを追加する
func (m *MockDriver) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// BlockOpen は指定デバイスの Open を解除されるまで待機させる
// 戻り値の関数を呼ぶと待機中および以降の Open が進む
func (m *MockDriver) BlockOpen(id DeviceID) func() {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[id] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Open はデバイスの取得を模擬する
func (m *MockDriver) Open(ctx context.Context, id DeviceID) (Handle, error) {
	m.mu.Lock()
	m.opens++
	gate := m.gates[id]
	var failErr error
	if len(m.failures) > 0 {
		failErr = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &MockHandle{
		id:     id,
		driver: m,
		frames: make(chan Frame, 16),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[id] = h
	m.ops = append(m.ops, "open:"+string(id))
	m.acquired++
	m.held++
	if m.held > m.maxHeld {
		m.maxHeld = m.held
	}
	return h, nil
}

func (m *MockDriver) release(id DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "close:"+string(id))
	m.released++
	m.held--
}

// Handle は指定デバイスの最新のハンドルを返す
func (m *MockDriver) Handle(id DeviceID) *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

// Ops は取得・解放の履歴を "open:<id>" / "close:<id>" 形式で返す
func (m *MockDriver) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ops)
}

// Opens は Open の呼び出し回数（失敗を含む）を返す
func (m *MockDriver) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Acquired は取得に成功した回数を返す
func (m *MockDriver) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Released は解放した回数を返す
func (m *MockDriver) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Held は現在保持しているハンドル数を返す
func (m *MockDriver) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// MaxHeld は同時に保持したハンドル数の最大値を返す
func (m *MockDriver) MaxHeld() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxHeld
}

// MockHandle はテスト用のHandle実装
type MockHandle struct {
	id     DeviceID
	driver *MockDriver
	frames chan Frame

	mu     sync.Mutex
	ended  bool
	closed bool
}

func (h *MockHandle) Device() DeviceID { return h.id }

func (h *MockHandle) Frames() <-chan Frame { return h.frames }

// Push はフレームを送信する。バッファがフル、または終了済みの場合は false を返す
func (h *MockHandle) Push(data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	select {
	case h.frames <- Frame{Device: h.id, Data: data, CapturedAt: time.Now()}:
		return true
	default:
		return false
	}
}

// EndStream はデバイス側からのストリーム終了を模擬する
func (h *MockHandle) EndStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endLocked()
}

func (h *MockHandle) endLocked() {
	if !h.ended {
		h.ended = true
		close(h.frames)
	}
}

// Closed はハンドルが解放済みか返す
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close はハンドルを解放する。二度目以降の呼び出しは何もしない
func (h *MockHandle) Close(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.endLocked()
	h.mu.Unlock()

	h.driver.release(h.id)
	return nil
}
