package scanner

// State はキャプチャセッションの状態
type State int

const (
	StateIdle     State = iota // 停止中
	StateStarting              // デバイス取得中
	StateRunning               // デコードループ実行中
	StateStopping              // 解放中
	StateFailed                // 失敗（Idle と同様に再開始できる）
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status は利用者に表示する状態
type Status string

const (
	StatusReady      Status = "ready"       // 未開始
	StatusStarting   Status = "starting"    // 開始中
	StatusRunning    Status = "running"     // 読み取り中
	StatusStopped    Status = "stopped"     // 停止済み
	StatusError      Status = "error"       // 取得失敗
	StatusNoCamera   Status = "no-camera"   // デバイスなし
	StatusNoInstance Status = "no-instance" // コントローラー未生成
)
