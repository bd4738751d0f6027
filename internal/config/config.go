package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host"` // リッスンするホスト
	Port int    `mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 書き込みタイムアウト（WebSocket用に0で無効）
}

// CameraConfig はキャプチャデバイスの設定
type CameraConfig struct {
	DevicePattern string `mapstructure:"device_pattern"` // 列挙するデバイスのglobパターン
	FFmpegPath    string `mapstructure:"ffmpeg_path"`    // ffmpegの実行ファイル
	V4L2CtlPath   string `mapstructure:"v4l2ctl_path"`   // v4l2-ctlの実行ファイル

	FPS    int `mapstructure:"fps"`    // フレームレート (fps)
	Width  int `mapstructure:"width"`  // 画像幅
	Height int `mapstructure:"height"` // 画像高さ
}

// ScannerConfig は読み取りセッションの設定
type ScannerConfig struct {
	AutoStart bool   `mapstructure:"auto_start"` // 起動時に読み取りを有効化する
	Device    string `mapstructure:"device"`     // 起動時に選択するデバイス（空なら自動選択）

	RetryAttempts  int           `mapstructure:"retry_attempts"`  // 初回を含む取得の試行回数
	RetryDelay     time.Duration `mapstructure:"retry_delay"`     // 再試行までの待機
	StartDelay     time.Duration `mapstructure:"start_delay"`     // 取得前の待機（0で待たない）
	SettleDelay    time.Duration `mapstructure:"settle_delay"`    // デバイス切り替え時の待機
	Cooldown       time.Duration `mapstructure:"cooldown"`        // 読み取り後に解放するまでの待機
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"` // 取得の上限（0で無制限）
	RestartDelay   time.Duration `mapstructure:"restart_delay"`   // 再起動時の停止から開始までの待機
}

// SinkConfig はデコード結果の配送先の設定
type SinkConfig struct {
	QuizURL     string        `mapstructure:"quiz_url"`     // 問題取得API（空なら送信しない）
	SessionID   string        `mapstructure:"session_id"`   // 参加者のセッションID
	HTTPTimeout time.Duration `mapstructure:"http_timeout"` // 配送1件あたりのタイムアウト

	MQTTBroker string `mapstructure:"mqtt_broker"` // MQTTブローカー（空なら送信しない）
	MQTTTopic  string `mapstructure:"mqtt_topic"`  // 送信先トピック

	QueueSize int `mapstructure:"queue_size"` // 配送待ちキューの長さ
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level       string `mapstructure:"level"`       // debug / info / warn / error
	Development bool   `mapstructure:"development"` // 開発者向けの出力形式
}

// setDefaults はすべてのキーにデフォルト値を設定する
// 環境変数による上書きはデフォルト値を持つキーにのみ適用される
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))

	v.SetDefault("camera.device_pattern", "/dev/video*")
	v.SetDefault("camera.ffmpeg_path", "ffmpeg")
	v.SetDefault("camera.v4l2ctl_path", "v4l2-ctl")
	v.SetDefault("camera.fps", 10)
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)

	v.SetDefault("scanner.auto_start", true)
	v.SetDefault("scanner.device", "")
	v.SetDefault("scanner.retry_attempts", 2)
	v.SetDefault("scanner.retry_delay", 120*time.Millisecond)
	v.SetDefault("scanner.start_delay", time.Duration(0))
	v.SetDefault("scanner.settle_delay", 120*time.Millisecond)
	v.SetDefault("scanner.cooldown", 50*time.Millisecond)
	v.SetDefault("scanner.acquire_timeout", time.Duration(0))
	v.SetDefault("scanner.restart_delay", 300*time.Millisecond)

	v.SetDefault("sink.quiz_url", "")
	v.SetDefault("sink.session_id", "")
	v.SetDefault("sink.http_timeout", 5*time.Second)
	v.SetDefault("sink.mqtt_broker", "")
	v.SetDefault("sink.mqtt_topic", "quizscan/decodes")
	v.SetDefault("sink.queue_size", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load は設定を読み込む
// デフォルト値、設定ファイル（path が空でなければ）、環境変数の順に上書きする
// 環境変数名はキーの "." を "_" に置き換えて大文字にしたもの（例: SCANNER_COOLDOWN）
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT はPaaS等で一般的なため SERVER_PORT の代替として受け付ける
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("環境変数の設定に失敗: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return &cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.DevicePattern == "" {
		return fmt.Errorf("デバイスパターンが設定されていません")
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("無効な画像サイズ: %dx%d", c.Camera.Width, c.Camera.Height)
	}

	// 読み取り設定の検証
	if c.Scanner.RetryAttempts < 1 {
		return fmt.Errorf("取得の試行回数は1以上である必要があります: %d", c.Scanner.RetryAttempts)
	}
	for name, d := range map[string]time.Duration{
		"retry_delay":     c.Scanner.RetryDelay,
		"start_delay":     c.Scanner.StartDelay,
		"settle_delay":    c.Scanner.SettleDelay,
		"cooldown":        c.Scanner.Cooldown,
		"acquire_timeout": c.Scanner.AcquireTimeout,
		"restart_delay":   c.Scanner.RestartDelay,
	} {
		if d < 0 {
			return fmt.Errorf("scanner.%s が負の値です: %s", name, d)
		}
	}

	// 配送先の検証
	if c.Sink.QueueSize < 1 {
		return fmt.Errorf("キューの長さは1以上である必要があります: %d", c.Sink.QueueSize)
	}
	if c.Sink.QuizURL != "" {
		if u, err := url.Parse(c.Sink.QuizURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("無効な問題取得APIのURL: %s", c.Sink.QuizURL)
		}
	}
	if c.Sink.MQTTBroker != "" && c.Sink.MQTTTopic == "" {
		return fmt.Errorf("MQTTのトピックが設定されていません")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("無効なログレベル: %s", c.Log.Level)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
