package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"

	"quizscan/internal/scanner"
)

const mqttConnectTimeout = 10 * time.Second

// Publisher はMQTTへの送信に必要な最小限の操作
// ブローカーなしでテストできるようにする
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTT はデコード結果をトピックへ送信する配送先
type MQTT struct {
	pub   Publisher
	topic string
}

// NewMQTT は新しいMQTTを作成する
func NewMQTT(pub Publisher, topic string) *MQTT {
	return &MQTT{pub: pub, topic: topic}
}

func (m *MQTT) Name() string { return "mqtt" }

// Deliver はデコード結果をJSONで送信する
func (m *MQTT) Deliver(ctx context.Context, event scanner.DecodeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("デコード結果のエンコードに失敗: %w", err)
	}
	return m.pub.Publish(ctx, m.topic, payload)
}

// MQTTClient はpahoクライアントのラッパー
type MQTTClient struct {
	cli mqtt.Client
}

// DialMQTT はブローカーに接続する
// brokerURL は mqtt://, tcp://, ssl://, tls://, ws://, wss:// のいずれか
func DialMQTT(brokerURL, clientID string, log logr.Logger) (*MQTTClient, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("ブローカーURLの解析に失敗: %w", err)
	}
	server, err := brokerServer(u)
	if err != nil {
		return nil, err
	}

	log = log.WithName("mqtt")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) { log.Info("mqtt connected", "broker", server) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.Error(err, "mqtt connection lost") }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("ブローカーへの接続がタイムアウトしました: %s", server)
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}
	return &MQTTClient{cli: cli}, nil
}

// brokerServer はURLをpahoのブローカー指定に変換する
func brokerServer(u *url.URL) (string, error) {
	if u.Host == "" {
		return "", fmt.Errorf("ブローカーのホストが指定されていません: %s", u.String())
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "ssl", "tls":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("未対応のスキームです: %s", u.Scheme)
	}
}

// Publish はQoS 0で送信し、完了または ctx の終了を待つ
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	t := c.cli.Publish(topic, 0, false, payload)
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close はブローカーから切断する
func (c *MQTTClient) Close() {
	c.cli.Disconnect(250)
}
