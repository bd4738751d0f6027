// Package sink デコード結果の配送先を提供する
//
// Fanout が受理したデコード結果を検出順に各配送先へ届ける。
// 配送先は問題取得API（Quiz）、MQTT、WebSocket の Hub。
package sink

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"quizscan/internal/scanner"
)

var deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quizscan_sink_deliveries_total",
		Help: "Decode event deliveries by sink and result.",
	},
	[]string{"sink", "result"},
)

func init() {
	prometheus.MustRegister(deliveries)
}

// Sink はデコード結果の配送先
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event scanner.DecodeEvent) error
}

// Fanout は有界キューを介して複数の配送先へ順番に届ける
type Fanout struct {
	sinks   []Sink
	queue   chan scanner.DecodeEvent
	timeout time.Duration
	log     logr.Logger
}

// NewFanout は新しいFanoutを作成する
func NewFanout(size int, timeout time.Duration, log logr.Logger, sinks ...Sink) *Fanout {
	if size < 1 {
		size = 1
	}
	return &Fanout{
		sinks:   sinks,
		queue:   make(chan scanner.DecodeEvent, size),
		timeout: timeout,
		log:     log.WithName("fanout"),
	}
}

// Enqueue は配送を予約する。キューが満杯の場合は破棄して false を返す
// デコードループから呼ばれるためブロックしない
func (f *Fanout) Enqueue(event scanner.DecodeEvent) bool {
	select {
	case f.queue <- event:
		return true
	default:
		deliveries.WithLabelValues("fanout", "dropped").Inc()
		f.log.Info("delivery queue full, dropping decode event", "id", event.ID)
		return false
	}
}

// Run はキューから取り出した順に配送する
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-f.queue:
			f.deliver(ctx, event)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, event scanner.DecodeEvent) {
	for _, s := range f.sinks {
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if f.timeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, f.timeout)
		}
		err := s.Deliver(dctx, event)
		cancel()

		if err != nil {
			deliveries.WithLabelValues(s.Name(), "error").Inc()
			f.log.Error(err, "failed to deliver decode event", "sink", s.Name(), "id", event.ID)
			continue
		}
		deliveries.WithLabelValues(s.Name(), "success").Inc()
	}
}
