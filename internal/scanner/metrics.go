package scanner

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"quizscan/internal/camera"
)

var (
	acquireAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizscan_acquire_attempts_total",
			Help: "Device acquisition attempts by result.",
		},
		[]string{"result"},
	)
	acquireRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quizscan_acquire_retries_total",
			Help: "Device acquisitions retried after a retryable fault.",
		},
	)
	decodeEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quizscan_decode_events_total",
			Help: "Decode events forwarded to the sink.",
		},
	)
	decodeSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quizscan_decode_suppressed_total",
			Help: "Duplicate decodes suppressed within the cooldown window.",
		},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quizscan_session_state",
			Help: "Current capture session state (1 for the active state).",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(acquireAttempts, acquireRetries, decodeEvents, decodeSuppressed, sessionState)
}

// resultLabel は取得結果をメトリクスのラベルに変換する
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if class := camera.FaultClassOf(err); class != "" {
		return string(class)
	}
	var noDev *camera.NoDeviceError
	if errors.As(err, &noDev) {
		return "no_device"
	}
	return "error"
}

func recordState(state State) {
	for _, s := range []State{StateIdle, StateStarting, StateRunning, StateStopping, StateFailed} {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s.String()).Set(v)
	}
}
