// Package app 設定からコンポーネントを組み立てて実行する
package app

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quizscan/internal/camera"
	"quizscan/internal/config"
	"quizscan/internal/decode"
	"quizscan/internal/scanner"
	"quizscan/internal/server"
	"quizscan/internal/sink"
)

// Run はすべてのコンポーネントを起動し、ctx が終了するまで実行する
// 終了時はデバイスを解放してから戻る
func Run(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	registry := camera.NewLinuxRegistry(cfg.Camera.DevicePattern, cfg.Camera.V4L2CtlPath)
	driver := camera.NewV4L2Driver(cfg.Camera.FFmpegPath, camera.Settings{
		FPS:    cfg.Camera.FPS,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	}, log)
	if err := driver.Validate(ctx); err != nil {
		log.Error(err, "capture will fail until ffmpeg is installed")
	}

	hub := sink.NewHub(log)
	defer hub.Close()

	sinks, closeSinks, err := buildSinks(cfg, hub, log)
	if err != nil {
		return err
	}
	defer closeSinks()
	fanout := sink.NewFanout(cfg.Sink.QueueSize, cfg.Sink.HTTPTimeout, log, sinks...)

	ctrl := scanner.NewController(scanner.ControllerOptions{
		Driver:   driver,
		Decoder:  decode.NewQR(log),
		Registry: registry,
		Retry: scanner.RetryPolicy{
			MaxAttempts: cfg.Scanner.RetryAttempts,
			Delay:       cfg.Scanner.RetryDelay,
			Classes:     []camera.FaultClass{camera.FaultTransient},
		},
		StartDelay:     cfg.Scanner.StartDelay,
		SettleDelay:    cfg.Scanner.SettleDelay,
		Cooldown:       cfg.Scanner.Cooldown,
		AcquireTimeout: cfg.Scanner.AcquireTimeout,
		OnDecode:       func(e scanner.DecodeEvent) { fanout.Enqueue(e) },
		OnStatus:       hub.BroadcastStatus,
		Logger:         log,
	})

	srv := server.NewGin(cfg, server.Deps{
		Controller: ctrl,
		Registry:   registry,
		Events:     hub,
		Logger:     log,
	})

	if cfg.Scanner.AutoStart {
		if err := ctrl.Reconcile(scanner.DesiredState{
			Active:         true,
			SelectedDevice: camera.DeviceID(cfg.Scanner.Device),
		}); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	log.Info("quizscan started", "addr", cfg.ServerAddress(), "auto_start", cfg.Scanner.AutoStart)
	return g.Wait()
}

// buildSinks は設定された配送先を組み立てる
// WebSocketのHubは常に含まれる
func buildSinks(cfg *config.Config, hub *sink.Hub, log logr.Logger) ([]sink.Sink, func(), error) {
	sinks := []sink.Sink{hub}
	closeFn := func() {}

	if cfg.Sink.QuizURL != "" {
		sinks = append(sinks, sink.NewQuiz(cfg.Sink.QuizURL, cfg.Sink.SessionID, cfg.Sink.HTTPTimeout, log))
	}

	if cfg.Sink.MQTTBroker != "" {
		client, err := sink.DialMQTT(cfg.Sink.MQTTBroker, "quizscan-"+uuid.NewString()[:8], log)
		if err != nil {
			return nil, nil, fmt.Errorf("MQTTの初期化に失敗: %w", err)
		}
		sinks = append(sinks, sink.NewMQTT(client, cfg.Sink.MQTTTopic))
		closeFn = client.Close
	}

	return sinks, closeFn, nil
}
