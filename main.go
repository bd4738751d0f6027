package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"quizscan/internal/app"
	"quizscan/internal/config"
	"quizscan/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, flush, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗しました: %v", err)
	}
	defer flush()

	// シグナルで終了する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error(err, "quizscan exited")
		flush()
		log.Fatalf("サーバーの実行に失敗しました: %v", err)
	}
}
