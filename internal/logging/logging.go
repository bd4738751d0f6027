// Package logging zapをバックエンドとするlogr.Loggerを構築する
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"quizscan/internal/config"
)

// traceLevel は logr の V(2) まで出力するzapのレベル
const traceLevel = zapcore.Level(-2)

// New は設定に従ってロガーを作成する
// 戻り値の関数でバッファをフラッシュする
func New(cfg config.LogConfig) (logr.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	zcfg := uberzap.NewProductionConfig()
	if cfg.Development {
		zcfg = uberzap.NewDevelopmentConfig()
	}
	zcfg.Level = uberzap.NewAtomicLevelAt(level)

	zl, err := zcfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("ロガーの作成に失敗: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// parseLevel はログレベル名をzapのレベルに変換する
// debug は logr の V(1) と V(2) を含む
func parseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "debug":
		return traceLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("無効なログレベル: %s", name)
	}
}
