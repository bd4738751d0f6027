package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quizscan/internal/camera"
	"quizscan/internal/config"
	"quizscan/internal/scanner"
)

const shutdownTimeout = 5 * time.Second

// Controller はHTTPから操作する読み取りコントローラー
type Controller interface {
	Reconcile(desired scanner.DesiredState) error
	Restart(ctx context.Context, delay time.Duration) error
	Status() scanner.StatusReport
	Desired() scanner.DesiredState
}

// Deps はサーバーが依存するコンポーネント
// Controller が nil の場合は状態APIが no-instance を返す
type Deps struct {
	Controller Controller
	Registry   camera.Registry
	Events     http.Handler // WebSocketの配信
	Logger     logr.Logger
}

// GinServer はGinを使用したHTTPサーバー
type GinServer struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	handler    *Handler
	log        logr.Logger
}

// NewGin は新しいGinServerインスタンスを作成する
func NewGin(cfg *config.Config, deps Deps) *GinServer {
	log := deps.Logger.WithName("server")

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log), requestCounter())

	s := &GinServer{
		config: cfg,
		engine: engine,
		handler: &Handler{
			config:     cfg,
			controller: deps.Controller,
			registry:   deps.Registry,
			log:        log,
		},
		log: log,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes(deps.Events)
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *GinServer) setupRoutes(events http.Handler) {
	h := s.handler

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// APIエンドポイント
	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)
	api.PUT("/scanner", h.PutScanner)
	api.POST("/scanner/restart", h.PostRestart)
	if events != nil {
		api.GET("/events", gin.WrapH(events))
	}

	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", h.Root)
}

// Handler はHTTPハンドラーを返す
func (s *GinServer) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctx が終了するとグレースフルにシャットダウンする
func (s *GinServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定されたリスナーで待ち受ける
func (s *GinServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *GinServer) Shutdown() error {
	s.log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}
	return nil
}
