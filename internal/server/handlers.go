package server

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"quizscan/internal/camera"
	"quizscan/internal/config"
	"quizscan/internal/scanner"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceInfo はデバイス一覧の1件
type DeviceInfo struct {
	ID          camera.DeviceID `json:"id"`
	Label       string          `json:"label"`
	DisplayName string          `json:"display_name"`
	Facing      camera.Facing   `json:"facing"`
}

// DevicesResponse はデバイス一覧の応答
type DevicesResponse struct {
	Devices   []DeviceInfo    `json:"devices"`
	Preferred camera.DeviceID `json:"preferred"`
}

// ScannerRequest は読み取り状態の変更要求
type ScannerRequest struct {
	Active         *bool  `json:"active" binding:"required"`
	SelectedDevice string `json:"selected_device"`
}

// Handler はAPIエンドポイントを実装する
type Handler struct {
	config     *config.Config
	controller Controller
	registry   camera.Registry
	log        logr.Logger
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus は読み取り状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	if h.controller == nil {
		c.JSON(http.StatusServiceUnavailable, scanner.StatusReport{
			Status: scanner.StatusNoInstance,
		})
		return
	}
	c.JSON(http.StatusOK, h.controller.Status())
}

// GetDevices はデバイス一覧取得エンドポイントの実装
func (h *Handler) GetDevices(c *gin.Context) {
	seq, err := h.registry.Enumerate(c.Request.Context())
	if err != nil {
		var noDev *camera.NoDeviceError
		if errors.As(err, &noDev) {
			respondError(c, http.StatusNotFound, "no_camera", "カメラが見つかりません", err)
			return
		}
		h.log.Error(err, "failed to enumerate devices")
		respondError(c, http.StatusInternalServerError, "enumerate_failed", "デバイスの列挙に失敗しました", err)
		return
	}

	devices := slices.Collect(seq)
	resp := DevicesResponse{Devices: make([]DeviceInfo, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, DeviceInfo{
			ID:          d.ID,
			Label:       d.Label,
			DisplayName: d.DisplayName(),
			Facing:      d.Facing,
		})
	}
	resp.Preferred, _ = camera.SelectPreferred(devices)

	c.JSON(http.StatusOK, resp)
}

// PutScanner は読み取り状態変更エンドポイントの実装
func (h *Handler) PutScanner(c *gin.Context) {
	if !h.requireController(c) {
		return
	}

	var req ScannerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "リクエストの形式が不正です", err)
		return
	}

	desired := scanner.DesiredState{
		Active:         *req.Active,
		SelectedDevice: camera.DeviceID(req.SelectedDevice),
	}
	if err := h.controller.Reconcile(desired); err != nil {
		respondError(c, http.StatusServiceUnavailable, "controller_closed", "読み取りは停止しています", err)
		return
	}
	c.JSON(http.StatusAccepted, h.controller.Status())
}

// PostRestart は読み取り再起動エンドポイントの実装
// 一度停止し、待機後に直前の選択で再開する
func (h *Handler) PostRestart(c *gin.Context) {
	if !h.requireController(c) {
		return
	}

	if err := h.controller.Restart(c.Request.Context(), h.config.Scanner.RestartDelay); err != nil {
		respondError(c, http.StatusServiceUnavailable, "restart_failed", "再起動に失敗しました", err)
		return
	}
	c.JSON(http.StatusAccepted, h.controller.Status())
}

// Root はルートパスのハンドラ
func (h *Handler) Root(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>quizscan</title>
</head>
<body>
    <h1>quizscan QRリーダー</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>デバイス: <a href="/api/devices">/api/devices</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// requireController はコントローラーが無い場合に no-instance を返す
func (h *Handler) requireController(c *gin.Context) bool {
	if h.controller != nil {
		return true
	}
	respondError(c, http.StatusServiceUnavailable, string(scanner.StatusNoInstance), "読み取りコントローラーがありません", nil)
	return false
}

// respondError はエラー応答を返す
func respondError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		resp.Details = stringPtr(fmt.Sprint(err))
	}
	c.JSON(status, resp)
}

// stringPtr は文字列のポインタを返すヘルパー関数
func stringPtr(s string) *string {
	return &s
}
