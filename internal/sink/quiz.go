package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"quizscan/internal/scanner"
)

// ScanResult は問題取得APIの応答
type ScanResult struct {
	Question         json.RawMessage `json:"question"`
	TimeLimitSeconds int             `json:"time_limit_seconds"`
	Message          string          `json:"message"`
}

type scanRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// Quiz は読み取ったコードを問題取得APIへ送る配送先
type Quiz struct {
	url       string
	sessionID string
	client    *http.Client
	log       logr.Logger
}

// NewQuiz は新しいQuizを作成する
func NewQuiz(url, sessionID string, timeout time.Duration, log logr.Logger) *Quiz {
	return &Quiz{
		url:       url,
		sessionID: sessionID,
		client:    &http.Client{Timeout: timeout},
		log:       log.WithName("quiz"),
	}
}

func (q *Quiz) Name() string { return "quiz" }

// Deliver はコードを送信し、問題の取得結果を記録する
func (q *Quiz) Deliver(ctx context.Context, event scanner.DecodeEvent) error {
	result, err := q.Lookup(ctx, event.Payload)
	if err != nil {
		return err
	}
	q.log.Info("question unlocked", "id", event.ID, "time_limit_seconds", result.TimeLimitSeconds, "message", result.Message)
	return nil
}

// Lookup はコードに対応する問題を取得する
func (q *Quiz) Lookup(ctx context.Context, code string) (*ScanResult, error) {
	body, err := json.Marshal(scanRequest{SessionID: q.sessionID, Code: code})
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("問題取得APIへの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("問題取得APIがエラーを返しました: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result ScanResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("応答の解析に失敗: %w", err)
	}
	return &result, nil
}
