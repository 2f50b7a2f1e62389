// Package suggest は外部の文章提案サービス（OpenAI互換のchat completions API）を使って
// 蔵書の紹介文の改善案とタグ候補を生成する。結果は提案のみで、蔵書の状態は変更しない。
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// DefaultBaseURL はOpenAI APIの既定のベースURL。
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel は既定のモデル名。
	DefaultModel = "gpt-4o-mini"

	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
	// maxErrorBodyLog はログに残すエラーレスポンスの最大長。
	maxErrorBodyLog = 512
)

// ErrEmptyCompletion は応答に本文が含まれなかったことを表す。
var ErrEmptyCompletion = errors.New("empty completion")

// StatusError は提案サービスが200以外を返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion endpoint returned status %d", e.StatusCode)
}

// Completer はシステムプロンプトと入力から1件の応答文を生成する。
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// ClientConfig はOpenAIクライアントの設定。
type ClientConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIClient はOpenAI互換のchat completions APIのクライアント。
type OpenAIClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     ClientConfig
}

// NewOpenAIClient はOpenAIClientを生成する。
// httpClientにはSSRFガード付きのクライアントを渡す。
func NewOpenAIClient(httpClient *http.Client, logger *slog.Logger, config ClientConfig) *OpenAIClient {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// Configured はAPIキーが設定されているかを返す。
func (c *OpenAIClient) Configured() bool {
	return c.config.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete はchat completionsを1回呼び出し、最初の選択肢の本文を前後の空白を除いて返す。
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("リクエストの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("文章提案サービスの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := string(body)
		if len(detail) > maxErrorBodyLog {
			detail = detail[:maxErrorBodyLog]
		}
		c.logger.Error("文章提案サービスがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", detail),
		)
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// compile-time interface check
var _ Completer = (*OpenAIClient)(nil)
