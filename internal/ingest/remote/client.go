package remote

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

	"autohunter/internal/ingest"
)

// 桥接结果。
const (
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// TokenResponse 是 POST /auth/token 的响应。
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SaveResponse 是 POST /posts 的响应。
type SaveResponse struct {
	PostID  string `json:"postId"`
	Outcome string `json:"outcome"`
}

// Client 调用远端 API 保存帖子。
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	token    string
	logger   *slog.Logger
}

func NewClient(baseURL, username, password string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     httpClient,
		logger:   logger,
	}
}

// Authenticate 换取访问令牌。
func (c *Client) Authenticate(ctx context.Context) error {
	var out TokenResponse
	body := map[string]string{"username": c.username, "password": c.password}
	if err := c.post(ctx, "/auth/token", body, &out); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if out.Token == "" {
		return errors.New("authenticate: empty token")
	}
	c.token = out.Token
	return nil
}

// Save 保存一条帖子，返回服务端的导入结果。
func (c *Client) Save(ctx context.Context, p Payload) (SaveResponse, error) {
	var out SaveResponse
	if c.token == "" {
		return out, errors.New("save: not authenticated")
	}
	if err := c.post(ctx, "/posts", p, &out); err != nil {
		return out, fmt.Errorf("save %d: %w", p.ExternalID.Int64(), err)
	}
	return out, nil
}

// Run 认证一次，然后逐条整理并保存记录。
//
// 认证失败直接返回错误；单条失败只计入汇总。
func (c *Client) Run(ctx context.Context, records []json.RawMessage) (ingest.Summary, error) {
	var summary ingest.Summary
	if err := c.Authenticate(ctx); err != nil {
		return summary, err
	}
	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		p, err := Reshape(raw)
		if err != nil {
			c.logger.Warn("skip malformed record", slog.Int("index", i), slog.String("error", err.Error()))
			summary.Record(OutcomeInvalid)
			continue
		}
		res, err := c.Save(ctx, p)
		if err != nil {
			c.logger.Warn("save failed", slog.Int("index", i), slog.String("error", err.Error()))
			summary.Record(OutcomeFailed)
			continue
		}
		summary.Record(res.Outcome)
	}
	return summary, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
