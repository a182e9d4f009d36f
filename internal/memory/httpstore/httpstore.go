// Package httpstore is a Memory Substrate backed by the memory server REST API.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
)

// ProtocolVersion is sent with every request.
const ProtocolVersion = "2025-06-18"

// Client talks to the memory server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. A zero timeout leaves the request deadline to ctx.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type memoryDTO struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	UserID    string         `json:"userId"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt string         `json:"createdAt"`
}

func (d memoryDTO) record() memory.Record {
	rec := memory.Record{
		ID:       d.ID,
		Content:  d.Content,
		Scope:    d.UserID,
		Metadata: d.Metadata,
	}
	if ts, err := time.Parse(time.RFC3339Nano, d.CreatedAt); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

// Add implements memory.Substrate. Content hash and length metadata are
// stamped client side so every backend reports them.
func (c *Client) Add(ctx context.Context, rec memory.Record) (string, error) {
	rec = memory.Prepare(rec)

	body, err := json.Marshal(map[string]any{
		"content":  rec.Content,
		"userId":   rec.Scope,
		"metadata": rec.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encode memory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/memories", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var created memoryDTO
	if err := c.do(req, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return rec.ID, nil
	}
	return created.ID, nil
}

// Search implements memory.Substrate.
func (c *Client) Search(ctx context.Context, query, scope string, limit int) ([]memory.Record, error) {
	q := url.Values{}
	q.Set("userId", scope)
	if query != "" {
		q.Set("query", query)
	}
	q.Set("limit", strconv.Itoa(memory.ClampLimit(limit)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/memories?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, err
	}

	var items []memoryDTO
	if err := c.do(req, &items); err != nil {
		return nil, err
	}
	out := make([]memory.Record, 0, len(items))
	for _, it := range items {
		out = append(out, it.record())
	}
	return out, nil
}

func (c *Client) do(req *http.Request, data any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", ProtocolVersion)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("memory server %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read memory server response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("memory server returned %d", resp.StatusCode)
		}
		return fmt.Errorf("decode memory server response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("memory server returned %d: %w", resp.StatusCode, errors.New(msg))
	}
	if data == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("decode memory server data: %w", err)
	}
	return nil
}
