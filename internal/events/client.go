// Package events предоставляет клиент для отправки событий журнала во внешнюю систему.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mmeshcher/loyalty-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с приёмником событий.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// TransactionEvent описывает событие о зафиксированной транзакции.
type TransactionEvent struct {
	ID             int64             `json:"id"`
	MemberID       int64             `json:"member_id"`
	OrganizationID int64             `json:"organization_id"`
	Amount         int64             `json:"amount"`
	Kind           string            `json:"kind"`
	Method         string            `json:"method"`
	RewardID       *int64            `json:"reward_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewClient создаёт HTTP-клиент для отправки событий по указанному адресу.
// Временные сетевые ошибки и ответы 5xx повторяются автоматически.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	// Ответ 429 обрабатывается вызывающей стороной через Retry-After,
	// повторять его на уровне клиента нельзя.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// NewEvent формирует событие из записи журнала.
func NewEvent(t model.Transaction) TransactionEvent {
	return TransactionEvent{
		ID:             t.ID,
		MemberID:       t.MemberID,
		OrganizationID: t.OrganizationID,
		Amount:         t.Amount,
		Kind:           string(t.Kind),
		Method:         string(t.Method),
		RewardID:       t.RewardID,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
	}
}

// SendTransaction отправляет событие о транзакции. Возвращает код ответа и,
// для ответа 429, запрошенную приёмником паузу.
func (c *Client) SendTransaction(ctx context.Context, ev TransactionEvent) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("events client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("encode event: %w", err)
	}

	url := base + "/api/events/transactions"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp.StatusCode, 0, nil
}
