// Package payment is the HTTP client for the upstream payment API.
//
// Send is a single remote call with no retry logic inside; retry and
// classification live in the callers (internal/transfer, internal/retry).
// Error text from the API is surfaced verbatim because the retry policy
// classifies by substring.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "dropbot/pkg/logx"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

// TransferResult is the payload returned by a successful transfer.
type TransferResult struct {
	TxHash  string `json:"tx_hash"`
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("payment base_url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// Send performs one transfer. Exactly one remote call; the caller owns retry.
func (c *Client) Send(ctx context.Context, address string, amount int64) (TransferResult, error) {
	if strings.TrimSpace(address) == "" {
		return TransferResult{}, errors.New("invalid address: empty")
	}
	if amount <= 0 {
		return TransferResult{}, fmt.Errorf("invalid amount: %d", amount)
	}

	body := map[string]any{"address": address, "amount": amount}
	var out TransferResult
	if err := c.post(ctx, "/v1/transfers", body, &out); err != nil {
		return TransferResult{}, err
	}
	if out.Address == "" {
		out.Address = address
	}
	if out.Amount == 0 {
		out.Amount = amount
	}
	return out, nil
}

// ClaimReward triggers the side-channel reward claim for an address.
// Callers treat failures as best-effort.
func (c *Client) ClaimReward(ctx context.Context, address string) error {
	if strings.TrimSpace(address) == "" {
		return errors.New("invalid address: empty")
	}
	return c.post(ctx, "/v1/rewards/claim", map[string]any{"address": address}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError keeps the upstream message intact; the retry policy matches on it.
func apiError(status int, raw []byte) error {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(raw, &e) == nil {
		if e.Error != "" {
			msg = e.Error
		} else if e.Message != "" {
			msg = e.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("payment api: %d %s", status, msg)
}
