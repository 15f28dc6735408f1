/**
 * @description
 * This package provides a client for the internal ledger service, which owns
 * wallet balances and executes wallet-to-wallet movements. Every movement is
 * keyed by an operation id; replaying the same id is reported as a duplicate
 * rather than a second movement, which is the contract the transfer workflow
 * leans on for idempotency.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ResultCode is the closed set of outcomes the ledger reports for a movement.
type ResultCode string

const (
	ResultOK             ResultCode = "ok"
	ResultDuplicate      ResultCode = "duplicate"
	ResultLowBalance     ResultCode = "low_balance"
	ResultWalletNotFound ResultCode = "wallet_not_found"
	ResultInternalError  ResultCode = "internal_error"
)

// Client is a client for the ledger service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// TransferRequest defines one wallet-to-wallet movement.
type TransferRequest struct {
	OperationID  string          `json:"operation_id"`
	BrokerID     string          `json:"broker_id"`
	ClientID     string          `json:"client_id"`
	FromWalletID string          `json:"from_wallet_id"`
	ToWalletID   string          `json:"to_wallet_id"`
	Amount       decimal.Decimal `json:"amount"`
	AssetSymbol  string          `json:"asset_symbol"`
}

// TransferResult is the ledger's verdict on a movement. TransactionID is the
// ledger-side id of the executed (or previously executed) operation.
type TransferResult struct {
	Result        ResultCode `json:"result"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Transfer executes one wallet-to-wallet movement. A non-nil error means the
// ledger could not be reached or gave an unusable answer; business rejections
// (low balance, unknown wallet) come back inside the result.
func (c *Client) Transfer(ctx context.Context, reqPayload TransferRequest) (*TransferResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("ledger service base url is empty")
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/ledger/transfers", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to ledger service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("ledger service returned error status %d", resp.StatusCode)
	}

	var result TransferResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode ledger response: %w", err)
	}
	if result.Result == "" {
		return nil, fmt.Errorf("ledger response missing result code")
	}
	return &result, nil
}
