/**
 * @description
 * This package provides a client for the wallet service. The transfer
 * workflow uses it to validate that a submitted wallet belongs to the
 * submitting client and to find a recipient's default wallet for an asset.
 */
package walletclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the wallet service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new wallet service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Wallet describes a wallet and its owner.
type Wallet struct {
	WalletID string `json:"wallet_id"`
	ClientID string `json:"client_id"`
	BrokerID string `json:"broker_id"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("wallet service base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to wallet service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrWalletNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("wallet service returned error status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode wallet response: %w", err)
	}
	return nil
}

// ErrWalletNotFound is returned when the wallet service knows no such wallet.
var ErrWalletNotFound = fmt.Errorf("wallet not found")

// GetWallet fetches a wallet by id.
func (c *Client) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	if err := c.get(ctx, "/internal/wallets/"+url.PathEscape(walletID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetDefaultWallet returns the client's default wallet within a broker,
// creating it on the wallet service side if the client has none yet.
func (c *Client) GetDefaultWallet(ctx context.Context, brokerID, clientID string) (*Wallet, error) {
	path := fmt.Sprintf("/internal/wallets/default?broker_id=%s&client_id=%s",
		url.QueryEscape(brokerID), url.QueryEscape(clientID))
	var w Wallet
	if err := c.get(ctx, path, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
