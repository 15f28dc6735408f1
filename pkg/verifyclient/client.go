/**
 * @description
 * This package provides a client for the verification service, which pushes
 * the sender-side approval challenge (push notification or SMS code) for a
 * transfer awaiting approval.
 */
package verifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the verification service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new verification service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// VerificationRequest asks the verification service to challenge the sender.
// DestinationPhone names where the money is going so the challenge can show
// it; the ip, phone model, and location come from the submitting device.
type VerificationRequest struct {
	TransferID       string `json:"transfer_id"`
	BrokerID         string `json:"broker_id"`
	ClientID         string `json:"client_id"`
	DestinationPhone string `json:"destination_phone"`
	IPAddress        string `json:"ip_address,omitempty"`
	PhoneModel       string `json:"phone_model,omitempty"`
	Location         string `json:"location,omitempty"`
	Lang             string `json:"lang,omitempty"`
	Amount           string `json:"amount"`
	AssetSymbol      string `json:"asset_symbol"`
}

// verificationResponse is the provider's result envelope.
type verificationResponse struct {
	IsSuccess    bool   `json:"is_success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RequestVerification sends (or re-sends) the approval challenge for a
// transfer. The returned sent flag is false when the provider refuses to
// re-send inside its own rate-limit window; that refusal is not an error,
// the previous code is simply still valid. The approval itself arrives
// later as an event.
func (c *Client) RequestVerification(ctx context.Context, reqPayload VerificationRequest) (sent bool, err error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("verification service base url is empty")
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal verification request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/verifications", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return false, fmt.Errorf("failed to create verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request to verification service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("verification service returned error status %d", resp.StatusCode)
	}

	var result verificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode verification response: %w", err)
	}
	if result.IsSuccess {
		return true, nil
	}
	if strings.Contains(strings.ToLower(result.ErrorMessage), "cannot send again") {
		return false, nil
	}
	return false, fmt.Errorf("verification service rejected request: %s", result.ErrorMessage)
}
