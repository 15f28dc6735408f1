/**
 * @description
 * This package provides a client for the identity service, which owns the
 * phone-number-to-client mapping. The transfer workflow uses it in both
 * directions: resolving a destination phone number to a registered client,
 * and looking up the sender's own phone number and display name.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ErrAmbiguousPhone reports a phone number shared by more than one identity.
// Transfers to such a number cannot pick a recipient and must be rejected.
var ErrAmbiguousPhone = errors.New("phone number matches more than one identity")

// PhoneOwner describes who, if anyone, owns a phone number.
type PhoneOwner struct {
	IsRegistered bool   `json:"is_registered"`
	ClientID     string `json:"client_id,omitempty"`
	MatchCount   int    `json:"match_count"`
}

// ClientContact is the sender-side lookup result.
type ClientContact struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("identity service base url is empty")
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
		return fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode identity response: %w", err)
	}
	return nil
}

// ResolvePhone looks up the owner of a phone number within a broker.
// An unregistered number is not an error; the workflow parks the transfer
// until the owner signs up.
func (c *Client) ResolvePhone(ctx context.Context, brokerID, phoneNumber string) (*PhoneOwner, error) {
	path := fmt.Sprintf("/internal/identity/phone-owner?broker_id=%s&phone_number=%s",
		url.QueryEscape(brokerID), url.QueryEscape(phoneNumber))
	var owner PhoneOwner
	if err := c.get(ctx, path, &owner); err != nil {
		return nil, err
	}
	if owner.MatchCount > 1 {
		return nil, ErrAmbiguousPhone
	}
	return &owner, nil
}

// GetClientContact returns a client's own phone number and display name,
// recorded on outgoing transfers so the recipient can see who sent them.
func (c *Client) GetClientContact(ctx context.Context, brokerID, clientID string) (*ClientContact, error) {
	path := fmt.Sprintf("/internal/identity/clients/%s/contact?broker_id=%s",
		url.PathEscape(clientID), url.QueryEscape(brokerID))
	var contact ClientContact
	if err := c.get(ctx, path, &contact); err != nil {
		return nil, err
	}
	return &contact, nil
}
