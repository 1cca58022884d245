package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"garage-erm/internal/store"
)

// Notifier delivers an approval request to the client over an outbound
// channel. Delivery failure does not invalidate the request; the provider
// may retry out of band.
type Notifier interface {
	Notify(ctx context.Context, approval *store.ApprovalRequest, entry *store.VehicleEntry) error
}

// NoopNotifier is used when no provider is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, approval *store.ApprovalRequest, entry *store.VehicleEntry) error {
	return nil
}

// WebhookNotifier posts the approval request to a messaging provider
// webhook. The provider answers asynchronously through the approval
// callback endpoint.
type WebhookNotifier struct {
	url        string
	authToken  string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier targeting the given webhook URL.
func NewWebhookNotifier(url, authToken string) *WebhookNotifier {
	return &WebhookNotifier{
		url:       url,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	ApprovalID string `json:"approvalId"`
	EntryID    string `json:"entryId"`
	ClientID   string `json:"clientId"`
	Method     string `json:"method"`
	Plate      string `json:"plate"`
	SentAt     string `json:"sentAt"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, approval *store.ApprovalRequest, entry *store.VehicleEntry) error {
	payload := webhookPayload{
		ApprovalID: approval.ID,
		EntryID:    approval.EntryID,
		ClientID:   approval.ClientID,
		Method:     string(approval.Method),
		Plate:      entry.Plate,
		SentAt:     approval.SentAt.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
