// Package chain talks to the attestation relayer, the service holding
// the signing wallet that writes validation outcomes and reputation
// feedback on-chain. The agent never touches chain keys itself.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	client  *http.Client
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: time.Minute},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ValidationRecord is one validation outcome to attest.
type ValidationRecord struct {
	ProtocolRef       string `json:"protocol_ref"`
	FindingRef        string `json:"finding_ref"`
	VulnerabilityType string `json:"vulnerability_type"`
	Severity          string `json:"severity"`
	Outcome           string `json:"outcome"`
	ExecutionLog      string `json:"execution_log,omitempty"`
	ProofHash         string `json:"proof_hash"`
}

// ValidationReceipt identifies the attestation written on-chain.
type ValidationReceipt struct {
	ValidationID string `json:"validation_id"`
	TxHash       string `json:"tx_hash"`
}

// RecordValidation attests a validation outcome on-chain and returns
// the relayer's receipt.
func (c *Client) RecordValidation(ctx context.Context, record ValidationRecord) (*ValidationReceipt, error) {
	var receipt ValidationReceipt
	if err := c.post(ctx, "/v1/validations", record, &receipt); err != nil {
		return nil, errors.Wrap(err, "failed to record validation")
	}
	if receipt.TxHash == "" {
		return nil, errors.Errorf("relayer returned no transaction hash for finding %s", record.FindingRef)
	}

	return &receipt, nil
}

// Feedback is one reputation-feedback entry between wallets.
type Feedback struct {
	FromWallet   string `json:"from_wallet"`
	ToWallet     string `json:"to_wallet"`
	ValidationID string `json:"validation_id"`
	FindingID    string `json:"finding_id"`
	FeedbackType string `json:"feedback_type"`
}

// RecordFeedback records reputation feedback tied to a validation.
func (c *Client) RecordFeedback(ctx context.Context, feedback Feedback) error {
	if err := c.post(ctx, "/v1/feedback", feedback, nil); err != nil {
		return errors.Wrap(err, "failed to record feedback")
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request data")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("request to %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode JSON response")
	}

	return nil
}
