// Package llm talks to the analysis service fronting the language
// model used for deep finding review and for judging proofs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/analyzer"
)

type Client struct {
	baseURL string
	token   string
	model   string
	client  *http.Client
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type wireFinding struct {
	VulnerabilityType string  `json:"vulnerability_type"`
	Severity          string  `json:"severity"`
	FilePath          string  `json:"file_path,omitempty"`
	Line              int     `json:"line,omitempty"`
	Selector          string  `json:"selector,omitempty"`
	Description       string  `json:"description"`
	Confidence        float64 `json:"confidence"`
}

type enhanceRequest struct {
	Model          string        `json:"model,omitempty"`
	ContractSource string        `json:"contract_source"`
	Findings       []wireFinding `json:"findings"`
}

type enhanceResponse struct {
	Findings []wireFinding `json:"findings"`
}

// EnhanceFindings sends the static-analysis findings plus the contract
// source for deep review. The response replaces the findings list: the
// model may rescore, drop false positives, or add findings of its own.
func (c *Client) EnhanceFindings(ctx context.Context, contractSource string, findings []analyzer.Finding) ([]analyzer.Finding, error) {
	req := enhanceRequest{
		Model:          c.model,
		ContractSource: contractSource,
		Findings:       make([]wireFinding, 0, len(findings)),
	}
	for _, f := range findings {
		req.Findings = append(req.Findings, wireFinding{
			VulnerabilityType: f.VulnerabilityType,
			Severity:          string(f.Severity),
			FilePath:          f.FilePath,
			Line:              f.Line,
			Selector:          f.Selector,
			Description:       f.Description,
			Confidence:        f.Confidence,
		})
	}

	var resp enhanceResponse
	if err := c.post(ctx, "/v1/findings/enhance", req, &resp); err != nil {
		return nil, err
	}

	enhanced := make([]analyzer.Finding, 0, len(resp.Findings))
	for _, f := range resp.Findings {
		enhanced = append(enhanced, analyzer.Finding{
			VulnerabilityType: f.VulnerabilityType,
			Severity:          api.FindingSeverity(f.Severity),
			FilePath:          f.FilePath,
			Line:              f.Line,
			Selector:          f.Selector,
			Description:       f.Description,
			Confidence:        f.Confidence,
		})
	}

	return enhanced, nil
}

// ProofAnalysis is the judge request for one decrypted proof.
type ProofAnalysis struct {
	Model              string `json:"model,omitempty"`
	VulnerabilityType  string `json:"vulnerability_type"`
	ProofDetails       string `json:"proof_details"`
	ContractCode       string `json:"contract_code"`
	FindingDescription string `json:"finding_description"`
}

// Verdict is the judge's conclusion about a proof.
type Verdict struct {
	IsValid        bool    `json:"is_valid"`
	Confidence     float64 `json:"confidence"`
	Severity       string  `json:"severity"`
	Exploitability string  `json:"exploitability"`
	Reasoning      string  `json:"reasoning"`
}

// AnalyzeProof asks the model whether the decrypted proof demonstrates
// a real vulnerability in the given contract.
func (c *Client) AnalyzeProof(ctx context.Context, analysis ProofAnalysis) (*Verdict, error) {
	if analysis.Model == "" {
		analysis.Model = c.model
	}

	var verdict Verdict
	if err := c.post(ctx, "/v1/proofs/analyze", analysis, &verdict); err != nil {
		return nil, err
	}

	return &verdict, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request to %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}

	return nil
}
