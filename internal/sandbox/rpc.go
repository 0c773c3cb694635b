package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a minimal JSON-RPC client for the sandbox chain endpoint.
type Client struct {
	url    string
	client *http.Client
	nextID int
}

func NewClient(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) URL() string {
	return c.url
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call performs one JSON-RPC request. A non-nil error field in the
// response is returned as an error carrying the node's message.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.nextID++
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	return rpcResp.Result, nil
}

// BlockNumber is used as the readiness probe after spawning a chain.
func (c *Client) BlockNumber(ctx context.Context) (string, error) {
	result, err := c.Call(ctx, "eth_blockNumber")
	if err != nil {
		return "", err
	}
	var number string
	if err := json.Unmarshal(result, &number); err != nil {
		return "", err
	}
	return number, nil
}

// Accounts returns the unlocked accounts of the sandbox chain.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	result, err := c.Call(ctx, "eth_accounts")
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Transaction is the subset of eth_sendTransaction fields the
// pipelines use.
type Transaction struct {
	From  string `json:"from"`
	To    string `json:"to,omitempty"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
	Gas   string `json:"gas,omitempty"`
}

// SendTransaction submits a transaction and returns its hash.
func (c *Client) SendTransaction(ctx context.Context, tx Transaction) (string, error) {
	result, err := c.Call(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Receipt is the subset of a transaction receipt the pipelines use.
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	ContractAddress string `json:"contractAddress"`
	Status          string `json:"status"`
}

// GetReceipt returns the receipt for a transaction hash, or nil while
// the transaction is still pending.
func (c *Client) GetReceipt(ctx context.Context, hash string) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// WaitForReceipt polls until the transaction is mined or ctx expires.
func (c *Client) WaitForReceipt(ctx context.Context, hash string) (*Receipt, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetBalance returns the hex-encoded wei balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (string, error) {
	result, err := c.Call(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return "", err
	}
	var balance string
	if err := json.Unmarshal(result, &balance); err != nil {
		return "", err
	}
	return balance, nil
}

// Deployment locates a contract created on the sandbox.
type Deployment struct {
	Address string
	TxHash  string
}

// Deploy creates a contract from its creation bytecode, funded by the
// first dev account anvil seeds at startup.
func (c *Client) Deploy(ctx context.Context, bytecode string) (*Deployment, error) {
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("sandbox at %s exposes no dev accounts", c.url)
	}

	hash, err := c.SendTransaction(ctx, Transaction{
		From: accounts[0],
		Data: bytecode,
	})
	if err != nil {
		return nil, err
	}

	receipt, err := c.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != "0x1" {
		return nil, fmt.Errorf("deployment transaction %s reverted", hash)
	}
	if receipt.ContractAddress == "" {
		return nil, fmt.Errorf("deployment transaction %s carries no contract address", hash)
	}

	return &Deployment{Address: receipt.ContractAddress, TxHash: hash}, nil
}
