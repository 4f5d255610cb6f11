// Package tonapi provides a JSON-RPC client for the order-book ledger node.
//
// ABI encoding of contract calls happens node-side: the client asks the node
// to build message bodies and unsigned wallet transfers, signs the returned
// digest locally, and hands the signed message back for processing. No key
// material ever leaves the process.
package tonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrNotConnected   = errors.New("ledger node not reachable")
	ErrExecutionError = errors.New("contract execution error")
)

// Client is a JSON-RPC 2.0 client for a ledger node.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewClient creates a client for the given node endpoint.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call performs a raw JSON-RPC call.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned HTTP %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrExecutionError, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	return rpcResp.Result, nil
}

// RunLocal executes a contract get-method against the node's latest state.
// The returned map holds the method's named outputs as raw JSON values.
func (c *Client) RunLocal(ctx context.Context, address, function string, input map[string]interface{}) (map[string]json.RawMessage, error) {
	params := map[string]interface{}{
		"address":      address,
		"functionName": function,
		"input":        input,
	}

	result, err := c.Call(ctx, "contracts.runLocal", params)
	if err != nil {
		return nil, err
	}

	var out struct {
		Output map[string]json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to parse runLocal output: %w", err)
	}
	return out.Output, nil
}

// CreateRunBody asks the node to ABI-encode an internal message body for a
// contract function call. The body is returned base64-encoded.
func (c *Client) CreateRunBody(ctx context.Context, address, function string, input map[string]interface{}) (string, error) {
	params := map[string]interface{}{
		"address":  address,
		"function": function,
		"params":   input,
		"internal": true,
	}

	result, err := c.Call(ctx, "contracts.createRunBody", params)
	if err != nil {
		return "", err
	}

	var out struct {
		BodyBase64 string `json:"bodyBase64"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("failed to parse createRunBody output: %w", err)
	}
	return out.BodyBase64, nil
}

// UnsignedMessage is a wallet transfer prepared by the node, awaiting a
// local signature over ToSign.
type UnsignedMessage struct {
	UnsignedBase64 string `json:"unsignedBase64"`
	ToSignBase64   string `json:"toSignBase64"`
}

// CreateUnsignedTransfer asks the node to build an unsigned wallet transfer
// carrying value and an optional message body to dest.
func (c *Client) CreateUnsignedTransfer(ctx context.Context, from, publicKey, dest, value, bodyBase64 string) (*UnsignedMessage, error) {
	params := map[string]interface{}{
		"address":   from,
		"publicKey": publicKey,
		"dest":      dest,
		"value":     value,
		"bounce":    true,
	}
	if bodyBase64 != "" {
		params["payload"] = bodyBase64
	}

	result, err := c.Call(ctx, "contracts.createUnsignedTransfer", params)
	if err != nil {
		return nil, err
	}

	var msg UnsignedMessage
	if err := json.Unmarshal(result, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse unsigned transfer: %w", err)
	}
	return &msg, nil
}

// SendSignedTransfer attaches a signature to a previously prepared transfer
// and submits it. Returns the resulting transaction id.
func (c *Client) SendSignedTransfer(ctx context.Context, msg *UnsignedMessage, signatureBase64, publicKey string) (string, error) {
	params := map[string]interface{}{
		"unsignedBase64": msg.UnsignedBase64,
		"signBase64":     signatureBase64,
		"publicKey":      publicKey,
	}

	result, err := c.Call(ctx, "contracts.processSignedTransfer", params)
	if err != nil {
		return "", err
	}

	var out struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("failed to parse transfer result: %w", err)
	}
	return out.TransactionID, nil
}

// WalletAddress asks the node to derive the wallet contract address for a
// public key.
func (c *Client) WalletAddress(ctx context.Context, publicKey string) (string, error) {
	params := map[string]interface{}{
		"publicKey": publicKey,
	}

	result, err := c.Call(ctx, "wallets.deriveAddress", params)
	if err != nil {
		return "", err
	}

	var out struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("failed to parse wallet address: %w", err)
	}
	return out.Address, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
