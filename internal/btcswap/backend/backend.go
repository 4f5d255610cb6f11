// Package backend fetches Bitcoin chain data and broadcasts transactions
// over the mempool.space REST API. Compatible with mempool.space,
// blockstream.info and self-hosted esplora instances.
//
// The package is read-only for private keys - all signing happens in the
// btcswap package.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	Amount      uint64 `json:"value"` // satoshis
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction.
type Transaction struct {
	TxID        string     `json:"txid"`
	Version     int32      `json:"version"`
	LockTime    uint32     `json:"locktime"`
	Size        int64      `json:"size"`
	Fee         uint64     `json:"fee"`
	Confirmed   bool       `json:"confirmed"`
	BlockHeight int64      `json:"block_height,omitempty"`
	BlockTime   int64      `json:"block_time,omitempty"`
	Inputs      []TxInput  `json:"vin"`
	Outputs     []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	ScriptSig string `json:"scriptsig,omitempty"`
	Sequence  uint32 `json:"sequence"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend reports whether and where an output was spent.
type Outspend struct {
	Spent bool   `json:"spent"`
	TxID  string `json:"txid,omitempty"`
	Vin   uint32 `json:"vin,omitempty"`
}

// FeeEstimate contains fee estimates for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"` // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Client talks to a mempool.space-compatible API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetAddressBalance returns the confirmed balance of an address in satoshis.
func (c *Client) GetAddressBalance(ctx context.Context, address string) (uint64, error) {
	var result struct {
		ChainStats struct {
			FundedTxoSum uint64 `json:"funded_txo_sum"`
			SpentTxoSum  uint64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
		MempoolStats struct {
			FundedTxoSum uint64 `json:"funded_txo_sum"`
			SpentTxoSum  uint64 `json:"spent_txo_sum"`
		} `json:"mempool_stats"`
	}

	if err := c.get(ctx, "/address/"+address, &result); err != nil {
		return 0, err
	}

	funded := result.ChainStats.FundedTxoSum + result.MempoolStats.FundedTxoSum
	spent := result.ChainStats.SpentTxoSum + result.MempoolStats.SpentTxoSum
	return funded - spent, nil
}

// GetAddressUTXOs returns unspent outputs for an address.
func (c *Client) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := c.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Amount:      u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetAddressTxs returns transactions touching an address, newest first.
func (c *Client) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []apiTx
	if err := c.get(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}
	return convertTxs(result), nil
}

// GetTransaction returns a transaction by ID.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result apiTx
	if err := c.get(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	txs := convertTxs([]apiTx{result})
	return &txs[0], nil
}

// GetOutspend reports whether output vout of a transaction has been spent,
// and by which transaction.
func (c *Client) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	var result Outspend
	if err := c.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txID, vout), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BroadcastTransaction broadcasts a raw transaction, returning its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current chain tip height.
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := c.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAddressNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// apiTx is the mempool.space transaction format.
type apiTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string `json:"txid"`
		Vout      uint32 `json:"vout"`
		ScriptSig string `json:"scriptsig"`
		Sequence  uint32 `json:"sequence"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

func convertTxs(aTxs []apiTx) []Transaction {
	txs := make([]Transaction, len(aTxs))
	for i, at := range aTxs {
		tx := Transaction{
			TxID:        at.TxID,
			Version:     at.Version,
			LockTime:    at.LockTime,
			Size:        at.Size,
			Fee:         at.Fee,
			Confirmed:   at.Status.Confirmed,
			BlockHeight: at.Status.BlockHeight,
			BlockTime:   at.Status.BlockTime,
			Inputs:      make([]TxInput, len(at.Vin)),
			Outputs:     make([]TxOutput, len(at.Vout)),
		}
		for j, vin := range at.Vin {
			tx.Inputs[j] = TxInput{
				TxID:      vin.TxID,
				Vout:      vin.Vout,
				ScriptSig: vin.ScriptSig,
				Sequence:  vin.Sequence,
			}
		}
		for j, vout := range at.Vout {
			tx.Outputs[j] = TxOutput{
				ScriptPubKey:     vout.ScriptPubKey,
				ScriptPubKeyAddr: vout.ScriptPubKeyAddr,
				Value:            vout.Value,
			}
		}
		txs[i] = tx
	}
	return txs
}
