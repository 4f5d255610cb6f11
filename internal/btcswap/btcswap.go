package btcswap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/tonswap-exchange/tonswapd/internal/btcswap/backend"
	"github.com/tonswap-exchange/tonswapd/internal/htlc"
	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

// Broadcast polling: a spend can be rejected or dropped after broadcast,
// so the txid is re-checked until it shows up.
const (
	pollInterval = 10 * time.Second
	pollAttempts = 30
)

// Config configures the Bitcoin lock adapter.
type Config struct {
	// APIURL is a mempool.space-compatible API base URL.
	APIURL string

	// FeeRate is the fallback fee rate in sat/vB when the estimator is
	// unavailable.
	FeeRate uint64

	// Testnet selects testnet3 parameters.
	Testnet bool

	Key *btcec.PrivateKey
}

// Adapter implements the lock protocol on Bitcoin. Parties are identified
// by compressed public keys; the lock lives at a P2SH script address both
// sides derive from the order.
type Adapter struct {
	api     *backend.Client
	key     *btcec.PrivateKey
	params  *chaincfg.Params
	feeRate uint64
	address string
	log     *logging.Logger
}

var _ htlc.LockProtocol = (*Adapter)(nil)

// NewAdapter creates a Bitcoin lock adapter.
func NewAdapter(cfg *Config) (*Adapter, error) {
	params := &chaincfg.MainNetParams
	if cfg.Testnet {
		params = &chaincfg.TestNet3Params
	}

	pubKeyHash := btcutil.Hash160(cfg.Key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wallet address: %w", err)
	}

	return &Adapter{
		api:     backend.NewClient(cfg.APIURL),
		key:     cfg.Key,
		params:  params,
		feeRate: cfg.FeeRate,
		address: addr.EncodeAddress(),
		log:     logging.Component("btc"),
	}, nil
}

// OwnAddress is our compressed public key, which is what the order book
// carries as the Bitcoin-side identity.
func (a *Adapter) OwnAddress() string {
	return helpers.HexAlign(helpers.BytesToHex(a.key.PubKey().SerializeCompressed()), 66)
}

// WalletAddress is the P2PKH address funds are paid from and claimed to.
func (a *Adapter) WalletAddress() string {
	return a.address
}

// LockValidity returns zero: the claim deadline is compiled into the lock
// script itself.
func (a *Adapter) LockValidity() time.Duration {
	return 0
}

// ScriptAddress derives the P2SH address the lock lives at.
func (a *Adapter) ScriptAddress(params *htlc.LockParams) (string, error) {
	script, err := BuildScript(scriptValues(params))
	if err != nil {
		return "", err
	}
	return ScriptAddress(script, a.params)
}

// CreateLock funds the lock script with params.Value satoshis.
func (a *Adapter) CreateLock(ctx context.Context, params *htlc.LockParams) (string, error) {
	scriptAddr, err := a.ScriptAddress(params)
	if err != nil {
		return "", err
	}

	utxos, err := a.api.GetAddressUTXOs(ctx, a.address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch wallet UTXOs: %w", err)
	}

	txHex, txID, err := BuildFundingTx(a.key, utxos, scriptAddr, a.address,
		params.Value.Uint64(), a.fetchFeeRate(ctx), a.params)
	if err != nil {
		return "", err
	}

	a.log.Info("Funding lock script",
		"address", scriptAddr, "value", params.Value, "txid", txID)
	if _, err := a.api.BroadcastTransaction(ctx, txHex); err != nil {
		return "", err
	}
	return txID, nil
}

// GetLock reports the current state of the lock script. Returns nil when
// the script address has never been funded.
func (a *Adapter) GetLock(ctx context.Context, params *htlc.LockParams) (*htlc.Lock, error) {
	scriptAddr, err := a.ScriptAddress(params)
	if err != nil {
		return nil, err
	}

	txs, err := a.api.GetAddressTxs(ctx, scriptAddr)
	if err != nil {
		if errors.Is(err, backend.ErrAddressNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch script history: %w", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}

	balance, err := a.api.GetAddressBalance(ctx, scriptAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch script balance: %w", err)
	}

	// History comes newest first; the oldest entry funded the script.
	return &htlc.Lock{
		SecretHash:  helpers.HexAlign(params.SecretHash, 64),
		Source:      helpers.HexAlign(params.Source, 66),
		Destination: helpers.HexAlign(params.Destination, 66),
		Balance:     new(big.Int).SetUint64(balance),
		CreatedAt:   txs[len(txs)-1].BlockTime,
	}, nil
}

// Claim spends the lock with the secret, paying out to our own wallet.
func (a *Adapter) Claim(ctx context.Context, params *htlc.LockParams, secret string) (string, error) {
	return a.withdraw(ctx, params, secret, false)
}

// Refund reclaims our own lock after its locktime has passed.
func (a *Adapter) Refund(ctx context.Context, params *htlc.LockParams) (string, error) {
	return a.withdraw(ctx, params, "", true)
}

func (a *Adapter) withdraw(ctx context.Context, params *htlc.LockParams, secret string, refund bool) (string, error) {
	values := scriptValues(params)
	scriptAddr, err := a.ScriptAddress(params)
	if err != nil {
		return "", err
	}

	utxos, err := a.api.GetAddressUTXOs(ctx, scriptAddr)
	if err != nil {
		return "", fmt.Errorf("failed to fetch script UTXOs: %w", err)
	}
	if len(utxos) == 0 {
		return "", htlc.ErrNotFunded
	}

	txHex, txID, err := BuildWithdrawTx(a.key, values, utxos,
		a.address, secret, refund, a.fetchFeeRate(ctx), a.params)
	if err != nil {
		return "", err
	}

	a.log.Info("Spending lock script",
		"address", scriptAddr, "refund", refund, "txid", txID)
	if _, err := a.api.BroadcastTransaction(ctx, txHex); err != nil {
		return "", err
	}

	// A broadcast can still be rejected (non-final locktime, fee too
	// low), so wait until the transaction is actually visible.
	for i := 0; i < pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}

		visible, err := a.ConfirmTx(ctx, txID)
		if err != nil {
			a.log.Warn("Spend visibility check failed", "txid", txID, "error", err)
			continue
		}
		if visible {
			return txID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", htlc.ErrTxNotVisible, txID)
}

// RevealedSecret extracts the secret from the transaction that spent the
// lock script. Empty until the counterparty claims; a refund spend carries
// an all-zero secret and does not count as a reveal.
func (a *Adapter) RevealedSecret(ctx context.Context, params *htlc.LockParams) (string, error) {
	scriptAddr, err := a.ScriptAddress(params)
	if err != nil {
		return "", err
	}

	txs, err := a.api.GetAddressTxs(ctx, scriptAddr)
	if err != nil {
		if errors.Is(err, backend.ErrAddressNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch script history: %w", err)
	}

	scriptPubKey, err := payToAddrScript(scriptAddr, a.params)
	if err != nil {
		return "", err
	}
	scriptPubKeyHex := helpers.BytesToHex(scriptPubKey)[2:]

	for _, tx := range txs {
		for vout, out := range tx.Outputs {
			if out.ScriptPubKey != scriptPubKeyHex {
				continue
			}
			outspend, err := a.api.GetOutspend(ctx, tx.TxID, uint32(vout))
			if err != nil {
				return "", fmt.Errorf("failed to check outspend: %w", err)
			}
			if !outspend.Spent {
				continue
			}
			return a.secretFromSpend(ctx, outspend)
		}
	}
	return "", nil
}

func (a *Adapter) secretFromSpend(ctx context.Context, outspend *backend.Outspend) (string, error) {
	spendTx, err := a.api.GetTransaction(ctx, outspend.TxID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch spending tx: %w", err)
	}
	if int(outspend.Vin) >= len(spendTx.Inputs) {
		return "", fmt.Errorf("spend input %d out of range", outspend.Vin)
	}

	scriptSig, err := helpers.HexToBytes(spendTx.Inputs[outspend.Vin].ScriptSig)
	if err != nil {
		return "", fmt.Errorf("invalid scriptSig: %w", err)
	}
	return ExtractSecret(scriptSig)
}

// ConfirmTx reports whether a transaction is visible on the chain or in
// the mempool.
func (a *Adapter) ConfirmTx(ctx context.Context, txID string) (bool, error) {
	_, err := a.api.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// fetchFeeRate asks the estimator for the next-block rate, falling back to
// the configured rate.
func (a *Adapter) fetchFeeRate(ctx context.Context) uint64 {
	estimates, err := a.api.GetFeeEstimates(ctx)
	if err != nil || estimates.FastestFee == 0 {
		return a.feeRate
	}
	return estimates.FastestFee
}

// scriptValues maps lock parameters onto Bitcoin script values. Source is
// the owner who can refund, Destination the recipient who claims.
func scriptValues(params *htlc.LockParams) ScriptValues {
	return ScriptValues{
		SecretHash:      params.SecretHash,
		OwnerPubKey:     params.Source,
		RecipientPubKey: params.Destination,
		LockTime:        params.LockTime,
	}.Normalize()
}
