package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/tonswap-exchange/tonswapd/internal/tonapi"
	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

// Wallet is the native-ledger wallet: it holds the derived keys and submits
// signed transfers through the ledger node.
type Wallet struct {
	keys    *Keys
	api     *tonapi.Client
	address string
	log     *logging.Logger
}

// New creates a wallet from derived keys and resolves its ledger address.
func New(ctx context.Context, keys *Keys, api *tonapi.Client, log *logging.Logger) (*Wallet, error) {
	address, err := api.WalletAddress(ctx, keys.TonPublicKeyHex())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet address: %w", err)
	}

	return &Wallet{
		keys:    keys,
		api:     api,
		address: address,
		log:     log.Component("wallet"),
	}, nil
}

// Address returns the wallet's ledger address.
func (w *Wallet) Address() string {
	return w.address
}

// Keys returns the wallet's key material.
func (w *Wallet) Keys() *Keys {
	return w.keys
}

// Transact sends value and an optional message body to dest. The node
// prepares the transfer, the wallet signs the digest locally, and the
// signed message is handed back for processing. Returns the transaction id.
func (w *Wallet) Transact(ctx context.Context, value *big.Int, dest, bodyBase64 string) (string, error) {
	pubHex := w.keys.TonPublicKeyHex()

	unsigned, err := w.api.CreateUnsignedTransfer(ctx, w.address, pubHex, dest, helpers.BigIntToHex(value), bodyBase64)
	if err != nil {
		return "", fmt.Errorf("failed to prepare transfer: %w", err)
	}

	toSign, err := base64.StdEncoding.DecodeString(unsigned.ToSignBase64)
	if err != nil {
		return "", fmt.Errorf("failed to decode signing digest: %w", err)
	}

	signature := ed25519.Sign(w.keys.TonPrivate, toSign)

	txID, err := w.api.SendSignedTransfer(ctx, unsigned, base64.StdEncoding.EncodeToString(signature), pubHex)
	if err != nil {
		return "", fmt.Errorf("failed to send transfer: %w", err)
	}

	w.log.Debug("transfer sent", "dest", dest, "value", value.String(), "tx", txID)
	return txID, nil
}

// Sign signs arbitrary bytes with the ledger key. Used for challenge
// signatures; transfers go through Transact.
func (w *Wallet) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(w.keys.TonPrivate, data))
}
