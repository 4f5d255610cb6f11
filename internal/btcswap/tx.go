package btcswap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tonswap-exchange/tonswapd/internal/btcswap/backend"
	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
)

const (
	dustThreshold = 546

	// Spend transactions have a fixed shape (one script input, one
	// output), so the fee is computed for this size.
	withdrawTxSize = 348

	p2pkhInputSize  = 148
	p2pkhOutputSize = 34
	txOverhead      = 10
)

// BuildFundingTx builds and signs a transaction paying amount satoshis to
// the lock script address out of the wallet's P2PKH UTXOs. Change above the
// dust threshold returns to ownAddress. Returns the raw hex and txid.
func BuildFundingTx(
	privKey *btcec.PrivateKey,
	utxos []backend.UTXO,
	scriptAddress, ownAddress string,
	amount, feeRate uint64,
	params *chaincfg.Params,
) (string, string, error) {
	if len(utxos) == 0 {
		return "", "", fmt.Errorf("no UTXOs to fund from")
	}

	selected, totalInput, fee, err := selectUTXOs(utxos, amount, feeRate)
	if err != nil {
		return "", "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range selected {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", "", fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // Enable RBF
		tx.AddTxIn(txIn)
	}

	destScript, err := payToAddrScript(scriptAddress, params)
	if err != nil {
		return "", "", fmt.Errorf("invalid script address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), destScript))

	ownScript, err := payToAddrScript(ownAddress, params)
	if err != nil {
		return "", "", fmt.Errorf("invalid change address: %w", err)
	}
	if change := totalInput - amount - fee; change > dustThreshold {
		tx.AddTxOut(wire.NewTxOut(int64(change), ownScript))
	}

	// All inputs are our own P2PKH outputs.
	for i := range selected {
		sig, err := txscript.SignatureScript(tx, i, ownScript, txscript.SigHashAll, privKey, true)
		if err != nil {
			return "", "", fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sig
	}

	return serializeTx(tx)
}

// BuildWithdrawTx builds and signs a transaction spending every output at
// the lock script address into a single payout to destAddress.
//
// A claim pushes the real secret; a refund pushes 32 zero bytes instead,
// sets the transaction locktime to the script's CLTV value and relies on
// the non-final sequence to activate it.
func BuildWithdrawTx(
	privKey *btcec.PrivateKey,
	values ScriptValues,
	utxos []backend.UTXO,
	destAddress, secretHex string,
	refund bool,
	feeRate uint64,
	params *chaincfg.Params,
) (string, string, error) {
	script, err := BuildScript(values)
	if err != nil {
		return "", "", err
	}

	var totalUnspent uint64
	for _, utxo := range utxos {
		totalUnspent += utxo.Amount
	}
	fee := uint64(withdrawTxSize) * feeRate
	if totalUnspent <= fee {
		return "", "", fmt.Errorf("total less than fee: %d <= %d", totalUnspent, fee)
	}

	secret := make([]byte, 32)
	if !refund {
		raw, err := helpers.HexToBytes(helpers.HexAlign(secretHex, 64))
		if err != nil || len(raw) != 32 {
			return "", "", fmt.Errorf("invalid secret %q", secretHex)
		}
		copy(secret, raw)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if refund {
		tx.LockTime = uint32(values.LockTime)
	}

	for _, utxo := range utxos {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", "", fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		// Non-final so CHECKLOCKTIMEVERIFY can enforce tx.LockTime.
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
		tx.AddTxIn(txIn)
	}

	destScript, err := payToAddrScript(destAddress, params)
	if err != nil {
		return "", "", fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(totalUnspent-fee), destScript))

	pubKey := privKey.PubKey().SerializeCompressed()
	for i := range tx.TxIn {
		sig, err := txscript.RawTxInSignature(tx, i, script, txscript.SigHashAll, privKey)
		if err != nil {
			return "", "", fmt.Errorf("failed to sign input %d: %w", i, err)
		}

		builder := txscript.NewScriptBuilder()
		builder.AddData(sig)
		builder.AddData(pubKey)
		builder.AddData(secret)
		builder.AddData(script)
		scriptSig, err := builder.Script()
		if err != nil {
			return "", "", fmt.Errorf("failed to build scriptSig: %w", err)
		}
		tx.TxIn[i].SignatureScript = scriptSig
	}

	return serializeTx(tx)
}

// selectUTXOs greedily picks the largest UTXOs until amount plus fee is
// covered. Returns the selection, its total value and the fee.
func selectUTXOs(utxos []backend.UTXO, amount, feeRate uint64) ([]backend.UTXO, uint64, uint64, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Amount > sorted[j-1].Amount; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	baseFee := uint64(txOverhead+2*p2pkhOutputSize) * feeRate

	var selected []backend.UTXO
	var total uint64
	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total += utxo.Amount

		fee := baseFee + uint64(len(selected)*p2pkhInputSize)*feeRate
		if total >= amount+fee {
			return selected, total, fee, nil
		}
	}

	fee := baseFee + uint64(len(selected)*p2pkhInputSize)*feeRate
	return nil, 0, 0, fmt.Errorf("insufficient funds: need %d, have %d", amount+fee, total)
}

func payToAddrScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func serializeTx(tx *wire.MsgTx) (string, string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}
