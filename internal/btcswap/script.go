// Package btcswap implements the Bitcoin leg of a swap: a P2SH lock script
// claimable with the swap secret by the recipient, or refundable by the
// owner after an absolute locktime.
package btcswap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
)

// ScriptValues are the public parameters of a lock script. Both parties
// derive identical scripts from the order, so the hex fields are normalized
// to fixed widths before compiling.
type ScriptValues struct {
	// SecretHash is the 32-byte SHA-256 hash, 64 hex digits.
	SecretHash string

	// OwnerPubKey locked the coins and may refund after LockTime.
	// Compressed, 66 hex digits.
	OwnerPubKey string

	// RecipientPubKey may claim with the secret. Compressed, 66 hex digits.
	RecipientPubKey string

	// LockTime is the absolute refund time in unix seconds (CLTV).
	LockTime int64
}

// Normalize returns a copy with all hex fields aligned to their fixed widths.
func (v ScriptValues) Normalize() ScriptValues {
	v.SecretHash = helpers.HexAlign(v.SecretHash, 64)
	v.OwnerPubKey = helpers.HexAlign(v.OwnerPubKey, 66)
	v.RecipientPubKey = helpers.HexAlign(v.RecipientPubKey, 66)
	return v
}

// BuildScript compiles the lock script:
//
//	OP_SHA256 <secretHash> OP_EQUAL
//	OP_IF
//	    OP_DUP <recipientPubKey> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ELSE
//	    <lockTime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP <ownerPubKey> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ENDIF
//
// Both spend paths push [signature, pubkey, secret]; the refund path uses
// 32 zero bytes as the secret so the hash check selects the OP_ELSE branch.
func BuildScript(values ScriptValues) ([]byte, error) {
	values = values.Normalize()

	secretHash, err := helpers.HexToBytes(values.SecretHash)
	if err != nil || len(secretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes: %q", values.SecretHash)
	}
	recipientKey, err := helpers.HexToBytes(values.RecipientPubKey)
	if err != nil || len(recipientKey) != 33 {
		return nil, fmt.Errorf("recipient pubkey must be 33 bytes (compressed): %q", values.RecipientPubKey)
	}
	ownerKey, err := helpers.HexToBytes(values.OwnerPubKey)
	if err != nil || len(ownerKey) != 33 {
		return nil, fmt.Errorf("owner pubkey must be 33 bytes (compressed): %q", values.OwnerPubKey)
	}
	if values.LockTime <= 0 {
		return nil, fmt.Errorf("lock time must be positive, got %d", values.LockTime)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)

	builder.AddOp(txscript.OP_DUP)
	builder.AddData(recipientKey)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)

	builder.AddInt64(values.LockTime)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)

	builder.AddOp(txscript.OP_DUP)
	builder.AddData(ownerKey)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// ScriptAddress derives the P2SH address of a lock script.
func ScriptAddress(script []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressScriptHash(script, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2SH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ParseScript parses a compiled lock script back into its values.
func ParseScript(script []byte) (ScriptValues, error) {
	var values ScriptValues
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("expected %s", name)
		}
		return nil
	}
	expectData := func(size int, name string) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, fmt.Errorf("expected %s", name)
		}
		data := tokenizer.Data()
		if len(data) != size {
			return nil, fmt.Errorf("%s must be %d bytes, got %d", name, size, len(data))
		}
		return data, nil
	}

	if err := expectOp(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return values, err
	}
	secretHash, err := expectData(32, "secret hash")
	if err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_EQUAL, "OP_EQUAL"); err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return values, err
	}

	if err := expectOp(txscript.OP_DUP, "OP_DUP"); err != nil {
		return values, err
	}
	recipientKey, err := expectData(33, "recipient pubkey")
	if err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return values, err
	}

	if !tokenizer.Next() {
		return values, fmt.Errorf("expected lock time")
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		values.LockTime = int64(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 {
			return values, fmt.Errorf("invalid lock time: expected data push")
		}
		// Script numbers are little-endian with the sign bit in the top byte.
		for i := len(data) - 1; i >= 0; i-- {
			b := data[i]
			if i == len(data)-1 {
				b &= 0x7f
			}
			values.LockTime = values.LockTime<<8 | int64(b)
		}
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_DUP, "OP_DUP"); err != nil {
		return values, err
	}
	ownerKey, err := expectData(33, "owner pubkey")
	if err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return values, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return values, err
	}

	values.SecretHash = helpers.BytesToHex(secretHash)
	values.RecipientPubKey = helpers.BytesToHex(recipientKey)
	values.OwnerPubKey = helpers.BytesToHex(ownerKey)
	return values.Normalize(), nil
}

// ExtractSecret pulls the 32-byte secret out of a claim scriptSig. The
// stack layout is [signature, pubkey, secret, redeemScript], so the secret
// push sits after the signature (1 length byte + sig) and the pubkey
// (1 length byte + 33 bytes).
func ExtractSecret(scriptSig []byte) (string, error) {
	if len(scriptSig) < 2 {
		return "", fmt.Errorf("scriptSig too short")
	}
	sigLen := int(scriptSig[0])
	pos := 1 + sigLen + 1 + 33 + 1
	if len(scriptSig) < pos+32 {
		return "", fmt.Errorf("scriptSig too short for secret at offset %d", pos)
	}
	return helpers.BytesToHex(scriptSig[pos : pos+32]), nil
}
