// Package htlc defines the hash-time-locked contract protocol the foreign
// leg of every swap runs on, and the chain adapters implementing it.
//
// One secret drives both legs: whoever claims the foreign lock reveals it,
// and the native leg settles with the same value. All secrets and hashes
// are 32 bytes, hashed with SHA-256, and travel as fixed-width hex.
package htlc

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"time"

	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
)

// Common errors
var (
	ErrLockNotFound  = errors.New("lock not found")
	ErrLockMismatch  = errors.New("lock does not match order")
	ErrNotFunded     = errors.New("lock not funded")
	ErrBadSecret     = errors.New("secret does not match hash")
	ErrTxNotVisible  = errors.New("transaction not visible")
)

// Lock is the observed state of a foreign-chain lock.
type Lock struct {
	// SecretHash is fixed-width 64-digit hex.
	SecretHash string

	// Secret is the revealed secret, zero hex until claimed.
	Secret string

	// Source locked the funds; Destination may claim them with the secret.
	Source      string
	Destination string

	// TargetWallet is where a claim pays out when it differs from
	// Destination.
	TargetWallet string

	// Balance is what currently sits in the lock. Zero after claim or
	// refund.
	Balance *big.Int

	// CreatedAt is the lock's chain timestamp in unix seconds.
	CreatedAt int64

	// Token is the asset contract for token locks, empty for native ones.
	Token string
}

// LockParams identifies a lock and carries everything needed to create it.
type LockParams struct {
	SecretHash string

	// Source and Destination are foreign-chain identities: hex addresses
	// on EVM chains, compressed public keys on Bitcoin.
	Source      string
	Destination string

	// TargetWallet optionally redirects the claim payout.
	TargetWallet string

	Value *big.Int

	// LockTime is the absolute refund deadline in unix seconds. Bitcoin
	// compiles it into the script; EVM contracts carry their own fixed
	// validity window instead.
	LockTime int64
}

// LockProtocol is one foreign chain's view of the HTLC protocol.
type LockProtocol interface {
	// OwnAddress is this wallet's identity on the foreign chain.
	OwnAddress() string

	// CreateLock locks params.Value for the counterparty.
	CreateLock(ctx context.Context, params *LockParams) (txID string, err error)

	// GetLock fetches the current lock state. Returns (nil, nil) when no
	// lock was ever created for these parties.
	GetLock(ctx context.Context, params *LockParams) (*Lock, error)

	// Claim spends the lock by revealing the secret.
	Claim(ctx context.Context, params *LockParams, secret string) (txID string, err error)

	// Refund returns an expired lock to its owner.
	Refund(ctx context.Context, params *LockParams) (txID string, err error)

	// RevealedSecret returns the secret the counterparty exposed by
	// claiming, zero hex if not yet revealed.
	RevealedSecret(ctx context.Context, params *LockParams) (string, error)

	// ConfirmTx reports whether a transaction is visible on the chain.
	ConfirmTx(ctx context.Context, txID string) (bool, error)

	// LockValidity is the claim window of a fresh lock. Zero means the
	// deadline is carried in the lock itself (params.LockTime).
	LockValidity() time.Duration
}

// Approver is implemented by adapters whose assets need a spend allowance
// before a lock can be created. The engine persists the approval tx id
// before creating the lock, so a crash between the two never double-approves.
type Approver interface {
	Approve(ctx context.Context, value *big.Int) (txID string, err error)
	CheckAllowance(ctx context.Context, value *big.Int) (bool, error)
}

// GenerateSecret creates a random 32-byte secret and its SHA-256 hash,
// both as fixed-width hex.
func GenerateSecret() (secret, hash string, err error) {
	raw, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(raw)
	return helpers.HexAlign(helpers.BytesToHex(raw), 64),
		helpers.HexAlign(helpers.BytesToHex(sum[:]), 64), nil
}

// HashSecret computes the SHA-256 hash of a hex secret.
func HashSecret(secretHex string) (string, error) {
	raw, err := helpers.HexToBytes(helpers.HexAlign(secretHex, 64)[2:])
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return helpers.HexAlign(helpers.BytesToHex(sum[:]), 64), nil
}

// VerifySecret reports whether a hex secret hashes to the expected hash.
// Comparison is constant-time.
func VerifySecret(secretHex, hashHex string) bool {
	raw, err := helpers.HexToBytes(helpers.HexAlign(secretHex, 64)[2:])
	if err != nil {
		return false
	}
	want, err := helpers.HexToBytes(helpers.HexAlign(hashHex, 64)[2:])
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	return helpers.ConstantTimeCompare(sum[:], want)
}

// SecretRevealed reports whether a secret value observed on chain is an
// actual reveal. Contracts return all-zero bytes for "no secret yet", so
// zero never counts.
func SecretRevealed(secretHex string) bool {
	return secretHex != "" && !helpers.IsZeroHex(secretHex)
}
