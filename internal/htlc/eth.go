package htlc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ethSwapABI is the surface of the native-coin lock contract. One lock may
// exist per (owner, participant) pair at a time; claiming stores the secret
// in the lock for the owner to read back.
const ethSwapABI = `[
  {"type":"function","name":"createSwap","stateMutability":"payable","inputs":[
    {"name":"_secretHash","type":"bytes32"},
    {"name":"_participantAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"createSwapTarget","stateMutability":"payable","inputs":[
    {"name":"_secretHash","type":"bytes32"},
    {"name":"_participantAddress","type":"address"},
    {"name":"_targetWallet","type":"address"}],"outputs":[]},
  {"type":"function","name":"swaps","stateMutability":"view","inputs":[
    {"name":"","type":"address"},
    {"name":"","type":"address"}],"outputs":[
    {"name":"targetWallet","type":"address"},
    {"name":"secret","type":"bytes32"},
    {"name":"secretHash","type":"bytes32"},
    {"name":"createdAt","type":"uint256"},
    {"name":"balance","type":"uint256"}]},
  {"type":"function","name":"withdrawOther","stateMutability":"nonpayable","inputs":[
    {"name":"_secret","type":"bytes32"},
    {"name":"_ownerAddress","type":"address"},
    {"name":"_participantAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"_participantAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"getSecret","stateMutability":"view","inputs":[
    {"name":"_participantAddress","type":"address"}],"outputs":[
    {"name":"","type":"bytes32"}]}
]`

// EthAdapter locks the chain's native coin.
type EthAdapter struct {
	*evmClient
}

var _ LockProtocol = (*EthAdapter)(nil)

// NewEthAdapter connects to an EVM chain and binds the native lock contract.
func NewEthAdapter(cfg *EVMConfig) (*EthAdapter, error) {
	c, err := dialEVM(cfg, ethSwapABI, "eth")
	if err != nil {
		return nil, err
	}
	return &EthAdapter{evmClient: c}, nil
}

// CreateLock locks params.Value of native coin for the counterparty. When
// a distinct target wallet is given, the claim pays out there instead.
func (a *EthAdapter) CreateLock(ctx context.Context, params *LockParams) (string, error) {
	hash, err := hexToBytes32(params.SecretHash)
	if err != nil {
		return "", err
	}
	_, participant := parties(params)

	auth, err := a.newTransactor(ctx)
	if err != nil {
		return "", err
	}
	auth.Value = params.Value

	a.log.Info("Creating lock",
		"participant", addressHex(participant), "value", params.Value)

	if params.TargetWallet != "" && params.TargetWallet != params.Destination {
		tx, err := a.contract.Transact(auth, "createSwapTarget",
			hash, participant, common.HexToAddress(params.TargetWallet))
		if err != nil {
			return "", fmt.Errorf("failed to create lock: %w", err)
		}
		return tx.Hash().Hex(), nil
	}

	tx, err := a.contract.Transact(auth, "createSwap", hash, participant)
	if err != nil {
		return "", fmt.Errorf("failed to create lock: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// GetLock fetches the (Source, Destination) lock. Returns nil when the
// slot was never used.
func (a *EthAdapter) GetLock(ctx context.Context, params *LockParams) (*Lock, error) {
	owner, participant := parties(params)

	var out []interface{}
	err := a.contract.Call(a.callOpts(ctx), &out, "swaps", owner, participant)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	lock := &Lock{
		TargetWallet: addressHex(out[0].(common.Address)),
		Secret:       bytes32Hex(out[1].([32]byte)),
		SecretHash:   bytes32Hex(out[2].([32]byte)),
		CreatedAt:    out[3].(*big.Int).Int64(),
		Balance:      out[4].(*big.Int),
		Source:       addressHex(owner),
		Destination:  addressHex(participant),
	}
	if lock.CreatedAt == 0 && lock.Balance.Sign() == 0 {
		return nil, nil
	}
	return lock, nil
}

// Claim spends the counterparty's lock, revealing the secret on chain.
func (a *EthAdapter) Claim(ctx context.Context, params *LockParams, secret string) (string, error) {
	raw, err := hexToBytes32(secret)
	if err != nil {
		return "", err
	}
	owner, participant := parties(params)

	auth, err := a.newTransactor(ctx)
	if err != nil {
		return "", err
	}

	a.log.Info("Claiming lock", "owner", addressHex(owner))
	tx, err := a.contract.Transact(auth, "withdrawOther", raw, owner, participant)
	if err != nil {
		return "", fmt.Errorf("failed to claim lock: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Refund reclaims our own expired lock.
func (a *EthAdapter) Refund(ctx context.Context, params *LockParams) (string, error) {
	_, participant := parties(params)

	auth, err := a.newTransactor(ctx)
	if err != nil {
		return "", err
	}

	a.log.Info("Refunding lock", "participant", addressHex(participant))
	tx, err := a.contract.Transact(auth, "refund", participant)
	if err != nil {
		return "", fmt.Errorf("failed to refund lock: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// RevealedSecret reads back the secret the counterparty exposed by
// claiming our lock. Zero hex until then.
func (a *EthAdapter) RevealedSecret(ctx context.Context, params *LockParams) (string, error) {
	_, participant := parties(params)

	var out []interface{}
	err := a.contract.Call(a.callOpts(ctx), &out, "getSecret", participant)
	if err != nil {
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	return bytes32Hex(out[0].([32]byte)), nil
}
