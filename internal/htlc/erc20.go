package htlc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// tokenSwapABI is the ERC20 variant of the lock contract. createSwap pulls
// the tokens with transferFrom, so the owner must grant an allowance to the
// contract first.
const tokenSwapABI = `[
  {"type":"function","name":"createSwap","stateMutability":"nonpayable","inputs":[
    {"name":"_secretHash","type":"bytes32"},
    {"name":"_participantAddress","type":"address"},
    {"name":"_value","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"createSwapTarget","stateMutability":"nonpayable","inputs":[
    {"name":"_secretHash","type":"bytes32"},
    {"name":"_participantAddress","type":"address"},
    {"name":"_targetWallet","type":"address"},
    {"name":"_value","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"swaps","stateMutability":"view","inputs":[
    {"name":"","type":"address"},
    {"name":"","type":"address"}],"outputs":[
    {"name":"targetWallet","type":"address"},
    {"name":"secret","type":"bytes32"},
    {"name":"secretHash","type":"bytes32"},
    {"name":"createdAt","type":"uint256"},
    {"name":"balance","type":"uint256"},
    {"name":"token","type":"address"}]},
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

const approveGasLimit = 60000

// TokenAdapter locks an ERC20 token. It additionally implements Approver:
// the allowance must be in place before CreateLock, and the caller persists
// the approve tx id so a restart never approves twice.
type TokenAdapter struct {
	*evmClient
	token common.Address
}

var (
	_ LockProtocol = (*TokenAdapter)(nil)
	_ Approver     = (*TokenAdapter)(nil)
)

// NewTokenAdapter connects to an EVM chain and binds the token lock
// contract for cfg.TokenAddress.
func NewTokenAdapter(cfg *EVMConfig) (*TokenAdapter, error) {
	if cfg.TokenAddress == "" {
		return nil, fmt.Errorf("token adapter requires a token address")
	}
	c, err := dialEVM(cfg, tokenSwapABI, "erc20")
	if err != nil {
		return nil, err
	}
	return &TokenAdapter{
		evmClient: c,
		token:     common.HexToAddress(cfg.TokenAddress),
	}, nil
}

// Token is the asset contract this adapter locks.
func (a *TokenAdapter) Token() string {
	return addressHex(a.token)
}

// Approve grants the lock contract an allowance of value tokens.
// Function selector for approve(address,uint256) = 0x095ea7b3.
func (a *TokenAdapter) Approve(ctx context.Context, value *big.Int) (string, error) {
	data := make([]byte, 68)
	copy(data[0:4], []byte{0x09, 0x5e, 0xa7, 0xb3})
	copy(data[4:36], common.LeftPadBytes(a.address.Bytes(), 32))
	copy(data[36:68], common.LeftPadBytes(value.Bytes(), 32))

	nonce, err := a.client.PendingNonceAt(ctx, a.owner)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, a.token, big.NewInt(0), approveGasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign approve: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send approve: %w", err)
	}

	a.log.Info("Approved token allowance", "token", a.Token(), "value", value)
	return signedTx.Hash().Hex(), nil
}

// CheckAllowance reports whether the lock contract may already spend value
// tokens on our behalf.
// Function selector for allowance(address,address) = 0xdd62ed3e.
func (a *TokenAdapter) CheckAllowance(ctx context.Context, value *big.Int) (bool, error) {
	data := make([]byte, 68)
	copy(data[0:4], []byte{0xdd, 0x62, 0xed, 0x3e})
	copy(data[4:36], common.LeftPadBytes(a.owner.Bytes(), 32))
	copy(data[36:68], common.LeftPadBytes(a.address.Bytes(), 32))

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{
		From: a.owner,
		To:   &a.token,
		Data: data,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check allowance: %w", err)
	}
	allowance := new(big.Int).SetBytes(out)
	return allowance.Cmp(value) >= 0, nil
}

// CreateLock locks params.Value tokens for the counterparty. The allowance
// must already cover the value.
func (a *TokenAdapter) CreateLock(ctx context.Context, params *LockParams) (string, error) {
	hash, err := hexToBytes32(params.SecretHash)
	if err != nil {
		return "", err
	}
	_, participant := parties(params)

	auth, err := a.newTransactor(ctx)
	if err != nil {
		return "", err
	}

	a.log.Info("Creating token lock", "token", a.Token(),
		"participant", addressHex(participant), "value", params.Value)

	if params.TargetWallet != "" && params.TargetWallet != params.Destination {
		tx, err := a.contract.Transact(auth, "createSwapTarget",
			hash, participant, common.HexToAddress(params.TargetWallet), params.Value)
		if err != nil {
			return "", fmt.Errorf("failed to create lock: %w", err)
		}
		return tx.Hash().Hex(), nil
	}

	tx, err := a.contract.Transact(auth, "createSwap", hash, participant, params.Value)
	if err != nil {
		return "", fmt.Errorf("failed to create lock: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// GetLock fetches the (Source, Destination) token lock. Returns nil when
// the slot was never used.
func (a *TokenAdapter) GetLock(ctx context.Context, params *LockParams) (*Lock, error) {
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
		Token:        addressHex(out[5].(common.Address)),
		Source:       addressHex(owner),
		Destination:  addressHex(participant),
	}
	if lock.CreatedAt == 0 && lock.Balance.Sign() == 0 {
		return nil, nil
	}
	return lock, nil
}

// Claim spends the counterparty's token lock, revealing the secret.
func (a *TokenAdapter) Claim(ctx context.Context, params *LockParams, secret string) (string, error) {
	raw, err := hexToBytes32(secret)
	if err != nil {
		return "", err
	}
	owner, participant := parties(params)

	auth, err := a.newTransactor(ctx)
	if err != nil {
		return "", err
	}

	a.log.Info("Claiming token lock", "owner", addressHex(owner))
	tx, err := a.contract.Transact(auth, "withdrawOther", raw, owner, participant)
	if err != nil {
		return "", fmt.Errorf("failed to claim lock: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Refund reclaims our own expired token lock.
func (a *TokenAdapter) Refund(ctx context.Context, params *LockParams) (string, error) {
	_, participant := parties(params)

	auth, err := a.newTransactor(ctx)
	if err != nil {
		return "", err
	}

	a.log.Info("Refunding token lock", "participant", addressHex(participant))
	tx, err := a.contract.Transact(auth, "refund", participant)
	if err != nil {
		return "", fmt.Errorf("failed to refund lock: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// RevealedSecret reads back the secret from our claimed lock, zero hex
// until the counterparty claims.
func (a *TokenAdapter) RevealedSecret(ctx context.Context, params *LockParams) (string, error) {
	_, participant := parties(params)

	var out []interface{}
	err := a.contract.Call(a.callOpts(ctx), &out, "getSecret", participant)
	if err != nil {
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	return bytes32Hex(out[0].([32]byte)), nil
}
