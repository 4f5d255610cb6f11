package htlc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

// EVMConfig configures an EVM-chain lock adapter.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string

	// TokenAddress is the ERC20 asset a token adapter locks. Empty for
	// the native-coin adapter.
	TokenAddress string

	Key *ecdsa.PrivateKey

	// LockValidity is the contract's claim window for a fresh lock.
	LockValidity time.Duration

	GasLimit uint64
}

// evmClient carries the machinery shared by the native and token adapters.
type evmClient struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	owner    common.Address
	chainID  *big.Int
	validity time.Duration
	gasLimit uint64
	log      *logging.Logger
}

func dialEVM(cfg *EVMConfig, abiJSON, component string) (*evmClient, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &evmClient{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		address:  address,
		key:      cfg.Key,
		owner:    crypto.PubkeyToAddress(cfg.Key.PublicKey),
		chainID:  chainID,
		validity: cfg.LockValidity,
		gasLimit: cfg.GasLimit,
		log:      logging.Component(component),
	}, nil
}

// Close closes the underlying RPC connection.
func (c *evmClient) Close() {
	c.client.Close()
}

// OwnAddress is the wallet address derived from the signing key.
func (c *evmClient) OwnAddress() string {
	return strings.ToLower(c.owner.Hex())
}

// LockValidity is the contract-side claim window.
func (c *evmClient) LockValidity() time.Duration {
	return c.validity
}

// ConfirmTx reports whether a transaction has been mined successfully.
func (c *evmClient) ConfirmTx(ctx context.Context, txID string) (bool, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (c *evmClient) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasLimit = c.gasLimit
	return auth, nil
}

func (c *evmClient) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx, From: c.owner}
}

// parties resolves the (owner, participant) mapping key of a lock from its
// parameters. Addresses arrive left-padded to 66 hex digits from the
// order book; BytesToAddress keeps the trailing 20 bytes.
func parties(params *LockParams) (owner, participant common.Address) {
	return common.HexToAddress(params.Source), common.HexToAddress(params.Destination)
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := helpers.HexToBytes(helpers.HexAlign(s, 64)[2:])
	if err != nil {
		return out, fmt.Errorf("invalid 32-byte hex value %q: %w", s, err)
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}

func bytes32Hex(b [32]byte) string {
	return helpers.HexAlign(helpers.BytesToHex(b[:]), 64)
}

func addressHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
