// Package orderbook is the typed client for the on-chain order-book
// contract. Every mutating call is an internal message carried by a wallet
// transfer of a fixed fee value; reads run as local get-methods.
package orderbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/tonswap-exchange/tonswapd/internal/tonapi"
	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

// Token symbols as the pair tables use them.
const (
	TokenTON  = "TON CRYSTAL"
	TokenETH  = "ETH"
	TokenUSDT = "USDT"
	TokenBTC  = "BTC"
)

// Swap pair ids. The contract keeps a direct and a reversed table per id:
// direct orders offer the native asset, reversed orders offer the foreign
// one.
const (
	SwapTonEth  = 0
	SwapTonUsdt = 1
	SwapTonBtc  = 2
)

// TransactionValue is the fee value attached to every contract call,
// in nanotons.
const TransactionValue = 1_000_000_000

// Common errors
var (
	ErrOrderExists       = errors.New("order already exists")
	ErrOrderClosed       = errors.New("order already closed")
	ErrOrderConfirmed    = errors.New("order already confirmed")
	ErrOrderNotConfirmed = errors.New("order not confirmed")
	ErrNotOwner          = errors.New("not the order owner")
	ErrUnknownToken      = errors.New("unknown token")
)

var pairTable = map[int][2]string{
	SwapTonEth:  {TokenTON, TokenETH},
	SwapTonUsdt: {TokenTON, TokenUSDT},
	SwapTonBtc:  {TokenTON, TokenBTC},
}

// SwapIDFor returns the pair id whose foreign side is the given token.
func SwapIDFor(token string) (int, error) {
	for id, pair := range pairTable {
		if pair[1] == token {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token)
}

// PairTokens returns (from, to) for a pair id and direction.
func PairTokens(swapID int, direct bool) (string, string) {
	pair := pairTable[swapID]
	if direct {
		return pair[0], pair[1]
	}
	return pair[1], pair[0]
}

// Order is a normalized order-book record.
type Order struct {
	// ID is the initiator's ledger address; the contract keys orders by it.
	ID     string `json:"id"`
	SwapID int    `json:"swapId"`
	Direct bool   `json:"direct"`

	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`

	Value        *big.Int `json:"value"`
	MinValue     *big.Int `json:"minValue"`
	ForeignValue *big.Int `json:"foreignValue"`
	ExchangeRate *big.Int `json:"exchangeRate"`

	TimeLockSlot int64 `json:"timeLockSlot"`
	Confirmed    bool  `json:"confirmed"`
	ConfirmTime  int64 `json:"confirmTime"`

	// SecretHash is fixed-width 64-digit hex.
	SecretHash string `json:"secretHash"`

	// Foreign-chain addresses, fixed-width 66-digit hex. The initiator
	// fields are set at creation, the confirmator fields at confirmation.
	InitiatorTargetAddress   string `json:"initiatorTargetAddress,omitempty"`
	ConfirmatorSourceAddress string `json:"confirmatorSourceAddress,omitempty"`
	InitiatorSourceAddress   string `json:"initiatorSourceAddress,omitempty"`
	ConfirmatorTargetAddress string `json:"confirmatorTargetAddress,omitempty"`
}

// Balance is a participant's funds split inside the order-book contract.
type Balance struct {
	Free     *big.Int
	InOrders *big.Int
	Locked   *big.Int
}

// Transactor submits value transfers on the native ledger.
type Transactor interface {
	Address() string
	Transact(ctx context.Context, value *big.Int, dest, bodyBase64 string) (string, error)
}

// Client talks to one order-book contract through a ledger node and a
// wallet.
type Client struct {
	api      *tonapi.Client
	wallet   Transactor
	contract string
	log      *logging.Logger
}

// NewClient creates an order-book client.
func NewClient(api *tonapi.Client, w Transactor, contract string, log *logging.Logger) *Client {
	return &Client{
		api:      api,
		wallet:   w,
		contract: contract,
		log:      log.Component("orderbook"),
	}
}

// Contract returns the order-book contract address.
func (c *Client) Contract() string {
	return c.contract
}

// run ABI-encodes a contract call and carries it in a fee-value transfer.
func (c *Client) run(ctx context.Context, function string, input map[string]interface{}) (string, error) {
	body, err := c.api.CreateRunBody(ctx, c.contract, function, input)
	if err != nil {
		return "", fmt.Errorf("%s: %w", function, err)
	}
	txID, err := c.wallet.Transact(ctx, big.NewInt(TransactionValue), c.contract, body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", function, err)
	}
	c.log.Debug("contract call sent", "function", function, "tx", txID)
	return txID, nil
}

// rawOrder is the wire shape of an order record: every numeric is a hex
// string.
type rawOrder struct {
	Value                    string `json:"value"`
	MinValue                 string `json:"minValue"`
	ForeignValue             string `json:"foreignValue"`
	ExchangeRate             string `json:"exchangeRate"`
	TimeLockSlot             string `json:"timeLockSlot"`
	Confirmed                bool   `json:"confirmed"`
	ConfirmTime              string `json:"confirmTime"`
	SecretHash               string `json:"secretHash"`
	InitiatorTargetAddress   string `json:"initiatorTargetAddress"`
	ConfirmatorSourceAddress string `json:"confirmatorSourceAddress"`
	InitiatorSourceAddress   string `json:"initiatorSourceAddress"`
	ConfirmatorTargetAddress string `json:"confirmatorTargetAddress"`
}

// GetDirectOrder fetches a direct order by initiator address. Returns
// (nil, nil) when the slot is empty.
func (c *Client) GetDirectOrder(ctx context.Context, swapID int, initiator string) (*Order, error) {
	raw, err := c.getOrder(ctx, "getDirectOrder", swapID, initiator)
	if err != nil {
		return nil, err
	}
	// An empty slot comes back zeroed, not absent.
	if raw == nil || helpers.IsZeroHex(raw.Value) {
		return nil, nil
	}

	order := raw.normalize(initiator, swapID, true)
	order.InitiatorTargetAddress = helpers.HexAlign(raw.InitiatorTargetAddress, 66)
	order.ConfirmatorSourceAddress = helpers.HexAlign(raw.ConfirmatorSourceAddress, 66)
	return order, nil
}

// GetReversedOrder fetches a reversed order by initiator address. Returns
// (nil, nil) when the slot is empty.
func (c *Client) GetReversedOrder(ctx context.Context, swapID int, initiator string) (*Order, error) {
	raw, err := c.getOrder(ctx, "getReversedOrder", swapID, initiator)
	if err != nil {
		return nil, err
	}
	if raw == nil || helpers.IsZeroHex(raw.ForeignValue) {
		return nil, nil
	}

	order := raw.normalize(initiator, swapID, false)
	order.InitiatorSourceAddress = helpers.HexAlign(raw.InitiatorSourceAddress, 66)
	order.ConfirmatorTargetAddress = helpers.HexAlign(raw.ConfirmatorTargetAddress, 66)
	return order, nil
}

// GetOrder fetches an order record matching a tracked order's direction.
func (c *Client) GetOrder(ctx context.Context, swapID int, direct bool, initiator string) (*Order, error) {
	if direct {
		return c.GetDirectOrder(ctx, swapID, initiator)
	}
	return c.GetReversedOrder(ctx, swapID, initiator)
}

func (c *Client) getOrder(ctx context.Context, function string, swapID int, initiator string) (*rawOrder, error) {
	out, err := c.api.RunLocal(ctx, c.contract, function, map[string]interface{}{
		"dbId":             swapID,
		"initiatorAddress": initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}

	rawJSON, ok := out["order"]
	if !ok {
		return nil, nil
	}
	var raw rawOrder
	if err := json.Unmarshal(rawJSON, &raw); err != nil {
		return nil, fmt.Errorf("%s: failed to parse order: %w", function, err)
	}
	return &raw, nil
}

func (r *rawOrder) normalize(initiator string, swapID int, direct bool) *Order {
	from, to := PairTokens(swapID, direct)
	return &Order{
		ID:           initiator,
		SwapID:       swapID,
		Direct:       direct,
		FromToken:    from,
		ToToken:      to,
		Value:        helpers.HexToBigInt(r.Value),
		MinValue:     helpers.HexToBigInt(r.MinValue),
		ForeignValue: helpers.HexToBigInt(r.ForeignValue),
		ExchangeRate: helpers.HexToBigInt(r.ExchangeRate),
		TimeLockSlot: helpers.HexToInt64(r.TimeLockSlot),
		Confirmed:    r.Confirmed,
		ConfirmTime:  helpers.HexToInt64(r.ConfirmTime),
		SecretHash:   helpers.HexAlign(r.SecretHash, 64),
	}
}

// GetDirectOrders lists all open direct orders of a pair.
func (c *Client) GetDirectOrders(ctx context.Context, swapID int) ([]*Order, error) {
	return c.listOrders(ctx, "getDirectOrders", swapID, c.GetDirectOrder)
}

// GetReversedOrders lists all open reversed orders of a pair.
func (c *Client) GetReversedOrders(ctx context.Context, swapID int) ([]*Order, error) {
	return c.listOrders(ctx, "getReversedOrders", swapID, c.GetReversedOrder)
}

func (c *Client) listOrders(ctx context.Context, function string, swapID int,
	fetch func(context.Context, int, string) (*Order, error)) ([]*Order, error) {

	out, err := c.api.RunLocal(ctx, c.contract, function, map[string]interface{}{
		"dbId": swapID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}

	var initiators []string
	if rawJSON, ok := out["orders"]; ok {
		if err := json.Unmarshal(rawJSON, &initiators); err != nil {
			return nil, fmt.Errorf("%s: failed to parse order list: %w", function, err)
		}
	}

	var orders []*Order
	for _, initiator := range initiators {
		// An order may close between the listing and the fetch.
		order, err := fetch(ctx, swapID, initiator)
		if err != nil {
			return nil, err
		}
		if order != nil {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// GetMyOrders returns every order the wallet currently has open, across all
// pairs and both directions.
func (c *Client) GetMyOrders(ctx context.Context) ([]*Order, error) {
	address := c.wallet.Address()
	var orders []*Order
	for _, swapID := range []int{SwapTonUsdt, SwapTonEth, SwapTonBtc} {
		for _, direct := range []bool{true, false} {
			order, err := c.GetOrder(ctx, swapID, direct, address)
			if err != nil {
				return nil, err
			}
			if order != nil {
				orders = append(orders, order)
			}
		}
	}
	return orders, nil
}

// GetBalance returns a participant's funds held by the contract.
func (c *Client) GetBalance(ctx context.Context, participant string) (*Balance, error) {
	out, err := c.api.RunLocal(ctx, c.contract, "getBalance", map[string]interface{}{
		"participant": participant,
	})
	if err != nil {
		return nil, fmt.Errorf("getBalance: %w", err)
	}

	var raw struct {
		Value    string `json:"value"`
		InOrders string `json:"inOrders"`
		Locked   string `json:"locked"`
	}
	if rawJSON, ok := out["balance"]; ok {
		if err := json.Unmarshal(rawJSON, &raw); err != nil {
			return nil, fmt.Errorf("getBalance: failed to parse balance: %w", err)
		}
	}
	return &Balance{
		Free:     helpers.HexToBigInt(raw.Value),
		InOrders: helpers.HexToBigInt(raw.InOrders),
		Locked:   helpers.HexToBigInt(raw.Locked),
	}, nil
}

// CalcForeignOutput asks the contract how much of the foreign asset a
// native value converts to at the given rate. The contract's arithmetic is
// authoritative; computing this locally risks a one-unit disagreement.
func (c *Client) CalcForeignOutput(ctx context.Context, value, exchangeRate *big.Int) (*big.Int, error) {
	out, err := c.api.RunLocal(ctx, c.contract, "calcForeignOutput", map[string]interface{}{
		"value":        helpers.BigIntToHex(value),
		"exchangeRate": helpers.BigIntToHex(exchangeRate),
	})
	if err != nil {
		return nil, fmt.Errorf("calcForeignOutput: %w", err)
	}

	var foreign string
	if rawJSON, ok := out["foreignValue"]; ok {
		if err := json.Unmarshal(rawJSON, &foreign); err != nil {
			return nil, fmt.Errorf("calcForeignOutput: %w", err)
		}
	}
	return helpers.HexToBigInt(foreign), nil
}

// Deposit moves native funds into the contract. The transfer carries the
// deposit on top of the fee value; no message body means deposit.
func (c *Client) Deposit(ctx context.Context, value *big.Int) (string, error) {
	total := new(big.Int).Add(value, big.NewInt(TransactionValue))
	return c.wallet.Transact(ctx, total, c.contract, "")
}

// Withdraw moves free funds out of the contract back to the wallet.
func (c *Client) Withdraw(ctx context.Context, value *big.Int) (string, error) {
	return c.run(ctx, "withdraw", map[string]interface{}{
		"amount": helpers.BigIntToHex(value),
	})
}

// CreateDirectOrder places an order offering the native asset.
func (c *Client) CreateDirectOrder(ctx context.Context, swapID int, value, minValue, exchangeRate *big.Int, timeLockSlot int64, secretHash, targetAddress string) (string, error) {
	existing, err := c.GetDirectOrder(ctx, swapID, c.wallet.Address())
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrOrderExists
	}

	return c.run(ctx, "createDirectOrder", map[string]interface{}{
		"dbId":                   swapID,
		"value":                  helpers.BigIntToHex(value),
		"minValue":               helpers.BigIntToHex(minValue),
		"exchangeRate":           helpers.BigIntToHex(exchangeRate),
		"timeLockSlot":           timeLockSlot,
		"secretHash":             helpers.HexAlign(secretHash, 64),
		"initiatorTargetAddress": helpers.HexAlign(targetAddress, 66),
	})
}

// CreateReversedOrder places an order offering the foreign asset. No secret
// hash yet: on reversed orders the confirmator owns the secret.
func (c *Client) CreateReversedOrder(ctx context.Context, swapID int, value, minValue, exchangeRate *big.Int, timeLockSlot int64, sourceAddress string) (string, error) {
	existing, err := c.GetReversedOrder(ctx, swapID, c.wallet.Address())
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrOrderExists
	}

	return c.run(ctx, "createReversedOrder", map[string]interface{}{
		"dbId":                   swapID,
		"value":                  helpers.BigIntToHex(value),
		"minValue":               helpers.BigIntToHex(minValue),
		"exchangeRate":           helpers.BigIntToHex(exchangeRate),
		"timeLockSlot":           timeLockSlot,
		"initiatorSourceAddress": helpers.HexAlign(sourceAddress, 66),
	})
}

// ConfirmDirectOrder takes the other side of a direct order.
func (c *Client) ConfirmDirectOrder(ctx context.Context, order *Order, value *big.Int, sourceAddress string) (string, error) {
	if err := c.checkConfirmable(ctx, order); err != nil {
		return "", err
	}

	return c.run(ctx, "confirmDirectOrder", map[string]interface{}{
		"dbId":                     order.SwapID,
		"value":                    helpers.BigIntToHex(value),
		"initiatorAddress":         order.ID,
		"confirmatorSourceAddress": helpers.HexAlign(sourceAddress, 66),
	})
}

// ConfirmReversedOrder takes the other side of a reversed order; the
// confirmator supplies the secret hash.
func (c *Client) ConfirmReversedOrder(ctx context.Context, order *Order, value *big.Int, targetAddress, secretHash string) (string, error) {
	if err := c.checkConfirmable(ctx, order); err != nil {
		return "", err
	}

	return c.run(ctx, "confirmReversedOrder", map[string]interface{}{
		"dbId":                     order.SwapID,
		"value":                    helpers.BigIntToHex(value),
		"initiatorAddress":         order.ID,
		"confirmatorTargetAddress": helpers.HexAlign(targetAddress, 66),
		"secretHash":               helpers.HexAlign(secretHash, 64),
	})
}

func (c *Client) checkConfirmable(ctx context.Context, order *Order) error {
	current, err := c.GetOrder(ctx, order.SwapID, order.Direct, order.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrOrderClosed
	}
	if current.Confirmed {
		return ErrOrderConfirmed
	}
	return nil
}

// CloseOrder deletes an unconfirmed order we own.
func (c *Client) CloseOrder(ctx context.Context, order *Order) (string, error) {
	if order.ID != c.wallet.Address() {
		return "", ErrNotOwner
	}
	if err := c.checkConfirmable(ctx, order); err != nil {
		return "", err
	}

	function := "deleteDirectOrder"
	if !order.Direct {
		function = "deleteReversedOrder"
	}
	return c.run(ctx, function, map[string]interface{}{
		"dbId": order.SwapID,
	})
}

// FinishWithSecret settles a confirmed order's native leg by revealing the
// secret.
func (c *Client) FinishWithSecret(ctx context.Context, order *Order, secret string) (string, error) {
	if err := c.checkFinishable(ctx, order); err != nil {
		return "", err
	}

	function := "finishDirectOrderWithSecret"
	if !order.Direct {
		function = "finishReversedOrderWithSecret"
	}
	return c.run(ctx, function, map[string]interface{}{
		"dbId":             order.SwapID,
		"initiatorAddress": order.ID,
		"secret":           helpers.HexAlign(secret, 64),
	})
}

// FinishWithTimeout settles a confirmed order's native leg after the final
// deadline, returning funds to their owners.
func (c *Client) FinishWithTimeout(ctx context.Context, order *Order) (string, error) {
	if err := c.checkFinishable(ctx, order); err != nil {
		return "", err
	}

	function := "finishDirectOrderWithTimeout"
	if !order.Direct {
		function = "finishReversedOrderWithTimeout"
	}
	return c.run(ctx, function, map[string]interface{}{
		"dbId":             order.SwapID,
		"initiatorAddress": order.ID,
	})
}

func (c *Client) checkFinishable(ctx context.Context, order *Order) error {
	current, err := c.GetOrder(ctx, order.SwapID, order.Direct, order.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrOrderClosed
	}
	if !current.Confirmed {
		return ErrOrderNotConfirmed
	}
	return nil
}
