package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/tonswap-exchange/tonswapd/internal/htlc"
	"github.com/tonswap-exchange/tonswapd/internal/orderbook"
	"github.com/tonswap-exchange/tonswapd/internal/storage"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

const (
	defaultPollInterval     = 20 * time.Second
	defaultLockPollInterval = 10 * time.Second
	defaultLockPollAttempts = 10
)

// OrderBook extends the watcher's ledger surface with the order entry
// points. *orderbook.Client satisfies it.
type OrderBook interface {
	Ledger
	CreateDirectOrder(ctx context.Context, swapID int, value, minValue, exchangeRate *big.Int, timeLockSlot int64, secretHash, targetAddress string) (string, error)
	CreateReversedOrder(ctx context.Context, swapID int, value, minValue, exchangeRate *big.Int, timeLockSlot int64, sourceAddress string) (string, error)
	ConfirmDirectOrder(ctx context.Context, order *orderbook.Order, value *big.Int, sourceAddress string) (string, error)
	ConfirmReversedOrder(ctx context.Context, order *orderbook.Order, value *big.Int, targetAddress, secretHash string) (string, error)
}

// Store persists order state between restarts. *storage.Storage satisfies
// it.
type Store interface {
	PutOrder(id string, data []byte) error
	GetOrder(id string) ([]byte, error)
	AppendOrderIndex(address, id string) error
	OrderIndex(address string) ([]string, error)
}

// Config configures the order registry.
type Config struct {
	Book  OrderBook
	Store Store

	// Locks maps foreign tokens to their lock adapters.
	Locks map[string]htlc.LockProtocol

	// Address is our own ledger address; orders are indexed under it.
	Address string

	PollInterval     time.Duration
	LockPollInterval time.Duration
	LockPollAttempts int
}

// Registry owns every order this node participates in. Each active order
// runs its own watcher goroutine; the registry restores them on startup and
// spawns new ones for orders created or confirmed through it.
type Registry struct {
	book  OrderBook
	store Store
	locks map[string]htlc.LockProtocol

	address          string
	tick             time.Duration
	lockPollInterval time.Duration
	lockPollAttempts int

	mu     sync.Mutex
	orders map[string]*Order

	wg  sync.WaitGroup
	log *logging.Logger
}

// NewRegistry creates a registry. Call Start to restore persisted orders.
func NewRegistry(cfg *Config) *Registry {
	tick := cfg.PollInterval
	if tick == 0 {
		tick = defaultPollInterval
	}
	lockPoll := cfg.LockPollInterval
	if lockPoll == 0 {
		lockPoll = defaultLockPollInterval
	}
	attempts := cfg.LockPollAttempts
	if attempts == 0 {
		attempts = defaultLockPollAttempts
	}

	return &Registry{
		book:             cfg.Book,
		store:            cfg.Store,
		locks:            cfg.Locks,
		address:          cfg.Address,
		tick:             tick,
		lockPollInterval: lockPoll,
		lockPollAttempts: attempts,
		orders:           make(map[string]*Order),
		log:              logging.Component("engine"),
	}
}

// Start loads every persisted order and resumes watching the active ones.
// Watchers run until ctx is cancelled; Wait blocks until they stop.
func (r *Registry) Start(ctx context.Context) error {
	ids, err := r.store.OrderIndex(r.address)
	if err != nil {
		return fmt.Errorf("failed to load order index: %w", err)
	}

	var active int
	for _, id := range ids {
		data, err := r.store.GetOrder(id)
		if err != nil {
			r.log.Error("Failed to load order", "id", id, "error", err)
			continue
		}

		order := &Order{}
		if err := json.Unmarshal(data, order); err != nil {
			r.log.Error("Failed to decode order", "id", id, "error", err)
			continue
		}

		r.mu.Lock()
		r.orders[order.StorageID] = order
		r.mu.Unlock()

		if order.Active() {
			active++
			r.spawn(ctx, order)
		}
	}

	r.log.Info("Orders restored", "total", len(ids), "active", active)
	return nil
}

// Wait blocks until every watcher goroutine has stopped.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Orders returns a snapshot of all known orders.
func (r *Registry) Orders() []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out
}

// Get returns the order stored under id, or nil.
func (r *Registry) Get(id string) *Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

// CreateParams describes a new order.
type CreateParams struct {
	FromToken string
	ToToken   string

	// Value and MinValue are in the native asset's units.
	Value    *big.Int
	MinValue *big.Int

	// ExchangeRate converts native value to foreign output, as the
	// ledger contract defines it.
	ExchangeRate *big.Int

	// TimeLockSlot is the deadline slot length in seconds.
	TimeLockSlot int64

	// AltAddress is our foreign-chain address. Ignored for Bitcoin,
	// where the identity is the wallet's public key.
	AltAddress string
}

// CreateOrder places a new order on the ledger and starts watching it. A
// direct order offers the native asset, so we hold the secret; a reversed
// order offers the foreign asset, and the secret comes from the
// confirmator.
func (r *Registry) CreateOrder(ctx context.Context, params *CreateParams) (*Order, error) {
	direct := params.FromToken == orderbook.TokenTON
	altToken := params.ToToken
	if !direct {
		altToken = params.FromToken
	}
	swapID, err := orderbook.SwapIDFor(altToken)
	if err != nil {
		return nil, err
	}

	secret := "0x0"
	secretHash := ""
	if direct {
		secret, secretHash, err = htlc.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
	}

	altAddress, err := r.altIdentity(altToken, params.AltAddress)
	if err != nil {
		return nil, err
	}

	order := &Order{
		StorageID:  storage.NewOrderID(),
		LedgerID:   r.address,
		SwapID:     swapID,
		Direct:     direct,
		Address:    r.address,
		AltAddress: altAddress,
		Secret:     secret,
		SecretHash: secretHash,
		Status:     StatusInitiated,
		Created:    time.Now().Unix(),
	}
	if err := r.register(order); err != nil {
		return nil, err
	}

	var txID string
	if direct {
		txID, err = r.book.CreateDirectOrder(ctx, swapID,
			params.Value, params.MinValue, params.ExchangeRate,
			params.TimeLockSlot, secretHash, altAddress)
	} else {
		txID, err = r.book.CreateReversedOrder(ctx, swapID,
			params.Value, params.MinValue, params.ExchangeRate,
			params.TimeLockSlot, altAddress)
	}
	if err != nil {
		order.Status = StatusFailed
		r.persist(order)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	order.TonCreateTxID = txID
	order.TonCreateTxTm = time.Now().Unix()
	r.persist(order)

	r.log.Info("Order placed",
		"id", order.StorageID, "direct", direct, "txid", txID)
	r.spawn(ctx, order)
	return order, nil
}

// ConfirmOrder joins an existing ledger order as confirmator and starts
// watching it.
func (r *Registry) ConfirmOrder(ctx context.Context, ord *orderbook.Order, value *big.Int, altAddress string) (*Order, error) {
	secret := "0x0"
	secretHash := ""
	var err error
	if !ord.Direct {
		// Reversed orders put the secret on the confirmator side.
		secret, secretHash, err = htlc.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
	}

	altToken := ord.ToToken
	if !ord.Direct {
		altToken = ord.FromToken
	}
	altAddress, err = r.altIdentity(altToken, altAddress)
	if err != nil {
		return nil, err
	}

	order := &Order{
		StorageID:  storage.NewOrderID(),
		LedgerID:   ord.ID,
		SwapID:     ord.SwapID,
		Direct:     ord.Direct,
		Confirm:    true,
		Address:    r.address,
		AltAddress: altAddress,
		Secret:     secret,
		SecretHash: secretHash,
		Status:     StatusConfirming,
		Created:    time.Now().Unix(),
		Snapshot:   ord,
	}
	if err := r.register(order); err != nil {
		return nil, err
	}

	var txID string
	if ord.Direct {
		txID, err = r.book.ConfirmDirectOrder(ctx, ord, value, altAddress)
	} else {
		txID, err = r.book.ConfirmReversedOrder(ctx, ord, value, altAddress, secretHash)
	}
	if err != nil {
		order.Status = StatusFailed
		r.persist(order)
		return nil, fmt.Errorf("failed to confirm order: %w", err)
	}

	order.TonConfirmTxID = txID
	order.TonConfirmTxTm = time.Now().Unix()
	r.persist(order)

	r.log.Info("Order confirmed by us",
		"id", order.StorageID, "initiator", ord.ID, "txid", txID)
	r.spawn(ctx, order)
	return order, nil
}

// altIdentity resolves our foreign-chain identity for the given token. The
// order book carries a public key for Bitcoin, an account address
// elsewhere.
func (r *Registry) altIdentity(token, altAddress string) (string, error) {
	adapter, ok := r.locks[token]
	if !ok {
		return "", fmt.Errorf("no lock adapter for %q", token)
	}
	if token == orderbook.TokenBTC || altAddress == "" {
		return adapter.OwnAddress(), nil
	}
	return altAddress, nil
}

func (r *Registry) register(order *Order) error {
	if err := r.persistErr(order); err != nil {
		return err
	}
	if err := r.store.AppendOrderIndex(r.address, order.StorageID); err != nil {
		return fmt.Errorf("failed to index order: %w", err)
	}

	r.mu.Lock()
	r.orders[order.StorageID] = order
	r.mu.Unlock()
	return nil
}

func (r *Registry) persist(order *Order) {
	if err := r.persistErr(order); err != nil {
		r.log.Error("Failed to persist order", "id", order.StorageID, "error", err)
	}
}

func (r *Registry) persistErr(order *Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	if err := r.store.PutOrder(order.StorageID, data); err != nil {
		return fmt.Errorf("failed to store order: %w", err)
	}
	return nil
}

func (r *Registry) spawn(ctx context.Context, order *Order) {
	w := &watcher{
		order:            order,
		ledger:           r.book,
		locks:            r.locks,
		save:             r.persistErr,
		now:              func() int64 { return time.Now().Unix() },
		lockPollInterval: r.lockPollInterval,
		lockPollAttempts: r.lockPollAttempts,
		tick:             r.tick,
		log:              r.log.With("order", order.StorageID),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.run(ctx)
	}()
}
