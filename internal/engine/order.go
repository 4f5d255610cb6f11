// Package engine runs the swap lifecycle: one watcher goroutine per order
// drives a persisted state machine from creation through the foreign-chain
// lock exchange to native-leg settlement or refund.
package engine

import (
	"math/big"
	"strings"

	"github.com/tonswap-exchange/tonswapd/internal/orderbook"
	"github.com/tonswap-exchange/tonswapd/internal/timing"
	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
)

// Status is the lifecycle state of an order.
type Status string

const (
	// StatusInitiated: the create transaction was sent, the order is not
	// yet visible on the ledger.
	StatusInitiated Status = "initiated"

	// StatusConfirming: our confirm transaction was sent, the order is
	// not yet marked confirmed.
	StatusConfirming Status = "confirming"

	// StatusCreated: the order is on the ledger, awaiting a confirmator.
	StatusCreated Status = "created"

	// StatusConfirmed: both sides are bound; the deadline schedule is
	// derived and the foreign leg starts.
	StatusConfirmed Status = "confirmed"

	// StatusWaitSecret: our foreign lock exists; waiting for the
	// counterparty to claim it and reveal the secret.
	StatusWaitSecret Status = "waitsecret"

	// StatusWithdrawTon: the secret is known; settling the native leg.
	StatusWithdrawTon Status = "withdrawTon"

	// StatusWithdrawAlt: the counterparty never claimed; refunding our
	// foreign lock.
	StatusWithdrawAlt Status = "withdrawAlt"

	// StatusReturn: our side of the foreign leg is done; waiting out the
	// native timeout to reclaim the native funds.
	StatusReturn Status = "return"

	// Terminal states.
	StatusClosed Status = "closed"
	StatusFailed Status = "failed"
)

// Order is the persisted state of one swap. A single watcher goroutine owns
// it; everything here round-trips through the JSON store.
type Order struct {
	// StorageID is the random local key the order is stored under.
	StorageID string `json:"storageId"`

	// LedgerID is the initiator's ledger address, which keys the order
	// slot in the order-book contract.
	LedgerID string `json:"id"`

	SwapID int  `json:"swapId"`
	Direct bool `json:"direct"`

	// Confirm is true when we joined the order as confirmator.
	Confirm bool `json:"confirm"`

	// Address is our own ledger address.
	Address string `json:"address"`

	// AltAddress is our identity on the foreign chain.
	AltAddress string `json:"altAddress"`

	// Secret is the swap secret: generated locally when we hold it,
	// learned from the counterparty's claim otherwise. "0x0" until known.
	Secret string `json:"secret"`

	// SecretHash is set when we generated the secret; the other side
	// learns it from the ledger record.
	SecretHash string `json:"secretHash,omitempty"`

	Status  Status `json:"status"`
	Created int64  `json:"created"`

	// Snapshot is the last order record fetched from the ledger.
	Snapshot *orderbook.Order `json:"order,omitempty"`

	// Deadline schedule, derived once the order is confirmed.
	ConfirmedAt      int64 `json:"confirmedTm,omitempty"`
	AltCreateUntil   int64 `json:"altCreateUntil,omitempty"`
	AltWithdrawUntil int64 `json:"altWithdrawUntil,omitempty"`
	TonWithdrawUntil int64 `json:"tonWithdrawUntil,omitempty"`

	// Transaction journal.
	TonCreateTxID  string `json:"tonCreateTxId,omitempty"`
	TonCreateTxTm  int64  `json:"tonCreateTxTm,omitempty"`
	TonConfirmTxID string `json:"tonConfirmTxId,omitempty"`
	TonConfirmTxTm int64  `json:"tonConfirmTxTm,omitempty"`
	AltApproveTxID string `json:"altApproveTxId,omitempty"`
	AltApproveTxTm int64  `json:"altApproveTxTm,omitempty"`
	AltTxID        string `json:"altTxId,omitempty"`
	AltTxTm        int64  `json:"altTxTm,omitempty"`
	AltFinishTxID  string `json:"altFinishTxId,omitempty"`
	AltFinishTxTm  int64  `json:"altFinishTxTm,omitempty"`
	TonFinishTxID  string `json:"tonFinishTxId,omitempty"`
	TonFinishTxTm  int64  `json:"tonFinishTxTm,omitempty"`
}

// Active reports whether the order still needs watching.
func (o *Order) Active() bool {
	return o.Status != StatusClosed && o.Status != StatusFailed
}

// HoldsSecret reports whether this side generated the secret. The secret
// holder claims the foreign lock; the other side creates it.
func (o *Order) HoldsSecret() bool {
	if o.Confirm {
		return !o.Direct
	}
	return o.Direct
}

// AltToken is the foreign asset of the swap.
func (o *Order) AltToken() string {
	if o.Snapshot == nil {
		return ""
	}
	if o.Snapshot.Direct {
		return o.Snapshot.ToToken
	}
	return o.Snapshot.FromToken
}

// Schedule returns the derived deadline set.
func (o *Order) Schedule() timing.Schedule {
	return timing.Schedule{
		ConfirmedAt:      o.ConfirmedAt,
		AltCreateUntil:   o.AltCreateUntil,
		AltWithdrawUntil: o.AltWithdrawUntil,
		TonWithdrawUntil: o.TonWithdrawUntil,
	}
}

func (o *Order) setSchedule(s timing.Schedule) {
	o.ConfirmedAt = s.ConfirmedAt
	o.AltCreateUntil = s.AltCreateUntil
	o.AltWithdrawUntil = s.AltWithdrawUntil
	o.TonWithdrawUntil = s.TonWithdrawUntil
}

// altParties returns the (source, destination) foreign addresses of the
// lock: the source locks, the destination claims with the secret.
func (o *Order) altParties() (string, string) {
	if o.Snapshot.Direct {
		return o.Snapshot.ConfirmatorSourceAddress, o.Snapshot.InitiatorTargetAddress
	}
	return o.Snapshot.InitiatorSourceAddress, o.Snapshot.ConfirmatorTargetAddress
}

// sameHex compares two hex values numerically. Ledger addresses may carry a
// workchain prefix ("0:...") and contract values come back zero-padded, so
// string equality is not usable.
func sameHex(a, b string) bool {
	return addrValue(a).Cmp(addrValue(b)) == 0
}

func addrValue(s string) *big.Int {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	return helpers.HexToBigInt(s)
}
