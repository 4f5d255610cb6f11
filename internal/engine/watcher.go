package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/tonswap-exchange/tonswapd/internal/htlc"
	"github.com/tonswap-exchange/tonswapd/internal/orderbook"
	"github.com/tonswap-exchange/tonswapd/internal/timing"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

// Ledger is the order-book surface the state machine drives.
// *orderbook.Client satisfies it.
type Ledger interface {
	GetOrder(ctx context.Context, swapID int, direct bool, initiator string) (*orderbook.Order, error)
	CalcForeignOutput(ctx context.Context, value, exchangeRate *big.Int) (*big.Int, error)
	FinishWithSecret(ctx context.Context, order *orderbook.Order, secret string) (string, error)
	FinishWithTimeout(ctx context.Context, order *orderbook.Order) (string, error)
}

// watcher drives one order through its lifecycle. It owns the Order value;
// nothing else mutates it while the watcher runs.
type watcher struct {
	order  *Order
	ledger Ledger
	locks  map[string]htlc.LockProtocol
	save   func(*Order) error
	now    func() int64

	// Freshly created Bitcoin funding transactions are polled for
	// mempool visibility before the order moves on.
	lockPollInterval time.Duration
	lockPollAttempts int

	tick time.Duration
	log  *logging.Logger
}

// run steps the order until it reaches a terminal state or the context is
// cancelled. A step that changed the order is saved and re-dispatched
// immediately; otherwise the watcher sleeps one tick.
func (w *watcher) run(ctx context.Context) {
	for w.order.Active() {
		changed := w.step(ctx)
		if ctx.Err() != nil {
			return
		}
		if changed {
			if err := w.save(w.order); err != nil {
				w.log.Error("Failed to persist order", "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.tick):
		}
	}
	w.log.Info("Order settled", "status", w.order.Status)
}

// step runs the handler for the current state and reports whether the order
// changed. The handler table depends on the role: the secret holder claims
// the foreign lock, the other side creates it and waits for the reveal.
func (w *watcher) step(ctx context.Context) bool {
	o := w.order
	switch o.Status {
	case StatusInitiated:
		return w.checkCreated(ctx)
	case StatusCreated, StatusConfirming:
		return w.checkConfirm(ctx)
	case StatusConfirmed:
		if o.HoldsSecret() {
			return w.claimAlt(ctx)
		}
		return w.createAlt(ctx)
	case StatusWaitSecret:
		return w.waitForSecret(ctx)
	case StatusWithdrawTon:
		return w.finishWithSecret(ctx)
	case StatusWithdrawAlt:
		return w.refundAlt(ctx)
	case StatusReturn:
		return w.finishWithTimeout(ctx)
	default:
		w.log.Error("Order in unknown state", "status", o.Status)
		o.Status = StatusFailed
		return true
	}
}

// checkCreated waits for our freshly submitted order to appear on the
// ledger. An order that stays invisible past the creation timeout is
// abandoned.
func (w *watcher) checkCreated(ctx context.Context) bool {
	o := w.order
	if timing.CreationExpired(w.now(), o.Created) {
		w.log.Warn("Order never appeared on the ledger", "txid", o.TonCreateTxID)
		o.Status = StatusFailed
		return true
	}

	ord, err := w.ledger.GetOrder(ctx, o.SwapID, o.Direct, o.LedgerID)
	if err != nil {
		w.log.Warn("Order lookup failed", "error", err)
		return false
	}
	if ord == nil {
		return false
	}

	o.Snapshot = ord
	o.Status = StatusCreated
	return true
}

// checkConfirm waits for the order to be confirmed on the ledger. For the
// confirmator this also verifies the confirmation is actually ours: another
// party may have confirmed the same order first.
func (w *watcher) checkConfirm(ctx context.Context) bool {
	o := w.order

	ord, err := w.ledger.GetOrder(ctx, o.SwapID, o.Direct, o.LedgerID)
	if err != nil {
		w.log.Warn("Order lookup failed", "error", err)
		return false
	}
	if ord == nil {
		// Gone from the ledger before confirmation: closed by the
		// initiator, or never ours to confirm.
		if o.Confirm {
			o.Status = StatusFailed
		} else {
			o.Status = StatusClosed
		}
		return true
	}
	if !ord.Confirmed {
		return false
	}

	if o.Confirm && !w.confirmedByUs(ord) {
		w.log.Warn("Order was confirmed by another party")
		o.Status = StatusFailed
		return true
	}

	o.Snapshot = ord
	o.setSchedule(timing.NewSchedule(ord.ConfirmTime, ord.TimeLockSlot))
	o.Status = StatusConfirmed
	w.log.Info("Order confirmed",
		"altCreateUntil", o.AltCreateUntil,
		"altWithdrawUntil", o.AltWithdrawUntil,
		"tonWithdrawUntil", o.TonWithdrawUntil)
	return true
}

// confirmedByUs checks the confirmation against our own foreign identity.
// The ledger record carries the confirmator's foreign address on the side
// the foreign asset moves: the source on a direct order, the target on a
// reversed one.
func (w *watcher) confirmedByUs(ord *orderbook.Order) bool {
	if ord.Direct {
		return sameHex(ord.ConfirmatorSourceAddress, w.order.AltAddress)
	}
	return sameHex(ord.ConfirmatorTargetAddress, w.order.AltAddress)
}

// claimAlt claims the counterparty's foreign lock with our secret. Runs on
// the secret-holder side once the order is confirmed.
func (w *watcher) claimAlt(ctx context.Context) bool {
	o := w.order
	if !o.Schedule().CanWithdrawAlt(w.now()) {
		w.log.Warn("Claim window closed, falling back to native timeout")
		o.Status = StatusReturn
		return true
	}

	altValue, err := w.altValue(ctx)
	if err != nil {
		w.log.Error("Foreign output unavailable", "error", err)
		o.Status = StatusReturn
		return true
	}

	adapter, err := w.adapter()
	if err != nil {
		w.log.Error("No lock adapter", "error", err)
		o.Status = StatusFailed
		return true
	}

	params := w.lockParams(altValue)
	lock, err := adapter.GetLock(ctx, params)
	if err != nil {
		w.log.Warn("Lock lookup failed", "error", err)
		return false
	}
	if lock == nil {
		return false
	}
	if !w.lockAcceptable(lock, params, adapter) {
		return false
	}

	txID, err := adapter.Claim(ctx, params, o.Secret)
	if err != nil {
		w.log.Error("Claim failed", "error", err)
		return false
	}

	w.log.Info("Foreign lock claimed", "txid", txID)
	o.AltFinishTxID = txID
	o.AltFinishTxTm = w.now()
	o.Status = StatusReturn
	return true
}

// lockAcceptable checks the counterparty's lock against the order before a
// claim reveals the secret on chain.
func (w *watcher) lockAcceptable(lock *htlc.Lock, params *htlc.LockParams, adapter htlc.LockProtocol) bool {
	o := w.order
	if lock.Balance == nil || lock.Balance.Cmp(params.Value) != 0 {
		w.log.Warn("Lock value mismatch", "have", lock.Balance, "want", params.Value)
		return false
	}

	if adapter.LockValidity() == 0 {
		// The claim deadline is compiled into the lock itself.
		return true
	}

	if lock.TargetWallet != "" && !sameHex(lock.TargetWallet, params.Destination) {
		w.log.Warn("Lock target mismatch",
			"have", lock.TargetWallet, "want", params.Destination)
		return false
	}
	if !sameHex(lock.SecretHash, params.SecretHash) {
		w.log.Warn("Lock secret hash mismatch",
			"have", lock.SecretHash, "want", params.SecretHash)
		return false
	}
	if !timing.LockClaimable(w.now(), lock.CreatedAt, adapter.LockValidity(), o.AltWithdrawUntil) {
		w.log.Warn("Lock validity window unsafe, waiting for a fresh lock",
			"createdAt", lock.CreatedAt)
		return false
	}
	return true
}

// createAlt creates our foreign lock for the counterparty to claim. Runs on
// the non-secret-holder side once the order is confirmed.
func (w *watcher) createAlt(ctx context.Context) bool {
	o := w.order
	if !o.Schedule().CanCreateAlt(w.now()) {
		w.log.Warn("Lock creation window closed")
		o.Status = StatusFailed
		return true
	}

	altValue, err := w.altValue(ctx)
	if err != nil {
		w.log.Error("Foreign output unavailable", "error", err)
		o.Status = StatusFailed
		return true
	}

	adapter, err := w.adapter()
	if err != nil {
		w.log.Error("No lock adapter", "error", err)
		o.Status = StatusFailed
		return true
	}

	// Token locks need a spend allowance first. The approve txid is
	// persisted before the create runs, so a restart never re-approves.
	if approver, ok := adapter.(htlc.Approver); ok {
		if o.AltApproveTxID == "" {
			txID, err := approver.Approve(ctx, altValue)
			if err != nil {
				w.log.Error("Token approve failed", "error", err)
				return false
			}
			w.log.Info("Token spend approved", "txid", txID)
			o.AltApproveTxID = txID
			o.AltApproveTxTm = w.now()
			return true
		}

		ok, err := approver.CheckAllowance(ctx, altValue)
		if err != nil {
			w.log.Warn("Allowance check failed", "error", err)
			return false
		}
		if !ok {
			return false
		}
	}

	params := w.lockParams(altValue)
	txID, err := adapter.CreateLock(ctx, params)
	if err != nil {
		w.log.Error("Lock creation failed", "error", err)
		return false
	}

	w.log.Info("Foreign lock created", "txid", txID, "value", altValue)
	o.AltTxID = txID
	o.AltTxTm = w.now()

	if adapter.LockValidity() == 0 {
		// Script-based locks are funded by a plain transaction that may
		// be dropped; make sure it reached the network before relying
		// on it.
		w.awaitTxVisible(ctx, adapter, txID)
	}

	o.Status = StatusWaitSecret
	return true
}

func (w *watcher) awaitTxVisible(ctx context.Context, adapter htlc.LockProtocol, txID string) {
	for i := 0; i < w.lockPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.lockPollInterval):
		}

		visible, err := adapter.ConfirmTx(ctx, txID)
		if err != nil {
			w.log.Warn("Lock visibility check failed", "txid", txID, "error", err)
			continue
		}
		if visible {
			w.log.Info("Lock transaction visible", "txid", txID)
			return
		}
	}
	w.log.Warn("Lock transaction still not visible", "txid", txID)
}

// waitForSecret watches our own lock for the counterparty's claim, which
// reveals the secret we need to finish the native leg.
func (w *watcher) waitForSecret(ctx context.Context) bool {
	o := w.order
	if o.Schedule().SecretWaitLapsed(w.now()) {
		w.log.Warn("Counterparty never claimed, refunding the lock")
		o.Status = StatusWithdrawAlt
		return true
	}

	secret, changed := w.checkRevealed(ctx)
	if !changed {
		return false
	}
	o.Secret = secret
	o.Status = StatusWithdrawTon
	return true
}

func (w *watcher) checkRevealed(ctx context.Context) (string, bool) {
	adapter, err := w.adapter()
	if err != nil {
		w.log.Error("No lock adapter", "error", err)
		return "", false
	}

	altValue, err := w.altValue(ctx)
	if err != nil {
		w.log.Warn("Foreign output unavailable", "error", err)
		return "", false
	}

	secret, err := adapter.RevealedSecret(ctx, w.lockParams(altValue))
	if err != nil {
		w.log.Warn("Secret lookup failed", "error", err)
		return "", false
	}
	if !htlc.SecretRevealed(secret) {
		return "", false
	}

	w.log.Info("Secret revealed by counterparty claim")
	return strings.ToLower(secret), true
}

// refundAlt reclaims our own foreign lock after the counterparty's claim
// window lapsed. The claim may still have landed late, in which case the
// revealed secret is picked up and the native leg settles normally.
func (w *watcher) refundAlt(ctx context.Context) bool {
	o := w.order
	altValue, err := w.altValue(ctx)
	if err != nil {
		w.log.Error("Foreign output unavailable", "error", err)
		o.Status = StatusFailed
		return true
	}

	adapter, err := w.adapter()
	if err != nil {
		w.log.Error("No lock adapter", "error", err)
		o.Status = StatusFailed
		return true
	}
	params := w.lockParams(altValue)

	if o.AltFinishTxID == "" {
		txID, err := adapter.Refund(ctx, params)
		if err != nil {
			w.log.Error("Refund failed", "error", err)
			return false
		}
		w.log.Info("Foreign lock refunded", "txid", txID)
		o.AltFinishTxID = txID
		o.AltFinishTxTm = w.now()
		return true
	}

	// Refund submitted. Either it drained the lock (swap failed) or a
	// late claim beat it, revealing the secret.
	if secret, ok := w.checkRevealed(ctx); ok {
		o.Secret = secret
		o.Status = StatusWithdrawTon
		return true
	}

	lock, err := adapter.GetLock(ctx, params)
	if err != nil {
		w.log.Warn("Lock lookup failed", "error", err)
		return false
	}
	if lock == nil || lock.Balance == nil || lock.Balance.Sign() == 0 {
		w.log.Info("Lock drained, swap closed without exchange")
		o.Status = StatusFailed
		return true
	}
	return false
}

// finishWithSecret settles the native leg with the known secret. The finish
// transaction is resubmitted on a cooldown until the order leaves the
// ledger.
func (w *watcher) finishWithSecret(ctx context.Context) bool {
	o := w.order
	if timing.RetryDue(w.now(), o.TonFinishTxTm) {
		txID, err := w.ledger.FinishWithSecret(ctx, o.Snapshot, o.Secret)
		if err != nil {
			w.log.Error("Native finish failed", "error", err)
			return false
		}
		w.log.Info("Native leg finished with secret", "txid", txID)
		o.TonFinishTxID = txID
		o.TonFinishTxTm = w.now()
		return true
	}
	return w.checkLedgerClosed(ctx)
}

// finishWithTimeout reclaims the native leg after the final deadline. Runs
// on the secret-holder side whether or not the foreign claim succeeded.
func (w *watcher) finishWithTimeout(ctx context.Context) bool {
	o := w.order
	if o.Schedule().NativeTimeoutReached(w.now()) && timing.RetryDue(w.now(), o.TonFinishTxTm) {
		txID, err := w.ledger.FinishWithTimeout(ctx, o.Snapshot)
		if err != nil {
			w.log.Error("Native timeout finish failed", "error", err)
			return false
		}
		w.log.Info("Native leg finished by timeout", "txid", txID)
		o.TonFinishTxID = txID
		o.TonFinishTxTm = w.now()
		return true
	}
	return w.checkLedgerClosed(ctx)
}

// checkLedgerClosed closes the order once it disappears from the ledger.
func (w *watcher) checkLedgerClosed(ctx context.Context) bool {
	o := w.order
	ord, err := w.ledger.GetOrder(ctx, o.SwapID, o.Direct, o.LedgerID)
	if err != nil {
		w.log.Warn("Order lookup failed", "error", err)
		return false
	}
	if ord != nil {
		return false
	}
	o.Status = StatusClosed
	return true
}

// altValue is the foreign amount the lock must carry, as the ledger
// contract computes it from the order value and exchange rate.
func (w *watcher) altValue(ctx context.Context) (*big.Int, error) {
	snap := w.order.Snapshot
	if snap == nil {
		return nil, fmt.Errorf("order has no ledger snapshot")
	}
	return w.ledger.CalcForeignOutput(ctx, snap.Value, snap.ExchangeRate)
}

func (w *watcher) adapter() (htlc.LockProtocol, error) {
	token := w.order.AltToken()
	adapter, ok := w.locks[token]
	if !ok {
		return nil, fmt.Errorf("no lock adapter for %q", token)
	}
	return adapter, nil
}

func (w *watcher) lockParams(altValue *big.Int) *htlc.LockParams {
	o := w.order
	source, destination := o.altParties()
	return &htlc.LockParams{
		SecretHash:  o.Snapshot.SecretHash,
		Source:      source,
		Destination: destination,
		Value:       altValue,
		LockTime:    o.AltWithdrawUntil,
	}
}
