package engine

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/tonswap-exchange/tonswapd/internal/htlc"
	"github.com/tonswap-exchange/tonswapd/internal/orderbook"
	"github.com/tonswap-exchange/tonswapd/internal/timing"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

const baseTime = int64(1_700_000_000)

type fakeLedger struct {
	order   *orderbook.Order
	foreign *big.Int

	finishSecretCalls  int
	finishTimeoutCalls int
	lastSecret         string

	createDirectCalls    int
	createReversedCalls  int
	confirmDirectCalls   int
	confirmReversedCalls int
	lastSecretHash       string
	lastAltAddress       string
}

func (f *fakeLedger) GetOrder(ctx context.Context, swapID int, direct bool, initiator string) (*orderbook.Order, error) {
	return f.order, nil
}

func (f *fakeLedger) CalcForeignOutput(ctx context.Context, value, exchangeRate *big.Int) (*big.Int, error) {
	return f.foreign, nil
}

func (f *fakeLedger) FinishWithSecret(ctx context.Context, order *orderbook.Order, secret string) (string, error) {
	f.finishSecretCalls++
	f.lastSecret = secret
	return "finish-secret-tx", nil
}

func (f *fakeLedger) FinishWithTimeout(ctx context.Context, order *orderbook.Order) (string, error) {
	f.finishTimeoutCalls++
	return "finish-timeout-tx", nil
}

func (f *fakeLedger) CreateDirectOrder(ctx context.Context, swapID int, value, minValue, exchangeRate *big.Int, timeLockSlot int64, secretHash, targetAddress string) (string, error) {
	f.createDirectCalls++
	f.lastSecretHash = secretHash
	f.lastAltAddress = targetAddress
	return "create-direct-tx", nil
}

func (f *fakeLedger) CreateReversedOrder(ctx context.Context, swapID int, value, minValue, exchangeRate *big.Int, timeLockSlot int64, sourceAddress string) (string, error) {
	f.createReversedCalls++
	f.lastAltAddress = sourceAddress
	return "create-reversed-tx", nil
}

func (f *fakeLedger) ConfirmDirectOrder(ctx context.Context, order *orderbook.Order, value *big.Int, sourceAddress string) (string, error) {
	f.confirmDirectCalls++
	f.lastAltAddress = sourceAddress
	return "confirm-direct-tx", nil
}

func (f *fakeLedger) ConfirmReversedOrder(ctx context.Context, order *orderbook.Order, value *big.Int, targetAddress, secretHash string) (string, error) {
	f.confirmReversedCalls++
	f.lastAltAddress = targetAddress
	f.lastSecretHash = secretHash
	return "confirm-reversed-tx", nil
}

type fakeLock struct {
	lock     *htlc.Lock
	revealed string
	validity time.Duration

	createCalls int
	claimCalls  int
	refundCalls int
	lastSecret  string
}

func (f *fakeLock) OwnAddress() string { return "0x02" + strings.Repeat("aa", 32) }

func (f *fakeLock) CreateLock(ctx context.Context, params *htlc.LockParams) (string, error) {
	f.createCalls++
	return "create-lock-tx", nil
}

func (f *fakeLock) GetLock(ctx context.Context, params *htlc.LockParams) (*htlc.Lock, error) {
	return f.lock, nil
}

func (f *fakeLock) Claim(ctx context.Context, params *htlc.LockParams, secret string) (string, error) {
	f.claimCalls++
	f.lastSecret = secret
	return "claim-tx", nil
}

func (f *fakeLock) Refund(ctx context.Context, params *htlc.LockParams) (string, error) {
	f.refundCalls++
	return "refund-tx", nil
}

func (f *fakeLock) RevealedSecret(ctx context.Context, params *htlc.LockParams) (string, error) {
	return f.revealed, nil
}

func (f *fakeLock) ConfirmTx(ctx context.Context, txID string) (bool, error) {
	return true, nil
}

func (f *fakeLock) LockValidity() time.Duration { return f.validity }

type fakeApprover struct {
	fakeLock
	approveCalls int
	allowance    bool
}

func (f *fakeApprover) Approve(ctx context.Context, value *big.Int) (string, error) {
	f.approveCalls++
	return "approve-tx", nil
}

func (f *fakeApprover) CheckAllowance(ctx context.Context, value *big.Int) (bool, error) {
	return f.allowance, nil
}

type fakeStore struct {
	orders map[string][]byte
	index  map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[string][]byte),
		index:  make(map[string][]string),
	}
}

func (f *fakeStore) PutOrder(id string, data []byte) error {
	f.orders[id] = data
	return nil
}

func (f *fakeStore) GetOrder(id string) ([]byte, error) {
	return f.orders[id], nil
}

func (f *fakeStore) AppendOrderIndex(address, id string) error {
	f.index[address] = append(f.index[address], id)
	return nil
}

func (f *fakeStore) OrderIndex(address string) ([]string, error) {
	return f.index[address], nil
}

// confirmedOrder builds an order that just passed confirmation, with a
// 20-minute deadline slot starting 100 seconds before baseTime.
func confirmedOrder(direct, confirm bool) *Order {
	snap := &orderbook.Order{
		ID:           "0:" + strings.Repeat("11", 32),
		SwapID:       1,
		Direct:       direct,
		FromToken:    orderbook.TokenTON,
		ToToken:      orderbook.TokenETH,
		Value:        big.NewInt(1_000_000),
		ExchangeRate: big.NewInt(5),
		TimeLockSlot: 1200,
		Confirmed:    true,
		ConfirmTime:  baseTime - 100,
		SecretHash:   "0x" + strings.Repeat("ab", 32),
	}
	// Each fetch direction carries exactly two foreign addresses: the
	// initiator's and the confirmator's on the side the foreign asset
	// moves. The others stay empty, as in the real client.
	if direct {
		snap.InitiatorTargetAddress = "0x" + strings.Repeat("00", 12) + strings.Repeat("33", 20)
		snap.ConfirmatorSourceAddress = "0x" + strings.Repeat("00", 12) + strings.Repeat("44", 20)
	} else {
		snap.FromToken, snap.ToToken = snap.ToToken, snap.FromToken
		snap.InitiatorSourceAddress = "0x" + strings.Repeat("00", 12) + strings.Repeat("55", 20)
		snap.ConfirmatorTargetAddress = "0x" + strings.Repeat("00", 12) + strings.Repeat("66", 20)
	}

	o := &Order{
		StorageID: "test-order",
		LedgerID:  snap.ID,
		SwapID:    snap.SwapID,
		Direct:    direct,
		Confirm:   confirm,
		Address:   "0:" + strings.Repeat("22", 32),
		Secret:    "0x0",
		Status:    StatusConfirmed,
		Created:   baseTime - 300,
		Snapshot:  snap,
	}
	if o.HoldsSecret() {
		o.Secret = "0x" + strings.Repeat("cd", 32)
	}
	if confirm {
		if direct {
			o.AltAddress = "0x" + strings.Repeat("44", 20)
		} else {
			o.AltAddress = "0x" + strings.Repeat("66", 20)
		}
	} else {
		if direct {
			o.AltAddress = "0x" + strings.Repeat("33", 20)
		} else {
			o.AltAddress = "0x" + strings.Repeat("55", 20)
		}
	}
	o.setSchedule(timing.NewSchedule(snap.ConfirmTime, snap.TimeLockSlot))
	return o
}

func testWatcher(o *Order, ledger *fakeLedger, lock htlc.LockProtocol) *watcher {
	return &watcher{
		order:            o,
		ledger:           ledger,
		locks:            map[string]htlc.LockProtocol{orderbook.TokenETH: lock},
		save:             func(*Order) error { return nil },
		now:              func() int64 { return baseTime },
		lockPollInterval: time.Millisecond,
		lockPollAttempts: 1,
		tick:             time.Millisecond,
		log:              logging.Component("test"),
	}
}

func TestCheckCreatedFindsOrder(t *testing.T) {
	o := confirmedOrder(true, false)
	o.Status = StatusInitiated
	o.Snapshot = nil
	ledger := &fakeLedger{order: &orderbook.Order{ID: o.LedgerID, SwapID: 1, Direct: true}}

	w := testWatcher(o, ledger, &fakeLock{})
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusCreated {
		t.Errorf("status = %s, want created", o.Status)
	}
	if o.Snapshot == nil {
		t.Error("snapshot not recorded")
	}
}

func TestCheckCreatedWaits(t *testing.T) {
	o := confirmedOrder(true, false)
	o.Status = StatusInitiated
	ledger := &fakeLedger{order: nil}

	w := testWatcher(o, ledger, &fakeLock{})
	if w.step(context.Background()) {
		t.Error("expected no change while the order is invisible")
	}
	if o.Status != StatusInitiated {
		t.Errorf("status = %s", o.Status)
	}
}

func TestCheckCreatedTimesOut(t *testing.T) {
	o := confirmedOrder(true, false)
	o.Status = StatusInitiated
	o.Created = baseTime - 700 // past the 10-minute creation timeout

	w := testWatcher(o, &fakeLedger{}, &fakeLock{})
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}
}

func TestCheckConfirmDerivesSchedule(t *testing.T) {
	o := confirmedOrder(true, false)
	snap := o.Snapshot
	o.Status = StatusCreated
	o.ConfirmedAt, o.AltCreateUntil, o.AltWithdrawUntil, o.TonWithdrawUntil = 0, 0, 0, 0

	w := testWatcher(o, &fakeLedger{order: snap}, &fakeLock{})
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", o.Status)
	}
	if o.AltCreateUntil != snap.ConfirmTime+1200 {
		t.Errorf("altCreateUntil = %d", o.AltCreateUntil)
	}
	if o.TonWithdrawUntil != snap.ConfirmTime+3600 {
		t.Errorf("tonWithdrawUntil = %d", o.TonWithdrawUntil)
	}
}

func TestCheckConfirmRejectsForeignConfirmer(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusConfirming
	o.AltAddress = "0x" + strings.Repeat("77", 20) // not the confirmator on record

	w := testWatcher(o, &fakeLedger{order: o.Snapshot}, &fakeLock{})
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}
}

func TestCheckConfirmRightfulConfirmator(t *testing.T) {
	// The fetched record carries the confirmator's foreign address only
	// on the side the foreign asset moves: the source on a direct order,
	// the target on a reversed one. The other confirmator fields are
	// empty, and the match must hold against our unpadded address.
	for _, direct := range []bool{true, false} {
		o := confirmedOrder(direct, true)
		o.Status = StatusConfirming

		w := testWatcher(o, &fakeLedger{order: o.Snapshot}, &fakeLock{})
		if !w.step(context.Background()) {
			t.Fatalf("direct=%v: expected a state change", direct)
		}
		if o.Status != StatusConfirmed {
			t.Errorf("direct=%v: status = %s, want confirmed", direct, o.Status)
		}
	}
}

func TestCheckConfirmOrderGone(t *testing.T) {
	for _, tt := range []struct {
		confirm bool
		want    Status
	}{
		{confirm: false, want: StatusClosed},
		{confirm: true, want: StatusFailed},
	} {
		o := confirmedOrder(true, tt.confirm)
		o.Status = StatusCreated
		if tt.confirm {
			o.Status = StatusConfirming
		}

		w := testWatcher(o, &fakeLedger{order: nil}, &fakeLock{})
		if !w.step(context.Background()) {
			t.Fatal("expected a state change")
		}
		if o.Status != tt.want {
			t.Errorf("confirm=%v: status = %s, want %s", tt.confirm, o.Status, tt.want)
		}
	}
}

func TestClaimAlt(t *testing.T) {
	o := confirmedOrder(true, false) // direct initiator holds the secret
	foreign := big.NewInt(5_000_000)
	lock := &fakeLock{
		validity: time.Hour,
		lock: &htlc.Lock{
			SecretHash:   o.Snapshot.SecretHash,
			TargetWallet: o.Snapshot.InitiatorTargetAddress,
			Balance:      foreign,
			CreatedAt:    baseTime - 100,
		},
	}

	w := testWatcher(o, &fakeLedger{foreign: foreign}, lock)
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if lock.claimCalls != 1 {
		t.Fatalf("claim calls = %d", lock.claimCalls)
	}
	if lock.lastSecret != o.Secret {
		t.Errorf("claimed with secret %s", lock.lastSecret)
	}
	if o.Status != StatusReturn {
		t.Errorf("status = %s, want return", o.Status)
	}
	if o.AltFinishTxID == "" {
		t.Error("claim txid not recorded")
	}
}

func TestClaimAltRejectsWrongValue(t *testing.T) {
	o := confirmedOrder(true, false)
	lock := &fakeLock{
		validity: time.Hour,
		lock: &htlc.Lock{
			SecretHash:   o.Snapshot.SecretHash,
			TargetWallet: o.Snapshot.InitiatorTargetAddress,
			Balance:      big.NewInt(1), // short-changed
			CreatedAt:    baseTime - 100,
		},
	}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(5_000_000)}, lock)
	if w.step(context.Background()) {
		t.Error("expected no change for an underfunded lock")
	}
	if lock.claimCalls != 0 {
		t.Error("claimed an underfunded lock")
	}
}

func TestClaimAltRejectsExpiringLock(t *testing.T) {
	o := confirmedOrder(true, false)
	foreign := big.NewInt(5_000_000)
	lock := &fakeLock{
		validity: time.Hour,
		lock: &htlc.Lock{
			SecretHash:   o.Snapshot.SecretHash,
			TargetWallet: o.Snapshot.InitiatorTargetAddress,
			Balance:      foreign,
			CreatedAt:    baseTime - 3000, // expires before the claim could confirm
		},
	}

	w := testWatcher(o, &fakeLedger{foreign: foreign}, lock)
	if w.step(context.Background()) {
		t.Error("expected no change for a nearly expired lock")
	}
	if lock.claimCalls != 0 {
		t.Error("claimed a nearly expired lock")
	}
}

func TestClaimAltWindowClosed(t *testing.T) {
	o := confirmedOrder(true, false)
	o.AltWithdrawUntil = baseTime + 100 // inside the withdraw margin
	lock := &fakeLock{validity: time.Hour}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, lock)
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusReturn {
		t.Errorf("status = %s, want return", o.Status)
	}
	if lock.claimCalls != 0 {
		t.Error("claim attempted past the window")
	}
}

func TestCreateAlt(t *testing.T) {
	o := confirmedOrder(true, true) // direct confirmator creates the lock
	lock := &fakeLock{validity: time.Hour}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(5_000_000)}, lock)
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if lock.createCalls != 1 {
		t.Fatalf("create calls = %d", lock.createCalls)
	}
	if o.Status != StatusWaitSecret {
		t.Errorf("status = %s, want waitsecret", o.Status)
	}
	if o.AltTxID == "" {
		t.Error("lock txid not recorded")
	}
}

func TestCreateAltApprovesFirst(t *testing.T) {
	o := confirmedOrder(true, true)
	lock := &fakeApprover{fakeLock: fakeLock{validity: time.Hour}}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(5_000_000)}, lock)

	// First step only sends the approve and persists its txid.
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if lock.approveCalls != 1 {
		t.Fatalf("approve calls = %d", lock.approveCalls)
	}
	if lock.createCalls != 0 {
		t.Fatal("lock created before allowance settled")
	}
	if o.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", o.Status)
	}
	if o.AltApproveTxID == "" {
		t.Fatal("approve txid not recorded")
	}

	// Allowance not visible yet: hold.
	if w.step(context.Background()) {
		t.Fatal("expected no change before the allowance settles")
	}

	// Allowance settled: create without re-approving.
	lock.allowance = true
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if lock.approveCalls != 1 {
		t.Errorf("approve calls = %d, re-approved", lock.approveCalls)
	}
	if lock.createCalls != 1 {
		t.Errorf("create calls = %d", lock.createCalls)
	}
	if o.Status != StatusWaitSecret {
		t.Errorf("status = %s, want waitsecret", o.Status)
	}
}

func TestCreateAltWindowClosed(t *testing.T) {
	o := confirmedOrder(true, true)
	o.AltCreateUntil = baseTime + 100 // inside the create margin
	lock := &fakeLock{validity: time.Hour}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, lock)
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}
	if lock.createCalls != 0 {
		t.Error("lock created past the window")
	}
}

func TestWaitForSecret(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusWaitSecret
	secret := "0x" + strings.Repeat("EF", 32)
	lock := &fakeLock{validity: time.Hour, revealed: secret}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, lock)
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusWithdrawTon {
		t.Errorf("status = %s, want withdrawTon", o.Status)
	}
	if o.Secret != strings.ToLower(secret) {
		t.Errorf("secret = %s, not lowercased", o.Secret)
	}
}

func TestWaitForSecretIgnoresZero(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusWaitSecret
	lock := &fakeLock{validity: time.Hour, revealed: "0x" + strings.Repeat("00", 32)}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, lock)
	if w.step(context.Background()) {
		t.Error("an all-zero secret must not count as revealed")
	}
}

func TestWaitForSecretLapses(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusWaitSecret
	o.AltWithdrawUntil = baseTime - 120 // past deadline plus grace

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, &fakeLock{validity: time.Hour})
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusWithdrawAlt {
		t.Errorf("status = %s, want withdrawAlt", o.Status)
	}
}

func TestRefundAlt(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusWithdrawAlt
	lock := &fakeLock{validity: time.Hour}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, lock)

	// First step submits the refund and journals it.
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if lock.refundCalls != 1 {
		t.Fatalf("refund calls = %d", lock.refundCalls)
	}
	if o.AltFinishTxID == "" {
		t.Fatal("refund txid not recorded")
	}
	if o.Status != StatusWithdrawAlt {
		t.Fatalf("status = %s, refund must not settle the order", o.Status)
	}

	// Lock drained: the swap failed without an exchange.
	lock.lock = &htlc.Lock{Balance: big.NewInt(0)}
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusFailed {
		t.Errorf("status = %s, want failed", o.Status)
	}
}

func TestRefundAltPicksUpLateClaim(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusWithdrawAlt
	o.AltFinishTxID = "refund-tx"
	secret := "0x" + strings.Repeat("ef", 32)
	lock := &fakeLock{
		validity: time.Hour,
		revealed: secret,
		lock:     &htlc.Lock{Balance: big.NewInt(0)},
	}

	w := testWatcher(o, &fakeLedger{foreign: big.NewInt(1)}, lock)
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusWithdrawTon {
		t.Errorf("status = %s, want withdrawTon after a late claim", o.Status)
	}
	if o.Secret != secret {
		t.Errorf("secret = %s", o.Secret)
	}
}

func TestFinishWithSecret(t *testing.T) {
	o := confirmedOrder(true, true)
	o.Status = StatusWithdrawTon
	o.Secret = "0x" + strings.Repeat("ef", 32)
	ledger := &fakeLedger{order: o.Snapshot, foreign: big.NewInt(1)}

	w := testWatcher(o, ledger, &fakeLock{validity: time.Hour})
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if ledger.finishSecretCalls != 1 {
		t.Fatalf("finish calls = %d", ledger.finishSecretCalls)
	}
	if ledger.lastSecret != o.Secret {
		t.Errorf("finished with secret %s", ledger.lastSecret)
	}
	if o.TonFinishTxID == "" {
		t.Error("finish txid not recorded")
	}

	// Retry cooldown running, order still on the ledger: hold.
	if w.step(context.Background()) {
		t.Fatal("expected no change during the retry cooldown")
	}

	// Order left the ledger: settled.
	ledger.order = nil
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusClosed {
		t.Errorf("status = %s, want closed", o.Status)
	}
}

func TestFinishWithTimeout(t *testing.T) {
	o := confirmedOrder(true, false)
	o.Status = StatusReturn
	ledger := &fakeLedger{order: o.Snapshot, foreign: big.NewInt(1)}

	w := testWatcher(o, ledger, &fakeLock{validity: time.Hour})

	// Deadline not reached: nothing to do.
	if w.step(context.Background()) {
		t.Fatal("expected no change before the native timeout")
	}
	if ledger.finishTimeoutCalls != 0 {
		t.Fatal("finished before the timeout")
	}

	o.TonWithdrawUntil = baseTime - 120
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if ledger.finishTimeoutCalls != 1 {
		t.Fatalf("finish calls = %d", ledger.finishTimeoutCalls)
	}

	ledger.order = nil
	if !w.step(context.Background()) {
		t.Fatal("expected a state change")
	}
	if o.Status != StatusClosed {
		t.Errorf("status = %s, want closed", o.Status)
	}
}

func TestRegistryCreateOrderDirect(t *testing.T) {
	ledger := &fakeLedger{}
	store := newFakeStore()
	reg := NewRegistry(&Config{
		Book:    ledger,
		Store:   store,
		Locks:   map[string]htlc.LockProtocol{orderbook.TokenETH: &fakeLock{validity: time.Hour}},
		Address: "0:" + strings.Repeat("22", 32),
	})

	order, err := reg.CreateOrder(context.Background(), &CreateParams{
		FromToken:    orderbook.TokenTON,
		ToToken:      orderbook.TokenETH,
		Value:        big.NewInt(1_000_000),
		MinValue:     big.NewInt(100_000),
		ExchangeRate: big.NewInt(5),
		TimeLockSlot: 1200,
		AltAddress:   "0x" + strings.Repeat("33", 20),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if !order.Direct {
		t.Error("TON-offering order must be direct")
	}
	if order.Status != StatusInitiated {
		t.Errorf("status = %s", order.Status)
	}
	if order.Secret == "0x0" || len(order.Secret) != 66 {
		t.Errorf("direct initiator must hold a secret, got %q", order.Secret)
	}
	if ledger.createDirectCalls != 1 {
		t.Fatalf("create calls = %d", ledger.createDirectCalls)
	}
	if !htlc.VerifySecret(order.Secret, ledger.lastSecretHash) {
		t.Error("submitted hash does not match the generated secret")
	}
	if order.TonCreateTxID != "create-direct-tx" {
		t.Errorf("create txid = %s", order.TonCreateTxID)
	}
	if _, ok := store.orders[order.StorageID]; !ok {
		t.Error("order not persisted")
	}
	if len(store.index[order.Address]) != 1 {
		t.Error("order not indexed")
	}
}

func TestRegistryCreateOrderReversedNoSecret(t *testing.T) {
	ledger := &fakeLedger{}
	reg := NewRegistry(&Config{
		Book:    ledger,
		Store:   newFakeStore(),
		Locks:   map[string]htlc.LockProtocol{orderbook.TokenETH: &fakeLock{validity: time.Hour}},
		Address: "0:" + strings.Repeat("22", 32),
	})

	order, err := reg.CreateOrder(context.Background(), &CreateParams{
		FromToken:    orderbook.TokenETH,
		ToToken:      orderbook.TokenTON,
		Value:        big.NewInt(1_000_000),
		MinValue:     big.NewInt(100_000),
		ExchangeRate: big.NewInt(5),
		TimeLockSlot: 1200,
		AltAddress:   "0x" + strings.Repeat("55", 20),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.Direct {
		t.Error("ETH-offering order must be reversed")
	}
	if order.Secret != "0x0" {
		t.Errorf("reversed initiator must not hold a secret, got %q", order.Secret)
	}
	if ledger.createReversedCalls != 1 {
		t.Errorf("create calls = %d", ledger.createReversedCalls)
	}
}

func TestRegistryConfirmReversedGeneratesSecret(t *testing.T) {
	ledger := &fakeLedger{}
	reg := NewRegistry(&Config{
		Book:    ledger,
		Store:   newFakeStore(),
		Locks:   map[string]htlc.LockProtocol{orderbook.TokenETH: &fakeLock{validity: time.Hour}},
		Address: "0:" + strings.Repeat("22", 32),
	})

	snap := confirmedOrder(false, true).Snapshot
	snap.Confirmed = false
	ledger.order = snap // spawned watcher holds until the ledger confirms
	order, err := reg.ConfirmOrder(context.Background(), snap, big.NewInt(500_000),
		"0x"+strings.Repeat("66", 20))
	if err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}

	if !order.Confirm {
		t.Error("order not marked as confirmed by us")
	}
	if order.Status != StatusConfirming {
		t.Errorf("status = %s", order.Status)
	}
	if len(order.Secret) != 66 {
		t.Errorf("reversed confirmator must hold a secret, got %q", order.Secret)
	}
	if ledger.confirmReversedCalls != 1 {
		t.Fatalf("confirm calls = %d", ledger.confirmReversedCalls)
	}
	if !htlc.VerifySecret(order.Secret, ledger.lastSecretHash) {
		t.Error("submitted hash does not match the generated secret")
	}
}

func TestRegistryBitcoinIdentityIsPubKey(t *testing.T) {
	ledger := &fakeLedger{}
	btc := &fakeLock{} // validity zero, script-based
	reg := NewRegistry(&Config{
		Book:    ledger,
		Store:   newFakeStore(),
		Locks:   map[string]htlc.LockProtocol{orderbook.TokenBTC: btc},
		Address: "0:" + strings.Repeat("22", 32),
	})

	_, err := reg.CreateOrder(context.Background(), &CreateParams{
		FromToken:    orderbook.TokenTON,
		ToToken:      orderbook.TokenBTC,
		Value:        big.NewInt(1_000_000),
		MinValue:     big.NewInt(100_000),
		ExchangeRate: big.NewInt(5),
		TimeLockSlot: 1200,
		AltAddress:   "bc1qsomething", // must be ignored
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if ledger.lastAltAddress != btc.OwnAddress() {
		t.Errorf("alt address = %s, want the wallet public key", ledger.lastAltAddress)
	}
}

func TestRegistryRestoresOrders(t *testing.T) {
	store := newFakeStore()
	ledger := &fakeLedger{}
	address := "0:" + strings.Repeat("22", 32)

	reg := NewRegistry(&Config{
		Book:         ledger,
		Store:        store,
		Locks:        map[string]htlc.LockProtocol{orderbook.TokenETH: &fakeLock{validity: time.Hour}},
		Address:      address,
		PollInterval: time.Hour, // restored watchers must not step twice during the test
	})

	// Seed one settled and one active order directly in the store. The
	// active order's deadline is far out, so its watcher only polls.
	closed := confirmedOrder(true, false)
	closed.StorageID = "closed-order"
	closed.Status = StatusClosed
	active := confirmedOrder(true, false)
	active.StorageID = "active-order"
	active.Status = StatusReturn
	active.TonWithdrawUntil = time.Now().Unix() + 100_000
	ledger.order = active.Snapshot
	for _, o := range []*Order{closed, active} {
		if err := reg.persistErr(o); err != nil {
			t.Fatal(err)
		}
		if err := store.AppendOrderIndex(address, o.StorageID); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	reg.Wait()

	if len(reg.Orders()) != 2 {
		t.Fatalf("restored %d orders, want 2", len(reg.Orders()))
	}
	got := reg.Get("active-order")
	if got == nil || got.Status != StatusReturn {
		t.Errorf("active order not restored: %+v", got)
	}
}
