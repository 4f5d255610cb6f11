// Package timing derives and checks the deadline schedule of a swap.
//
// All instants are unix seconds, matching the order-book ledger. The three
// deadlines split the swap into equal slots: the confirmator must lock the
// foreign asset before the first, the initiator must claim it before the
// second, and the native leg settles before the third.
package timing

import "time"

// Safety margins around the hard deadlines.
const (
	// CreateMargin is how long before altCreateUntil a foreign lock may
	// still be created. Past this, the counterparty could refund before
	// our claim confirms.
	CreateMargin = 15 * time.Minute

	// WithdrawMargin is how long before altWithdrawUntil a foreign claim
	// may still be attempted.
	WithdrawMargin = 15 * time.Minute

	// LockClaimMargin is the minimum remaining validity an EVM lock must
	// have for a claim to be attempted.
	LockClaimMargin = 20 * time.Minute

	// CreationTimeout is how long a freshly submitted order may stay
	// unobserved on the ledger before it is abandoned.
	CreationTimeout = 10 * time.Minute

	// FinishRetry is the cooldown between resubmissions of a native-leg
	// finish transaction.
	FinishRetry = 10 * time.Minute

	// Grace is the settle-down delay applied after a deadline passes
	// before acting on it.
	Grace = time.Minute
)

// Schedule holds the derived deadline set of a confirmed order.
type Schedule struct {
	ConfirmedAt      int64
	AltCreateUntil   int64
	AltWithdrawUntil int64
	TonWithdrawUntil int64
}

// NewSchedule derives the deadlines from the ledger confirm time and the
// order's time-lock slot (both in seconds).
func NewSchedule(confirmedAt, slot int64) Schedule {
	return Schedule{
		ConfirmedAt:      confirmedAt,
		AltCreateUntil:   confirmedAt + slot,
		AltWithdrawUntil: confirmedAt + 2*slot,
		TonWithdrawUntil: confirmedAt + 3*slot,
	}
}

// CanCreateAlt reports whether a foreign lock may still be created.
func (s Schedule) CanCreateAlt(now int64) bool {
	return now <= s.AltCreateUntil-seconds(CreateMargin)
}

// CanWithdrawAlt reports whether a foreign claim may still be attempted.
func (s Schedule) CanWithdrawAlt(now int64) bool {
	return now <= s.AltWithdrawUntil-seconds(WithdrawMargin)
}

// SecretWaitLapsed reports whether the counterparty's claim window has
// closed, so the foreign lock can be refunded.
func (s Schedule) SecretWaitLapsed(now int64) bool {
	return now > s.AltWithdrawUntil+seconds(Grace)
}

// NativeTimeoutReached reports whether the native leg may be finished by
// timeout.
func (s Schedule) NativeTimeoutReached(now int64) bool {
	return now > s.TonWithdrawUntil+seconds(Grace)
}

// LockClaimable reports whether an EVM lock created at createdAt with the
// given validity window is still safe to claim: enough validity remains for
// the claim to confirm, and the lock does not expire before the claim
// deadline it is supposed to cover.
func LockClaimable(now, createdAt int64, validity time.Duration, altWithdrawUntil int64) bool {
	expiry := createdAt + seconds(validity)
	if now > expiry-seconds(LockClaimMargin) {
		return false
	}
	if expiry < altWithdrawUntil {
		return false
	}
	return true
}

// CreationExpired reports whether an order submitted at created has been
// missing from the ledger for longer than the creation timeout.
func CreationExpired(now, created int64) bool {
	return now > created+seconds(CreationTimeout)
}

// RetryDue reports whether a finish transaction last sent at lastSent may
// be resubmitted. A zero lastSent means nothing was sent yet.
func RetryDue(now, lastSent int64) bool {
	return lastSent == 0 || now > lastSent+seconds(FinishRetry)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
