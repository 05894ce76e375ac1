// Package model defines the core domain types shared across the trade engine.
// All wallet balances are int64 minor units (cents), never float64 for money.
// Market prices use shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade direction: a bet on the price moving up or down over the duration.
const (
	DirectionHigh = "high"
	DirectionLow  = "low"
)

// Trade status values. Closed is terminal.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
)

// Trade result values.
const (
	ResultPending = "pending"
	ResultWin     = "win"
	ResultLoss    = "loss"
)

// Membership tiers, ascending stake ceilings.
const (
	TierBronze = "bronze"
	TierSilver = "silver"
	TierGold   = "gold"
)

// Transaction types.
const (
	TxnDeposit    = "deposit"
	TxnWithdrawal = "withdrawal"
)

// Transaction statuses. When several compliance outcomes apply to one
// withdrawal, the highest-precedence status wins (see StatusPrecedence).
const (
	StatusApproved       = "approved"
	StatusPartial        = "partial" // deposit clamped at the balance ceiling
	StatusPending        = "pending"
	StatusManualReview   = "manual_review"
	StatusOnHold         = "on_hold"
	StatusSecurityHold   = "security_hold"
	StatusComplianceHold = "compliance_hold"
	StatusRejected       = "rejected"
)

// Wallet is a per-user single-currency balance record. Balance mutations go
// through Store.DebitWallet / Store.CreditWallet only; the storage layer
// enforces the non-negative invariant atomically.
type Wallet struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AssetSymbol string    `json:"asset_symbol" db:"asset_symbol"` // always "USD"
	Balance     int64     `json:"balance" db:"balance"`           // minor units
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Trade is a single binary-option position. Created once on open, mutated
// exactly once on settlement; never deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Market        string          `json:"market" db:"market"` // market category, e.g. "crypto"
	Stake         int64           `json:"stake" db:"stake"`   // minor units
	Direction     string          `json:"direction" db:"direction"`
	Duration      string          `json:"duration" db:"duration"` // token, e.g. "5m", "1h"
	EntryPrice    decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice     decimal.Decimal `json:"exit_price" db:"exit_price"`
	PayoutPct     int64           `json:"payout_pct" db:"payout_pct"` // snapshot at open time
	Result        string          `json:"result" db:"result"`
	Status        string          `json:"status" db:"status"`
	SettledAmount int64           `json:"settled_amount" db:"settled_amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SettledAt     time.Time       `json:"settled_at" db:"settled_at"`
}

// Transaction records a deposit or withdrawal, including withdrawals parked
// in a held/review state (funds leave the spendable balance immediately).
type Transaction struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Type        string    `json:"type" db:"type"`
	Amount      int64     `json:"amount" db:"amount"` // minor units
	Destination string    `json:"destination,omitempty" db:"destination"`
	Status      string    `json:"status" db:"status"`
	Reason      string    `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// User holds the account attributes the engine needs: tier for stake
// ceilings, payout percentage snapshotted onto trades at open, KYC state for
// compliance, and the withdrawal credential hashes. TwoFAHash, when set,
// makes the 2FA code mandatory on withdrawals.
type User struct {
	ID              string `json:"id" db:"id"`
	Tier            string `json:"tier" db:"tier"`
	PayoutPct       int64  `json:"payout_pct" db:"payout_pct"`
	KYCVerified     bool   `json:"kyc_verified" db:"kyc_verified"`
	WithdrawPwdHash []byte `json:"-" db:"withdraw_pwd_hash"`
	TwoFAHash       []byte `json:"-" db:"twofa_hash"`
	Role            string `json:"role" db:"role"` // "user" or "admin"
}

// Notification is an in-app message delivered to a user (settlement results,
// security alerts).
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditLogEntry is an append-only operational record (settlements, admin
// overrides, audit gate bypasses).
type AuditLogEntry struct {
	ID        string    `json:"id" db:"id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Subject   string    `json:"subject" db:"subject"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StatusPrecedence ranks transaction statuses; higher wins when compliance
// checks produce several candidate outcomes for one withdrawal.
func StatusPrecedence(status string) int {
	switch status {
	case StatusRejected:
		return 5
	case StatusComplianceHold:
		return 4
	case StatusSecurityHold, StatusOnHold:
		return 3
	case StatusManualReview:
		return 2
	default: // pending / approved
		return 1
	}
}

// StrictestStatus returns the higher-precedence of the two statuses.
func StrictestStatus(a, b string) string {
	if StatusPrecedence(b) > StatusPrecedence(a) {
		return b
	}
	return a
}
