// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and non-persistent demo mode). Both must expose identical
// behavior: every wallet mutation is a single atomic operation with the
// underflow guard enforced inside the storage layer itself.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeup/trade-engine/internal/model"
)

// MaxBalance is the soft safety ceiling for wallet balances, well below
// int64 overflow. Credits that would exceed it are clamped and reported as
// partial.
const MaxBalance int64 = 1_000_000_000_000_000

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface shared by all backends.
type Store interface {
	// --- Users ---

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// UpsertUser inserts or replaces a user record.
	UpsertUser(ctx context.Context, u *model.User) error

	// --- Wallets ---

	// EnsureWallet returns the user's wallet, creating it with a zero
	// balance on first use. Idempotent.
	EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// GetWalletByUser retrieves the wallet for a user.
	GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error)

	// DebitWallet atomically subtracts amount if the resulting balance stays
	// non-negative. Returns false (and changes nothing) otherwise.
	DebitWallet(ctx context.Context, walletID string, amount int64) (bool, error)

	// CreditWallet atomically adds amount, clamped at MaxBalance. Returns
	// the amount actually credited (less than amount when clamped).
	CreditWallet(ctx context.Context, walletID string, amount int64) (int64, error)

	// --- Trades ---

	// InsertTrade persists a newly opened trade.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByUser returns all trades for a user, newest first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// SettleTrade closes an open trade exactly once: the update applies only
	// while status is still open. Returns whether it applied.
	SettleTrade(ctx context.Context, id, result string, exitPrice decimal.Decimal, settledAmount int64, settledAt time.Time) (bool, error)

	// CountOpenTrades returns the user's currently open trade count.
	CountOpenTrades(ctx context.Context, userID string) (int, error)

	// OpenExposureByMarket sums stakes of all open trades in a market.
	OpenExposureByMarket(ctx context.Context, market string) (int64, error)

	// UserVolumeSince sums stakes of trades the user created after since.
	UserVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// UserLossSince sums stakes of the user's losing settlements after since.
	UserLossSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// --- Transactions ---

	// InsertTransaction records a deposit or withdrawal.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error

	// ListTransactionsByUser returns the user's transactions, newest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// WithdrawalVolumeSince sums non-rejected withdrawal amounts after since.
	WithdrawalVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// WithdrawalCountSince counts non-rejected withdrawals after since.
	WithdrawalCountSince(ctx context.Context, userID string, since time.Time) (int, error)

	// DestinationUsed reports whether the user has previously withdrawn to
	// the destination (any non-rejected attempt counts).
	DestinationUsed(ctx context.Context, userID, destination string) (bool, error)

	// --- Notifications and audit log ---

	// InsertNotification stores an in-app notification.
	InsertNotification(ctx context.Context, n *model.Notification) error

	// ListNotificationsByUser returns the user's notifications, newest first.
	ListNotificationsByUser(ctx context.Context, userID string) ([]model.Notification, error)

	// InsertAuditLog appends an audit-log entry.
	InsertAuditLog(ctx context.Context, e *model.AuditLogEntry) error

	// --- Health ---

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
}
