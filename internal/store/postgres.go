package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeup/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Wallet mutations use conditional UPDATEs so the non-negative and ceiling
// invariants hold even without an application-level lock: the database
// re-reads the balance inside the statement, which closes the
// read-check-write race a non-transactional caller would otherwise have.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, tier, payout_pct, kyc_verified, withdraw_pwd_hash, twofa_hash, role
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Tier, &u.PayoutPct, &u.KYCVerified, &u.WithdrawPwdHash, &u.TwoFAHash, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, tier, payout_pct, kyc_verified, withdraw_pwd_hash, twofa_hash, role)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   tier = EXCLUDED.tier,
		   payout_pct = EXCLUDED.payout_pct,
		   kyc_verified = EXCLUDED.kyc_verified,
		   withdraw_pwd_hash = EXCLUDED.withdraw_pwd_hash,
		   twofa_hash = EXCLUDED.twofa_hash,
		   role = EXCLUDED.role`,
		u.ID, u.Tier, u.PayoutPct, u.KYCVerified, u.WithdrawPwdHash, u.TwoFAHash, u.Role)
	return err
}

// --- Wallets ---

func (s *PostgresStore) EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	// Insert-if-absent, then read. The unique index on user_id makes the
	// create idempotent under concurrent first operations.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, user_id, asset_symbol, balance, created_at)
		 VALUES ($1, $2, 'USD', 0, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		newID(), userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure wallet for %s: %w", userID, err)
	}
	return s.GetWalletByUser(ctx, userID)
}

func (s *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, asset_symbol, balance, created_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &w.AssetSymbol, &w.Balance, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for %s: %w", userID, err)
	}
	return &w, nil
}

func (s *PostgresStore) DebitWallet(ctx context.Context, walletID string, amount int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2
		 WHERE id = $1 AND balance >= $2`,
		walletID, amount)
	if err != nil {
		return false, fmt.Errorf("debit wallet %s: %w", walletID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreditWallet(ctx context.Context, walletID string, amount int64) (int64, error) {
	// LEAST clamps at the ceiling inside the statement; the CTE row-locks
	// the prior balance so RETURNING can report the delta actually applied.
	var credited int64
	err := s.pool.QueryRow(ctx,
		`WITH prev AS (SELECT id, balance FROM wallets WHERE id = $1 FOR UPDATE)
		 UPDATE wallets w
		 SET balance = LEAST(w.balance + $2, $3)
		 FROM prev
		 WHERE w.id = prev.id
		 RETURNING w.balance - prev.balance`,
		walletID, amount, MaxBalance).Scan(&credited)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit wallet %s: %w", walletID, err)
	}
	return credited, nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, market, stake, direction, duration,
		                     entry_price, exit_price, payout_pct, result, status,
		                     settled_amount, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.UserID, t.Symbol, t.Market, t.Stake, t.Direction, t.Duration,
		t.EntryPrice.String(), t.ExitPrice.String(), t.PayoutPct, t.Result, t.Status,
		t.SettledAmount, t.CreatedAt, t.SettledAt)
	return err
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, tradeSelect+` WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		tradeSelect+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SettleTrade(ctx context.Context, id, result string, exitPrice decimal.Decimal, settledAmount int64, settledAt time.Time) (bool, error) {
	// The status guard makes settlement idempotent at the storage layer as
	// well: a second attempt matches zero rows.
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET status = 'closed', result = $2, exit_price = $3::NUMERIC,
		     settled_amount = $4, settled_at = $5
		 WHERE id = $1 AND status = 'open'`,
		id, result, exitPrice.String(), settledAmount, settledAt)
	if err != nil {
		return false, fmt.Errorf("settle trade %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountOpenTrades(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE user_id = $1 AND status = 'open'`,
		userID).Scan(&count)
	return count, err
}

func (s *PostgresStore) OpenExposureByMarket(ctx context.Context, market string) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(stake), 0) FROM trades
		 WHERE market = $1 AND status = 'open'`, market).Scan(&sum)
	return sum, err
}

func (s *PostgresStore) UserVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(stake), 0) FROM trades
		 WHERE user_id = $1 AND created_at > $2`, userID, since).Scan(&sum)
	return sum, err
}

func (s *PostgresStore) UserLossSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(stake), 0) FROM trades
		 WHERE user_id = $1 AND status = 'closed' AND result = 'loss'
		   AND settled_at > $2`, userID, since).Scan(&sum)
	return sum, err
}

// --- Transactions ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, destination, status, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, txn.Type, txn.Amount, txn.Destination,
		txn.Status, txn.Reason, txn.CreatedAt)
	return err
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount, destination, status, reason, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount,
			&t.Destination, &t.Status, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) WithdrawalVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions
		 WHERE user_id = $1 AND type = 'withdrawal'
		   AND status <> 'rejected' AND created_at > $2`,
		userID, since).Scan(&sum)
	return sum, err
}

func (s *PostgresStore) WithdrawalCountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions
		 WHERE user_id = $1 AND type = 'withdrawal'
		   AND status <> 'rejected' AND created_at > $2`,
		userID, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) DestinationUsed(ctx context.Context, userID, destination string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM transactions
		   WHERE user_id = $1 AND type = 'withdrawal'
		     AND destination = $2 AND status <> 'rejected')`,
		userID, destination).Scan(&exists)
	return exists, err
}

// --- Notifications and audit log ---

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, message, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		n.ID, n.UserID, n.Kind, n.Message, n.CreatedAt)
	return err
}

func (s *PostgresStore) ListNotificationsByUser(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, message, created_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertAuditLog(ctx context.Context, e *model.AuditLogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action, subject, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Actor, e.Action, e.Subject, e.Detail, e.CreatedAt)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Scan helpers ---

const tradeSelect = `SELECT id, user_id, symbol, market, stake, direction, duration,
       entry_price::TEXT, exit_price::TEXT, payout_pct, result, status,
       settled_amount, created_at, settled_at
  FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func newID() string { return uuid.New().String() }

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var entry, exit string
	if err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Market, &t.Stake,
		&t.Direction, &t.Duration, &entry, &exit, &t.PayoutPct,
		&t.Result, &t.Status, &t.SettledAmount, &t.CreatedAt, &t.SettledAt); err != nil {
		return nil, err
	}
	t.EntryPrice, _ = decimal.NewFromString(entry)
	t.ExitPrice, _ = decimal.NewFromString(exit)
	return &t, nil
}
