package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeup/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and the
// non-persistent demo mode. Debit/credit run inside a single critical
// section, which makes each mutation atomic the same way the SQL conditional
// update does.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	wallets       map[string]*model.Wallet // by wallet ID
	walletByUser  map[string]string        // userID → wallet ID
	trades        map[string]*model.Trade
	transactions  []model.Transaction
	notifications []model.Notification
	auditLog      []model.AuditLogEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*model.User),
		wallets:      make(map[string]*model.Wallet),
		walletByUser: make(map[string]string),
		trades:       make(map[string]*model.Trade),
	}
}

// --- Users ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *u
	s.users[u.ID] = &cp
	return nil
}

// --- Wallets ---

func (s *MemoryStore) EnsureWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.walletByUser[userID]; ok {
		cp := *s.wallets[id]
		return &cp, nil
	}

	w := &model.Wallet{
		ID:          uuid.New().String(),
		UserID:      userID,
		AssetSymbol: "USD",
		Balance:     0,
		CreatedAt:   time.Now().UTC(),
	}
	s.wallets[w.ID] = w
	s.walletByUser[userID] = w.ID
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWalletByUser(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.walletByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.wallets[id]
	return &cp, nil
}

func (s *MemoryStore) DebitWallet(_ context.Context, walletID string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return false, ErrNotFound
	}
	if w.Balance-amount < 0 {
		return false, nil
	}
	w.Balance -= amount
	return true, nil
}

func (s *MemoryStore) CreditWallet(_ context.Context, walletID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return 0, ErrNotFound
	}
	credited := amount
	if w.Balance+amount > MaxBalance {
		credited = MaxBalance - w.Balance
	}
	if credited < 0 {
		credited = 0
	}
	w.Balance += credited
	return credited, nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			trades = append(trades, *t)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	return trades, nil
}

func (s *MemoryStore) SettleTrade(_ context.Context, id, result string, exitPrice decimal.Decimal, settledAmount int64, settledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != model.TradeOpen {
		return false, nil
	}
	t.Status = model.TradeClosed
	t.Result = result
	t.ExitPrice = exitPrice
	t.SettledAmount = settledAmount
	t.SettledAt = settledAt
	return true, nil
}

func (s *MemoryStore) CountOpenTrades(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.trades {
		if t.UserID == userID && t.Status == model.TradeOpen {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) OpenExposureByMarket(_ context.Context, market string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.trades {
		if t.Market == market && t.Status == model.TradeOpen {
			sum += t.Stake
		}
	}
	return sum, nil
}

func (s *MemoryStore) UserVolumeSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.trades {
		if t.UserID == userID && t.CreatedAt.After(since) {
			sum += t.Stake
		}
	}
	return sum, nil
}

func (s *MemoryStore) UserLossSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.trades {
		if t.UserID == userID && t.Status == model.TradeClosed &&
			t.Result == model.ResultLoss && t.SettledAt.After(since) {
			sum += t.Stake
		}
	}
	return sum, nil
}

// --- Transactions ---

func (s *MemoryStore) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, *txn)
	return nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, txn := range s.transactions {
		if txn.UserID == userID {
			result = append(result, txn)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) WithdrawalVolumeSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, txn := range s.transactions {
		if txn.UserID == userID && txn.Type == model.TxnWithdrawal &&
			txn.Status != model.StatusRejected && txn.CreatedAt.After(since) {
			sum += txn.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) WithdrawalCountSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, txn := range s.transactions {
		if txn.UserID == userID && txn.Type == model.TxnWithdrawal &&
			txn.Status != model.StatusRejected && txn.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DestinationUsed(_ context.Context, userID, destination string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, txn := range s.transactions {
		if txn.UserID == userID && txn.Type == model.TxnWithdrawal &&
			txn.Destination == destination && txn.Status != model.StatusRejected {
			return true, nil
		}
	}
	return false, nil
}

// --- Notifications and audit log ---

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *MemoryStore) ListNotificationsByUser(_ context.Context, userID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) InsertAuditLog(_ context.Context, e *model.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLog = append(s.auditLog, *e)
	return nil
}

// AuditLog returns a snapshot of all audit-log entries. Test helper.
func (s *MemoryStore) AuditLog() []model.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AuditLogEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}
