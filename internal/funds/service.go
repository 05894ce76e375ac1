// Package funds provides the deposit and withdrawal surface: wallet
// snapshots, the credit path for deposits, and the compliance-gated debit
// path for withdrawals.
//
// Withdrawals deduct the wallet immediately for every non-rejected status,
// including holds and reviews: funds leave the spendable balance while
// compliance clears them. That models custody risk, not availability, and
// is intentional.
package funds

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tradeup/trade-engine/internal/auth"
	"github.com/tradeup/trade-engine/internal/compliance"
	"github.com/tradeup/trade-engine/internal/metrics"
	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/store"
	"github.com/tradeup/trade-engine/internal/userlock"
)

// Service handles wallet, deposit, and withdrawal requests.
type Service struct {
	store   store.Store
	locks   *userlock.Manager
	checker *compliance.Checker

	now func() time.Time
}

// NewService creates a funds service.
func NewService(st store.Store, locks *userlock.Manager, checker *compliance.Checker) *Service {
	return &Service{store: st, locks: locks, checker: checker, now: time.Now}
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Amount int64 `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	Amount           int64  `json:"amount"`
	Destination      string `json:"destination"`
	WithdrawPassword string `json:"withdrawPassword"`
	TwoFACode        string `json:"twoFACode,omitempty"`
}

// FundsResponse is returned from deposit and withdrawal requests.
type FundsResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Wallet  *model.Wallet `json:"wallet,omitempty"`
}

// --- HTTP handlers ---

// Deposit handles POST /deposits.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID := auth.UserID(ctx)

	var wallet *model.Wallet
	status := model.StatusApproved
	message := ""
	err := s.locks.Do(ctx, userID, func() error {
		var err error
		wallet, err = s.store.EnsureWallet(ctx, userID)
		if err != nil {
			return err
		}
		credited, err := s.store.CreditWallet(ctx, wallet.ID, req.Amount)
		if err != nil {
			return err
		}
		if credited < req.Amount {
			status = model.StatusPartial
			message = fmt.Sprintf("balance ceiling reached, %d of %d credited", credited, req.Amount)
			slog.Warn("deposit clamped at balance ceiling",
				"user", userID, "requested", req.Amount, "credited", credited)
		}
		txn := &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.TxnDeposit,
			Amount:    credited,
			Status:    status,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		wallet, err = s.store.GetWalletByUser(ctx, userID)
		return err
	})
	if err != nil {
		slog.Error("deposit failed", "user", userID, "err", err)
		writeError(w, "deposit failed", http.StatusInternalServerError)
		return
	}

	slog.Info("deposit credited", "user", userID, "amount", req.Amount, "status", status)
	writeJSON(w, http.StatusOK, FundsResponse{Status: status, Message: message, Wallet: wallet})
}

// Withdraw handles POST /withdrawals.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.Destination == "" {
		writeError(w, "destination is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID := auth.UserID(ctx)

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, "unknown user", http.StatusForbidden)
		return
	}
	if len(user.WithdrawPwdHash) > 0 {
		if bcrypt.CompareHashAndPassword(user.WithdrawPwdHash, []byte(req.WithdrawPassword)) != nil {
			writeError(w, "invalid withdrawal password", http.StatusForbidden)
			return
		}
	}
	// The 2FA code is optional at the API level but mandatory for accounts
	// that have enrolled a second factor.
	if len(user.TwoFAHash) > 0 {
		if req.TwoFACode == "" {
			writeError(w, "2FA code required", http.StatusForbidden)
			return
		}
		if bcrypt.CompareHashAndPassword(user.TwoFAHash, []byte(req.TwoFACode)) != nil {
			writeError(w, "invalid 2FA code", http.StatusForbidden)
			return
		}
	}

	decision, err := s.checker.Check(ctx, user, req.Amount, req.Destination)
	if err != nil {
		// Fail closed: an unreachable backend rejects the financial
		// operation rather than guessing.
		slog.Error("compliance check failed", "user", userID, "err", err)
		writeError(w, "withdrawal could not be evaluated", http.StatusInternalServerError)
		return
	}

	now := s.now().UTC()
	txn := &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        model.TxnWithdrawal,
		Amount:      req.Amount,
		Destination: req.Destination,
		Status:      decision.Status,
		Reason:      decision.Reason,
		CreatedAt:   now,
	}

	if decision.Status == model.StatusRejected {
		if err := s.store.InsertTransaction(ctx, txn); err != nil {
			slog.Error("rejected withdrawal record failed", "user", userID, "err", err)
		}
		metrics.WithdrawalsByStatus.WithLabelValues(decision.Status).Inc()
		writeJSON(w, http.StatusOK, FundsResponse{
			Status:  decision.Status,
			Message: decision.Reason,
		})
		return
	}

	// Funds leave the spendable balance now, whatever hold state follows.
	var wallet *model.Wallet
	err = s.locks.Do(ctx, userID, func() error {
		var err error
		wallet, err = s.store.EnsureWallet(ctx, userID)
		if err != nil {
			return err
		}
		ok, err := s.store.DebitWallet(ctx, wallet.ID, req.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return errInsufficientFunds
		}
		if err := s.store.InsertTransaction(ctx, txn); err != nil {
			// Undo the debit; a failed record must not strand the money.
			if _, crErr := s.store.CreditWallet(ctx, wallet.ID, req.Amount); crErr != nil {
				slog.Error("withdrawal refund failed", "wallet", wallet.ID, "err", crErr)
			}
			return err
		}
		wallet, err = s.store.GetWalletByUser(ctx, userID)
		return err
	})
	switch {
	case errors.Is(err, errInsufficientFunds):
		writeError(w, "Insufficient balance", http.StatusForbidden)
		return
	case err != nil:
		slog.Error("withdrawal failed", "user", userID, "err", err)
		writeError(w, "withdrawal failed", http.StatusInternalServerError)
		return
	}

	metrics.WithdrawalsByStatus.WithLabelValues(decision.Status).Inc()
	slog.Info("withdrawal recorded",
		"user", userID,
		"amount", req.Amount,
		"status", decision.Status,
		"risk_score", decision.RiskScore,
	)

	writeJSON(w, http.StatusOK, FundsResponse{
		Status:  decision.Status,
		Message: statusMessage(decision),
		Wallet:  wallet,
	})
}

// GetWallets handles GET /wallets, returning the caller's wallet snapshot.
func (s *Service) GetWallets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	wallet, err := s.store.EnsureWallet(ctx, userID)
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, []*model.Wallet{wallet})
}

// ListTransactions handles GET /transactions.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.store.ListTransactionsByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// ListNotifications handles GET /notifications.
func (s *Service) ListNotifications(w http.ResponseWriter, r *http.Request) {
	notes, err := s.store.ListNotificationsByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}
	if notes == nil {
		notes = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// --- Helpers ---

var errInsufficientFunds = errors.New("insufficient funds")

func statusMessage(d *compliance.Decision) string {
	switch d.Status {
	case model.StatusApproved:
		return "withdrawal approved"
	case model.StatusManualReview:
		return "withdrawal queued for manual review"
	case model.StatusOnHold:
		return "withdrawal on hold: " + d.Reason
	case model.StatusSecurityHold:
		return "withdrawal on security hold: " + d.Reason
	case model.StatusComplianceHold:
		return "withdrawal on compliance hold: " + d.Reason
	default:
		return d.Reason
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"message": message})
}
