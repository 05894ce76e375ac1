// Package compliance evaluates withdrawal requests: sanction screening,
// 24h velocity, request frequency, large-amount thresholds, and first-use
// destination cooling-off. It produces a decision and the resulting
// transaction status; it never moves money itself.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/store"
)

// Thresholds configures the checker. Monetary values are minor units.
type Thresholds struct {
	// DailyLimit caps rolling 24h withdrawal volume before manual review.
	DailyLimit int64

	// LargeTxn flags any single amount at or above this value.
	LargeTxn int64

	// MaxPerHour: reaching this many withdrawals within one hour places the
	// request on security hold and raises a security alert.
	MaxPerHour int

	// HoldWindow is the first-use destination cooling-off period.
	HoldWindow time.Duration
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DailyLimit: 1_000_000,
		LargeTxn:   500_000,
		MaxPerHour: 5,
		HoldWindow: 24 * time.Hour,
	}
}

// Decision is the outcome of evaluating one withdrawal request.
type Decision struct {
	Passed               bool   `json:"passed"`
	RequiresManualReview bool   `json:"requires_manual_review"`
	RiskScore            int    `json:"risk_score"`
	Reason               string `json:"reason,omitempty"`

	// Status is the transaction status the request resolves to, after
	// precedence rules (Rejected > Compliance Hold > Security/On Hold >
	// Manual Review > Approved).
	Status string `json:"status"`
}

// Checker evaluates withdrawals against the configured thresholds and the
// sanction list.
type Checker struct {
	store      store.Store
	thresholds Thresholds
	sanctioned map[string]bool

	now func() time.Time
}

// NewChecker creates a checker. sanctioned lists blocked destinations.
func NewChecker(st store.Store, thresholds Thresholds, sanctioned []string) *Checker {
	set := make(map[string]bool, len(sanctioned))
	for _, dest := range sanctioned {
		set[dest] = true
	}
	return &Checker{
		store:      st,
		thresholds: thresholds,
		sanctioned: set,
		now:        time.Now,
	}
}

// Check evaluates a withdrawal of amount to destination for user. The checks
// themselves are read-only; the security alert notification is the one side
// effect, raised when the frequency threshold trips.
func (c *Checker) Check(ctx context.Context, user *model.User, amount int64, destination string) (*Decision, error) {
	d := &Decision{Status: model.StatusApproved}

	// Sanctioned destination short-circuits everything.
	if c.sanctioned[destination] {
		d.Status = model.StatusRejected
		d.RiskScore = 100
		d.Reason = "destination is sanctioned"
		return d, nil
	}

	now := c.now()

	// Rolling 24h withdrawal volume including this request.
	volume, err := c.store.WithdrawalVolumeSince(ctx, user.ID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("withdrawal volume: %w", err)
	}
	if volume+amount > c.thresholds.DailyLimit {
		d.RequiresManualReview = true
		d.RiskScore += 40
		d.Reason = appendReason(d.Reason, "24h volume over limit")
		d.Status = model.StrictestStatus(d.Status, model.StatusManualReview)
	}

	// Request frequency: this request counts toward the hourly total.
	count, err := c.store.WithdrawalCountSince(ctx, user.ID, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("withdrawal count: %w", err)
	}
	if count+1 >= c.thresholds.MaxPerHour {
		d.RequiresManualReview = true
		d.RiskScore += 30
		d.Reason = appendReason(d.Reason, "withdrawal frequency exceeded")
		d.Status = model.StrictestStatus(d.Status, model.StatusSecurityHold)
		c.raiseSecurityAlert(ctx, user.ID, count+1)
	}

	// Single large amount.
	if amount >= c.thresholds.LargeTxn {
		d.RequiresManualReview = true
		d.RiskScore += 20
		d.Reason = appendReason(d.Reason, "large transaction")
		d.Status = model.StrictestStatus(d.Status, model.StatusManualReview)
	}

	// First-use destination cooling-off, regardless of other checks.
	used, err := c.store.DestinationUsed(ctx, user.ID, destination)
	if err != nil {
		return nil, fmt.Errorf("destination history: %w", err)
	}
	if !used {
		d.Reason = appendReason(d.Reason, fmt.Sprintf("new destination held for %s", c.thresholds.HoldWindow))
		d.Status = model.StrictestStatus(d.Status, model.StatusOnHold)
	}

	// Unverified KYC forces a compliance hold over everything but an
	// outright rejection.
	if !user.KYCVerified {
		d.Reason = appendReason(d.Reason, "KYC not verified")
		d.Status = model.StrictestStatus(d.Status, model.StatusComplianceHold)
	}

	d.Passed = d.Status == model.StatusApproved
	return d, nil
}

func (c *Checker) raiseSecurityAlert(ctx context.Context, userID string, count int) {
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      "security_alert",
		Message:   fmt.Sprintf("Unusual withdrawal activity: %d requests within one hour", count),
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.InsertNotification(ctx, n); err != nil {
		slog.Error("security alert notification failed", "user", userID, "err", err)
	}
	slog.Warn("withdrawal frequency alert", "user", userID, "count", count)
}

func appendReason(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
