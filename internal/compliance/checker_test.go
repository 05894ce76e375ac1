package compliance_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradeup/trade-engine/internal/compliance"
	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/store"
)

func newChecker(ms *store.MemoryStore) *compliance.Checker {
	return compliance.NewChecker(ms, compliance.Thresholds{
		DailyLimit: 1000,
		LargeTxn:   500,
		MaxPerHour: 5,
		HoldWindow: 24 * time.Hour,
	}, []string{"blocked-dest"})
}

func verifiedUser() *model.User {
	return &model.User{ID: "u1", Tier: model.TierSilver, KYCVerified: true}
}

// seedWithdrawal records a prior withdrawal at the given age.
func seedWithdrawal(t *testing.T, ms *store.MemoryStore, userID, dest string, amount int64, age time.Duration) {
	t.Helper()
	err := ms.InsertTransaction(context.Background(), &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        model.TxnWithdrawal,
		Amount:      amount,
		Destination: dest,
		Status:      model.StatusApproved,
		CreatedAt:   time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("seed withdrawal: %v", err)
	}
}

func TestCheck_ReusedDestinationApproved(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	seedWithdrawal(t, ms, "u1", "dest-1", 50, 2*time.Hour)

	d, err := c.Check(context.Background(), verifiedUser(), 100, "dest-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Passed || d.Status != model.StatusApproved {
		t.Errorf("expected approved pass, got passed=%v status=%s reason=%q", d.Passed, d.Status, d.Reason)
	}
	if d.RiskScore != 0 {
		t.Errorf("clean request should score 0, got %d", d.RiskScore)
	}
}

func TestCheck_NewDestinationGoesOnHold(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)

	d, err := c.Check(context.Background(), verifiedUser(), 100, "never-seen")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusOnHold {
		t.Errorf("expected on_hold for a first-use destination, got %s", d.Status)
	}
	if d.Passed {
		t.Error("a held withdrawal has not passed")
	}
	if !strings.Contains(d.Reason, "new destination") {
		t.Errorf("reason should name the cooling-off, got %q", d.Reason)
	}
}

func TestCheck_SanctionedDestinationRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)

	d, err := c.Check(context.Background(), verifiedUser(), 10, "blocked-dest")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusRejected {
		t.Errorf("expected rejected, got %s", d.Status)
	}
	if d.RiskScore != 100 {
		t.Errorf("sanctioned destination scores 100, got %d", d.RiskScore)
	}
	if d.Passed {
		t.Error("rejected must not pass")
	}
}

func TestCheck_SanctionShortCircuitsEverything(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	// An unverified user withdrawing a large amount to a sanctioned
	// destination is rejected outright, not held.
	u := &model.User{ID: "u1", Tier: model.TierSilver, KYCVerified: false}

	d, _ := c.Check(context.Background(), u, 10_000, "blocked-dest")
	if d.Status != model.StatusRejected || d.RiskScore != 100 {
		t.Errorf("expected rejected/100, got %s/%d", d.Status, d.RiskScore)
	}
}

func TestCheck_LargeAmountRequiresReview(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	seedWithdrawal(t, ms, "u1", "dest-1", 50, 2*time.Hour)

	d, err := c.Check(context.Background(), verifiedUser(), 500, "dest-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusManualReview {
		t.Errorf("expected manual_review, got %s", d.Status)
	}
	if !d.RequiresManualReview {
		t.Error("expected RequiresManualReview")
	}
	if d.RiskScore != 20 {
		t.Errorf("expected score 20, got %d", d.RiskScore)
	}
}

func TestCheck_DailyVolumeOverLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	seedWithdrawal(t, ms, "u1", "dest-1", 950, 2*time.Hour)

	// 950 + 100 crosses the 1000 daily limit.
	d, err := c.Check(context.Background(), verifiedUser(), 100, "dest-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusManualReview {
		t.Errorf("expected manual_review, got %s", d.Status)
	}
	if d.RiskScore != 40 {
		t.Errorf("expected score 40, got %d", d.RiskScore)
	}
}

func TestCheck_FrequencyTriggersSecurityHold(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)

	// Four withdrawals in the last hour; this request is the fifth.
	for i := 0; i < 4; i++ {
		seedWithdrawal(t, ms, "u1", "dest-1", 10, time.Duration(i+1)*5*time.Minute)
	}

	d, err := c.Check(context.Background(), verifiedUser(), 10, "dest-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusSecurityHold {
		t.Errorf("expected security_hold, got %s", d.Status)
	}
	if d.RiskScore != 30 {
		t.Errorf("expected score 30, got %d", d.RiskScore)
	}

	// The frequency trip raises a security alert for the user.
	notes, _ := ms.ListNotificationsByUser(context.Background(), "u1")
	found := false
	for _, n := range notes {
		if n.Kind == "security_alert" {
			found = true
		}
	}
	if !found {
		t.Error("expected a security_alert notification")
	}
}

func TestCheck_UnverifiedKYCForcesComplianceHold(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	seedWithdrawal(t, ms, "u1", "dest-1", 50, 2*time.Hour)
	u := &model.User{ID: "u1", Tier: model.TierSilver, KYCVerified: false}

	d, err := c.Check(context.Background(), u, 100, "dest-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusComplianceHold {
		t.Errorf("expected compliance_hold, got %s", d.Status)
	}
}

func TestCheck_ComplianceHoldOutranksOtherHolds(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	u := &model.User{ID: "u1", Tier: model.TierSilver, KYCVerified: false}

	// New destination (on_hold) + large amount (manual_review) + no KYC:
	// compliance_hold has the highest precedence short of rejection.
	d, err := c.Check(context.Background(), u, 500, "never-seen")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Status != model.StatusComplianceHold {
		t.Errorf("expected compliance_hold to win, got %s", d.Status)
	}
	if d.RiskScore != 20 {
		t.Errorf("expected score 20 from the large-amount check, got %d", d.RiskScore)
	}
	if !strings.Contains(d.Reason, "KYC") {
		t.Errorf("reason should mention KYC, got %q", d.Reason)
	}
}

func TestCheck_ScoresAccumulate(t *testing.T) {
	ms := store.NewMemoryStore()
	c := newChecker(ms)
	seedWithdrawal(t, ms, "u1", "dest-1", 600, 30*time.Minute)
	for i := 0; i < 3; i++ {
		seedWithdrawal(t, ms, "u1", "dest-1", 10, time.Duration(i+1)*5*time.Minute)
	}

	// Volume (630 + 500 > 1000): +40. Frequency (5th in the hour): +30.
	// Large amount (500): +20.
	d, err := c.Check(context.Background(), verifiedUser(), 500, "dest-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.RiskScore != 90 {
		t.Errorf("expected accumulated score 90, got %d", d.RiskScore)
	}
	if d.Status != model.StatusSecurityHold {
		t.Errorf("security_hold outranks manual_review, got %s", d.Status)
	}
}
