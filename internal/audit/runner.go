// Package audit runs a battery of synthetic health probes against the live
// system and renders a gating pass/fail verdict. Any critical finding fails
// the run; an authorized override can force a failed run to passed, which is
// itself recorded in the audit log.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/store"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Run statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// Finding is one probe result.
type Finding struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
}

// Override records a manual gate bypass on a failed run.
type Override struct {
	Reason    string    `json:"reason"`
	Operator  string    `json:"operator"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one audit execution with its findings.
type Run struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Findings   []Finding `json:"findings"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Override   *Override `json:"override,omitempty"`
}

// Probe produces one finding against the live system.
type Probe interface {
	Name() string
	Run(ctx context.Context) Finding
}

// Runner executes probes and retains runs in memory, retrievable by ID.
type Runner struct {
	probes []Probe
	store  store.Store

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunner creates a runner over the given probes.
func NewRunner(st store.Store, probes []Probe) *Runner {
	return &Runner{
		probes: probes,
		store:  st,
		runs:   make(map[string]*Run),
	}
}

// Start queues a run and executes it asynchronously, returning the run ID.
func (r *Runner) Start() string {
	run := &Run{
		ID:        uuid.New().String(),
		Status:    StatusQueued,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()

	go r.execute(run.ID)
	return run.ID
}

func (r *Runner) execute(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.setStatus(runID, StatusRunning)

	var findings []Finding
	failed := false
	for _, p := range r.probes {
		f := p.Run(ctx)
		findings = append(findings, f)
		if f.Severity == SeverityCritical {
			failed = true
		}
	}

	r.mu.Lock()
	run := r.runs[runID]
	run.Findings = findings
	run.FinishedAt = time.Now().UTC()
	if failed {
		run.Status = StatusFailed
	} else {
		run.Status = StatusPassed
	}
	status := run.Status
	r.mu.Unlock()

	slog.Info("audit run finished", "run", runID, "status", status, "findings", len(findings))
}

func (r *Runner) setStatus(runID, status string) {
	r.mu.Lock()
	if run, ok := r.runs[runID]; ok {
		run.Status = status
	}
	r.mu.Unlock()
}

// Get returns a copy of the run, or nil if unknown.
func (r *Runner) Get(runID string) *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil
	}
	cp := *run
	cp.Findings = append([]Finding(nil), run.Findings...)
	return &cp
}

// ForceOverride flips a failed run to passed, recording operator and reason.
// The bypass itself lands in the audit log.
func (r *Runner) ForceOverride(ctx context.Context, runID, operator, reason string) (*Run, error) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("audit run %s not found", runID)
	}
	if run.Status != StatusFailed {
		r.mu.Unlock()
		return nil, fmt.Errorf("audit run %s is %s, only failed runs can be overridden", runID, run.Status)
	}
	run.Status = StatusPassed
	run.Override = &Override{
		Reason:    reason,
		Operator:  operator,
		Timestamp: time.Now().UTC(),
	}
	cp := *run
	r.mu.Unlock()

	entry := &model.AuditLogEntry{
		ID:        uuid.New().String(),
		Actor:     operator,
		Action:    "audit_gate_bypass",
		Subject:   runID,
		Detail:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.InsertAuditLog(ctx, entry); err != nil {
		slog.Error("audit override log failed", "run", runID, "err", err)
	}
	slog.Warn("audit gate bypassed", "run", runID, "operator", operator, "reason", reason)
	return &cp, nil
}

// Report renders a run as a plain-text document.
func (r *Runner) Report(runID string) (string, bool) {
	run := r.Get(runID)
	if run == nil {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Audit report %s\n", run.ID)
	fmt.Fprintf(&b, "Status: %s\n", run.Status)
	fmt.Fprintf(&b, "Started: %s\n", run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	if run.Override != nil {
		fmt.Fprintf(&b, "OVERRIDDEN by %s at %s: %s\n",
			run.Override.Operator, run.Override.Timestamp.Format(time.RFC3339), run.Override.Reason)
	}
	b.WriteString("\nFindings:\n")
	for _, f := range run.Findings {
		fmt.Fprintf(&b, "  [%s] %s: %s", f.Severity, f.Category, f.Message)
		if f.Details != "" {
			fmt.Fprintf(&b, " (%s)", f.Details)
		}
		b.WriteByte('\n')
	}
	return b.String(), true
}

// --- Standard probes ---

// HTTPProbe checks that a URL answers with the expected status. Critical
// when failOnError is set, warning otherwise.
type HTTPProbe struct {
	Category string
	URL      string
	Critical bool
	Client   *http.Client

	// Bearer mints an Authorization token for each execution. A token minted
	// once at wiring time would expire while the server keeps running.
	Bearer func() (string, error)
}

func (p *HTTPProbe) Name() string { return p.Category }

func (p *HTTPProbe) Run(ctx context.Context) Finding {
	severity := SeverityWarning
	if p.Critical {
		severity = SeverityCritical
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Finding{Category: p.Category, Severity: severity, Message: "request build failed", Details: err.Error()}
	}
	if p.Bearer != nil {
		tok, err := p.Bearer()
		if err != nil {
			return Finding{Category: p.Category, Severity: severity, Message: "credential mint failed", Details: err.Error()}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Finding{Category: p.Category, Severity: severity, Message: "endpoint unreachable", Details: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return Finding{
			Category: p.Category,
			Severity: severity,
			Message:  "unexpected status",
			Details:  fmt.Sprintf("GET %s -> %d", p.URL, resp.StatusCode),
		}
	}
	return Finding{Category: p.Category, Severity: SeverityInfo, Message: "ok"}
}

// StorageProbe verifies backend connectivity via Store.Ping.
type StorageProbe struct {
	Store store.Store
}

func (p *StorageProbe) Name() string { return "storage" }

func (p *StorageProbe) Run(ctx context.Context) Finding {
	if err := p.Store.Ping(ctx); err != nil {
		return Finding{Category: "storage", Severity: SeverityCritical, Message: "storage unreachable", Details: err.Error()}
	}
	return Finding{Category: "storage", Severity: SeverityInfo, Message: "ok"}
}

// WalletReadProbe verifies a sample wallet read for a probe account.
type WalletReadProbe struct {
	Store  store.Store
	UserID string
}

func (p *WalletReadProbe) Name() string { return "wallet_read" }

func (p *WalletReadProbe) Run(ctx context.Context) Finding {
	if _, err := p.Store.EnsureWallet(ctx, p.UserID); err != nil {
		return Finding{Category: "wallet_read", Severity: SeverityCritical, Message: "wallet read failed", Details: err.Error()}
	}
	return Finding{Category: "wallet_read", Severity: SeverityInfo, Message: "ok"}
}

// HeadersProbe checks baseline security response headers on a URL.
type HeadersProbe struct {
	URL    string
	Client *http.Client
}

func (p *HeadersProbe) Name() string { return "security_headers" }

func (p *HeadersProbe) Run(ctx context.Context) Finding {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Finding{Category: "security_headers", Severity: SeverityWarning, Message: "request build failed", Details: err.Error()}
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Finding{Category: "security_headers", Severity: SeverityWarning, Message: "endpoint unreachable", Details: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	var missing []string
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options"} {
		if resp.Header.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return Finding{
			Category: "security_headers",
			Severity: SeverityWarning,
			Message:  "missing baseline security headers",
			Details:  strings.Join(missing, ", "),
		}
	}
	return Finding{Category: "security_headers", Severity: SeverityInfo, Message: "ok"}
}
