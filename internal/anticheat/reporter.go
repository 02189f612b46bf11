package anticheat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// violationWeights scores known violation kinds; unlisted kinds score 1.
var violationWeights = map[string]int{
	"speedhack":       5,
	"memory_tamper":   10,
	"injected_module": 10,
	"debugger":        3,
}

// Reporter is the default ViolationSink: it logs each report and keeps an
// in-memory per-account score that moderation can consult.
type Reporter struct {
	logger *zap.Logger

	mu     sync.Mutex
	scores map[string]int
}

// NewReporter creates a reporter with empty scores.
//
// Precondition: logger must be non-nil.
func NewReporter(logger *zap.Logger) *Reporter {
	return &Reporter{
		logger: logger,
		scores: make(map[string]int),
	}
}

// Report logs the violation and adds its weight to the account score.
// Reports without an attributed account are logged but not scored.
func (r *Reporter) Report(_ context.Context, report ViolationReport) {
	weight, ok := violationWeights[report.Violation]
	if !ok {
		weight = 1
	}

	if report.AccountID != "" {
		r.mu.Lock()
		r.scores[report.AccountID] += weight
		r.mu.Unlock()
	}

	r.logger.Warn("violation reported",
		zap.String("connection_id", report.ConnectionID),
		zap.String("account_id", report.AccountID),
		zap.String("violation", report.Violation),
		zap.Int("weight", weight),
		zap.Any("details", report.Details),
	)
}

// Score returns the accumulated violation score for the account.
func (r *Reporter) Score(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores[accountID]
}
