// Package risk is the pre-authorisation check run before a provider is called.
package risk

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

type Action string

const (
	ActionAllow                 Action = "ALLOW"
	ActionReview                Action = "REVIEW"
	ActionRequireAdditionalAuth Action = "REQUIRE_ADDITIONAL_AUTH"
	ActionBlock                 Action = "BLOCK"
)

type Factor struct {
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Detail string `json:"detail"`
}

type Assessment struct {
	Score   int      `json:"score"`
	Action  Action   `json:"action"`
	Factors []Factor `json:"factors,omitempty"`
}

// Assessor is the fraud collaborator consumed synchronously by the orchestrator.
type Assessor interface {
	AssessRisk(ctx context.Context, req *domain.PaymentRequest) (*Assessment, error)
}

// AllowAll approves everything. It is the default when no rules are configured.
type AllowAll struct{}

func (AllowAll) AssessRisk(context.Context, *domain.PaymentRequest) (*Assessment, error) {
	return &Assessment{Action: ActionAllow}, nil
}

// Counter counts events per key in a sliding window.
type Counter interface {
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error)
}

type Rules struct {
	// LargeAmount is the per-currency amount above which a payment scores as large.
	LargeAmount map[string]money.Amount
	// VelocityLimit is the number of payments per account per VelocityWindow before
	// the velocity factor applies.
	VelocityLimit  int64
	VelocityWindow time.Duration
	Blocked        map[string]bool
}

// RuleAssessor scores amount, velocity and blocklist factors and maps the total onto
// an action: 0-30 ALLOW, 31-60 REVIEW, 61-80 REQUIRE_ADDITIONAL_AUTH, 81+ BLOCK.
type RuleAssessor struct {
	rules   Rules
	counter Counter
	logger  *zap.Logger
}

func NewRuleAssessor(rules Rules, counter Counter, logger *zap.Logger) *RuleAssessor {
	if rules.VelocityWindow <= 0 {
		rules.VelocityWindow = time.Hour
	}
	return &RuleAssessor{rules: rules, counter: counter, logger: logger}
}

func (r *RuleAssessor) AssessRisk(ctx context.Context, req *domain.PaymentRequest) (*Assessment, error) {
	a := &Assessment{}

	if f := r.amountFactor(req); f != nil {
		a.Factors = append(a.Factors, *f)
		a.Score += f.Score
	}
	if f := r.blocklistFactor(req); f != nil {
		a.Factors = append(a.Factors, *f)
		a.Score += f.Score
	}
	f, err := r.velocityFactor(ctx, req)
	if err != nil {
		r.logger.Warn("velocity check unavailable", zap.String("account_id", req.AccountID), zap.Error(err))
	} else if f != nil {
		a.Factors = append(a.Factors, *f)
		a.Score += f.Score
	}

	switch {
	case a.Score >= 81:
		a.Action = ActionBlock
	case a.Score >= 61:
		a.Action = ActionRequireAdditionalAuth
	case a.Score >= 31:
		a.Action = ActionReview
	default:
		a.Action = ActionAllow
	}

	r.logger.Info("payment risk assessed",
		zap.String("account_id", req.AccountID),
		zap.Int("risk_score", a.Score),
		zap.String("action", string(a.Action)),
		zap.Int("factors_count", len(a.Factors)))

	return a, nil
}

func (r *RuleAssessor) amountFactor(req *domain.PaymentRequest) *Factor {
	limit, ok := r.rules.LargeAmount[req.Currency]
	if !ok || req.Amount <= limit {
		return nil
	}
	score := 35
	if req.Amount > limit*5 {
		score = 65
	}
	return &Factor{Name: "large_amount", Score: score, Detail: req.Amount.String() + " " + req.Currency}
}

func (r *RuleAssessor) blocklistFactor(req *domain.PaymentRequest) *Factor {
	if r.rules.Blocked[strings.ToLower(req.Customer)] || r.rules.Blocked[req.AccountID] {
		return &Factor{Name: "blocklist", Score: 100, Detail: "customer is blocklisted"}
	}
	return nil
}

func (r *RuleAssessor) velocityFactor(ctx context.Context, req *domain.PaymentRequest) (*Factor, error) {
	if r.counter == nil || r.rules.VelocityLimit <= 0 {
		return nil, nil
	}
	n, err := r.counter.IncrWithExpire(ctx, "velocity:"+req.AccountID, r.rules.VelocityWindow)
	if err != nil {
		return nil, err
	}
	if n <= r.rules.VelocityLimit {
		return nil, nil
	}
	return &Factor{Name: "velocity", Score: 40, Detail: "too many payments in window"}, nil
}
