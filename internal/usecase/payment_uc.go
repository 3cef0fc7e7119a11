package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/metrics"
	"payments-core/internal/provider"
	"payments-core/internal/pub"
	"payments-core/internal/repository"
	"payments-core/internal/risk"
)

const maxStatusRetries = 5

// PaymentUsecase drives external payments: it picks a provider, fails over on adapter
// errors and converges webhook and poll observations through the payment state machine.
type PaymentUsecase struct {
	payments repository.PaymentRepository
	ledger   *LedgerUsecase
	registry *provider.Registry
	router   *Router
	health   *HealthTracker
	risk     risk.Assessor
	statuses *cache.StatusCache
	notifier pub.Notifier
	cfg      config.OrchestratorConfig
	logger   *zap.Logger

	now func() time.Time
}

func NewPaymentUsecase(
	payments repository.PaymentRepository,
	ledger *LedgerUsecase,
	registry *provider.Registry,
	router *Router,
	health *HealthTracker,
	assessor risk.Assessor,
	statuses *cache.StatusCache,
	notifier pub.Notifier,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
) *PaymentUsecase {
	if assessor == nil {
		assessor = risk.AllowAll{}
	}
	if notifier == nil {
		notifier = pub.Nop{}
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &PaymentUsecase{
		payments: payments,
		ledger:   ledger,
		registry: registry,
		router:   router,
		health:   health,
		risk:     assessor,
		statuses: statuses,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PaymentResult is returned by InitiatePayment.
type PaymentResult struct {
	Payment  *domain.PaymentTransaction `json:"payment"`
	Risk     *risk.Assessment           `json:"risk,omitempty"`
	Replayed bool                       `json:"replayed"`
}

// InitiatePayment validates, screens and routes a payment, then returns as soon as a
// provider has accepted it. It never waits for settlement.
func (uc *PaymentUsecase) InitiatePayment(ctx context.Context, req *domain.PaymentRequest) (*PaymentResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, err := uc.payments.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return &PaymentResult{Payment: existing, Replayed: true}, nil
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}

	assessment, err := uc.risk.AssessRisk(ctx, req)
	if err != nil {
		uc.logger.Error("risk assessment failed, flagging for review",
			zap.String("account_id", req.AccountID), zap.Error(err))
		assessment = &risk.Assessment{Action: risk.ActionReview}
	}
	switch assessment.Action {
	case risk.ActionBlock:
		metrics.PaymentsInitiated.WithLabelValues("", "blocked").Inc()
		uc.logger.Warn("payment blocked by risk assessment",
			zap.String("account_id", req.AccountID),
			zap.Int("score", assessment.Score))
		return nil, domain.ErrFraudBlocked
	case risk.ActionRequireAdditionalAuth:
		metrics.PaymentsInitiated.WithLabelValues("", "auth_required").Inc()
		return nil, domain.ErrAdditionalAuthRequired
	}

	acc, err := uc.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.Currency != req.Currency {
		return nil, domain.ErrCurrencyMismatch
	}
	if !acc.IsActive {
		return nil, domain.ErrAccountClosed
	}

	candidates := uc.router.Candidates(req.Currency, req.Country, req.Method)
	if len(candidates) == 0 {
		return nil, domain.ErrNoRoute
	}

	now := uc.now()
	payment := &domain.PaymentTransaction{
		ID:             domain.NewID(domain.PrefixPayment),
		IdempotencyKey: req.IdempotencyKey,
		Direction:      req.Direction,
		Method:         req.Method,
		Country:        req.Country,
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         domain.PaymentStatusPending,
		ReviewFlag:     assessment.Action == risk.ActionReview,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := uc.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			existing, gerr := uc.payments.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, gerr
			}
			return &PaymentResult{Payment: existing, Replayed: true}, nil
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	if payment.Direction == domain.PaymentDirectionPayout {
		if err := uc.reservePayout(ctx, payment); err != nil {
			uc.fail(ctx, payment, err.Error())
			return nil, err
		}
	}

	for _, name := range candidates {
		if !uc.health.IsHealthy(ctx, name) {
			uc.logger.Debug("skipping unhealthy provider", zap.String("provider", name), zap.String("payment_id", payment.ID))
			continue
		}
		adapter, err := uc.registry.Get(name)
		if err != nil {
			uc.logger.Error("routed provider is not registered", zap.String("provider", name))
			continue
		}

		res, err := uc.initiate(ctx, adapter, payment, req)
		switch {
		case err == nil:
			return uc.accepted(ctx, payment, name, res, assessment)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return uc.ambiguous(ctx, payment, name, assessment)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}

		uc.health.MarkUnhealthy(ctx, name)
		metrics.ProviderFailovers.WithLabelValues(name).Inc()
		uc.logger.Warn("provider initiate failed, failing over",
			zap.String("provider", name),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
	}

	metrics.PaymentsInitiated.WithLabelValues("", "unavailable").Inc()
	uc.fail(ctx, payment, domain.ErrAllProvidersUnavailable.Error())
	return nil, domain.ErrAllProvidersUnavailable
}

func (uc *PaymentUsecase) initiate(ctx context.Context, adapter provider.Adapter, p *domain.PaymentTransaction, req *domain.PaymentRequest) (*provider.InitiateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, uc.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Initiate(callCtx, &provider.InitiateRequest{
		Reference:      p.ID,
		IdempotencyKey: req.IdempotencyKey,
		Direction:      p.Direction,
		Method:         p.Method,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Country:        p.Country,
		Customer:       req.Customer,
		Description:    req.Description,
		Metadata:       req.Metadata,
	})
	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(adapter.Name(), "initiate").Observe(latency.Seconds())
	if err == nil {
		uc.health.RecordSuccess(ctx, adapter.Name(), latency)
	}
	return res, err
}

// accepted records the provider's acceptance. A synchronous terminal answer goes through
// the same transition path as a webhook would.
func (uc *PaymentUsecase) accepted(ctx context.Context, p *domain.PaymentTransaction, name string, res *provider.InitiateResult, assessment *risk.Assessment) (*PaymentResult, error) {
	next := *p
	next.Provider = name
	next.ProviderReference = res.ProviderReference
	next.ProviderResponse = res.Raw
	next.Status = domain.PaymentStatusProcessing
	next.UpdatedAt = uc.now()

	ok, err := uc.payments.CompareAndUpdate(ctx, &next, domain.PaymentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("record provider acceptance: %w", err)
	}
	if !ok {
		current, err := uc.payments.GetByID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Payment: current, Risk: assessment}, nil
	}
	metrics.PaymentsInitiated.WithLabelValues(name, "accepted").Inc()
	uc.logger.Info("payment initiated",
		zap.String("payment_id", next.ID),
		zap.String("provider", name),
		zap.String("provider_reference", next.ProviderReference),
		zap.Bool("review", next.ReviewFlag))

	out := &next
	if status := res.Status.PaymentStatus(); status.IsTerminal() {
		out, _, err = uc.ApplyStatusUpdate(ctx, next.ID, domain.PaymentStatusUpdate{
			ProviderReference: res.ProviderReference,
			Status:            status,
			Raw:               res.Raw,
			ObservedAt:        uc.now(),
		})
		if err != nil {
			return nil, err
		}
	}
	return &PaymentResult{Payment: out, Risk: assessment}, nil
}

// ambiguous handles an Initiate that timed out: the provider may have accepted it, so the
// payment stays PROCESSING against that provider and the webhook or poller settles it.
func (uc *PaymentUsecase) ambiguous(ctx context.Context, p *domain.PaymentTransaction, name string, assessment *risk.Assessment) (*PaymentResult, error) {
	next := *p
	next.Provider = name
	next.Status = domain.PaymentStatusProcessing
	next.UpdatedAt = uc.now()
	if _, err := uc.payments.CompareAndUpdate(ctx, &next, domain.PaymentStatusPending); err != nil {
		return nil, fmt.Errorf("record ambiguous initiate: %w", err)
	}
	uc.health.RecordFailure(ctx, name, uc.cfg.ProviderTimeout)
	metrics.PaymentsInitiated.WithLabelValues(name, "ambiguous").Inc()
	uc.logger.Warn("provider initiate timed out, awaiting webhook or poll",
		zap.String("payment_id", p.ID),
		zap.String("provider", name))
	return &PaymentResult{Payment: &next, Risk: assessment}, nil
}

func (uc *PaymentUsecase) reservePayout(ctx context.Context, p *domain.PaymentTransaction) error {
	ttl := uc.cfg.PayoutHoldTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	res, err := uc.ledger.HoldFunds(ctx, domain.HoldRequest{
		IdempotencyKey: "payout:" + p.ID,
		AccountID:      p.AccountID,
		Amount:         p.Amount,
		Reason:         "payout " + p.ID,
		TTL:            ttl,
		Pinned:         true,
	})
	if err != nil {
		return err
	}
	next := *p
	next.HoldID = &res.Hold.ID
	next.UpdatedAt = uc.now()
	ok, err := uc.payments.CompareAndUpdate(ctx, &next, p.Status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("payment %s changed while reserving payout", p.ID)
	}
	*p = next
	return nil
}

func (uc *PaymentUsecase) fail(ctx context.Context, p *domain.PaymentTransaction, reason string) {
	if _, _, err := uc.ApplyStatusUpdate(ctx, p.ID, domain.PaymentStatusUpdate{
		Status:     domain.PaymentStatusFailed,
		Reason:     reason,
		ObservedAt: uc.now(),
	}); err != nil {
		uc.logger.Error("failed to mark payment failed", zap.String("payment_id", p.ID), zap.Error(err))
	}
}

// GetPaymentStatus serves the cached status, falling back to a synchronous provider query
// when a non-terminal payment has not been observed for longer than StatusStaleAfter.
func (uc *PaymentUsecase) GetPaymentStatus(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	if uc.statuses != nil {
		if cached, err := uc.statuses.Get(ctx, id); err == nil && cached != nil && !uc.isStale(cached) {
			return cached, nil
		}
	}

	p, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if uc.isStale(p) {
		if refreshed, err := uc.refresh(ctx, p); err != nil {
			uc.logger.Warn("status fallback query failed", zap.String("payment_id", id), zap.Error(err))
		} else {
			p = refreshed
		}
	}
	uc.cache(ctx, p)
	return p, nil
}

func (uc *PaymentUsecase) isStale(p *domain.PaymentTransaction) bool {
	if p.Status.IsTerminal() {
		return false
	}
	return uc.now().Sub(p.LastObservedAt()) > uc.cfg.StatusStaleAfter
}

// ConfirmPayment queries the provider now, regardless of staleness.
func (uc *PaymentUsecase) ConfirmPayment(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	p, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		if p.Status == domain.PaymentStatusSucceeded && !p.IsLinked() {
			if _, err := uc.CompletePaymentToWallet(ctx, p.ID); err != nil {
				return nil, err
			}
			return uc.payments.GetByID(ctx, id)
		}
		return p, nil
	}
	refreshed, err := uc.refresh(ctx, p)
	if err != nil {
		return nil, err
	}
	uc.cache(ctx, refreshed)
	return refreshed, nil
}

// refresh polls the provider and applies what it reports. A payment whose Initiate timed
// out has no provider reference yet; it is looked up by our own reference instead.
func (uc *PaymentUsecase) refresh(ctx context.Context, p *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	if p.Provider == "" {
		return p, nil
	}
	adapter, err := uc.registry.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, uc.cfg.ProviderTimeout)
	defer cancel()
	start := time.Now()
	var tx *provider.Transaction
	op := "query_status"
	if p.ProviderReference != "" {
		tx, err = adapter.QueryStatus(callCtx, p.ProviderReference)
	} else {
		finder, ok := adapter.(provider.ReferenceFinder)
		if !ok {
			return p, nil
		}
		op = "find_by_reference"
		tx, err = finder.FindByReference(callCtx, p.ID)
	}
	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(p.Provider, op).Observe(latency.Seconds())

	now := uc.now()
	if errors.Is(err, provider.ErrTransactionNotFound) {
		uc.health.RecordSuccess(ctx, p.Provider, latency)
		if err := uc.payments.MarkPolled(ctx, p.ID, now); err != nil {
			uc.logger.Warn("failed to record poll", zap.String("payment_id", p.ID), zap.Error(err))
		}
		uc.logger.Warn("provider has no record of payment yet",
			zap.String("payment_id", p.ID),
			zap.String("provider", p.Provider))
		return p, nil
	}
	if err != nil {
		uc.health.RecordFailure(ctx, p.Provider, latency)
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	uc.health.RecordSuccess(ctx, p.Provider, latency)

	if err := uc.payments.MarkPolled(ctx, p.ID, now); err != nil {
		uc.logger.Warn("failed to record poll", zap.String("payment_id", p.ID), zap.Error(err))
	}
	if p.ProviderReference == "" && tx.ProviderReference != "" {
		if err := uc.attachReference(ctx, p.ID, tx.ProviderReference); err != nil {
			return nil, err
		}
	}
	updated, _, err := uc.ApplyStatusUpdate(ctx, p.ID, domain.PaymentStatusUpdate{
		ProviderReference: tx.ProviderReference,
		Status:            tx.Status.PaymentStatus(),
		Amount:            tx.Amount,
		Reason:            tx.Reason,
		Raw:               tx.Raw,
		ObservedAt:        now,
	})
	return updated, err
}

// attachReference records a provider reference recovered after an ambiguous Initiate.
// Losing the race to a status writer is fine: ApplyStatusUpdate fills the reference too.
func (uc *PaymentUsecase) attachReference(ctx context.Context, id, ref string) error {
	cur, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cur.ProviderReference != "" {
		return nil
	}
	next := *cur
	next.ProviderReference = ref
	next.UpdatedAt = uc.now()
	if _, err := uc.payments.CompareAndUpdate(ctx, &next, cur.Status); err != nil {
		return fmt.Errorf("record recovered provider reference: %w", err)
	}
	uc.invalidate(ctx, id)
	uc.logger.Info("provider reference recovered",
		zap.String("payment_id", id),
		zap.String("provider_reference", ref))
	return nil
}

// PollStale refreshes non-terminal payments nobody has observed recently.
func (uc *PaymentUsecase) PollStale(ctx context.Context, limit int) (int, error) {
	stale, err := uc.payments.ListStale(ctx, uc.now().Add(-uc.cfg.StatusStaleAfter), limit)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := uc.refresh(ctx, p); err != nil {
			uc.logger.Warn("stale payment poll failed", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// ResolveProviderEvent finds the payment a provider callback refers to, by provider
// reference first and by our own reference for initiations that timed out.
func (uc *PaymentUsecase) ResolveProviderEvent(ctx context.Context, providerName, providerReference, reference string) (*domain.PaymentTransaction, error) {
	p, err := uc.payments.GetByProviderReference(ctx, providerName, providerReference)
	if err == nil || !errors.Is(err, domain.ErrPaymentNotFound) || reference == "" {
		return p, err
	}
	p, err = uc.payments.GetByID(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.Provider != providerName {
		return nil, domain.ErrPaymentNotFound
	}
	return p, nil
}

// ApplyStatusUpdate is the single writer path for webhooks, polls and synchronous
// answers. The transition table decides; the write is a compare-and-swap on the status
// read, so racing observers converge on the same terminal state. applied is false when
// the update was a no-op or an illegal regression.
func (uc *PaymentUsecase) ApplyStatusUpdate(ctx context.Context, id string, upd domain.PaymentStatusUpdate) (*domain.PaymentTransaction, bool, error) {
	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		cur, err := uc.payments.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}

		if cur.Status == upd.Status || !cur.Status.CanTransitionTo(upd.Status) {
			if cur.Status != upd.Status {
				uc.logger.Info("ignoring status regression",
					zap.String("payment_id", id),
					zap.String("from", string(cur.Status)),
					zap.String("to", string(upd.Status)))
			}
			if cur.Status == domain.PaymentStatusSucceeded && !cur.IsLinked() {
				if _, err := uc.CompletePaymentToWallet(ctx, id); err != nil {
					return cur, false, err
				}
				cur, err = uc.payments.GetByID(ctx, id)
				if err != nil {
					return nil, false, err
				}
			}
			return cur, false, nil
		}

		next := *cur
		next.Status = upd.Status
		next.UpdatedAt = uc.now()
		if len(upd.Raw) > 0 {
			next.ProviderResponse = upd.Raw
		}
		if next.ProviderReference == "" && upd.ProviderReference != "" {
			next.ProviderReference = upd.ProviderReference
		}
		if upd.FromWebhook {
			at := upd.ObservedAt
			next.WebhookReceivedAt = &at
		}
		if upd.Reason != "" && upd.Status == domain.PaymentStatusFailed {
			reason := upd.Reason
			next.FailureReason = &reason
		}
		if upd.Status.IsTerminal() && next.CompletedAt == nil {
			done := next.UpdatedAt
			next.CompletedAt = &done
		}
		if upd.Amount != 0 && upd.Amount != cur.Amount {
			uc.logger.Warn("provider amount differs from requested amount",
				zap.String("payment_id", id),
				zap.Int64("requested", int64(cur.Amount)),
				zap.Int64("reported", int64(upd.Amount)))
		}

		ok, err := uc.payments.CompareAndUpdate(ctx, &next, cur.Status)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}

		uc.invalidate(ctx, id)
		uc.logger.Info("payment status changed",
			zap.String("payment_id", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(next.Status)),
			zap.Bool("webhook", upd.FromWebhook))

		out, err := uc.afterTransition(ctx, &next)
		return out, true, err
	}
	return nil, false, fmt.Errorf("payment %s: status update kept conflicting", id)
}

func (uc *PaymentUsecase) afterTransition(ctx context.Context, p *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	switch p.Status {
	case domain.PaymentStatusSucceeded:
		if _, err := uc.CompletePaymentToWallet(ctx, p.ID); err != nil {
			return p, err
		}
		return uc.payments.GetByID(ctx, p.ID)

	case domain.PaymentStatusFailed:
		if p.HoldID != nil {
			if _, err := uc.ledger.ReleaseFunds(ctx, *p.HoldID); err != nil {
				uc.logger.Error("failed to release payout hold", zap.String("payment_id", p.ID), zap.Error(err))
			}
		}
		uc.notify(ctx, pub.EventPaymentFailed, p)

	case domain.PaymentStatusRefunded:
		// provider-side reversal of a settled payment
		if p.IsLinked() {
			if _, err := uc.ledger.RefundTransaction(ctx, *p.LedgerTransactionID, "payment:"+p.ID+":reversal"); err != nil {
				uc.logger.Error("failed to reverse ledger transaction for reversed payment",
					zap.String("payment_id", p.ID), zap.Error(err))
				return p, err
			}
		}
		uc.notify(ctx, pub.EventPaymentRefunded, p)
	}
	return p, nil
}

// CompletePaymentToWallet posts a SUCCEEDED payment to the ledger. It is the only path by
// which external funds become ledger balance, and it posts at most once per payment.
func (uc *PaymentUsecase) CompletePaymentToWallet(ctx context.Context, id string) (*domain.PostingResult, error) {
	p, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsLinked() {
		return uc.ledger.GetTransaction(ctx, *p.LedgerTransactionID)
	}
	if p.Status != domain.PaymentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment %s is %s", domain.ErrInvalidStatusTransition, id, p.Status)
	}

	float, err := uc.ledger.FloatAccount(ctx, p.Provider, p.Currency)
	if err != nil {
		return nil, err
	}
	key := "payment:" + p.ID
	ref := p.ProviderReference

	var res *domain.PostingResult
	if p.Direction == domain.PaymentDirectionPayout {
		if p.HoldID == nil {
			return nil, fmt.Errorf("payout %s has no hold", p.ID)
		}
		res, err = uc.ledger.CaptureFunds(ctx, CaptureRequest{
			IdempotencyKey: key,
			HoldID:         *p.HoldID,
			ToAccountID:    float.ID,
			Type:           domain.TransactionTypePayout,
			Description:    "payout " + p.ID,
			ExternalRef:    &ref,
		})
	} else {
		res, err = uc.ledger.Post(ctx, domain.PostingRequest{
			IdempotencyKey: key,
			Type:           domain.TransactionTypeCollection,
			Currency:       p.Currency,
			Description:    "collection " + p.ID,
			ExternalRef:    &ref,
			ReviewFlag:     p.ReviewFlag,
			Metadata:       map[string]string{"payment_id": p.ID, "provider": p.Provider},
			Entries: []domain.EntryRequest{
				{AccountID: float.ID, Direction: domain.DirectionDebit, Amount: p.Amount},
				{AccountID: p.AccountID, Direction: domain.DirectionCredit, Amount: p.Amount},
			},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("complete payment %s: %w", p.ID, err)
	}

	if err := uc.link(ctx, p.ID, res.Transaction.ID); err != nil {
		return nil, err
	}
	if !res.Replayed {
		linked, _ := uc.payments.GetByID(ctx, p.ID)
		if linked == nil {
			linked = p
		}
		uc.notify(ctx, pub.EventPaymentSucceeded, linked)
	}
	return res, nil
}

func (uc *PaymentUsecase) link(ctx context.Context, paymentID, txnID string) error {
	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		cur, err := uc.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if cur.IsLinked() {
			return nil
		}
		next := *cur
		next.LedgerTransactionID = &txnID
		next.UpdatedAt = uc.now()
		ok, err := uc.payments.CompareAndUpdate(ctx, &next, cur.Status)
		if err != nil {
			return err
		}
		if ok {
			uc.invalidate(ctx, paymentID)
			return nil
		}
	}
	return fmt.Errorf("payment %s: link kept conflicting", paymentID)
}

// RefundPayment reverses a settled collection in the ledger and marks it REFUNDED.
// The reversal credits the provider float back; the rail is not asked to return the
// money, so until the operator pays the customer through the provider the float
// overstates what the provider holds and the daily balance check reports the gap.
func (uc *PaymentUsecase) RefundPayment(ctx context.Context, id, idempotencyKey string) (*domain.PaymentTransaction, error) {
	if idempotencyKey == "" {
		return nil, domain.ErrIdempotencyKeyRequired
	}
	p, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Direction != domain.PaymentDirectionCollection {
		return nil, domain.ErrPaymentNotRefundable
	}
	switch p.Status {
	case domain.PaymentStatusRefunded:
		return p, nil
	case domain.PaymentStatusSucceeded:
	default:
		return nil, domain.ErrPaymentNotRefundable
	}
	if !p.IsLinked() {
		if _, err := uc.CompletePaymentToWallet(ctx, id); err != nil {
			return nil, err
		}
		if p, err = uc.payments.GetByID(ctx, id); err != nil {
			return nil, err
		}
	}

	if _, err := uc.ledger.RefundTransaction(ctx, *p.LedgerTransactionID, idempotencyKey); err != nil {
		return nil, err
	}

	next := *p
	next.Status = domain.PaymentStatusRefunded
	next.UpdatedAt = uc.now()
	ok, err := uc.payments.CompareAndUpdate(ctx, &next, domain.PaymentStatusSucceeded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uc.payments.GetByID(ctx, id)
	}
	uc.invalidate(ctx, id)
	uc.logger.Warn("payment refunded in ledger only, provider refund must be issued separately",
		zap.String("payment_id", id),
		zap.String("provider", p.Provider),
		zap.Int64("amount", int64(p.Amount)))
	uc.notify(ctx, pub.EventPaymentRefunded, &next)
	return &next, nil
}

func (uc *PaymentUsecase) GetPayment(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	return uc.payments.GetByID(ctx, id)
}

func (uc *PaymentUsecase) ProviderHealth(ctx context.Context) ([]*domain.ProviderHealth, error) {
	return uc.health.Snapshot(ctx)
}

func (uc *PaymentUsecase) cache(ctx context.Context, p *domain.PaymentTransaction) {
	if uc.statuses == nil {
		return
	}
	if err := uc.statuses.Set(ctx, p); err != nil {
		uc.logger.Warn("failed to cache payment status", zap.String("payment_id", p.ID), zap.Error(err))
	}
}

func (uc *PaymentUsecase) invalidate(ctx context.Context, id string) {
	if uc.statuses == nil {
		return
	}
	if err := uc.statuses.Invalidate(ctx, id); err != nil {
		uc.logger.Warn("failed to invalidate payment status", zap.String("payment_id", id), zap.Error(err))
	}
}

func (uc *PaymentUsecase) notify(ctx context.Context, eventType string, p *domain.PaymentTransaction) {
	evt := &pub.Event{
		Type:      eventType,
		Key:       p.ID,
		Provider:  p.Provider,
		AccountID: p.AccountID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    string(p.Status),
		Metadata:  map[string]string{"direction": string(p.Direction)},
	}
	if p.FailureReason != nil {
		evt.Message = *p.FailureReason
	}
	if err := uc.notifier.Notify(ctx, evt); err != nil {
		uc.logger.Warn("failed to publish payment event", zap.String("payment_id", p.ID), zap.Error(err))
	}
}
