package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/metrics"
	"payments-core/internal/provider"
	"payments-core/internal/pub"
	"payments-core/internal/repository"
	"payments-core/pkg/money"
)

const (
	systemResolver      = "system"
	autoResolveNote     = "within auto-resolve limit"
	balanceMismatchType = "BALANCE_MISMATCH"
	reconFanOut         = 4
)

// ReconciliationReport is one run together with the discrepancies it recorded.
type ReconciliationReport struct {
	Reconciliation *domain.Reconciliation             `json:"reconciliation"`
	Discrepancies  []*domain.ReconciliationDiscrepancy `json:"discrepancies"`
}

// ReconciliationUsecase audits internal payments and float balances against what each
// provider reports. Differences are persisted as discrepancies, never returned as errors.
type ReconciliationUsecase struct {
	recons     repository.ReconciliationRepository
	payments   repository.PaymentRepository
	ledger     *LedgerUsecase
	registry   *provider.Registry
	runLock    *cache.RunLock
	notifier   pub.Notifier
	cfg        config.ReconciliationConfig
	currencies map[string][]string
	logger     *zap.Logger

	now func() time.Time
}

func NewReconciliationUsecase(
	recons repository.ReconciliationRepository,
	payments repository.PaymentRepository,
	ledger *LedgerUsecase,
	registry *provider.Registry,
	runLock *cache.RunLock,
	notifier pub.Notifier,
	cfg config.ReconciliationConfig,
	providers []config.ProviderConfig,
	logger *zap.Logger,
) *ReconciliationUsecase {
	if notifier == nil {
		notifier = pub.Nop{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.BalanceAttempts <= 0 {
		cfg.BalanceAttempts = 3
	}
	currencies := make(map[string][]string, len(providers))
	for _, p := range providers {
		for _, c := range p.Currencies {
			currencies[p.Name] = append(currencies[p.Name], strings.ToUpper(c))
		}
	}
	return &ReconciliationUsecase{
		recons:     recons,
		payments:   payments,
		ledger:     ledger,
		registry:   registry,
		runLock:    runLock,
		notifier:   notifier,
		cfg:        cfg,
		currencies: currencies,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunTransactionReconciliation matches one business day of terminal payments against the
// provider's report. Only one run per (provider, currency, day) may exist; a FAILED run is
// retried in place.
func (uc *ReconciliationUsecase) RunTransactionReconciliation(ctx context.Context, providerName, currency string, date time.Time) (*ReconciliationReport, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	day := domain.BusinessDay(date)
	adapter, err := uc.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	lockKey := fmt.Sprintf("recon:%s:%s:%s", providerName, currency, day.Format(time.DateOnly))
	token, ok, err := uc.runLock.Acquire(ctx, lockKey, uc.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrReconciliationRunning
	}
	defer func() {
		if err := uc.runLock.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			uc.logger.Warn("failed to release reconciliation lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	rec, err := uc.openRun(ctx, providerName, currency, day)
	if err != nil {
		return nil, err
	}

	log := uc.logger.With(
		zap.String("reconciliation_id", rec.ID),
		zap.String("provider", providerName),
		zap.String("currency", currency),
		zap.String("date", day.Format(time.DateOnly)))
	log.Info("transaction reconciliation started")

	end := day.Add(24 * time.Hour)
	internal, err := uc.payments.ListSettled(ctx, providerName, currency, day, end)
	if err != nil {
		return nil, uc.failRun(ctx, rec, fmt.Errorf("load internal payments: %w", err))
	}

	var reported []*provider.Transaction
	err = uc.retry(ctx, log, "list provider transactions", func(ctx context.Context) error {
		reported, err = adapter.ListTransactions(ctx, day, end)
		return err
	})
	if err != nil {
		return nil, uc.failRun(ctx, rec, err)
	}

	discrepancies, err := uc.match(ctx, rec, internal, reported)
	if err != nil {
		return nil, uc.failRun(ctx, rec, err)
	}

	now := uc.now()
	rec.Status = domain.ReconciliationStatusCompleted
	rec.DiscrepancyCount = len(discrepancies)
	for _, d := range discrepancies {
		rec.DiscrepancyTotal += d.Difference
		if !d.Status.IsResolved() {
			rec.Status = domain.ReconciliationStatusPending
		}
	}
	if rec.Status == domain.ReconciliationStatusCompleted {
		rec.CompletedAt = &now
	}

	if err := uc.recons.SaveResult(ctx, rec, discrepancies); err != nil {
		return nil, uc.failRun(ctx, rec, fmt.Errorf("save reconciliation result: %w", err))
	}

	th := uc.cfg.For(providerName, currency)
	for _, d := range discrepancies {
		metrics.ReconciliationDiscrepancies.WithLabelValues(providerName, string(d.Type), string(d.Severity)).Inc()
	}
	metrics.ReconciliationRuns.WithLabelValues(providerName, string(rec.Status)).Inc()

	if rec.DiscrepancyTotal > th.CriticalDiscrepancyThreshold {
		log.Error("reconciliation discrepancy total above critical threshold",
			zap.Int64("discrepancy_total", int64(rec.DiscrepancyTotal)),
			zap.Int64("threshold", int64(th.CriticalDiscrepancyThreshold)))
		uc.alert(ctx, rec.ID, providerName, currency, rec.DiscrepancyTotal, domain.SeverityCritical,
			fmt.Sprintf("%d discrepancies totalling %s %s on %s", rec.DiscrepancyCount,
				rec.DiscrepancyTotal.String(), currency, day.Format(time.DateOnly)))
	}
	uc.notify(ctx, &pub.Event{
		Type:     pub.EventReconciliationFinish,
		Key:      rec.ID,
		Provider: providerName,
		Amount:   rec.DiscrepancyTotal,
		Currency: currency,
		Status:   string(rec.Status),
		Metadata: map[string]string{
			"date":          day.Format(time.DateOnly),
			"matched":       fmt.Sprint(rec.MatchedCount),
			"discrepancies": fmt.Sprint(rec.DiscrepancyCount),
		},
	})

	log.Info("transaction reconciliation finished",
		zap.String("status", string(rec.Status)),
		zap.Int("internal_count", rec.InternalCount),
		zap.Int("provider_count", rec.ProviderCount),
		zap.Int("matched", rec.MatchedCount),
		zap.Int("discrepancies", rec.DiscrepancyCount))

	return &ReconciliationReport{Reconciliation: rec, Discrepancies: discrepancies}, nil
}

// openRun claims the unique run row. A previous FAILED run for the key is reset and
// reused; any other existing run means the key is already reconciled or in progress.
func (uc *ReconciliationUsecase) openRun(ctx context.Context, providerName, currency string, day time.Time) (*domain.Reconciliation, error) {
	rec := &domain.Reconciliation{
		ID:        uuid.NewString(),
		Provider:  providerName,
		Currency:  currency,
		Date:      day,
		Status:    domain.ReconciliationStatusPending,
		StartedAt: uc.now(),
	}
	err := uc.recons.Create(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrReconciliationRunning) {
		return nil, fmt.Errorf("create reconciliation: %w", err)
	}

	existing, getErr := uc.recons.GetByKey(ctx, providerName, currency, day)
	if getErr != nil {
		return nil, fmt.Errorf("load reconciliation: %w", getErr)
	}
	if existing.Status != domain.ReconciliationStatusFailed {
		return nil, err
	}
	rec.ID = existing.ID
	if err := uc.recons.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("reset failed reconciliation: %w", err)
	}
	return rec, nil
}

// match fills rec's counts and totals and returns the discrepancies found.
func (uc *ReconciliationUsecase) match(ctx context.Context, rec *domain.Reconciliation, internal []*domain.PaymentTransaction, reported []*provider.Transaction) ([]*domain.ReconciliationDiscrepancy, error) {
	th := uc.cfg.For(rec.Provider, rec.Currency)

	byRef := make(map[string]*provider.Transaction, len(reported))
	byMerchantRef := make(map[string]*provider.Transaction, len(reported))
	for _, tx := range reported {
		if tx.Currency != "" && !strings.EqualFold(tx.Currency, rec.Currency) {
			continue
		}
		rec.ProviderCount++
		rec.ProviderTotal += tx.Amount
		byRef[tx.ProviderReference] = tx
		if tx.Reference != "" {
			byMerchantRef[tx.Reference] = tx
		}
	}

	var out []*domain.ReconciliationDiscrepancy
	consumed := make(map[string]bool, len(byRef))

	for _, p := range internal {
		// a payment rejected before any provider accepted it has nothing to match
		if p.ProviderReference == "" && p.Status == domain.PaymentStatusFailed {
			continue
		}
		rec.InternalCount++
		rec.InternalTotal += p.Amount

		tx, ok := byRef[p.ProviderReference]
		if !ok || p.ProviderReference == "" {
			tx, ok = byMerchantRef[p.ID]
		}
		if !ok || consumed[tx.ProviderReference] {
			out = append(out, uc.discrepancy(rec, th, domain.DiscrepancyMissingInProvider, p, nil, p.Amount))
			continue
		}
		consumed[tx.ProviderReference] = true

		clean := true
		tolerance := money.Max(p.Amount.Percent(th.TolerancePercent), th.FixedTolerance)
		if diff := (p.Amount - tx.Amount).Abs(); diff > tolerance {
			out = append(out, uc.discrepancy(rec, th, domain.DiscrepancyAmountMismatch, p, tx, diff))
			clean = false
		}
		if p.Status != tx.Status.PaymentStatus() {
			out = append(out, uc.discrepancy(rec, th, domain.DiscrepancyStatusMismatch, p, tx, p.Amount))
			clean = false
		}
		if clean {
			rec.MatchedCount++
		}
	}

	for _, tx := range reported {
		if consumed[tx.ProviderReference] || tx.Status != provider.StatusSuccess {
			continue
		}
		if _, counted := byRef[tx.ProviderReference]; !counted {
			continue
		}
		// a reference the report repeats is judged once
		consumed[tx.ProviderReference] = true

		// the payment may exist outside the window or still be in flight
		p, err := uc.lookup(ctx, rec.Provider, tx)
		switch {
		case errors.Is(err, domain.ErrPaymentNotFound):
			out = append(out, uc.discrepancy(rec, th, domain.DiscrepancyMissingInInternal, nil, tx, tx.Amount))
		case err != nil:
			return nil, fmt.Errorf("look up payment %s: %w", tx.ProviderReference, err)
		case p.Status == domain.PaymentStatusSucceeded:
			rec.MatchedCount++
		default:
			out = append(out, uc.discrepancy(rec, th, domain.DiscrepancyStatusMismatch, p, tx, tx.Amount))
		}
	}
	return out, nil
}

// lookup finds the payment behind a reported transaction by provider reference, then by
// our own reference for payments whose Initiate timed out before the reference came back.
func (uc *ReconciliationUsecase) lookup(ctx context.Context, providerName string, tx *provider.Transaction) (*domain.PaymentTransaction, error) {
	p, err := uc.payments.GetByProviderReference(ctx, providerName, tx.ProviderReference)
	if !errors.Is(err, domain.ErrPaymentNotFound) || tx.Reference == "" {
		return p, err
	}
	p, err = uc.payments.GetByID(ctx, tx.Reference)
	if err != nil {
		return nil, err
	}
	if p.Provider != providerName {
		return nil, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (uc *ReconciliationUsecase) discrepancy(
	rec *domain.Reconciliation,
	th config.Limits,
	typ domain.DiscrepancyType,
	p *domain.PaymentTransaction,
	tx *provider.Transaction,
	difference money.Amount,
) *domain.ReconciliationDiscrepancy {
	now := uc.now()
	d := &domain.ReconciliationDiscrepancy{
		ID:               uuid.NewString(),
		ReconciliationID: rec.ID,
		Provider:         rec.Provider,
		Currency:         rec.Currency,
		Type:             typ,
		Severity:         th.Severity.Classify(difference),
		Status:           domain.DiscrepancyStatusPending,
		Difference:       difference.Abs(),
		CreatedAt:        now,
	}
	if p != nil {
		id := p.ID
		d.PaymentID = &id
		d.ProviderReference = p.ProviderReference
		d.InternalAmount = p.Amount
		d.InternalStatus = string(p.Status)
	}
	if tx != nil {
		d.ProviderReference = tx.ProviderReference
		d.ProviderAmount = tx.Amount
		d.ProviderStatus = string(tx.Status)
	}
	if d.Difference <= th.AutoResolveLimit {
		resolver, note := systemResolver, autoResolveNote
		d.Status = domain.DiscrepancyStatusAutoResolved
		d.ResolvedBy = &resolver
		d.ResolutionNote = &note
		d.ResolvedAt = &now
	}
	return d
}

// failRun records an infrastructure failure on the run and raises an operational alert.
func (uc *ReconciliationUsecase) failRun(ctx context.Context, rec *domain.Reconciliation, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	now := uc.now()
	rec.Status = domain.ReconciliationStatusFailed
	rec.FailureReason = &reason
	rec.CompletedAt = &now
	if err := uc.recons.Update(ctx, rec); err != nil {
		uc.logger.Error("failed to mark reconciliation failed", zap.String("reconciliation_id", rec.ID), zap.Error(err))
	}
	metrics.ReconciliationRuns.WithLabelValues(rec.Provider, string(rec.Status)).Inc()
	uc.logger.Error("reconciliation run failed",
		zap.String("reconciliation_id", rec.ID),
		zap.String("provider", rec.Provider),
		zap.String("currency", rec.Currency),
		zap.Error(cause))
	uc.alert(ctx, rec.ID, rec.Provider, rec.Currency, 0, domain.SeverityHigh, "reconciliation failed: "+reason)
	return fmt.Errorf("reconciliation %s failed: %w", rec.ID, cause)
}

// RunBalanceReconciliation compares the provider's float account with the balance the
// provider reports. The reported balance is persisted whatever the outcome.
func (uc *ReconciliationUsecase) RunBalanceReconciliation(ctx context.Context, providerName, currency string) (*domain.BalanceReconciliation, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	adapter, err := uc.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	log := uc.logger.With(zap.String("provider", providerName), zap.String("currency", currency))

	var reported *provider.Balance
	err = uc.retry(ctx, log, "get provider balance", func(ctx context.Context) error {
		reported, err = adapter.GetBalance(ctx, currency)
		return err
	})
	if err != nil {
		log.Error("balance reconciliation failed", zap.Error(err))
		uc.alert(ctx, "balance:"+providerName+":"+currency, providerName, currency, 0, domain.SeverityHigh,
			"balance reconciliation failed: "+err.Error())
		return nil, err
	}

	now := uc.now()
	if err := uc.recons.UpsertProviderBalance(ctx, &domain.ProviderBalance{
		Provider:  providerName,
		Currency:  currency,
		Balance:   reported.Available,
		FetchedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("save provider balance: %w", err)
	}

	float, err := uc.ledger.FloatAccount(ctx, providerName, currency)
	if err != nil {
		return nil, fmt.Errorf("load float account: %w", err)
	}

	th := uc.cfg.For(providerName, currency)
	check := &domain.BalanceReconciliation{
		ID:              uuid.NewString(),
		Provider:        providerName,
		Currency:        currency,
		FloatAccountID:  float.ID,
		InternalBalance: float.Balance,
		ProviderBalance: reported.Available,
		Difference:      (float.Balance - reported.Available).Abs(),
		Status:          domain.BalanceCheckMatched,
		CheckedAt:       now,
	}
	if check.Difference > th.FixedTolerance {
		check.Status = domain.BalanceCheckDiscrepancy
	}
	if err := uc.recons.SaveBalanceCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("save balance check: %w", err)
	}

	if check.Status == domain.BalanceCheckDiscrepancy {
		severity := th.Severity.Classify(check.Difference)
		metrics.ReconciliationDiscrepancies.WithLabelValues(providerName, balanceMismatchType, string(severity)).Inc()
		log.Warn("float balance differs from provider balance",
			zap.Int64("internal_balance", int64(check.InternalBalance)),
			zap.Int64("provider_balance", int64(check.ProviderBalance)),
			zap.Int64("difference", int64(check.Difference)))
		uc.alert(ctx, check.ID, providerName, currency, check.Difference, severity,
			fmt.Sprintf("float %s vs provider %s", check.InternalBalance.String(), check.ProviderBalance.String()))
	}
	return check, nil
}

// retry runs fn up to BalanceAttempts times, doubling BalanceBackoff between attempts.
func (uc *ReconciliationUsecase) retry(ctx context.Context, log *zap.Logger, op string, fn func(context.Context) error) error {
	delay := uc.cfg.BalanceBackoff
	var err error
	for i := 1; i <= uc.cfg.BalanceAttempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		log.Warn(op+" failed", zap.Int("attempt", i), zap.Int("max_attempts", uc.cfg.BalanceAttempts), zap.Error(err))
		if i < uc.cfg.BalanceAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, uc.cfg.BalanceAttempts, err)
}

// ResolveDiscrepancy closes a PENDING discrepancy as MANUALLY_RESOLVED.
func (uc *ReconciliationUsecase) ResolveDiscrepancy(ctx context.Context, id, resolver, note string) (*domain.ReconciliationDiscrepancy, error) {
	return uc.closeDiscrepancy(ctx, id, resolver, note, domain.DiscrepancyStatusManuallyResolved)
}

// IgnoreDiscrepancy closes a PENDING discrepancy as IGNORED. Ignored discrepancies keep
// their run PENDING.
func (uc *ReconciliationUsecase) IgnoreDiscrepancy(ctx context.Context, id, resolver, note string) (*domain.ReconciliationDiscrepancy, error) {
	return uc.closeDiscrepancy(ctx, id, resolver, note, domain.DiscrepancyStatusIgnored)
}

func (uc *ReconciliationUsecase) closeDiscrepancy(ctx context.Context, id, resolver, note string, status domain.DiscrepancyStatus) (*domain.ReconciliationDiscrepancy, error) {
	resolver, note = strings.TrimSpace(resolver), strings.TrimSpace(note)
	if resolver == "" || note == "" {
		return nil, domain.ErrResolverRequired
	}

	d, err := uc.recons.GetDiscrepancy(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DiscrepancyStatusPending {
		return nil, domain.ErrDiscrepancyResolved
	}

	now := uc.now()
	d.Status = status
	d.ResolvedBy = &resolver
	d.ResolutionNote = &note
	d.ResolvedAt = &now
	if err := uc.recons.CloseDiscrepancy(ctx, d); err != nil {
		return nil, err
	}

	uc.logger.Info("discrepancy closed",
		zap.String("discrepancy_id", d.ID),
		zap.String("reconciliation_id", d.ReconciliationID),
		zap.String("status", string(status)),
		zap.String("resolver", resolver))

	if err := uc.refreshRun(ctx, d.ReconciliationID); err != nil {
		uc.logger.Warn("failed to refresh reconciliation status",
			zap.String("reconciliation_id", d.ReconciliationID), zap.Error(err))
	}
	return d, nil
}

// refreshRun completes a PENDING run once nothing in it is left unresolved.
func (uc *ReconciliationUsecase) refreshRun(ctx context.Context, id string) error {
	n, err := uc.recons.CountUnresolved(ctx, id)
	if err != nil || n > 0 {
		return err
	}
	rec, err := uc.recons.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.ReconciliationStatusPending {
		return nil
	}
	now := uc.now()
	rec.Status = domain.ReconciliationStatusCompleted
	rec.CompletedAt = &now
	return uc.recons.Update(ctx, rec)
}

func (uc *ReconciliationUsecase) ListDiscrepancies(ctx context.Context, f domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	return uc.recons.ListDiscrepancies(ctx, f)
}

func (uc *ReconciliationUsecase) ListRuns(ctx context.Context, limit, offset int) ([]*domain.Reconciliation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return uc.recons.List(ctx, limit, offset)
}

func (uc *ReconciliationUsecase) GetRun(ctx context.Context, id string) (*ReconciliationReport, error) {
	rec, err := uc.recons.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ds, err := uc.recons.ListDiscrepancies(ctx, domain.DiscrepancyFilter{ReconciliationID: &id, Limit: 1000})
	if err != nil {
		return nil, err
	}
	return &ReconciliationReport{Reconciliation: rec, Discrepancies: ds}, nil
}

// RunAll reconciles every configured (provider, currency) pair for date, then checks
// their balances. A failure of one pair does not stop the others; the first error is
// returned.
func (uc *ReconciliationUsecase) RunAll(ctx context.Context, date time.Time) error {
	var g errgroup.Group
	g.SetLimit(reconFanOut)

	for _, name := range uc.registry.Names() {
		for _, currency := range uc.currencies[name] {
			g.Go(func() error {
				_, err := uc.RunTransactionReconciliation(ctx, name, currency, date)
				switch {
				case errors.Is(err, domain.ErrReconciliationRunning):
					uc.logger.Info("reconciliation already claimed",
						zap.String("provider", name), zap.String("currency", currency))
					err = nil
				case err != nil:
					uc.logger.Error("transaction reconciliation error",
						zap.String("provider", name), zap.String("currency", currency), zap.Error(err))
				}
				if _, balErr := uc.RunBalanceReconciliation(ctx, name, currency); balErr != nil && err == nil {
					err = balErr
				}
				return err
			})
		}
	}
	return g.Wait()
}

func (uc *ReconciliationUsecase) alert(ctx context.Context, key, providerName, currency string, amount money.Amount, severity domain.Severity, msg string) {
	uc.notify(ctx, &pub.Event{
		Type:     pub.EventReconciliationAlert,
		Key:      key,
		Provider: providerName,
		Amount:   amount,
		Currency: currency,
		Severity: string(severity),
		Message:  msg,
	})
}

func (uc *ReconciliationUsecase) notify(ctx context.Context, evt *pub.Event) {
	evt.Timestamp = uc.now()
	if err := uc.notifier.Notify(ctx, evt); err != nil {
		uc.logger.Warn("failed to publish reconciliation event", zap.String("event_type", evt.Type), zap.Error(err))
	}
}
