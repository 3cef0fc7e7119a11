// Package memory holds in-process implementations of the repository interfaces. They
// keep the locking and uniqueness behaviour of the Postgres stores so usecases behave the
// same against either: row locks are per-key mutexes held until commit, and a duplicate
// idempotency key waits for the in-flight writer before failing, like a unique index does.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payments-core/internal/domain"
	"payments-core/internal/repository"
	"payments-core/pkg/money"
)

type LedgerStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	accounts    map[string]*domain.WalletAccount
	accountKeys map[string]string
	txns        map[string]*domain.Transaction
	txnKeys     map[string]string
	entries     []*domain.LedgerEntry
	holds       map[string]*domain.BalanceHold
	holdKeys    map[string]string

	inflight map[string]bool
	rowLocks map[string]*sync.Mutex
}

var _ repository.LedgerStore = (*LedgerStore)(nil)

func NewLedgerStore() *LedgerStore {
	s := &LedgerStore{
		accounts:    make(map[string]*domain.WalletAccount),
		accountKeys: make(map[string]string),
		txns:        make(map[string]*domain.Transaction),
		txnKeys:     make(map[string]string),
		holds:       make(map[string]*domain.BalanceHold),
		holdKeys:    make(map[string]string),
		inflight:    make(map[string]bool),
		rowLocks:    make(map[string]*sync.Mutex),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func accountKey(owner *string, t domain.AccountType, currency string) string {
	o := ""
	if owner != nil {
		o = *owner
	}
	return o + "|" + string(t) + "|" + currency
}

func (s *LedgerStore) rowLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[key] = l
	}
	return l
}

// reserve claims a unique key for the calling transaction, waiting while another open
// transaction holds it.
func (s *LedgerStore) reserve(key string, committed func() bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if committed() {
			return domain.ErrDuplicateIdempotencyKey
		}
		if !s.inflight[key] {
			s.inflight[key] = true
			return nil
		}
		s.cond.Wait()
	}
}

func (s *LedgerStore) WithinTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &ledgerTx{
		s:        s,
		accounts: make(map[string]*domain.WalletAccount),
		txns:     make(map[string]*domain.Transaction),
		holds:    make(map[string]*domain.BalanceHold),
		locked:   make(map[string]*sync.Mutex),
	}
	err := fn(tx)

	s.mu.Lock()
	if err == nil {
		tx.apply()
	}
	for _, k := range tx.reserved {
		delete(s.inflight, k)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, l := range tx.locked {
		l.Unlock()
	}
	return err
}

func (s *LedgerStore) CreateAccount(_ context.Context, acc *domain.WalletAccount) (*domain.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(acc.OwnerRef, acc.AccountType, acc.Currency)
	if id, ok := s.accountKeys[key]; ok {
		cp := *s.accounts[id]
		return &cp, nil
	}
	stored := *acc
	stored.Balance, stored.HeldBalance, stored.IsActive = 0, 0, true
	stored.UpdatedAt = stored.CreatedAt
	s.accounts[stored.ID] = &stored
	s.accountKeys[key] = stored.ID
	cp := stored
	return &cp, nil
}

func (s *LedgerStore) GetAccount(_ context.Context, id string) (*domain.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *LedgerStore) FindAccount(ctx context.Context, key domain.AccountKey) (*domain.WalletAccount, error) {
	s.mu.Lock()
	id, ok := s.accountKeys[accountKey(key.OwnerRef, key.AccountType, key.Currency)]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id)
}

func (s *LedgerStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *LedgerStore) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	s.mu.Lock()
	id, ok := s.txnKeys[key]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *LedgerStore) ListEntriesByTransaction(_ context.Context, txID string) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == txID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *LedgerStore) ListEntriesByAccount(_ context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *LedgerStore) SumEntries(_ context.Context, accountID string) (money.Amount, money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var debits, credits money.Amount
	for _, e := range s.entries {
		if e.AccountID != accountID {
			continue
		}
		if e.Direction == domain.DirectionDebit {
			debits += e.Amount
		} else {
			credits += e.Amount
		}
	}
	return debits, credits, nil
}

func (s *LedgerStore) GetHold(_ context.Context, id string) (*domain.BalanceHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *LedgerStore) GetHoldByKey(ctx context.Context, key string) (*domain.BalanceHold, error) {
	s.mu.Lock()
	id, ok := s.holdKeys[key]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	return s.GetHold(ctx, id)
}

func (s *LedgerStore) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]*domain.BalanceHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BalanceHold
	for _, h := range s.holds {
		if h.Sweepable(now) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ledgerTx stages writes and applies them on commit.
type ledgerTx struct {
	s *LedgerStore

	accounts map[string]*domain.WalletAccount
	txns     map[string]*domain.Transaction
	newTxns  []string
	entries  []*domain.LedgerEntry
	holds    map[string]*domain.BalanceHold
	newHolds []string

	reserved []string
	locked   map[string]*sync.Mutex
}

// apply runs with s.mu held.
func (t *ledgerTx) apply() {
	s := t.s
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for id, txn := range t.txns {
		s.txns[id] = txn
	}
	for _, id := range t.newTxns {
		s.txnKeys[t.txns[id].IdempotencyKey] = id
	}
	s.entries = append(s.entries, t.entries...)
	for id, h := range t.holds {
		s.holds[id] = h
	}
	for _, id := range t.newHolds {
		s.holdKeys[t.holds[id].IdempotencyKey] = id
	}
}

func (t *ledgerTx) lock(key string) {
	if _, ok := t.locked[key]; ok {
		return
	}
	l := t.s.rowLock(key)
	l.Lock()
	t.locked[key] = l
}

func (t *ledgerTx) LockAccounts(_ context.Context, ids []string) (map[string]*domain.WalletAccount, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*domain.WalletAccount, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		t.s.mu.Lock()
		_, exists := t.s.accounts[id]
		t.s.mu.Unlock()
		if !exists {
			return nil, domain.ErrAccountNotFound
		}

		t.lock("acc:" + id)

		if staged, ok := t.accounts[id]; ok {
			cp := *staged
			out[id] = &cp
			continue
		}
		t.s.mu.Lock()
		cp := *t.s.accounts[id]
		t.s.mu.Unlock()
		out[id] = &cp
	}
	return out, nil
}

func (t *ledgerTx) UpdateAccounts(_ context.Context, accounts []*domain.WalletAccount) error {
	for _, a := range accounts {
		if _, ok := t.locked["acc:"+a.ID]; !ok {
			return domain.ErrAccountNotFound
		}
		cp := *a
		t.accounts[a.ID] = &cp
	}
	return nil
}

func (t *ledgerTx) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	key := "txn:" + txn.IdempotencyKey
	err := t.s.reserve(key, func() bool {
		_, ok := t.s.txnKeys[txn.IdempotencyKey]
		return ok
	})
	if err != nil {
		return err
	}
	t.reserved = append(t.reserved, key)
	cp := *txn
	t.txns[txn.ID] = &cp
	t.newTxns = append(t.newTxns, txn.ID)
	return nil
}

func (t *ledgerTx) currentTxn(id string) (*domain.Transaction, error) {
	if staged, ok := t.txns[id]; ok {
		cp := *staged
		return &cp, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	stored, ok := t.s.txns[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *stored
	return &cp, nil
}

func (t *ledgerTx) GetTransactionForUpdate(_ context.Context, id string) (*domain.Transaction, error) {
	if _, err := t.currentTxn(id); err != nil {
		return nil, err
	}
	t.lock("txn:" + id)
	return t.currentTxn(id)
}

func (t *ledgerTx) UpdateTransactionStatus(_ context.Context, id string, status domain.TransactionStatus, completedAt *time.Time) error {
	txn, err := t.currentTxn(id)
	if err != nil {
		return err
	}
	txn.Status = status
	if completedAt != nil {
		txn.CompletedAt = completedAt
	}
	t.txns[id] = txn
	return nil
}

func (t *ledgerTx) InsertEntries(_ context.Context, entries []*domain.LedgerEntry) error {
	for _, e := range entries {
		cp := *e
		t.entries = append(t.entries, &cp)
	}
	return nil
}

func (t *ledgerTx) InsertHold(_ context.Context, h *domain.BalanceHold) error {
	key := "hold:" + h.IdempotencyKey
	err := t.s.reserve(key, func() bool {
		_, ok := t.s.holdKeys[h.IdempotencyKey]
		return ok
	})
	if err != nil {
		return err
	}
	t.reserved = append(t.reserved, key)
	cp := *h
	t.holds[h.ID] = &cp
	t.newHolds = append(t.newHolds, h.ID)
	return nil
}

func (t *ledgerTx) currentHold(id string) (*domain.BalanceHold, error) {
	if staged, ok := t.holds[id]; ok {
		cp := *staged
		return &cp, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	stored, ok := t.s.holds[id]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	cp := *stored
	return &cp, nil
}

// GetHoldForUpdate relies on the caller holding the hold's account lock, which is what
// serialises every hold transition.
func (t *ledgerTx) GetHoldForUpdate(_ context.Context, id string) (*domain.BalanceHold, error) {
	return t.currentHold(id)
}

func (t *ledgerTx) UpdateHoldStatus(_ context.Context, id string, status domain.HoldStatus, at time.Time) error {
	h, err := t.currentHold(id)
	if err != nil {
		return err
	}
	h.Status = status
	h.UpdatedAt = at
	t.holds[id] = h
	return nil
}

func (t *ledgerTx) ExpireHold(_ context.Context, id string, now time.Time) (*domain.BalanceHold, bool, error) {
	h, err := t.currentHold(id)
	if err != nil {
		return nil, false, nil
	}
	if !h.Sweepable(now) {
		return nil, false, nil
	}
	h.Status = domain.HoldStatusExpired
	h.UpdatedAt = now
	t.holds[id] = h
	cp := *h
	return &cp, true, nil
}
