package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
	"github.com/AnTengye/pagelens/backend/pkg/logger"
)

// PurchaseDescriptor describes a completed checkout to be credited
type PurchaseDescriptor struct {
	Amount    int64  `json:"amount"` // minor currency units
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// LedgerService owns every read-modify-write of account balances.
// Each mutation runs under the in-process mutex and then the advisory lock,
// so concurrent pipelines in one process and cooperating processes never
// lose an update.
type LedgerService struct {
	backend        LedgerBackend
	locker         Locker
	mu             sync.Mutex
	initialBalance int
	prices         map[int64]int
	now            func() time.Time
}

func NewLedgerService(backend LedgerBackend, locker Locker, cfg *config.LedgerConfig) *LedgerService {
	prices := make(map[int64]int, len(cfg.PriceTable))
	for amount, credits := range cfg.PriceTable {
		prices[amount] = credits
	}
	return &LedgerService{
		backend:        backend,
		locker:         locker,
		initialBalance: cfg.InitialBalance,
		prices:         prices,
		now:            time.Now,
	}
}

// Close releases resources held by the lock driver, such as a Redis pool
func (l *LedgerService) Close() error {
	if c, ok := l.locker.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CreditsFor returns the credits granted for a checkout amount, 0 if unmapped
func (l *LedgerService) CreditsFor(amount int64) int {
	return l.prices[amount]
}

// mutate runs fn over the full account set inside the exclusive section and
// persists the result when fn reports a change. The lock is released on
// every path.
func (l *LedgerService) mutate(ctx context.Context, op, owner string, fn func(accounts map[string]*model.Account) (bool, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	unlock, err := l.locker.Lock(ctx)
	if err != nil {
		return retag(op, owner, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Error(ctx, "failed to release ledger lock", "op", op, "error", err)
		}
	}()

	accounts, err := l.backend.ReadAll(ctx)
	if err != nil {
		return newError(KindStoreUnavailable, op, owner, err)
	}

	changed, err := fn(accounts)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := l.backend.WriteAll(ctx, accounts); err != nil {
		return newError(KindStoreUnavailable, op, owner, err)
	}
	return nil
}

// retag attaches op and owner to an error from a collaborator, keeping its kind
func retag(op, owner string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return newError(e.Kind, op, owner, e.Err)
	}
	return newError(KindStoreUnavailable, op, owner, err)
}

func requireOwner(op, owner string) error {
	if owner == "" {
		return newError(KindNotFound, op, owner, errors.New("owner is required"))
	}
	return nil
}

// GetOrCreate returns the owner's account, seeding it with the initial balance
// on first contact
func (l *LedgerService) GetOrCreate(ctx context.Context, owner string) (*model.Account, error) {
	const op = "ledger.get_or_create"
	if err := requireOwner(op, owner); err != nil {
		return nil, err
	}

	var result *model.Account
	err := l.mutate(ctx, op, owner, func(accounts map[string]*model.Account) (bool, error) {
		if acct, ok := accounts[owner]; ok {
			result = acct.Clone()
			return false, nil
		}
		now := l.now()
		acct := &model.Account{
			Owner:     owner,
			Balance:   l.initialBalance,
			Purchases: []model.Purchase{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		accounts[owner] = acct
		result = acct.Clone()
		logger.Info(ctx, "ledger account created", "owner", owner, "balance", acct.Balance)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get reads the owner's account without taking the lock. Writers replace the
// document atomically, so a reader sees either the old or the new state.
func (l *LedgerService) Get(ctx context.Context, owner string) (*model.Account, error) {
	const op = "ledger.get"
	accounts, err := l.backend.ReadAll(ctx)
	if err != nil {
		return nil, newError(KindStoreUnavailable, op, owner, err)
	}
	acct, ok := accounts[owner]
	if !ok {
		return nil, newError(KindNotFound, op, owner, nil)
	}
	return acct.Clone(), nil
}

// EnsureAccount returns the owner's account, taking the lock only when it
// has to be created
func (l *LedgerService) EnsureAccount(ctx context.Context, owner string) (*model.Account, error) {
	acct, err := l.Get(ctx, owner)
	if err == nil {
		return acct, nil
	}
	if KindOf(err) != KindNotFound {
		return nil, err
	}
	return l.GetOrCreate(ctx, owner)
}

// Debit takes one credit and counts one use. It refuses at zero balance.
func (l *LedgerService) Debit(ctx context.Context, owner string) (int, error) {
	const op = "ledger.debit"
	var balance int
	err := l.mutate(ctx, op, owner, func(accounts map[string]*model.Account) (bool, error) {
		acct, ok := accounts[owner]
		if !ok {
			return false, newError(KindNotFound, op, owner, nil)
		}
		if acct.Balance <= 0 {
			return false, newError(KindQuotaExceeded, op, owner, nil)
		}
		acct.Balance--
		acct.UsageCount++
		acct.UpdatedAt = l.now()
		balance = acct.Balance
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	logger.Debug(ctx, "ledger debited", "owner", owner, "balance", balance)
	return balance, nil
}

// Credit adds amount to the owner's balance. Usage count is untouched.
func (l *LedgerService) Credit(ctx context.Context, owner string, amount int) (int, error) {
	const op = "ledger.credit"
	if amount < 0 {
		return 0, fmt.Errorf("%s: negative amount %d", op, amount)
	}
	var balance int
	err := l.mutate(ctx, op, owner, func(accounts map[string]*model.Account) (bool, error) {
		acct, ok := accounts[owner]
		if !ok {
			return false, newError(KindNotFound, op, owner, nil)
		}
		acct.Balance += amount
		acct.UpdatedAt = l.now()
		balance = acct.Balance
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	logger.Info(ctx, "ledger credited", "owner", owner, "amount", amount, "balance", balance)
	return balance, nil
}

// RecordPurchase converts a checkout into credits via the price table and
// appends it to the owner's history. Unmapped amounts grant nothing but are
// still recorded.
func (l *LedgerService) RecordPurchase(ctx context.Context, owner string, p PurchaseDescriptor) (*model.Account, error) {
	const op = "ledger.record_purchase"
	credits, mapped := l.prices[p.Amount]
	if !mapped {
		logger.Warn(ctx, "purchase amount not in price table", "owner", owner, "amount", p.Amount, "reference", p.Reference)
	}

	var result *model.Account
	err := l.mutate(ctx, op, owner, func(accounts map[string]*model.Account) (bool, error) {
		acct, ok := accounts[owner]
		if !ok {
			return false, newError(KindNotFound, op, owner, nil)
		}
		now := l.now()
		before := acct.Balance
		acct.Balance += credits
		acct.Purchases = append(acct.Purchases, model.Purchase{
			Amount:        p.Amount,
			Currency:      p.Currency,
			Reference:     p.Reference,
			Credits:       credits,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			At:            now,
		})
		acct.UpdatedAt = now
		result = acct.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "purchase recorded",
		"owner", owner,
		"amount", p.Amount,
		"credits", credits,
		"balance", result.Balance,
	)
	return result, nil
}
