package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
)

func testLedgerConfig(t *testing.T, initialBalance int) *config.LedgerConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	return &config.LedgerConfig{
		Backend:        "file",
		Path:           path,
		InitialBalance: initialBalance,
		PriceTable:     map[int64]int{299: 20, 599: 50, 999: 120},
		Lock: config.LockConfig{
			Driver:     "file",
			Path:       path + ".lock",
			StaleAfter: 10 * time.Second,
			Retries:    500,
			Backoff:    time.Millisecond,
		},
	}
}

func newTestLedger(t *testing.T, initialBalance int) *LedgerService {
	t.Helper()
	cfg := testLedgerConfig(t, initialBalance)
	return NewLedgerService(NewFileBackend(cfg.Path), NewFileLocker(cfg.Lock), cfg)
}

// countingLocker records how often the lock is taken and released
type countingLocker struct {
	locked   atomic.Int32
	unlocked atomic.Int32
	err      error
}

func (l *countingLocker) Lock(ctx context.Context) (func() error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.locked.Add(1)
	return func() error {
		l.unlocked.Add(1)
		return nil
	}, nil
}

// closingLocker records Close calls
type closingLocker struct {
	countingLocker
	closed atomic.Int32
}

func (l *closingLocker) Close() error {
	l.closed.Add(1)
	return nil
}

// memoryBackend is an in-memory LedgerBackend with injectable failures
type memoryBackend struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	readErr  error
	writeErr error
	writes   int
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{accounts: make(map[string]*model.Account)}
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) ReadAll(ctx context.Context) (map[string]*model.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	out := make(map[string]*model.Account, len(b.accounts))
	for k, v := range b.accounts {
		out[k] = v.Clone()
	}
	return out, nil
}

func (b *memoryBackend) WriteAll(ctx context.Context, accounts map[string]*model.Account) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes++
	b.accounts = make(map[string]*model.Account, len(accounts))
	for k, v := range accounts {
		b.accounts[k] = v.Clone()
	}
	return nil
}

func TestLedgerGetOrCreate(t *testing.T) {
	ledger := newTestLedger(t, 10)
	ctx := context.Background()

	acct, err := ledger.GetOrCreate(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if acct.Balance != 10 || acct.UsageCount != 0 {
		t.Errorf("Expected seeded account, got %+v", acct)
	}

	if _, err := ledger.Debit(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}

	again, err := ledger.GetOrCreate(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Balance != 9 {
		t.Errorf("Expected existing account returned unchanged, got balance %d", again.Balance)
	}

	if _, err := ledger.GetOrCreate(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty owner, got %v", err)
	}
}

func TestLedgerGet(t *testing.T) {
	ledger := newTestLedger(t, 3)
	ctx := context.Background()

	if _, err := ledger.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	ledger.GetOrCreate(ctx, "owner-1")

	acct, err := ledger.Get(ctx, "owner-1")
	if err != nil || acct.Balance != 3 {
		t.Errorf("Expected balance 3, got %+v, %v", acct, err)
	}
}

func TestLedgerDebit(t *testing.T) {
	ledger := newTestLedger(t, 2)
	ctx := context.Background()
	ledger.GetOrCreate(ctx, "owner-1")

	balance, err := ledger.Debit(ctx, "owner-1")
	if err != nil || balance != 1 {
		t.Fatalf("Expected balance 1, got %d, %v", balance, err)
	}
	balance, err = ledger.Debit(ctx, "owner-1")
	if err != nil || balance != 0 {
		t.Fatalf("Expected balance 0, got %d, %v", balance, err)
	}

	_, err = ledger.Debit(ctx, "owner-1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded, got %v", err)
	}
	if KindOf(err) != KindQuotaExceeded {
		t.Errorf("Expected kind quota_exceeded, got %s", KindOf(err))
	}

	acct, _ := ledger.Get(ctx, "owner-1")
	if acct.Balance != 0 || acct.UsageCount != 2 {
		t.Errorf("Refused debit must not change the account, got %+v", acct)
	}
}

func TestLedgerDebitUnknownOwner(t *testing.T) {
	ledger := newTestLedger(t, 10)

	if _, err := ledger.Debit(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := ledger.Credit(context.Background(), "ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := ledger.RecordPurchase(context.Background(), "ghost", PurchaseDescriptor{Amount: 299}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLedgerCredit(t *testing.T) {
	ledger := newTestLedger(t, 0)
	ctx := context.Background()
	ledger.GetOrCreate(ctx, "owner-1")

	balance, err := ledger.Credit(ctx, "owner-1", 5)
	if err != nil || balance != 5 {
		t.Fatalf("Expected balance 5, got %d, %v", balance, err)
	}

	acct, _ := ledger.Get(ctx, "owner-1")
	if acct.UsageCount != 0 {
		t.Error("Credit must not change the usage count")
	}

	if _, err := ledger.Credit(ctx, "owner-1", -1); err == nil {
		t.Error("Expected error for negative credit")
	}
}

func TestLedgerRecordPurchase(t *testing.T) {
	tests := []struct {
		name          string
		amount        int64
		expectCredits int
	}{
		{"small pack", 299, 20},
		{"medium pack", 599, 50},
		{"large pack", 999, 120},
		{"unmapped amount", 1234, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newTestLedger(t, 1)
			ctx := context.Background()
			ledger.GetOrCreate(ctx, "owner-1")

			acct, err := ledger.RecordPurchase(ctx, "owner-1", PurchaseDescriptor{
				Amount:    tt.amount,
				Currency:  "usd",
				Reference: "cs_test",
			})
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if acct.Balance != 1+tt.expectCredits {
				t.Errorf("Expected balance %d, got %d", 1+tt.expectCredits, acct.Balance)
			}
			if len(acct.Purchases) != 1 {
				t.Fatalf("Expected one purchase record, got %d", len(acct.Purchases))
			}
			p := acct.Purchases[0]
			if p.Credits != tt.expectCredits || p.BalanceBefore != 1 || p.BalanceAfter != 1+tt.expectCredits {
				t.Errorf("Unexpected purchase record: %+v", p)
			}
			if p.Reference != "cs_test" || p.Currency != "usd" {
				t.Errorf("Expected descriptor fields preserved, got %+v", p)
			}
		})
	}
}

func TestLedgerPurchaseHistoryIsAppendOnly(t *testing.T) {
	ledger := newTestLedger(t, 0)
	ctx := context.Background()
	ledger.GetOrCreate(ctx, "owner-1")

	ledger.RecordPurchase(ctx, "owner-1", PurchaseDescriptor{Amount: 299, Reference: "a"})
	acct, _ := ledger.RecordPurchase(ctx, "owner-1", PurchaseDescriptor{Amount: 599, Reference: "b"})

	if len(acct.Purchases) != 2 || acct.Purchases[0].Reference != "a" || acct.Purchases[1].Reference != "b" {
		t.Errorf("Expected purchases in order a, b, got %+v", acct.Purchases)
	}
	if acct.Balance != 70 {
		t.Errorf("Expected balance 70, got %d", acct.Balance)
	}
}

func TestLedgerConcurrentDebitsLoseNoUpdates(t *testing.T) {
	cfg := testLedgerConfig(t, 100)
	// Two services over the same files contend on the advisory lock,
	// like two processes would
	a := NewLedgerService(NewFileBackend(cfg.Path), NewFileLocker(cfg.Lock), cfg)
	b := NewLedgerService(NewFileBackend(cfg.Path), NewFileLocker(cfg.Lock), cfg)
	ctx := context.Background()
	if _, err := a.GetOrCreate(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := a
			if i%2 == 1 {
				svc = b
			}
			if _, err := svc.Debit(ctx, "owner-1"); err != nil {
				t.Errorf("Unexpected debit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	acct, err := a.Get(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Balance != 50 {
		t.Errorf("Expected balance 50 after 50 debits, got %d", acct.Balance)
	}
	if acct.UsageCount != 50 {
		t.Errorf("Expected usage count 50, got %d", acct.UsageCount)
	}
}

func TestLedgerConcurrentDebitsStopAtZero(t *testing.T) {
	ledger := newTestLedger(t, 5)
	ctx := context.Background()
	ledger.GetOrCreate(ctx, "owner-1")

	var ok, refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, "owner-1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrQuotaExceeded):
				refused.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 5 || refused.Load() != 15 {
		t.Errorf("Expected 5 debits and 15 refusals, got %d and %d", ok.Load(), refused.Load())
	}
	acct, _ := ledger.Get(ctx, "owner-1")
	if acct.Balance != 0 {
		t.Errorf("Expected balance 0, got %d", acct.Balance)
	}
}

func TestLedgerReleasesLockOnEveryPath(t *testing.T) {
	cfg := testLedgerConfig(t, 1)
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(b *memoryBackend)
		run      func(l *LedgerService) error
		wantKind ErrorKind
	}{
		{
			name: "success",
			run:  func(l *LedgerService) error { _, err := l.Debit(ctx, "owner-1"); return err },
		},
		{
			name:     "not found",
			run:      func(l *LedgerService) error { _, err := l.Debit(ctx, "ghost"); return err },
			wantKind: KindNotFound,
		},
		{
			name: "quota exceeded",
			setup: func(b *memoryBackend) {
				b.accounts["owner-1"].Balance = 0
			},
			run:      func(l *LedgerService) error { _, err := l.Debit(ctx, "owner-1"); return err },
			wantKind: KindQuotaExceeded,
		},
		{
			name:     "read failure",
			setup:    func(b *memoryBackend) { b.readErr = errors.New("disk gone") },
			run:      func(l *LedgerService) error { _, err := l.Credit(ctx, "owner-1", 1); return err },
			wantKind: KindStoreUnavailable,
		},
		{
			name:     "write failure",
			setup:    func(b *memoryBackend) { b.writeErr = errors.New("disk full") },
			run:      func(l *LedgerService) error { _, err := l.Debit(ctx, "owner-1"); return err },
			wantKind: KindStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemoryBackend()
			backend.accounts["owner-1"] = &model.Account{Owner: "owner-1", Balance: 1}
			if tt.setup != nil {
				tt.setup(backend)
			}
			locker := &countingLocker{}
			ledger := NewLedgerService(backend, locker, cfg)

			err := tt.run(ledger)
			if tt.wantKind == KindUnknown {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
			} else if KindOf(err) != tt.wantKind {
				t.Errorf("Expected kind %s, got %v", tt.wantKind, err)
			}

			if locker.locked.Load() != 1 || locker.unlocked.Load() != 1 {
				t.Errorf("Expected one lock and one release, got %d and %d", locker.locked.Load(), locker.unlocked.Load())
			}
		})
	}
}

func TestLedgerLockTimeoutPropagates(t *testing.T) {
	backend := newMemoryBackend()
	backend.accounts["owner-1"] = &model.Account{Owner: "owner-1", Balance: 5}
	locker := &countingLocker{err: newError(KindLockTimeout, "lock", "", errors.New("held"))}
	ledger := NewLedgerService(backend, locker, testLedgerConfig(t, 1))

	_, err := ledger.Debit(context.Background(), "owner-1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
	if backend.writes != 0 {
		t.Error("Expected no write without the lock")
	}
	if backend.accounts["owner-1"].Balance != 5 {
		t.Error("Expected balance untouched without the lock")
	}
}

func TestLedgerReadOnlyPathSkipsWrite(t *testing.T) {
	backend := newMemoryBackend()
	backend.accounts["owner-1"] = &model.Account{Owner: "owner-1", Balance: 5}
	ledger := NewLedgerService(backend, &countingLocker{}, testLedgerConfig(t, 1))

	if _, err := ledger.GetOrCreate(context.Background(), "owner-1"); err != nil {
		t.Fatal(err)
	}
	if backend.writes != 0 {
		t.Errorf("Expected no write for an existing account, got %d", backend.writes)
	}
}

func TestLedgerCreditsFor(t *testing.T) {
	ledger := newTestLedger(t, 0)
	if ledger.CreditsFor(599) != 50 {
		t.Errorf("Expected 50 credits for 599, got %d", ledger.CreditsFor(599))
	}
	if ledger.CreditsFor(1) != 0 {
		t.Error("Expected 0 credits for unmapped amount")
	}
}

func TestLedgerCloseClosesLocker(t *testing.T) {
	locker := &closingLocker{}
	ledger := NewLedgerService(newMemoryBackend(), locker, testLedgerConfig(t, 0))
	if err := ledger.Close(); err != nil {
		t.Fatalf("Unexpected close error: %v", err)
	}
	if locker.closed.Load() != 1 {
		t.Errorf("Expected locker closed once, got %d", locker.closed.Load())
	}

	// Lockers without resources are fine
	plain := NewLedgerService(newMemoryBackend(), &countingLocker{}, testLedgerConfig(t, 0))
	if err := plain.Close(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}
}

func TestLedgerEnsureAccountSkipsLockForExistingOwner(t *testing.T) {
	backend := newMemoryBackend()
	locker := &countingLocker{}
	ledger := NewLedgerService(backend, locker, testLedgerConfig(t, 4))
	ctx := context.Background()

	acct, err := ledger.EnsureAccount(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if acct.Balance != 4 {
		t.Errorf("Expected initial balance 4, got %d", acct.Balance)
	}
	if locker.locked.Load() != 1 || backend.writes != 1 {
		t.Fatalf("Expected one locked write to create the account, got %d locks and %d writes", locker.locked.Load(), backend.writes)
	}

	for i := 0; i < 3; i++ {
		if _, err := ledger.EnsureAccount(ctx, "owner-1"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if locker.locked.Load() != 1 || backend.writes != 1 {
		t.Errorf("Expected no further locking for an existing owner, got %d locks and %d writes", locker.locked.Load(), backend.writes)
	}
}

func TestLedgerEnsureAccountErrors(t *testing.T) {
	backend := newMemoryBackend()
	backend.readErr = errors.New("disk gone")
	ledger := NewLedgerService(backend, &countingLocker{}, testLedgerConfig(t, 4))

	if _, err := ledger.EnsureAccount(context.Background(), "owner-1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}

	ledger = NewLedgerService(newMemoryBackend(), &countingLocker{}, testLedgerConfig(t, 4))
	if _, err := ledger.EnsureAccount(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty owner, got %v", err)
	}
}
