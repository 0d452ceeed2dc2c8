package budget

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

func newTestManager(allowance, ceiling int64) *Manager {
	return NewManager(time.Minute, big.NewInt(allowance), big.NewInt(ceiling), nil)
}

func TestAuthorizeDeniedOverCeiling(t *testing.T) {
	m := newTestManager(1000, 100)

	if _, err := m.Authorize("caller", big.NewInt(101), nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if _, err := m.Authorize("caller", big.NewInt(100), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthorizeDeniedOverAllowance(t *testing.T) {
	m := newTestManager(150, 100)

	first, err := m.Authorize("caller", big.NewInt(100), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Authorize("caller", big.NewInt(100), nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied while reservation outstanding, got %v", err)
	}

	m.Release(first)
	if _, err := m.Authorize("caller", big.NewInt(100), nil); err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
}

func TestSettleReturnsDifference(t *testing.T) {
	m := newTestManager(100, 100)

	res, err := m.Authorize("caller", big.NewInt(80), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Settle(res, big.NewInt(50)); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	remaining := m.Remaining("caller")
	if remaining.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("remaining = %s, want 50", remaining)
	}
}

func TestSettleCannotExceedReservation(t *testing.T) {
	m := newTestManager(100, 100)

	res, err := m.Authorize("caller", big.NewInt(50), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Settle(res, big.NewInt(51)); err == nil {
		t.Fatalf("expected error settling above reservation")
	}
}

func TestSettleTwiceFails(t *testing.T) {
	m := newTestManager(100, 100)

	res, err := m.Authorize("caller", big.NewInt(50), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Settle(res, big.NewInt(50)); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if err := m.Settle(res, big.NewInt(50)); err == nil {
		t.Fatalf("expected error on double settle")
	}
}

func TestReleaseAfterSettleIsNoop(t *testing.T) {
	m := newTestManager(100, 100)

	res, err := m.Authorize("caller", big.NewInt(60), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Settle(res, big.NewInt(60)); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	m.Release(res)

	remaining := m.Remaining("caller")
	if remaining.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("remaining = %s, want 40", remaining)
	}
}

func TestWindowRollRestoresSpend(t *testing.T) {
	m := newTestManager(100, 100)
	current := time.Now()
	m.now = func() time.Time { return current }

	res, err := m.Authorize("caller", big.NewInt(100), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Settle(res, big.NewInt(100)); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if remaining := m.Remaining("caller"); remaining.Sign() != 0 {
		t.Fatalf("remaining = %s, want 0", remaining)
	}

	current = current.Add(2 * time.Minute)
	if remaining := m.Remaining("caller"); remaining.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("remaining after window roll = %s, want 100", remaining)
	}
}

// Outstanding reservations must never exceed the allowance, whatever the
// interleaving of concurrent authorize calls for one caller.
func TestConcurrentAuthorizeNeverOverspends(t *testing.T) {
	const allowance = 100
	m := newTestManager(allowance, allowance)

	var mu sync.Mutex
	granted := make([]*Reservation, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Authorize("caller", big.NewInt(10), nil)
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(granted) != allowance/10 {
		t.Fatalf("granted %d reservations, want %d", len(granted), allowance/10)
	}

	total := big.NewInt(0)
	for _, res := range granted {
		total.Add(total, res.Amount())
	}
	if total.Cmp(big.NewInt(allowance)) > 0 {
		t.Fatalf("outstanding reservations %s exceed allowance %d", total, allowance)
	}
}
