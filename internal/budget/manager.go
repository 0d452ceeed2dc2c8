package budget

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDenied marks a caller-level budget rejection. It is terminal for the
// query: budget exhaustion reflects caller limits, not indexer failures.
var ErrDenied = errors.New("budget denied")

// Manager tracks per-caller spend limits over a rolling window plus a hard
// per-query fee ceiling. Overspend prevention works by reservation before
// spend: authorized-but-unsettled amounts count against the allowance until
// settled or released.
type Manager struct {
	window           time.Duration
	defaultAllowance *big.Int
	defaultCeiling   *big.Int
	logger           *zap.Logger
	now              func() time.Time

	mu      sync.Mutex
	callers map[string]*callerState
}

// callerState serializes all allowance arithmetic for one caller. This is
// the primary overspend-prevention mechanism: two concurrent queries can
// never both be authorized against allowance that only covers one.
type callerState struct {
	mu          sync.Mutex
	allowance   *big.Int
	spent       *big.Int
	reserved    *big.Int
	windowStart time.Time
}

// Reservation is the token returned by a successful authorization. It must
// be settled or released exactly once.
type Reservation struct {
	caller string
	amount *big.Int
	state  *callerState
	done   bool
}

// Amount returns the reserved fee amount.
func (r *Reservation) Amount() *big.Int {
	return new(big.Int).Set(r.amount)
}

func NewManager(window time.Duration, defaultAllowance, defaultCeiling *big.Int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Manager{
		window:           window,
		defaultAllowance: defaultAllowance,
		defaultCeiling:   defaultCeiling,
		logger:           logger,
		now:              time.Now,
		callers:          make(map[string]*callerState),
	}
}

// SetAllowance overrides the per-window allowance for one caller.
func (m *Manager) SetAllowance(caller string, allowance *big.Int) {
	state := m.stateFor(caller)
	state.mu.Lock()
	state.allowance = new(big.Int).Set(allowance)
	state.mu.Unlock()
}

// Authorize reserves the amount against the caller's remaining allowance.
// Denied when the amount exceeds the per-query ceiling or the remaining
// allowance is insufficient. A nil ceiling falls back to the configured
// default.
func (m *Manager) Authorize(caller string, amount, ceiling *big.Int) (*Reservation, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid authorization amount")
	}

	if ceiling == nil {
		ceiling = m.defaultCeiling
	}
	if ceiling != nil && amount.Cmp(ceiling) > 0 {
		return nil, fmt.Errorf("%w: fee %s exceeds ceiling %s", ErrDenied, amount, ceiling)
	}

	state := m.stateFor(caller)
	state.mu.Lock()
	defer state.mu.Unlock()

	m.rollWindowLocked(state)

	remaining := m.remainingLocked(state)
	if amount.Cmp(remaining) > 0 {
		return nil, fmt.Errorf("%w: fee %s exceeds remaining allowance %s", ErrDenied, amount, remaining)
	}

	state.reserved.Add(state.reserved, amount)
	return &Reservation{
		caller: caller,
		amount: new(big.Int).Set(amount),
		state:  state,
	}, nil
}

// Settle finalizes a reservation at the actual cost. The difference between
// reserved and actual returns to the allowance; actual must never exceed the
// reserved amount.
func (m *Manager) Settle(reservation *Reservation, actual *big.Int) error {
	if reservation == nil {
		return fmt.Errorf("nil reservation")
	}
	if actual == nil || actual.Sign() < 0 {
		return fmt.Errorf("invalid settlement amount")
	}
	if actual.Cmp(reservation.amount) > 0 {
		return fmt.Errorf("settlement %s exceeds reservation %s", actual, reservation.amount)
	}

	state := reservation.state
	state.mu.Lock()
	defer state.mu.Unlock()

	if reservation.done {
		return fmt.Errorf("reservation already finalized")
	}
	reservation.done = true

	state.reserved.Sub(state.reserved, reservation.amount)
	state.spent.Add(state.spent, actual)
	return nil
}

// Release returns the full reserved amount to the allowance. Releasing a
// finalized reservation is a no-op.
func (m *Manager) Release(reservation *Reservation) {
	if reservation == nil {
		return
	}

	state := reservation.state
	state.mu.Lock()
	defer state.mu.Unlock()

	if reservation.done {
		return
	}
	reservation.done = true
	state.reserved.Sub(state.reserved, reservation.amount)
}

// Remaining returns the caller's currently available allowance.
func (m *Manager) Remaining(caller string) *big.Int {
	state := m.stateFor(caller)
	state.mu.Lock()
	defer state.mu.Unlock()

	m.rollWindowLocked(state)
	return m.remainingLocked(state)
}

func (m *Manager) stateFor(caller string) *callerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.callers[caller]
	if !ok {
		allowance := big.NewInt(0)
		if m.defaultAllowance != nil {
			allowance = new(big.Int).Set(m.defaultAllowance)
		}
		state = &callerState{
			allowance:   allowance,
			spent:       big.NewInt(0),
			reserved:    big.NewInt(0),
			windowStart: m.now(),
		}
		m.callers[caller] = state
	}
	return state
}

// rollWindowLocked resets settled spend once the window elapses. Outstanding
// reservations carry over; they still hold real money.
func (m *Manager) rollWindowLocked(state *callerState) {
	now := m.now()
	if now.Sub(state.windowStart) >= m.window {
		state.spent.SetInt64(0)
		state.windowStart = now
	}
}

func (m *Manager) remainingLocked(state *callerState) *big.Int {
	remaining := new(big.Int).Set(state.allowance)
	remaining.Sub(remaining, state.spent)
	remaining.Sub(remaining, state.reserved)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}
