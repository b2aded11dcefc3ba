// Package risk holds the pre-trade checks applied before an order reaches
// the gateway.
package risk

import (
	"errors"
	"fmt"
	"math"

	"brokerlink/internal/domain"
)

// ErrRejected is wrapped by every failed check.
var ErrRejected = errors.New("risk: order rejected")

// Manager enforces position sizing and daily loss limits against a
// portfolio snapshot. A zero limit disables that check.
type Manager struct {
	maxPositionPct  float64
	maxDailyLossPct float64
}

// NewManager creates a Manager with the specified thresholds.
//
//   - maxPositionPct: maximum fraction of portfolio value allowed in a single
//     position (e.g. 0.10 for 10%).
//   - maxDailyLossPct: maximum fraction of starting value that may be lost
//     before orders that add exposure are refused (e.g. 0.02 for 2%).
func NewManager(maxPositionPct, maxDailyLossPct float64) *Manager {
	return &Manager{
		maxPositionPct:  maxPositionPct,
		maxDailyLossPct: maxDailyLossPct,
	}
}

// CheckOrder evaluates an order for amount shares of symbol at price
// against p. Orders that only reduce an existing position always pass.
// Without a positive portfolio value or price there is nothing to size
// against and the order passes.
func (m *Manager) CheckOrder(symbol string, amount int64, price float64, p domain.Portfolio) error {
	held := p.Positions[symbol].Amount
	after := held + amount
	if reduces(held, after) {
		return nil
	}

	if m.maxDailyLossPct > 0 && p.StartingCash > 0 {
		loss := p.StartingCash - p.PortfolioValue
		if limit := m.maxDailyLossPct * p.StartingCash; loss >= limit {
			return fmt.Errorf("%w: daily loss %.2f reached limit %.2f", ErrRejected, loss, limit)
		}
	}

	if m.maxPositionPct > 0 && p.PortfolioValue > 0 && price > 0 {
		notional := math.Abs(float64(after)) * price
		if limit := m.maxPositionPct * p.PortfolioValue; notional > limit {
			return fmt.Errorf("%w: %s position %.2f exceeds limit %.2f", ErrRejected, symbol, notional, limit)
		}
	}
	return nil
}

// reduces reports whether moving from held to after shrinks the position
// without flipping its side.
func reduces(held, after int64) bool {
	switch {
	case held > 0:
		return after >= 0 && after < held
	case held < 0:
		return after <= 0 && after > held
	}
	return false
}
